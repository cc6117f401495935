package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/festion/audit-stream/pkg/client"
	"github.com/festion/audit-stream/pkg/snapshot"
	"github.com/festion/audit-stream/pkg/system"
)

func NewWatchCommand() *cobra.Command {
	var pollOnly bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream snapshot updates to the terminal until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}

			logger := system.NewLogger(rt.debug)
			defer func() { _ = logger.Sync() }()

			var prefs client.PreferenceStore = client.NewKeyringPreferences()
			if pollOnly {
				prefs = client.NewMemoryPreferences(false)
			}

			ds, err := client.NewDataSource(rt.cfg.Client, prefs, logger)
			if err != nil {
				return err
			}

			writer := cmd.OutOrStdout()
			ds.OnSnapshot(func(snap *snapshot.Snapshot) {
				fmt.Fprintf(writer, "%s  health=%s  total=%d clean=%d dirty=%d missing=%d extra=%d\n",
					snap.Timestamp, snap.HealthStatus,
					snap.Summary.Total, snap.Summary.Clean, snap.Summary.Dirty,
					snap.Summary.Missing, snap.Summary.Extra)
			})
			ds.OnState(func(s client.State) {
				fmt.Fprintf(writer, "connection: %s\n", s)
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ds.Start(ctx)
			return nil
		},
	}

	cmd.Flags().BoolVar(&pollOnly, "poll", false, "Use HTTP polling instead of the push channel")

	return cmd
}
