// Package cmd implements the auditwatch CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/festion/audit-stream/pkg/config"
)

type runtimeState struct {
	configPath       string
	endpointOverride string
	debug            bool
	cfg              config.Config
}

type runtimeKey struct{}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, fmt.Errorf("command runtime not initialized")
	}
	return rt, nil
}

func NewRootCommand() *cobra.Command {
	rt := &runtimeState{}

	root := &cobra.Command{
		Use:           "auditwatch",
		Short:         "Follow audit report snapshots from an audit-stream server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			if rt.endpointOverride == "" {
				rt.endpointOverride = os.Getenv("AUDITWATCH_ENDPOINT")
			}

			cfg, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			if rt.endpointOverride != "" {
				cfg.Client.Endpoint = rt.endpointOverride
			}
			rt.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", "", "Path to config file")
	root.PersistentFlags().StringVar(&rt.endpointOverride, "endpoint", "", "Server endpoint override")
	root.PersistentFlags().BoolVar(&rt.debug, "debug", false, "Enable debug logging")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewWatchCommand(),
		NewStatusCommand(),
		NewTriggerCommand(),
		NewVersionCommand(),
	)

	return root
}
