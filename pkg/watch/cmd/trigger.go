package cmd

import (
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func NewTriggerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Ask the server to broadcast the current snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}

			var result struct {
				Message string `json:"message"`
				Clients int    `json:"clients"`
			}
			resp, err := resty.New().
				SetBaseURL(rt.cfg.Client.Endpoint).
				SetTimeout(rt.cfg.Client.ConnectTimeout()).
				R().
				SetContext(cmd.Context()).
				SetResult(&result).
				Post("/trigger")
			if err != nil {
				return fmt.Errorf("triggering broadcast: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("server returned %s", resp.Status())
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d clients)\n", result.Message, result.Clients)
			return nil
		},
	}
}
