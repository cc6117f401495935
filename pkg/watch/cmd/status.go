package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

// serverStatus mirrors the status endpoint response.
type serverStatus struct {
	Status         string  `json:"status"`
	Clients        int     `json:"clients"`
	MaxConnections int     `json:"maxConnections"`
	Uptime         float64 `json:"uptime"`
	Timestamp      string  `json:"timestamp"`
	Version        string  `json:"version"`
}

func NewStatusCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show server health and subscriber count",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}

			var status serverStatus
			resp, err := resty.New().
				SetBaseURL(rt.cfg.Client.Endpoint).
				SetTimeout(rt.cfg.Client.ConnectTimeout()).
				R().
				SetContext(cmd.Context()).
				SetResult(&status).
				Get("/status")
			if err != nil {
				return fmt.Errorf("querying server status: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("server returned %s", resp.Status())
			}

			writer := cmd.OutOrStdout()
			if outputFormat == "json" {
				encoder := json.NewEncoder(writer)
				encoder.SetIndent("", "  ")
				return encoder.Encode(status)
			}

			fmt.Fprintf(writer, "Status:   %s\n", status.Status)
			fmt.Fprintf(writer, "Version:  %s\n", status.Version)
			fmt.Fprintf(writer, "Clients:  %d/%d\n", status.Clients, status.MaxConnections)
			fmt.Fprintf(writer, "Uptime:   %.0fs\n", status.Uptime)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "", "Output format: json")

	return cmd
}
