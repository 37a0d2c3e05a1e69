package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"droneops-edge/internal/monitor"
)

var (
	monitorURL      string
	monitorInterval time.Duration
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch a running relay in the terminal",
	Long:  "monitor polls the relay control surface and renders its status. Without a terminal it prints the status once as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := monitor.HTTPFetcher{BaseURL: monitorURL}
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			st, err := f.Fetch(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		}
		return monitor.Run(cmd.Context(), f, monitorInterval)
	},
}

func init() {
	monitorCmd.Flags().StringVar(&monitorURL, "url", "http://localhost:5001", "Relay control surface URL")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 2*time.Second, "Refresh interval")
}
