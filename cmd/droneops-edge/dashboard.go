package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"droneops-edge/internal/dashboard"
)

var (
	dashboardOut  string
	dashboardEdge string
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Render Grafana dashboards for the relay metrics",
	Long:  "dashboard renders the bundled Grafana dashboards. PROMETHEUS_DATASOURCE_UID must be set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		files, err := dashboard.Render(dashboardOut, dashboard.Data{EdgeID: dashboardEdge})
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f)
		}
		return nil
	},
}

func init() {
	dashboardCmd.Flags().StringVar(&dashboardOut, "out", "dashboards", "Output directory")
	dashboardCmd.Flags().StringVar(&dashboardEdge, "edge", "", "Preselect an edge instance")
}
