package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the ingest API is reachable and healthy",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: timeout}

		start := time.Now()
		resp, err := client.Get(serverAddr + "/healthz")
		if err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server unhealthy: %s", resp.Status)
		}
		fmt.Printf("%s is healthy (%s)\n", serverAddr, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
