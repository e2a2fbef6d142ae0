package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish events into the delivery pipeline",
}

var eventPublishCmd = &cobra.Command{
	Use:   "publish EVENT_TYPE",
	Short: "Publish an event, fanning out one delivery per endpoint",
	Long: `Publish an event into hookline. One delivery record is created per
target endpoint; targets default to every enabled endpoint of the
organization unless --endpoint narrows them.

The payload is read from --data or, when --data is "-", from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		eventID, _ := cmd.Flags().GetString("event-id")
		priority, _ := cmd.Flags().GetString("priority")
		org, _ := cmd.Flags().GetString("organization")
		expiresAfter, _ := cmd.Flags().GetString("expires-after")
		endpointIDs, _ := cmd.Flags().GetStringSlice("endpoint")

		if data == "-" {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			data = string(raw)
		}
		if !json.Valid([]byte(data)) {
			return fmt.Errorf("--data is not valid JSON")
		}

		body := map[string]any{
			"event_type":      args[0],
			"event_id":        eventID,
			"data":            json.RawMessage(data),
			"priority":        priority,
			"organization_id": org,
			"expires_after":   expiresAfter,
			"endpoint_ids":    endpointIDs,
		}

		var resp struct {
			EventID     string   `json:"event_id"`
			DeliveryIDs []string `json:"delivery_ids"`
		}
		if err := apiRequest("POST", "/v1/events", body, &resp); err != nil {
			return err
		}
		if outputJSON {
			return nil
		}

		fmt.Printf("Event %s accepted, %d deliveries created\n", resp.EventID, len(resp.DeliveryIDs))
		for _, id := range resp.DeliveryIDs {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(eventPublishCmd)

	eventPublishCmd.Flags().String("data", "{}", `event payload as JSON ("-" reads stdin)`)
	eventPublishCmd.Flags().String("event-id", "", "event ID (generated when empty)")
	eventPublishCmd.Flags().String("priority", "normal", "delivery priority (low, normal, high, critical)")
	eventPublishCmd.Flags().String("organization", "", "organization to fan out within")
	eventPublishCmd.Flags().String("expires-after", "", `delivery time-to-live, e.g. "30m"`)
	eventPublishCmd.Flags().StringSlice("endpoint", nil, "target endpoint IDs (default: all enabled)")
}
