package cmd

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/hookline/hookline/internal/record"
)

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect and manage delivery records",
}

var deliveryGetCmd = &cobra.Command{
	Use:   "get DELIVERY_ID",
	Short: "Show a delivery record with its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec record.Record
		if err := apiRequest("GET", "/v1/deliveries/"+args[0], nil, &rec); err != nil {
			return err
		}
		if outputJSON {
			return nil
		}
		printRecord(&rec)
		return nil
	},
}

var deliveryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List delivery records",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		endpointID, _ := cmd.Flags().GetString("endpoint")
		org, _ := cmd.Flags().GetString("organization")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if endpointID != "" {
			q.Set("endpoint_id", endpointID)
		}
		if org != "" {
			q.Set("organization_id", org)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprint(limit))
		}
		path := "/v1/deliveries"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var resp struct {
			Deliveries []record.Record `json:"deliveries"`
		}
		if err := apiRequest("GET", path, nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return nil
		}

		if len(resp.Deliveries) == 0 {
			fmt.Println("No deliveries found")
			return nil
		}
		fmt.Printf("%-36s  %-10s  %-8s  %-9s  %-20s  %s\n",
			"ID", "STATUS", "PRIORITY", "ATTEMPTS", "EVENT", "ENDPOINT")
		for i := range resp.Deliveries {
			rec := &resp.Deliveries[i]
			fmt.Printf("%-36s  %-10s  %-8s  %d/%d       %-20s  %s\n",
				rec.ID, rec.Status, rec.Priority,
				rec.Attempts.Count, rec.Attempts.MaxAttempts,
				rec.EventType, rec.EndpointID)
		}
		return nil
	},
}

var deliveryCancelCmd = &cobra.Command{
	Use:   "cancel DELIVERY_ID",
	Short: "Cancel a delivery so it will not be attempted again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		body := map[string]any{"reason": reason}
		var rec record.Record
		if err := apiRequest("POST", "/v1/deliveries/"+args[0]+"/cancel", body, &rec); err != nil {
			return err
		}
		if outputJSON {
			return nil
		}
		fmt.Printf("Delivery %s is now %s\n", rec.ID, rec.Status)
		return nil
	},
}

var deliveryRetryCmd = &cobra.Command{
	Use:   "retry DELIVERY_ID",
	Short: "Replay a finished delivery as a fresh record",
	Long: `Replay a delivery that already reached a final state. A new record is
created carrying the original payload and endpoint; its attempt counter
starts at zero and the original record is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec record.Record
		if err := apiRequest("POST", "/v1/deliveries/"+args[0]+"/retry", nil, &rec); err != nil {
			return err
		}
		if outputJSON {
			return nil
		}
		fmt.Printf("Replay created: %s (original %s)\n", rec.ID, rec.Metadata.OriginalDeliveryID)
		return nil
	},
}

func printRecord(rec *record.Record) {
	fmt.Printf("Delivery %s\n", rec.ID)
	fmt.Printf("  Status:    %s\n", rec.Status)
	fmt.Printf("  Priority:  %s\n", rec.Priority)
	fmt.Printf("  Event:     %s (%s)\n", rec.EventType, rec.Payload.EventID)
	fmt.Printf("  Endpoint:  %s\n", rec.EndpointID)
	if rec.OrganizationID != "" {
		fmt.Printf("  Org:       %s\n", rec.OrganizationID)
	}
	fmt.Printf("  Attempts:  %d/%d\n", rec.Attempts.Count, rec.Attempts.MaxAttempts)
	fmt.Printf("  Scheduled: %s\n", rec.ScheduledAt.Format(time.RFC3339))
	if rec.Attempts.NextAttemptAt != nil {
		fmt.Printf("  Next try:  %s\n", rec.Attempts.NextAttemptAt.Format(time.RFC3339))
	}
	if rec.ExpiresAt != nil {
		fmt.Printf("  Expires:   %s\n", rec.ExpiresAt.Format(time.RFC3339))
	}
	if rec.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", rec.CompletedAt.Format(time.RFC3339))
	}
	if rec.Error != nil {
		fmt.Printf("  Error:     [%s] %s\n", rec.Error.Kind, rec.Error.Message)
	}
	if rec.Metadata.CancelReason != "" {
		fmt.Printf("  Cancelled: %s\n", rec.Metadata.CancelReason)
	}
	if rec.Metadata.IsRetry {
		fmt.Printf("  Replay of: %s\n", rec.Metadata.OriginalDeliveryID)
	}
	if len(rec.Attempts.History) > 0 {
		fmt.Println("  History:")
		for _, a := range rec.Attempts.History {
			line := fmt.Sprintf("    #%d  %s", a.Number, a.At.Format(time.RFC3339))
			if a.Success {
				line += fmt.Sprintf("  ok (%d, %dms)", a.HTTPStatus, a.ResponseTimeMS)
			} else if a.Error != nil {
				line += fmt.Sprintf("  %s: %s", a.Error.Kind, a.Error.Message)
			}
			fmt.Println(line)
		}
	}
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(deliveryGetCmd)
	deliveryCmd.AddCommand(deliveryListCmd)
	deliveryCmd.AddCommand(deliveryCancelCmd)
	deliveryCmd.AddCommand(deliveryRetryCmd)

	deliveryListCmd.Flags().String("status", "", "filter by status (pending, processing, success, failed, retrying, cancelled, expired)")
	deliveryListCmd.Flags().String("endpoint", "", "filter by endpoint ID")
	deliveryListCmd.Flags().String("organization", "", "filter by organization")
	deliveryListCmd.Flags().Int("limit", 50, "maximum records to return")

	deliveryCancelCmd.Flags().String("reason", "cancelled via hookctl", "reason recorded on the delivery")
}
