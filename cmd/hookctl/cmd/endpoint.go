package cmd

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

type endpointView struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	URL            string    `json:"url"`
	Secret         string    `json:"secret,omitempty"`
	Timeout        int64     `json:"timeout"`
	Disabled       bool      `json:"disabled"`
	CreatedAt      time.Time `json:"created_at"`
}

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
}

var endpointCreateCmd = &cobra.Command{
	Use:   "create URL",
	Short: "Register a webhook endpoint",
	Long: `Register a webhook endpoint with the hookline service.

A signing secret is generated server-side unless --secret is given.
The secret is printed exactly once; store it with the receiver.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("organization")
		secret, _ := cmd.Flags().GetString("secret")
		timeoutSec, _ := cmd.Flags().GetInt("timeout-seconds")

		body := map[string]any{
			"organization_id": org,
			"url":             args[0],
			"secret":          secret,
			"timeout_seconds": timeoutSec,
		}

		var ep endpointView
		if err := apiRequest("POST", "/v1/endpoints", body, &ep); err != nil {
			return err
		}
		if outputJSON {
			return nil
		}

		fmt.Printf("Endpoint created: %s\n", ep.ID)
		fmt.Printf("  URL:     %s\n", ep.URL)
		fmt.Printf("  Org:     %s\n", ep.OrganizationID)
		fmt.Printf("  Timeout: %s\n", time.Duration(ep.Timeout))
		if ep.Secret != "" {
			fmt.Printf("  Secret:  %s  (shown once, store it now)\n", ep.Secret)
		}
		return nil
	},
}

var endpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("organization")

		path := "/v1/endpoints"
		if org != "" {
			path += "?organization_id=" + url.QueryEscape(org)
		}

		var resp struct {
			Endpoints []endpointView `json:"endpoints"`
		}
		if err := apiRequest("GET", path, nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			return nil
		}

		if len(resp.Endpoints) == 0 {
			fmt.Println("No endpoints found")
			return nil
		}
		fmt.Printf("%-36s  %-12s  %-8s  %s\n", "ID", "ORG", "STATE", "URL")
		for _, ep := range resp.Endpoints {
			state := "enabled"
			if ep.Disabled {
				state = "disabled"
			}
			fmt.Printf("%-36s  %-12s  %-8s  %s\n", ep.ID, ep.OrganizationID, state, ep.URL)
		}
		return nil
	},
}

var endpointDisableCmd = &cobra.Command{
	Use:   "disable ENDPOINT_ID",
	Short: "Disable an endpoint so no new deliveries are attempted against it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest("POST", "/v1/endpoints/"+args[0]+"/disable", nil, nil); err != nil {
			return err
		}
		if !outputJSON {
			fmt.Printf("Endpoint %s disabled\n", args[0])
		}
		return nil
	},
}

var endpointEnableCmd = &cobra.Command{
	Use:   "enable ENDPOINT_ID",
	Short: "Re-enable a disabled endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest("POST", "/v1/endpoints/"+args[0]+"/enable", nil, nil); err != nil {
			return err
		}
		if !outputJSON {
			fmt.Printf("Endpoint %s enabled\n", args[0])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(endpointCreateCmd)
	endpointCmd.AddCommand(endpointListCmd)
	endpointCmd.AddCommand(endpointDisableCmd)
	endpointCmd.AddCommand(endpointEnableCmd)

	endpointCreateCmd.Flags().String("organization", "", "organization owning the endpoint")
	endpointCreateCmd.Flags().String("secret", "", "signing secret (generated when empty)")
	endpointCreateCmd.Flags().Int("timeout-seconds", 0, "per-attempt timeout in seconds (default 15)")

	endpointListCmd.Flags().String("organization", "", "filter by organization")
}
