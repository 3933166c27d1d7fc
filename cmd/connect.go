package cmd

import (
	"github.com/spf13/cobra"
)

var (
	connectName      string
	connectTransport string
	connectCommand   string
	connectURL       string
	connectProjectID string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "register an MCP server with the router and start it",
	RunE: func(c *cobra.Command, args []string) error {
		client := newAPIClient()
		var server map[string]any
		if err := client.do(c.Context(), "POST", "/api/servers", map[string]any{
			"name":      connectName,
			"transport": connectTransport,
			"command":   connectCommand,
			"url":       connectURL,
			"projectId": connectProjectID,
		}, &server); err != nil {
			printErr(err)
			return err
		}

		id, _ := server["id"].(string)
		if err := client.do(c.Context(), "POST", "/api/servers/"+id+"/start", nil, nil); err != nil {
			printErr(err)
			return err
		}
		return printResult(server)
	},
}

func init() {
	connectCmd.Flags().StringVar(&connectName, "name", "", "display name for the server")
	connectCmd.Flags().StringVar(&connectTransport, "transport", "stdio", "stdio|sse|http")
	connectCmd.Flags().StringVar(&connectCommand, "command", "", "subprocess command line (stdio transport)")
	connectCmd.Flags().StringVar(&connectURL, "url", "", "endpoint URL (sse/http transport)")
	connectCmd.Flags().StringVar(&connectProjectID, "project", "", "owning project id")
	connectCmd.MarkFlagRequired("name")
}
