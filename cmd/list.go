package cmd

import (
	"github.com/spf13/cobra"
)

var listServerID string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list tools in the catalog, or servers with --servers",
	RunE: func(c *cobra.Command, args []string) error {
		client := newAPIClient()

		if listServersFlag {
			var servers []map[string]any
			if err := client.do(c.Context(), "GET", "/api/servers", nil, &servers); err != nil {
				printErr(err)
				return err
			}
			return printResult(servers)
		}

		path := "/api/tools"
		if listServerID != "" {
			path = "/api/servers/" + listServerID + "/tools"
		}
		var tools []map[string]any
		if err := client.do(c.Context(), "GET", path, nil, &tools); err != nil {
			printErr(err)
			return err
		}
		return printResult(tools)
	},
}

var listServersFlag bool

func init() {
	listCmd.Flags().StringVar(&listServerID, "server", "", "limit to one server's tools")
	listCmd.Flags().BoolVar(&listServersFlag, "servers", false, "list servers instead of tools")
}
