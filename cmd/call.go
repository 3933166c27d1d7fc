package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/mcp-router/gateway/internal/apperr"
)

var (
	callArgsJSON string
	callServerID string
)

var callCmd = &cobra.Command{
	Use:   "call <tool>",
	Short: "invoke a tool through the request pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		toolName := args[0]

		arguments := map[string]any{}
		if callArgsJSON != "" {
			if err := json.Unmarshal([]byte(callArgsJSON), &arguments); err != nil {
				err := apperr.Validationf("invalid --args JSON: %v", err)
				printErr(err)
				return err
			}
		}

		path := "/api/tools/" + toolName + "/call"
		if callServerID != "" {
			path = "/api/servers/" + callServerID + "/tools/" + toolName + "/call"
		}

		client := newAPIClient()
		var result map[string]any
		if err := client.do(c.Context(), "POST", path, map[string]any{"arguments": arguments}, &result); err != nil {
			printErr(err)
			return err
		}
		return printResult(result)
	},
}

func init() {
	callCmd.Flags().StringVar(&callArgsJSON, "args", "", "tool arguments as a JSON object")
	callCmd.Flags().StringVar(&callServerID, "server", "", "call a server's raw tool name instead of an exposed name")
}
