package cmd

import (
	"github.com/spf13/cobra"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "manage policy rules",
}

var (
	policyName         string
	policyScope        string
	policyResourceType string
	policyPattern      string
	policyAction       string
	policyPriority     int
	policyEnabled      bool
)

var policiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "list policy rules",
	RunE: func(c *cobra.Command, args []string) error {
		client := newAPIClient()
		var rows []map[string]any
		if err := client.do(c.Context(), "GET", "/api/policies", nil, &rows); err != nil {
			printErr(err)
			return err
		}
		return printResult(rows)
	},
}

var policiesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "add a policy rule",
	RunE: func(c *cobra.Command, args []string) error {
		client := newAPIClient()
		var rule map[string]any
		if err := client.do(c.Context(), "POST", "/api/policies", map[string]any{
			"name":         policyName,
			"enabled":      policyEnabled,
			"scope":        policyScope,
			"resourceType": policyResourceType,
			"pattern":      policyPattern,
			"action":       policyAction,
			"priority":     policyPriority,
		}, &rule); err != nil {
			printErr(err)
			return err
		}
		return printResult(rule)
	},
}

var policiesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "remove a policy rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		client := newAPIClient()
		if err := client.do(c.Context(), "DELETE", "/api/policies/"+args[0], nil, nil); err != nil {
			printErr(err)
			return err
		}
		return nil
	},
}

func init() {
	policiesCreateCmd.Flags().StringVar(&policyName, "name", "", "rule name")
	policiesCreateCmd.Flags().BoolVar(&policyEnabled, "enabled", true, "whether the rule is active")
	policiesCreateCmd.Flags().StringVar(&policyScope, "scope", "global", "global|workspace|server|client")
	policiesCreateCmd.Flags().StringVar(&policyResourceType, "resource-type", "tool", "tool|server|resource")
	policiesCreateCmd.Flags().StringVar(&policyPattern, "pattern", "", "glob pattern to match against the resource name")
	policiesCreateCmd.Flags().StringVar(&policyAction, "action", "deny", "allow|deny|require_approval|redact")
	policiesCreateCmd.Flags().IntVar(&policyPriority, "priority", 0, "higher wins on overlapping matches")
	policiesCreateCmd.MarkFlagRequired("name")
	policiesCreateCmd.MarkFlagRequired("pattern")

	policiesCmd.AddCommand(policiesListCmd, policiesCreateCmd, policiesDeleteCmd)
}
