package cmd

import (
	"github.com/spf13/cobra"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "manage bearer tokens",
}

var (
	tokenClientID     string
	tokenName         string
	tokenTTLSeconds   int64
	tokenScopes       []string
	tokenServerAccess []string
)

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "list tokens for a client",
	RunE: func(c *cobra.Command, args []string) error {
		client := newAPIClient()
		var rows []map[string]any
		if err := client.do(c.Context(), "GET", "/api/tokens?clientId="+tokenClientID, nil, &rows); err != nil {
			printErr(err)
			return err
		}
		return printResult(rows)
	},
}

var tokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "issue a new token",
	RunE: func(c *cobra.Command, args []string) error {
		serverAccess := map[string]bool{}
		for _, id := range tokenServerAccess {
			serverAccess[id] = true
		}

		client := newAPIClient()
		var tok map[string]any
		if err := client.do(c.Context(), "POST", "/api/tokens", map[string]any{
			"clientId":     tokenClientID,
			"name":         tokenName,
			"ttl":          tokenTTLSeconds,
			"scopes":       tokenScopes,
			"serverAccess": serverAccess,
		}, &tok); err != nil {
			printErr(err)
			return err
		}
		return printResult(tok)
	},
}

var tokensDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "revoke a token",
	Args:  cobra.ExactArgs(1),
	RunE: func(c *cobra.Command, args []string) error {
		client := newAPIClient()
		if err := client.do(c.Context(), "DELETE", "/api/tokens/"+args[0], nil, nil); err != nil {
			printErr(err)
			return err
		}
		return nil
	},
}

func init() {
	tokensListCmd.Flags().StringVar(&tokenClientID, "client", "", "client id to list tokens for")
	tokensListCmd.MarkFlagRequired("client")

	tokensCreateCmd.Flags().StringVar(&tokenClientID, "client", "", "owning client id")
	tokensCreateCmd.Flags().StringVar(&tokenName, "name", "", "human-readable label")
	tokensCreateCmd.Flags().Int64Var(&tokenTTLSeconds, "ttl", 0, "lifetime in seconds (0 = router default)")
	tokensCreateCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "scope, repeatable")
	tokensCreateCmd.Flags().StringSliceVar(&tokenServerAccess, "server", nil, "allowed server id, repeatable")

	tokensCmd.AddCommand(tokensListCmd, tokensCreateCmd, tokensDeleteCmd)
}
