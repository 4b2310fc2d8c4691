package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Veraticus/taxflow/internal/bank"
	"github.com/Veraticus/taxflow/internal/cli"
	"github.com/Veraticus/taxflow/internal/common"
	"github.com/Veraticus/taxflow/internal/config"
	"github.com/Veraticus/taxflow/internal/plaid"
)

func accountsCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List configured bank accounts",
		Long: `List the accounts taxflow syncs. With --plaid, also ask Plaid which
account ids each configured access token can see, so they can be copied into
the accounts list.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return common.NewUserError("Configuration is invalid", err)
			}
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, cli.FormatTitle("Configured accounts"))
			fmt.Fprint(out, cli.RenderTable([]string{"ID", "BANK", "NUMBER", "SOURCE"}, accountRows(cfg.Accounts), -1))
			if !remote {
				return nil
			}

			client, err := plaid.NewClient(cfg.PlaidClient(), plaid.WithLocation(cfg.Location()))
			if err != nil {
				return common.NewUserError("Plaid is not configured", err)
			}
			configured := make(map[string]bool, len(cfg.Accounts))
			for _, a := range cfg.Accounts {
				configured[a.ID] = true
			}

			var rows [][]string
			for _, token := range plaidTokens(cfg.Plaid) {
				ids, err := client.GetAccounts(cmd.Context(), token)
				if err != nil {
					return fmt.Errorf("failed to list plaid accounts: %w", err)
				}
				for _, id := range ids {
					status := "missing"
					if configured[id] {
						status = "ok"
					}
					rows = append(rows, []string{id, maskToken(token), status})
				}
			}
			fmt.Fprintln(out, "\n"+cli.FormatTitle("Plaid accounts"))
			fmt.Fprint(out, cli.RenderTable([]string{"ACCOUNT", "TOKEN", "CONFIGURED"}, rows, 2))
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "plaid", false, "query Plaid for the accounts behind each access token")
	return cmd
}

func accountRows(accounts []bank.AccountRef) [][]string {
	rows := make([][]string, 0, len(accounts))
	for _, a := range accounts {
		rows = append(rows, []string{a.ID, a.BankName, a.AccountNumber, a.SourceKind()})
	}
	return rows
}

// plaidTokens returns each distinct access token once, in a stable order.
func plaidTokens(c config.PlaidConfig) []string {
	seen := make(map[string]bool)
	var tokens []string
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}
	add(c.AccessToken)
	ids := make([]string, 0, len(c.AccessTokens))
	for id := range c.AccessTokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		add(c.AccessTokens[id])
	}
	return tokens
}

func maskToken(t string) string {
	if len(t) <= 8 {
		return "****"
	}
	return t[:4] + "…" + t[len(t)-4:]
}
