package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/balance-monitor/internal/accounts"
	"github.com/Sternrassler/balance-monitor/pkg/balance"
)

func newAccountsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the accounts file",
	}
	cmd.AddCommand(
		newAccountsListCmd(c),
		newAccountsAddCmd(c),
		newAccountsRemoveCmd(c),
		newAccountsUpdateCmd(c),
		newAccountsMigrateCmd(c),
	)
	return cmd
}

func newAccountsListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured accounts without credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			accts, err := accounts.Load(c.cfg.Accounts.Path)
			if err != nil {
				return err
			}
			for _, a := range accts {
				fast := "no"
				if a.HasAPIKey() {
					fast = "yes"
				}
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\tapi_key=%s\n", a.ID(), fast); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newAccountsMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <credentials.txt> <accounts.toml>",
		Short: "Convert a legacy credentials file to TOML",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]
			if !accounts.IsTOML(dst) {
				return fmt.Errorf("destination %s must have a .toml extension", dst)
			}

			accts, err := accounts.Load(src)
			if err != nil {
				return err
			}
			if err := accounts.Save(dst, accts); err != nil {
				return err
			}

			c.log.Info().Str("from", src).Str("to", dst).Int("accounts", len(accts)).Msg("Accounts migrated")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "wrote %d accounts to %s\n", len(accts), dst)
			return err
		},
	}
}

func newAccountsAddCmd(c *cli) *cobra.Command {
	var password, apiKey string

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Add an account (password read from stdin unless --password is set)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				var err error
				if password, err = readSecret(cmd); err != nil {
					return err
				}
			}

			acct := balance.Account{Username: args[0], Password: password, APIKey: apiKey}
			path := c.cfg.Accounts.Path
			err := accounts.Edit(path, func(accts []balance.Account) ([]balance.Account, error) {
				return accounts.Add(accts, acct)
			})
			if err != nil {
				return err
			}

			c.log.Info().Str("account", acct.ID()).Str("path", path).Msg("Account added")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", acct.ID())
			return err
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for the fast path")
	return cmd
}

func newAccountsRemoveCmd(c *cli) *cobra.Command {
	var purge bool

	cmd := &cobra.Command{
		Use:   "remove <username>",
		Short: "Remove an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			path := c.cfg.Accounts.Path
			err := accounts.Edit(path, func(accts []balance.Account) ([]balance.Account, error) {
				return accounts.Remove(accts, name)
			})
			if err != nil {
				return err
			}
			c.log.Info().Str("account", name).Str("path", path).Msg("Account removed")

			if purge {
				st, closeStore, err := openStore(cmd.Context(), c.cfg, c.log)
				if err != nil {
					return err
				}
				defer func() { _ = closeStore() }()

				if _, err := st.Forget(cmd.Context(), name); err != nil {
					return err
				}
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", name)
			return err
		},
	}

	cmd.Flags().BoolVar(&purge, "purge", false, "also delete the cached balance")
	return cmd
}

func newAccountsUpdateCmd(c *cli) *cobra.Command {
	var (
		password, apiKey string
		clearKey         bool
	)

	cmd := &cobra.Command{
		Use:   "update <username>",
		Short: "Change the password or API key of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var changes accounts.Changes
			if cmd.Flags().Changed("password") {
				changes.Password = &password
			}
			switch {
			case clearKey && cmd.Flags().Changed("api-key"):
				return errors.New("--api-key and --clear-api-key are mutually exclusive")
			case clearKey:
				empty := ""
				changes.APIKey = &empty
			case cmd.Flags().Changed("api-key"):
				changes.APIKey = &apiKey
			}
			if changes.Password == nil && changes.APIKey == nil {
				return errors.New("nothing to update: set --password, --api-key or --clear-api-key")
			}

			name := strings.TrimSpace(args[0])
			path := c.cfg.Accounts.Path
			err := accounts.Edit(path, func(accts []balance.Account) ([]balance.Account, error) {
				return accounts.Update(accts, name, changes)
			})
			if err != nil {
				return err
			}

			c.log.Info().Str("account", name).Str("path", path).Msg("Account updated")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", name)
			return err
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "new password")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "new API key")
	cmd.Flags().BoolVar(&clearKey, "clear-api-key", false, "remove the API key")
	return cmd
}

// readSecret reads one line from the command's input.
func readSecret(cmd *cobra.Command) (string, error) {
	sc := bufio.NewScanner(cmd.InOrStdin())
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return "", errors.New("password required: pass --password or write it to stdin")
	}
	return strings.TrimSpace(sc.Text()), nil
}
