package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"followback/internal/directory"
	"followback/internal/storage"
)

// NewAccountsCommand groups the account management subcommands.
func NewAccountsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the accounts followback works for",
	}
	cmd.AddCommand(newAccountsAddCommand(rootOpts))
	cmd.AddCommand(newAccountsListCommand(rootOpts))
	cmd.AddCommand(newAccountsRemoveCommand(rootOpts))
	return cmd
}

// accountRow is the list output of one account.
type accountRow struct {
	ID        directory.UserID `json:"id"`
	Followers int              `json:"followers"`
	Friends   int              `json:"friends"`
}

func newAccountsAddCommand(rootOpts *RootOptions) *cobra.Command {
	var token, secret string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Verify an access token pair and store it",
		Long: `Verify an access token pair against the directory and store it under the
account id the directory reports. Adding an existing account replaces its
credential.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cred := directory.Credential{Token: token, Secret: secret}
			if !cred.Valid() {
				return errors.New("--token and --secret are required")
			}
			s, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			client, err := s.client()
			if err != nil {
				return err
			}
			id, err := client.VerifyCredential(cmd.Context(), cred)
			if err != nil {
				return fmt.Errorf("verify credential: %w", err)
			}
			if err := s.store.SaveAccount(cmd.Context(), directory.Account{ID: id.ID, Credential: cred}); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return json.NewEncoder(out).Encode(map[string]any{"id": id.ID, "screen_name": id.ScreenName})
			}
			writeln(out, "added %s (@%s)", id.ID, id.ScreenName)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token")
	cmd.Flags().StringVar(&secret, "secret", "", "access token secret")
	return cmd
}

func newAccountsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored accounts with their relationship counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			accts, err := s.store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([]accountRow, 0, len(accts))
			for _, a := range accts {
				st, err := s.store.Stats(cmd.Context(), a.ID)
				if err != nil {
					return err
				}
				rows = append(rows, accountRow{ID: a.ID, Followers: st.Followers, Friends: st.Friends})
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return json.NewEncoder(out).Encode(rows)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			writeln(tw, "ID\tFOLLOWERS\tFRIENDS")
			for _, r := range rows {
				writeln(tw, "%s\t%d\t%d", r.ID, r.Followers, r.Friends)
			}
			return tw.Flush()
		},
	}
}

func newAccountsRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a stored account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			s, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			id := directory.UserID(n)
			if err := s.store.DeleteAccount(cmd.Context(), id); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("account %s not found", id)
				}
				return err
			}
			writeln(cmd.OutOrStdout(), "removed %s", id)
			return nil
		},
	}
}
