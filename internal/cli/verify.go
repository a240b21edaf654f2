package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"followback/internal/directory"
)

// verifyConcurrency bounds in-flight verify calls.
const verifyConcurrency = 4

// VerifyResult is the outcome for one stored account.
type VerifyResult struct {
	ID         directory.UserID `json:"id"`
	ScreenName string           `json:"screen_name,omitempty"`
	OK         bool             `json:"ok"`
	Class      string           `json:"class,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// ErrInvalidCredentials is returned by verify when any account failed.
var ErrInvalidCredentials = errors.New("one or more credentials failed verification")

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every stored credential against the directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			client, err := s.client()
			if err != nil {
				return err
			}
			accts, err := s.store.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			results, err := verifyAll(cmd.Context(), client, accts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				if err := json.NewEncoder(out).Encode(results); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				writeln(tw, "ID\tSTATUS\tDETAIL")
				for _, r := range results {
					if r.OK {
						writeln(tw, "%s\tok\t@%s", r.ID, r.ScreenName)
					} else {
						writeln(tw, "%s\t%s\t%s", r.ID, r.Class, r.Error)
					}
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			for _, r := range results {
				if !r.OK {
					return ErrInvalidCredentials
				}
			}
			return nil
		},
	}
}

// verifyAll checks each account concurrently. Per-account failures land in
// the results; only context cancellation aborts the run.
func verifyAll(ctx context.Context, client directory.Client, accts []directory.Account) ([]VerifyResult, error) {
	results := make([]VerifyResult, len(accts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyConcurrency)
	for i, a := range accts {
		g.Go(func() error {
			r := VerifyResult{ID: a.ID}
			id, err := client.VerifyCredential(gctx, a.Credential)
			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				r.Class = directory.Classify(err).String()
				r.Error = err.Error()
			case id.ID != a.ID:
				r.Class = "mismatch"
				r.Error = fmt.Sprintf("credential belongs to %s", id.ID)
			default:
				r.OK = true
				r.ScreenName = id.ScreenName
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
