// Package cli implements the followback command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"followback/internal/app"
	"followback/internal/config"
	"followback/internal/directory/twitter"
	"followback/internal/storage"
	logx "followback/pkg/logx"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "./followback.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "text" | "json"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "followback",
		Short: "Sync follower ids and follow back across many accounts",
		Long: `followback keeps the follower and friend id sets of every managed account
in a local store and follows back peers who follow an account first.

Both jobs share one ready-time scheduler per cycle, so any number of accounts
is served by a single goroutine that honours each account's rate limit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", DefaultConfigPath, "path to config file (yaml or json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to the console")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewAccountsCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))

	return cmd
}

func (o *RootOptions) logger() logx.Logger {
	if o.Verbose {
		return logx.NewConsole("debug")
	}
	return logx.Nop()
}

// session is the config plus store shared by the one-shot subcommands.
type session struct {
	cfg   *config.Config
	rt    config.Runtime
	store storage.Store
	log   logx.Logger
}

func (o *RootOptions) open(ctx context.Context) (*session, error) {
	_, cfg, rt, err := app.LoadConfig(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	log := o.logger()
	store, err := app.OpenStore(ctx, cfg, rt, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &session{cfg: cfg, rt: rt, store: store, log: log}, nil
}

func (s *session) Close() error { return s.store.Close() }

func (s *session) client() (*twitter.Client, error) {
	return app.NewClient(s.cfg, s.rt, nil, s.log)
}

func writeln(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
