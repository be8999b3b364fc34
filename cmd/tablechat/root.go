package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/tablechat/internal/app"
	"github.com/suPer8Hu/tablechat/internal/config"
	"github.com/suPer8Hu/tablechat/internal/telemetry"
)

// Local runs keep their metadata in a SQLite file unless DB_DSN says otherwise.
const defaultLocalDSN = "sqlite:tablechat.db"

type cliOptions struct {
	session  string
	provider string
	model    string
	user     uint64
	verbose  bool
}

func newRootCmd() *cobra.Command {
	o := &cliOptions{}
	root := &cobra.Command{
		Use:           "tablechat",
		Short:         "Ask questions about a table and undo what the answers did",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&o.session, "session", "s", "", "session id")
	root.PersistentFlags().StringVarP(&o.provider, "provider", "p", "", "override AI provider")
	root.PersistentFlags().StringVarP(&o.model, "model", "m", "", "override model")
	root.PersistentFlags().Uint64Var(&o.user, "user", 0, "owner user id")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newChatCmd(o))
	root.AddCommand(newInfoCmd(o))
	root.AddCommand(newUndoCmd(o))
	root.AddCommand(newRedoCmd(o))
	root.AddCommand(newHistoryCmd(o))
	return root
}

// openApp loads the configuration with the command line overrides applied.
// The returned cleanup closes everything openApp opened.
func openApp(ctx context.Context, o *cliOptions) (*app.App, func(), error) {
	cfg := config.Load()
	if os.Getenv("DB_DSN") == "" {
		cfg.DBDSN = defaultLocalDSN
	}
	if o.provider != "" {
		cfg.AIProvider = o.provider
	}
	if o.model != "" {
		cfg.AIModel = o.model
	}

	level := "warn"
	if o.verbose {
		level = "debug"
	}
	logger, closer, err := telemetry.NewLogger(cfg.LogFile, level)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return a, func() {
		_ = a.Close()
		_ = closer.Close()
	}, nil
}

func (o *cliOptions) requireSession() error {
	if o.session == "" {
		return errors.New("--session is required")
	}
	return nil
}
