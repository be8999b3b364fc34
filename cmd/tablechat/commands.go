package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/tablechat/internal/app"
	"github.com/suPer8Hu/tablechat/internal/chat"
)

func newChatCmd(o *cliOptions) *cobra.Command {
	var csvPath string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session over a CSV file or an existing session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if csvPath == "" && o.session == "" {
				return fmt.Errorf("either --csv or --session is required")
			}
			ctx := cmd.Context()
			a, cleanup, err := openApp(ctx, o)
			if err != nil {
				return err
			}
			defer cleanup()

			sid := o.session
			if sid == "" {
				sid, err = createFromCSV(ctx, a, o, csvPath)
				if err != nil {
					return err
				}
			} else if _, err := a.Chat.GetSession(ctx, o.user, sid); err != nil {
				return fmt.Errorf("session %s: %w", sid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s\n", sid)
			return repl(ctx, a.Chat, o.user, sid, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV file to start from")
	return cmd
}

func createFromCSV(ctx context.Context, a *app.App, o *cliOptions, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sess, _, err := a.Chat.CreateSessionFromCSV(ctx, chat.NewSession{
		UserID:   o.user,
		Provider: o.provider,
		Model:    o.model,
		Source:   filepath.Base(path),
	}, f)
	if err != nil {
		return "", err
	}
	return sess.SessionID, nil
}

// sessionCmd builds a one-shot command that needs an open app and --session.
func sessionCmd(o *cliOptions, use, short string, run func(ctx context.Context, a *app.App, cmd *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.requireSession(); err != nil {
				return err
			}
			a, cleanup, err := openApp(cmd.Context(), o)
			if err != nil {
				return err
			}
			defer cleanup()
			return run(cmd.Context(), a, cmd)
		},
	}
}

func newInfoCmd(o *cliOptions) *cobra.Command {
	return sessionCmd(o, "info", "Show the current state of a session", func(ctx context.Context, a *app.App, cmd *cobra.Command) error {
		return printRows(ctx, cmd.OutOrStdout(), a.Chat, o.user, o.session, 5)
	})
}

func newUndoCmd(o *cliOptions) *cobra.Command {
	return sessionCmd(o, "undo", "Move a session one state back", func(ctx context.Context, a *app.App, cmd *cobra.Command) error {
		step, err := a.Chat.Undo(ctx, o.user, o.session)
		if err != nil {
			return err
		}
		printStep(cmd.OutOrStdout(), step, "oldest")
		return nil
	})
}

func newRedoCmd(o *cliOptions) *cobra.Command {
	return sessionCmd(o, "redo", "Move a session one state forward", func(ctx context.Context, a *app.App, cmd *cobra.Command) error {
		step, err := a.Chat.Redo(ctx, o.user, o.session)
		if err != nil {
			return err
		}
		printStep(cmd.OutOrStdout(), step, "newest")
		return nil
	})
}

func newHistoryCmd(o *cliOptions) *cobra.Command {
	return sessionCmd(o, "history", "List every state of a session", func(ctx context.Context, a *app.App, cmd *cobra.Command) error {
		return printHistory(ctx, cmd.OutOrStdout(), a.Chat, o.user, o.session)
	})
}
