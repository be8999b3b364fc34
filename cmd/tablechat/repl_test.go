package main

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/tablechat/internal/ai"
	"github.com/suPer8Hu/tablechat/internal/app"
	"github.com/suPer8Hu/tablechat/internal/chat"
	"github.com/suPer8Hu/tablechat/internal/config"
	"github.com/suPer8Hu/tablechat/internal/db"
	"github.com/suPer8Hu/tablechat/internal/store/blob"
	"github.com/suPer8Hu/tablechat/internal/store/redisstore"
)

type fixedProvider struct{ reply ai.CodeReply }

func (p fixedProvider) Generate(ctx context.Context, messages []ai.Message, schema ai.OutputSchema) (ai.CodeReply, error) {
	return p.reply, nil
}

func newTestApp(t *testing.T, reply ai.CodeReply) *app.App {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gdb, err := db.Open("sqlite:file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	blobs, err := blob.New(t.TempDir())
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	reg := ai.NewRegistry()
	reg.Register("fixed", func(ctx context.Context, model string) (ai.Provider, error) {
		return fixedProvider{reply: reply}, nil
	})
	cfg := config.Config{AIProvider: "fixed", StateTimezone: "UTC"}
	a := app.Wire(cfg, gdb, redisstore.NewWithClient(client, "test:"), blobs, reg, nil)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestREPL_AskUndoRedo(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, ai.CodeReply{
		Code:    "df.rows = df.rows.filter(r => r.pop > 500000);",
		Comment: "keep the big cities",
	})
	csv := "city,pop\nOslo,700000\nBergen,285000\nTrondheim,212000\n"
	sess, _, err := a.Chat.CreateSessionFromCSV(ctx, chat.NewSession{Source: "cities.csv"}, strings.NewReader(csv))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	in := strings.Join([]string{
		"only big cities",
		":rows 5",
		":undo",
		":undo",
		":redo",
		":redo",
		":history",
		":nope",
		":exit",
		"never reached",
	}, "\n")
	var out strings.Builder
	if err := repl(ctx, a.Chat, 0, sess.SessionID, strings.NewReader(in), &out); err != nil {
		t.Fatalf("repl: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"keep the big cities",
		"state 1: 1 rows x 2 cols",
		"Oslo,700000",
		"now at state 0: init_from:cities.csv",
		"already at the oldest state (0)",
		"now at state 1: df.rows = df.rows.filter",
		"already at the newest state (1)",
		"unknown command :nope",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Count(got, "keep the big cities") != 1 {
		t.Fatalf("input after :exit must not be asked:\n%s", got)
	}
}

func TestREPL_ValueAnswer(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, ai.CodeReply{Code: "df.rows.length", Comment: "count"})
	sess, _, err := a.Chat.CreateSessionFromCSV(ctx, chat.NewSession{}, strings.NewReader("n\n1\n2\n"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var out strings.Builder
	if err := repl(ctx, a.Chat, 0, sess.SessionID, strings.NewReader("how many rows?\n"), &out); err != nil {
		t.Fatalf("repl: %v", err)
	}
	if !strings.Contains(out.String(), "result: 2") {
		t.Fatalf("output:\n%s", out.String())
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("a\nb"); got != "a ..." {
		t.Fatalf("got %q", got)
	}
	if got := firstLine("a"); got != "a" {
		t.Fatalf("got %q", got)
	}
}
