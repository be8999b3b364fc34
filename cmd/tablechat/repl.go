package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/suPer8Hu/tablechat/internal/chat"
	"github.com/suPer8Hu/tablechat/internal/session"
	"github.com/suPer8Hu/tablechat/internal/table"
)

const replHelp = `commands:
  :undo          step back one state
  :redo          step forward one state
  :history       list states
  :rows [n]      show the first n rows (default 10)
  :help          this text
  :exit          quit
anything else is a question about the table`

// repl reads one question or command per line until EOF or :exit.
func repl(ctx context.Context, svc *chat.Service, userID uint64, sid string, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	prompt := func() { fmt.Fprint(out, "> ") }
	prompt()
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "":
		case ":exit", ":quit":
			return nil
		case ":help":
			fmt.Fprintln(out, replHelp)
		case ":undo":
			var step *session.Step
			if step, err = svc.Undo(ctx, userID, sid); err == nil {
				printStep(out, step, "oldest")
			}
		case ":redo":
			var step *session.Step
			if step, err = svc.Redo(ctx, userID, sid); err == nil {
				printStep(out, step, "newest")
			}
		case ":history":
			err = printHistory(ctx, out, svc, userID, sid)
		case ":rows":
			n := 10
			if arg != "" {
				if n, err = strconv.Atoi(strings.TrimSpace(arg)); err != nil || n <= 0 {
					err = fmt.Errorf("bad row count %q", arg)
					break
				}
			}
			err = printRows(ctx, out, svc, userID, sid, n)
		default:
			if strings.HasPrefix(cmd, ":") {
				err = fmt.Errorf("unknown command %s, try :help", cmd)
				break
			}
			var ans *chat.Answer
			ans, err = svc.Ask(ctx, userID, sid, line)
			printAnswer(out, ans)
		}
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		prompt()
	}
	return sc.Err()
}

func printAnswer(out io.Writer, ans *chat.Answer) {
	if ans == nil {
		return
	}
	if ans.Comment != "" {
		fmt.Fprintln(out, ans.Comment)
	}
	cached := ""
	if ans.Cached {
		cached = " (cached)"
	}
	fmt.Fprintf(out, "code%s:\n%s\n", cached, indent(ans.Code))
	if ans.Output != "" {
		fmt.Fprintf(out, "output:\n%s\n", indent(strings.TrimRight(ans.Output, "\n")))
	}
	switch {
	case ans.State != nil:
		changed := ""
		if ans.State.StructureChanged {
			changed = ", columns changed"
		}
		fmt.Fprintf(out, "state %d: %d rows x %d cols%s\n", ans.State.Index, ans.State.Rows, ans.State.Cols, changed)
		if ans.Table != nil {
			_ = table.WriteCSV(out, ans.Table.Head(5))
		}
	case ans.Value != "":
		fmt.Fprintf(out, "result: %s\n", ans.Value)
	}
}

func printStep(out io.Writer, step *session.Step, end string) {
	switch {
	case step == nil:
		fmt.Fprintln(out, "session has no states")
	case !step.Moved:
		fmt.Fprintf(out, "already at the %s state (%d)\n", end, step.Index)
	default:
		fmt.Fprintf(out, "now at state %d: %s\n", step.Index, step.Note)
	}
}

func printHistory(ctx context.Context, out io.Writer, svc *chat.Service, userID uint64, sid string) error {
	cur, err := svc.State(ctx, userID, sid)
	if err != nil {
		return err
	}
	hist, err := svc.History(ctx, userID, sid)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tindex\tshape\tcreated\tnote")
	for _, s := range hist {
		mark := ""
		if s.Index == cur.Index {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%dx%d\t%s\t%s\n", mark, s.Index, s.Rows, s.Cols, s.CreatedAt.Format(time.DateTime), firstLine(s.Note))
	}
	return tw.Flush()
}

func printRows(ctx context.Context, out io.Writer, svc *chat.Service, userID uint64, sid string, n int) error {
	t, snap, err := svc.Rows(ctx, userID, sid, n)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "state %d: %d rows x %d cols (%s)\n", snap.Index, snap.Rows, snap.Cols, firstLine(snap.Note))
	return table.WriteCSV(out, t)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}

func firstLine(s string) string {
	line, _, cut := strings.Cut(s, "\n")
	if cut {
		return line + " ..."
	}
	return line
}
