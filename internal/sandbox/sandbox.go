// Package sandbox runs generated JavaScript against a table.
//
// The table is exposed as the global df = {columns: [...], rows: [{...}]}.
// The outcome is, in order of preference: the completion value of a program
// that is a single bare expression, the global result, or df itself. An
// outcome shaped like df becomes a table; anything else is a plain value.
//
// When a table is rebuilt, df.columns gives the column order. Row keys not in
// the input table are appended as new columns in first-seen order, and a
// listed column that no row carries is dropped.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/suPer8Hu/tablechat/internal/common"
	"github.com/suPer8Hu/tablechat/internal/table"
)

const (
	DefaultTimeout = 5 * time.Second
	maxOutput      = 64 * 1024
)

// Result holds either a table or a value. Output collects console.log lines.
type Result struct {
	Table  *table.Table
	Value  any
	Output string
}

func (r Result) IsTable() bool { return r.Table != nil }

// Text renders a non-table value for display.
func (r Result) Text() string {
	switch v := r.Value.(type) {
	case nil:
		return "null"
	case string:
		return v
	}
	if b, err := json.Marshal(r.Value); err == nil {
		return string(b)
	}
	return fmt.Sprint(r.Value)
}

type Runner struct {
	timeout time.Duration
	logger  *slog.Logger
}

func New(timeout time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{timeout: timeout, logger: logger}
}

// Run executes code against a copy of t. Every failure wraps common.ErrExecution.
func (r *Runner) Run(ctx context.Context, code string, t *table.Table) (Result, error) {
	code = strings.TrimSpace(code)
	prog, err := parser.ParseFile(nil, "code.js", code, 0)
	if err != nil {
		return Result{}, fmt.Errorf("%w: syntax: %w", common.ErrExecution, err)
	}
	bare := isBareExpression(prog)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vm := goja.New()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	var out strings.Builder
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		if out.Len() < maxOutput {
			out.WriteString(strings.Join(parts, " "))
			out.WriteByte('\n')
		}
		return goja.Undefined()
	})
	_ = vm.Set("console", console)
	_ = vm.Set("df", dataFrame(vm, t))

	completion, err := vm.RunString(code)
	if err != nil {
		return Result{}, execErr(err)
	}
	outcome := completion
	if !bare {
		// typeof also sees top-level let/const bindings.
		if outcome, err = vm.RunString(`typeof result === "undefined" ? undefined : result`); err != nil {
			return Result{}, execErr(err)
		}
	}
	if outcome == nil || goja.IsUndefined(outcome) || goja.IsNull(outcome) {
		outcome = vm.Get("df")
	}

	res := Result{Output: out.String()}
	tbl, ok, err := toTable(outcome, t)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", common.ErrExecution, err)
	}
	if ok {
		res.Table = tbl
	} else if outcome != nil {
		res.Value = outcome.Export()
	}
	r.logger.Debug("sandbox run", "bare", bare, "table", ok)
	return res, nil
}

func isBareExpression(prog *ast.Program) bool {
	if len(prog.Body) != 1 {
		return false
	}
	stmt, ok := prog.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return false
	}
	_, assign := stmt.Expression.(*ast.AssignExpression)
	return !assign
}

func execErr(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("%w: interrupted: %w", common.ErrExecution, cause)
		}
		return fmt.Errorf("%w: interrupted", common.ErrExecution)
	}
	return fmt.Errorf("%w: %w", common.ErrExecution, err)
}

func dataFrame(vm *goja.Runtime, t *table.Table) *goja.Object {
	names := t.ColumnNames()
	cols := make([]any, len(names))
	for i, n := range names {
		cols[i] = n
	}
	rows := make([]any, t.NumRows())
	for i := range rows {
		row := vm.NewObject()
		for j, v := range t.Row(i) {
			_ = row.Set(names[j], v)
		}
		rows[i] = row
	}
	df := vm.NewObject()
	_ = df.Set("columns", vm.NewArray(cols...))
	_ = df.Set("rows", vm.NewArray(rows...))
	return df
}

func isArray(v goja.Value) (*goja.Object, bool) {
	o, ok := v.(*goja.Object)
	return o, ok && o.ClassName() == "Array"
}

func arrayItems(o *goja.Object) []goja.Value {
	n := o.Get("length").ToInteger()
	out := make([]goja.Value, 0, n)
	for i := int64(0); i < n; i++ {
		out = append(out, o.Get(strconv.FormatInt(i, 10)))
	}
	return out
}

// toTable reports ok=false when v is not shaped like df.
func toTable(v goja.Value, in *table.Table) (*table.Table, bool, error) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, false, nil
	}
	colsObj, ok := isArray(obj.Get("columns"))
	if !ok {
		return nil, false, nil
	}
	rowsObj, ok := isArray(obj.Get("rows"))
	if !ok {
		return nil, false, nil
	}

	var names []string
	listed := map[string]bool{}
	for _, c := range arrayItems(colsObj) {
		n := c.String()
		if listed[n] {
			return nil, false, fmt.Errorf("duplicate column %q", n)
		}
		listed[n] = true
		names = append(names, n)
	}

	hints := map[string]table.Type{}
	for _, c := range in.Columns {
		hints[c.Name] = c.Type
	}

	seen := map[string]bool{}
	var rows []map[string]any
	for i, rv := range arrayItems(rowsObj) {
		ro, ok := rv.(*goja.Object)
		if !ok {
			return nil, false, fmt.Errorf("row %d is not an object", i)
		}
		row := map[string]any{}
		if _, positional := isArray(ro); positional {
			for j, cell := range arrayItems(ro) {
				if j < len(names) {
					row[names[j]] = cell.Export()
					seen[names[j]] = true
				}
			}
		} else {
			for _, k := range ro.Keys() {
				row[k] = ro.Get(k).Export()
				seen[k] = true
				if !listed[k] {
					if _, old := hints[k]; !old {
						listed[k] = true
						names = append(names, k)
					}
				}
			}
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 {
		kept := names[:0]
		for _, n := range names {
			if seen[n] {
				kept = append(kept, n)
			}
		}
		names = kept
	}

	t, err := table.FromRows(names, rows, hints)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}
