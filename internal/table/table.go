// Package table holds the in-memory tabular value that the session state
// manager versions: ordered, typed, nullable columns of equal length.
package table

import (
	"fmt"
	"math"
	"strconv"
)

type Type string

const (
	Int64   Type = "int64"
	Float64 Type = "float64"
	String  Type = "string"
	Bool    Type = "bool"
)

// Column values are int64, float64, string or bool according to Type; nil is a null.
type Column struct {
	Name   string
	Type   Type
	Values []any
}

type Table struct {
	Columns []Column
}

// New validates the columns and returns a table owning them.
func New(cols ...Column) (*Table, error) {
	t := &Table{Columns: cols}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) Validate() error {
	seen := make(map[string]struct{}, len(t.Columns))
	rows := -1
	for _, c := range t.Columns {
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("table: duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if rows >= 0 && len(c.Values) != rows {
			return fmt.Errorf("table: column %q has %d rows, want %d", c.Name, len(c.Values), rows)
		}
		rows = len(c.Values)
		for i, v := range c.Values {
			if v == nil {
				continue
			}
			if !c.Type.accepts(v) {
				return fmt.Errorf("table: column %q row %d: %T is not %s", c.Name, i, v, c.Type)
			}
		}
	}
	return nil
}

func (typ Type) accepts(v any) bool {
	switch v.(type) {
	case int64:
		return typ == Int64
	case float64:
		return typ == Float64
	case string:
		return typ == String
	case bool:
		return typ == Bool
	}
	return false
}

func (t *Table) NumRows() int {
	if t == nil || len(t.Columns) == 0 {
		return 0
	}
	return len(t.Columns[0].Values)
}

func (t *Table) NumCols() int {
	if t == nil {
		return 0
	}
	return len(t.Columns)
}

func (t *Table) ColumnNames() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Row returns the i-th row in column order.
func (t *Table) Row(i int) []any {
	out := make([]any, len(t.Columns))
	for j, c := range t.Columns {
		out[j] = c.Values[i]
	}
	return out
}

// Head returns a copy of the first n rows.
func (t *Table) Head(n int) *Table {
	if n > t.NumRows() {
		n = t.NumRows()
	}
	if n < 0 {
		n = 0
	}
	out := &Table{Columns: make([]Column, len(t.Columns))}
	for i, c := range t.Columns {
		vals := make([]any, n)
		copy(vals, c.Values[:n])
		out.Columns[i] = Column{Name: c.Name, Type: c.Type, Values: vals}
	}
	return out
}

func (t *Table) Clone() *Table {
	return t.Head(t.NumRows())
}

// Equal reports schema and data equality. NaN equals NaN.
func (t *Table) Equal(o *Table) bool {
	if t.NumCols() != o.NumCols() || t.NumRows() != o.NumRows() {
		return false
	}
	for i, c := range t.Columns {
		oc := o.Columns[i]
		if c.Name != oc.Name || c.Type != oc.Type {
			return false
		}
		for r := range c.Values {
			if !valueEqual(c.Values[r], oc.Values[r]) {
				return false
			}
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if fa, ok := a.(float64); ok {
		fb, ok := b.(float64)
		if !ok {
			return false
		}
		return fa == fb || (math.IsNaN(fa) && math.IsNaN(fb))
	}
	return a == b
}

// SameColumnSet compares column names ignoring order and types. A nil table
// has the empty set.
func SameColumnSet(a, b *Table) bool {
	an, bn := a.ColumnNames(), b.ColumnNames()
	if len(an) != len(bn) {
		return false
	}
	set := make(map[string]struct{}, len(an))
	for _, n := range an {
		set[n] = struct{}{}
	}
	for _, n := range bn {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

// FormatValue renders a cell the same way on every platform; nulls are empty.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
