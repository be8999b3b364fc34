package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ErrBadCSV marks input that is not a usable table.
var ErrBadCSV = errors.New("table: bad csv")

// ReadCSV parses a CSV stream with a header row. Column types are inferred:
// int64, then float64, then bool (true/false), otherwise string. Empty cells
// are nulls.
func ReadCSV(r io.Reader) (*Table, error) {
	t, err := readCSV(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadCSV, err)
	}
	return t, nil
}

func readCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("table: csv has no header")
		}
		return nil, fmt.Errorf("table: read csv header: %w", err)
	}
	raw := make([][]string, len(header))
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("table: read csv: %w", err)
		}
		if len(rec) > len(header) {
			return nil, fmt.Errorf("table: csv line %d has %d fields, header has %d", line, len(rec), len(header))
		}
		for j := range header {
			cell := ""
			if j < len(rec) {
				cell = rec[j]
			}
			raw[j] = append(raw[j], cell)
		}
	}

	cols := make([]Column, len(header))
	for j, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", j)
		}
		cols[j] = inferColumn(name, raw[j])
	}
	return New(cols...)
}

func ReadCSVFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCSV(f)
}

func inferColumn(name string, cells []string) Column {
	typ := inferType(cells)
	vals := make([]any, len(cells))
	for i, c := range cells {
		if c == "" {
			continue
		}
		switch typ {
		case Int64:
			vals[i], _ = strconv.ParseInt(c, 10, 64)
		case Float64:
			vals[i], _ = strconv.ParseFloat(c, 64)
		case Bool:
			vals[i] = strings.EqualFold(c, "true")
		default:
			vals[i] = c
		}
	}
	return Column{Name: name, Type: typ, Values: vals}
}

func inferType(cells []string) Type {
	ints, floats, bools := true, true, true
	nonEmpty := 0
	for _, c := range cells {
		if c == "" {
			continue
		}
		nonEmpty++
		if ints {
			if _, err := strconv.ParseInt(c, 10, 64); err != nil {
				ints = false
			}
		}
		if floats {
			if _, err := strconv.ParseFloat(c, 64); err != nil {
				floats = false
			}
		}
		if bools && !isBool(c) {
			bools = false
		}
	}
	switch {
	case nonEmpty == 0:
		return String
	case ints:
		return Int64
	case floats:
		return Float64
	case bools:
		return Bool
	default:
		return String
	}
}

func isBool(s string) bool {
	return strings.EqualFold(s, "true") || strings.EqualFold(s, "false")
}

// WriteCSV writes the header and every row using FormatValue.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.ColumnNames()); err != nil {
		return err
	}
	rec := make([]string, t.NumCols())
	for i := 0; i < t.NumRows(); i++ {
		for j, c := range t.Columns {
			rec[j] = FormatValue(c.Values[i])
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
