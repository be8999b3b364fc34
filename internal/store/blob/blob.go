// Package blob stores immutable table snapshots on disk as Arrow IPC files.
// Files are addressed by session id and slot and are never rewritten.
package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/suPer8Hu/tablechat/internal/common"
	"github.com/suPer8Hu/tablechat/internal/table"
)

type Store struct {
	dir string
	mem memory.Allocator
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create state dir %s: %w", common.ErrStorage, dir, err)
	}
	return &Store{dir: dir, mem: memory.NewGoAllocator()}, nil
}

func (s *Store) Dir() string { return s.dir }

// Path is the deterministic location of a (session, slot) snapshot.
func (s *Store) Path(sessionID string, slot int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_state_%d.arrow", sessionID, slot))
}

// Write serializes t and publishes it with a rename, so readers never see a
// partial file.
func (s *Store) Write(sessionID string, slot int64, t *table.Table) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	schema, err := arrowSchema(t)
	if err != nil {
		return "", err
	}
	rec, err := s.record(schema, t)
	if err != nil {
		return "", err
	}
	defer rec.Release()

	path := s.Path(sessionID, slot)
	tmp, err := os.CreateTemp(s.dir, ".tmp-state-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %w", common.ErrStorage, err)
	}
	var success bool
	defer func() {
		if !success {
			if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("failed to remove temporary file", "path", tmp.Name(), "err", err)
			}
		}
	}()

	w, err := ipc.NewFileWriter(tmp, ipc.WithSchema(schema), ipc.WithAllocator(s.mem))
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: open arrow writer: %w", common.ErrStorage, err)
	}
	if err := w.Write(rec); err != nil {
		w.Close()
		tmp.Close()
		return "", fmt.Errorf("%w: write snapshot: %w", common.ErrStorage, err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: finish snapshot: %w", common.ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("%w: sync snapshot: %w", common.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close snapshot: %w", common.ErrStorage, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("%w: chmod snapshot: %w", common.ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("%w: publish snapshot %s: %w", common.ErrStorage, path, err)
	}
	success = true
	return path, nil
}

// Read loads a snapshot. A missing file is reported as common.ErrNotFound.
func (s *Store) Read(path string) (*table.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: state file missing: %s", common.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: open %s: %w", common.ErrStorage, path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(s.mem))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", common.ErrStorage, path, err)
	}
	defer r.Close()

	fields := r.Schema().Fields()
	t := &table.Table{Columns: make([]table.Column, len(fields))}
	for j, fld := range fields {
		typ, err := tableType(fld.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: column %q: %w", common.ErrStorage, path, fld.Name, err)
		}
		t.Columns[j] = table.Column{Name: fld.Name, Type: typ, Values: []any{}}
	}
	for i := 0; i < r.NumRecords(); i++ {
		// Owned by the reader until the next call; values are copied out.
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s record %d: %w", common.ErrStorage, path, i, err)
		}
		for j := range t.Columns {
			vals, err := columnValues(rec.Column(j))
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %w", common.ErrStorage, path, err)
			}
			t.Columns[j].Values = append(t.Columns[j].Values, vals...)
		}
	}
	return t, nil
}

// Remove deletes a blob that was never committed to a log.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %w", common.ErrStorage, path, err)
	}
	return nil
}

func arrowSchema(t *table.Table) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(t.Columns))
	for i, c := range t.Columns {
		var dt arrow.DataType
		switch c.Type {
		case table.Int64:
			dt = arrow.PrimitiveTypes.Int64
		case table.Float64:
			dt = arrow.PrimitiveTypes.Float64
		case table.String:
			dt = arrow.BinaryTypes.String
		case table.Bool:
			dt = arrow.FixedWidthTypes.Boolean
		default:
			return nil, fmt.Errorf("blob: column %q has unsupported type %q", c.Name, c.Type)
		}
		fields[i] = arrow.Field{Name: c.Name, Type: dt, Nullable: true}
	}
	return arrow.NewSchema(fields, nil), nil
}

func tableType(dt arrow.DataType) (table.Type, error) {
	switch dt.ID() {
	case arrow.INT64:
		return table.Int64, nil
	case arrow.FLOAT64:
		return table.Float64, nil
	case arrow.STRING:
		return table.String, nil
	case arrow.BOOL:
		return table.Bool, nil
	}
	return "", fmt.Errorf("unsupported arrow type %s", dt)
}

func (s *Store) record(schema *arrow.Schema, t *table.Table) (arrow.Record, error) {
	b := array.NewRecordBuilder(s.mem, schema)
	defer b.Release()

	for j, c := range t.Columns {
		switch fb := b.Field(j).(type) {
		case *array.Int64Builder:
			for _, v := range c.Values {
				if v == nil {
					fb.AppendNull()
				} else {
					fb.Append(v.(int64))
				}
			}
		case *array.Float64Builder:
			for _, v := range c.Values {
				if v == nil {
					fb.AppendNull()
				} else {
					fb.Append(v.(float64))
				}
			}
		case *array.StringBuilder:
			for _, v := range c.Values {
				if v == nil {
					fb.AppendNull()
				} else {
					fb.Append(v.(string))
				}
			}
		case *array.BooleanBuilder:
			for _, v := range c.Values {
				if v == nil {
					fb.AppendNull()
				} else {
					fb.Append(v.(bool))
				}
			}
		default:
			return nil, fmt.Errorf("blob: unexpected builder %T for column %q", fb, c.Name)
		}
	}
	return b.NewRecord(), nil
}

func columnValues(col arrow.Array) ([]any, error) {
	out := make([]any, col.Len())
	for i := range out {
		if col.IsNull(i) {
			continue
		}
		switch a := col.(type) {
		case *array.Int64:
			out[i] = a.Value(i)
		case *array.Float64:
			out[i] = a.Value(i)
		case *array.String:
			out[i] = a.Value(i)
		case *array.Boolean:
			out[i] = a.Value(i)
		default:
			return nil, fmt.Errorf("unexpected arrow array %T", col)
		}
	}
	return out, nil
}
