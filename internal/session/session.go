// Package session is the facade the chat loop talks to: every call returns
// the snapshot metadata needed to render state without loading the table.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/suPer8Hu/tablechat/internal/common"
	"github.com/suPer8Hu/tablechat/internal/table"
	"github.com/suPer8Hu/tablechat/internal/versionlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Info is a snapshot annotated with the outcome of PushResult.
type Info struct {
	versionlog.Snapshot
	StructureChanged bool   `json:"structure_changed"`
	LLMCode          string `json:"llm_code"`
}

// Step is the result of undo/redo. Moved is false at either end of the log.
type Step struct {
	versionlog.Snapshot
	Moved bool `json:"moved"`
}

type Manager struct {
	log    *versionlog.Log
	logger *slog.Logger

	pushes metric.Int64Counter
	steps  metric.Int64Counter
}

func NewManager(log *versionlog.Log, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/suPer8Hu/tablechat/internal/session")
	pushes, err := meter.Int64Counter("tablechat.session.push", metric.WithDescription("snapshots pushed"))
	if err != nil {
		pushes = noop.Int64Counter{}
	}
	steps, err := meter.Int64Counter("tablechat.session.navigate", metric.WithDescription("undo/redo calls"))
	if err != nil {
		steps = noop.Int64Counter{}
	}
	return &Manager{log: log, logger: logger, pushes: pushes, steps: steps}
}

// InitFromSource stores t as index 0 of a new session.
func (m *Manager) InitFromSource(ctx context.Context, sessionID string, t *table.Table, note string) (*versionlog.Snapshot, error) {
	snap, err := m.log.Init(ctx, sessionID, t, note)
	if err != nil {
		return nil, err
	}
	m.pushes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "init")))
	m.logger.Info("session initialized", "session", sessionID, "nrows", snap.Rows, "ncols", snap.Cols)
	return snap, nil
}

func (m *Manager) InitFromCSV(ctx context.Context, sessionID, csvPath string) (*versionlog.Snapshot, error) {
	t, err := table.ReadCSVFile(csvPath)
	if err != nil {
		return nil, err
	}
	return m.InitFromSource(ctx, sessionID, t, "init_from:"+filepath.Base(csvPath))
}

// CurrentInfo returns nil for a session with no snapshots.
func (m *Manager) CurrentInfo(ctx context.Context, sessionID string) (*versionlog.Snapshot, error) {
	return m.log.Current(ctx, sessionID)
}

// LoadCurrent returns the current table. A session with no snapshots and a
// snapshot whose blob is gone are both common.ErrNotFound.
func (m *Manager) LoadCurrent(ctx context.Context, sessionID string) (*table.Table, *versionlog.Snapshot, error) {
	snap, err := m.log.Current(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if snap == nil {
		return nil, nil, fmt.Errorf("%w: session %s has no state", common.ErrNotFound, sessionID)
	}
	t, err := m.log.Load(snap)
	if err != nil {
		m.logger.Error("snapshot blob unreadable", "session", sessionID, "index", snap.Index, "err", err)
		return nil, nil, err
	}
	return t, snap, nil
}

// PushResult records a table produced by code. StructureChanged compares
// column name sets with the table that is current when PushResult is called,
// which is the table the code ran against. After an undo that is not the
// log entry preceding the new one, and a push from another caller landing
// in between does not change the baseline. Order and types are ignored.
// An empty note defaults to the code.
func (m *Manager) PushResult(ctx context.Context, sessionID string, newTable *table.Table, code, note string) (*Info, error) {
	var before *table.Table
	cur, err := m.log.Current(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		if before, err = m.log.Load(cur); err != nil {
			return nil, err
		}
	}
	if note == "" {
		note = code
	}
	snap, err := m.log.Push(ctx, sessionID, newTable, note)
	if err != nil {
		return nil, err
	}
	changed := !table.SameColumnSet(before, newTable)
	m.pushes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", "result"),
		attribute.Bool("structure_changed", changed),
	))
	return &Info{Snapshot: *snap, StructureChanged: changed, LLMCode: code}, nil
}

func (m *Manager) Undo(ctx context.Context, sessionID string) (*Step, error) {
	snap, moved, err := m.log.Undo(ctx, sessionID)
	return m.step(ctx, "undo", snap, moved, err)
}

func (m *Manager) Redo(ctx context.Context, sessionID string) (*Step, error) {
	snap, moved, err := m.log.Redo(ctx, sessionID)
	return m.step(ctx, "redo", snap, moved, err)
}

func (m *Manager) step(ctx context.Context, dir string, snap *versionlog.Snapshot, moved bool, err error) (*Step, error) {
	if err != nil || snap == nil {
		return nil, err
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", dir), attribute.Bool("moved", moved)))
	return &Step{Snapshot: *snap, Moved: moved}, nil
}

func (m *Manager) History(ctx context.Context, sessionID string) ([]versionlog.Snapshot, error) {
	return m.log.History(ctx, sessionID)
}
