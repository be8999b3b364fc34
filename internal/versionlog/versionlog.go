// Package versionlog keeps the per-session, append-only log of table
// snapshots and the navigable current pointer.
//
// Redis layout, per session:
//
//	session:{id}:states  list of blob paths, index = list position
//	session:{id}:meta    hash, field = index, value = Snapshot JSON
//	session:{id}:idx     current pointer
//	session:{id}:slot    INCR counter naming blob files
//
// A push reserves a blob slot with INCR, writes the blob, then commits the
// list append, the metadata record and the pointer in one WATCH/MULTI
// transaction. The log index is the list length observed inside that
// transaction, so indices are gap-free and follow append order even when a
// blob write fails or two pushes race.
//
// Pushing after an undo appends after the true end of the log. Entries past
// the old pointer are kept and stay reachable with undo.
package versionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/tablechat/internal/common"
	"github.com/suPer8Hu/tablechat/internal/fingerprint"
	"github.com/suPer8Hu/tablechat/internal/store/blob"
	"github.com/suPer8Hu/tablechat/internal/store/redisstore"
	"github.com/suPer8Hu/tablechat/internal/table"
)

// Snapshot is the metadata record of one committed version. Path is the
// blob location on this host and never leaves it; Filename is its base name.
type Snapshot struct {
	Index       int       `json:"index"`
	Filename    string    `json:"filename"`
	Path        string    `json:"-"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	Note        string    `json:"note"`
	Rows        int       `json:"nrows"`
	Cols        int       `json:"ncols"`
}

type Options struct {
	// SampleSize is the number of rows hashed into fingerprints.
	SampleSize int
	// Location is the time zone of CreatedAt.
	Location *time.Location
	// MaxRetries bounds transaction retries on a contended session.
	MaxRetries int
	Now        func() time.Time
	Logger     *slog.Logger
}

type Log struct {
	rds        *redisstore.Store
	blobs      *blob.Store
	sampleSize int
	loc        *time.Location
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
}

func New(rds *redisstore.Store, blobs *blob.Store, opts Options) *Log {
	l := &Log{
		rds:        rds,
		blobs:      blobs,
		sampleSize: opts.SampleSize,
		loc:        opts.Location,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
		logger:     opts.Logger,
	}
	if l.sampleSize <= 0 {
		l.sampleSize = fingerprint.DefaultSample
	}
	if l.loc == nil {
		l.loc = time.UTC
	}
	if l.maxRetries <= 0 {
		l.maxRetries = 32
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateSessionID rejects ids that are unsafe as file name or key parts.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", common.ErrInvalidSession, id)
	}
	return nil
}

type keys struct {
	states, meta, pointer, slot string
}

func (l *Log) keys(sessionID string) keys {
	return keys{
		states:  l.rds.Key("session", sessionID, "states"),
		meta:    l.rds.Key("session", sessionID, "meta"),
		pointer: l.rds.Key("session", sessionID, "idx"),
		slot:    l.rds.Key("session", sessionID, "slot"),
	}
}

// Push appends t as a new snapshot and makes it current.
func (l *Log) Push(ctx context.Context, sessionID string, t *table.Table, note string) (*Snapshot, error) {
	return l.push(ctx, sessionID, t, note, false)
}

// Init pushes the first snapshot of a session. It fails with
// common.ErrAlreadyInitialized if the log is not empty, including when a
// concurrent push wins the race.
func (l *Log) Init(ctx context.Context, sessionID string, t *table.Table, note string) (*Snapshot, error) {
	return l.push(ctx, sessionID, t, note, true)
}

func (l *Log) push(ctx context.Context, sessionID string, t *table.Table, note string, fresh bool) (*Snapshot, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	k := l.keys(sessionID)
	rdb := l.rds.Client

	if fresh {
		n, err := rdb.LLen(ctx, k.states).Result()
		if err != nil {
			return nil, storageErr(err)
		}
		if n > 0 {
			return nil, fmt.Errorf("%w: %s", common.ErrAlreadyInitialized, sessionID)
		}
	}

	slot, err := rdb.Incr(ctx, k.slot).Result()
	if err != nil {
		return nil, storageErr(err)
	}
	path, err := l.blobs.Write(sessionID, slot-1, t)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Filename:    filepath.Base(path),
		Path:        path,
		Fingerprint: fingerprint.Table(t, l.sampleSize),
		CreatedAt:   l.now().In(l.loc),
		Note:        note,
		Rows:        t.NumRows(),
		Cols:        t.NumCols(),
	}
	if err := l.commit(ctx, k, snap, fresh); err != nil {
		l.discard(ctx, k, path)
		return nil, err
	}
	l.logger.Debug("snapshot committed", "session", sessionID, "index", snap.Index, "path", path)
	return snap, nil
}

func (l *Log) commit(ctx context.Context, k keys, snap *Snapshot, fresh bool) error {
	rdb := l.rds.Client
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		err := rdb.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.LLen(ctx, k.states).Result()
			if err != nil {
				return err
			}
			if fresh && n > 0 {
				return common.ErrAlreadyInitialized
			}
			snap.Index = int(n)
			rec, err := encodeRecord(snap)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.RPush(ctx, k.states, snap.Path)
				pipe.HSet(ctx, k.meta, strconv.Itoa(snap.Index), rec)
				pipe.Set(ctx, k.pointer, snap.Index, 0)
				return nil
			})
			return err
		}, k.states)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			if err := backoff(ctx, attempt); err != nil {
				return err
			}
		case errors.Is(err, common.ErrAlreadyInitialized):
			return err
		default:
			return storageErr(err)
		}
	}
	return fmt.Errorf("%w: commit to %s gave up after %d attempts", common.ErrRaceCondition, k.states, l.maxRetries)
}

// discard removes the blob of a failed push unless the commit actually
// landed (a lost EXEC reply looks like a failure).
func (l *Log) discard(ctx context.Context, k keys, path string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	_, err := l.rds.Client.LPos(cctx, k.states, path, redis.LPosArgs{}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		if err := l.blobs.Remove(path); err != nil {
			l.logger.Warn("failed to remove orphaned snapshot", "path", path, "err", err)
		}
	case err != nil:
		l.logger.Warn("cannot tell whether snapshot was committed; keeping blob", "path", path, "err", err)
	}
}

// Current returns the snapshot under the pointer, or nil for an empty log.
func (l *Log) Current(ctx context.Context, sessionID string) (*Snapshot, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	k := l.keys(sessionID)

	var llen *redis.IntCmd
	var ptr *redis.StringCmd
	_, err := l.rds.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		llen = pipe.LLen(ctx, k.states)
		ptr = pipe.Get(ctx, k.pointer)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, storageErr(err)
	}
	n := llen.Val()
	if n == 0 {
		return nil, nil
	}
	idx, err := pointerValue(ptr)
	if err != nil {
		return nil, err
	}
	return l.snapshotAt(ctx, k, clamp(idx, n))
}

// Load reads the blob behind snap.
func (l *Log) Load(snap *Snapshot) (*table.Table, error) {
	return l.blobs.Read(snap.Path)
}

// Undo moves the pointer one step back. moved is false at index 0; snap is
// nil for an empty log.
func (l *Log) Undo(ctx context.Context, sessionID string) (snap *Snapshot, moved bool, err error) {
	return l.move(ctx, sessionID, -1)
}

// Redo moves the pointer one step forward. moved is false at the last index.
func (l *Log) Redo(ctx context.Context, sessionID string) (snap *Snapshot, moved bool, err error) {
	return l.move(ctx, sessionID, 1)
}

func (l *Log) move(ctx context.Context, sessionID string, delta int64) (*Snapshot, bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, false, err
	}
	k := l.keys(sessionID)
	rdb := l.rds.Client

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		idx := int64(-1)
		moved := false
		err := rdb.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.LLen(ctx, k.states).Result()
			if err != nil || n == 0 {
				return err
			}
			p, err := pointerValue(tx.Get(ctx, k.pointer))
			if err != nil {
				return err
			}
			p = clamp(p, n)
			next := p + delta
			if next < 0 || next >= n {
				idx = p
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, k.pointer, next, 0)
				return nil
			})
			if err == nil {
				idx, moved = next, true
			}
			return err
		}, k.states, k.pointer)

		switch {
		case err == nil:
			if idx < 0 {
				return nil, false, nil
			}
			snap, err := l.snapshotAt(ctx, k, idx)
			return snap, moved, err
		case errors.Is(err, redis.TxFailedErr):
			if err := backoff(ctx, attempt); err != nil {
				return nil, false, err
			}
		default:
			return nil, false, storageErr(err)
		}
	}
	return nil, false, fmt.Errorf("%w: moving pointer of %s gave up after %d attempts", common.ErrRaceCondition, sessionID, l.maxRetries)
}

// Len is the number of committed snapshots.
func (l *Log) Len(ctx context.Context, sessionID string) (int, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	n, err := l.rds.Client.LLen(ctx, l.keys(sessionID).states).Result()
	if err != nil {
		return 0, storageErr(err)
	}
	return int(n), nil
}

// History lists every committed snapshot in index order.
func (l *Log) History(ctx context.Context, sessionID string) ([]Snapshot, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	all, err := l.rds.Client.HGetAll(ctx, l.keys(sessionID).meta).Result()
	if err != nil {
		return nil, storageErr(err)
	}
	out := make([]Snapshot, 0, len(all))
	for field, raw := range all {
		s, err := decodeRecord(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: decode metadata %s/%s: %w", common.ErrStorage, sessionID, field, err)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (l *Log) snapshotAt(ctx context.Context, k keys, idx int64) (*Snapshot, error) {
	raw, err := l.rds.Client.HGet(ctx, k.meta, strconv.FormatInt(idx, 10)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: metadata for %s index %d", common.ErrNotFound, k.meta, idx)
		}
		return nil, storageErr(err)
	}
	s, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode metadata %s/%d: %w", common.ErrStorage, k.meta, idx, err)
	}
	s.CreatedAt = s.CreatedAt.In(l.loc)
	return s, nil
}

// record is the stored form of a Snapshot, which keeps the full blob path.
type record struct {
	Snapshot
	Path string `json:"path"`
}

func encodeRecord(s *Snapshot) ([]byte, error) {
	return json.Marshal(record{Snapshot: *s, Path: s.Path})
}

func decodeRecord(raw string) (*Snapshot, error) {
	var r record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	s := r.Snapshot
	s.Path = r.Path
	if s.Path == "" {
		// written before the path was split out of filename
		s.Path = s.Filename
	}
	s.Filename = filepath.Base(s.Path)
	return &s, nil
}

func pointerValue(cmd *redis.StringCmd) (int64, error) {
	v, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, storageErr(err)
	}
	return v, nil
}

func clamp(idx, length int64) int64 {
	return max(0, min(idx, length-1))
}

func backoff(ctx context.Context, attempt int) error {
	d := time.Duration(attempt+1) * time.Millisecond
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func storageErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: redis: %w", common.ErrStorage, err)
}
