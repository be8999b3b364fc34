package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/suPer8Hu/tablechat/internal/ai"
	"github.com/suPer8Hu/tablechat/internal/cache"
	"github.com/suPer8Hu/tablechat/internal/common"
	"github.com/suPer8Hu/tablechat/internal/sandbox"
	"github.com/suPer8Hu/tablechat/internal/session"
	"github.com/suPer8Hu/tablechat/internal/table"
	"github.com/suPer8Hu/tablechat/internal/versionlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	ContextWindowSize int
	// SampleRows is the number of rows shown to the model.
	SampleRows      int
	DefaultProvider string
	DefaultModel    string
	Logger          *slog.Logger
}

type Service struct {
	repo     *Repo
	registry *ai.Registry
	sessions *session.Manager
	cache    *cache.Cache
	runner   *sandbox.Runner
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewService wires the analysis loop. cache may be nil.
func NewService(repo *Repo, registry *ai.Registry, sessions *session.Manager, c *cache.Cache, runner *sandbox.Runner, opts Options) *Service {
	if opts.ContextWindowSize <= 0 || opts.ContextWindowSize > 100 {
		opts.ContextWindowSize = 20
	}
	if opts.SampleRows <= 0 {
		opts.SampleRows = 5
	}
	if opts.DefaultProvider == "" {
		opts.DefaultProvider = "ollama"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		registry: registry,
		sessions: sessions,
		cache:    c,
		runner:   runner,
		opts:     opts,
		logger:   opts.Logger,
		tracer:   otel.Tracer("github.com/suPer8Hu/tablechat/internal/chat"),
	}
}

type NewSession struct {
	UserID   uint64
	Provider string
	Model    string
	// Source names where the table came from, e.g. an uploaded file name.
	Source string
	// ID is generated when empty.
	ID string
}

// CreateSession stores t as state 0 and records the session.
func (s *Service) CreateSession(ctx context.Context, ns NewSession, t *table.Table) (*Session, *versionlog.Snapshot, error) {
	if ns.Provider == "" {
		ns.Provider = s.opts.DefaultProvider
	}
	if ns.Model == "" {
		ns.Model = s.opts.DefaultModel
	}
	if _, err := s.registry.Get(ctx, ns.Provider, ns.Model); err != nil {
		return nil, nil, err
	}
	sid := ns.ID
	if sid == "" {
		id, err := NewSessionID()
		if err != nil {
			return nil, nil, err
		}
		sid = id
	}

	note := "init"
	if ns.Source != "" {
		note = "init_from:" + ns.Source
	}
	snap, err := s.sessions.InitFromSource(ctx, sid, t, note)
	if err != nil {
		return nil, nil, err
	}

	sess := &Session{
		SessionID: sid,
		UserID:    ns.UserID,
		Provider:  ns.Provider,
		Model:     ns.Model,
		Source:    ns.Source,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, nil, err
	}
	return sess, snap, nil
}

// CreateSessionFromCSV reads a CSV body and creates a session over it.
func (s *Service) CreateSessionFromCSV(ctx context.Context, ns NewSession, r io.Reader) (*Session, *versionlog.Snapshot, error) {
	t, err := table.ReadCSV(r)
	if err != nil {
		return nil, nil, err
	}
	return s.CreateSession(ctx, ns, t)
}

func (s *Service) ValidateSessionOwner(ctx context.Context, userID uint64, sessionID string) error {
	_, err := s.repo.GetOwnedSession(ctx, userID, sessionID)
	return err
}

func (s *Service) GetSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	return s.repo.GetOwnedSession(ctx, userID, sessionID)
}

func (s *Service) ListSessions(ctx context.Context, userID uint64, limit int) ([]Session, error) {
	return s.repo.ListSessions(ctx, userID, limit)
}

func (s *Service) providerForSession(ctx context.Context, sess *Session) (ai.Provider, error) {
	p := sess.Provider
	if p == "" {
		p = s.opts.DefaultProvider
	}
	return s.registry.Get(ctx, p, sess.Model)
}

// Answer is the outcome of one Ask. State is set when the code produced a
// table and it became the session's new current state.
type Answer struct {
	SessionID string        `json:"session_id"`
	Code      string        `json:"code"`
	Comment   string        `json:"comment"`
	Cached    bool          `json:"cached"`
	Value     string        `json:"value,omitempty"`
	Output    string        `json:"output,omitempty"`
	State     *session.Info `json:"state,omitempty"`
	MessageID uint64        `json:"message_id"`
	Table     *table.Table  `json:"-"`
}

// Ask runs one turn: describe the current table, get code from the cache or
// the model, run it, and push a resulting table as the new state.
//
// Provider and execution failures are returned as is. On an execution
// failure the returned Answer still carries the generated code.
func (s *Service) Ask(ctx context.Context, userID uint64, sessionID, query string) (ans *Answer, err error) {
	ctx, span := s.tracer.Start(ctx, "chat.Ask", trace.WithAttributes(attribute.String("session", sessionID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("chat: empty query")
	}
	sess, err := s.repo.GetOwnedSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return nil, err
	}

	cur, _, err := s.sessions.LoadCurrent(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	schema := table.Describe(cur, s.opts.SampleRows)

	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      "user",
		Content:   query,
	}); err != nil {
		return nil, err
	}

	reply, cached := s.cachedReply(ctx, schema, query)
	span.SetAttributes(attribute.Bool("cache_hit", cached))
	if !cached {
		msgs, err := s.conversation(ctx, userID, sessionID, schema)
		if err != nil {
			return nil, err
		}
		if reply, err = provider.Generate(ctx, msgs, ai.CodeSchema); err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.Set(ctx, PromptTemplate, schema, query, reply, 0); err != nil {
				s.logger.Warn("cache set failed", "session", sessionID, "err", err)
			}
		}
	}

	ans = &Answer{SessionID: sessionID, Code: reply.Code, Comment: reply.Comment, Cached: cached}
	res, runErr := s.runner.Run(ctx, reply.Code, cur)
	assistant := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      "assistant",
		Content:   reply.Comment,
		Code:      reply.Code,
	}
	switch {
	case runErr != nil:
		assistant.Result = "error: " + runErr.Error()
	case res.IsTable():
		info, err := s.sessions.PushResult(ctx, sessionID, res.Table, reply.Code, "")
		if err != nil {
			return nil, err
		}
		ans.State, ans.Table = info, res.Table
		idx := info.Index
		assistant.StateIndex = &idx
		assistant.Result = fmt.Sprintf("state %d: %d rows x %d columns", info.Index, info.Rows, info.Cols)
		if err := s.repo.TouchSession(ctx, sessionID); err != nil {
			s.logger.Warn("touch session failed", "session", sessionID, "err", err)
		}
	default:
		ans.Value = res.Text()
		assistant.Result = ans.Value
	}
	ans.Output = res.Output

	if err := s.repo.InsertMessage(ctx, assistant); err != nil {
		return nil, err
	}
	ans.MessageID = assistant.ID
	if runErr != nil {
		return ans, runErr
	}
	return ans, nil
}

// cachedReply treats cache failures as misses.
func (s *Service) cachedReply(ctx context.Context, schema, query string) (ai.CodeReply, bool) {
	var reply ai.CodeReply
	if s.cache == nil {
		return reply, false
	}
	hit, err := s.cache.Get(ctx, PromptTemplate, schema, query, &reply)
	if err != nil {
		s.logger.Warn("cache get failed", "err", err)
		return reply, false
	}
	return reply, hit && reply.Code != ""
}

// conversation builds the provider input: the system prompt, then recent
// history oldest first. Assistant turns are replayed in the reply format.
func (s *Service) conversation(ctx context.Context, userID uint64, sessionID, schema string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, userID, sessionID, s.opts.ContextWindowSize)
	if err != nil {
		return nil, err
	}
	out := make([]ai.Message, 0, len(recentDesc)+1)
	out = append(out, ai.Message{Role: "system", Content: systemPrompt(schema)})
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		content := m.Content
		if m.Role == "assistant" {
			b, _ := json.Marshal(ai.CodeReply{Code: m.Code, Comment: m.Content})
			content = string(b)
		}
		out = append(out, ai.Message{Role: m.Role, Content: content})
	}
	return out, nil
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, userID, sessionID, limit, beforeID)
}

// State returns the current snapshot metadata.
func (s *Service) State(ctx context.Context, userID uint64, sessionID string) (*versionlog.Snapshot, error) {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	snap, err := s.sessions.CurrentInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: session %s has no state", common.ErrNotFound, sessionID)
	}
	return snap, nil
}

// Rows returns up to limit leading rows of the current table.
func (s *Service) Rows(ctx context.Context, userID uint64, sessionID string, limit int) (*table.Table, *versionlog.Snapshot, error) {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return nil, nil, err
	}
	t, snap, err := s.sessions.LoadCurrent(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if limit > 0 {
		t = t.Head(limit)
	}
	return t, snap, nil
}

func (s *Service) Undo(ctx context.Context, userID uint64, sessionID string) (*session.Step, error) {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.sessions.Undo(ctx, sessionID)
}

func (s *Service) Redo(ctx context.Context, userID uint64, sessionID string) (*session.Step, error) {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.sessions.Redo(ctx, sessionID)
}

func (s *Service) History(ctx context.Context, userID uint64, sessionID string) ([]versionlog.Snapshot, error) {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.sessions.History(ctx, sessionID)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

// RunJob executes a queued Ask and records the outcome on the job. A job
// that is no longer queued is skipped.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	claimed, err := s.repo.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Info("job already claimed", "job", jobID)
		return nil
	}
	// A claimed job must leave running even when ctx is cancelled mid-turn,
	// or every redelivery would skip it.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if markErr := s.repo.MarkJobFailed(rctx, jobID, err.Error()); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}
	ans, err := s.Ask(ctx, j.UserID, j.SessionID, j.Query)
	if err != nil && !(errors.Is(err, common.ErrExecution) && ans != nil) {
		if markErr := s.repo.MarkJobFailed(rctx, jobID, err.Error()); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}
	// An execution failure is a finished turn: its message records the error.
	return s.repo.MarkJobSucceeded(rctx, jobID, ans.MessageID)
}
