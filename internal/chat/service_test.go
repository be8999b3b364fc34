package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/tablechat/internal/ai"
	"github.com/suPer8Hu/tablechat/internal/cache"
	"github.com/suPer8Hu/tablechat/internal/common"
	"github.com/suPer8Hu/tablechat/internal/sandbox"
	"github.com/suPer8Hu/tablechat/internal/session"
	"github.com/suPer8Hu/tablechat/internal/store/blob"
	"github.com/suPer8Hu/tablechat/internal/store/redisstore"
	"github.com/suPer8Hu/tablechat/internal/table"
	"github.com/suPer8Hu/tablechat/internal/versionlog"
	"gorm.io/gorm"
)

type scriptedProvider struct {
	mu      sync.Mutex
	replies []ai.CodeReply
	err     error
	calls   int
	last    []ai.Message
	// onCall runs before the reply is returned.
	onCall func()
}

func (p *scriptedProvider) Generate(ctx context.Context, messages []ai.Message, schema ai.OutputSchema) (ai.CodeReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.last = append([]ai.Message(nil), messages...)
	if p.onCall != nil {
		p.onCall()
	}
	if p.err != nil {
		return ai.CodeReply{}, p.err
	}
	if len(p.replies) == 0 {
		return ai.CodeReply{}, ai.ErrMalformedOutput
	}
	r := p.replies[0]
	if len(p.replies) > 1 {
		p.replies = p.replies[1:]
	}
	return r, nil
}

type fixture struct {
	svc  *Service
	repo *Repo
	db   *gorm.DB
	prov *scriptedProvider
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newFixture(t *testing.T, window int) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rds := redisstore.NewWithClient(client, "test:")

	blobs, err := blob.New(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	sessions := session.NewManager(versionlog.New(rds, blobs, versionlog.Options{}), nil)

	prov := &scriptedProvider{}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})

	db := openTestDB(t)
	repo := NewRepo(db)
	svc := NewService(repo, reg, sessions, cache.New(rds, cache.Options{}), sandbox.New(time.Second, nil), Options{
		ContextWindowSize: window,
		DefaultProvider:   "fake",
	})
	return &fixture{svc: svc, repo: repo, db: db, prov: prov}
}

func (f *fixture) session(t *testing.T, userID uint64) string {
	t.Helper()
	csv := "name,age,city\nann,31,oslo\nbob,25,rome\ncy,40,oslo\n"
	sess, snap, err := f.svc.CreateSessionFromCSV(context.Background(), NewSession{UserID: userID, Source: "people.csv"}, strings.NewReader(csv))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if snap.Index != 0 || snap.Note != "init_from:people.csv" {
		t.Fatalf("init snapshot = %+v", snap)
	}
	return sess.SessionID
}

func TestAsk_ValueLeavesStateAlone(t *testing.T) {
	f := newFixture(t, 20)
	sid := f.session(t, 1)
	f.prov.replies = []ai.CodeReply{{Code: "df.rows.length", Comment: "count rows"}}

	ans, err := f.svc.Ask(context.Background(), 1, sid, "how many rows?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Value != "3" || ans.State != nil || ans.Cached {
		t.Fatalf("answer = %+v", ans)
	}

	var msgs []Message
	if err := f.db.Where("session_id = ?", sid).Order("id ASC").Find(&msgs).Error; err != nil {
		t.Fatalf("query messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "how many rows?" {
		t.Fatalf("unexpected user msg: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Code != "df.rows.length" || msgs[1].Result != "3" {
		t.Fatalf("unexpected assistant msg: %+v", msgs[1])
	}
	if ans.MessageID != msgs[1].ID {
		t.Fatalf("message id = %d, want %d", ans.MessageID, msgs[1].ID)
	}

	if f.prov.last[0].Role != "system" || !strings.Contains(f.prov.last[0].Content, "3 rows x 3 columns") {
		t.Fatalf("system prompt missing table description: %q", f.prov.last[0].Content)
	}
}

func TestAsk_TableResultBecomesState(t *testing.T) {
	f := newFixture(t, 20)
	sid := f.session(t, 1)
	f.prov.replies = []ai.CodeReply{
		{Code: `df.rows = df.rows.filter(r => r.city === "oslo");`, Comment: "filter"},
		{Code: `df.columns = df.columns.filter(c => c !== "city"); df.rows.forEach(r => { delete r.city });`, Comment: "drop"},
	}

	ans, err := f.svc.Ask(context.Background(), 1, sid, "only oslo")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.State == nil || ans.State.Index != 1 || ans.State.Rows != 2 || ans.State.StructureChanged {
		t.Fatalf("state = %+v", ans.State)
	}
	if ans.State.LLMCode != ans.Code || ans.State.Note != ans.Code {
		t.Fatalf("state code/note = %q/%q", ans.State.LLMCode, ans.State.Note)
	}

	ans, err = f.svc.Ask(context.Background(), 1, sid, "drop city")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.State == nil || ans.State.Index != 2 || ans.State.Cols != 2 || !ans.State.StructureChanged {
		t.Fatalf("state = %+v", ans.State)
	}

	step, err := f.svc.Undo(context.Background(), 1, sid)
	if err != nil || !step.Moved || step.Index != 1 {
		t.Fatalf("undo = %+v, %v", step, err)
	}
	rows, snap, err := f.svc.Rows(context.Background(), 1, sid, 1)
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if snap.Index != 1 || rows.NumRows() != 1 || rows.NumCols() != 3 {
		t.Fatalf("rows after undo: index=%d shape=%dx%d", snap.Index, rows.NumRows(), rows.NumCols())
	}
	hist, err := f.svc.History(context.Background(), 1, sid)
	if err != nil || len(hist) != 3 {
		t.Fatalf("history = %v, %v", hist, err)
	}
}

func TestAsk_CacheHitSkipsProvider(t *testing.T) {
	f := newFixture(t, 20)
	sid := f.session(t, 1)
	f.prov.replies = []ai.CodeReply{{Code: "df.columns.length", Comment: "cols"}}

	if _, err := f.svc.Ask(context.Background(), 1, sid, "how many columns?"); err != nil {
		t.Fatalf("first ask: %v", err)
	}
	ans, err := f.svc.Ask(context.Background(), 1, sid, "how many columns?")
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}
	if !ans.Cached || ans.Value != "3" {
		t.Fatalf("answer = %+v", ans)
	}
	if f.prov.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", f.prov.calls)
	}
}

func TestAsk_ExecutionErrorKeepsState(t *testing.T) {
	f := newFixture(t, 20)
	sid := f.session(t, 1)
	f.prov.replies = []ai.CodeReply{{Code: "throw new Error('boom')", Comment: "oops"}}

	ans, err := f.svc.Ask(context.Background(), 1, sid, "break it")
	if !errors.Is(err, common.ErrExecution) {
		t.Fatalf("err = %v, want ErrExecution", err)
	}
	if ans == nil || ans.Code != "throw new Error('boom')" || ans.MessageID == 0 {
		t.Fatalf("answer = %+v", ans)
	}
	snap, err := f.svc.State(context.Background(), 1, sid)
	if err != nil || snap.Index != 0 {
		t.Fatalf("state = %+v, %v", snap, err)
	}
}

func TestAsk_ProviderErrorSurfaces(t *testing.T) {
	f := newFixture(t, 20)
	sid := f.session(t, 1)
	f.prov.err = ai.ErrRateLimited

	if _, err := f.svc.Ask(context.Background(), 1, sid, "anything"); !errors.Is(err, ai.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if f.prov.calls != 1 {
		t.Fatalf("provider calls = %d, want exactly 1", f.prov.calls)
	}
}

func TestAsk_OtherUsersSessionIsHidden(t *testing.T) {
	f := newFixture(t, 20)
	sid := f.session(t, 1)
	if _, err := f.svc.Ask(context.Background(), 2, sid, "hi"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
	if _, err := f.svc.Undo(context.Background(), 2, sid); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("undo err = %v", err)
	}
}

func TestAsk_UsesContextWindow(t *testing.T) {
	window := 3
	f := newFixture(t, window)
	sid := f.session(t, 2)
	f.prov.replies = []ai.CodeReply{{Code: "1", Comment: "one"}}

	for i := 0; i < 5; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := f.repo.InsertMessage(context.Background(), &Message{
			SessionID: sid,
			UserID:    2,
			Role:      role,
			Content:   "seed",
			Code:      "df",
		}); err != nil {
			t.Fatalf("seed msg %d: %v", i, err)
		}
	}

	if _, err := f.svc.Ask(context.Background(), 2, sid, "new"); err != nil {
		t.Fatalf("ask: %v", err)
	}
	// system prompt plus the window
	if len(f.prov.last) != window+1 {
		t.Fatalf("expected provider to receive %d messages, got %d", window+1, len(f.prov.last))
	}
	last := f.prov.last[len(f.prov.last)-1]
	if last.Role != "user" || last.Content != "new" {
		t.Fatalf("expected last provider msg to be new user msg, got role=%q content=%q", last.Role, last.Content)
	}
	prev := f.prov.last[1]
	if prev.Role != "assistant" || prev.Content != `{"code":"df","comment":"seed"}` {
		t.Fatalf("assistant turn not replayed as reply json: %q", prev.Content)
	}
}

func TestRunJob(t *testing.T) {
	f := newFixture(t, 20)
	sid := f.session(t, 1)
	f.prov.replies = []ai.CodeReply{{Code: "df.rows[0].name", Comment: "first"}}

	job := &Job{ID: "01JOBTEST0000000000000000A", UserID: 1, SessionID: sid, Query: "first name", Status: JobQueued}
	if err := f.repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := f.svc.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("run job: %v", err)
	}
	got, err := f.svc.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobSucceeded || got.ResultMessageID == nil {
		t.Fatalf("job = %+v", got)
	}

	// redelivery is a no-op
	if err := f.svc.RunJob(context.Background(), job.ID); err != nil {
		t.Fatalf("rerun job: %v", err)
	}
	if f.prov.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", f.prov.calls)
	}
}

func TestRunJob_ProviderFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t, 20)
	sid := f.session(t, 1)
	f.prov.err = ai.ErrProviderUnavailable

	job := &Job{ID: "01JOBTEST0000000000000000B", UserID: 1, SessionID: sid, Query: "q", Status: JobQueued}
	if err := f.repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := f.svc.RunJob(context.Background(), job.ID); !errors.Is(err, ai.ErrProviderUnavailable) {
		t.Fatalf("err = %v", err)
	}
	got, _ := f.svc.GetJob(context.Background(), job.ID)
	if got.Status != JobFailed || got.Error == nil {
		t.Fatalf("job = %+v", got)
	}
}

func TestRunJob_CancelledMidTurnIsRecorded(t *testing.T) {
	f := newFixture(t, 20)
	sid := f.session(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.prov.onCall = cancel
	f.prov.err = context.Canceled

	job := &Job{ID: "01JOBTEST0000000000000000E", UserID: 1, SessionID: sid, Query: "q", Status: JobQueued}
	if err := f.repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := f.svc.RunJob(ctx, job.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	got, err := f.svc.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != JobFailed || got.Error == nil {
		t.Fatalf("interrupted job must not stay running: %+v", got)
	}
}

func TestCreateSession_UnknownProvider(t *testing.T) {
	f := newFixture(t, 20)
	tbl, _ := table.New(table.Column{Name: "a", Type: table.Int64, Values: []any{int64(1)}})
	_, _, err := f.svc.CreateSession(context.Background(), NewSession{UserID: 1, Provider: "nope"}, tbl)
	if !errors.Is(err, common.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}

func TestCreateJobOrGetExisting_Idempotent(t *testing.T) {
	f := newFixture(t, 20)
	key := "k1"
	first, created, err := f.repo.CreateJobOrGetExisting(context.Background(), &Job{
		ID: "01JOBTEST0000000000000000C", UserID: 1, SessionID: "s", Query: "q", Status: JobQueued, IdempotencyKey: &key,
	})
	if err != nil || !created {
		t.Fatalf("first = %v, %v", created, err)
	}
	again, created, err := f.repo.CreateJobOrGetExisting(context.Background(), &Job{
		ID: "01JOBTEST0000000000000000D", UserID: 1, SessionID: "s", Query: "q", Status: JobQueued, IdempotencyKey: &key,
	})
	if err != nil || created || again.ID != first.ID {
		t.Fatalf("second = %+v, created=%v, err=%v", again, created, err)
	}
}
