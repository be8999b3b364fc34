package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/tablechat/internal/store/redisstore"
)

type reply struct {
	Code      string `json:"code"`
	Comment   string `json:"comment"`
	CreatedAt string `json:"created_at,omitempty"`
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(redisstore.NewWithClient(client, "test:"), Options{TTL: time.Hour, Now: clk.now})
	return c, mr, clk
}

func TestSetGet(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	in := reply{Code: "df.rows.length", Comment: "count rows"}
	if err := c.Set(ctx, "tpl", "schema", "how many rows?", in, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	var out reply
	hit, err := c.Get(ctx, "tpl", "schema", "how many rows?", &out)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !hit {
		t.Fatalf("expected a hit")
	}
	if out.Code != in.Code || out.Comment != in.Comment {
		t.Fatalf("unexpected payload %+v", out)
	}
	if out.CreatedAt == "" {
		t.Fatalf("created_at must be stamped when absent")
	}

	var miss reply
	hit, err = c.Get(ctx, "tpl", "schema", "another question", &miss)
	if err != nil || hit {
		t.Fatalf("different query must miss, hit=%v err=%v", hit, err)
	}
}

func TestSet_KeepsExistingCreatedAt(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	in := reply{Code: "1", CreatedAt: "2020-01-01T00:00:00Z"}
	if err := c.Set(ctx, "a", "b", "c", in, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	var out reply
	if _, err := c.Get(ctx, "a", "b", "c", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.CreatedAt != in.CreatedAt {
		t.Fatalf("created_at overwritten: %q", out.CreatedAt)
	}
}

func TestSet_Overwrites(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	_ = c.Set(ctx, "a", "b", "c", reply{Code: "old"}, 0)
	_ = c.Set(ctx, "a", "b", "c", reply{Code: "new"}, 0)
	var out reply
	if _, err := c.Get(ctx, "a", "b", "c", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Code != "new" {
		t.Fatalf("last writer must win, got %q", out.Code)
	}
}

func TestTTL_StoreEviction(t *testing.T) {
	c, mr, _ := newTestCache(t)
	ctx := context.Background()
	if err := c.Set(ctx, "a", "b", "c", reply{Code: "x"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	var out reply
	hit, err := c.Get(ctx, "a", "b", "c", &out)
	if err != nil || hit {
		t.Fatalf("expired entry must be absent, hit=%v err=%v", hit, err)
	}
}

func TestTTL_LazyExpiry(t *testing.T) {
	c, _, clk := newTestCache(t)
	ctx := context.Background()
	if err := c.Set(ctx, "a", "b", "c", reply{Code: "x"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var out reply
	clk.t = clk.t.Add(59 * time.Second)
	if hit, _ := c.Get(ctx, "a", "b", "c", &out); !hit {
		t.Fatalf("entry inside its TTL must hit")
	}

	// The store still holds the key; the read-side check rejects it.
	clk.t = clk.t.Add(2 * time.Second)
	hit, err := c.Get(ctx, "a", "b", "c", &out)
	if err != nil || hit {
		t.Fatalf("entry past its TTL must be absent, hit=%v err=%v", hit, err)
	}
}

func TestTTL_LazyExpiryFractional(t *testing.T) {
	c, _, clk := newTestCache(t)
	ctx := context.Background()
	start := clk.t
	var out reply

	if err := c.Set(ctx, "a", "b", "half", reply{Code: "x"}, 500*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	clk.t = start.Add(400 * time.Millisecond)
	if hit, _ := c.Get(ctx, "a", "b", "half", &out); !hit {
		t.Fatalf("500ms entry must hit after 400ms")
	}
	clk.t = start.Add(time.Hour)
	if hit, err := c.Get(ctx, "a", "b", "half", &out); err != nil || hit {
		t.Fatalf("500ms entry must be absent after an hour, hit=%v err=%v", hit, err)
	}

	clk.t = start
	if err := c.Set(ctx, "a", "b", "frac", reply{Code: "y"}, 1900*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	clk.t = start.Add(1500 * time.Millisecond)
	if hit, _ := c.Get(ctx, "a", "b", "frac", &out); !hit {
		t.Fatalf("1.9s entry must hit after 1.5s")
	}
	clk.t = start.Add(1900 * time.Millisecond)
	if hit, _ := c.Get(ctx, "a", "b", "frac", &out); hit {
		t.Fatalf("1.9s entry must be absent at exactly 1.9s")
	}
}

func TestGet_StoreDownIsError(t *testing.T) {
	c, mr, _ := newTestCache(t)
	mr.Close()
	var out reply
	hit, err := c.Get(context.Background(), "a", "b", "c", &out)
	if err == nil || hit {
		t.Fatalf("expected an error and no hit, hit=%v err=%v", hit, err)
	}
}

func TestStampCreatedAt_NonObject(t *testing.T) {
	body, err := stampCreatedAt([]byte(`"plain"`), time.Now())
	if err != nil {
		t.Fatalf("stamp: %v", err)
	}
	if string(body) != `"plain"` {
		t.Fatalf("non-object payloads are stored unchanged, got %s", body)
	}
}
