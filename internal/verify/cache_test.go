package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// fakeSessionReader serves canned GET responses keyed by redis key.
type fakeSessionReader struct {
	entries map[string]string
	err     error
}

func (f *fakeSessionReader) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	val, ok := f.entries[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(val)
	return cmd
}

func TestCheckCachedSessionOK(t *testing.T) {
	cache := &fakeSessionReader{entries: map[string]string{
		"session:userid:u-1": `{"token_hash":"tok-1","issued_at":"2024-08-01T00:00:00Z"}`,
	}}
	v := New(cache, nil, zerolog.Nop())

	rep := v.CheckCachedSession(context.Background(), "u-1", "tok-1")
	if rep.Status != StatusOK {
		t.Fatalf("expected ok, got %s (%s)", rep.Status, rep.Detail)
	}
}

func TestCheckCachedSessionMismatch(t *testing.T) {
	cache := &fakeSessionReader{entries: map[string]string{
		"session:userid:u-1": `{"token_hash":"stale"}`,
	}}
	v := New(cache, nil, zerolog.Nop())

	rep := v.CheckCachedSession(context.Background(), "u-1", "tok-1")
	if rep.Status != StatusMismatch {
		t.Fatalf("expected mismatch, got %s (%s)", rep.Status, rep.Detail)
	}
}

func TestCheckCachedSessionColdCacheSkips(t *testing.T) {
	v := New(&fakeSessionReader{entries: map[string]string{}}, nil, zerolog.Nop())

	rep := v.CheckCachedSession(context.Background(), "u-1", "tok-1")
	if rep.Status != StatusSkipped {
		t.Fatalf("missing key must skip, got %s", rep.Status)
	}
}

func TestCheckCachedSessionConnectionErrorSkips(t *testing.T) {
	v := New(&fakeSessionReader{err: errors.New("dial tcp: refused")}, nil, zerolog.Nop())

	rep := v.CheckCachedSession(context.Background(), "u-1", "tok-1")
	if rep.Status != StatusSkipped {
		t.Fatalf("connection errors must skip, got %s", rep.Status)
	}
}

func TestCheckCachedSessionMalformedEntryMismatches(t *testing.T) {
	cache := &fakeSessionReader{entries: map[string]string{
		"session:userid:u-1": `not-json`,
	}}
	v := New(cache, nil, zerolog.Nop())

	rep := v.CheckCachedSession(context.Background(), "u-1", "tok-1")
	if rep.Status != StatusMismatch {
		t.Fatalf("malformed entries indicate divergence, got %s", rep.Status)
	}
}

func TestCheckCachedSessionNilCacheSkips(t *testing.T) {
	v := New(nil, nil, zerolog.Nop())
	rep := v.CheckCachedSession(context.Background(), "u-1", "tok-1")
	if rep.Status != StatusSkipped {
		t.Fatalf("expected skipped without a cache handle, got %s", rep.Status)
	}
}
