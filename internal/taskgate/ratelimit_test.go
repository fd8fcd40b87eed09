package taskgate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	rl := NewMemoryLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	for range 2 {
		ok, err := rl.Allow(ctx, "ip-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "ip-1")
	assert.False(t, ok)

	ok, _ = rl.Allow(ctx, "ip-2")
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, _ = rl.Allow(ctx, "ip-1")
	assert.True(t, ok, "window slides")
}

// fakeScripter answers EvalSha with a canned result and records the call.
type fakeScripter struct {
	result any
	err    error
	keys   []string
	args   []any
}

func (f *fakeScripter) EvalSha(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	f.keys, f.args = keys, args
	return redis.NewCmdResult(f.result, f.err)
}

func (f *fakeScripter) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, "", keys, args...)
}

func (f *fakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, "", keys, args...)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...any) *redis.Cmd {
	return f.EvalSha(ctx, sha1, keys, args...)
}

func (f *fakeScripter) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeScripter) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

func TestRedisLimiterRunsBucketScript(t *testing.T) {
	ctx := context.Background()
	fake := &fakeScripter{result: int64(1)}
	rl := NewRedisLimiter(fake, "taskgate:signup", 30, time.Minute)
	rl.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	ok, err := rl.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"taskgate:signup:198.51.100.1"}, fake.keys)
	require.Len(t, fake.args, 4)
	assert.InDelta(t, 0.5, fake.args[0], 1e-9)
	assert.Equal(t, 30, fake.args[1])
	assert.Equal(t, 61, fake.args[3])

	fake.result = int64(0)
	ok, err = rl.Allow(ctx, "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, ok)

	fake.err = errors.New("connection refused")
	_, err = rl.Allow(ctx, "198.51.100.1")
	assert.ErrorContains(t, err, "redis limiter")
}

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }

func TestRateLimitFailsOpen(t *testing.T) {
	called := false
	h := rateLimit("test", errLimiter{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/demo/signup", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// TestRedisLimiterIntegration runs against a real server when
// TASKGATE_TEST_REDIS_ADDR is set.
func TestRedisLimiterIntegration(t *testing.T) {
	addr := os.Getenv("TASKGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TASKGATE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "taskgate:test:" + t.Name() + ":" + time.Now().Format(time.RFC3339Nano)
	rl := NewRedisLimiter(client, prefix, 3, time.Hour)

	for i := range 3 {
		ok, err := rl.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok)
}
