package captchapool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"motortrade-backend/lib/telemetry"

	"github.com/stretchr/testify/require"
)

// fakeSolverServer answers the CapSolver protocol, becoming ready on the
// first poll. failEvery > 0 makes every Nth task fail.
func fakeSolverServer(t *testing.T, failEvery int64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var created atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/createTask":
			n := created.Add(1)
			if failEvery > 0 && n%failEvery == 0 {
				json.NewEncoder(w).Encode(map[string]any{
					"errorId":          1,
					"errorDescription": "ERROR_CAPTCHA_UNSOLVABLE",
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"errorId": 0,
				"taskId":  fmt.Sprintf("task-%d", n),
			})
		case "/getTaskResult":
			var req struct {
				TaskId string `json:"taskId"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(map[string]any{
				"errorId": 0,
				"status":  "ready",
				"solution": map[string]any{
					"gRecaptchaResponse": "token-for-" + req.TaskId,
				},
			})
		case "/getBalance":
			json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "balance": 4.2})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &created
}

func newTestPool(t *testing.T, failEvery int64, opts Options) *Pool {
	t.Helper()
	cleanup := telemetry.SetupForTesting(t, "lib/captchapool")
	t.Cleanup(cleanup)

	srv, _ := fakeSolverServer(t, failEvery)
	solver := NewSolver(SolverConfig{
		BaseURL:      srv.URL,
		ClientKey:    "test-key",
		PollInterval: 5 * time.Millisecond,
		SolveTimeout: 2 * time.Second,
	})
	return NewPool(solver, opts)
}

func TestRefillThenAcquire(t *testing.T) {
	p := newTestPool(t, 0, Options{MinCached: 3, MaxCached: 3, MaxUses: 1})

	p.refill(context.Background())
	require.Equal(t, 3, p.Stats().Live)

	for i := 0; i < 3; i++ {
		_, ok := p.Acquire()
		require.True(t, ok, "acquire %d", i)
	}
	_, ok := p.Acquire()
	require.False(t, ok, "pool should be dry after three single-use tokens")
}

func TestTokenUsageBudget(t *testing.T) {
	p := newTestPool(t, 0, Options{MinCached: 1, MaxCached: 1, MaxUses: 3})
	p.refill(context.Background())

	var values []string
	for i := 0; i < 3; i++ {
		v, ok := p.Acquire()
		require.True(t, ok)
		values = append(values, v)
	}
	require.Equal(t, values[0], values[1])
	require.Equal(t, values[1], values[2])

	_, ok := p.Acquire()
	require.False(t, ok)
}

func TestTokenTTLExpiry(t *testing.T) {
	now := time.Now()
	p := newTestPool(t, 0, Options{MinCached: 2, MaxCached: 2, MaxUses: 100, TokenTTL: time.Minute})
	p.now = func() time.Time { return now }

	p.refill(context.Background())
	require.Equal(t, 2, p.Stats().Live)

	now = now.Add(2 * time.Minute)
	require.Equal(t, 0, p.Stats().Live)
	_, ok := p.Acquire()
	require.False(t, ok)
}

func TestRefillSurvivesSolverFailures(t *testing.T) {
	// every second task fails: the loop must keep going and still bank the
	// successful solves
	p := newTestPool(t, 2, Options{MinCached: 4, MaxCached: 4, MaxUses: 1})
	p.refill(context.Background())

	stats := p.Stats()
	require.Equal(t, 2, stats.Live)
	require.Equal(t, int64(2), stats.Solves)
	require.Equal(t, int64(2), stats.Failures)
}

func TestRefillSkipsWhenWarm(t *testing.T) {
	p := newTestPool(t, 0, Options{MinCached: 2, MaxCached: 5, MaxUses: 1})

	p.refill(context.Background())
	require.Equal(t, 5, p.Stats().Live)

	// above the minimum: no new solves
	solves := p.Stats().Solves
	p.refill(context.Background())
	require.Equal(t, solves, p.Stats().Solves)
}

func TestRunRefillsOnInterval(t *testing.T) {
	p := newTestPool(t, 0, Options{
		MinCached:      2,
		MaxCached:      2,
		MaxUses:        1,
		RefillInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return p.Stats().Live == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestInvalidate(t *testing.T) {
	p := newTestPool(t, 0, Options{MinCached: 2, MaxCached: 2, MaxUses: 5})
	p.refill(context.Background())
	require.Equal(t, 2, p.Stats().Live)

	p.Invalidate()
	require.Equal(t, 0, p.Stats().Live)
}

func TestSolveNowSlowPath(t *testing.T) {
	p := newTestPool(t, 0, Options{MinCached: 1, MaxCached: 1, MaxUses: 1})

	token, err := p.SolveNow(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, token)
}
