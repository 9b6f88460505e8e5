package captchapool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"motortrade-backend/lib/telemetry"

	"github.com/stretchr/testify/require"
)

func newTestSolver(t *testing.T, handler http.HandlerFunc) *Solver {
	t.Helper()
	cleanup := telemetry.SetupForTesting(t, "lib/captchapool")
	t.Cleanup(cleanup)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	return NewSolver(SolverConfig{
		BaseURL:      srv.URL,
		ClientKey:    "test-key",
		PollInterval: 5 * time.Millisecond,
		SolveTimeout: time.Second,
	})
}

func TestSolvePollsUntilReady(t *testing.T) {
	var polls atomic.Int64
	s := newTestSolver(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			var req struct {
				ClientKey string `json:"clientKey"`
				Task      struct {
					Type string `json:"type"`
				} `json:"task"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			require.Equal(t, "test-key", req.ClientKey)
			require.Equal(t, TaskTypeRecaptchaV2, req.Task.Type)
			json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "taskId": "t1"})
		case "/getTaskResult":
			// two processing responses before the solution lands
			if polls.Add(1) < 3 {
				json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "status": "processing"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"errorId":  0,
				"status":   "ready",
				"solution": map[string]any{"gRecaptchaResponse": "solved-token"},
			})
		}
	})

	token, err := s.Solve(context.Background(), Task{WebsiteURL: "https://example.com", WebsiteKey: "sitekey"})
	require.NoError(t, err)
	require.Equal(t, "solved-token", token)
	require.GreaterOrEqual(t, polls.Load(), int64(3))
}

func TestCreateTaskServiceError(t *testing.T) {
	s := newTestSolver(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"errorId":          1,
			"errorDescription": "ERROR_KEY_DENIED_ACCESS",
		})
	})

	_, err := s.CreateTask(context.Background(), Task{})
	require.ErrorIs(t, err, ErrSolverFailure)
	require.Contains(t, err.Error(), "ERROR_KEY_DENIED_ACCESS")
}

func TestSolveTimesOutWhileProcessing(t *testing.T) {
	s := newTestSolver(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "taskId": "t1"})
		case "/getTaskResult":
			json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "status": "processing"})
		}
	})
	s.solveTimeout = 50 * time.Millisecond

	_, err := s.Solve(context.Background(), Task{})
	require.ErrorIs(t, err, ErrSolverTimeout)
}

func TestPollFailureSurfacesDescription(t *testing.T) {
	s := newTestSolver(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createTask":
			json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "taskId": "t1"})
		case "/getTaskResult":
			json.NewEncoder(w).Encode(map[string]any{
				"errorId":          12,
				"errorDescription": "ERROR_CAPTCHA_UNSOLVABLE",
			})
		}
	})

	_, err := s.Solve(context.Background(), Task{})
	require.ErrorIs(t, err, ErrSolverFailure)
	require.Contains(t, err.Error(), "ERROR_CAPTCHA_UNSOLVABLE")
}

func TestBalance(t *testing.T) {
	s := newTestSolver(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/getBalance", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"errorId": 0, "balance": 12.5})
	})

	balance, err := s.Balance(context.Background())
	require.NoError(t, err)
	require.Equal(t, 12.5, balance)
}
