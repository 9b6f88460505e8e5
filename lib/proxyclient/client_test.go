package proxyclient

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

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	cleanup := telemetry.SetupForTesting(t, "lib/proxyclient")
	t.Cleanup(cleanup)

	if opts.MinRequestInterval == 0 {
		opts.MinRequestInterval = time.Millisecond
	}
	c := New(opts)
	t.Cleanup(c.Shutdown)

	// make retry backoffs instant but observable
	c.sleep = func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	}
	return c
}

func TestFetchRecoversFromBlocks(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	c := newTestClient(t, Options{})
	res := c.Fetch(context.Background(), srv.URL, FetchOptions{Class: ClassSearch, MaxRetries: 3})

	require.True(t, res.Success)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, `{"ok":true}`, res.Body)
	require.Equal(t, int64(2), c.Stats().SessionRotations)
}

func TestFetchMixedOutcomeSequence(t *testing.T) {
	// 403 then 429 then 200: a session rotation for the block, a backoff for
	// the rate limit, then success
	statuses := []int{http.StatusForbidden, http.StatusTooManyRequests, http.StatusOK}
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(statuses[n-1])
	}))
	defer srv.Close()

	c := newTestClient(t, Options{})
	res := c.Fetch(context.Background(), srv.URL, FetchOptions{MaxRetries: 3})
	require.True(t, res.Success)
	require.Equal(t, len(statuses), res.Attempts)
	require.Equal(t, int64(1), c.Stats().SessionRotations)
}

func TestFetchNoRetriesMakesSingleAttempt(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, Options{})
	res := c.Fetch(context.Background(), srv.URL, FetchOptions{MaxRetries: NoRetries})

	require.False(t, res.Success)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, KindRateLimited, KindOf(res.Err))
}

func TestProxyRotationStatCountsOnlyRotations(t *testing.T) {
	c := newTestClient(t, Options{Proxies: []Endpoint{
		{Name: "kr-1", HostPort: "127.0.0.1:9"},
		{Name: "kr-2", HostPort: "127.0.0.1:9"},
	}})

	// the endpoint consumed while building the initial session is not a
	// rotation
	require.Equal(t, int64(0), c.Stats().ProxyRotations)
	require.Equal(t, "kr-1", c.currentSession().Endpoint().Name)

	c.rotateProxy()
	require.Equal(t, int64(1), c.Stats().ProxyRotations)
	require.Equal(t, "kr-2", c.currentSession().Endpoint().Name)

	// a full session rotation consumes an endpoint without counting as a
	// proxy rotation
	c.rotateSession()
	require.Equal(t, int64(1), c.Stats().ProxyRotations)
	require.Equal(t, int64(1), c.Stats().SessionRotations)
}

func TestFetchExhaustsOnRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, Options{})
	res := c.Fetch(context.Background(), srv.URL, FetchOptions{Class: ClassDetail, MaxRetries: 2})

	require.False(t, res.Success)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, KindRateLimited, KindOf(res.Err))

	snap := c.breakers.For(ClassDetail).Snapshot()
	require.Equal(t, 1, snap.Failures)
}

func TestFetchTerminalHTTPError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, Options{})
	res := c.Fetch(context.Background(), srv.URL, FetchOptions{MaxRetries: 3})

	require.False(t, res.Success)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, KindUpstreamHTTP, KindOf(res.Err))
}

func TestFetchCircuitOpenFailsFast(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, Options{
		Breaker: BreakerConfig{Threshold: 1, ResetWindow: time.Minute},
	})
	c.breakers.For(ClassBrands).RecordFailure()

	res := c.Fetch(context.Background(), srv.URL, FetchOptions{Class: ClassBrands})
	require.False(t, res.Success)
	require.Equal(t, 0, res.Attempts)
	require.Equal(t, KindCircuitOpen, KindOf(res.Err))
	require.True(t, IsUnavailable(res.Err))
	require.Equal(t, int64(0), calls.Load())
}

func TestFetchTimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := newTestClient(t, Options{RequestTimeout: 50 * time.Millisecond})
	res := c.Fetch(context.Background(), srv.URL, FetchOptions{MaxRetries: 1})

	require.False(t, res.Success)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, KindTimeout, KindOf(res.Err))
}

func TestFetchEnvelopeRejectionCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"returncode":2049,"message":"sign error"}`)
	}))
	defer srv.Close()

	checkEnvelope := func(body []byte) error {
		var envelope struct {
			ReturnCode int `json:"returncode"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return fmt.Errorf("%w: %s", ErrMalformedBody, err)
		}
		if envelope.ReturnCode != 0 {
			return fmt.Errorf("api returncode %d", envelope.ReturnCode)
		}
		return nil
	}

	c := newTestClient(t, Options{
		EnvelopeFailureLimit: 3,
		EnvelopeCooldown:     10 * time.Minute,
	})
	res := c.Fetch(context.Background(), srv.URL, FetchOptions{
		MaxRetries:    2,
		CheckEnvelope: checkEnvelope,
	})

	require.False(t, res.Success)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, KindIdentityBlocked, KindOf(res.Err))
	// every rejection forced a fresh identity
	require.Equal(t, int64(3), c.Stats().SessionRotations)

	// three consecutive rejections put the upstream on cooldown
	res = c.Fetch(context.Background(), srv.URL, FetchOptions{CheckEnvelope: checkEnvelope})
	require.False(t, res.Success)
	require.Equal(t, 0, res.Attempts)
	require.Equal(t, KindEnvelopeCooldown, KindOf(res.Err))
	require.True(t, IsUnavailable(res.Err))
}

func TestFetchMalformedBodyIsTerminal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "<html>definitely not json</html>")
	}))
	defer srv.Close()

	c := newTestClient(t, Options{})
	res := c.Fetch(context.Background(), srv.URL, FetchOptions{
		MaxRetries: 3,
		CheckEnvelope: func(body []byte) error {
			if !json.Valid(body) {
				return fmt.Errorf("%w: expected json", ErrMalformedBody)
			}
			return nil
		},
	})

	require.False(t, res.Success)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, int64(1), calls.Load())
	require.Equal(t, KindMalformedBody, KindOf(res.Err))
}

func TestFetchQueryParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "hyundai", r.URL.Query().Get("maker"))
		require.NotEmpty(t, r.Header.Get("user-agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, Options{})
	res := c.Fetch(context.Background(), srv.URL, FetchOptions{
		Query: map[string]string{"maker": "hyundai"},
	})
	require.True(t, res.Success)
}
