package proxyclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("proxyclient")

// Options configures a Client. Zero values fall back to the defaults tuned
// against the Korean and Chinese marketplace upstreams.
type Options struct {
	Proxies []Endpoint

	// minimum spacing between outbound requests
	MinRequestInterval time.Duration
	// proxy-only rotation every Nth request
	ProxyRotateEvery int64
	// full session rotation every Nth request
	SessionRotateEvery int64

	RequestTimeout time.Duration

	Breaker          BreakerConfig
	BreakerOverrides map[string]BreakerConfig

	// consecutive envelope-level signature rejections before the upstream is
	// put on cooldown entirely
	EnvelopeFailureLimit int
	EnvelopeCooldown     time.Duration

	// optional homepage hit after each session rotation to bootstrap cookies
	PrimeURL string
}

func (o *Options) applyDefaults() {
	if o.MinRequestInterval <= 0 {
		o.MinRequestInterval = 500 * time.Millisecond
	}
	if o.ProxyRotateEvery <= 0 {
		o.ProxyRotateEvery = 15
	}
	if o.SessionRotateEvery <= 0 {
		o.SessionRotateEvery = 50
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.EnvelopeFailureLimit <= 0 {
		o.EnvelopeFailureLimit = 3
	}
	if o.EnvelopeCooldown <= 0 {
		o.EnvelopeCooldown = 10 * time.Minute
	}
}

// NoRetries requests a single attempt with no retries.
const NoRetries = -1

// FetchOptions parameterizes a single Fetch call.
type FetchOptions struct {
	// endpoint class for circuit breaking, defaults to ClassGeneric
	Class string
	// retries after the initial attempt. Zero selects the default of 3;
	// NoRetries forces a single attempt.
	MaxRetries int
	Query      map[string]string

	// CheckEnvelope inspects an HTTP 200 body for API-level rejections (for
	// example a signature error embedded in an otherwise healthy JSON
	// envelope). A returned error wrapping ErrMalformedBody is terminal; any
	// other error is treated like an identity block.
	CheckEnvelope func(body []byte) error
}

// Result is the uniform shape every caller gets back regardless of which
// internal failure path was taken.
type Result struct {
	Success    bool
	StatusCode int
	Body       string
	Err        error
	Attempts   int
}

// Client is the resilient outbound fetch pipeline: rate limiting, proxy and
// session rotation, circuit breaking and retry classification behind one
// Fetch call. One Client instance is shared by all site integrations and is
// passed to them explicitly.
type Client struct {
	opts     Options
	pool     *Pool
	limiter  *RateLimiter
	breakers *BreakerSet

	mu               sync.Mutex
	session          *Session
	envelopeFailures int
	envelopeCooldown time.Time

	proxyRotations   atomic.Int64
	sessionRotations atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(opts Options) *Client {
	opts.applyDefaults()

	c := &Client{
		opts:     opts,
		pool:     NewPool(opts.Proxies),
		limiter:  NewRateLimiter(opts.MinRequestInterval, opts.ProxyRotateEvery, opts.SessionRotateEvery),
		breakers: NewBreakerSet(opts.Breaker, opts.BreakerOverrides),
		now:      time.Now,
		sleep:    sleepCtx,
	}

	proxy, _ := c.pool.Next()
	c.session = newSession(proxy, opts.RequestTimeout)
	if !proxy.IsZero() {
		slog.Info("proxy client ready", "proxy", proxy.Name, "label", proxy.Label, "pool_size", c.pool.Size())
	} else {
		slog.Info("proxy client ready without proxies, requests go direct")
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the active session's connections.
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.close()
	}
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// rotateProxy swaps the proxy on the live session, keeping cookies and
// connections. Used on 407s and the periodic N1 rotation. The endpoints
// consumed while building sessions are not counted as rotations.
func (c *Client) rotateProxy() {
	proxy, ok := c.pool.Next()
	if !ok {
		return
	}
	c.mu.Lock()
	c.session.setProxy(proxy)
	c.mu.Unlock()
	c.proxyRotations.Add(1)
}

// rotateSession discards the current identity entirely: new cookie jar, new
// connection pool, new proxy. In-flight requests keep the session they
// captured at dispatch time.
func (c *Client) rotateSession() {
	proxy, _ := c.pool.Next()
	fresh := newSession(proxy, c.opts.RequestTimeout)

	c.mu.Lock()
	old := c.session
	c.session = fresh
	c.mu.Unlock()

	if old != nil {
		old.close()
	}
	n := c.sessionRotations.Add(1)
	slog.Info("session rotated", "rotation", n, "proxy", proxy.Name)

	if c.opts.PrimeURL != "" {
		c.primeSession(fresh)
	}
}

// primeSession hits the target homepage once so the fresh identity carries
// believable cookies. Best effort.
func (c *Client) primeSession(s *Session) {
	_, err := s.Http.R().
		SetHeaders(randomProfile().Headers()).
		Get(c.opts.PrimeURL)
	if err != nil {
		slog.Debug("session priming failed", "url", c.opts.PrimeURL, "err", err)
	}
}

func (c *Client) envelopeCooldownRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.envelopeCooldown.Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// noteEnvelopeRejection counts a signature-style rejection embedded in a 200
// response. After the configured number of consecutive rejections the
// upstream goes on cooldown and callers should prefer static fallbacks.
func (c *Client) noteEnvelopeRejection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.envelopeFailures++
	if c.envelopeFailures >= c.opts.EnvelopeFailureLimit {
		c.envelopeCooldown = c.now().Add(c.opts.EnvelopeCooldown)
		c.envelopeFailures = 0
		slog.Warn("upstream signature rejections exceeded limit, cooling down",
			"cooldown", c.opts.EnvelopeCooldown)
	}
}

func (c *Client) clearEnvelopeFailures() {
	c.mu.Lock()
	c.envelopeFailures = 0
	c.mu.Unlock()
}

func (c *Client) addJitter(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		ms, err := random.IntRange(0, int(jitter/time.Millisecond))
		if err == nil {
			d += time.Duration(ms) * time.Millisecond
		}
	}
	return c.sleep(ctx, d)
}

// Fetch runs the full retry loop against one URL. It always returns a
// Result; Result.Err carries the last classification when Success is false.
func (c *Client) Fetch(ctx context.Context, url string, opts FetchOptions) Result {
	if opts.Class == "" {
		opts.Class = ClassGeneric
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = 3
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}

	ctx, span := tracer.Start(ctx, "client:Fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("url", url),
		attribute.String("class", opts.Class),
	)

	if remaining := c.envelopeCooldownRemaining(); remaining > 0 {
		err := &FetchError{
			Kind: KindEnvelopeCooldown,
			Err:  fmt.Errorf("upstream on cooldown for %s after repeated signature rejections", remaining.Round(time.Second)),
		}
		span.SetStatus(codes.Error, "envelope cooldown active")
		return Result{Err: err}
	}

	breaker := c.breakers.For(opts.Class)

	var last *FetchError
	attempts := 0

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		gate, err := c.limiter.Before(ctx)
		if err != nil {
			span.SetStatus(codes.Error, "canceled while rate limited")
			return Result{
				Attempts: attempts,
				Err:      &FetchError{Kind: KindTimeout, Err: err},
			}
		}
		if gate.RotateSession {
			slog.Info("preventive session rotation")
			c.rotateSession()
		} else if gate.RotateProxy {
			c.rotateProxy()
		}

		if !breaker.Available() {
			span.SetStatus(codes.Error, "circuit open")
			return Result{
				Attempts: attempts,
				Err:      &FetchError{Kind: KindCircuitOpen, Err: fmt.Errorf("circuit open for class %q", opts.Class)},
			}
		}

		session := c.currentSession()
		attempts++

		req := session.Http.R().
			SetContext(ctx).
			SetHeaders(randomProfile().Headers())
		if len(opts.Query) > 0 {
			req.SetQueryParams(opts.Query)
		}
		res, err := req.Get(url)

		status := 0
		var body []byte
		if res != nil && res.RawResponse != nil {
			status = res.StatusCode()
			body = res.Body()
		}
		o := classify(status, err)

		switch o.kind {
		case outcomeOK:
			if opts.CheckEnvelope != nil {
				if envErr := opts.CheckEnvelope(body); envErr != nil {
					if errors.Is(envErr, ErrMalformedBody) {
						breaker.RecordFailure()
						span.SetStatus(codes.Error, "malformed body")
						return Result{
							StatusCode: status,
							Body:       string(body),
							Attempts:   attempts,
							Err:        &FetchError{Kind: KindMalformedBody, StatusCode: status, Err: envErr},
						}
					}

					slog.Warn("envelope rejected, rotating session", "url", url, "err", envErr)
					last = &FetchError{Kind: KindIdentityBlocked, StatusCode: status, Err: envErr}
					c.noteEnvelopeRejection()
					c.rotateSession()
					if err := c.addJitter(ctx, 3*time.Second, 2*time.Second); err != nil {
						return Result{Attempts: attempts, Err: &FetchError{Kind: KindTimeout, Err: err}}
					}
					continue
				}
			}
			c.clearEnvelopeFailures()
			breaker.RecordSuccess()
			return Result{
				Success:    true,
				StatusCode: status,
				Body:       string(body),
				Attempts:   attempts,
			}

		case outcomeTerminalHTTP:
			breaker.RecordFailure()
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
			return Result{
				StatusCode: status,
				Body:       string(body),
				Attempts:   attempts,
				Err:        &FetchError{Kind: KindUpstreamHTTP, StatusCode: status, Err: fmt.Errorf("HTTP %d", status)},
			}

		default:
			last = &FetchError{Kind: o.errorKind(), StatusCode: status, Err: o.err}
			if o.err == nil {
				last.Err = fmt.Errorf("HTTP %d", status)
			}
		}

		switch o.kind {
		case outcomeIdentityBlocked:
			slog.Warn("identity blocked, rotating session", "url", url, "status", status)
			c.rotateSession()
		case outcomeProxyAuth:
			slog.Warn("proxy credentials rejected, rotating proxy", "url", url)
			c.rotateProxy()
		case outcomeRateLimited:
			slog.Warn("rate limited, backing off", "url", url, "status", status, "attempt", attempt)
		case outcomeTimeout:
			slog.Warn("request timed out", "url", url, "attempt", attempt)
		case outcomeConnection:
			slog.Warn("connection error, rotating session", "url", url, "err", o.err)
			c.rotateSession()
		}

		if err := c.addJitter(ctx, retryDelay(o, attempt), jitterCap(o)); err != nil {
			return Result{Attempts: attempts, Err: &FetchError{Kind: KindTimeout, Err: err}}
		}

		// rotate away from the rate-limited exit after the backoff
		if o.kind == outcomeRateLimited {
			c.rotateProxy()
		}
	}

	breaker.RecordFailure()
	if last == nil {
		last = &FetchError{Kind: KindUpstreamHTTP, Err: errors.New("max retries exceeded")}
	}
	span.SetStatus(codes.Error, last.Error())
	return Result{Attempts: attempts, Err: last}
}

// Stats is the diagnostics snapshot consumed by monitoring.
type Stats struct {
	TotalRequests    int64
	ProxyRotations   int64
	SessionRotations int64
	PoolSize         int
	Breakers         []BreakerSnapshot
}

func (c *Client) Stats() Stats {
	counters := c.limiter.Counters()
	return Stats{
		TotalRequests:    counters.TotalRequests,
		ProxyRotations:   c.proxyRotations.Load(),
		SessionRotations: c.sessionRotations.Load(),
		PoolSize:         c.pool.Size(),
		Breakers:         c.breakers.Snapshots(),
	}
}
