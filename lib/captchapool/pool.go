package captchapool

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Token is a pre-solved challenge response with a usage budget. It is
// excluded from the pool once it has been used MaxUses times or its TTL
// elapses, whichever comes first.
type Token struct {
	Value     string
	CreatedAt time.Time
	UsedCount int
	MaxUses   int
	TTL       time.Duration
}

func (t *Token) spent(now time.Time) bool {
	return t.UsedCount >= t.MaxUses || now.Sub(t.CreatedAt) > t.TTL
}

type Options struct {
	MinCached      int           `json:"min_cached"`
	MaxCached      int           `json:"max_cached"`
	MaxUses        int           `json:"max_uses"`
	TokenTTL       time.Duration `json:"token_ttl"`
	RefillInterval time.Duration `json:"refill_interval"`

	// the challenge being pre-solved
	SiteKey  string `json:"site_key"`
	PageURL  string `json:"page_url"`
	TaskType string `json:"task_type"`
}

func (o *Options) applyDefaults() {
	if o.MinCached <= 0 {
		o.MinCached = 2
	}
	if o.MaxCached < o.MinCached {
		o.MaxCached = 5
	}
	if o.MaxUses <= 0 {
		o.MaxUses = 3
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = 5 * time.Minute
	}
	if o.RefillInterval <= 0 {
		o.RefillInterval = 30 * time.Second
	}
}

// Pool holds warm tokens, refilled by a single background worker. The
// foreground path only ever takes the lock briefly to acquire a token; the
// worker never holds it across a solve round-trip.
type Pool struct {
	solver *Solver
	opts   Options

	mu     sync.Mutex
	tokens []*Token

	solves   int64
	failures int64

	now func() time.Time
}

func NewPool(solver *Solver, opts Options) *Pool {
	opts.applyDefaults()
	return &Pool{
		solver: solver,
		opts:   opts,
		now:    time.Now,
	}
}

// Acquire hands out a warm token value if one is live. The caller falls
// back to SolveNow when it reports none.
func (p *Pool) Acquire() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.purgeLocked(now)

	if len(p.tokens) == 0 {
		return "", false
	}

	token := p.tokens[0]
	token.UsedCount++
	value := token.Value
	if token.UsedCount >= token.MaxUses {
		p.tokens = p.tokens[1:]
	}
	return value, true
}

// SolveNow is the synchronous slow path for when the pool is dry. The
// result is used directly, not inserted back into the pool.
func (p *Pool) SolveNow(ctx context.Context) (string, error) {
	slog.Warn("captcha pool empty, solving synchronously")
	return p.solver.Solve(ctx, p.task())
}

// Invalidate drops every cached token, forcing fresh solves.
func (p *Pool) Invalidate() {
	p.mu.Lock()
	p.tokens = nil
	p.mu.Unlock()
	slog.Info("captcha token pool invalidated")
}

func (p *Pool) task() Task {
	return Task{
		Type:       p.opts.TaskType,
		WebsiteURL: p.opts.PageURL,
		WebsiteKey: p.opts.SiteKey,
	}
}

func (p *Pool) purgeLocked(now time.Time) {
	live := p.tokens[:0]
	for _, t := range p.tokens {
		if !t.spent(now) {
			live = append(live, t)
		}
	}
	p.tokens = live
}

func (p *Pool) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purgeLocked(p.now())
	return len(p.tokens)
}

// Run is the background refill daemon. Solve failures are logged and the
// loop continues with its next cycle.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refill(ctx)
		}
	}
}

func (p *Pool) refill(ctx context.Context) {
	live := p.liveCount()
	if live >= p.opts.MinCached {
		return
	}

	needed := p.opts.MaxCached - live
	slog.Info("refilling captcha token pool", "live", live, "solving", needed)

	for i := 0; i < needed; i++ {
		if ctx.Err() != nil {
			return
		}

		// solve without holding the pool lock
		value, err := p.solver.Solve(ctx, p.task())
		if err != nil {
			p.mu.Lock()
			p.failures++
			p.mu.Unlock()
			slog.Warn("background captcha solve failed", "err", err)
			continue
		}

		p.mu.Lock()
		p.tokens = append(p.tokens, &Token{
			Value:     value,
			CreatedAt: p.now(),
			MaxUses:   p.opts.MaxUses,
			TTL:       p.opts.TokenTTL,
		})
		p.solves++
		p.mu.Unlock()
	}
}

type PoolStats struct {
	Live      int
	MinCached int
	MaxCached int
	Solves    int64
	Failures  int64
}

func (p *Pool) Stats() PoolStats {
	live := p.liveCount()
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Live:      live,
		MinCached: p.opts.MinCached,
		MaxCached: p.opts.MaxCached,
		Solves:    p.solves,
		Failures:  p.failures,
	}
}
