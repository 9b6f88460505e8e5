// Package customs calculates import duties through a calculator site that
// gates its AJAX endpoint behind reCAPTCHA. Challenge tokens come from the
// warm pool; results are cached for a day since duty tables change rarely.
package customs

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"motortrade-backend/lib/captchapool"
	"motortrade-backend/lib/proxyclient"
	"motortrade-backend/lib/requestcache"

	"github.com/PuerkitoBio/goquery"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"log/slog"
)

var tracer = otel.Tracer("services/customs")

const (
	DefaultBaseURL = "https://www.tks.ru"
	calculatorPath = "/auto/calc/"
	resultCacheTTL = 24 * time.Hour
	cacheClass     = "customs"
)

// matches the inline `sitekey: "..."` form some page revisions use instead
// of the data-sitekey attribute
var siteKeyScriptRe = regexp.MustCompile(`sitekey["']?\s*:\s*["']([^"']+)["']`)

type Options struct {
	BaseURL string
	// used when the calculator page yields no site key
	FallbackSiteKey string
}

type Service struct {
	client *proxyclient.Client
	pool   *captchapool.Pool
	solver *captchapool.Solver
	cache  *requestcache.Cache

	baseURL         string
	fallbackSiteKey string

	mu      sync.Mutex
	siteKey string
}

func NewService(client *proxyclient.Client, solver *captchapool.Solver, pool *captchapool.Pool, cache *requestcache.Cache, opts Options) *Service {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Service{
		client:          client,
		pool:            pool,
		solver:          solver,
		cache:           cache,
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		fallbackSiteKey: opts.FallbackSiteKey,
	}
}

// Request holds the calculator inputs. String fields carry the site's own
// enum codes.
type Request struct {
	Cost     int
	Currency string
	// engine displacement in cc
	Volume int
	// horsepower
	Power      int
	PowerUnit  string
	Country    string
	EngineType string
	Age        string
	// private or legal entity
	Face   string
	TsType string
}

func (r Request) params() map[string]string {
	return map[string]string{
		"cost":        strconv.Itoa(r.Cost),
		"currency":    r.Currency,
		"volume":      strconv.Itoa(r.Volume),
		"power":       strconv.Itoa(r.Power),
		"power_edizm": r.PowerUnit,
		"country":     r.Country,
		"engine_type": r.EngineType,
		"age":         r.Age,
		"face":        r.Face,
		"ts_type":     r.TsType,
	}
}

// SiteKey returns the calculator's reCAPTCHA site key, scraping it from the
// page on first use and memoizing it for the process lifetime.
func (s *Service) SiteKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	cached := s.siteKey
	s.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	ctx, span := tracer.Start(ctx, "SiteKey")
	defer span.End()

	result := s.client.Fetch(ctx, s.baseURL+calculatorPath, proxyclient.FetchOptions{
		Class: proxyclient.ClassGeneric,
	})
	if !result.Success {
		if s.fallbackSiteKey != "" {
			slog.WarnContext(ctx, "calculator page unreachable, using fallback site key", "err", result.Err)
			return s.fallbackSiteKey, nil
		}
		span.SetStatus(codes.Error, result.Err.Error())
		return "", fmt.Errorf("fetch calculator page: %w", result.Err)
	}

	key := extractSiteKey(result.Body)
	if key == "" {
		key = s.fallbackSiteKey
	}
	if key == "" {
		span.SetStatus(codes.Error, "no site key found")
		return "", fmt.Errorf("no reCAPTCHA site key on calculator page")
	}

	s.mu.Lock()
	s.siteKey = key
	s.mu.Unlock()
	span.SetAttributes(attribute.String("site_key", key))
	return key, nil
}

func extractSiteKey(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil {
		if key, ok := doc.Find("[data-sitekey]").First().Attr("data-sitekey"); ok && key != "" {
			return key
		}
	}
	if m := siteKeyScriptRe.FindStringSubmatch(html); m != nil {
		return m[1]
	}
	return ""
}

// token takes a warm pool token when available, else pays for a synchronous
// solve.
func (s *Service) token(ctx context.Context) (string, error) {
	if value, ok := s.pool.Acquire(); ok {
		return value, nil
	}
	return s.pool.SolveNow(ctx)
}

// Calculate runs one duty calculation. The raw calculator payload is
// returned for the parsing layer; results are cached for resultCacheTTL
// keyed by the full input set.
func (s *Service) Calculate(ctx context.Context, req Request) (string, error) {
	ctx, span := tracer.Start(ctx, "Calculate")
	defer span.End()
	span.SetAttributes(
		attribute.Int("cost", req.Cost),
		attribute.Int("volume", req.Volume),
		attribute.Int("power", req.Power),
	)

	calcURL := s.baseURL + calculatorPath
	key := requestcache.Key(cacheClass, calcURL, req.params())
	if payload, ok := s.cache.Get(key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return payload, nil
	}

	token, err := s.token(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("obtain captcha token: %w", err)
	}

	query := req.params()
	query["mode"] = "ajax"
	query["t"] = "1"
	query["captcha"] = token

	result := s.client.Fetch(ctx, calcURL, proxyclient.FetchOptions{
		Class: proxyclient.ClassGeneric,
		Query: query,
	})
	if !result.Success {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
		return "", result.Err
	}

	s.cache.Set(key, result.Body, resultCacheTTL)
	return result.Body, nil
}

// Balance reports the solving service's remaining credit.
func (s *Service) Balance(ctx context.Context) (float64, error) {
	return s.solver.Balance(ctx)
}

type ServiceStats struct {
	Cache requestcache.Stats
	Pool  captchapool.PoolStats
}

func (s *Service) Stats() ServiceStats {
	return ServiceStats{
		Cache: s.cache.Stats(),
		Pool:  s.pool.Stats(),
	}
}

// PageURL is where the challenge is presented, for pool configuration.
func (s *Service) PageURL() string {
	return s.baseURL + calculatorPath
}
