// Package encar consumes the Korean car marketplace catalog API through the
// resilient fetch pipeline. Responses are JSON passed through opaquely; the
// service owns caching and static fallback, not parsing.
package encar

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"motortrade-backend/lib/proxyclient"
	"motortrade-backend/lib/requestcache"
	"motortrade-backend/lib/snapshotstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"log/slog"
)

var tracer = otel.Tracer("services/encar")

const DefaultBaseURL = "https://encar-proxy.habsida.net"

type Options struct {
	// catalog API origin, DefaultBaseURL if empty
	BaseURL string
}

type Service struct {
	client    *proxyclient.Client
	cache     *requestcache.Cache
	snapshots *snapshotstore.Store
	baseURL   string
}

// NewService wires the shared fetch client, the process-scoped response
// cache and the static fallback store. snapshots may be nil to disable
// fallback.
func NewService(client *proxyclient.Client, cache *requestcache.Cache, snapshots *snapshotstore.Store, opts Options) Service {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return Service{
		client:    client,
		cache:     cache,
		snapshots: snapshots,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
	}
}

// checkJSONEnvelope rejects 200 bodies that are not the JSON the catalog
// API serves: empty responses and HTML block pages.
func checkJSONEnvelope(body []byte) error {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Errorf("%w: empty response", proxyclient.ErrMalformedBody)
	}
	if strings.HasPrefix(trimmed, "<!DOCTYPE") || strings.HasPrefix(trimmed, "<html") {
		return errors.New("received HTML instead of JSON")
	}
	return nil
}

// encodedQuery renders params sorted and fully escaped. The upstream is
// picky about pipe characters in filter expressions, so the primary URL
// carries %7C.
func encodedQuery(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

// rawQuery renders params sorted but unescaped, the backup form some
// deployments of the upstream accept when the escaped one 400s.
func rawQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

func (s Service) fetch(ctx context.Context, class, endpoint string, params map[string]string) (string, error) {
	ctx, span := tracer.Start(ctx, "fetch")
	defer span.End()

	baseURL := s.baseURL + endpoint
	span.SetAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("class", class),
	)

	key := requestcache.Key(class, baseURL, params)
	if payload, ok := s.cache.Get(key); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		return payload, nil
	}

	primary, backup := baseURL, baseURL
	if len(params) > 0 {
		primary += "?" + encodedQuery(params)
		backup += "?" + rawQuery(params)
	}

	result := s.client.Fetch(ctx, primary, proxyclient.FetchOptions{
		Class:         class,
		CheckEnvelope: checkJSONEnvelope,
	})
	if !result.Success && backup != primary {
		// backup form with unescaped parameters
		slog.WarnContext(ctx, "primary catalog URL failed, trying backup",
			"endpoint", endpoint, "err", result.Err)
		result = s.client.Fetch(ctx, backup, proxyclient.FetchOptions{
			Class:         class,
			CheckEnvelope: checkJSONEnvelope,
		})
	}

	if result.Success {
		s.cache.Set(key, result.Body, 0)
		if s.snapshots != nil {
			if err := s.snapshots.Put(ctx, class, key, result.Body); err != nil {
				slog.WarnContext(ctx, "failed to persist snapshot", "key", key, "err", err)
			}
		}
		return result.Body, nil
	}

	if s.snapshots != nil && proxyclient.IsUnavailable(result.Err) {
		snap, err := s.snapshots.Get(ctx, class, key)
		if err == nil {
			slog.WarnContext(ctx, "serving stale snapshot, upstream unavailable",
				"key", key, "fetched_at", snap.FetchedAt, "cause", result.Err)
			span.SetAttributes(attribute.Bool("stale_fallback", true))
			return snap.Payload, nil
		}
		if !errors.Is(err, snapshotstore.ErrNotFound) {
			slog.ErrorContext(ctx, "snapshot lookup failed", "key", key, "err", err)
		}
	}

	span.RecordError(result.Err)
	span.SetStatus(codes.Error, result.Err.Error())
	return "", result.Err
}

// Catalog proxies a catalog search. q is the filter expression, sr the
// sort/range clause.
func (s Service) Catalog(ctx context.Context, q, sr string) (string, error) {
	ctx, span := tracer.Start(ctx, "Catalog")
	defer span.End()

	return s.fetch(ctx, proxyclient.ClassSearch, "/api/catalog", map[string]string{
		"count": "true",
		"q":     q,
		"sr":    sr,
	})
}

// Nav proxies a navigation (facet tree) query.
func (s Service) Nav(ctx context.Context, q, inav, count string) (string, error) {
	ctx, span := tracer.Start(ctx, "Nav")
	defer span.End()

	if count == "" {
		count = "true"
	}
	return s.fetch(ctx, proxyclient.ClassBrands, "/api/nav", map[string]string{
		"count": count,
		"q":     q,
		"inav":  inav,
	})
}

// Inspection fetches the per-vehicle inspection record.
func (s Service) Inspection(ctx context.Context, vehicleID string) (string, error) {
	ctx, span := tracer.Start(ctx, "Inspection")
	defer span.End()
	span.SetAttributes(attribute.String("vehicle_id", vehicleID))

	return s.fetch(ctx, proxyclient.ClassDetail, "/api/inspection/"+url.PathEscape(vehicleID), nil)
}

type ServiceStats struct {
	Cache requestcache.Stats
	Fetch proxyclient.Stats
}

func (s Service) Stats() ServiceStats {
	return ServiceStats{
		Cache: s.cache.Stats(),
		Fetch: s.client.Stats(),
	}
}
