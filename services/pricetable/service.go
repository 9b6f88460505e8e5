// Package pricetable answers Kazakhstan customs price lookups from an
// imported reference table, with fuzzy model-name resolution for the messy
// names marketplaces emit.
package pricetable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"motortrade-backend/lib/snapshotstore"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"log/slog"
)

var tracer = otel.Tracer("services/pricetable")

const (
	snapshotClass = "pricetable"
	snapshotKey   = "kz"

	// engine volume match window in liters
	volumeTolerance = 0.2
)

var ErrNoMatch = errors.New("no price table match")

// Row is one reference price entry. Volume is liters, rounded to one
// decimal in the source table.
type Row struct {
	Manufacturer string  `json:"manufacturer"`
	Model        string  `json:"model"`
	Volume       float64 `json:"volume"`
	Year         int     `json:"year"`
	PriceUSD     float64 `json:"price_usd"`
}

type Service struct {
	store *snapshotstore.Store

	mu   sync.RWMutex
	rows []Row
}

func NewService(store *snapshotstore.Store) *Service {
	return &Service{store: store}
}

// Import replaces the reference table, persisting it so restarts keep the
// last imported copy.
func (s *Service) Import(ctx context.Context, rows []Row) error {
	ctx, span := tracer.Start(ctx, "Import")
	defer span.End()
	span.SetAttributes(attribute.Int("rows", len(rows)))

	normalized := make([]Row, len(rows))
	for i, r := range rows {
		r.Manufacturer = strings.ToLower(strings.TrimSpace(r.Manufacturer))
		r.Model = strings.ToLower(strings.TrimSpace(r.Model))
		r.Volume = math.Round(r.Volume*10) / 10
		normalized[i] = r
	}

	payload, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, snapshotClass, snapshotKey, string(payload)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("persist price table: %w", err)
	}

	s.mu.Lock()
	s.rows = normalized
	s.mu.Unlock()

	slog.InfoContext(ctx, "price table imported", "rows", len(normalized))
	return nil
}

// Load restores the last imported table from the store.
func (s *Service) Load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Load")
	defer span.End()

	snap, err := s.store.Get(ctx, snapshotClass, snapshotKey)
	if errors.Is(err, snapshotstore.ErrNotFound) {
		slog.WarnContext(ctx, "no persisted price table, lookups will fail until import")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var rows []Row
	if err := json.Unmarshal([]byte(snap.Payload), &rows); err != nil {
		return fmt.Errorf("decode persisted price table: %w", err)
	}

	s.mu.Lock()
	s.rows = rows
	s.mu.Unlock()
	span.SetAttributes(attribute.Int("rows", len(rows)))
	return nil
}

func (s *Service) snapshotRows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows
}

// knownModels lists the distinct models a manufacturer has in the table.
func (s *Service) knownModels(manufacturer string) []string {
	seen := map[string]bool{}
	var models []string
	for _, r := range s.snapshotRows() {
		if r.Manufacturer != manufacturer || seen[r.Model] {
			continue
		}
		seen[r.Model] = true
		models = append(models, r.Model)
	}
	return models
}

// Lookup resolves a price in USD. The model name goes through the mapping
// table, then through edit-distance matching against the manufacturer's
// known models; year matching relaxes from exact to ±1 to closest.
func (s *Service) Lookup(ctx context.Context, manufacturer, model string, volume float64, year int) (float64, error) {
	_, span := tracer.Start(ctx, "Lookup")
	defer span.End()

	manufacturer = strings.ToLower(strings.TrimSpace(manufacturer))
	mapped := MapModel(model)
	volume = math.Round(volume*10) / 10

	span.SetAttributes(
		attribute.String("manufacturer", manufacturer),
		attribute.String("model", mapped),
		attribute.Float64("volume", volume),
		attribute.Int("year", year),
	)

	rows := s.snapshotRows()
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: table not loaded", ErrNoMatch)
	}

	if price, ok := s.match(rows, manufacturer, mapped, volume, year); ok {
		return price, nil
	}

	// the mapped name may still be off; retry with the nearest model the
	// manufacturer actually has
	if fuzzy, ok := closestModel(mapped, s.knownModels(manufacturer)); ok && fuzzy != mapped {
		slog.DebugContext(ctx, "fuzzy model name match", "from", mapped, "to", fuzzy)
		span.SetAttributes(attribute.String("fuzzy_model", fuzzy))
		if price, ok := s.match(rows, manufacturer, fuzzy, volume, year); ok {
			return price, nil
		}
	}

	span.SetStatus(codes.Error, "no match")
	return 0, fmt.Errorf("%w: %s %s %.1fL %d", ErrNoMatch, manufacturer, model, volume, year)
}

// match tries exact year, then ±1, then the closest year within the volume
// window.
func (s *Service) match(rows []Row, manufacturer, model string, volume float64, year int) (float64, bool) {
	volumeOK := func(r Row) bool {
		return r.Volume == 0 || math.Abs(r.Volume-volume) <= volumeTolerance
	}

	for _, r := range rows {
		if r.Manufacturer == manufacturer && r.Model == model && r.Year == year && volumeOK(r) {
			return r.PriceUSD, true
		}
	}

	for _, offset := range []int{-1, 1} {
		for _, r := range rows {
			if r.Manufacturer == manufacturer && r.Model == model && r.Year == year+offset && volumeOK(r) {
				return r.PriceUSD, true
			}
		}
	}

	best := Row{}
	bestDiff := -1
	for _, r := range rows {
		if r.Manufacturer != manufacturer || r.Model != model || !volumeOK(r) {
			continue
		}
		diff := r.Year - year
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best = r
			bestDiff = diff
		}
	}
	if bestDiff >= 0 {
		return best.PriceUSD, true
	}
	return 0, false
}

// Size reports how many rows are loaded.
func (s *Service) Size() int {
	return len(s.snapshotRows())
}
