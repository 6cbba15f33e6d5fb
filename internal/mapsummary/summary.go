// Package mapsummary renders GeoJSON snapshots of recently active public
// instruments per pollutant, cached under hour aligned keys.
package mapsummary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"

	"go.uber.org/zap"
)

// ErrUnknownPollutant is returned for pollutants outside the allowed list.
var ErrUnknownPollutant = errors.New("mapsummary: unknown pollutant")

// TTL is the lifetime of a cached summary.
const TTL = time.Hour

// Source lists map candidates and their latest observation.
type Source interface {
	// MapCandidates returns non-private instruments updated at or after since.
	MapCandidates(ctx context.Context, since time.Time) ([]instruments.Instrument, error)
	LatestObservation(ctx context.Context, inst instruments.Instrument) (*instruments.Observation, error)
}

// Hook observes cache lookups.
type Hook func(hit bool)

// Service builds and caches map summaries.
type Service struct {
	source  Source
	cache   Cache
	allowed map[string]struct{}
	maxAge  time.Duration
	baseURL string
	logger  *zap.Logger
	onCache Hook
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCacheHook registers a cache hit/miss observer.
func WithCacheHook(h Hook) Option {
	return func(s *Service) { s.onCache = h }
}

// NewService constructs a map summary service.
func NewService(source Source, cache Cache, pollutants []string, maxAge time.Duration, baseURL string, logger *zap.Logger, opts ...Option) (*Service, error) {
	if source == nil {
		return nil, errors.New("mapsummary: nil source")
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{}, len(pollutants))
	for _, p := range pollutants {
		allowed[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	s := &Service{
		source:  source,
		cache:   cache,
		allowed: allowed,
		maxAge:  maxAge,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Key returns the cache key of a pollutant for a cutoff bucket.
func Key(pollutant string, bucket time.Time) string {
	return fmt.Sprintf("map:%s:%d", pollutant, bucket.Unix())
}

// Summary returns the FeatureCollection JSON of a pollutant.
func (s *Service) Summary(ctx context.Context, pollutant string) ([]byte, error) {
	pollutant = strings.ToLower(strings.TrimSpace(pollutant))
	if _, ok := s.allowed[pollutant]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPollutant, pollutant)
	}
	since := s.now().UTC().Add(-s.maxAge).Truncate(time.Hour)
	key := Key(pollutant, since)

	if data, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("mapsummary: cache get failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		s.observe(true)
		return data, nil
	}
	s.observe(false)

	collection, err := s.build(ctx, pollutant, since)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(collection)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, data, TTL); err != nil {
		s.logger.Warn("mapsummary: cache set failed", zap.String("key", key), zap.Error(err))
	}
	return data, nil
}

func (s *Service) observe(hit bool) {
	if s.onCache != nil {
		s.onCache(hit)
	}
}

func (s *Service) build(ctx context.Context, pollutant string, since time.Time) (FeatureCollection, error) {
	candidates, err := s.source.MapCandidates(ctx, since)
	if err != nil {
		return FeatureCollection{}, err
	}
	fc := FeatureCollection{Type: "FeatureCollection", Features: []Feature{}}
	for _, inst := range candidates {
		if inst.Private {
			continue
		}
		lat, lon, ok := inst.Coordinates()
		if !ok {
			continue
		}
		fam, ok := registry.Lookup(inst.Family)
		if !ok || !fam.HasTable() || fam.Project == nil {
			continue
		}
		latest, err := s.source.LatestObservation(ctx, inst)
		if err != nil {
			return FeatureCollection{}, err
		}
		if latest == nil {
			continue
		}
		value, unit, ok := fam.Project(inst, latest.Values, pollutant)
		if !ok {
			continue
		}
		fc.Features = append(fc.Features, Feature{
			Type:     "Feature",
			Geometry: Geometry{Type: "Point", Coordinates: []float64{lon, lat}},
			Properties: map[string]any{
				"title":       inst.SN,
				"description": inst.Description,
				"location":    inst.Place(),
				"value":       value,
				"unit":        unit,
				"flag":        latest.Values["flag"],
				"timestamp":   latest.Timestamp.UTC().Format(time.RFC3339),
				"public":      !inst.Private,
				"data_id":     latest.ID,
				"url":         fmt.Sprintf("%s/device/%s", s.baseURL, inst.SN),
			},
		})
	}
	return fc, nil
}

// FeatureCollection is a GeoJSON feature collection.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Feature is a GeoJSON point feature.
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}

// Geometry is a GeoJSON geometry.
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}
