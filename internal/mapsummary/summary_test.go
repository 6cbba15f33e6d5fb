package mapsummary

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	calls  int
	insts  []instruments.Instrument
	latest map[string]*instruments.Observation
}

func (f *fakeSource) MapCandidates(_ context.Context, since time.Time) ([]instruments.Instrument, error) {
	f.calls++
	var out []instruments.Instrument
	for _, inst := range f.insts {
		if !inst.Private && !inst.LastUpdated.Before(since) {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (f *fakeSource) LatestObservation(_ context.Context, inst instruments.Instrument) (*instruments.Observation, error) {
	return f.latest[inst.SN], nil
}

func newFakeSource(now time.Time) *fakeSource {
	return &fakeSource{
		insts: []instruments.Instrument{
			{SN: "EBAM1", Family: instruments.FamilyEBAM, Latitude: "28.6", Longitude: "77.2", City: "Delhi", LastUpdated: now.Add(-time.Hour)},
			{SN: "MIT1", Family: instruments.FamilyMIT, Latitude: "28.5", Longitude: "77.1", LastUpdated: now.Add(-2 * time.Hour)},
			{SN: "OLD", Family: instruments.FamilyEBAM, Latitude: "1", Longitude: "1", LastUpdated: now.Add(-48 * time.Hour)},
			{SN: "NOGEO", Family: instruments.FamilyEBAM, LastUpdated: now},
			{SN: "SECRET", Family: instruments.FamilyEBAM, Latitude: "1", Longitude: "1", Private: true, LastUpdated: now},
		},
		latest: map[string]*instruments.Observation{
			"EBAM1": {ID: 3, SN: "EBAM1", Timestamp: now, Values: instruments.Record{"conc_hr": 40.0, "flag": int64(0)}},
			"MIT1":  {ID: 4, SN: "MIT1", Timestamp: now, Values: instruments.Record{"pm25": 55.0}},
			"NOGEO": {ID: 5, SN: "NOGEO", Timestamp: now, Values: instruments.Record{"conc_hr": 1.0}},
		},
	}
}

func TestSummaryFiltersAndProjects(t *testing.T) {
	now := time.Date(2018, 5, 1, 12, 30, 0, 0, time.UTC)
	src := newFakeSource(now)
	svc, err := NewService(src, NewMemoryCache(), []string{"so2", "pm25"}, 12*time.Hour, "http://api", zap.NewNop(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	data, err := svc.Summary(context.Background(), "PM25")
	require.NoError(t, err)
	var fc FeatureCollection
	require.NoError(t, json.Unmarshal(data, &fc))
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "EBAM1", fc.Features[0].Properties["title"])
	assert.Equal(t, 40.0, fc.Features[0].Properties["value"])
	assert.Equal(t, []float64{77.2, 28.6}, fc.Features[0].Geometry.Coordinates)
	assert.Equal(t, "Delhi", fc.Features[0].Properties["location"])

	_, err = svc.Summary(context.Background(), "co")
	assert.ErrorIs(t, err, ErrUnknownPollutant)
}

func TestSummaryUsesRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	now := time.Date(2018, 5, 1, 12, 30, 0, 0, time.UTC)
	src := newFakeSource(now)

	var hits, misses int
	svc, err := NewService(src, NewRedisCache(client), []string{"pm25"}, 12*time.Hour, "", nil,
		WithClock(func() time.Time { return now }),
		WithCacheHook(func(hit bool) {
			if hit {
				hits++
			} else {
				misses++
			}
		}))
	require.NoError(t, err)

	first, err := svc.Summary(context.Background(), "pm25")
	require.NoError(t, err)
	second, err := svc.Summary(context.Background(), "pm25")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)

	key := Key("pm25", now.Add(-12*time.Hour).Truncate(time.Hour))
	assert.True(t, mr.Exists(key))
	assert.Equal(t, TTL, mr.TTL(key))
}

func TestMemoryCacheExpires(t *testing.T) {
	cache := NewMemoryCache()
	now := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	require.NoError(t, cache.Set(context.Background(), "k", []byte("v"), time.Minute))
	_, ok, _ := cache.Get(context.Background(), "k")
	assert.True(t, ok)
	now = now.Add(2 * time.Minute)
	_, ok, _ = cache.Get(context.Background(), "k")
	assert.False(t, ok)
}
