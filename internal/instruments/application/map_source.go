package application

import (
	"context"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
)

// MapSource feeds the map summary from the store.
type MapSource struct {
	Store Store
}

// MapCandidates lists public instruments with coordinates updated at or after since.
func (m MapSource) MapCandidates(ctx context.Context, since time.Time) ([]instruments.Instrument, error) {
	all, err := m.Store.Instruments().UpdatedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	out := make([]instruments.Instrument, 0, len(all))
	for _, inst := range all {
		if !inst.Private && inst.HasCoordinates() {
			out = append(out, inst)
		}
	}
	return out, nil
}

// LatestObservation returns the newest observation, nil for families without storage.
func (m MapSource) LatestObservation(ctx context.Context, inst instruments.Instrument) (*instruments.Observation, error) {
	fam, ok := registry.Lookup(inst.Family)
	if !ok || !fam.HasTable() {
		return nil, nil
	}
	return m.Store.Observations().Latest(ctx, fam, inst.SN)
}
