package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/instruments/application"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/query"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithinTxDiscardsFailedWork(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx application.Repositories) error {
		require.NoError(t, tx.Instruments().Create(ctx, &instruments.Instrument{SN: "A", Family: instruments.FamilyEBAM}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	inst, err := s.Instruments().Get(ctx, "A")
	require.NoError(t, err)
	assert.Nil(t, inst)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx application.Repositories) error {
		return tx.Instruments().Create(ctx, &instruments.Instrument{SN: "A", Family: instruments.FamilyEBAM})
	}))
	inst, err = s.Instruments().Get(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, int64(1), inst.ID)
}

func TestInstrumentConflicts(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	require.NoError(t, s.Instruments().Create(ctx, &instruments.Instrument{SN: "A", Family: instruments.FamilyMIT, ParticleID: "p1"}))
	err := s.Instruments().Create(ctx, &instruments.Instrument{SN: "A", Family: instruments.FamilyMIT})
	assert.ErrorIs(t, err, instruments.ErrConflict)
	err = s.Instruments().Create(ctx, &instruments.Instrument{SN: "B", Family: instruments.FamilyMIT, ParticleID: "p1"})
	assert.ErrorIs(t, err, instruments.ErrConflict)

	got, err := s.Instruments().GetByParticleID(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A", got.SN)
}

func TestInstrumentPagingWithTiedSortKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for _, sn := range []string{"E6", "E2", "E4", "E1", "E5", "E3"} {
		require.NoError(t, s.Instruments().Create(ctx, &instruments.Instrument{SN: sn, Family: instruments.FamilyEBAM, City: "Delhi"}))
	}
	city := query.Field{Name: "city", Column: "city", Kind: query.KindString}

	var seen []string
	for off := 0; off < 6; off++ {
		w := query.Window{Orderings: []query.Ordering{{Field: city}}, Limit: 1, Offset: off}
		rows, err := s.Instruments().List(ctx, instruments.Visibility{All: true}, w)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		seen = append(seen, rows[0].SN)
	}
	assert.Equal(t, []string{"E1", "E2", "E3", "E4", "E5", "E6"}, seen)
}

func TestObservationPagingAndRange(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	fam := registry.MustLookup(instruments.FamilyEBAM)
	base := time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		obs := &instruments.Observation{
			Family:    fam.Name,
			SN:        "E1",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Values:    instruments.Record{"conc_hr": float64(i)},
		}
		require.NoError(t, s.Observations().Insert(ctx, fam, obs))
		assert.Equal(t, int64(i+1), obs.ID)
	}

	latest, err := s.Observations().Latest(ctx, fam, "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest.ID)

	rows, err := s.Observations().List(ctx, fam, "E1", query.Window{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(4), rows[0].ID)

	rows, err = s.Observations().Range(ctx, fam, "E1", base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(2), rows[0].ID)
	assert.Equal(t, int64(4), rows[2].ID)

	rows, err = s.Observations().Range(ctx, fam, "E1", base.Add(2*time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].ID)

	preds := []query.Predicate{{Field: query.Field{Name: "conc_hr", Kind: query.KindFloat}, Op: query.OpGe, Value: 3.0}}
	n, err := s.Observations().Count(ctx, fam, "E1", preds)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPrincipalByToken(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	user := &instruments.User{Email: "r@example.com", Role: "Researcher", Permissions: 0x0b}
	require.NoError(t, s.Users().CreateUser(ctx, user))
	s.AddGroupMember(user.ID, 7)
	require.NoError(t, s.Credentials().Create(ctx, &instruments.Credential{Key: "USERKEY", UserID: &user.ID}))
	require.NoError(t, s.Credentials().Create(ctx, &instruments.Credential{Key: "DEVKEY", InstrumentSN: "E1"}))

	p, err := s.PrincipalByToken(ctx, "USERKEY")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, p.Permissions.Has(auth.PermViewResearchData))
	assert.Equal(t, []int64{7}, p.GroupIDs)

	p, err = s.PrincipalByToken(ctx, "DEVKEY")
	require.NoError(t, err)
	assert.True(t, p.IsDevice())
	assert.Equal(t, auth.DevicePermissions, p.Permissions)

	p, err = s.PrincipalByToken(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, p)
}
