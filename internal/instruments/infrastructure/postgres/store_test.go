package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/instruments/application"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/query"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var instrumentCols = []string{"id", "sn", "discriminator", "particle_id", "ip", "latitude", "longitude",
	"location", "city", "country", "timezone", "outdoors", "model", "description", "private", "active",
	"owner_id", "group_id", "created", "last_updated", "slots"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store, err := NewStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestNewStoreRejectsNilDB(t *testing.T) {
	_, err := NewStore(nil)
	assert.Error(t, err)
}

func TestInstrumentGetDecodesSlots(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2017, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(instrumentCols).AddRow(
		int64(3), "MIT1", "mit", "core-1", "", "42.36", "-71.09", "Cambridge", "Boston", "US", "America/New_York",
		true, "", "", false, true, int64(1), nil, created, nil, []byte(`{"co": 7}`),
	)
	mock.ExpectQuery("FROM instruments WHERE sn = \\$1 LIMIT 1").WithArgs("MIT1").WillReturnRows(rows)

	inst, err := store.Instruments().Get(context.Background(), "MIT1")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, instruments.FamilyMIT, inst.Family)
	assert.Equal(t, "core-1", inst.ParticleID)
	assert.Equal(t, int64(7), inst.Models[instruments.SlotCO])
	assert.Nil(t, inst.GroupID)
	assert.True(t, inst.LastUpdated.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstrumentGetMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM instruments WHERE sn").WithArgs("NOPE").WillReturnRows(sqlmock.NewRows(instrumentCols))
	inst, err := store.Instruments().Get(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestInstrumentCountAppliesScopeBeforePredicates(t *testing.T) {
	store, mock := newMockStore(t)
	uid := int64(4)
	scope := instruments.Visibility{UserID: &uid, GroupIDs: []int64{2, 5}}
	preds := []query.Predicate{{Field: query.Field{Name: "city", Column: "city"}, Op: query.OpEq, Value: "Delhi"}}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM instruments WHERE (private = FALSE OR owner_id = $1 OR group_id IN ($2, $3)) AND "city" = $4`)).
		WithArgs(uid, int64(2), int64(5), "Delhi").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.Instruments().Count(context.Background(), scope, preds)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstrumentListBreaksTiesOnSN(t *testing.T) {
	store, mock := newMockStore(t)
	city := query.Field{Name: "city", Column: "city"}
	w := query.Window{Orderings: []query.Ordering{{Field: city}}, Limit: 1, Offset: 3}

	mock.ExpectQuery(regexp.QuoteMeta(`FROM instruments ORDER BY "city" ASC, sn ASC LIMIT 1 OFFSET 3`)).
		WillReturnRows(sqlmock.NewRows(instrumentCols))

	_, err := store.Instruments().List(context.Background(), instruments.Visibility{All: true}, w)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstrumentCreateConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO instruments").WillReturnError(&pgconn.PgError{Code: "23505"})
	err := store.Instruments().Create(context.Background(), &instruments.Instrument{SN: "MIT1", Family: instruments.FamilyMIT})
	assert.ErrorIs(t, err, instruments.ErrConflict)
}

func TestInstrumentDeleteMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM instruments WHERE sn = \\$1").WithArgs("NOPE").WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.Instruments().Delete(context.Background(), "NOPE")
	assert.ErrorIs(t, err, instruments.ErrNotFound)
}

func TestObservationRangeIncludesEnd(t *testing.T) {
	store, mock := newMockStore(t)
	fam := registry.MustLookup(instruments.FamilyEBAM)
	start := time.Date(2018, 3, 8, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	cols := []string{"id", "instr_sn", "timestamp"}
	values := []driver.Value{int64(1), "EBAM1", start.Add(time.Hour)}
	for _, c := range fam.Columns {
		cols = append(cols, c.Name)
		if c.Name == "conc_hr" {
			values = append(values, 12.5)
		} else {
			values = append(values, nil)
		}
	}
	mock.ExpectQuery(regexp.QuoteMeta(`"timestamp" >= $2 AND "timestamp" <= $3`)).
		WithArgs("EBAM1", start, end).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(values...))

	obs, err := store.Observations().Range(context.Background(), fam, "EBAM1", start, end)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 12.5, obs[0].Values["conc_hr"])
	assert.Nil(t, obs[0].Values["conc_rt"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestObservationsWithoutTable(t *testing.T) {
	store, _ := newMockStore(t)
	_, err := store.Observations().Latest(context.Background(), registry.MustLookup(instruments.FamilyGeneric), "G1")
	assert.ErrorIs(t, err, registry.ErrNoTable)
}

func TestObservationInsertReturnsID(t *testing.T) {
	store, mock := newMockStore(t)
	fam := registry.MustLookup(instruments.FamilyEBAM)
	mock.ExpectQuery(`INSERT INTO "ebam_data"`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	obs := &instruments.Observation{SN: "EBAM1", Timestamp: time.Now(), Values: instruments.Record{"conc_hr": 1.0}}
	require.NoError(t, store.Observations().Insert(context.Background(), fam, obs))
	assert.Equal(t, int64(42), obs.ID)
}

func TestWithinTxRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE instruments SET last_updated").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx application.Repositories) error {
		if err := tx.Instruments().Touch(ctx, "EBAM1", time.Now()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipalByToken(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery("FROM api_keys WHERE key").WithArgs("DEVKEY").
		WillReturnRows(sqlmock.NewRows([]string{"instr_sn", "user_id"}).AddRow("MIT1", nil))
	p, err := store.PrincipalByToken(ctx, "DEVKEY")
	require.NoError(t, err)
	assert.True(t, p.IsDevice())
	assert.Equal(t, auth.DevicePermissions, p.Permissions)

	mock.ExpectQuery("FROM api_keys WHERE key").WithArgs("USERKEY").
		WillReturnRows(sqlmock.NewRows([]string{"instr_sn", "user_id"}).AddRow(nil, int64(9)))
	mock.ExpectQuery("FROM users u").WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"email", "permissions"}).AddRow("m@example.com", 0x10))
	mock.ExpectQuery("FROM user_groups").WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(int64(3)))
	p, err = store.PrincipalByToken(ctx, "USERKEY")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "USERKEY", p.Token)
	assert.True(t, p.Permissions.Has(auth.PermAdminister))
	assert.Equal(t, []int64{3}, p.GroupIDs)

	mock.ExpectQuery("FROM api_keys WHERE key").WithArgs("NOPE").
		WillReturnRows(sqlmock.NewRows([]string{"instr_sn", "user_id"}))
	p, err = store.PrincipalByToken(ctx, "NOPE")
	require.NoError(t, err)
	assert.Nil(t, p)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedUpsertsRolesAndGroups(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	for _, role := range auth.Roles {
		mock.ExpectExec("INSERT INTO roles").WithArgs(role.Name, int(role.Permissions), role.Default).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for _, name := range auth.Groups {
		mock.ExpectExec("INSERT INTO groups").WithArgs(name).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
	require.NoError(t, store.Seed(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(version\\), 0\\) FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(1))
	for _, fam := range registry.All() {
		if fam.HasTable() {
			mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "` + fam.Table + `"`)).WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}
	applied, err := store.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationsAreEmbedded(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, 1, migrations[0].Version)
	assert.Contains(t, migrations[0].SQL, "CREATE TABLE instruments")
}

func TestObservationTableDDL(t *testing.T) {
	ddl := ObservationTableDDL(registry.MustLookup(instruments.FamilyEBAM))
	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "ebam_data"`)
	assert.Contains(t, ddl, `"conc_hr" DOUBLE PRECISION`)
	assert.Contains(t, ddl, `"flag" BIGINT`)
	assert.Contains(t, ddl, "REFERENCES instruments(sn) ON DELETE CASCADE")
}
