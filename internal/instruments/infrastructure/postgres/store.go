// Package postgres implements the relational store on database/sql with the
// pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"airquality-cloud/internal/instruments/application"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/query"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the Postgres implementation of application.Store.
type Store struct {
	db *sql.DB
	repos
}

var _ application.Store = (*Store)(nil)

// NewStore constructs a store.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("instrument store: nil db")
	}
	return &Store{db: db, repos: repos{q: db}}, nil
}

// WithinTx runs fn inside a transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx application.Repositories) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, repos{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type repos struct {
	q queryer
}

func (r repos) Instruments() application.InstrumentRepository   { return instrumentRepo{r.q} }
func (r repos) Observations() application.ObservationRepository { return observationRepo{r.q} }
func (r repos) Credentials() application.CredentialRepository   { return credentialRepo{r.q} }
func (r repos) Users() application.UserRepository               { return userRepo{r.q} }
func (r repos) Models() application.ModelRepository             { return modelRepo{r.q} }
func (r repos) Provenance() application.ProvenanceRepository    { return provenanceRepo{r.q} }
func (r repos) EventLogs() application.EventLogRepository       { return logRepo{r.q} }

// conflict maps unique violations to ErrConflict.
func conflict(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s already exists", instruments.ErrConflict, what)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	out := v.Float64
	return &out
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil || v.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}

func count(ctx context.Context, q queryer, query string, args ...any) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func window(w query.Window) string {
	out := ""
	if w.Limit > 0 {
		out += fmt.Sprintf(" LIMIT %d", w.Limit)
	}
	if w.Offset > 0 {
		out += fmt.Sprintf(" OFFSET %d", w.Offset)
	}
	return out
}

func where(clauses ...string) string {
	kept := clauses[:0:0]
	for _, c := range clauses {
		if c != "" {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(kept, " AND ")
}
