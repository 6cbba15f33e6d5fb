package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/query"
)

type observationRepo struct {
	q queryer
}

func tableOf(fam *registry.Family) (string, error) {
	if fam == nil || !fam.HasTable() {
		return "", registry.ErrNoTable
	}
	return query.QuoteIdent(fam.Table), nil
}

func selectColumns(fam *registry.Family) string {
	cols := []string{"id", "instr_sn", `"timestamp"`}
	for _, c := range fam.Columns {
		cols = append(cols, query.QuoteIdent(c.Name))
	}
	return strings.Join(cols, ", ")
}

func scanObservation(fam *registry.Family, row rowScanner) (instruments.Observation, error) {
	obs := instruments.Observation{Family: fam.Name, Values: instruments.Record{}}
	dest := []any{&obs.ID, &obs.SN, &obs.Timestamp}
	holders := make([]any, len(fam.Columns))
	for i, c := range fam.Columns {
		switch c.Kind {
		case query.KindFloat:
			holders[i] = &sql.NullFloat64{}
		case query.KindInt:
			holders[i] = &sql.NullInt64{}
		case query.KindBool:
			holders[i] = &sql.NullBool{}
		case query.KindTime:
			holders[i] = &sql.NullTime{}
		default:
			holders[i] = &sql.NullString{}
		}
	}
	if err := row.Scan(append(dest, holders...)...); err != nil {
		return instruments.Observation{}, err
	}
	obs.Timestamp = obs.Timestamp.UTC()
	for i, c := range fam.Columns {
		var v any
		switch h := holders[i].(type) {
		case *sql.NullFloat64:
			if h.Valid {
				v = h.Float64
			}
		case *sql.NullInt64:
			if h.Valid {
				v = h.Int64
			}
		case *sql.NullBool:
			if h.Valid {
				v = h.Bool
			}
		case *sql.NullTime:
			if h.Valid {
				v = h.Time.UTC()
			}
		case *sql.NullString:
			if h.Valid {
				v = h.String
			}
		}
		obs.Values[c.Name] = v
	}
	return obs, nil
}

func (r observationRepo) filter(fam *registry.Family, sn string, preds []query.Predicate) (string, []any) {
	predSQL, args := query.Where(preds, 2)
	return where("instr_sn = $1", predSQL), append([]any{sn}, args...)
}

// Count counts observations of an instrument that match preds.
func (r observationRepo) Count(ctx context.Context, fam *registry.Family, sn string, preds []query.Predicate) (int, error) {
	table, err := tableOf(fam)
	if err != nil {
		return 0, err
	}
	clause, args := r.filter(fam, sn, preds)
	return count(ctx, r.q, `SELECT COUNT(*) FROM `+table+clause, args...)
}

// List loads one window, newest first unless ordered otherwise.
func (r observationRepo) List(ctx context.Context, fam *registry.Family, sn string, w query.Window) ([]instruments.Observation, error) {
	table, err := tableOf(fam)
	if err != nil {
		return nil, err
	}
	clause, args := r.filter(fam, sn, w.Predicates)
	order := query.OrderBy(w.Orderings, `"timestamp" DESC, id DESC`)
	return r.list(ctx, fam, `SELECT `+selectColumns(fam)+` FROM `+table+clause+` ORDER BY `+order+window(w), args...)
}

// Get loads one observation of an instrument.
func (r observationRepo) Get(ctx context.Context, fam *registry.Family, sn string, id int64) (*instruments.Observation, error) {
	table, err := tableOf(fam)
	if err != nil {
		return nil, err
	}
	row := r.q.QueryRowContext(ctx, `SELECT `+selectColumns(fam)+` FROM `+table+` WHERE instr_sn = $1 AND id = $2`, sn, id)
	return r.one(fam, row)
}

// Latest loads the most recent observation.
func (r observationRepo) Latest(ctx context.Context, fam *registry.Family, sn string) (*instruments.Observation, error) {
	table, err := tableOf(fam)
	if err != nil {
		return nil, err
	}
	row := r.q.QueryRowContext(ctx, `SELECT `+selectColumns(fam)+` FROM `+table+`
WHERE instr_sn = $1
ORDER BY "timestamp" DESC, id DESC
LIMIT 1`, sn)
	return r.one(fam, row)
}

// Range loads observations with start <= timestamp <= end in time order.
func (r observationRepo) Range(ctx context.Context, fam *registry.Family, sn string, start, end time.Time) ([]instruments.Observation, error) {
	table, err := tableOf(fam)
	if err != nil {
		return nil, err
	}
	return r.list(ctx, fam, `SELECT `+selectColumns(fam)+` FROM `+table+`
WHERE instr_sn = $1 AND "timestamp" >= $2 AND "timestamp" <= $3
ORDER BY "timestamp" ASC, id ASC`, sn, start.UTC(), end.UTC())
}

// Insert appends an observation and sets its id.
func (r observationRepo) Insert(ctx context.Context, fam *registry.Family, obs *instruments.Observation) error {
	table, err := tableOf(fam)
	if err != nil {
		return err
	}
	if obs == nil {
		return errors.New("observation repo: nil observation")
	}
	cols := []string{"instr_sn", `"timestamp"`}
	args := []any{obs.SN, obs.Timestamp.UTC()}
	for _, c := range fam.Columns {
		cols = append(cols, query.QuoteIdent(c.Name))
		args = append(args, obs.Values[c.Name])
	}
	holders := make([]string, len(args))
	for i := range holders {
		holders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING id`,
		table, strings.Join(cols, ", "), strings.Join(holders, ", "))
	return r.q.QueryRowContext(ctx, stmt, args...).Scan(&obs.ID)
}

// SetFlag overwrites the quality flag of one observation.
func (r observationRepo) SetFlag(ctx context.Context, fam *registry.Family, sn string, id int64, flag int64) error {
	table, err := tableOf(fam)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `UPDATE `+table+` SET flag = $3 WHERE instr_sn = $1 AND id = $2`, sn, id, flag)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("observation %d", id))
}

func (r observationRepo) one(fam *registry.Family, row *sql.Row) (*instruments.Observation, error) {
	obs, err := scanObservation(fam, row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &obs, nil
}

func (r observationRepo) list(ctx context.Context, fam *registry.Family, stmt string, args ...any) ([]instruments.Observation, error) {
	rows, err := r.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []instruments.Observation
	for rows.Next() {
		obs, err := scanObservation(fam, rows)
		if err != nil {
			return nil, err
		}
		result = append(result, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
