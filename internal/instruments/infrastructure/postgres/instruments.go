package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/query"
)

const instrumentColumns = `id, sn, discriminator, particle_id, ip, latitude, longitude, location, city,
	country, timezone, outdoors, model, description, private, active, owner_id, group_id,
	created, last_updated,
	COALESCE((SELECT json_object_agg(slot, model_id) FROM instrument_models
		WHERE instrument_models.instrument_id = instruments.id), '{}')`

type instrumentRepo struct {
	q queryer
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row rowScanner) (instruments.Instrument, error) {
	var (
		inst        instruments.Instrument
		family      string
		particleID  sql.NullString
		ownerID     sql.NullInt64
		groupID     sql.NullInt64
		lastUpdated sql.NullTime
		slots       []byte
	)
	if err := row.Scan(
		&inst.ID,
		&inst.SN,
		&family,
		&particleID,
		&inst.IP,
		&inst.Latitude,
		&inst.Longitude,
		&inst.Location,
		&inst.City,
		&inst.Country,
		&inst.Timezone,
		&inst.Outdoors,
		&inst.Model,
		&inst.Description,
		&inst.Private,
		&inst.Active,
		&ownerID,
		&groupID,
		&inst.CreatedAt,
		&lastUpdated,
		&slots,
	); err != nil {
		return instruments.Instrument{}, err
	}
	inst.Family = instruments.ParseFamily(family)
	inst.ParticleID = particleID.String
	inst.OwnerID = intPtr(ownerID)
	inst.GroupID = intPtr(groupID)
	inst.CreatedAt = inst.CreatedAt.UTC()
	if lastUpdated.Valid {
		inst.LastUpdated = lastUpdated.Time.UTC()
	}
	if len(slots) > 0 {
		assigned := map[instruments.Slot]int64{}
		if err := json.Unmarshal(slots, &assigned); err != nil {
			return instruments.Instrument{}, fmt.Errorf("instrument %s: decode model slots: %w", inst.SN, err)
		}
		if len(assigned) > 0 {
			inst.Models = assigned
		}
	}
	return inst, nil
}

func (r instrumentRepo) getOne(ctx context.Context, clause string, arg any) (*instruments.Instrument, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE `+clause+` LIMIT 1`, arg)
	inst, err := scanInstrument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &inst, nil
}

// Get loads an instrument by serial number.
func (r instrumentRepo) Get(ctx context.Context, sn string) (*instruments.Instrument, error) {
	return r.getOne(ctx, "sn = $1", sn)
}

// GetByParticleID loads an instrument by its cellular core id.
func (r instrumentRepo) GetByParticleID(ctx context.Context, particleID string) (*instruments.Instrument, error) {
	if particleID == "" {
		return nil, nil
	}
	return r.getOne(ctx, "particle_id = $1", particleID)
}

// scopeClause renders a visibility scope starting at placeholder $next.
func scopeClause(scope instruments.Visibility, next int) (string, []any) {
	if scope.All {
		return "", nil
	}
	parts := []string{"private = FALSE"}
	var args []any
	if scope.SN != "" {
		parts = append(parts, fmt.Sprintf("sn = $%d", next))
		args = append(args, scope.SN)
		next++
	}
	if scope.UserID != nil {
		parts = append(parts, fmt.Sprintf("owner_id = $%d", next))
		args = append(args, *scope.UserID)
		next++
	}
	if len(scope.GroupIDs) > 0 {
		holders := make([]string, 0, len(scope.GroupIDs))
		for _, id := range scope.GroupIDs {
			holders = append(holders, fmt.Sprintf("$%d", next))
			args = append(args, id)
			next++
		}
		parts = append(parts, "group_id IN ("+strings.Join(holders, ", ")+")")
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

func (r instrumentRepo) filter(scope instruments.Visibility, preds []query.Predicate) (string, []any) {
	scopeSQL, args := scopeClause(scope, 1)
	predSQL, predArgs := query.Where(preds, len(args)+1)
	return where(scopeSQL, predSQL), append(args, predArgs...)
}

// Count counts instruments inside scope that match preds.
func (r instrumentRepo) Count(ctx context.Context, scope instruments.Visibility, preds []query.Predicate) (int, error) {
	clause, args := r.filter(scope, preds)
	return count(ctx, r.q, `SELECT COUNT(*) FROM instruments`+clause, args...)
}

// List loads one window of instruments inside scope.
func (r instrumentRepo) List(ctx context.Context, scope instruments.Visibility, w query.Window) ([]instruments.Instrument, error) {
	clause, args := r.filter(scope, w.Predicates)
	order := query.OrderBy(w.Orderings, "sn ASC")
	return r.list(ctx, `SELECT `+instrumentColumns+` FROM instruments`+clause+` ORDER BY `+order+window(w), args...)
}

// All loads every instrument.
func (r instrumentRepo) All(ctx context.Context) ([]instruments.Instrument, error) {
	return r.List(ctx, instruments.Visibility{All: true}, query.Window{})
}

// UpdatedSince lists public instruments that reported at or after since.
func (r instrumentRepo) UpdatedSince(ctx context.Context, since time.Time) ([]instruments.Instrument, error) {
	return r.list(ctx, `SELECT `+instrumentColumns+` FROM instruments
WHERE private = FALSE AND last_updated >= $1
ORDER BY sn ASC`, since.UTC())
}

func (r instrumentRepo) list(ctx context.Context, stmt string, args ...any) ([]instruments.Instrument, error) {
	rows, err := r.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []instruments.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Create inserts an instrument and sets its id.
func (r instrumentRepo) Create(ctx context.Context, inst *instruments.Instrument) error {
	if inst == nil {
		return errors.New("instrument repo: nil instrument")
	}
	err := r.q.QueryRowContext(ctx, `
INSERT INTO instruments (
	sn, discriminator, particle_id, ip, latitude, longitude, location, city, country,
	timezone, outdoors, model, description, private, active, owner_id, group_id, created
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)
RETURNING id`,
		inst.SN, string(inst.Family), nullString(inst.ParticleID), inst.IP, inst.Latitude, inst.Longitude,
		inst.Location, inst.City, inst.Country, inst.Timezone, inst.Outdoors, inst.Model, inst.Description,
		inst.Private, inst.Active, nullInt(inst.OwnerID), nullInt(inst.GroupID), inst.CreatedAt.UTC(),
	).Scan(&inst.ID)
	return conflict(err, "instrument "+inst.SN)
}

// Update writes the mutable attributes.
func (r instrumentRepo) Update(ctx context.Context, inst *instruments.Instrument) error {
	if inst == nil {
		return errors.New("instrument repo: nil instrument")
	}
	res, err := r.q.ExecContext(ctx, `
UPDATE instruments SET
	particle_id = $2,
	ip = $3,
	latitude = $4,
	longitude = $5,
	location = $6,
	city = $7,
	country = $8,
	timezone = $9,
	outdoors = $10,
	model = $11,
	description = $12,
	private = $13,
	active = $14,
	owner_id = $15,
	group_id = $16
WHERE sn = $1`,
		inst.SN, nullString(inst.ParticleID), inst.IP, inst.Latitude, inst.Longitude, inst.Location,
		inst.City, inst.Country, inst.Timezone, inst.Outdoors, inst.Model, inst.Description,
		inst.Private, inst.Active, nullInt(inst.OwnerID), nullInt(inst.GroupID),
	)
	if err != nil {
		return conflict(err, "particle id "+inst.ParticleID)
	}
	return requireRow(res, "instrument "+inst.SN)
}

// Delete removes the instrument. Foreign keys cascade to observations,
// credentials, logs and slot assignments and detach provenance and models.
func (r instrumentRepo) Delete(ctx context.Context, sn string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM instruments WHERE sn = $1`, sn)
	if err != nil {
		return err
	}
	return requireRow(res, "instrument "+sn)
}

// Touch records the last ingestion time.
func (r instrumentRepo) Touch(ctx context.Context, sn string, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE instruments SET last_updated = $2 WHERE sn = $1`, sn, at.UTC())
	if err != nil {
		return err
	}
	return requireRow(res, "instrument "+sn)
}

// AssignModel binds or clears a calibration slot.
func (r instrumentRepo) AssignModel(ctx context.Context, sn string, slot instruments.Slot, modelID *int64) error {
	if modelID == nil {
		_, err := r.q.ExecContext(ctx, `
DELETE FROM instrument_models
WHERE slot = $2 AND instrument_id = (SELECT id FROM instruments WHERE sn = $1)`, sn, string(slot))
		return err
	}
	res, err := r.q.ExecContext(ctx, `
INSERT INTO instrument_models (instrument_id, slot, model_id)
SELECT id, $2, $3 FROM instruments WHERE sn = $1
ON CONFLICT (instrument_id, slot)
DO UPDATE SET model_id = EXCLUDED.model_id`, sn, string(slot), *modelID)
	if err != nil {
		return err
	}
	return requireRow(res, "instrument "+sn)
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", instruments.ErrNotFound, what)
	}
	return nil
}
