package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/query"
)

type credentialRepo struct {
	q queryer
}

// Create stores a credential owned by exactly one of a user or an instrument.
func (r credentialRepo) Create(ctx context.Context, cred *instruments.Credential) error {
	if cred == nil {
		return errors.New("credential repo: nil credential")
	}
	if (cred.UserID == nil) == (cred.InstrumentSN == "") {
		return fmt.Errorf("%w: credential needs exactly one owner", instruments.ErrValidation)
	}
	err := r.q.QueryRowContext(ctx, `
INSERT INTO api_keys (key, user_id, instr_sn, created_at)
VALUES ($1, $2, $3, $4)
RETURNING id`,
		cred.Key, nullInt(cred.UserID), nullString(cred.InstrumentSN), cred.CreatedAt.UTC(),
	).Scan(&cred.ID)
	return conflict(err, "credential")
}

// ForInstrument loads the device credential of an instrument.
func (r credentialRepo) ForInstrument(ctx context.Context, sn string) (*instruments.Credential, error) {
	var cred instruments.Credential
	err := r.q.QueryRowContext(ctx, `
SELECT id, key, instr_sn, created_at
FROM api_keys
WHERE instr_sn = $1
LIMIT 1`, sn).Scan(&cred.ID, &cred.Key, &cred.InstrumentSN, &cred.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cred.CreatedAt = cred.CreatedAt.UTC()
	return &cred, nil
}

// DeleteForInstrument revokes the device credential of an instrument.
func (r credentialRepo) DeleteForInstrument(ctx context.Context, sn string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM api_keys WHERE instr_sn = $1`, sn)
	return err
}

type userRepo struct {
	q queryer
}

// CreateUser inserts a user bound to a seeded role.
func (r userRepo) CreateUser(ctx context.Context, user *instruments.User) error {
	if user == nil {
		return errors.New("user repo: nil user")
	}
	err := r.q.QueryRowContext(ctx, `
INSERT INTO users (email, name, role_id, created_at)
SELECT $1, $2, id, $4 FROM roles WHERE name = $3
RETURNING id`,
		user.Email, user.Name, user.Role, user.CreatedAt.UTC(),
	).Scan(&user.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: role %s is not seeded", instruments.ErrValidation, user.Role)
	}
	return conflict(err, "user "+user.Email)
}

type modelRepo struct {
	q queryer
}

const modelColumns = `id, filename, label, description, rmse, mae, r2, instrument_id, created_at, last_updated`

func scanModel(row rowScanner) (instruments.CalibrationModel, error) {
	var (
		m            instruments.CalibrationModel
		rmse, mae, r sql.NullFloat64
		instrumentID sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.Filename, &m.Label, &m.Description, &rmse, &mae, &r,
		&instrumentID, &m.CreatedAt, &m.LastUpdated); err != nil {
		return instruments.CalibrationModel{}, err
	}
	m.RMSE = floatPtr(rmse)
	m.MAE = floatPtr(mae)
	m.R2 = floatPtr(r)
	m.InstrumentID = intPtr(instrumentID)
	m.CreatedAt = m.CreatedAt.UTC()
	m.LastUpdated = m.LastUpdated.UTC()
	return m, nil
}

// Get loads a model by id.
func (r modelRepo) Get(ctx context.Context, id int64) (*instruments.CalibrationModel, error) {
	m, err := scanModel(r.q.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// Count counts models matching preds.
func (r modelRepo) Count(ctx context.Context, preds []query.Predicate) (int, error) {
	clause, args := query.Where(preds, 1)
	return count(ctx, r.q, `SELECT COUNT(*) FROM models`+where(clause), args...)
}

// List loads one window of models.
func (r modelRepo) List(ctx context.Context, w query.Window) ([]instruments.CalibrationModel, error) {
	clause, args := query.Where(w.Predicates, 1)
	rows, err := r.q.QueryContext(ctx, `SELECT `+modelColumns+` FROM models`+where(clause)+
		` ORDER BY `+query.OrderBy(w.Orderings, "id ASC")+window(w), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []instruments.CalibrationModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Create inserts a model and sets its id.
func (r modelRepo) Create(ctx context.Context, m *instruments.CalibrationModel) error {
	if m == nil {
		return errors.New("model repo: nil model")
	}
	return r.q.QueryRowContext(ctx, `
INSERT INTO models (filename, label, description, rmse, mae, r2, instrument_id, created_at, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`,
		m.Filename, m.Label, m.Description, nullFloat(m.RMSE), nullFloat(m.MAE), nullFloat(m.R2),
		nullInt(m.InstrumentID), m.CreatedAt.UTC(), m.LastUpdated.UTC(),
	).Scan(&m.ID)
}

// Delete removes a model; slot assignments cascade away.
func (r modelRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM models WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("model %d", id))
}

type provenanceRepo struct {
	q queryer
}

// Find loads the record of (bucket, key).
func (r provenanceRepo) Find(ctx context.Context, bucket, key string) (*instruments.ExportProvenance, error) {
	var (
		p            instruments.ExportProvenance
		instrumentID sql.NullInt64
	)
	err := r.q.QueryRowContext(ctx, `
SELECT id, bucket, key, date, length_days, private, last_modified, size_mb, downloads, instrument_id
FROM export_provenance
WHERE bucket = $1 AND key = $2`, bucket, key).Scan(
		&p.ID, &p.Bucket, &p.Key, &p.Date, &p.LengthDays, &p.Private,
		&p.LastModified, &p.SizeMB, &p.Downloads, &instrumentID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.Date = p.Date.UTC()
	p.LastModified = p.LastModified.UTC()
	p.InstrumentID = intPtr(instrumentID)
	return &p, nil
}

// Create inserts a provenance record and sets its id.
func (r provenanceRepo) Create(ctx context.Context, p *instruments.ExportProvenance) error {
	err := r.q.QueryRowContext(ctx, `
INSERT INTO export_provenance (bucket, key, date, length_days, private, last_modified, size_mb, downloads, instrument_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`,
		p.Bucket, p.Key, p.Date.UTC(), p.LengthDays, p.Private, p.LastModified.UTC(), p.SizeMB, p.Downloads, nullInt(p.InstrumentID),
	).Scan(&p.ID)
	return conflict(err, "export "+p.Key)
}

// Update refreshes the mutable fields of a record.
func (r provenanceRepo) Update(ctx context.Context, p *instruments.ExportProvenance) error {
	res, err := r.q.ExecContext(ctx, `
UPDATE export_provenance SET
	date = $2,
	length_days = $3,
	last_modified = $4,
	size_mb = $5
WHERE id = $1`, p.ID, p.Date.UTC(), p.LengthDays, p.LastModified.UTC(), p.SizeMB)
	if err != nil {
		return err
	}
	return requireRow(res, "export "+p.Key)
}

type logRepo struct {
	q queryer
}

const logColumns = `id, instr_sn, opened, closed, message, addressed, level`

func scanLog(row rowScanner) (instruments.EventLog, error) {
	var (
		l      instruments.EventLog
		closed sql.NullTime
	)
	if err := row.Scan(&l.ID, &l.SN, &l.Opened, &closed, &l.Message, &l.Addressed, &l.Level); err != nil {
		return instruments.EventLog{}, err
	}
	l.Opened = l.Opened.UTC()
	if closed.Valid {
		t := closed.Time.UTC()
		l.Closed = &t
	}
	return l, nil
}

// Create inserts a log entry and sets its id.
func (r logRepo) Create(ctx context.Context, l *instruments.EventLog) error {
	if l == nil {
		return errors.New("log repo: nil entry")
	}
	return r.q.QueryRowContext(ctx, `
INSERT INTO logs (instr_sn, opened, closed, message, addressed, level)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id`,
		l.SN, l.Opened.UTC(), nullTime(l.Closed), l.Message, l.Addressed, l.Level,
	).Scan(&l.ID)
}

// Get loads a log entry.
func (r logRepo) Get(ctx context.Context, id int64) (*instruments.EventLog, error) {
	l, err := scanLog(r.q.QueryRowContext(ctx, `SELECT `+logColumns+` FROM logs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &l, nil
}

// Update writes the mutable fields of an entry.
func (r logRepo) Update(ctx context.Context, l *instruments.EventLog) error {
	res, err := r.q.ExecContext(ctx, `
UPDATE logs SET
	closed = $2,
	message = $3,
	addressed = $4,
	level = $5
WHERE id = $1`, l.ID, nullTime(l.Closed), l.Message, l.Addressed, l.Level)
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("log %d", l.ID))
}

func (r logRepo) filter(sn string, preds []query.Predicate) (string, []any) {
	if sn == "" {
		clause, args := query.Where(preds, 1)
		return where(clause), args
	}
	clause, args := query.Where(preds, 2)
	return where("instr_sn = $1", clause), append([]any{sn}, args...)
}

// Count counts entries of one device, or of every device when sn is empty.
func (r logRepo) Count(ctx context.Context, sn string, preds []query.Predicate) (int, error) {
	clause, args := r.filter(sn, preds)
	return count(ctx, r.q, `SELECT COUNT(*) FROM logs`+clause, args...)
}

// List loads one window of entries, newest first by default.
func (r logRepo) List(ctx context.Context, sn string, w query.Window) ([]instruments.EventLog, error) {
	clause, args := r.filter(sn, w.Predicates)
	rows, err := r.q.QueryContext(ctx, `SELECT `+logColumns+` FROM logs`+clause+
		` ORDER BY `+query.OrderBy(w.Orderings, "opened DESC, id DESC")+window(w), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []instruments.EventLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
