package application

import (
	"context"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/query"
)

// InstrumentRepository persists instruments. Lookups return nil, nil when
// the instrument does not exist.
type InstrumentRepository interface {
	Get(ctx context.Context, sn string) (*instruments.Instrument, error)
	GetByParticleID(ctx context.Context, particleID string) (*instruments.Instrument, error)
	Count(ctx context.Context, scope instruments.Visibility, preds []query.Predicate) (int, error)
	List(ctx context.Context, scope instruments.Visibility, w query.Window) ([]instruments.Instrument, error)
	All(ctx context.Context) ([]instruments.Instrument, error)
	// UpdatedSince lists non-private instruments active at or after since.
	UpdatedSince(ctx context.Context, since time.Time) ([]instruments.Instrument, error)
	// Create fails with ErrConflict on a duplicate serial number.
	Create(ctx context.Context, inst *instruments.Instrument) error
	Update(ctx context.Context, inst *instruments.Instrument) error
	// Delete removes the instrument with its observations, credential and
	// logs, and detaches provenance records and calibration models.
	Delete(ctx context.Context, sn string) error
	Touch(ctx context.Context, sn string, at time.Time) error
	AssignModel(ctx context.Context, sn string, slot instruments.Slot, modelID *int64) error
}

// ObservationRepository persists observations in the family table.
type ObservationRepository interface {
	Count(ctx context.Context, fam *registry.Family, sn string, preds []query.Predicate) (int, error)
	List(ctx context.Context, fam *registry.Family, sn string, w query.Window) ([]instruments.Observation, error)
	Get(ctx context.Context, fam *registry.Family, sn string, id int64) (*instruments.Observation, error)
	Latest(ctx context.Context, fam *registry.Family, sn string) (*instruments.Observation, error)
	// Range returns observations with start <= timestamp <= end in time order.
	Range(ctx context.Context, fam *registry.Family, sn string, start, end time.Time) ([]instruments.Observation, error)
	Insert(ctx context.Context, fam *registry.Family, obs *instruments.Observation) error
	SetFlag(ctx context.Context, fam *registry.Family, sn string, id int64, flag int64) error
}

// CredentialRepository persists API credentials.
type CredentialRepository interface {
	Create(ctx context.Context, cred *instruments.Credential) error
	ForInstrument(ctx context.Context, sn string) (*instruments.Credential, error)
	DeleteForInstrument(ctx context.Context, sn string) error
}

// UserRepository persists accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *instruments.User) error
}

// ModelRepository persists calibration model descriptors.
type ModelRepository interface {
	Get(ctx context.Context, id int64) (*instruments.CalibrationModel, error)
	Count(ctx context.Context, preds []query.Predicate) (int, error)
	List(ctx context.Context, w query.Window) ([]instruments.CalibrationModel, error)
	Create(ctx context.Context, model *instruments.CalibrationModel) error
	// Delete clears every instrument slot pointing at the model.
	Delete(ctx context.Context, id int64) error
}

// ProvenanceRepository persists export provenance keyed by (bucket, key).
type ProvenanceRepository interface {
	Find(ctx context.Context, bucket, key string) (*instruments.ExportProvenance, error)
	Create(ctx context.Context, p *instruments.ExportProvenance) error
	Update(ctx context.Context, p *instruments.ExportProvenance) error
}

// EventLogRepository persists device event logs. An empty sn lists every device.
type EventLogRepository interface {
	Create(ctx context.Context, entry *instruments.EventLog) error
	Get(ctx context.Context, id int64) (*instruments.EventLog, error)
	Update(ctx context.Context, entry *instruments.EventLog) error
	Count(ctx context.Context, sn string, preds []query.Predicate) (int, error)
	List(ctx context.Context, sn string, w query.Window) ([]instruments.EventLog, error)
}

// Repositories groups the repositories bound to one connection or transaction.
type Repositories interface {
	Instruments() InstrumentRepository
	Observations() ObservationRepository
	Credentials() CredentialRepository
	Users() UserRepository
	Models() ModelRepository
	Provenance() ProvenanceRepository
	EventLogs() EventLogRepository
}

// Store is the relational store. WithinTx commits when fn returns nil and
// rolls back otherwise.
type Store interface {
	Repositories
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error
}

// ModelLoader resolves artifact file names to predictors.
type ModelLoader interface {
	Load(filename string) (registry.Predictor, error)
}

// ObjectStore receives export objects.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body []byte) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock uses time.Now in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
