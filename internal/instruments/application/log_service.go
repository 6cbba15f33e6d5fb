package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/collection"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/query"
)

// LogService manages device event logs.
type LogService struct {
	store   Store
	clock   Clock
	baseURL string
}

// NewLogService constructs the service.
func NewLogService(store Store, clock Clock, baseURL string) (*LogService, error) {
	if store == nil {
		return nil, errors.New("log service: nil store")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &LogService{store: store, clock: clock, baseURL: baseURL}, nil
}

// URL returns the canonical resource URL of a log entry.
func (s *LogService) URL(l instruments.EventLog) string {
	return fmt.Sprintf("%s/log/%d", s.baseURL, l.ID)
}

// Render serializes a log entry.
func (s *LogService) Render(l instruments.EventLog) map[string]any {
	var closed any
	if l.Closed != nil {
		closed = l.Closed.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"id":         l.ID,
		"instr_sn":   l.SN,
		"opened":     l.Opened.UTC().Format(time.RFC3339),
		"closed":     closed,
		"message":    l.Message,
		"addressed":  l.Addressed,
		"level":      l.Level,
		"url":        s.URL(l),
		"instrument": fmt.Sprintf("%s/device/%s", s.baseURL, l.SN),
	}
}

// Create opens a log entry for a device the caller may write to.
func (s *LogService) Create(ctx context.Context, p *auth.Principal, attrs map[string]any) (*instruments.EventLog, error) {
	entry, err := instruments.NewEventLog(attrs, s.clock.Now())
	if err != nil {
		return nil, err
	}
	inst, err := visibleInstrument(ctx, s.store, p, entry.SN)
	if err != nil {
		return nil, err
	}
	if !auth.CanIngest(p, inst.SN) {
		return nil, auth.ErrForbidden
	}
	if err := s.store.EventLogs().Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// List assembles the logs of one device, or of every device for administrators.
func (s *LogService) List(ctx context.Context, p *auth.Principal, sn string, params collection.Params) (collection.Envelope, error) {
	if sn == "" {
		if !auth.CanAdminister(p) {
			return collection.Envelope{}, auth.ErrForbidden
		}
	} else if _, err := visibleInstrument(ctx, s.store, p, sn); err != nil {
		return collection.Envelope{}, err
	}
	repo := s.store.EventLogs()
	return collection.Assemble(ctx, collection.Source[instruments.EventLog]{
		Schema: registry.EventLogSchema,
		Count: func(ctx context.Context, preds []query.Predicate) (int, error) {
			return repo.Count(ctx, sn, preds)
		},
		Fetch: func(ctx context.Context, w collection.Window) ([]instruments.EventLog, error) {
			return repo.List(ctx, sn, w)
		},
		Render: s.Render,
		URL:    s.URL,
	}, params)
}

// Get returns a log entry of a visible device.
func (s *LogService) Get(ctx context.Context, p *auth.Principal, id int64) (*instruments.EventLog, error) {
	entry, err := s.store.EventLogs().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: log %d", instruments.ErrNotFound, id)
	}
	if _, err := visibleInstrument(ctx, s.store, p, entry.SN); err != nil {
		return nil, err
	}
	return entry, nil
}

// Update changes message, level, addressed or closed.
func (s *LogService) Update(ctx context.Context, p *auth.Principal, id int64, attrs map[string]any) (*instruments.EventLog, error) {
	var out *instruments.EventLog
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		entry, err := tx.EventLogs().Get(ctx, id)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("%w: log %d", instruments.ErrNotFound, id)
		}
		if _, err := visibleInstrument(ctx, tx, p, entry.SN); err != nil {
			return err
		}
		if !auth.CanIngest(p, entry.SN) {
			return auth.ErrForbidden
		}
		if err := entry.Apply(attrs); err != nil {
			return err
		}
		if err := tx.EventLogs().Update(ctx, entry); err != nil {
			return err
		}
		out = entry
		return nil
	})
	return out, err
}
