package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/errtrack"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/observability/metrics"

	"go.uber.org/zap"
)

// WebhookEvent is a Particle cloud event.
type WebhookEvent struct {
	CoreID string
	Name   string
	Data   string
}

// TestCoreID marks webhook test calls that carry no device.
const TestCoreID = "api"

// Ingested is a persisted observation with its instrument.
type Ingested struct {
	Instrument  instruments.Instrument
	Observation instruments.Observation
}

// IngestService decodes, evaluates and persists telemetry.
type IngestService struct {
	store    Store
	loader   ModelLoader
	reporter errtrack.Reporter
	clock    Clock
	logger   *zap.Logger
}

// NewIngestService constructs the service. A nil loader disables calibration.
func NewIngestService(store Store, loader ModelLoader, reporter errtrack.Reporter, clock Clock, logger *zap.Logger) (*IngestService, error) {
	if store == nil {
		return nil, errors.New("ingest service: nil store")
	}
	if reporter == nil {
		reporter = errtrack.Nop{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestService{store: store, loader: loader, reporter: reporter, clock: clock, logger: logger}, nil
}

// IngestJSON stores a structured observation addressed by instr_sn.
func (s *IngestService) IngestJSON(ctx context.Context, p *auth.Principal, body map[string]any) (*Ingested, error) {
	sn, _ := body["instr_sn"].(string)
	if strings.TrimSpace(sn) == "" {
		return nil, s.reject("", fmt.Errorf("%w: instr_sn is required", instruments.ErrValidation))
	}
	inst, err := s.store.Instruments().Get(ctx, sn)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, s.reject("", fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, sn))
	}
	if !auth.CanIngest(p, inst.SN) {
		return nil, auth.ErrForbidden
	}
	fam := registry.MustLookup(inst.Family)
	_, ts, rec, err := fam.DecodeJSON(body)
	if err != nil {
		return nil, s.reject(string(fam.Name), err)
	}
	return s.ingest(ctx, *inst, fam, ts, rec)
}

// IngestWebhook stores a delimited telemetry string addressed by device id.
func (s *IngestService) IngestWebhook(ctx context.Context, p *auth.Principal, ev WebhookEvent) (*Ingested, error) {
	inst, err := s.byParticleID(ctx, ev.CoreID)
	if err != nil {
		return nil, s.reject("", err)
	}
	if !auth.CanIngest(p, inst.SN) {
		return nil, auth.ErrForbidden
	}
	fam := registry.MustLookup(inst.Family)
	ts, rec, err := fam.DecodeWebhook(ev.Data)
	if err != nil {
		return nil, s.reject(string(fam.Name), err)
	}
	return s.ingest(ctx, *inst, fam, ts, rec)
}

// LogEvent records a device lifecycle event. Test calls return nil, nil.
func (s *IngestService) LogEvent(ctx context.Context, p *auth.Principal, ev WebhookEvent) (*instruments.EventLog, error) {
	if ev.CoreID == TestCoreID {
		return nil, nil
	}
	inst, err := s.byParticleID(ctx, ev.CoreID)
	if err != nil {
		return nil, err
	}
	if !auth.CanIngest(p, inst.SN) {
		return nil, auth.ErrForbidden
	}
	entry, err := instruments.NewEventLog(map[string]any{
		"instr_sn": inst.SN,
		"message":  instruments.DeviceEventMessage(ev.Name, ev.Data),
		"level":    instruments.LevelInfo,
	}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.EventLogs().Create(ctx, entry); err != nil {
		s.reporter.Report(ctx, err, map[string]string{"sn": inst.SN, "event": ev.Name})
		return nil, err
	}
	return entry, nil
}

func (s *IngestService) byParticleID(ctx context.Context, coreID string) (*instruments.Instrument, error) {
	if strings.TrimSpace(coreID) == "" {
		return nil, fmt.Errorf("%w: coreid is required", instruments.ErrValidation)
	}
	inst, err := s.store.Instruments().GetByParticleID(ctx, coreID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: device %s", instruments.ErrNotFound, coreID)
	}
	return inst, nil
}

func (s *IngestService) ingest(ctx context.Context, inst instruments.Instrument, fam *registry.Family, ts time.Time, rec instruments.Record) (*Ingested, error) {
	start := time.Now()
	now := s.clock.Now()
	if ts.UTC().Year() > now.UTC().Year() {
		s.reporter.Report(ctx, errors.New("invalid timestamp"), map[string]string{"sn": inst.SN, "timestamp": ts.Format(time.RFC3339)})
		return nil, s.reject(string(fam.Name), fmt.Errorf("%w: timestamp %s is in the future", instruments.ErrValidation, ts.Format(time.RFC3339)))
	}

	evaluated, err := fam.Evaluate(rec, s.assignedModels(ctx, inst))
	if err != nil {
		s.reportEvaluation(ctx, inst, fam, err)
	}
	if _, ok := fam.Column("last_updated"); ok {
		evaluated["last_updated"] = now
	}

	obs := instruments.Observation{Family: fam.Name, SN: inst.SN, Timestamp: ts.UTC(), Values: evaluated}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		if err := tx.Observations().Insert(ctx, fam, &obs); err != nil {
			return err
		}
		return tx.Instruments().Touch(ctx, inst.SN, now)
	})
	if err != nil {
		metrics.ObserveIngest(string(fam.Name), metrics.ResultError, time.Since(start))
		metrics.IncIngestError("storage")
		return nil, err
	}
	metrics.ObserveIngest(string(fam.Name), metrics.ResultSuccess, time.Since(start))
	inst.LastUpdated = now
	return &Ingested{Instrument: inst, Observation: obs}, nil
}

// assignedModels resolves slot assignments to predictors. A model that
// cannot be loaded is passed with a nil predictor so evaluation reports it.
func (s *IngestService) assignedModels(ctx context.Context, inst instruments.Instrument) map[instruments.Slot]registry.AssignedModel {
	if len(inst.Models) == 0 || s.loader == nil {
		return nil
	}
	out := make(map[instruments.Slot]registry.AssignedModel, len(inst.Models))
	for slot, id := range inst.Models {
		assigned := registry.AssignedModel{ID: id}
		model, err := s.store.Models().Get(ctx, id)
		switch {
		case err != nil:
			s.reporter.Report(ctx, err, map[string]string{"sn": inst.SN, "model_id": strconv.FormatInt(id, 10)})
		case model == nil:
			s.logger.Warn("assigned model missing", zap.String("sn", inst.SN), zap.Int64("model_id", id))
		default:
			predictor, err := s.loader.Load(model.Filename)
			if err != nil {
				s.logger.Warn("model load failed", zap.String("sn", inst.SN), zap.String("file", model.Filename), zap.Error(err))
			} else {
				assigned.Predictor = predictor
			}
		}
		out[slot] = assigned
	}
	return out
}

func (s *IngestService) reportEvaluation(ctx context.Context, inst instruments.Instrument, fam *registry.Family, err error) {
	var slotErrs []*registry.SlotError
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			var se *registry.SlotError
			if errors.As(e, &se) {
				slotErrs = append(slotErrs, se)
			}
		}
	}
	for _, se := range slotErrs {
		metrics.IncEvaluationFailure(string(fam.Name), string(se.Slot))
		s.reporter.Report(ctx, se, map[string]string{
			"sn":       inst.SN,
			"family":   string(fam.Name),
			"slot":     string(se.Slot),
			"model_id": strconv.FormatInt(se.ModelID, 10),
		})
	}
	if len(slotErrs) == 0 {
		s.reporter.Report(ctx, err, map[string]string{"sn": inst.SN, "family": string(fam.Name)})
	}
}

func (s *IngestService) reject(family string, err error) error {
	reason := "validation"
	if errors.Is(err, instruments.ErrNotFound) {
		reason = "unknown_instrument"
	}
	metrics.IncIngestError(reason)
	if family != "" {
		metrics.ObserveIngest(family, metrics.ResultError, 0)
	}
	return err
}
