package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/errtrack"
	"airquality-cloud/internal/export"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/observability/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ExportService writes range exports to the object store and tracks their provenance.
type ExportService struct {
	store    Store
	objects  ObjectStore
	bucket   string
	reporter errtrack.Reporter
	clock    Clock
	logger   *zap.Logger
}

// NewExportService constructs the service.
func NewExportService(store Store, objects ObjectStore, bucket string, reporter errtrack.Reporter, clock Clock, logger *zap.Logger) (*ExportService, error) {
	if store == nil {
		return nil, errors.New("export service: nil store")
	}
	if objects == nil {
		return nil, errors.New("export service: nil object store")
	}
	if bucket == "" {
		return nil, errors.New("export service: bucket required")
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
	return &ExportService{store: store, objects: objects, bucket: bucket, reporter: reporter, clock: clock, logger: logger}, nil
}

// Export runs an export on behalf of an administrator.
func (s *ExportService) Export(ctx context.Context, p *auth.Principal, sn string, start, end time.Time, developer bool) (*instruments.ExportProvenance, error) {
	if !auth.CanAdminister(p) {
		return nil, auth.ErrForbidden
	}
	inst, err := s.store.Instruments().Get(ctx, sn)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, sn)
	}
	return s.ExportInstrument(ctx, *inst, start, end, developer)
}

// ExportInstrument projects [start, end] to CSV, uploads it and upserts the
// provenance record of its (bucket, key). The upload completes before the
// provenance transaction opens; a failed upload leaves no record.
func (s *ExportService) ExportInstrument(ctx context.Context, inst instruments.Instrument, start, end time.Time, developer bool) (*instruments.ExportProvenance, error) {
	began := time.Now()
	prov, err := s.export(ctx, inst, start, end, developer)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObserveExport("csv", result, time.Since(began))
	return prov, err
}

func (s *ExportService) export(ctx context.Context, inst instruments.Instrument, start, end time.Time, developer bool) (*instruments.ExportProvenance, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("%w: end must not be before start", instruments.ErrValidation)
	}
	fam := registry.MustLookup(inst.Family)
	if !fam.HasTable() {
		return nil, fmt.Errorf("%w: %s stores no data", instruments.ErrEmptyResult, inst.SN)
	}
	obs, err := s.store.Observations().Range(ctx, fam, inst.SN, start, end)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("%w: %s has no data between %s and %s", instruments.ErrEmptyResult, inst.SN,
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	visible := fam.PublicColumns()
	if developer {
		visible = fam.PrivateColumns()
	}
	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, export.BuildTable(fam, inst, obs, visible)); err != nil {
		return nil, err
	}
	body := buf.Bytes()
	key := instruments.ObjectKey(inst.SN, start, end, developer)
	now := s.clock.Now()

	if err := s.objects.Put(ctx, s.bucket, key, body); err != nil {
		return nil, fmt.Errorf("%w: %v", instruments.ErrStorage, err)
	}

	var out *instruments.ExportProvenance
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx Repositories) error {
		prov, err := tx.Provenance().Find(ctx, s.bucket, key)
		if err != nil {
			return err
		}
		if prov == nil {
			id := inst.ID
			prov = &instruments.ExportProvenance{
				Bucket:       s.bucket,
				Key:          key,
				Private:      developer,
				InstrumentID: &id,
			}
			fill(prov, start, end, len(body), now)
			if err := tx.Provenance().Create(ctx, prov); err != nil {
				return err
			}
		} else {
			fill(prov, start, end, len(body), now)
			if err := tx.Provenance().Update(ctx, prov); err != nil {
				return err
			}
		}
		out = prov
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("export written", zap.String("sn", inst.SN), zap.String("bucket", s.bucket), zap.String("key", key), zap.Int("rows", len(obs)))
	return out, nil
}

func fill(p *instruments.ExportProvenance, start, end time.Time, size int, now time.Time) {
	p.Date = start.UTC()
	p.LengthDays = instruments.RangeDays(start, end)
	p.SizeMB = float64(size) * 1e-6
	p.LastModified = now
}

// BackupReport summarizes a backup sweep.
type BackupReport struct {
	Start   time.Time
	End     time.Time
	Written []string
	Empty   []string
	Failed  map[string]error
}

// BackupRange returns the previous day, or the previous calendar month when monthly is set.
func BackupRange(now time.Time, monthly bool) (time.Time, time.Time) {
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !monthly {
		return today.AddDate(0, 0, -1), today
	}
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, -1, 0), end
}

// Backup exports every instrument in its developer and public variants.
// Instruments run concurrently up to limit, the two variants of one
// instrument run sequentially.
func (s *ExportService) Backup(ctx context.Context, monthly bool, limit int) (*BackupReport, error) {
	start, end := BackupRange(s.clock.Now(), monthly)
	all, err := s.store.Instruments().All(ctx)
	if err != nil {
		return nil, err
	}
	report := &BackupReport{Start: start, End: end, Failed: map[string]error{}}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, inst := range all {
		inst := inst
		g.Go(func() error {
			for _, developer := range []bool{true, false} {
				prov, err := s.ExportInstrument(ctx, inst, start, end, developer)
				mu.Lock()
				switch {
				case err == nil:
					report.Written = append(report.Written, prov.Key)
				case errors.Is(err, instruments.ErrEmptyResult):
					report.Empty = append(report.Empty, inst.SN)
				default:
					report.Failed[instruments.ObjectKey(inst.SN, start, end, developer)] = err
				}
				mu.Unlock()
				if err != nil && !errors.Is(err, instruments.ErrEmptyResult) {
					s.reporter.Report(ctx, err, map[string]string{"sn": inst.SN, "job": "backup"})
				}
				if errors.Is(err, instruments.ErrEmptyResult) {
					break
				}
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}
