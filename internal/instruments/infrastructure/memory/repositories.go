package memory

import (
	"context"
	"fmt"
	"time"

	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/instruments/registry"
	"airquality-cloud/internal/query"
)

func timeValue(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

type instrumentRepo struct{ r *repos }

func instrumentField(inst instruments.Instrument, name string) any {
	switch name {
	case "last_updated":
		return timeValue(inst.LastUpdated)
	case "created":
		return timeValue(inst.CreatedAt)
	}
	return inst.Fields()[name]
}

func visible(st *state, scope instruments.Visibility) []instruments.Instrument {
	out := make([]instruments.Instrument, 0, len(st.instruments))
	for _, inst := range st.instruments {
		if scope.Allows(inst) {
			out = append(out, inst.Clone())
		}
	}
	return out
}

func bySN(a, b instruments.Instrument) bool { return a.SN < b.SN }

func (x instrumentRepo) Get(_ context.Context, sn string) (*instruments.Instrument, error) {
	var out *instruments.Instrument
	err := x.r.view(func(st *state) error {
		if inst, ok := st.instruments[sn]; ok {
			c := inst.Clone()
			out = &c
		}
		return nil
	})
	return out, err
}

func (x instrumentRepo) GetByParticleID(_ context.Context, particleID string) (*instruments.Instrument, error) {
	var out *instruments.Instrument
	err := x.r.view(func(st *state) error {
		for _, inst := range st.instruments {
			if inst.ParticleID != "" && inst.ParticleID == particleID {
				c := inst.Clone()
				out = &c
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (x instrumentRepo) Count(_ context.Context, scope instruments.Visibility, preds []query.Predicate) (int, error) {
	var n int
	err := x.r.view(func(st *state) error {
		n = count(visible(st, scope), preds, instrumentField)
		return nil
	})
	return n, err
}

func (x instrumentRepo) List(_ context.Context, scope instruments.Visibility, w query.Window) ([]instruments.Instrument, error) {
	var out []instruments.Instrument
	err := x.r.view(func(st *state) error {
		out = page(visible(st, scope), w, instrumentField, bySN)
		return nil
	})
	return out, err
}

func (x instrumentRepo) All(ctx context.Context) ([]instruments.Instrument, error) {
	return x.List(ctx, instruments.Visibility{All: true}, query.Window{})
}

func (x instrumentRepo) UpdatedSince(_ context.Context, since time.Time) ([]instruments.Instrument, error) {
	var out []instruments.Instrument
	err := x.r.view(func(st *state) error {
		for _, inst := range visible(st, instruments.Visibility{All: true}) {
			if !inst.Private && !inst.LastUpdated.IsZero() && !inst.LastUpdated.Before(since) {
				out = append(out, inst)
			}
		}
		return nil
	})
	return page(out, query.Window{}, instrumentField, bySN), err
}

func (x instrumentRepo) Create(_ context.Context, inst *instruments.Instrument) error {
	return x.r.update(func(st *state) error {
		if _, ok := st.instruments[inst.SN]; ok {
			return fmt.Errorf("%w: instrument %s already exists", instruments.ErrConflict, inst.SN)
		}
		if inst.ParticleID != "" {
			for _, other := range st.instruments {
				if other.ParticleID == inst.ParticleID {
					return fmt.Errorf("%w: particle id %s already registered", instruments.ErrConflict, inst.ParticleID)
				}
			}
		}
		inst.ID = st.next("instruments")
		st.instruments[inst.SN] = inst.Clone()
		return nil
	})
}

func (x instrumentRepo) Update(_ context.Context, inst *instruments.Instrument) error {
	return x.r.update(func(st *state) error {
		if _, ok := st.instruments[inst.SN]; !ok {
			return fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, inst.SN)
		}
		st.instruments[inst.SN] = inst.Clone()
		return nil
	})
}

func (x instrumentRepo) Delete(_ context.Context, sn string) error {
	return x.r.update(func(st *state) error {
		inst, ok := st.instruments[sn]
		if !ok {
			return fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, sn)
		}
		delete(st.instruments, sn)
		rows := st.observations[inst.Family]
		kept := rows[:0:0]
		for _, o := range rows {
			if o.SN != sn {
				kept = append(kept, o)
			}
		}
		st.observations[inst.Family] = kept
		for key, cred := range st.credentials {
			if cred.InstrumentSN == sn {
				delete(st.credentials, key)
			}
		}
		for id, l := range st.logs {
			if l.SN == sn {
				delete(st.logs, id)
			}
		}
		for key, p := range st.provenance {
			if p.InstrumentID != nil && *p.InstrumentID == inst.ID {
				p.InstrumentID = nil
				st.provenance[key] = p
			}
		}
		for id, m := range st.models {
			if m.InstrumentID != nil && *m.InstrumentID == inst.ID {
				m.InstrumentID = nil
				st.models[id] = m
			}
		}
		return nil
	})
}

func (x instrumentRepo) Touch(_ context.Context, sn string, at time.Time) error {
	return x.r.update(func(st *state) error {
		inst, ok := st.instruments[sn]
		if !ok {
			return fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, sn)
		}
		inst.LastUpdated = at.UTC()
		st.instruments[sn] = inst
		return nil
	})
}

func (x instrumentRepo) AssignModel(_ context.Context, sn string, slot instruments.Slot, modelID *int64) error {
	return x.r.update(func(st *state) error {
		inst, ok := st.instruments[sn]
		if !ok {
			return fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, sn)
		}
		inst = inst.Clone()
		if modelID == nil {
			delete(inst.Models, slot)
		} else {
			if inst.Models == nil {
				inst.Models = map[instruments.Slot]int64{}
			}
			inst.Models[slot] = *modelID
		}
		st.instruments[sn] = inst
		return nil
	})
}

type observationRepo struct{ r *repos }

func observationField(o instruments.Observation, name string) any {
	return o.Get(name)
}

func byTimestamp(a, b instruments.Observation) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}

func byTimestampDesc(a, b instruments.Observation) bool { return byTimestamp(b, a) }

func rowsOf(st *state, fam *registry.Family, sn string) []instruments.Observation {
	var out []instruments.Observation
	for _, o := range st.observations[fam.Name] {
		if o.SN == sn {
			o.Values = o.Values.Clone()
			out = append(out, o)
		}
	}
	return out
}

func (x observationRepo) Count(_ context.Context, fam *registry.Family, sn string, preds []query.Predicate) (int, error) {
	var n int
	err := x.r.view(func(st *state) error {
		n = count(rowsOf(st, fam, sn), preds, observationField)
		return nil
	})
	return n, err
}

func (x observationRepo) List(_ context.Context, fam *registry.Family, sn string, w query.Window) ([]instruments.Observation, error) {
	var out []instruments.Observation
	err := x.r.view(func(st *state) error {
		out = page(rowsOf(st, fam, sn), w, observationField, byTimestampDesc)
		return nil
	})
	return out, err
}

func (x observationRepo) Get(_ context.Context, fam *registry.Family, sn string, id int64) (*instruments.Observation, error) {
	var out *instruments.Observation
	err := x.r.view(func(st *state) error {
		for _, o := range rowsOf(st, fam, sn) {
			if o.ID == id {
				o := o
				out = &o
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (x observationRepo) Latest(_ context.Context, fam *registry.Family, sn string) (*instruments.Observation, error) {
	var out *instruments.Observation
	err := x.r.view(func(st *state) error {
		rows := page(rowsOf(st, fam, sn), query.Window{Limit: 1}, observationField, byTimestampDesc)
		if len(rows) == 1 {
			out = &rows[0]
		}
		return nil
	})
	return out, err
}

func (x observationRepo) Range(_ context.Context, fam *registry.Family, sn string, start, end time.Time) ([]instruments.Observation, error) {
	var out []instruments.Observation
	err := x.r.view(func(st *state) error {
		for _, o := range rowsOf(st, fam, sn) {
			if !o.Timestamp.Before(start) && !o.Timestamp.After(end) {
				out = append(out, o)
			}
		}
		return nil
	})
	return page(out, query.Window{}, observationField, byTimestamp), err
}

func (x observationRepo) Insert(_ context.Context, fam *registry.Family, obs *instruments.Observation) error {
	if !fam.HasTable() {
		return registry.ErrNoTable
	}
	return x.r.update(func(st *state) error {
		if _, ok := st.instruments[obs.SN]; !ok {
			return fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, obs.SN)
		}
		obs.ID = st.next(fam.Table)
		obs.Family = fam.Name
		stored := *obs
		stored.Values = obs.Values.Clone()
		st.observations[fam.Name] = append(st.observations[fam.Name], stored)
		return nil
	})
}

func (x observationRepo) SetFlag(_ context.Context, fam *registry.Family, sn string, id int64, flag int64) error {
	return x.r.update(func(st *state) error {
		rows := st.observations[fam.Name]
		for i := range rows {
			if rows[i].SN == sn && rows[i].ID == id {
				values := rows[i].Values.Clone()
				values["flag"] = flag
				rows[i].Values = values
				return nil
			}
		}
		return fmt.Errorf("%w: observation %d", instruments.ErrNotFound, id)
	})
}

type credentialRepo struct{ r *repos }

func (x credentialRepo) Create(_ context.Context, cred *instruments.Credential) error {
	if (cred.UserID == nil) == (cred.InstrumentSN == "") {
		return fmt.Errorf("%w: credential needs exactly one owner", instruments.ErrValidation)
	}
	return x.r.update(func(st *state) error {
		if _, ok := st.credentials[cred.Key]; ok {
			return fmt.Errorf("%w: credential key", instruments.ErrConflict)
		}
		cred.ID = st.next("api_keys")
		st.credentials[cred.Key] = *cred
		return nil
	})
}

func (x credentialRepo) ForInstrument(_ context.Context, sn string) (*instruments.Credential, error) {
	var out *instruments.Credential
	err := x.r.view(func(st *state) error {
		for _, cred := range st.credentials {
			if cred.InstrumentSN == sn {
				cred := cred
				out = &cred
				return nil
			}
		}
		return nil
	})
	return out, err
}

func (x credentialRepo) DeleteForInstrument(_ context.Context, sn string) error {
	return x.r.update(func(st *state) error {
		for key, cred := range st.credentials {
			if cred.InstrumentSN == sn {
				delete(st.credentials, key)
			}
		}
		return nil
	})
}

type userRepo struct{ r *repos }

func (x userRepo) CreateUser(_ context.Context, user *instruments.User) error {
	return x.r.update(func(st *state) error {
		for _, u := range st.users {
			if u.Email == user.Email {
				return fmt.Errorf("%w: user %s already exists", instruments.ErrConflict, user.Email)
			}
		}
		user.ID = st.next("users")
		stored := *user
		stored.GroupIDs = append([]int64(nil), user.GroupIDs...)
		st.users[user.ID] = stored
		return nil
	})
}

type modelRepo struct{ r *repos }

func modelField(m instruments.CalibrationModel, name string) any {
	switch name {
	case "id":
		return m.ID
	case "filename":
		return m.Filename
	case "label":
		return m.Label
	case "rmse":
		return floatValue(m.RMSE)
	case "mae":
		return floatValue(m.MAE)
	case "r2":
		return floatValue(m.R2)
	case "created":
		return timeValue(m.CreatedAt)
	}
	return nil
}

func floatValue(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func byModelID(a, b instruments.CalibrationModel) bool { return a.ID < b.ID }

func allModels(st *state) []instruments.CalibrationModel {
	out := make([]instruments.CalibrationModel, 0, len(st.models))
	for _, m := range st.models {
		out = append(out, m)
	}
	return out
}

func (x modelRepo) Get(_ context.Context, id int64) (*instruments.CalibrationModel, error) {
	var out *instruments.CalibrationModel
	err := x.r.view(func(st *state) error {
		if m, ok := st.models[id]; ok {
			out = &m
		}
		return nil
	})
	return out, err
}

func (x modelRepo) Count(_ context.Context, preds []query.Predicate) (int, error) {
	var n int
	err := x.r.view(func(st *state) error {
		n = count(allModels(st), preds, modelField)
		return nil
	})
	return n, err
}

func (x modelRepo) List(_ context.Context, w query.Window) ([]instruments.CalibrationModel, error) {
	var out []instruments.CalibrationModel
	err := x.r.view(func(st *state) error {
		out = page(allModels(st), w, modelField, byModelID)
		return nil
	})
	return out, err
}

func (x modelRepo) Create(_ context.Context, m *instruments.CalibrationModel) error {
	return x.r.update(func(st *state) error {
		m.ID = st.next("models")
		st.models[m.ID] = *m
		return nil
	})
}

func (x modelRepo) Delete(_ context.Context, id int64) error {
	return x.r.update(func(st *state) error {
		if _, ok := st.models[id]; !ok {
			return fmt.Errorf("%w: model %d", instruments.ErrNotFound, id)
		}
		delete(st.models, id)
		for sn, inst := range st.instruments {
			changed := false
			for slot, assigned := range inst.Models {
				if assigned == id {
					if !changed {
						inst = inst.Clone()
						changed = true
					}
					delete(inst.Models, slot)
				}
			}
			if changed {
				st.instruments[sn] = inst
			}
		}
		return nil
	})
}

type provenanceRepo struct{ r *repos }

func provenanceKey(bucket, key string) string { return bucket + "\x00" + key }

func (x provenanceRepo) Find(_ context.Context, bucket, key string) (*instruments.ExportProvenance, error) {
	var out *instruments.ExportProvenance
	err := x.r.view(func(st *state) error {
		if p, ok := st.provenance[provenanceKey(bucket, key)]; ok {
			out = &p
		}
		return nil
	})
	return out, err
}

func (x provenanceRepo) Create(_ context.Context, p *instruments.ExportProvenance) error {
	return x.r.update(func(st *state) error {
		k := provenanceKey(p.Bucket, p.Key)
		if _, ok := st.provenance[k]; ok {
			return fmt.Errorf("%w: %s/%s", instruments.ErrConflict, p.Bucket, p.Key)
		}
		p.ID = st.next("aws")
		st.provenance[k] = *p
		return nil
	})
}

func (x provenanceRepo) Update(_ context.Context, p *instruments.ExportProvenance) error {
	return x.r.update(func(st *state) error {
		k := provenanceKey(p.Bucket, p.Key)
		if _, ok := st.provenance[k]; !ok {
			return fmt.Errorf("%w: %s/%s", instruments.ErrNotFound, p.Bucket, p.Key)
		}
		st.provenance[k] = *p
		return nil
	})
}

type logRepo struct{ r *repos }

func logField(l instruments.EventLog, name string) any {
	switch name {
	case "id":
		return l.ID
	case "instr_sn":
		return l.SN
	case "opened":
		return timeValue(l.Opened)
	case "closed":
		if l.Closed == nil {
			return nil
		}
		return *l.Closed
	case "level":
		return l.Level
	case "addressed":
		return l.Addressed
	case "message":
		return l.Message
	}
	return nil
}

func byOpenedDesc(a, b instruments.EventLog) bool {
	if a.Opened.Equal(b.Opened) {
		return a.ID > b.ID
	}
	return a.Opened.After(b.Opened)
}

func logsOf(st *state, sn string) []instruments.EventLog {
	out := make([]instruments.EventLog, 0)
	for _, l := range st.logs {
		if sn == "" || l.SN == sn {
			out = append(out, l)
		}
	}
	return out
}

func (x logRepo) Create(_ context.Context, entry *instruments.EventLog) error {
	return x.r.update(func(st *state) error {
		if _, ok := st.instruments[entry.SN]; !ok {
			return fmt.Errorf("%w: instrument %s", instruments.ErrNotFound, entry.SN)
		}
		entry.ID = st.next("logs")
		st.logs[entry.ID] = *entry
		return nil
	})
}

func (x logRepo) Get(_ context.Context, id int64) (*instruments.EventLog, error) {
	var out *instruments.EventLog
	err := x.r.view(func(st *state) error {
		if l, ok := st.logs[id]; ok {
			out = &l
		}
		return nil
	})
	return out, err
}

func (x logRepo) Update(_ context.Context, entry *instruments.EventLog) error {
	return x.r.update(func(st *state) error {
		if _, ok := st.logs[entry.ID]; !ok {
			return fmt.Errorf("%w: log %d", instruments.ErrNotFound, entry.ID)
		}
		st.logs[entry.ID] = *entry
		return nil
	})
}

func (x logRepo) Count(_ context.Context, sn string, preds []query.Predicate) (int, error) {
	var n int
	err := x.r.view(func(st *state) error {
		n = count(logsOf(st, sn), preds, logField)
		return nil
	})
	return n, err
}

func (x logRepo) List(_ context.Context, sn string, w query.Window) ([]instruments.EventLog, error) {
	var out []instruments.EventLog
	err := x.r.view(func(st *state) error {
		out = page(logsOf(st, sn), w, logField, byOpenedDesc)
		return nil
	})
	return out, err
}
