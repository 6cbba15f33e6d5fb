// Package memory is an in-process store used by tests and STORE=memory.
package memory

import (
	"context"
	"sort"
	"sync"

	"airquality-cloud/internal/auth"
	"airquality-cloud/internal/instruments/application"
	instruments "airquality-cloud/internal/instruments/domain"
	"airquality-cloud/internal/query"
)

type state struct {
	seq          map[string]int64
	instruments  map[string]instruments.Instrument
	observations map[instruments.Family][]instruments.Observation
	credentials  map[string]instruments.Credential
	users        map[int64]instruments.User
	models       map[int64]instruments.CalibrationModel
	provenance   map[string]instruments.ExportProvenance
	logs         map[int64]instruments.EventLog
}

func newState() *state {
	return &state{
		seq:          map[string]int64{},
		instruments:  map[string]instruments.Instrument{},
		observations: map[instruments.Family][]instruments.Observation{},
		credentials:  map[string]instruments.Credential{},
		users:        map[int64]instruments.User{},
		models:       map[int64]instruments.CalibrationModel{},
		provenance:   map[string]instruments.ExportProvenance{},
		logs:         map[int64]instruments.EventLog{},
	}
}

func (s *state) next(name string) int64 {
	s.seq[name]++
	return s.seq[name]
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.seq {
		out.seq[k] = v
	}
	for k, v := range s.instruments {
		out.instruments[k] = v.Clone()
	}
	for fam, rows := range s.observations {
		copied := make([]instruments.Observation, len(rows))
		for i, o := range rows {
			o.Values = o.Values.Clone()
			copied[i] = o
		}
		out.observations[fam] = copied
	}
	for k, v := range s.credentials {
		out.credentials[k] = v
	}
	for k, v := range s.users {
		v.GroupIDs = append([]int64(nil), v.GroupIDs...)
		out.users[k] = v
	}
	for k, v := range s.models {
		out.models[k] = v
	}
	for k, v := range s.provenance {
		out.provenance[k] = v
	}
	for k, v := range s.logs {
		out.logs[k] = v
	}
	return out
}

// Store keeps every entity in process. A transaction works on a snapshot
// that replaces the live state on commit; the store's own repositories must
// not be used inside WithinTx.
type Store struct {
	mu sync.RWMutex
	st *state
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{st: newState()}
}

var _ application.Store = (*Store)(nil)
var _ auth.PrincipalStore = (*Store)(nil)

// WithinTx implements application.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx application.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.st.clone()
	if err := fn(ctx, &repos{tx: snapshot}); err != nil {
		return err
	}
	s.st = snapshot
	return nil
}

func (s *Store) live() *repos { return &repos{store: s} }

// Instruments implements application.Repositories.
func (s *Store) Instruments() application.InstrumentRepository { return instrumentRepo{s.live()} }

// Observations implements application.Repositories.
func (s *Store) Observations() application.ObservationRepository { return observationRepo{s.live()} }

// Credentials implements application.Repositories.
func (s *Store) Credentials() application.CredentialRepository { return credentialRepo{s.live()} }

// Users implements application.Repositories.
func (s *Store) Users() application.UserRepository { return userRepo{s.live()} }

// Models implements application.Repositories.
func (s *Store) Models() application.ModelRepository { return modelRepo{s.live()} }

// Provenance implements application.Repositories.
func (s *Store) Provenance() application.ProvenanceRepository { return provenanceRepo{s.live()} }

// EventLogs implements application.Repositories.
func (s *Store) EventLogs() application.EventLogRepository { return logRepo{s.live()} }

// AddGroupMember records a user's group membership.
func (s *Store) AddGroupMember(userID, groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[userID]
	if !ok {
		return
	}
	u.GroupIDs = append(u.GroupIDs, groupID)
	s.st.users[userID] = u
}

// ProvenanceRecords lists every provenance record.
func (s *Store) ProvenanceRecords() []instruments.ExportProvenance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]instruments.ExportProvenance, 0, len(s.st.provenance))
	for _, p := range s.st.provenance {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PrincipalByToken implements auth.PrincipalStore.
func (s *Store) PrincipalByToken(ctx context.Context, token string) (*auth.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.st.credentials[token]
	if !ok {
		return nil, nil
	}
	if cred.DeviceOwned() {
		return &auth.Principal{Token: token, InstrumentSN: cred.InstrumentSN, Permissions: auth.DevicePermissions}, nil
	}
	if cred.UserID == nil {
		return nil, nil
	}
	p := s.userPrincipal(*cred.UserID)
	if p != nil {
		p.Token = token
	}
	return p, nil
}

// PrincipalByUserID implements auth.PrincipalStore.
func (s *Store) PrincipalByUserID(ctx context.Context, id int64) (*auth.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userPrincipal(id), nil
}

func (s *Store) userPrincipal(id int64) *auth.Principal {
	u, ok := s.st.users[id]
	if !ok {
		return nil
	}
	uid := u.ID
	return &auth.Principal{
		UserID:      &uid,
		Email:       u.Email,
		Permissions: auth.Normalize(auth.Permission(u.Permissions)),
		GroupIDs:    append([]int64(nil), u.GroupIDs...),
	}
}

// repos binds repositories either to a transaction snapshot or to the live state.
type repos struct {
	store *Store
	tx    *state
}

func (r *repos) view(fn func(st *state) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return fn(r.store.st)
}

func (r *repos) update(fn func(st *state) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return fn(r.store.st)
}

func (r *repos) Instruments() application.InstrumentRepository   { return instrumentRepo{r} }
func (r *repos) Observations() application.ObservationRepository { return observationRepo{r} }
func (r *repos) Credentials() application.CredentialRepository   { return credentialRepo{r} }
func (r *repos) Users() application.UserRepository               { return userRepo{r} }
func (r *repos) Models() application.ModelRepository             { return modelRepo{r} }
func (r *repos) Provenance() application.ProvenanceRepository    { return provenanceRepo{r} }
func (r *repos) EventLogs() application.EventLogRepository       { return logRepo{r} }

// page filters, orders and windows items. less is the fallback order and
// breaks ties left by the requested orderings; it must be a total order.
func page[T any](items []T, w query.Window, get func(item T, name string) any, less func(a, b T) bool) []T {
	filtered := make([]T, 0, len(items))
	for _, item := range items {
		item := item
		if query.MatchAll(w.Predicates, func(name string) any { return get(item, name) }) {
			filtered = append(filtered, item)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		for _, o := range w.Orderings {
			c, ok := query.Compare(get(filtered[i], o.Field.Name), get(filtered[j], o.Field.Name))
			if !ok || c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return less(filtered[i], filtered[j])
	})
	if w.Offset >= len(filtered) {
		return []T{}
	}
	filtered = filtered[w.Offset:]
	if w.Limit > 0 && w.Limit < len(filtered) {
		filtered = filtered[:w.Limit]
	}
	return filtered
}

func count[T any](items []T, preds []query.Predicate, get func(item T, name string) any) int {
	n := 0
	for _, item := range items {
		item := item
		if query.MatchAll(preds, func(name string) any { return get(item, name) }) {
			n++
		}
	}
	return n
}
