package temporal

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chronika.org/internal/ids"
)

// Service defines the temporal store operations. Writers go through
// the upsert/delete methods only; every query method is a pure read.
type Service interface {
	CreateType(ctx context.Context, code, name string) (EntityType, error)
	ListTypes(ctx context.Context) ([]EntityType, error)
	DeleteType(ctx context.Context, code string) error

	UpsertEntity(ctx context.Context, p UpsertEntityParams) (Entity, bool, error)
	UpsertDetail(ctx context.Context, p UpsertDetailParams) (EntityDetail, bool, error)
	DeleteEntity(ctx context.Context, uid uuid.UUID) error
	DeleteDetail(ctx context.Context, uid uuid.UUID, detailCode string) error

	CurrentEntity(ctx context.Context, uid uuid.UUID) (Entity, error)
	CurrentEntities(ctx context.Context, query, typeCode string) ([]Entity, error)
	CurrentDetails(ctx context.Context, uid uuid.UUID) ([]EntityDetail, error)
	EntityAsOf(ctx context.Context, uid uuid.UUID, ts time.Time) (Entity, error)
	EntitiesAsOf(ctx context.Context, ts time.Time) ([]Entity, error)
	EntityHistory(ctx context.Context, uid uuid.UUID) ([]Entity, error)
	DetailHistory(ctx context.Context, uid uuid.UUID, detailCode string) ([]EntityDetail, error)
	ChangedBetween(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)

	AuditTrail(ctx context.Context, uid uuid.UUID) ([]AuditEntry, error)
}

// InMemory implements Service with in-process concurrency safety: one
// mutex serializes every read-modify-write, which makes the two-current
// race structurally impossible. Suitable for tests and single-process
// deployments; use store/pg for durable storage.
type InMemory struct {
	mu      sync.RWMutex
	types   map[string]EntityType
	chains  map[uuid.UUID][]Entity                 // ordered by ValidFrom
	details map[uuid.UUID]map[string][]EntityDetail // ordered by ValidFrom
	trail   []AuditEntry
	now     func() time.Time
}

var _ Service = (*InMemory)(nil)

// InMemoryOption configures InMemory.
type InMemoryOption func(*InMemory)

// WithClock overrides the store clock. Tests use it for deterministic
// validity stamps.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemory creates an empty temporal store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		types:   make(map[string]EntityType),
		chains:  make(map[uuid.UUID][]Entity),
		details: make(map[uuid.UUID]map[string][]EntityDetail),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- vocabulary ---

func (s *InMemory) CreateType(ctx context.Context, code, name string) (EntityType, error) {
	code = strings.TrimSpace(code)
	if code == "" || strings.TrimSpace(name) == "" {
		return EntityType{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.types[code]; ok {
		return EntityType{}, ErrTypeExists
	}
	et := EntityType{Code: code, Name: name}
	s.types[code] = et
	return et, nil
}

func (s *InMemory) ListTypes(ctx context.Context) ([]EntityType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EntityType, 0, len(s.types))
	for _, et := range s.types {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// DeleteType removes a vocabulary entry. Historical references protect
// the entry as much as current ones: history must stay resolvable.
func (s *InMemory) DeleteType(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.types[code]; !ok {
		return ErrNotFound
	}
	for _, chain := range s.chains {
		for i := range chain {
			if chain[i].TypeCode == code {
				return ErrTypeInUse
			}
		}
	}
	delete(s.types, code)
	return nil
}

// --- versioning engine ---

// changeMoment resolves the validity stamp for a new version.
// currentFrom is the ValidFrom of the open version, if any. A
// caller-supplied override that does not move time forward is a
// caller mistake; with the store clock the stamp is nudged instead,
// since the clock may not advance between two back-to-back writes.
func changeMoment(override time.Time, currentFrom *time.Time, now func() time.Time) (time.Time, error) {
	if override.IsZero() {
		ts := now().UTC()
		if currentFrom != nil && !ts.After(*currentFrom) {
			ts = currentFrom.Add(time.Nanosecond)
		}
		return ts, nil
	}
	ts := override.UTC()
	if currentFrom != nil && !ts.After(*currentFrom) {
		return time.Time{}, ErrStaleTimestamp
	}
	return ts, nil
}

func (s *InMemory) UpsertEntity(ctx context.Context, p UpsertEntityParams) (Entity, bool, error) {
	if p.EntityUID == uuid.Nil || strings.TrimSpace(p.DisplayName) == "" {
		return Entity{}, false, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.types[p.TypeCode]; !ok {
		return Entity{}, false, ErrUnknownType
	}

	h := EntityHashdiff(p.EntityUID, p.TypeCode, p.DisplayName)
	chain := s.chains[p.EntityUID]

	var cur *Entity
	if n := len(chain); n > 0 && chain[n-1].IsCurrent {
		cur = &chain[n-1]
	}
	if cur != nil && cur.Hashdiff == h {
		// Idempotent no-op: identical content never opens a version.
		return cloneEntity(*cur), false, nil
	}

	var curFrom *time.Time
	if cur != nil {
		curFrom = &cur.ValidFrom
	}
	moment, err := changeMoment(p.ChangeTS, curFrom, s.now)
	if err != nil {
		return Entity{}, false, err
	}
	if cur == nil && len(chain) > 0 {
		// Reopening a deleted key: the new interval starts at or after
		// the closed one ends.
		if moment, err = atOrAfter(moment, chain[len(chain)-1].ValidTo, p.ChangeTS.IsZero()); err != nil {
			return Entity{}, false, err
		}
	}
	wall := s.now().UTC()

	var before *string
	if cur != nil {
		prev := cur.DisplayName
		before = &prev
		closed := moment
		cur.ValidTo = &closed
		cur.IsCurrent = false
		cur.UpdatedAt = wall
	}

	next := Entity{
		EntityUID:   p.EntityUID,
		TypeCode:    p.TypeCode,
		DisplayName: p.DisplayName,
		ValidFrom:   moment,
		IsCurrent:   true,
		Hashdiff:    h,
		CreatedAt:   wall,
		UpdatedAt:   wall,
	}
	s.chains[p.EntityUID] = append(chain, next)

	after := p.DisplayName
	s.trail = append(s.trail, AuditEntry{
		ID:          ids.New(),
		EntityUID:   p.EntityUID,
		BeforeValue: before,
		AfterValue:  &after,
		Actor:       p.Actor,
		ChangedAt:   wall,
	})
	return cloneEntity(next), true, nil
}

func (s *InMemory) UpsertDetail(ctx context.Context, p UpsertDetailParams) (EntityDetail, bool, error) {
	if p.EntityUID == uuid.Nil || strings.TrimSpace(p.DetailCode) == "" {
		return EntityDetail{}, false, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := DetailHashdiff(p.EntityUID, p.DetailCode, p.DetailValue)
	byCode := s.details[p.EntityUID]
	if byCode == nil {
		byCode = make(map[string][]EntityDetail)
		s.details[p.EntityUID] = byCode
	}
	chain := byCode[p.DetailCode]

	var cur *EntityDetail
	if n := len(chain); n > 0 && chain[n-1].IsCurrent {
		cur = &chain[n-1]
	}
	if cur != nil && cur.Hashdiff == h {
		return cloneDetail(*cur), false, nil
	}

	var curFrom *time.Time
	if cur != nil {
		curFrom = &cur.ValidFrom
	}
	moment, err := changeMoment(p.ChangeTS, curFrom, s.now)
	if err != nil {
		return EntityDetail{}, false, err
	}
	if cur == nil && len(chain) > 0 {
		if moment, err = atOrAfter(moment, chain[len(chain)-1].ValidTo, p.ChangeTS.IsZero()); err != nil {
			return EntityDetail{}, false, err
		}
	}
	wall := s.now().UTC()

	var before *string
	if cur != nil {
		prev := cur.DetailValue
		before = &prev
		closed := moment
		cur.ValidTo = &closed
		cur.IsCurrent = false
		cur.UpdatedAt = wall
	}

	next := EntityDetail{
		EntityUID:   p.EntityUID,
		DetailCode:  p.DetailCode,
		DetailValue: p.DetailValue,
		ValidFrom:   moment,
		IsCurrent:   true,
		Hashdiff:    h,
		CreatedAt:   wall,
		UpdatedAt:   wall,
	}
	byCode[p.DetailCode] = append(chain, next)

	after := p.DetailValue
	s.trail = append(s.trail, AuditEntry{
		ID:          ids.New(),
		EntityUID:   p.EntityUID,
		DetailCode:  p.DetailCode,
		BeforeValue: before,
		AfterValue:  &after,
		Actor:       p.Actor,
		ChangedAt:   wall,
	})
	return cloneDetail(next), true, nil
}

// DeleteEntity closes the current version with no replacement. The key
// has no current version afterward until a new upsert reopens it.
func (s *InMemory) DeleteEntity(ctx context.Context, uid uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[uid]
	n := len(chain)
	if n == 0 || !chain[n-1].IsCurrent {
		return ErrNotFound
	}
	cur := &chain[n-1]
	wall := s.now().UTC()
	moment := wall
	if !moment.After(cur.ValidFrom) {
		moment = cur.ValidFrom.Add(time.Nanosecond)
	}
	cur.ValidTo = &moment
	cur.IsCurrent = false
	cur.UpdatedAt = wall

	before := cur.DisplayName
	s.trail = append(s.trail, AuditEntry{
		ID:          ids.New(),
		EntityUID:   uid,
		BeforeValue: &before,
		ChangedAt:   wall,
	})
	return nil
}

func (s *InMemory) DeleteDetail(ctx context.Context, uid uuid.UUID, detailCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.details[uid][detailCode]
	n := len(chain)
	if n == 0 || !chain[n-1].IsCurrent {
		return ErrNotFound
	}
	cur := &chain[n-1]
	wall := s.now().UTC()
	moment := wall
	if !moment.After(cur.ValidFrom) {
		moment = cur.ValidFrom.Add(time.Nanosecond)
	}
	cur.ValidTo = &moment
	cur.IsCurrent = false
	cur.UpdatedAt = wall

	before := cur.DetailValue
	s.trail = append(s.trail, AuditEntry{
		ID:          ids.New(),
		EntityUID:   uid,
		DetailCode:  detailCode,
		BeforeValue: &before,
		ChangedAt:   wall,
	})
	return nil
}

// --- temporal queries ---

func (s *InMemory) CurrentEntity(ctx context.Context, uid uuid.UUID) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[uid]
	if n := len(chain); n > 0 && chain[n-1].IsCurrent {
		return cloneEntity(chain[n-1]), nil
	}
	return Entity{}, ErrNotFound
}

func (s *InMemory) CurrentEntities(ctx context.Context, query, typeCode string) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(strings.TrimSpace(query))
	out := []Entity{}
	for _, chain := range s.chains {
		n := len(chain)
		if n == 0 || !chain[n-1].IsCurrent {
			continue
		}
		row := chain[n-1]
		if q != "" && !strings.Contains(strings.ToLower(row.DisplayName), q) {
			continue
		}
		if typeCode != "" && row.TypeCode != typeCode {
			continue
		}
		out = append(out, cloneEntity(row))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].EntityUID.String() < out[j].EntityUID.String()
	})
	return out, nil
}

func (s *InMemory) CurrentDetails(ctx context.Context, uid uuid.UUID) ([]EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []EntityDetail{}
	for _, chain := range s.details[uid] {
		n := len(chain)
		if n > 0 && chain[n-1].IsCurrent {
			out = append(out, cloneDetail(chain[n-1]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetailCode < out[j].DetailCode })
	return out, nil
}

func (s *InMemory) EntityAsOf(ctx context.Context, uid uuid.UUID, ts time.Time) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts = ts.UTC()
	for _, row := range s.chains[uid] {
		if containsMoment(row.ValidFrom, row.ValidTo, ts) {
			return cloneEntity(row), nil
		}
	}
	return Entity{}, ErrNotFound
}

func (s *InMemory) EntitiesAsOf(ctx context.Context, ts time.Time) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts = ts.UTC()
	out := []Entity{}
	for _, chain := range s.chains {
		for _, row := range chain {
			if containsMoment(row.ValidFrom, row.ValidTo, ts) {
				out = append(out, cloneEntity(row))
				break // at most one per key: intervals never overlap
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EntityUID.String() < out[j].EntityUID.String()
	})
	return out, nil
}

func (s *InMemory) EntityHistory(ctx context.Context, uid uuid.UUID) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[uid]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	out := make([]Entity, len(chain))
	for i, row := range chain {
		out[i] = cloneEntity(row)
	}
	return out, nil
}

func (s *InMemory) DetailHistory(ctx context.Context, uid uuid.UUID, detailCode string) ([]EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.details[uid][detailCode]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	out := make([]EntityDetail, len(chain))
	for i, row := range chain {
		out[i] = cloneDetail(row)
	}
	return out, nil
}

// ChangedBetween reports logical keys with any row whose bookkeeping
// timestamp falls in [from, to). Detail changes count toward their
// owning entity key. Idempotent no-ops touch nothing and never appear.
func (s *InMemory) ChangedBetween(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	if !from.Before(to) {
		return nil, ErrInvalidRange
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	from, to = from.UTC(), to.UTC()

	seen := make(map[uuid.UUID]bool)
	for uid, chain := range s.chains {
		for _, row := range chain {
			if inWindow(row.UpdatedAt, from, to) {
				seen[uid] = true
				break
			}
		}
	}
	for uid, byCode := range s.details {
		if seen[uid] {
			continue
		}
		for _, chain := range byCode {
			for _, row := range chain {
				if inWindow(row.UpdatedAt, from, to) {
					seen[uid] = true
					break
				}
			}
		}
	}

	out := make([]uuid.UUID, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *InMemory) AuditTrail(ctx context.Context, uid uuid.UUID) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []AuditEntry{}
	for _, e := range s.trail {
		if e.EntityUID == uid {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- helpers ---

// atOrAfter clamps ts to the end of a closed interval. Store-clock
// stamps are nudged forward; caller overrides that land inside closed
// history are rejected.
func atOrAfter(ts time.Time, prevEnd *time.Time, fromClock bool) (time.Time, error) {
	if prevEnd == nil || !ts.Before(*prevEnd) {
		return ts, nil
	}
	if fromClock {
		return *prevEnd, nil
	}
	return time.Time{}, ErrStaleTimestamp
}

func containsMoment(from time.Time, to *time.Time, ts time.Time) bool {
	if ts.Before(from) {
		return false
	}
	return to == nil || to.After(ts)
}

func inWindow(ts, from, to time.Time) bool {
	return !ts.Before(from) && ts.Before(to)
}

func cloneEntity(e Entity) Entity {
	if e.ValidTo != nil {
		closed := *e.ValidTo
		e.ValidTo = &closed
	}
	return e
}

func cloneDetail(d EntityDetail) EntityDetail {
	if d.ValidTo != nil {
		closed := *d.ValidTo
		d.ValidTo = &closed
	}
	return d
}
