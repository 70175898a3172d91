package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/bugshot/pkg/models"
)

type aggregateKey struct {
	projectID   uuid.UUID
	fingerprint string
}

// MemoryStore is an in-process Store for tests and single-node development.
// One mutex guards all state, which trivially gives find-or-create a single
// writer per key. Data does not survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	projects    map[uuid.UUID]*models.Project
	apiKeys     map[uuid.UUID]*models.APIKey
	aggregates  map[uuid.UUID]*models.ErrorAggregate
	byKey       map[aggregateKey]uuid.UUID
	occurrences map[uuid.UUID][]*models.Occurrence
	occByID     map[uuid.UUID]*models.Occurrence
	channels    map[uuid.UUID]*models.NotificationChannel
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects:    make(map[uuid.UUID]*models.Project),
		apiKeys:     make(map[uuid.UUID]*models.APIKey),
		aggregates:  make(map[uuid.UUID]*models.ErrorAggregate),
		byKey:       make(map[aggregateKey]uuid.UUID),
		occurrences: make(map[uuid.UUID][]*models.Occurrence),
		occByID:     make(map[uuid.UUID]*models.Occurrence),
		channels:    make(map[uuid.UUID]*models.NotificationChannel),
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Projects ---

func (s *MemoryStore) CreateProject(_ context.Context, p *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		if existing.ID == p.ID || existing.APIKey == p.APIKey {
			return ErrDuplicateKey
		}
	}
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetProjectByAPIKey(_ context.Context, apiKey string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if p.APIKey == apiKey {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) IncrementProjectStats(_ context.Context, projectID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	p.TotalErrors++
	if p.LastErrorAt == nil || at.After(*p.LastErrorAt) {
		t := at
		p.LastErrorAt = &t
	}
	return nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *key
	s.apiKeys[key.ID] = &cp
	return nil
}

// --- Error Aggregates ---

func (s *MemoryStore) FindOrCreateAndIncrement(_ context.Context, projectID uuid.UUID, fingerprint string,
	seed *models.ErrorAggregate, occ *models.Occurrence) (*models.ErrorAggregate, bool, error) {
	k := aggregateKey{projectID: projectID, fingerprint: fingerprint}
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		agg     *models.ErrorAggregate
		created bool
	)
	if id, ok := s.byKey[k]; ok {
		agg = s.aggregates[id]
		agg.OccurrenceCount++
		if occ.OccurredAt.After(agg.LastSeenAt) {
			agg.LastSeenAt = occ.OccurredAt
		}
		agg.UpdatedAt = now
	} else {
		agg = &models.ErrorAggregate{
			ID:              uuid.New(),
			ProjectID:       projectID,
			Fingerprint:     fingerprint,
			ErrorType:       seed.ErrorType,
			Message:         seed.Message,
			FilePath:        seed.FilePath,
			LineNumber:      seed.LineNumber,
			MethodName:      seed.MethodName,
			StackTrace:      seed.StackTrace,
			FirstSeenAt:     occ.OccurredAt,
			LastSeenAt:      occ.OccurredAt,
			OccurrenceCount: 1,
			Severity:        models.SeverityMedium,
			Status:          models.StatusUnresolved,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		s.aggregates[agg.ID] = agg
		s.byKey[k] = agg.ID
		created = true
	}

	occ.ErrorID = agg.ID
	stored := *occ
	s.occurrences[agg.ID] = append(s.occurrences[agg.ID], &stored)
	s.occByID[stored.ID] = &stored

	cp := *agg
	return &cp, created, nil
}

func (s *MemoryStore) GetErrorAggregate(_ context.Context, id uuid.UUID, projectID uuid.UUID) (*models.ErrorAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.aggregates[id]
	if !ok || a.ProjectID != projectID {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListErrorAggregates(_ context.Context, filter ErrorFilter) ([]*models.ErrorAggregate, int, error) {
	s.mu.RLock()
	var matched []*models.ErrorAggregate
	for _, a := range s.aggregates {
		if a.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		cp := *a
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		switch filter.Sort {
		case SortRecent:
			return a.LastSeenAt.After(b.LastSeenAt)
		case SortCount:
			if a.OccurrenceCount != b.OccurrenceCount {
				return a.OccurrenceCount > b.OccurrenceCount
			}
		default:
			if a.PriorityScore != b.PriorityScore {
				return a.PriorityScore > b.PriorityScore
			}
		}
		return a.LastSeenAt.After(b.LastSeenAt)
	})

	total := len(matched)
	limit, offset := filter.normalize()
	if offset >= total {
		return []*models.ErrorAggregate{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) CountDistinctUsers(_ context.Context, errorID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, o := range s.occurrences[errorID] {
		if o.UserIdentifier != nil {
			seen[*o.UserIdentifier] = struct{}{}
		}
	}
	return int64(len(seen)), nil
}

func (s *MemoryStore) UpdatePriority(_ context.Context, id uuid.UUID, affectedUsers int64, score float64, severity models.Severity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[id]
	if !ok {
		return ErrNotFound
	}
	a.AffectedUsersCount = affectedUsers
	a.PriorityScore = score
	a.Severity = severity
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, id uuid.UUID, projectID uuid.UUID, action models.Action, actor string) (*models.ErrorAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.aggregates[id]
	if !ok || a.ProjectID != projectID {
		return nil, ErrNotFound
	}
	if err := a.Apply(action, actor, time.Now().UTC()); err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

// --- Occurrences ---

func (s *MemoryStore) ListOccurrences(_ context.Context, errorID uuid.UUID, limit int) ([]*models.Occurrence, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.occurrences[errorID]
	out := []*models.Occurrence{}
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *all[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) AttachReplay(_ context.Context, occurrenceID uuid.UUID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.occByID[occurrenceID]
	if !ok || o.SessionReplayRef != nil {
		return ErrNotFound
	}
	o.SessionReplayRef = &ref
	return nil
}

// --- Notification Channels ---

func (s *MemoryStore) CreateChannel(_ context.Context, ch *models.NotificationChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch.ID]; ok {
		return ErrDuplicateKey
	}
	cp := *ch
	if cp.MinSeverity == "" {
		cp.MinSeverity = models.SeverityMedium
	}
	s.channels[ch.ID] = &cp
	return nil
}

func (s *MemoryStore) GetChannel(_ context.Context, id uuid.UUID, projectID uuid.UUID) (*models.NotificationChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok || c.ProjectID != projectID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListEnabledChannels(_ context.Context, projectID uuid.UUID) ([]*models.NotificationChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.NotificationChannel{}
	for _, c := range s.channels {
		if c.ProjectID == projectID && c.Enabled {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RecordChannelSuccess(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return ErrNotFound
	}
	c.SentCount++
	t := at
	c.LastTriggeredAt = &t
	return nil
}

func (s *MemoryStore) RecordChannelFailure(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[id]
	if !ok {
		return ErrNotFound
	}
	c.FailureCount++
	return nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
