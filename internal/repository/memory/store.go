// Package memory provides in-memory repository implementations with the same
// conditional-write semantics as the Postgres store. They back the service
// tests and keep the pipeline runnable without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/revive-app/recoveryservice/internal/domain"
	"github.com/revive-app/recoveryservice/internal/repository"
)

// Store is an in-memory implementation of repository.Store.
type Store struct {
	mu sync.Mutex

	events       map[uuid.UUID]*domain.Event
	eventsByExt  map[string]uuid.UUID
	cases        map[uuid.UUID]*domain.RecoveryCase
	jobs         map[uuid.UUID]*domain.Job
	jobOrder     []uuid.UUID
	buckets      map[bucketKey]int64
	settings     map[string]*domain.TenantSettings
	incrementErr error
}

type bucketKey struct {
	identifier  string
	windowStart int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		events:      make(map[uuid.UUID]*domain.Event),
		eventsByExt: make(map[string]uuid.UUID),
		cases:       make(map[uuid.UUID]*domain.RecoveryCase),
		jobs:        make(map[uuid.UUID]*domain.Job),
		buckets:     make(map[bucketKey]int64),
		settings:    make(map[string]*domain.TenantSettings),
	}
}

func (s *Store) Events() repository.EventRepository         { return (*eventRepo)(s) }
func (s *Store) Cases() repository.CaseRepository           { return (*caseRepo)(s) }
func (s *Store) Jobs() repository.JobRepository             { return (*jobRepo)(s) }
func (s *Store) RateLimits() repository.RateLimitRepository { return (*rateLimitRepo)(s) }
func (s *Store) Settings() repository.SettingsRepository    { return (*settingsRepo)(s) }
func (s *Store) Close() error                               { return nil }

// FailIncrements makes the rate limit repository return err on every
// Increment call. Simulates a backing-store outage in tests.
func (s *Store) FailIncrements(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrementErr = err
}

// ---------------------------------------------------------------------------
// events

type eventRepo Store

func (r *eventRepo) InsertIgnore(ctx context.Context, event *domain.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.eventsByExt[event.ExternalID]; exists {
		return false, nil
	}
	cp := *event
	r.events[event.ID] = &cp
	r.eventsByExt[event.ExternalID] = event.ID
	return true, nil
}

func (r *eventRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *eventRepo) GetByExternalID(ctx context.Context, tenantID, externalID string) (*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.eventsByExt[externalID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	e := r.events[id]
	if e.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *eventRepo) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if e.Processed {
		return false, nil
	}
	e.Processed = true
	t := at
	e.ProcessedAt = &t
	return true, nil
}

func (r *eventRepo) MarkUnprocessed(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Processed = false
	e.ProcessedAt = nil
	return nil
}

func (r *eventRepo) ListUnprocessed(ctx context.Context, before time.Time, limit int) ([]*domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Event
	for _, e := range r.events {
		if !e.Processed && e.ReceivedAt.Before(before) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// cases

type caseRepo Store

func (r *caseRepo) GetOpen(ctx context.Context, tenantID, membershipID string) (*domain.RecoveryCase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cases {
		if c.TenantID == tenantID && c.MembershipID == membershipID && c.Status == domain.CaseStatusOpen {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *caseRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.RecoveryCase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *caseRepo) Create(ctx context.Context, c *domain.RecoveryCase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.cases[c.ID] = &cp
	return nil
}

func (r *caseRepo) MergeFailure(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok || c.Status != domain.CaseStatusOpen {
		return false, nil
	}
	c.Attempts++
	c.FailureReason = reason
	c.UpdatedAt = at
	return true, nil
}

func (r *caseRepo) MarkRecovered(ctx context.Context, id uuid.UUID, amount *int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok || c.Status != domain.CaseStatusOpen {
		return false, nil
	}
	c.Status = domain.CaseStatusRecovered
	c.RecoveredAmount = amount
	t := at
	c.RecoveredAt = &t
	c.UpdatedAt = at
	return true, nil
}

func (r *caseRepo) Close(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok || c.Status != domain.CaseStatusOpen {
		return false, nil
	}
	c.Status = domain.CaseStatusClosed
	c.UpdatedAt = at
	return true, nil
}

func (r *caseRepo) RecordNudge(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok {
		return repository.ErrNotFound
	}
	t := at
	c.LastNudgeAt = &t
	c.UpdatedAt = at
	return nil
}

func (r *caseRepo) RecordIncentive(ctx context.Context, id uuid.UUID, days int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok || c.IncentiveDays != 0 {
		return false, nil
	}
	c.IncentiveDays = days
	return true, nil
}

func (r *caseRepo) ListOpenDue(ctx context.Context, tenantID string, offsetsDays []int, now time.Time) ([]*domain.RecoveryCase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []*domain.RecoveryCase
	for _, c := range r.cases {
		if c.TenantID != tenantID || c.Status != domain.CaseStatusOpen {
			continue
		}
		for _, offset := range offsetsDays {
			threshold := c.FirstFailedAt.Add(time.Duration(offset) * 24 * time.Hour)
			if threshold.After(now) {
				continue
			}
			if c.LastNudgeAt == nil || c.LastNudgeAt.Before(threshold) {
				cp := *c
				due = append(due, &cp)
				break
			}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FirstFailedAt.Before(due[j].FirstFailedAt) })
	return due, nil
}

// ---------------------------------------------------------------------------
// jobs

type jobRepo Store

func (r *jobRepo) Insert(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	r.jobOrder = append(r.jobOrder, job.ID)
	return nil
}

func (r *jobRepo) DequeueBatch(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []*domain.Job
	for _, id := range r.jobOrder {
		if len(claimed) >= limit {
			break
		}
		j := r.jobs[id]
		if j.Status != domain.JobStatusQueued || j.RunAt.After(now) {
			continue
		}
		j.Status = domain.JobStatusActive
		j.Attempts++
		j.UpdatedAt = now
		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *jobRepo) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	j.Status = domain.JobStatusCompleted
	j.UpdatedAt = at
	return nil
}

func (r *jobRepo) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	j.Status = domain.JobStatusQueued
	j.RunAt = runAt
	j.LastError = &lastError
	return nil
}

func (r *jobRepo) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	j.Status = domain.JobStatusFailed
	j.LastError = &lastError
	j.UpdatedAt = at
	return nil
}

func (r *jobRepo) RequeueStuck(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, j := range r.jobs {
		if j.Status == domain.JobStatusActive && j.UpdatedAt.Before(cutoff) {
			j.Status = domain.JobStatusQueued
			n++
		}
	}
	return n, nil
}

// GetJob returns a copy of a stored job. Test helper.
func (s *Store) GetJob(id uuid.UUID) (*domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// CountCases returns the number of stored cases. Test helper.
func (s *Store) CountCases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cases)
}

// ---------------------------------------------------------------------------
// rate limit buckets

type rateLimitRepo Store

func (r *rateLimitRepo) Increment(ctx context.Context, identifier string, windowStart time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.incrementErr != nil {
		return 0, r.incrementErr
	}
	key := bucketKey{identifier: identifier, windowStart: windowStart.UnixNano()}
	r.buckets[key]++
	return r.buckets[key], nil
}

func (r *rateLimitRepo) DeleteExpired(ctx context.Context, identifier string, before time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.buckets {
		if key.identifier == identifier && key.windowStart < before.UnixNano() {
			delete(r.buckets, key)
		}
	}
	return nil
}

// BucketCount returns the stored count for a bucket. Test helper.
func (s *Store) BucketCount(identifier string, windowStart time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[bucketKey{identifier: identifier, windowStart: windowStart.UnixNano()}]
}

// ---------------------------------------------------------------------------
// tenant settings

type settingsRepo Store

func (r *settingsRepo) GetByTenant(ctx context.Context, tenantID string) (*domain.TenantSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[tenantID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *settingsRepo) Upsert(ctx context.Context, settings *domain.TenantSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *settings
	r.settings[settings.TenantID] = &cp
	return nil
}
