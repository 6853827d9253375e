// Package memory provides an in-process RunStore. It backs unit tests and
// the CLI's one-shot runs where no shared store is configured; it offers no
// durability and coordinates nothing beyond the calling process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/urbanline/tspjob/internal/clock"
	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/runtime"
)

// Store is a mutex-guarded RunStore. Safe for concurrent use.
type Store struct {
	clock clock.Clock

	mu     sync.Mutex
	runs   map[string]*domain.RunRecord
	order  []string // insertion order, oldest first
	leases map[string]domain.Lease
}

// New returns an empty store on the system clock.
func New() *Store {
	return NewWithClock(clock.System())
}

// NewWithClock returns an empty store reading time from c.
func NewWithClock(c clock.Clock) *Store {
	return &Store{
		clock:  c,
		runs:   make(map[string]*domain.RunRecord),
		leases: make(map[string]domain.Lease),
	}
}

func (s *Store) TryAcquireLease(_ context.Context, key string, ttl time.Duration, runID, replicaID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if l, ok := s.leases[key]; ok && l.Active(now) {
		return false, nil
	}
	s.leases[key] = domain.Lease{
		Key:        key,
		Holder:     replicaID,
		RunID:      runID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return true, nil
}

func (s *Store) RenewLease(_ context.Context, key, runID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	l, ok := s.leases[key]
	if !ok || l.RunID != runID || !l.Active(now) {
		return domain.ErrLeaseLost
	}
	l.ExpiresAt = now.Add(ttl)
	s.leases[key] = l
	return nil
}

func (s *Store) ReleaseLease(_ context.Context, key, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[key]; ok && l.RunID == runID {
		delete(s.leases, key)
	}
	return nil
}

func (s *Store) CreateRun(_ context.Context, rec *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[rec.RunID]; exists {
		return fmt.Errorf("run %s already exists", rec.RunID)
	}
	cp := cloneRun(rec)
	s.runs[rec.RunID] = cp
	s.order = append(s.order, rec.RunID)
	return nil
}

func (s *Store) UpdateRun(_ context.Context, runID string, patch runtime.RunPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return domain.ErrRunNotFound
	}

	if patch.Status != nil && *patch.Status != rec.Status {
		if !rec.Status.CanTransitionTo(*patch.Status) {
			return fmt.Errorf("run %s: %s -> %s: %w", runID, rec.Status, *patch.Status, domain.ErrInvalidTransition)
		}
		rec.Status = *patch.Status
	}
	if patch.LeasedAt != nil {
		rec.LeasedAt = *patch.LeasedAt
	}
	if patch.StartedAt != nil {
		rec.StartedAt = *patch.StartedAt
	}
	if patch.FinishedAt != nil {
		rec.FinishedAt = *patch.FinishedAt
	}
	if patch.ErrorKind != nil {
		rec.ErrorKind = *patch.ErrorKind
	}
	if patch.ErrorMessage != nil {
		rec.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ErrorStack != nil {
		rec.ErrorStack = *patch.ErrorStack
	}
	if len(patch.Metrics) > 0 {
		if rec.Metrics == nil {
			rec.Metrics = make(map[string]float64, len(patch.Metrics))
		}
		for k, v := range patch.Metrics {
			rec.Metrics[k] += v
		}
	}
	return nil
}

func (s *Store) GetRun(_ context.Context, runID string) (*domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return cloneRun(rec), nil
}

func (s *Store) FindRuns(_ context.Context, filter runtime.RunFilter, limit int) ([]*domain.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.RunRecord
	// Newest first.
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		rec := s.runs[s.order[i]]
		if rec == nil || !matches(rec, filter) {
			continue
		}
		out = append(out, cloneRun(rec))
	}
	return out, nil
}

func (s *Store) LastScheduledFor(_ context.Context, jobName string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, rec := range s.runs {
		// Cancelled fires stay re-enqueue eligible across restarts.
		if rec.Status == domain.StatusCancelled {
			continue
		}
		if rec.JobName == jobName && rec.ScheduledFor.After(last) {
			last = rec.ScheduledFor
		}
	}
	return last, nil
}

func (s *Store) DeleteFinishedBefore(_ context.Context, okBefore, failedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	kept := s.order[:0]
	for _, id := range s.order {
		rec := s.runs[id]
		if rec != nil && expired(rec, okBefore, failedBefore) {
			delete(s.runs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// Leases returns a snapshot of active leases, for tests and introspection.
func (s *Store) Leases() []domain.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func expired(rec *domain.RunRecord, okBefore, failedBefore time.Time) bool {
	if !rec.Status.Terminal() || rec.FinishedAt.IsZero() {
		return false
	}
	if rec.Status == domain.StatusSucceeded {
		return rec.FinishedAt.Before(okBefore)
	}
	return rec.FinishedAt.Before(failedBefore)
}

func matches(rec *domain.RunRecord, f runtime.RunFilter) bool {
	if f.JobName != "" && rec.JobName != f.JobName {
		return false
	}
	if f.ParentRunID != "" && rec.ParentRunID != f.ParentRunID {
		return false
	}
	if !f.Since.IsZero() && rec.EnqueuedAt.Before(f.Since) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if rec.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func cloneRun(rec *domain.RunRecord) *domain.RunRecord {
	cp := *rec
	if rec.InputSnapshot != nil {
		cp.InputSnapshot = make(domain.InputValues, len(rec.InputSnapshot))
		for k, v := range rec.InputSnapshot {
			cp.InputSnapshot[k] = v
		}
	}
	if rec.Metrics != nil {
		cp.Metrics = make(map[string]float64, len(rec.Metrics))
		for k, v := range rec.Metrics {
			cp.Metrics[k] = v
		}
	}
	return &cp
}
