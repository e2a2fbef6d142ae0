package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hookline/hookline/internal/record"
)

// DeadLetterEntry mirrors a hookline.dead_letters row for the in-memory
// store.
type DeadLetterEntry struct {
	DeliveryID string
	Reason     string
}

// Memory is an in-process implementation of the same record/selector
// contract as the Postgres store. It backs unit tests and lets the
// dispatcher be exercised without a database.
type Memory struct {
	mu          sync.Mutex
	records     map[string]*record.Record
	deadLetters []DeadLetterEntry
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*record.Record)}
}

func (m *Memory) Create(ctx context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *Memory) List(ctx context.Context, f ListFilter) ([]*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var out []*record.Record
	for _, r := range m.records {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.EndpointID != "" && r.EndpointID != f.EndpointID {
			continue
		}
		if f.OrganizationID != "" && r.OrganizationID != f.OrganizationID {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Claim mirrors the conditional UPDATE: the transition happens only if the
// stored status is still claimable, and exactly one caller wins.
func (m *Memory) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return false, nil
	}
	if r.Status != record.StatusPending && r.Status != record.StatusRetrying {
		return false, nil
	}
	r.Status = record.StatusProcessing
	r.SentAt = &now
	r.Attempts.NextAttemptAt = nil
	r.UpdatedAt = now
	return true, nil
}

// Save discards writes against records that went terminal underneath the
// caller, matching the Postgres adapter's guarded UPDATE.
func (m *Memory) Save(ctx context.Context, r *record.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[r.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status.Terminal() {
		return nil
	}
	m.records[r.ID] = cloneRecord(r)
	return nil
}

// Cancel applies the cancel transition to the stored record under the
// lock, mirroring the Postgres adapter's conditional UPDATE: a cancel
// operates on current state, never on a stale read, so attempt
// bookkeeping written by a concurrent worker survives.
func (m *Memory) Cancel(ctx context.Context, id, reason string, now time.Time) (*record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	_ = r.Cancel(reason, now)
	return cloneRecord(r), nil
}

func (m *Memory) NextBatch(ctx context.Context, now time.Time, limit int) (batch []*record.Record, expired []string, err error) {
	if limit <= 0 {
		return nil, nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if (r.Status == record.StatusPending || r.Status == record.StatusRetrying) &&
			r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			_ = r.Expire(now)
			expired = append(expired, r.ID)
		}
	}

	for _, r := range m.records {
		if eligible(r, now) {
			batch = append(batch, cloneRecord(r))
		}
	}
	sort.Slice(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return dueAt(a).Before(dueAt(b))
	})
	if len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, expired, nil
}

func (m *Memory) InsertDeadLetter(ctx context.Context, deliveryID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, DeadLetterEntry{DeliveryID: deliveryID, Reason: reason})
	return nil
}

func (m *Memory) QueueDepth(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var depth int64
	for _, r := range m.records {
		if eligible(r, now) {
			depth++
		}
	}
	return depth, nil
}

// DeadLetters returns a snapshot of recorded dead letters for assertions.
func (m *Memory) DeadLetters() []DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetterEntry, len(m.deadLetters))
	copy(out, m.deadLetters)
	return out
}

func eligible(r *record.Record, now time.Time) bool {
	switch r.Status {
	case record.StatusPending:
		return !r.ScheduledAt.After(now)
	case record.StatusRetrying:
		return r.Attempts.NextAttemptAt != nil && !r.Attempts.NextAttemptAt.After(now)
	}
	return false
}

func dueAt(r *record.Record) time.Time {
	if r.Status == record.StatusRetrying && r.Attempts.NextAttemptAt != nil {
		return *r.Attempts.NextAttemptAt
	}
	return r.ScheduledAt
}

func cloneRecord(r *record.Record) *record.Record {
	c := *r
	c.Attempts.History = append([]record.Attempt{}, r.Attempts.History...)
	return &c
}
