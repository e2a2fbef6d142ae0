package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hookline/hookline/internal/classify"
	"github.com/hookline/hookline/internal/record"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRecord(t *testing.T, priority record.Priority, scheduledAt time.Time) *record.Record {
	t.Helper()
	return record.New(record.CreateParams{
		EndpointID:     "ep-1",
		EventType:      "order.created",
		Payload:        testEnvelope(),
		Priority:       priority,
		OrganizationID: "org-1",
		ScheduledAt:    scheduledAt,
	}, testNow)
}

func testEnvelope() record.Envelope {
	return record.Envelope{
		Event:     "order.created",
		EventID:   "evt-1",
		Timestamp: testNow,
		Version:   "1",
		Data:      json.RawMessage(`{"order_id":1}`),
	}
}

func TestMemoryCreateGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newTestRecord(t, record.PriorityNormal, testNow)

	if err := m.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := m.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != r.ID || got.Status != record.StatusPending {
		t.Errorf("got %q/%q", got.ID, got.Status)
	}

	// returned record is a copy; mutating it must not touch the store
	got.Status = record.StatusFailed
	again, _ := m.Get(ctx, r.ID)
	if again.Status != record.StatusPending {
		t.Error("Get must return an isolated copy")
	}

	if _, err := m.Get(ctx, "missing"); err != ErrNotFound {
		t.Errorf("missing record: err = %v, want ErrNotFound", err)
	}
}

func TestMemoryClaimRace(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newTestRecord(t, record.PriorityNormal, testNow)
	if err := m.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	won, err := m.Claim(ctx, r.ID, testNow)
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	won, err = m.Claim(ctx, r.ID, testNow)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Error("second claim must lose the race")
	}

	got, _ := m.Get(ctx, r.ID)
	if got.Status != record.StatusProcessing {
		t.Errorf("Status = %q, want processing", got.Status)
	}
}

func TestMemoryClaimMissing(t *testing.T) {
	won, err := NewMemory().Claim(context.Background(), "missing", testNow)
	if err != nil || won {
		t.Errorf("claim missing: won=%v err=%v", won, err)
	}
}

// Save must not resurrect a record another actor drove terminal.
func TestMemorySaveTerminalGuard(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newTestRecord(t, record.PriorityNormal, testNow)
	if err := m.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	// worker loads a copy, then an operator cancels
	workerCopy, _ := m.Get(ctx, r.ID)
	if _, err := m.Claim(ctx, r.ID, testNow); err != nil {
		t.Fatalf("claim: %v", err)
	}
	cancelled, _ := m.Get(ctx, r.ID)
	if err := cancelled.Cancel("operator", testNow); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := m.Save(ctx, cancelled); err != nil {
		t.Fatalf("save cancel: %v", err)
	}

	// worker's stale success write is silently dropped
	workerCopy.Status = record.StatusSuccess
	if err := m.Save(ctx, workerCopy); err != nil {
		t.Fatalf("stale save: %v", err)
	}
	got, _ := m.Get(ctx, r.ID)
	if got.Status != record.StatusCancelled {
		t.Errorf("Status = %q, stale write must not win over terminal state", got.Status)
	}
}

// A callback landing after an external cancel must be discarded wholesale:
// neither the status nor the attempt bookkeeping of the stale copy may
// reach the store, so count and history stay in lockstep.
func TestMemorySaveAfterCancelKeepsHistoryConsistent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newTestRecord(t, record.PriorityNormal, testNow)
	if err := m.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	workerCopy, _ := m.Get(ctx, r.ID)
	if _, err := m.Claim(ctx, r.ID, testNow); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := workerCopy.Claim(testNow); err != nil {
		t.Fatalf("domain claim: %v", err)
	}

	// operator cancels while the attempt is in flight
	if _, err := m.Cancel(ctx, r.ID, "operator", testNow); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// the attempt result comes back late
	if err := workerCopy.RecordFailure(classify.Failure{StatusCode: 500, Message: "boom"}, nil, testNow.Add(time.Second)); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := m.Save(ctx, workerCopy); err != nil {
		t.Fatalf("stale save: %v", err)
	}

	got, _ := m.Get(ctx, r.ID)
	if got.Status != record.StatusCancelled {
		t.Fatalf("Status = %q, want cancelled", got.Status)
	}
	if got.Attempts.Count != 0 || len(got.Attempts.History) != 0 {
		t.Errorf("count = %d, history = %d; a discarded save must leave no trace",
			got.Attempts.Count, len(got.Attempts.History))
	}
}

// Cancel operates on the stored record, never on a caller's stale read:
// attempt bookkeeping written by a concurrent worker survives.
func TestMemoryCancelRacesRecordedAttempt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	r := newTestRecord(t, record.PriorityNormal, testNow)
	if err := m.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	// dispatcher records a failed attempt
	if _, err := m.Claim(ctx, r.ID, testNow); err != nil {
		t.Fatalf("claim: %v", err)
	}
	attempted, _ := m.Get(ctx, r.ID)
	if err := attempted.RecordFailure(classify.Failure{StatusCode: 500, Message: "boom"}, nil, testNow); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := m.Save(ctx, attempted); err != nil {
		t.Fatalf("save: %v", err)
	}

	// an operator cancel lands now; it must not roll the count back
	got, err := m.Cancel(ctx, r.ID, "operator", testNow.Add(time.Second))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != record.StatusCancelled || got.Metadata.CancelReason != "operator" {
		t.Errorf("record = %q reason=%q", got.Status, got.Metadata.CancelReason)
	}
	if got.Attempts.Count != 1 || len(got.Attempts.History) != 1 {
		t.Errorf("count = %d, history = %d; cancel must preserve the recorded attempt",
			got.Attempts.Count, len(got.Attempts.History))
	}
	if got.Attempts.LastAttemptAt == nil || !got.Attempts.LastAttemptAt.Equal(testNow) {
		t.Errorf("LastAttemptAt = %v, want %v", got.Attempts.LastAttemptAt, testNow)
	}

	// second cancel is a no-op and keeps the first reason
	again, err := m.Cancel(ctx, r.ID, "later", testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if again.Metadata.CancelReason != "operator" {
		t.Error("second cancel must not overwrite the reason")
	}

	if _, err := m.Cancel(ctx, "missing", "x", testNow); err != ErrNotFound {
		t.Errorf("cancel missing: err = %v, want ErrNotFound", err)
	}
}

// Priority outranks age: a younger critical record dispatches before an
// older normal one.
func TestMemoryNextBatchOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := newTestRecord(t, record.PriorityNormal, testNow.Add(-2*time.Minute))
	b := newTestRecord(t, record.PriorityCritical, testNow.Add(-1*time.Minute))
	c := newTestRecord(t, record.PriorityNormal, testNow.Add(-3*time.Minute))
	for _, r := range []*record.Record{a, b, c} {
		if err := m.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	batch, expired, err := m.NextBatch(ctx, testNow, 10)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(expired) != 0 {
		t.Errorf("expired = %v, want none", expired)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	if batch[0].ID != b.ID {
		t.Errorf("batch[0] = %s, want critical record first", batch[0].ID)
	}
	if batch[1].ID != c.ID || batch[2].ID != a.ID {
		t.Errorf("same-priority records must order oldest first: got %s, %s", batch[1].ID, batch[2].ID)
	}
}

func TestMemoryNextBatchSkipsIneligible(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	future := newTestRecord(t, record.PriorityNormal, testNow.Add(time.Hour))
	inflight := newTestRecord(t, record.PriorityNormal, testNow)
	done := newTestRecord(t, record.PriorityNormal, testNow)
	for _, r := range []*record.Record{future, inflight, done} {
		if err := m.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := m.Claim(ctx, inflight.ID, testNow); err != nil {
		t.Fatalf("claim: %v", err)
	}
	doneCopy, _ := m.Get(ctx, done.ID)
	doneCopy.Cancel("done", testNow)
	if err := m.Save(ctx, doneCopy); err != nil {
		t.Fatalf("save: %v", err)
	}

	batch, _, err := m.NextBatch(ctx, testNow, 10)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("batch = %d records, want none", len(batch))
	}
}

// An expired retrying record is transitioned by the selector pass, never
// offered for claim.
func TestMemoryNextBatchExpiresOverdue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	r := record.New(record.CreateParams{
		EndpointID:   "ep-1",
		EventType:    "order.created",
		Payload:      testEnvelope(),
		Priority:     record.PriorityNormal,
		ExpiresAfter: 10 * time.Minute,
	}, testNow)
	if err := m.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Claim(ctx, r.ID, testNow); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failed, _ := m.Get(ctx, r.ID)
	if err := failed.RecordFailure(classify.Failure{StatusCode: 500, Message: "boom"}, nil, testNow); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if failed.Status != record.StatusRetrying {
		t.Fatalf("setup: Status = %q", failed.Status)
	}
	if err := m.Save(ctx, failed); err != nil {
		t.Fatalf("save: %v", err)
	}

	// selector runs after the expiry horizon
	batch, expired, err := m.NextBatch(ctx, testNow.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 0 {
		t.Errorf("expired record must not be offered: batch = %d", len(batch))
	}
	if len(expired) != 1 || expired[0] != r.ID {
		t.Errorf("expired = %v, want [%s]", expired, r.ID)
	}
	got, _ := m.Get(ctx, r.ID)
	if got.Status != record.StatusExpired {
		t.Errorf("Status = %q, want expired", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set on expiry")
	}
}

func TestMemoryNextBatchLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 5; i++ {
		if err := m.Create(ctx, newTestRecord(t, record.PriorityNormal, testNow)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	batch, _, err := m.NextBatch(ctx, testNow, 2)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 2 {
		t.Errorf("batch size = %d, want 2", len(batch))
	}
}

func TestMemoryListFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	a := newTestRecord(t, record.PriorityNormal, testNow)
	b := newTestRecord(t, record.PriorityNormal, testNow)
	b.EndpointID = "ep-2"
	for _, r := range []*record.Record{a, b} {
		if err := m.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := m.List(ctx, ListFilter{EndpointID: "ep-2"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != b.ID {
		t.Errorf("list by endpoint: got %d records", len(got))
	}

	got, err = m.List(ctx, ListFilter{Status: record.StatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("list by status: got %d records, want 2", len(got))
	}
}

func TestMemoryQueueDepth(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Create(ctx, newTestRecord(t, record.PriorityNormal, testNow)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Create(ctx, newTestRecord(t, record.PriorityNormal, testNow.Add(time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}

	depth, err := m.QueueDepth(ctx, testNow)
	if err != nil {
		t.Fatalf("queue depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth = %d, want 1 (future record is not due)", depth)
	}
}

func TestMemoryDeadLetters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.InsertDeadLetter(ctx, "d-1", "attempts_exhausted"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dl := m.DeadLetters()
	if len(dl) != 1 || dl[0].DeliveryID != "d-1" || dl[0].Reason != "attempts_exhausted" {
		t.Errorf("dead letters = %+v", dl)
	}
}
