package record

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testParams() CreateParams {
	return CreateParams{
		EndpointID: "ep-1",
		EventType:  "order.created",
		Payload: Envelope{
			Event:     "order.created",
			EventID:   "evt-1",
			Timestamp: testNow,
			Version:   "1",
			Data:      json.RawMessage(`{"order_id":42}`),
		},
		Priority:       PriorityNormal,
		OrganizationID: "org-1",
		ExpiresAfter:   time.Hour,
	}
}

func TestNewDefaults(t *testing.T) {
	r := New(testParams(), testNow)

	if r.ID == "" {
		t.Error("ID not generated")
	}
	if r.Status != StatusPending {
		t.Errorf("Status = %q, want pending", r.Status)
	}
	if r.Attempts.Count != 0 || len(r.Attempts.History) != 0 {
		t.Errorf("fresh record has attempts: count=%d history=%d", r.Attempts.Count, len(r.Attempts.History))
	}
	if r.Attempts.History == nil {
		t.Error("History should be an empty slice, not nil")
	}
	if !r.ScheduledAt.Equal(testNow) {
		t.Errorf("ScheduledAt = %v, want now", r.ScheduledAt)
	}
	if r.ExpiresAt == nil || !r.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want now+1h", r.ExpiresAt)
	}
	if r.CompletedAt != nil || r.SentAt != nil {
		t.Error("fresh record has terminal/sent timestamps")
	}

	// normal profile frozen onto the record
	if r.Attempts.MaxAttempts != 3 || r.Attempts.RetryDelay != time.Second {
		t.Errorf("profile = {%d %v}, want normal {3 1s}", r.Attempts.MaxAttempts, r.Attempts.RetryDelay)
	}
	if !r.Attempts.ExponentialBackoff || r.Attempts.BackoffMultiplier != 2 {
		t.Error("normal profile should be exponential x2")
	}
}

func TestNewPriorityProfiles(t *testing.T) {
	tests := []struct {
		priority    Priority
		maxAttempts int
		retryDelay  time.Duration
	}{
		{PriorityLow, 3, 5 * time.Second},
		{PriorityNormal, 3, time.Second},
		{PriorityHigh, 5, time.Second},
		{PriorityCritical, 5, 500 * time.Millisecond},
		{"", 3, time.Second}, // empty defaults to normal
	}
	for _, tt := range tests {
		p := testParams()
		p.Priority = tt.priority
		r := New(p, testNow)
		if r.Attempts.MaxAttempts != tt.maxAttempts {
			t.Errorf("%q: MaxAttempts = %d, want %d", tt.priority, r.Attempts.MaxAttempts, tt.maxAttempts)
		}
		if r.Attempts.RetryDelay != tt.retryDelay {
			t.Errorf("%q: RetryDelay = %v, want %v", tt.priority, r.Attempts.RetryDelay, tt.retryDelay)
		}
	}
}

func TestNewNoExpiry(t *testing.T) {
	p := testParams()
	p.ExpiresAfter = 0
	r := New(p, testNow)
	if r.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil", r.ExpiresAt)
	}
}

func TestNewFutureSchedule(t *testing.T) {
	p := testParams()
	p.ScheduledAt = testNow.Add(10 * time.Minute)
	r := New(p, testNow)
	if !r.ScheduledAt.Equal(testNow.Add(10 * time.Minute)) {
		t.Errorf("ScheduledAt = %v", r.ScheduledAt)
	}
}

// The payload must survive a marshal round trip byte-identical, field
// order and all.
func TestEnvelopePayloadRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"b":2,"a":{"nested":[1,2,3]},"z":"last"}`)
	p := testParams()
	p.Payload.Data = raw
	r := New(p, testNow)

	out, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Record
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(back.Payload.Data, raw) {
		t.Errorf("payload not byte-identical:\n got %s\nwant %s", back.Payload.Data, raw)
	}
}

func TestNewRetryLineage(t *testing.T) {
	orig := New(testParams(), testNow)
	orig.Status = StatusFailed
	orig.Attempts.Count = 3

	later := testNow.Add(time.Hour)
	retry := NewRetry(orig, later, later)

	if retry.ID == orig.ID {
		t.Error("retry must get a fresh ID")
	}
	if retry.Status != StatusPending {
		t.Errorf("Status = %q, want pending", retry.Status)
	}
	if retry.Attempts.Count != 0 || len(retry.Attempts.History) != 0 {
		t.Error("retry must start with a fresh attempt history")
	}
	if !retry.Metadata.IsRetry {
		t.Error("IsRetry not set")
	}
	if retry.Metadata.OriginalDeliveryID != orig.ID {
		t.Errorf("OriginalDeliveryID = %q, want %q", retry.Metadata.OriginalDeliveryID, orig.ID)
	}
	if retry.EndpointID != orig.EndpointID || retry.EventType != orig.EventType {
		t.Error("retry must carry original target and event type")
	}
	if !bytes.Equal(retry.Payload.Data, orig.Payload.Data) {
		t.Error("retry must carry original payload")
	}
	if !retry.ScheduledAt.Equal(later) {
		t.Errorf("ScheduledAt = %v, want %v", retry.ScheduledAt, later)
	}

	// original untouched
	if orig.Status != StatusFailed || orig.Attempts.Count != 3 {
		t.Error("original mutated by NewRetry")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSuccess, StatusFailed, StatusCancelled, StatusExpired}
	live := []Status{StatusPending, StatusProcessing, StatusRetrying}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityCritical.Rank() <= PriorityHigh.Rank() ||
		PriorityHigh.Rank() <= PriorityNormal.Rank() ||
		PriorityNormal.Rank() <= PriorityLow.Rank() {
		t.Error("priority ranks must be strictly ordered critical > high > normal > low")
	}
}

func TestPriorityValid(t *testing.T) {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		if !p.Valid() {
			t.Errorf("%q must be valid", p)
		}
	}
	for _, p := range []Priority{"", "urgent", "CRITICAL"} {
		if p.Valid() {
			t.Errorf("%q must not be valid", p)
		}
	}
}
