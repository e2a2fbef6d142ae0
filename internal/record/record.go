package record

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/backoff"
	"github.com/hookline/hookline/internal/classify"
)

// Status is the delivery lifecycle state. A record holds exactly one
// status at any time; terminal statuses admit no further transitions.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Priority orders deliveries in the dispatch queue and selects the
// default retry profile. Fixed at creation.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p names one of the four priority tiers.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank returns the queue ordering weight; higher dispatches first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// Envelope is the event payload as handed in by the producer. Data-bearing
// fields are raw JSON so the stored payload reads back byte-identical.
type Envelope struct {
	Event        string          `json:"event"`
	EventID      string          `json:"event_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Version      string          `json:"version"`
	Data         json.RawMessage `json:"data"`
	Context      json.RawMessage `json:"context,omitempty"`
	PreviousData json.RawMessage `json:"previous_data,omitempty"`
}

// Attempt is one entry in the append-only attempt history.
type Attempt struct {
	Number         int             `json:"number"`
	At             time.Time       `json:"at"`
	Success        bool            `json:"success"`
	HTTPStatus     int             `json:"http_status,omitempty"`
	ResponseTimeMS int64           `json:"response_time_ms,omitempty"`
	Error          *classify.Error `json:"error,omitempty"`
}

// Attempts carries the retry bookkeeping and the backoff profile the
// record was created with. History never shrinks and is never rewritten;
// len(History) == Count after every mutation.
type Attempts struct {
	Count              int           `json:"count"`
	MaxAttempts        int           `json:"max_attempts"`
	RetryDelay         time.Duration `json:"retry_delay"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
	BackoffMultiplier  float64       `json:"backoff_multiplier"`
	NextAttemptAt      *time.Time    `json:"next_attempt_at,omitempty"`
	LastAttemptAt      *time.Time    `json:"last_attempt_at,omitempty"`
	History            []Attempt     `json:"history"`
}

// Profile returns the backoff profile embedded in the attempt bookkeeping.
func (a Attempts) Profile() backoff.Profile {
	return backoff.Profile{
		MaxAttempts:        a.MaxAttempts,
		RetryDelay:         a.RetryDelay,
		BackoffMultiplier:  a.BackoffMultiplier,
		ExponentialBackoff: a.ExponentialBackoff,
	}
}

// RequestSnapshot is last-attempt diagnostic data about the outbound call.
type RequestSnapshot struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ResponseSnapshot is last-attempt diagnostic data about the receiver's
// answer. Absent until an attempt completes.
type ResponseSnapshot struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Metadata holds tracing and lineage information.
type Metadata struct {
	TraceID            string `json:"trace_id,omitempty"`
	IsRetry            bool   `json:"is_retry,omitempty"`
	OriginalDeliveryID string `json:"original_delivery_id,omitempty"`
	CancelReason       string `json:"cancel_reason,omitempty"`
}

// Record is the durable unit of work: one delivery attempt lineage for one
// event to one endpoint. Records are created pending, mutated only through
// the state-machine operations, and never physically deleted.
type Record struct {
	ID             string            `json:"id"`
	EndpointID     string            `json:"endpoint_id"`
	EventType      string            `json:"event_type"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Status         Status            `json:"status"`
	Priority       Priority          `json:"priority"`
	Payload        Envelope          `json:"payload"`
	Request        *RequestSnapshot  `json:"request,omitempty"`
	Response       *ResponseSnapshot `json:"response,omitempty"`
	Error          *classify.Error   `json:"error,omitempty"`
	Attempts       Attempts          `json:"attempts"`
	Metadata       Metadata          `json:"metadata"`
	ScheduledAt    time.Time         `json:"scheduled_at"`
	SentAt         *time.Time        `json:"sent_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// CreateParams are the inputs for a fresh delivery record.
type CreateParams struct {
	EndpointID     string
	EventType      string
	Payload        Envelope
	Priority       Priority
	OrganizationID string
	ScheduledAt    time.Time     // zero means dispatch as soon as possible
	ExpiresAfter   time.Duration // zero means no expiry
	TraceID        string
}

// New creates a pending record. The retry profile is looked up from the
// priority table and frozen onto the record at creation.
func New(p CreateParams, now time.Time) *Record {
	if p.Priority == "" {
		p.Priority = PriorityNormal
	}
	prof := backoff.ProfileFor(string(p.Priority))

	scheduledAt := p.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	var expiresAt *time.Time
	if p.ExpiresAfter > 0 {
		t := now.Add(p.ExpiresAfter)
		expiresAt = &t
	}

	return &Record{
		ID:             uuid.NewString(),
		EndpointID:     p.EndpointID,
		EventType:      p.EventType,
		OrganizationID: p.OrganizationID,
		Status:         StatusPending,
		Priority:       p.Priority,
		Payload:        p.Payload,
		Attempts: Attempts{
			MaxAttempts:        prof.MaxAttempts,
			RetryDelay:         prof.RetryDelay,
			BackoffMultiplier:  prof.BackoffMultiplier,
			ExponentialBackoff: prof.ExponentialBackoff,
			History:            []Attempt{},
		},
		Metadata:    Metadata{TraceID: p.TraceID},
		ScheduledAt: scheduledAt,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewRetry creates a brand-new pending record that re-drives a terminal
// original. The new record links back through the metadata lineage and
// starts a fresh attempt history; the original is left untouched.
func NewRetry(original *Record, scheduledAt time.Time, now time.Time) *Record {
	r := New(CreateParams{
		EndpointID:     original.EndpointID,
		EventType:      original.EventType,
		Payload:        original.Payload,
		Priority:       original.Priority,
		OrganizationID: original.OrganizationID,
		ScheduledAt:    scheduledAt,
		TraceID:        original.Metadata.TraceID,
	}, now)
	r.Metadata.IsRetry = true
	r.Metadata.OriginalDeliveryID = original.ID
	return r
}
