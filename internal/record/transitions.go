package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/hookline/hookline/internal/backoff"
	"github.com/hookline/hookline/internal/classify"
)

// ErrInvalidStateTransition signals programmer misuse of the state
// machine, e.g. recording a result on a record that was never claimed.
// Expected delivery failures never surface as Go errors.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// ErrAlreadyClaimed is returned by Claim when another worker holds the
// record. Callers treat it as a lost race, not a failure.
var ErrAlreadyClaimed = fmt.Errorf("delivery already claimed: %w", ErrInvalidStateTransition)

// Claim transitions pending/retrying -> processing, granting the caller
// exclusive right to dispatch. Claiming a processing record reports
// ErrAlreadyClaimed; claiming a terminal record reports
// ErrInvalidStateTransition.
func (r *Record) Claim(now time.Time) error {
	if r.Status == StatusProcessing {
		return ErrAlreadyClaimed
	}
	if r.Status != StatusPending && r.Status != StatusRetrying {
		return fmt.Errorf("claim from %s: %w", r.Status, ErrInvalidStateTransition)
	}
	r.Status = StatusProcessing
	r.SentAt = &now
	r.Attempts.NextAttemptAt = nil
	r.UpdatedAt = now
	return nil
}

// RecordSuccess transitions processing -> success and appends the
// successful attempt to the history. On a terminal record it is a no-op so
// that a late callback racing a cancel cannot corrupt state.
func (r *Record) RecordSuccess(resp ResponseSnapshot, responseTime time.Duration, now time.Time) error {
	if r.Status.Terminal() {
		return nil
	}
	if r.Status != StatusProcessing {
		return fmt.Errorf("record success from %s: %w", r.Status, ErrInvalidStateTransition)
	}

	r.Attempts.Count++
	r.Attempts.History = append(r.Attempts.History, Attempt{
		Number:         r.Attempts.Count,
		At:             now,
		Success:        true,
		HTTPStatus:     resp.StatusCode,
		ResponseTimeMS: responseTime.Milliseconds(),
	})
	r.Attempts.LastAttemptAt = &now
	r.Attempts.NextAttemptAt = nil
	r.Response = &resp
	r.Error = nil

	r.Status = StatusSuccess
	r.complete(now)
	return nil
}

// RecordFailure classifies the raw failure, appends the failed attempt,
// and either schedules a retry or terminates the record. The
// attempts-exhausted check takes precedence over the error's own
// retryability, and no retry is ever scheduled at or after ExpiresAt.
// No-op on terminal records.
func (r *Record) RecordFailure(f classify.Failure, resp *ResponseSnapshot, now time.Time) error {
	if r.Status.Terminal() {
		return nil
	}
	if r.Status != StatusProcessing {
		return fmt.Errorf("record failure from %s: %w", r.Status, ErrInvalidStateTransition)
	}

	e := classify.Classify(f)
	attemptsSoFar := r.Attempts.Count

	r.Attempts.Count++
	entry := Attempt{
		Number: r.Attempts.Count,
		At:     now,
		Error:  &e,
	}
	if resp != nil {
		entry.HTTPStatus = resp.StatusCode
	}
	r.Attempts.History = append(r.Attempts.History, entry)
	r.Attempts.LastAttemptAt = &now
	r.Response = resp
	r.Error = &e

	retryable := e.Retryable &&
		r.Attempts.Count < r.Attempts.MaxAttempts &&
		(r.ExpiresAt == nil || now.Before(*r.ExpiresAt))

	if retryable {
		delay := backoff.NextDelay(r.Attempts.Profile(), attemptsSoFar)
		next := now.Add(delay)
		if r.ExpiresAt == nil || next.Before(*r.ExpiresAt) {
			r.Status = StatusRetrying
			r.Attempts.NextAttemptAt = &next
			r.UpdatedAt = now
			return nil
		}
	}

	r.Status = StatusFailed
	r.Attempts.NextAttemptAt = nil
	r.complete(now)
	return nil
}

// Cancel terminates a non-terminal record. Idempotent: cancelling an
// already-terminal record changes nothing and reports no error.
func (r *Record) Cancel(reason string, now time.Time) error {
	if r.Status.Terminal() {
		return nil
	}
	r.Status = StatusCancelled
	r.Attempts.NextAttemptAt = nil
	r.Metadata.CancelReason = reason
	r.complete(now)
	return nil
}

// Expire terminates a pending/retrying record whose expiry was reached
// before its next attempt. The selector calls this instead of offering the
// record for claim. No-op on terminal records; expiring an in-flight
// processing record is misuse.
func (r *Record) Expire(now time.Time) error {
	if r.Status.Terminal() {
		return nil
	}
	if r.Status != StatusPending && r.Status != StatusRetrying {
		return fmt.Errorf("expire from %s: %w", r.Status, ErrInvalidStateTransition)
	}
	r.Status = StatusExpired
	r.Attempts.NextAttemptAt = nil
	r.complete(now)
	return nil
}

// complete stamps the terminal timestamp exactly once.
func (r *Record) complete(now time.Time) {
	if r.CompletedAt == nil {
		r.CompletedAt = &now
	}
	r.UpdatedAt = now
}
