package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hookline/hookline/internal/classify"
	"github.com/hookline/hookline/internal/record"
)

// ErrNotFound is returned when a delivery id has no row.
var ErrNotFound = errors.New("delivery not found")

// Store is the Postgres persistence adapter for delivery records. It loads
// rows, lets the pure state machine do the thinking, and saves the result;
// the only SQL-side decision is the atomic conditional claim.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const recordColumns = `
	id, endpoint_id, event_type, COALESCE(organization_id, ''), status, priority,
	payload, request, response, last_error,
	attempt_count, max_attempts, retry_delay_ms, exponential_backoff, backoff_multiplier,
	next_attempt_at, last_attempt_at, metadata,
	scheduled_at, sent_at, completed_at, expires_at, created_at, updated_at`

// Create persists a freshly built pending record.
func (s *Store) Create(ctx context.Context, r *record.Record) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	var orgID *string
	if r.OrganizationID != "" {
		orgID = &r.OrganizationID
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO hookline.deliveries(
			id, endpoint_id, event_type, organization_id, status, priority,
			payload, attempt_count, max_attempts, retry_delay_ms,
			exponential_backoff, backoff_multiplier, metadata,
			scheduled_at, expires_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.EndpointID, r.EventType, orgID, r.Status, r.Priority,
		payload, r.Attempts.Count, r.Attempts.MaxAttempts, r.Attempts.RetryDelay.Milliseconds(),
		r.Attempts.ExponentialBackoff, r.Attempts.BackoffMultiplier, metadata,
		r.ScheduledAt, r.ExpiresAt, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

// Get loads one record with its full attempt history.
func (s *Store) Get(ctx context.Context, id string) (*record.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM hookline.deliveries WHERE id=$1`, id)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := s.loadHistory(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListFilter narrows List output. Zero values mean "any".
type ListFilter struct {
	Status         record.Status
	EndpointID     string
	OrganizationID string
	Limit          int
}

// List returns records newest-first for admin/reporting reads. Histories
// are not loaded; use Get for the full audit trail of one delivery.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*record.Record, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM hookline.deliveries
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR endpoint_id::text = $2)
		  AND ($3 = '' OR organization_id = $3)
		ORDER BY created_at DESC
		LIMIT $4`,
		string(f.Status), f.EndpointID, f.OrganizationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Claim is the atomic conditional transition that grants one worker
// exclusive right to process a record: the UPDATE is guarded by the
// pre-claim status, so at most one concurrent caller sees claimed=true.
// A false result means another worker won the race.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE hookline.deliveries
		SET status=$2, sent_at=$3, next_attempt_at=NULL, updated_at=$3
		WHERE id=$1 AND status IN ('pending','retrying')`,
		id, record.StatusProcessing, now,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Save persists the outcome of a state-machine transition. The update only
// touches non-terminal rows: if the record went terminal underneath us
// (e.g. an external cancel racing an in-flight attempt), the write is
// silently discarded, mirroring the domain type's terminal no-op guards.
// New history entries are appended; existing entries are never rewritten.
func (s *Store) Save(ctx context.Context, r *record.Record) error {
	request, err := marshalNullable(r.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	response, err := marshalNullable(r.Response)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	lastError, err := marshalNullable(r.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE hookline.deliveries
		SET status=$2, request=$3, response=$4, last_error=$5,
		    attempt_count=$6, next_attempt_at=$7, last_attempt_at=$8,
		    metadata=$9, sent_at=$10, completed_at=$11, updated_at=$12
		WHERE id=$1 AND status NOT IN ('success','failed','cancelled','expired')`,
		r.ID, r.Status, request, response, lastError,
		r.Attempts.Count, r.Attempts.NextAttemptAt, r.Attempts.LastAttemptAt,
		metadata, r.SentAt, r.CompletedAt, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	// The row went terminal underneath us. Discard the history inserts too:
	// appending attempt rows against the stale count would leave
	// len(history) != attempts.count on the next load.
	if tag.RowsAffected() == 0 {
		return nil
	}

	for _, a := range r.Attempts.History {
		attemptError, err := marshalNullable(a.Error)
		if err != nil {
			return fmt.Errorf("marshal attempt error: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO hookline.delivery_attempts(delivery_id, number, at, success, http_status, response_time_ms, attempt_error)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (delivery_id, number) DO NOTHING`,
			r.ID, a.Number, a.At, a.Success, a.HTTPStatus, a.ResponseTimeMS, attemptError,
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Cancel terminates a non-terminal record with a single conditional
// UPDATE, like Claim: the stored row is the source of truth, so a cancel
// can never stomp attempt bookkeeping written by a concurrent worker.
// Idempotent; cancelling an already-terminal record changes nothing.
// The post-cancel record is returned either way.
func (s *Store) Cancel(ctx context.Context, id, reason string, now time.Time) (*record.Record, error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE hookline.deliveries
		SET status=$2, next_attempt_at=NULL, completed_at=$3, updated_at=$3,
		    metadata = jsonb_set(metadata, '{cancel_reason}', to_jsonb($4::text))
		WHERE id=$1 AND status NOT IN ('success','failed','cancelled','expired')`,
		id, record.StatusCancelled, now, reason,
	)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// NextBatch implements the selector contract: expired work is transitioned
// to expired (evaluated, not just filtered) and reported back by id, then
// due pending/retrying records are returned ordered by priority,
// oldest-first within a tier. SKIP LOCKED keeps concurrent pollers off
// rows mid-claim.
func (s *Store) NextBatch(ctx context.Context, now time.Time, limit int) (batch []*record.Record, expired []string, err error) {
	if limit <= 0 {
		return nil, nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	expiredRows, err := tx.Query(ctx, `
		UPDATE hookline.deliveries
		SET status=$2, next_attempt_at=NULL, completed_at=$1, updated_at=$1
		WHERE status IN ('pending','retrying') AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING id`,
		now, record.StatusExpired,
	)
	if err != nil {
		return nil, nil, err
	}
	for expiredRows.Next() {
		var id string
		if err := expiredRows.Scan(&id); err != nil {
			expiredRows.Close()
			return nil, nil, err
		}
		expired = append(expired, id)
	}
	expiredRows.Close()
	if err := expiredRows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err := tx.Query(ctx, `
		SELECT `+recordColumns+`
		FROM hookline.deliveries
		WHERE (status = 'pending' AND scheduled_at <= $1)
		   OR (status = 'retrying' AND next_attempt_at <= $1)
		ORDER BY
			CASE priority
				WHEN 'critical' THEN 3
				WHEN 'high' THEN 2
				WHEN 'normal' THEN 1
				ELSE 0
			END DESC,
			COALESCE(next_attempt_at, scheduled_at) ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		now, limit,
	)
	if err != nil {
		return nil, nil, err
	}

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	for _, r := range batch {
		if err := s.loadHistory(ctx, r); err != nil {
			return nil, nil, err
		}
	}
	return batch, expired, nil
}

// InsertDeadLetter records a terminal failure in the dead letter audit
// table read by external reporting.
func (s *Store) InsertDeadLetter(ctx context.Context, deliveryID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO hookline.dead_letters(delivery_id, reason) VALUES ($1,$2)`,
		deliveryID, reason,
	)
	return err
}

// QueueDepth counts deliveries currently due for dispatch; exported as a
// gauge by the dispatcher.
func (s *Store) QueueDepth(ctx context.Context, now time.Time) (int64, error) {
	var depth int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM hookline.deliveries
		WHERE (status = 'pending' AND scheduled_at <= $1)
		   OR (status = 'retrying' AND next_attempt_at <= $1)`,
		now,
	).Scan(&depth)
	return depth, err
}

func (s *Store) loadHistory(ctx context.Context, r *record.Record) error {
	rows, err := s.pool.Query(ctx, `
		SELECT number, at, success, COALESCE(http_status, 0), COALESCE(response_time_ms, 0), attempt_error
		FROM hookline.delivery_attempts
		WHERE delivery_id=$1
		ORDER BY number ASC`,
		r.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	history := []record.Attempt{}
	for rows.Next() {
		var a record.Attempt
		var attemptError []byte
		if err := rows.Scan(&a.Number, &a.At, &a.Success, &a.HTTPStatus, &a.ResponseTimeMS, &attemptError); err != nil {
			return err
		}
		if len(attemptError) > 0 {
			var e classify.Error
			if err := json.Unmarshal(attemptError, &e); err != nil {
				return fmt.Errorf("unmarshal attempt error: %w", err)
			}
			a.Error = &e
		}
		history = append(history, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	r.Attempts.History = history
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*record.Record, error) {
	var (
		r          record.Record
		payload    []byte
		request    []byte
		response   []byte
		lastError  []byte
		metadata   []byte
		retryDelay int64
	)
	err := row.Scan(
		&r.ID, &r.EndpointID, &r.EventType, &r.OrganizationID, &r.Status, &r.Priority,
		&payload, &request, &response, &lastError,
		&r.Attempts.Count, &r.Attempts.MaxAttempts, &retryDelay,
		&r.Attempts.ExponentialBackoff, &r.Attempts.BackoffMultiplier,
		&r.Attempts.NextAttemptAt, &r.Attempts.LastAttemptAt, &metadata,
		&r.ScheduledAt, &r.SentAt, &r.CompletedAt, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Attempts.RetryDelay = time.Duration(retryDelay) * time.Millisecond
	r.Attempts.History = []record.Attempt{}

	if err := json.Unmarshal(payload, &r.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(request) > 0 {
		r.Request = &record.RequestSnapshot{}
		if err := json.Unmarshal(request, r.Request); err != nil {
			return nil, fmt.Errorf("unmarshal request: %w", err)
		}
	}
	if len(response) > 0 {
		r.Response = &record.ResponseSnapshot{}
		if err := json.Unmarshal(response, r.Response); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	if len(lastError) > 0 {
		r.Error = &classify.Error{}
		if err := json.Unmarshal(lastError, r.Error); err != nil {
			return nil, fmt.Errorf("unmarshal error: %w", err)
		}
	}
	return &r, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case *record.RequestSnapshot:
		if t == nil {
			return nil, nil
		}
	case *record.ResponseSnapshot:
		if t == nil {
			return nil, nil
		}
	case *classify.Error:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
