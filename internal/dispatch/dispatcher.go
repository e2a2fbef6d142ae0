package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hookline/hookline/internal/backoff"
	"github.com/hookline/hookline/internal/classify"
	"github.com/hookline/hookline/internal/endpoint"
	"github.com/hookline/hookline/internal/logging"
	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/record"
	"github.com/hookline/hookline/internal/tracing"
	"github.com/hookline/hookline/internal/transport"
)

// RecordStore is the slice of the persistence adapter the dispatcher needs.
type RecordStore interface {
	NextBatch(ctx context.Context, now time.Time, limit int) ([]*record.Record, []string, error)
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	Save(ctx context.Context, r *record.Record) error
	Get(ctx context.Context, id string) (*record.Record, error)
	InsertDeadLetter(ctx context.Context, deliveryID, reason string) error
	QueueDepth(ctx context.Context, now time.Time) (int64, error)
}

// EndpointSource supplies target configuration for an endpoint id.
type EndpointSource interface {
	Get(ctx context.Context, id string) (endpoint.Endpoint, error)
}

// Transport delivers a claimed record to its endpoint.
type Transport interface {
	Dispatch(ctx context.Context, rec *record.Record, ep endpoint.Endpoint) (record.RequestSnapshot, transport.Result)
}

// Publisher publishes dead letters; *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Config tunes the dispatcher loop.
type Config struct {
	PollInterval       time.Duration
	BatchSize          int
	Workers            int
	JitterPercent      float64
	PublishDeadLetters bool
	DeadLetterTopic    string
}

// Dispatcher repeatedly claims eligible deliveries from the selector,
// invokes the transport, and feeds results back through the record state
// machine. Multiple dispatchers may run against the same database; the
// store's conditional claim is the only coordination between them.
type Dispatcher struct {
	store     RecordStore
	endpoints EndpointSource
	transport Transport
	publisher Publisher
	cfg       Config
	logger    *logging.Logger
	now       func() time.Time
	nudge     chan struct{}
}

func New(store RecordStore, endpoints EndpointSource, tr Transport, pub Publisher, cfg Config, logger *logging.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Dispatcher{
		store:     store,
		endpoints: endpoints,
		transport: tr,
		publisher: pub,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		nudge:     make(chan struct{}, 1),
	}
}

// WithClock overrides the dispatcher clock. Tests only.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Nudge asks the dispatcher to poll immediately instead of waiting out the
// poll interval. Used by the NSQ consumer when a delivery is created.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled. Each poll drains one batch through the
// worker pool before the next tick.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Plain().WithFields(map[string]any{
		"poll_interval": d.cfg.PollInterval.String(),
		"batch_size":    d.cfg.BatchSize,
		"workers":       d.cfg.Workers,
	}).Info("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Plain().Info("dispatcher stopped")
			return
		case <-ticker.C:
		case <-d.nudge:
		}
		d.Poll(ctx)
	}
}

// Poll runs one selector pass: dead-letters freshly expired records, then
// fans the eligible batch out to the worker pool and waits for it.
func (d *Dispatcher) Poll(ctx context.Context) {
	now := d.now()

	batch, expired, err := d.store.NextBatch(ctx, now, d.cfg.BatchSize)
	if err != nil {
		d.logger.Plain().WithError(err).Error("selector poll failed")
		return
	}

	for _, id := range expired {
		d.deadLetterExpired(ctx, id)
	}

	if len(batch) == 0 {
		return
	}

	work := make(chan *record.Record)
	done := make(chan struct{})
	workers := d.cfg.Workers
	if workers > len(batch) {
		workers = len(batch)
	}
	for i := 0; i < workers; i++ {
		go func() {
			for rec := range work {
				d.processOne(ctx, rec)
			}
			done <- struct{}{}
		}()
	}
	for _, rec := range batch {
		work <- rec
	}
	close(work)
	for i := 0; i < workers; i++ {
		<-done
	}
}

// processOne drives a single record through claim, transport, and the
// state-machine result transition.
func (d *Dispatcher) processOne(ctx context.Context, rec *record.Record) {
	now := d.now()

	ctx, span := tracing.StartSpan(ctx, "dispatch.delivery",
		attribute.String("delivery_id", rec.ID),
		attribute.String("endpoint_id", rec.EndpointID),
		attribute.String("event_type", rec.EventType),
		attribute.String("priority", string(rec.Priority)),
		attribute.Int("attempt", rec.Attempts.Count+1),
	)
	defer span.End()

	// Atomic conditional claim against the store; losing the race is not
	// an error, another worker owns the record now.
	claimed, err := d.store.Claim(ctx, rec.ID, now)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("claim failed")
		return
	}
	if !claimed {
		metrics.RecordClaimRace()
		tracing.AddSpanEvent(ctx, "claim.lost_race")
		return
	}
	if err := rec.Claim(now); err != nil {
		// The store said yes but the loaded copy disagrees; reload next poll.
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Warn("claim mismatch on loaded record")
		return
	}

	ep, epErr := d.endpoints.Get(ctx, rec.EndpointID)
	switch {
	case epErr != nil || ep.Disabled:
		// No target to deliver to: a classified, non-retryable failure.
		f := classify.Failure{
			Kind:    classify.KindValidation,
			Message: "endpoint missing or disabled",
		}
		if epErr != nil {
			f.Detail = epErr.Error()
		}
		tracing.AddSpanEvent(ctx, "delivery.no_endpoint")
		if err := rec.RecordFailure(f, nil, d.now()); err != nil {
			d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("record failure transition failed")
			return
		}
	default:
		tracing.AddSpanEvent(ctx, "transport.dispatch")
		reqSnap, res := d.transport.Dispatch(ctx, rec, ep)
		rec.Request = &reqSnap

		span.SetAttributes(attribute.Int64("attempt.latency_ms", res.ResponseTime.Milliseconds()))
		if res.Response != nil {
			span.SetAttributes(attribute.Int("http.status_code", res.Response.StatusCode))
		}

		attemptAt := d.now()
		if res.OK() {
			if err := rec.RecordSuccess(*res.Response, res.ResponseTime, attemptAt); err != nil {
				d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("record success transition failed")
				return
			}
		} else {
			span.SetAttributes(attribute.String("failure.message", res.Failure.Message))
			if err := rec.RecordFailure(*res.Failure, res.Response, attemptAt); err != nil {
				d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("record failure transition failed")
				return
			}
		}
		metrics.RecordAttempt(string(rec.Status), res.ResponseTime)
	}

	d.applyJitter(rec)

	if err := d.store.Save(ctx, rec); err != nil {
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("save after attempt failed")
		return
	}

	span.SetAttributes(attribute.String("delivery.status", string(rec.Status)))

	switch rec.Status {
	case record.StatusSuccess:
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithEndpoint(rec.EndpointID).Info("delivered")
	case record.StatusRetrying:
		metrics.RecordRetry(string(rec.Error.Kind))
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithFields(map[string]any{
			"attempt":         rec.Attempts.Count,
			"next_attempt_at": rec.Attempts.NextAttemptAt.Format(time.RFC3339Nano),
			"error_kind":      string(rec.Error.Kind),
		}).Info("retry scheduled")
	case record.StatusFailed:
		reason := terminalReason(rec)
		metrics.RecordDeadLetter(reason)
		d.deadLetter(ctx, rec, reason)
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithFields(map[string]any{
			"attempt": rec.Attempts.Count,
			"reason":  reason,
		}).Warn("delivery dead-lettered")
	}
}

// applyJitter spreads a scheduled retry by the configured percentage so a
// burst of failures against one endpoint does not retry in lockstep. The
// jittered time still honors the expiry bound.
func (d *Dispatcher) applyJitter(rec *record.Record) {
	if d.cfg.JitterPercent <= 0 || rec.Status != record.StatusRetrying || rec.Attempts.NextAttemptAt == nil {
		return
	}
	base := *rec.Attempts.LastAttemptAt
	delay := rec.Attempts.NextAttemptAt.Sub(base)
	next := base.Add(backoff.Jitter(delay, d.cfg.JitterPercent))
	if rec.ExpiresAt != nil && !next.Before(*rec.ExpiresAt) {
		return
	}
	rec.Attempts.NextAttemptAt = &next
}

func (d *Dispatcher) deadLetter(ctx context.Context, rec *record.Record, reason string) {
	if err := d.store.InsertDeadLetter(ctx, rec.ID, reason); err != nil {
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("dead letter insert failed")
	}
	if !d.cfg.PublishDeadLetters || d.publisher == nil {
		return
	}
	b, err := json.Marshal(NewDeadLetter(rec, reason))
	if err != nil {
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("dead letter marshal failed")
		return
	}
	if err := d.publisher.Publish(d.cfg.DeadLetterTopic, b); err != nil {
		d.logger.WithContext(ctx).WithDelivery(rec.ID).WithError(err).Error("dead letter publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "deadletter.published", attribute.String("topic", d.cfg.DeadLetterTopic))
}

func (d *Dispatcher) deadLetterExpired(ctx context.Context, id string) {
	metrics.RecordDeadLetter("expired")
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		d.logger.Plain().WithDelivery(id).WithError(err).Error("load expired delivery failed")
		return
	}
	d.deadLetter(ctx, rec, "expired before dispatch")
	d.logger.WithContext(ctx).WithDelivery(id).Warn("delivery expired")
}

// MonitorQueueDepth updates the due-work gauge until ctx is cancelled.
func (d *Dispatcher) MonitorQueueDepth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := d.store.QueueDepth(ctx, d.now())
			if err != nil {
				d.logger.Plain().WithError(err).Error("queue depth query failed")
				continue
			}
			metrics.UpdateQueueDepth(float64(depth))
		}
	}
}

func terminalReason(rec *record.Record) string {
	if rec.Error == nil {
		return "unknown"
	}
	if !rec.Error.Retryable {
		return fmt.Sprintf("non_retryable_%s", rec.Error.Kind)
	}
	return "attempts_exhausted"
}
