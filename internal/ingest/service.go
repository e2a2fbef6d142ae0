package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hookline/hookline/internal/auth"
	"github.com/hookline/hookline/internal/endpoint"
	"github.com/hookline/hookline/internal/logging"
	"github.com/hookline/hookline/internal/metrics"
	"github.com/hookline/hookline/internal/record"
	"github.com/hookline/hookline/internal/store"
	"github.com/hookline/hookline/internal/tracing"
)

// DeliveryStore is the slice of the persistence adapter the ingest API
// needs.
type DeliveryStore interface {
	Create(ctx context.Context, r *record.Record) error
	Get(ctx context.Context, id string) (*record.Record, error)
	List(ctx context.Context, f store.ListFilter) ([]*record.Record, error)
	Cancel(ctx context.Context, id, reason string, now time.Time) (*record.Record, error)
}

// EndpointStore is the endpoint configuration collaborator surface.
type EndpointStore interface {
	Create(ctx context.Context, organizationID, rawURL, secret string, timeout time.Duration) (endpoint.Endpoint, error)
	Get(ctx context.Context, id string) (endpoint.Endpoint, error)
	List(ctx context.Context, organizationID string) ([]endpoint.Endpoint, error)
	SetDisabled(ctx context.Context, id string, disabled bool) error
}

// Publisher publishes dispatch nudges; *nsq.Producer satisfies it.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Nudge tells dispatchers new work exists so they poll without waiting out
// the interval. TraceHeaders carries OTel propagation headers.
type Nudge struct {
	DeliveryIDs  []string          `json:"delivery_ids"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Service is the event ingestion and admin API. It creates delivery
// records and reads them back; all retry machinery lives in the dispatcher.
type Service struct {
	deliveries DeliveryStore
	endpoints  EndpointStore
	producer   Publisher
	nudgeTopic string
	logger     *logging.Logger
	now        func() time.Time
}

func NewService(deliveries DeliveryStore, endpoints EndpointStore, producer Publisher, nudgeTopic string, logger *logging.Logger) *Service {
	return &Service{
		deliveries: deliveries,
		endpoints:  endpoints,
		producer:   producer,
		nudgeTopic: nudgeTopic,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the service clock. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Routes returns the API mux. Auth middleware is layered on by the caller.
func (s *Service) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/endpoints", s.handleCreateEndpoint)
	mux.HandleFunc("GET /v1/endpoints", s.handleListEndpoints)
	mux.HandleFunc("POST /v1/endpoints/{id}/disable", s.handleDisableEndpoint)
	mux.HandleFunc("POST /v1/endpoints/{id}/enable", s.handleEnableEndpoint)
	mux.HandleFunc("POST /v1/events", s.handlePublishEvent)
	mux.HandleFunc("GET /v1/deliveries", s.handleListDeliveries)
	mux.HandleFunc("GET /v1/deliveries/{id}", s.handleGetDelivery)
	mux.HandleFunc("POST /v1/deliveries/{id}/cancel", s.handleCancelDelivery)
	mux.HandleFunc("POST /v1/deliveries/{id}/retry", s.handleRetryDelivery)
	return mux
}

type createEndpointRequest struct {
	OrganizationID string `json:"organization_id"`
	URL            string `json:"url"`
	Secret         string `json:"secret,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

func (s *Service) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if org, ok := auth.GetOrganizationIDFromContext(r.Context()); ok {
		req.OrganizationID = org
	}

	ep, err := s.endpoints.Create(r.Context(), req.OrganizationID, req.URL, req.Secret,
		time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.WithContext(r.Context()).WithEndpoint(ep.ID).WithOrganization(ep.OrganizationID).Info("endpoint created")
	writeJSON(w, http.StatusCreated, ep)
}

func (s *Service) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("organization_id")
	if ctxOrg, ok := auth.GetOrganizationIDFromContext(r.Context()); ok {
		org = ctxOrg
	}
	eps, err := s.endpoints.List(r.Context(), org)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}

func (s *Service) handleDisableEndpoint(w http.ResponseWriter, r *http.Request) {
	s.setEndpointDisabled(w, r, true)
}

func (s *Service) handleEnableEndpoint(w http.ResponseWriter, r *http.Request) {
	s.setEndpointDisabled(w, r, false)
}

func (s *Service) setEndpointDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	id := r.PathValue("id")
	if err := s.endpoints.SetDisabled(r.Context(), id, disabled); err != nil {
		if errors.Is(err, endpoint.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "disabled": disabled})
}

type publishEventRequest struct {
	EventType      string          `json:"event_type"`
	EventID        string          `json:"event_id,omitempty"`
	Data           json.RawMessage `json:"data"`
	Context        json.RawMessage `json:"context,omitempty"`
	PreviousData   json.RawMessage `json:"previous_data,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	OrganizationID string          `json:"organization_id,omitempty"`
	ExpiresAfter   string          `json:"expires_after,omitempty"` // e.g. "30m"
	EndpointIDs    []string        `json:"endpoint_ids,omitempty"`  // empty = all enabled endpoints
}

func (s *Service) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.EventType == "" || len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("event_type and data are required"))
		return
	}
	if req.Priority != "" && !record.Priority(req.Priority).Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown priority %q", req.Priority))
		return
	}
	if org, ok := auth.GetOrganizationIDFromContext(r.Context()); ok {
		req.OrganizationID = org
	}

	var expiresAfter time.Duration
	if req.ExpiresAfter != "" {
		d, err := time.ParseDuration(req.ExpiresAfter)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid expires_after: %w", err))
			return
		}
		expiresAfter = d
	}

	targets, err := s.resolveTargets(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(targets) == 0 {
		writeError(w, http.StatusUnprocessableEntity, errors.New("no enabled endpoints to deliver to"))
		return
	}

	now := s.now()
	eventID := req.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	envelope := record.Envelope{
		Event:        req.EventType,
		EventID:      eventID,
		Timestamp:    now,
		Version:      "1",
		Data:         req.Data,
		Context:      req.Context,
		PreviousData: req.PreviousData,
	}

	var ids []string
	for _, ep := range targets {
		rec := record.New(record.CreateParams{
			EndpointID:     ep.ID,
			EventType:      req.EventType,
			Payload:        envelope,
			Priority:       record.Priority(req.Priority),
			OrganizationID: req.OrganizationID,
			ExpiresAfter:   expiresAfter,
			TraceID:        tracing.GetTraceID(r.Context()),
		}, now)
		if err := s.deliveries.Create(r.Context(), rec); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		metrics.RecordCreated(string(rec.Priority))
		ids = append(ids, rec.ID)
	}

	s.publishNudge(r.Context(), ids)
	s.logger.WithContext(r.Context()).WithEvent(eventID).WithOrganization(req.OrganizationID).
		WithField("deliveries", len(ids)).Info("event accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{"event_id": eventID, "delivery_ids": ids})
}

func (s *Service) resolveTargets(ctx context.Context, req publishEventRequest) ([]endpoint.Endpoint, error) {
	if len(req.EndpointIDs) > 0 {
		out := make([]endpoint.Endpoint, 0, len(req.EndpointIDs))
		for _, id := range req.EndpointIDs {
			ep, err := s.endpoints.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: %w", id, err)
			}
			if !ep.Disabled {
				out = append(out, ep)
			}
		}
		return out, nil
	}

	all, err := s.endpoints.List(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, ep := range all {
		if !ep.Disabled {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (s *Service) publishNudge(ctx context.Context, ids []string) {
	if s.producer == nil || len(ids) == 0 {
		return
	}
	b, err := json.Marshal(Nudge{
		DeliveryIDs:  ids,
		TraceHeaders: tracing.PropagateTraceToNSQ(ctx),
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("nudge marshal failed")
		return
	}
	if err := s.producer.Publish(s.nudgeTopic, b); err != nil {
		// Dispatchers poll anyway; a lost nudge only costs latency.
		s.logger.WithContext(ctx).WithError(err).Warn("nudge publish failed")
	}
}

func (s *Service) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deliveries.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		Status:     record.Status(q.Get("status")),
		EndpointID: q.Get("endpoint_id"),
	}
	if org, ok := auth.GetOrganizationIDFromContext(r.Context()); ok {
		f.OrganizationID = org
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", limit))
			return
		}
		f.Limit = n
	}
	recs, err := s.deliveries.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": recs})
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Service) handleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	// The store applies the cancel against current state, so a cancel
	// racing an in-flight attempt cannot roll back attempt bookkeeping.
	// Idempotent; a record that already went terminal is reported as-is.
	rec, err := s.deliveries.Cancel(r.Context(), r.PathValue("id"), req.Reason, s.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.WithContext(r.Context()).WithDelivery(rec.ID).Info("delivery cancelled")
	writeJSON(w, http.StatusOK, rec)
}

type retryRequest struct {
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

// handleRetryDelivery re-drives a terminal delivery as a brand-new record
// linked through the metadata lineage. In-flight deliveries retry on their
// own; only dead ones can be replayed.
func (s *Service) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	original, err := s.deliveries.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !original.Status.Terminal() {
		writeError(w, http.StatusConflict,
			fmt.Errorf("delivery is %s; only terminal deliveries can be replayed", original.Status))
		return
	}

	now := s.now()
	scheduledAt := now
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	retry := record.NewRetry(original, scheduledAt, now)
	if err := s.deliveries.Create(r.Context(), retry); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.RecordCreated(string(retry.Priority))
	s.publishNudge(r.Context(), []string{retry.ID})
	s.logger.WithContext(r.Context()).WithDelivery(retry.ID).
		WithField("original_delivery_id", original.ID).Info("delivery replay created")
	writeJSON(w, http.StatusCreated, retry)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
