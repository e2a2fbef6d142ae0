package dispatch

import (
	"time"

	"github.com/hookline/hookline/internal/record"
)

const DeadLetterType = "delivery.dead_letter"

// DeadLetter is the envelope published to the dead-letter topic when a
// delivery reaches terminal failed or expired. External alerting and
// reporting consume it; the engine never reads it back.
type DeadLetter struct {
	Type           string          `json:"type"`    // "delivery.dead_letter"
	Version        string          `json:"version"` // schema version
	At             string          `json:"at"`      // RFC3339 time the dead letter was emitted
	Reason         string          `json:"reason"`  // human/debug text
	DeliveryID     string          `json:"delivery_id"`
	EndpointID     string          `json:"endpoint_id"`
	EventType      string          `json:"event_type"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Status         record.Status   `json:"status"`
	Attempts       int             `json:"attempts"`
	HTTPStatus     int             `json:"http_status,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Payload        record.Envelope `json:"payload"`
}

func NewDeadLetter(r *record.Record, reason string) DeadLetter {
	dl := DeadLetter{
		Type:           DeadLetterType,
		Version:        "v1",
		At:             time.Now().Format(time.RFC3339Nano),
		Reason:         reason,
		DeliveryID:     r.ID,
		EndpointID:     r.EndpointID,
		EventType:      r.EventType,
		OrganizationID: r.OrganizationID,
		Status:         r.Status,
		Attempts:       r.Attempts.Count,
		Payload:        r.Payload,
	}
	if r.Response != nil {
		dl.HTTPStatus = r.Response.StatusCode
	}
	if r.Error != nil {
		dl.ErrorKind = string(r.Error.Kind)
		dl.LastError = r.Error.Message
	}
	return dl
}
