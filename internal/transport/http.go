package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/hookline/hookline/internal/classify"
	"github.com/hookline/hookline/internal/endpoint"
	"github.com/hookline/hookline/internal/record"
)

const (
	// SigHeader carries sha256=<hex> over body||timestamp.
	SigHeader = "X-Hookline-Signature"
	// TsHeader carries the signing timestamp in unix seconds.
	TsHeader = "X-Hookline-Timestamp"

	maxCapturedBody = 4 << 10
)

// Result is what one attempt produced: a response snapshot when the
// receiver answered, a raw failure when the attempt did not succeed, and
// the attempt latency either way.
type Result struct {
	Response     *record.ResponseSnapshot
	Failure      *classify.Failure
	ResponseTime time.Duration
}

// OK reports whether the attempt succeeded (2xx and no transport fault).
func (r Result) OK() bool {
	return r.Failure == nil
}

// HTTPTransport delivers webhook payloads over signed HTTP POSTs. It is
// the transport collaborator: the dispatcher invokes it only on claimed
// records, and the per-attempt timeout is enforced here.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTP() *HTTPTransport {
	// No client-level timeout: the per-attempt deadline comes from the
	// endpoint configuration via context.
	return &HTTPTransport{client: &http.Client{}}
}

// Dispatch signs and posts the record's payload to the endpoint, bounded
// by the endpoint's per-attempt timeout. The returned request snapshot is
// stored on the record as last-attempt diagnostics.
func (t *HTTPTransport) Dispatch(ctx context.Context, rec *record.Record, ep endpoint.Endpoint) (record.RequestSnapshot, Result) {
	body, err := json.Marshal(rec.Payload)
	if err != nil {
		return record.RequestSnapshot{}, Result{Failure: &classify.Failure{
			Kind:    classify.KindValidation,
			Message: "payload marshal failed",
			Detail:  err.Error(),
		}}
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(ep.Secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	sig := hex.EncodeToString(mac.Sum(nil))

	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return record.RequestSnapshot{}, Result{Failure: &classify.Failure{
			Kind:    classify.KindValidation,
			Message: "request build failed",
			Detail:  err.Error(),
		}}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TsHeader, ts)
	req.Header.Set(SigHeader, "sha256="+sig)
	req.Header.Set("X-Hookline-Event", rec.EventType)
	req.Header.Set("X-Hookline-Delivery", rec.ID)
	if rec.Metadata.TraceID != "" {
		req.Header.Set("X-Trace-Id", rec.Metadata.TraceID)
	}

	snapshot := record.RequestSnapshot{
		URL:    ep.URL,
		Method: http.MethodPost,
		Headers: map[string]string{
			"Content-Type":        "application/json",
			TsHeader:              ts,
			SigHeader:             "sha256=" + sig,
			"X-Hookline-Event":    rec.EventType,
			"X-Hookline-Delivery": rec.ID,
		},
	}

	start := time.Now()
	resp, doErr := t.client.Do(req)
	latency := time.Since(start)

	if doErr != nil {
		return snapshot, Result{
			Failure:      rawFailure(doErr),
			ResponseTime: latency,
		}
	}
	defer resp.Body.Close()

	captured, _ := io.ReadAll(io.LimitReader(resp.Body, maxCapturedBody))
	snap := &record.ResponseSnapshot{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       string(captured),
		ReceivedAt: start.Add(latency),
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return snapshot, Result{Response: snap, ResponseTime: latency}
	}

	f := &classify.Failure{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode),
	}
	// 429 is the one kind the transport pre-classifies; the signal is
	// unambiguous and the engine does not infer rate limits itself.
	if resp.StatusCode == http.StatusTooManyRequests {
		f.Kind = classify.KindRateLimit
	}
	return snapshot, Result{Response: snap, Failure: f, ResponseTime: latency}
}

// rawFailure maps a transport error onto the raw failure signal the
// classifier understands: a fault code for address-level problems, a
// timeout flag for deadline overruns.
func rawFailure(err error) *classify.Failure {
	f := &classify.Failure{Message: err.Error()}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		f.Timeout = true
		return f
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		f.Code = "ENOTFOUND"
		return f
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		f.Code = "ECONNREFUSED"
		return f
	}
	if errors.Is(err, syscall.ECONNRESET) {
		f.Code = "ECONNRESET"
	}
	return f
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
