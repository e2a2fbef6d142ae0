package classify

import "strings"

// Kind buckets a delivery failure for retry decisions and reporting.
type Kind string

const (
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindHTTP           Kind = "http"
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindServerError    Kind = "server_error"
)

// Error is a classified delivery failure. It is data, not a Go error:
// expected delivery failures are recorded on the delivery, never raised.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Detail    string `json:"detail,omitempty"`
}

// Failure is the raw signal the transport hands back after a failed
// attempt. Zero fields are simply absent signals.
type Failure struct {
	// Kind, when set, is a pre-classification from the transport
	// (e.g. rate_limit for HTTP 429) and wins over inference.
	Kind       Kind
	Code       string // transport/network fault code, e.g. ECONNREFUSED
	StatusCode int    // HTTP status of the response, if one arrived
	Timeout    bool
	Message    string
	Detail     string
}

// Network fault codes that indicate a permanently bad address.
var permanentNetworkCodes = map[string]bool{
	"ENOTFOUND":    true,
	"ECONNREFUSED": true,
}

// HTTP statuses that are permanent client errors and never retried.
var permanentHTTPStatuses = map[int]bool{
	400: true,
	401: true,
	403: true,
	404: true,
	405: true,
	410: true,
	422: true,
}

// Classify maps a raw failure signal to a classified Error. Rules are
// applied in order, later rules overriding earlier ones when a failure
// carries multiple signals; a pre-classified Kind bypasses inference.
func Classify(f Failure) Error {
	msg := f.Message
	if msg == "" {
		msg = "Unknown error"
	}

	if f.Kind != "" {
		return Error{
			Kind:      f.Kind,
			Message:   msg,
			Retryable: preClassifiedRetryable(f.Kind),
			Detail:    f.Detail,
		}
	}

	e := Error{Kind: KindNetwork, Message: msg, Retryable: true, Detail: f.Detail}

	if f.Code != "" {
		e.Kind = KindNetwork
		e.Retryable = !permanentNetworkCodes[f.Code]
	}

	if f.StatusCode != 0 {
		e.Kind = KindHTTP
		e.Retryable = !permanentHTTPStatuses[f.StatusCode]
	}

	if f.Timeout || strings.Contains(strings.ToLower(f.Message), "timeout") {
		e.Kind = KindTimeout
		e.Retryable = true
	}

	return e
}

// preClassifiedRetryable assigns the retry flag for kinds the transport
// names explicitly. Validation and authentication failures will not
// self-correct; rate limits and upstream server errors will.
func preClassifiedRetryable(k Kind) bool {
	switch k {
	case KindValidation, KindAuthentication:
		return false
	default:
		return true
	}
}
