package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{
			name:        "create logger with service name",
			serviceName: "test-service",
		},
		{
			name:        "create logger with empty service name",
			serviceName: "",
		},
		{
			name:        "create logger with complex service name",
			serviceName: "hookline-dispatcher-v2.1.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)

			if logger == nil {
				t.Error("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	// Set up test tracer for trace ID extraction
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{
			name:     "with trace context",
			hasTrace: true,
		},
		{
			name:     "without trace context",
			hasTrace: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()

			if tt.hasTrace {
				tracer := otel.Tracer("test-tracer")
				newCtx, span := tracer.Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			entry := logger.WithContext(ctx)

			if entry == nil {
				t.Fatal("WithContext() returned nil entry")
			}
			if entry.Service != "test-service" {
				t.Errorf("WithContext() Service = %q, want %q", entry.Service, "test-service")
			}
			if entry.Fields == nil {
				t.Error("WithContext() Fields should not be nil")
			}

			if tt.hasTrace {
				if entry.TraceID == "" {
					t.Error("WithContext() TraceID should not be empty with trace context")
				}
			} else {
				if entry.TraceID != "" {
					t.Errorf("WithContext() TraceID = %q, want empty string without trace", entry.TraceID)
				}
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	tests := []struct {
		name    string
		setupFn func(*LogEntry) *LogEntry
		checkFn func(*testing.T, *LogEntry)
	}{
		{
			name: "WithTraceID",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithTraceID("trace-123")
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.TraceID != "trace-123" {
					t.Errorf("WithTraceID() TraceID = %q, want %q", e.TraceID, "trace-123")
				}
			},
		},
		{
			name: "WithOrganization",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithOrganization("org-456")
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.OrganizationID != "org-456" {
					t.Errorf("WithOrganization() OrganizationID = %q, want %q", e.OrganizationID, "org-456")
				}
			},
		},
		{
			name: "WithEvent",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithEvent("event-789")
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.EventID != "event-789" {
					t.Errorf("WithEvent() EventID = %q, want %q", e.EventID, "event-789")
				}
			},
		},
		{
			name: "WithDelivery",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithDelivery("delivery-abc")
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.DeliveryID != "delivery-abc" {
					t.Errorf("WithDelivery() DeliveryID = %q, want %q", e.DeliveryID, "delivery-abc")
				}
			},
		},
		{
			name: "WithEndpoint",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithEndpoint("endpoint-def")
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.EndpointID != "endpoint-def" {
					t.Errorf("WithEndpoint() EndpointID = %q, want %q", e.EndpointID, "endpoint-def")
				}
			},
		},
		{
			name: "chained methods",
			setupFn: func(e *LogEntry) *LogEntry {
				return e.WithTraceID("trace-123").WithOrganization("org-456").WithDelivery("delivery-789")
			},
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.TraceID != "trace-123" {
					t.Errorf("Chained TraceID = %q, want %q", e.TraceID, "trace-123")
				}
				if e.OrganizationID != "org-456" {
					t.Errorf("Chained OrganizationID = %q, want %q", e.OrganizationID, "org-456")
				}
				if e.DeliveryID != "delivery-789" {
					t.Errorf("Chained DeliveryID = %q, want %q", e.DeliveryID, "delivery-789")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			entry := logger.Plain()

			result := tt.setupFn(entry)

			// Verify fluent interface returns same entry
			if result != entry {
				t.Error("Fluent method should return same LogEntry instance")
			}

			tt.checkFn(t, entry)
		})
	}
}

func TestLogEntry_WithField(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value any
	}{
		{
			name:  "string value",
			key:   "operation",
			value: "webhook-delivery",
		},
		{
			name:  "integer value",
			key:   "attempt",
			value: 3,
		},
		{
			name:  "boolean value",
			key:   "success",
			value: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			entry := logger.Plain()

			result := entry.WithField(tt.key, tt.value)

			if result != entry {
				t.Error("WithField() should return same LogEntry instance")
			}
			if entry.Fields[tt.key] != tt.value {
				t.Errorf("WithField() Fields[%q] = %v, want %v", tt.key, entry.Fields[tt.key], tt.value)
			}
		})
	}
}

func TestLogEntry_WithFields(t *testing.T) {
	tests := []struct {
		name          string
		initialFields map[string]any
		newFields     map[string]any
		expectedLen   int
	}{
		{
			name:          "add fields to empty entry",
			initialFields: nil,
			newFields:     map[string]any{"key1": "value1", "key2": 42},
			expectedLen:   2,
		},
		{
			name:          "add fields to existing fields",
			initialFields: map[string]any{"existing": "value"},
			newFields:     map[string]any{"key1": "value1", "key2": 42},
			expectedLen:   3,
		},
		{
			name:          "overwrite existing fields",
			initialFields: map[string]any{"key1": "old"},
			newFields:     map[string]any{"key1": "new", "key2": 42},
			expectedLen:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			entry := logger.WithFields(tt.initialFields)

			result := entry.WithFields(tt.newFields)

			if result != entry {
				t.Error("WithFields() should return same LogEntry instance")
			}
			if len(entry.Fields) != tt.expectedLen {
				t.Errorf("WithFields() Fields length = %d, want %d", len(entry.Fields), tt.expectedLen)
			}

			for k, v := range tt.newFields {
				if entry.Fields[k] != v {
					t.Errorf("WithFields() Fields[%q] = %v, want %v", k, entry.Fields[k], v)
				}
			}
		})
	}
}

func TestLogEntry_WithError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "with error",
			err:  fmt.Errorf("test error message"),
		},
		{
			name: "with nil error",
			err:  nil,
		},
		{
			name: "with wrapped error",
			err:  fmt.Errorf("wrapped: %w", fmt.Errorf("original error")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			entry := logger.Plain()

			result := entry.WithError(tt.err)

			if result != entry {
				t.Error("WithError() should return same LogEntry instance")
			}

			if tt.err != nil {
				if entry.Fields["error"] != tt.err.Error() {
					t.Errorf("WithError() Fields[\"error\"] = %v, want %v", entry.Fields["error"], tt.err.Error())
				}
			} else {
				if entry.Fields["error"] != nil {
					t.Error("WithError() should not add error field for nil error")
				}
			}
		})
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	// Capture stdout for testing
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	defer func() {
		os.Stdout = oldStdout
	}()

	tests := []struct {
		name          string
		setupFn       func(*LogEntry)
		expectedLevel LogLevel
		expectedMsg   string
	}{
		{
			name:          "Debug",
			setupFn:       func(e *LogEntry) { e.Debug("debug message") },
			expectedLevel: LevelDebug,
			expectedMsg:   "debug message",
		},
		{
			name:          "Infof",
			setupFn:       func(e *LogEntry) { e.Infof("info %s", "formatted") },
			expectedLevel: LevelInfo,
			expectedMsg:   "info formatted",
		},
		{
			name:          "Warn",
			setupFn:       func(e *LogEntry) { e.Warn("warn message") },
			expectedLevel: LevelWarn,
			expectedMsg:   "warn message",
		},
		{
			name:          "Errorf",
			setupFn:       func(e *LogEntry) { e.Errorf("error %v", true) },
			expectedLevel: LevelError,
			expectedMsg:   "error true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			entry := logger.Plain().WithField("test", "value")

			outputChan := make(chan string, 1)
			go func() {
				var buf bytes.Buffer
				io.Copy(&buf, r)
				outputChan <- buf.String()
			}()

			tt.setupFn(entry)

			w.Close()
			output := <-outputChan

			var loggedEntry LogEntry
			err := json.Unmarshal([]byte(strings.TrimSpace(output)), &loggedEntry)
			if err != nil {
				t.Errorf("Failed to parse JSON output: %v", err)
			}

			if loggedEntry.Level != tt.expectedLevel {
				t.Errorf("Log Level = %q, want %q", loggedEntry.Level, tt.expectedLevel)
			}
			if loggedEntry.Message != tt.expectedMsg {
				t.Errorf("Log Message = %q, want %q", loggedEntry.Message, tt.expectedMsg)
			}
			if loggedEntry.Service != "test-service" {
				t.Errorf("Log Service = %q, want %q", loggedEntry.Service, "test-service")
			}

			// Restore stdout for next test
			r, w, _ = os.Pipe()
			os.Stdout = w
		})
	}
}

func TestGlobalFunctions(t *testing.T) {
	tests := []struct {
		name    string
		testFn  func() *LogEntry
		checkFn func(*testing.T, *LogEntry)
	}{
		{
			name:   "WithContext global function",
			testFn: func() *LogEntry { return WithContext(context.Background()) },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Service != defaultLogger.service {
					t.Errorf("Global WithContext() Service = %q, want %q", e.Service, defaultLogger.service)
				}
			},
		},
		{
			name:   "WithFields global function",
			testFn: func() *LogEntry { return WithFields(map[string]any{"key": "value"}) },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Fields["key"] != "value" {
					t.Errorf("Global WithFields() Fields[\"key\"] = %v, want %v", e.Fields["key"], "value")
				}
			},
		},
		{
			name:   "Plain global function",
			testFn: func() *LogEntry { return Plain() },
			checkFn: func(t *testing.T, e *LogEntry) {
				if e.Service != defaultLogger.service {
					t.Errorf("Global Plain() Service = %q, want %q", e.Service, defaultLogger.service)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := tt.testFn()

			if entry == nil {
				t.Fatal("Global function returned nil entry")
			}

			tt.checkFn(t, entry)
		})
	}
}

func TestSetDefaultService(t *testing.T) {
	originalService := defaultLogger.service
	defer func() {
		defaultLogger.service = originalService
	}()

	SetDefaultService("custom-service")

	if defaultLogger.service != "custom-service" {
		t.Errorf("SetDefaultService() service = %q, want %q", defaultLogger.service, "custom-service")
	}
	if entry := Plain(); entry.Service != "custom-service" {
		t.Errorf("Plain() after SetDefaultService() Service = %q, want %q", entry.Service, "custom-service")
	}
}

func TestLogEntryJSONSerialization(t *testing.T) {
	entry := LogEntry{
		Time:           time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Level:          LevelInfo,
		Message:        "test message",
		Service:        "test-service",
		TraceID:        "trace-123",
		OrganizationID: "org-789",
		EventID:        "event-abc",
		DeliveryID:     "delivery-def",
		EndpointID:     "endpoint-ghi",
		Fields:         map[string]any{"key": "value"},
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("LogEntry JSON marshal error: %v", err)
	}

	var unmarshaled LogEntry
	if err := json.Unmarshal(jsonData, &unmarshaled); err != nil {
		t.Fatalf("LogEntry JSON unmarshal error: %v", err)
	}

	if unmarshaled.Level != entry.Level {
		t.Errorf("JSON round-trip Level mismatch: got %q, want %q", unmarshaled.Level, entry.Level)
	}
	if unmarshaled.Message != entry.Message {
		t.Errorf("JSON round-trip Message mismatch: got %q, want %q", unmarshaled.Message, entry.Message)
	}
	if unmarshaled.OrganizationID != entry.OrganizationID {
		t.Errorf("JSON round-trip OrganizationID mismatch: got %q, want %q", unmarshaled.OrganizationID, entry.OrganizationID)
	}
}
