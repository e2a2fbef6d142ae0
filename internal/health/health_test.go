package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPHandlerNilPool(t *testing.T) {
	handler := HTTPHandler("hookline-ingest", nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var status Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("response JSON parse error: %v", err)
	}
	if !status.OK || status.Message != "ok" || !status.Database {
		t.Errorf("status = %+v, want healthy", status)
	}
	if status.Service != "hookline-ingest" {
		t.Errorf("service = %q, want hookline-ingest", status.Service)
	}
}

func TestStatusJSONOmitempty(t *testing.T) {
	tests := []struct {
		name       string
		status     Status
		wantFields []string
		skipFields []string
	}{
		{
			name:       "all fields populated",
			status:     Status{OK: true, Message: "ok", Database: true},
			wantFields: []string{`"ok":true`, `"message":"ok"`, `"database":true`},
		},
		{
			name:       "empty message omitted",
			status:     Status{OK: true, Database: true},
			wantFields: []string{`"ok":true`, `"database":true`},
			skipFields: []string{`"message"`},
		},
		{
			name:       "false database omitted",
			status:     Status{OK: false, Message: "db ping failed"},
			wantFields: []string{`"ok":false`},
			skipFields: []string{`"database"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jsonData, err := json.Marshal(tt.status)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			s := string(jsonData)
			for _, f := range tt.wantFields {
				if !strings.Contains(s, f) {
					t.Errorf("JSON %s missing %s", s, f)
				}
			}
			for _, f := range tt.skipFields {
				if strings.Contains(s, f) {
					t.Errorf("JSON %s should omit %s", s, f)
				}
			}
		})
	}
}
