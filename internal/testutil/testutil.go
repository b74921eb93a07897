// Package testutil provides shared test helpers for the rig packages.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/banshee-data/tuberig/internal/monitoring"
)

// QuietLogs silences monitoring.Logf for the duration of the test.
func QuietLogs(t *testing.T) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = orig })
}

// CaptureLogs redirects monitoring.Logf into the returned slice pointer for
// the duration of the test. Lines are stored already formatted.
func CaptureLogs(t *testing.T) *[]string {
	t.Helper()
	orig := monitoring.Logf
	var lines []string
	monitoring.Logf = func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}
	t.Cleanup(func() { monitoring.Logf = orig })
	return &lines
}

// Get serves a GET request for target on h and returns the recorded response.
func Get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Errorf("status code = %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
}

// DecodeBody unmarshals the JSON body of rec into v, failing the test on error.
func DecodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}
