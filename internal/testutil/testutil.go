// Package testutil holds helpers for exercising the /debug routes in tests.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

// LoopbackAddr is the remote address tsweb's debug handlers accept.
const LoopbackAddr = "127.0.0.1:12345"

// DebugRequest builds a request that appears to come from localhost.
func DebugRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = LoopbackAddr
	return req
}

// ServeDebug sends a bodyless loopback request through h.
func ServeDebug(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, DebugRequest(method, target, nil))
	return rec
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}
