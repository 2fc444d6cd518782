package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	return rec
}

func tracedRouter(redact bool, status int) *mux.Router {
	r := mux.NewRouter()
	r.Use(TracingMiddleware(redact))
	r.HandleFunc("/files/{user}/{path:.*}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}).Methods(http.MethodGet)
	return r
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]string {
	out := make(map[attribute.Key]string)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value.Emit()
	}
	return out
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	rec := installRecorder(t)

	req := httptest.NewRequest(http.MethodGet, "/files/alice/docs/a.txt", nil)
	req.Header.Set(UserHeader, "bob")
	req.Header.Set("X-Sharecrypt-Password", "hunter2")
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	tracedRouter(true, http.StatusOK).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sharecrypt.ReadFile", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	attrs := spanAttrs(spans[0])
	assert.Equal(t, "alice", attrs["sharecrypt.owner"])
	assert.Equal(t, "[REDACTED]", attrs["sharecrypt.path"])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.x-sharecrypt-password"])
	assert.Equal(t, "[REDACTED]", attrs["http.request.header.x-sharecrypt-user"])
	assert.Equal(t, "text/plain", attrs["http.request.header.content-type"])
	assert.Equal(t, "/files/{user}/{path:.*}", attrs["http.route"])
}

func TestTracingMiddleware_NoRedaction(t *testing.T) {
	rec := installRecorder(t)

	req := httptest.NewRequest(http.MethodGet, "/files/alice/docs/a.txt", nil)
	req.Header.Set(UserHeader, "bob")
	tracedRouter(false, http.StatusBadGateway).ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "docs/a.txt", attrs["sharecrypt.path"])
	assert.Equal(t, "bob", attrs["http.request.header.x-sharecrypt-user"])
	assert.Equal(t, "502", attrs["http.status_code"])
}

func TestSpanName(t *testing.T) {
	tests := []struct {
		method string
		route  string
		want   string
	}{
		{http.MethodGet, "/files/{user}/{path:.*}", "sharecrypt.ReadFile"},
		{http.MethodPut, "/files/{user}/{path:.*}", "sharecrypt.WriteFile"},
		{http.MethodDelete, "/files/{user}/{path:.*}", "sharecrypt.DeleteFile"},
		{http.MethodPost, "/shares/{user}/{path:.*}", "sharecrypt.ShareFile"},
		{http.MethodPost, "/users/{user}", "sharecrypt.SetupUser"},
		{http.MethodPost, "/users/{user}/unlock", "sharecrypt.UnlockUser"},
		{http.MethodGet, "/healthz", "HTTP GET"},
		{http.MethodGet, unmatchedRoute, "HTTP GET"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, spanName(tt.method, tt.route), tt.method+" "+tt.route)
	}
}

func TestGetRemoteAddr(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"X-Forwarded-For single IP", map[string]string{"X-Forwarded-For": "192.168.1.1"}, "192.168.1.1"},
		{"X-Forwarded-For multiple IPs", map[string]string{"X-Forwarded-For": "192.168.1.1, 10.0.0.1"}, "192.168.1.1"},
		{"X-Real-IP", map[string]string{"X-Real-IP": "192.168.1.2", "X-Forwarded-For": "10.0.0.1"}, "192.168.1.2"},
		{"fallback to RemoteAddr", nil, "127.0.0.1:1234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "127.0.0.1:1234"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getRemoteAddr(req))
		})
	}
}
