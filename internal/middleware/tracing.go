package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/sharecrypt/internal/tracing"
)

// TracingMiddleware starts a server span per request. It must be installed
// with mux.Router.Use so the matched route is known.
func TracingMiddleware(redactSensitive bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			route := routeTemplate(r)

			ctx, span := tracing.Tracer().Start(ctx, spanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPRoute(route),
					semconv.HTTPTarget(r.URL.Path),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)
			defer span.End()

			vars := mux.Vars(r)
			if user := vars["user"]; user != "" {
				span.SetAttributes(attribute.String("sharecrypt.owner", user))
			}
			if p := vars["path"]; p != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("sharecrypt.path", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("sharecrypt.path", p))
				}
			}
			addHeadersToSpan(span, r.Header, redactSensitive)

			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCode(sw.statusCode))
			if sw.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.statusCode))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

var spanNames = map[string]string{
	http.MethodGet + " /files/{user}/{path}":    "ReadFile",
	http.MethodPut + " /files/{user}/{path}":    "WriteFile",
	http.MethodDelete + " /files/{user}/{path}": "DeleteFile",
	http.MethodPost + " /shares/{user}/{path}":  "ShareFile",
	http.MethodPost + " /users/{user}":          "SetupUser",
	http.MethodPost + " /users/{user}/unlock":   "UnlockUser",
	http.MethodPost + " /users/{user}/lock":     "LockUser",
}

// spanName names a span after the operation a route performs.
func spanName(method, route string) string {
	key := method + " " + strings.Replace(route, "{path:.*}", "{path}", 1)
	if name, ok := spanNames[key]; ok {
		return "sharecrypt." + name
	}
	return "HTTP " + method
}

// getRemoteAddr prefers X-Real-IP, then the first X-Forwarded-For entry.
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

var safeHeaders = []string{
	"content-type",
	"content-length",
	"accept",
	"x-sharecrypt-share-with",
	"x-sharecrypt-public",
}

var sensitiveHeaders = []string{
	"authorization",
	"cookie",
	"x-sharecrypt-password",
	strings.ToLower(UserHeader),
}

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, h := range safeHeaders {
		if v := headers.Get(h); v != "" {
			span.SetAttributes(attribute.String("http.request.header."+h, v))
		}
	}
	for _, h := range sensitiveHeaders {
		v := headers.Get(h)
		if v == "" {
			continue
		}
		if redactSensitive {
			v = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+h, v))
	}
}
