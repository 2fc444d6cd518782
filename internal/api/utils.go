package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kenneth/sharecrypt/internal/storage"
)

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if r.RemoteAddr != "" {
		if i := strings.LastIndex(r.RemoteAddr, ":"); i != -1 {
			return r.RemoteAddr[:i]
		}
		return r.RemoteAddr
	}
	return "unknown"
}

// getRequestID returns the client supplied request ID, if any.
func getRequestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a JSON request body of at most maxBytes into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &APIError{
			Code:       "MalformedJSON",
			Message:    "The request body is not valid JSON: " + err.Error(),
			HTTPStatus: http.StatusBadRequest,
		}
	}
	return nil
}

// userContentAreas are the per-user trees a file route may address.
var userContentAreas = map[string]bool{
	"files":          true,
	"files_versions": true,
	"files_trashbin": true,
}

// storagePath maps a route owner, content area and relative path onto the
// storage namespace. Paths with empty, "." or ".." segments are rejected, as
// are names reserved for in-progress uploads.
func storagePath(owner, area, rel string) (string, bool) {
	if area == "" {
		area = "files"
	}
	if owner == "" || strings.Contains(owner, "/") || !userContentAreas[area] || rel == "" {
		return "", false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", false
		}
	}
	if storage.IsPartFile(rel) {
		return "", false
	}
	return "/" + owner + "/" + area + "/" + rel, true
}
