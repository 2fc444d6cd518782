package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sharecrypt/internal/config"
)

// LoggingMiddleware logs one access line per request in the configured
// format.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := newStatusWriter(w)

			next.ServeHTTP(sw, r)

			entry := createLogEntry(r, sw, time.Since(start), cfg)
			switch cfg.AccessLogFormat {
			case "json":
				logJSON(logger, entry)
			case "clf":
				logCLF(logger, entry)
			default:
				logDefault(logger, entry)
			}
		})
	}
}

// LogEntry is one access log record.
type LogEntry struct {
	Timestamp  string            `json:"timestamp"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Query      string            `json:"query,omitempty"`
	User       string            `json:"user,omitempty"`
	RemoteAddr string            `json:"remote_addr"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Status     int               `json:"status"`
	DurationMs int64             `json:"duration_ms"`
	BytesIn    int64             `json:"bytes_in"`
	BytesOut   int64             `json:"bytes_out"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func createLogEntry(r *http.Request, sw *statusWriter, duration time.Duration, cfg *config.LoggingConfig) *LogEntry {
	entry := &LogEntry{
		Timestamp:  time.Now().Format(time.RFC3339),
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		User:       r.Header.Get(UserHeader),
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Status:     sw.statusCode,
		DurationMs: duration.Milliseconds(),
		BytesOut:   sw.bytesWritten,
	}
	if r.ContentLength > 0 {
		entry.BytesIn = r.ContentLength
	}

	if cfg.AccessLogFormat == "json" {
		entry.Headers = make(map[string]string, len(r.Header))
		for name, values := range r.Header {
			lower := strings.ToLower(name)
			if shouldRedactHeader(lower, cfg.RedactHeaders) {
				entry.Headers[lower] = "[REDACTED]"
			} else {
				entry.Headers[lower] = strings.Join(values, ",")
			}
		}
	}
	return entry
}

func shouldRedactHeader(name string, redact []string) bool {
	for _, h := range redact {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func entryLevel(entry *LogEntry) logrus.Level {
	if entry.Status >= http.StatusInternalServerError {
		return logrus.ErrorLevel
	}
	return logrus.InfoLevel
}

func logDefault(logger *logrus.Logger, entry *LogEntry) {
	fields := logrus.Fields{
		"method":      entry.Method,
		"path":        entry.Path,
		"remote_addr": entry.RemoteAddr,
		"status":      entry.Status,
		"duration_ms": entry.DurationMs,
		"bytes_in":    entry.BytesIn,
		"bytes_out":   entry.BytesOut,
	}
	if entry.Query != "" {
		fields["query"] = entry.Query
	}
	if entry.User != "" {
		fields["user"] = entry.User
	}
	if entry.UserAgent != "" {
		fields["user_agent"] = entry.UserAgent
	}
	logger.WithFields(fields).Log(entryLevel(entry), "HTTP request")
}

func logJSON(logger *logrus.Logger, entry *LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		logDefault(logger, entry)
		return
	}
	logger.WithField("json", string(data)).Log(entryLevel(entry), "HTTP request")
}

// logCLF logs in Common Log Format with the acting user in the %u slot.
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	user := entry.User
	if user == "" {
		user = "-"
	}
	target := entry.Path
	if entry.Query != "" {
		target += "?" + entry.Query
	}
	clf := fmt.Sprintf(`%s - %s [%s] "%s %s HTTP/1.1" %d %d`,
		entry.RemoteAddr, user, entry.Timestamp, entry.Method, target, entry.Status, entry.BytesOut)
	logger.WithField("clf", clf).Log(entryLevel(entry), "HTTP request")
}
