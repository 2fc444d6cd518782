package audit

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents a file write through the encryption module.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a file read through the encryption module.
	EventTypeDecrypt EventType = "decrypt"
	// EventTypeShareUpdate represents a re-wrap of a file key for a new access list.
	EventTypeShareUpdate EventType = "share_update"
	// EventTypePrivateKeyUnlock represents a private key being unlocked into the session.
	EventTypePrivateKeyUnlock EventType = "private_key_unlock"
)

// AuditEvent represents a single audit log event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  EventType              `json:"event_type"`
	Path       string                 `json:"path,omitempty"`
	User       string                 `json:"user,omitempty"`
	Cipher     string                 `json:"cipher,omitempty"`
	Version    int                    `json:"version,omitempty"`
	Recipients []string               `json:"recipients,omitempty"`
	Success    bool                   `json:"success"`
	Error      string                 `json:"error,omitempty"`
	Duration   time.Duration          `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogEncrypt logs a file write.
	LogEncrypt(path, user, cipher string, version int, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogDecrypt logs a file read.
	LogDecrypt(path, user, cipher string, version int, success bool, err error, duration time.Duration, metadata map[string]interface{})

	// LogShareUpdate logs a share key update.
	LogShareUpdate(path, user string, recipients []string, success bool, err error)

	// LogUnlock logs a private key unlock.
	LogUnlock(user string, success bool, err error)

	// Events returns the buffered events, oldest first.
	Events() []*AuditEvent
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// NewLogger creates a new audit logger keeping the last maxEvents events.
// A nil writer writes nothing besides the in-memory buffer.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &auditLogger{
		events:    make([]*AuditEvent, 0, min(maxEvents, 1024)),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.writer != nil {
		err = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// LogEncrypt logs a file write.
func (l *auditLogger) LogEncrypt(path, user, cipher string, version int, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	l.Log(&AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeEncrypt,
		Path:      path,
		User:      user,
		Cipher:    cipher,
		Version:   version,
		Success:   success,
		Error:     errString(err),
		Duration:  duration,
		Metadata:  metadata,
	})
}

// LogDecrypt logs a file read.
func (l *auditLogger) LogDecrypt(path, user, cipher string, version int, success bool, err error, duration time.Duration, metadata map[string]interface{}) {
	l.Log(&AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypeDecrypt,
		Path:      path,
		User:      user,
		Cipher:    cipher,
		Version:   version,
		Success:   success,
		Error:     errString(err),
		Duration:  duration,
		Metadata:  metadata,
	})
}

// LogShareUpdate logs a share key update.
func (l *auditLogger) LogShareUpdate(path, user string, recipients []string, success bool, err error) {
	l.Log(&AuditEvent{
		Timestamp:  time.Now(),
		EventType:  EventTypeShareUpdate,
		Path:       path,
		User:       user,
		Recipients: append([]string(nil), recipients...),
		Success:    success,
		Error:      errString(err),
	})
}

// LogUnlock logs a private key unlock.
func (l *auditLogger) LogUnlock(user string, success bool, err error) {
	l.Log(&AuditEvent{
		Timestamp: time.Now(),
		EventType: EventTypePrivateKeyUnlock,
		User:      user,
		Success:   success,
		Error:     errString(err),
	})
}

// Events returns a copy of the buffered events.
func (l *auditLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// LogrusWriter writes audit events as structured log entries.
type LogrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter creates a writer logging through logger.
func NewLogrusWriter(logger *logrus.Logger) *LogrusWriter {
	return &LogrusWriter{logger: logger}
}

// WriteEvent implements EventWriter.
func (w *LogrusWriter) WriteEvent(event *AuditEvent) error {
	fields := logrus.Fields{
		"audit":       true,
		"event_type":  event.EventType,
		"success":     event.Success,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.Path != "" {
		fields["path"] = event.Path
	}
	if event.User != "" {
		fields["user"] = event.User
	}
	if event.Cipher != "" {
		fields["cipher"] = event.Cipher
	}
	if event.Version != 0 {
		fields["version"] = event.Version
	}
	if len(event.Recipients) > 0 {
		fields["recipients"] = event.Recipients
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	entry := w.logger.WithFields(fields)
	if event.Error != "" {
		entry.WithField("error", event.Error).Warn("Audit event")
		return nil
	}
	entry.Info("Audit event")
	return nil
}
