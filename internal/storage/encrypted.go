package storage

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/sharecrypt/internal/audit"
	"github.com/kenneth/sharecrypt/internal/crypto"
	"github.com/kenneth/sharecrypt/internal/tracing"
)

// KeyStore is the per-file key bookkeeping EncryptedStorage needs besides
// the crypto module.
type KeyStore interface {
	LockPath(path string) func()
	Version(ctx context.Context, path string) (int, error)
	SetVersion(ctx context.Context, path string, version int) error
	Encrypted(ctx context.Context, path string) (bool, error)
	DeleteAllShareKeys(ctx context.Context, path string) error
	DeleteLegacyFileKey(ctx context.Context, path string) (bool, error)
}

// Recorder receives storage metrics.
type Recorder interface {
	RecordStorageOperation(operation, backend string, duration time.Duration, err error)
	StreamOpened()
	StreamClosed()
}

type nopRecorder struct{}

func (nopRecorder) RecordStorageOperation(string, string, time.Duration, error) {}
func (nopRecorder) StreamOpened()                                             {}
func (nopRecorder) StreamClosed()                                             {}

// WriteResult describes a completed write.
type WriteResult struct {
	Encrypted  bool
	Version    int
	Recipients []string
	Bytes      int64
}

// ReadResult describes a completed read.
type ReadResult struct {
	Encrypted bool
	Version   int
	Cipher    string
	Bytes     int64
}

// EncryptedStorage encrypts content on its way into a Backend and decrypts
// it on the way out.
type EncryptedStorage struct {
	backend  Backend
	module   *crypto.Module
	keys     KeyStore
	logger   *logrus.Logger
	audit    audit.Logger
	recorder Recorder
	tracer   trace.Tracer
}

// Option configures an EncryptedStorage.
type Option func(*EncryptedStorage)

// WithAudit records file operations to a.
func WithAudit(a audit.Logger) Option {
	return func(s *EncryptedStorage) { s.audit = a }
}

// WithRecorder sends storage metrics to r.
func WithRecorder(r Recorder) Option {
	return func(s *EncryptedStorage) { s.recorder = r }
}

// NewEncryptedStorage creates the storage layer.
func NewEncryptedStorage(backend Backend, module *crypto.Module, keys KeyStore, logger *logrus.Logger, opts ...Option) *EncryptedStorage {
	if logger == nil {
		logger = logrus.New()
	}
	s := &EncryptedStorage{
		backend:  backend,
		module:   module,
		keys:     keys,
		logger:   logger,
		recorder: nopRecorder{},
		tracer:   tracing.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EncryptedStorage) observe(op string, start time.Time, err error) {
	s.recorder.RecordStorageOperation(op, s.backend.Name(), time.Since(start), err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// WriteFile stores the content of r at path on behalf of user. Encrypted
// content is first written to the part file and renamed once complete; the
// share keys and the new signature version are persisted afterwards.
func (s *EncryptedStorage) WriteFile(ctx context.Context, path, user string, r io.Reader, accessList crypto.AccessList) (res *WriteResult, err error) {
	ctx, span := s.tracer.Start(ctx, "storage.WriteFile",
		trace.WithAttributes(attribute.String("sharecrypt.user", user)))
	defer func() { endSpan(span, err) }()
	start := time.Now()
	body := &countingReader{r: r}

	unlock := s.keys.LockPath(path)
	defer unlock()

	if !s.module.ShouldEncrypt(path) {
		span.SetAttributes(attribute.Bool("sharecrypt.encrypted", false))
		err = s.backend.Put(ctx, path, body)
		s.observe("put", start, err)
		if err != nil {
			return nil, err
		}
		if err = s.forgetKeys(ctx, path); err != nil {
			return nil, err
		}
		return &WriteResult{Bytes: body.n}, nil
	}

	version, err := s.keys.Version(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to get version of %s: %w", path, err)
	}

	stream, header, err := s.module.Begin(ctx, crypto.BeginRequest{
		Path:       path,
		User:       user,
		Owner:      OwnerOf(path),
		Mode:       crypto.ModeWrite,
		AccessList: accessList,
		Version:    version,
	})
	if err != nil {
		s.auditEncrypt(path, user, "", version, err, start, 0)
		return nil, err
	}
	s.recorder.StreamOpened()
	defer s.recorder.StreamClosed()

	headerBlock, err := crypto.GenerateFileHeader(header)
	if err != nil {
		return nil, err
	}

	enc := crypto.NewEncryptReader(ctx, stream, body)
	part := PartPath(path)
	err = s.backend.Put(ctx, part, io.MultiReader(bytes.NewReader(headerBlock), enc))
	s.observe("put", start, err)
	if err == nil && enc.Result() == nil {
		err = fmt.Errorf("encryption of %s did not complete", path)
	}
	if err != nil {
		s.removePart(ctx, part)
		s.auditEncrypt(path, user, stream.Cipher().String(), version, err, start, body.n)
		return nil, err
	}

	renameStart := time.Now()
	err = s.backend.Rename(ctx, part, path)
	s.observe("rename", renameStart, err)
	if err != nil {
		s.removePart(ctx, part)
		s.auditEncrypt(path, user, stream.Cipher().String(), version, err, start, body.n)
		return nil, err
	}

	if err = stream.Commit(ctx); err != nil {
		return nil, err
	}
	end := enc.Result()
	if err = s.keys.SetVersion(ctx, path, end.Version); err != nil {
		return nil, fmt.Errorf("failed to store version of %s: %w", path, err)
	}

	span.SetAttributes(
		attribute.Bool("sharecrypt.encrypted", true),
		attribute.Int("sharecrypt.version", end.Version),
		attribute.Int("sharecrypt.recipients", len(end.Recipients)),
	)
	s.logger.WithFields(logrus.Fields{
		"path":       path,
		"user":       user,
		"version":    end.Version,
		"recipients": len(end.Recipients),
		"bytes":      body.n,
	}).Debug("Wrote encrypted file")
	s.auditEncrypt(path, user, stream.Cipher().String(), end.Version, nil, start, body.n)

	return &WriteResult{
		Encrypted:  true,
		Version:    end.Version,
		Recipients: end.Recipients,
		Bytes:      body.n,
	}, nil
}

func (s *EncryptedStorage) removePart(ctx context.Context, part string) {
	if err := s.backend.Delete(ctx, part); err != nil && !errors.Is(err, ErrNotExist) {
		s.logger.WithError(err).WithField("path", part).Warn("Failed to remove part file")
	}
}

// forgetKeys drops the key material of path after plain content replaced
// it, so reads no longer treat the file as encrypted.
func (s *EncryptedStorage) forgetKeys(ctx context.Context, path string) error {
	encrypted, err := s.keys.Encrypted(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to look up keys of %s: %w", path, err)
	}
	if !encrypted {
		return nil
	}
	if err := s.keys.DeleteAllShareKeys(ctx, path); err != nil {
		return fmt.Errorf("failed to delete share keys of %s: %w", path, err)
	}
	if _, err := s.keys.DeleteLegacyFileKey(ctx, path); err != nil {
		return fmt.Errorf("failed to delete legacy file key of %s: %w", path, err)
	}
	if err := s.keys.SetVersion(ctx, path, 0); err != nil {
		return fmt.Errorf("failed to reset version of %s: %w", path, err)
	}
	s.logger.WithField("path", path).Info("Dropped key material of file stored unencrypted")
	return nil
}

func (s *EncryptedStorage) auditEncrypt(path, user, cipher string, version int, err error, start time.Time, n int64) {
	if s.audit == nil {
		return
	}
	s.audit.LogEncrypt(path, user, cipher, version, err == nil, err, time.Since(start), map[string]interface{}{"bytes": n})
}

func (s *EncryptedStorage) auditDecrypt(path, user, cipher string, version int, err error, start time.Time, n int64) {
	if s.audit == nil {
		return
	}
	s.audit.LogDecrypt(path, user, cipher, version, err == nil, err, time.Since(start), map[string]interface{}{"bytes": n})
}

// ReadFile writes the plaintext of path to w on behalf of user. path may
// name a part file, whose blocks carry the next signature version. Files
// without a header block are legacy content when key material exists for
// them and plain content otherwise.
func (s *EncryptedStorage) ReadFile(ctx context.Context, path, user string, w io.Writer) (res *ReadResult, err error) {
	ctx, span := s.tracer.Start(ctx, "storage.ReadFile",
		trace.WithAttributes(attribute.String("sharecrypt.user", user)))
	defer func() { endSpan(span, err) }()
	start := time.Now()

	rc, err := s.backend.Get(ctx, path)
	s.observe("get", start, err)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, crypto.HeaderSize)
	peek, err := br.Peek(crypto.HeaderSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	keyPath := StripPartSuffix(path)
	header, hasHeader := crypto.ParseFileHeader(peek)
	if hasHeader {
		if _, err = br.Discard(crypto.HeaderSize); err != nil {
			return nil, fmt.Errorf("failed to skip header of %s: %w", path, err)
		}
	} else {
		encrypted, err := s.keys.Encrypted(ctx, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to look up keys of %s: %w", keyPath, err)
		}
		if !encrypted {
			n, err := io.Copy(w, br)
			if err != nil {
				return nil, fmt.Errorf("failed to copy %s: %w", path, err)
			}
			span.SetAttributes(attribute.Bool("sharecrypt.encrypted", false))
			return &ReadResult{Bytes: n}, nil
		}
		s.logger.WithField("path", path).Debug("Reading headerless file as legacy content")
	}

	stored, err := s.keys.Version(ctx, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get version of %s: %w", keyPath, err)
	}
	version := ReadVersion(path, stored)

	stream, _, err := s.module.Begin(ctx, crypto.BeginRequest{
		Path:    keyPath,
		User:    user,
		Owner:   OwnerOf(keyPath),
		Mode:    crypto.ModeRead,
		Header:  header,
		Version: version,
	})
	if err != nil {
		s.auditDecrypt(keyPath, user, "", version, err, start, 0)
		return nil, err
	}
	s.recorder.StreamOpened()
	defer s.recorder.StreamClosed()
	cipherName := stream.Cipher().String()

	n, err := io.Copy(w, crypto.NewDecryptReader(stream, br, 0))
	if _, endErr := stream.End(ctx); err == nil {
		err = endErr
	}
	s.auditDecrypt(keyPath, user, cipherName, version, err, start, n)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("sharecrypt.encrypted", true),
		attribute.Int("sharecrypt.version", version),
		attribute.String("sharecrypt.cipher", cipherName),
	)
	return &ReadResult{Encrypted: true, Version: version, Cipher: cipherName, Bytes: n}, nil
}

// Share re-wraps the file key of path for accessList. It reports false when
// path is not encrypted.
func (s *EncryptedStorage) Share(ctx context.Context, path, user string, accessList crypto.AccessList) (ok bool, err error) {
	ctx, span := s.tracer.Start(ctx, "storage.Share",
		trace.WithAttributes(attribute.Int("sharecrypt.recipients", len(accessList.Users))))
	defer func() { endSpan(span, err) }()

	unlock := s.keys.LockPath(path)
	defer unlock()

	ok, err = s.module.Update(ctx, path, user, OwnerOf(path), accessList)
	if s.audit != nil && (ok || err != nil) {
		s.audit.LogShareUpdate(path, user, accessList.Users, err == nil, err)
	}
	return ok, err
}

// Delete removes path and its key material.
func (s *EncryptedStorage) Delete(ctx context.Context, path string) (err error) {
	ctx, span := s.tracer.Start(ctx, "storage.Delete")
	defer func() { endSpan(span, err) }()

	unlock := s.keys.LockPath(path)
	defer unlock()

	start := time.Now()
	err = s.backend.Delete(ctx, path)
	s.observe("delete", start, err)
	if err != nil {
		return err
	}
	if err = s.keys.DeleteAllShareKeys(ctx, path); err != nil {
		return fmt.Errorf("failed to delete share keys of %s: %w", path, err)
	}
	if _, err = s.keys.DeleteLegacyFileKey(ctx, path); err != nil {
		return fmt.Errorf("failed to delete legacy file key of %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path is stored.
func (s *EncryptedStorage) Exists(ctx context.Context, path string) (bool, error) {
	return s.backend.Exists(ctx, path)
}
