package crypto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Mode selects whether a stream reads or writes content.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
)

// ParseMode maps an fopen style mode string to a Mode. Only truncating
// write modes produce ModeWrite.
func ParseMode(mode string) Mode {
	switch strings.TrimSpace(mode) {
	case "w", "w+", "wb", "wb+":
		return ModeWrite
	default:
		return ModeRead
	}
}

// Options configures a Module.
type Options struct {
	// Cipher used for newly written content. Defaults to AES-256-CTR.
	Cipher Cipher
	// LegacyEncoding writes base64 blocks instead of binary ones.
	LegacyEncoding bool
	// SupportLegacy accepts unsigned blocks for ciphers that allow it.
	SupportLegacy bool
	// SkipSignatureCheck disables signature enforcement on read.
	SkipSignatureCheck bool
	// UseMasterKey wraps every file key for the master key only.
	UseMasterKey bool
	// ShouldEncrypt decides which paths get encrypted. Nil encrypts everything.
	ShouldEncrypt func(path string) bool
}

// Module is the encryption module. It is immutable after construction and
// safe for concurrent use; all per-file state lives in the Stream returned
// by Begin.
type Module struct {
	keys     KeyManager
	engine   *BlockEngine
	opts     Options
	logger   *logrus.Logger
	recorder Recorder
}

// NewModule creates an encryption module backed by keys.
func NewModule(keys KeyManager, opts Options, logger *logrus.Logger, recorder Recorder) (*Module, error) {
	if keys == nil {
		return nil, errors.New("key manager is required")
	}
	engine, err := NewBlockEngine(BlockConfig{
		Cipher:             opts.Cipher,
		LegacyEncoding:     opts.LegacyEncoding,
		SupportLegacy:      opts.SupportLegacy,
		SkipSignatureCheck: opts.SkipSignatureCheck,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	opts.Cipher = engine.Cipher()
	return &Module{
		keys:     keys,
		engine:   engine,
		opts:     opts,
		logger:   logger,
		recorder: recorder,
	}, nil
}

// Engine returns the block engine shared by all streams.
func (m *Module) Engine() *BlockEngine {
	return m.engine
}

// ShouldEncrypt reports whether path is subject to encryption.
func (m *Module) ShouldEncrypt(path string) bool {
	if m.opts.ShouldEncrypt == nil {
		return true
	}
	return m.opts.ShouldEncrypt(path)
}

// UnencryptedBlockSize returns the plaintext block size for newly written
// content.
func (m *Module) UnencryptedBlockSize(signed bool) int {
	return UnencryptedBlockSize(signed, m.opts.LegacyEncoding)
}

// BeginRequest describes a file handle being opened.
type BeginRequest struct {
	Path string
	User string
	// Owner of the file; defaults to User.
	Owner      string
	Mode       Mode
	Header     Header
	AccessList AccessList
	// Version is the file's current signature version as persisted by the
	// storage layer, already adjusted for in-progress uploads.
	Version int
}

// Begin opens a stream for one file handle. In write mode a missing file key
// is generated; in read mode the cipher and encoding come from header, with
// headerless files read as legacy AES-128-CFB base64 content. The returned
// header holds the fields to persist in the file header.
func (m *Module) Begin(ctx context.Context, req BeginRequest) (*Stream, Header, error) {
	fileKey, err := m.keys.FileKey(ctx, req.Path, req.User)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get file key for %s: %w", req.Path, err)
	}

	owner := req.Owner
	if owner == "" {
		owner = req.User
	}

	s := &Stream{
		module:     m,
		path:       req.Path,
		user:       req.User,
		owner:      owner,
		accessList: req.AccessList,
		version:    req.Version,
		write:      req.Mode == ModeWrite,
	}

	if s.write {
		if len(fileKey) == 0 {
			fileKey, err = GenerateFileKey()
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
			}
			s.newKey = true
		}
		s.cipher = m.engine.Cipher()
		s.legacyEncoding = m.engine.LegacyEncoding()
	} else {
		s.cipher = LegacyCipher
		if name, ok := req.Header[HeaderCipher]; ok {
			s.cipher, err = ParseCipher(name)
			if err != nil {
				return nil, nil, err
			}
		}
		s.legacyEncoding = req.Header[HeaderEncoding] != EncodingBinary
	}
	s.fileKey = fileKey

	out := Header{
		HeaderCipher:           s.cipher.String(),
		HeaderSigned:           "true",
		HeaderUseLegacyFileKey: "false",
	}
	if !s.legacyEncoding {
		out[HeaderEncoding] = EncodingBinary
	}

	m.logger.WithFields(logrus.Fields{
		"path":    req.Path,
		"user":    req.User,
		"write":   s.write,
		"cipher":  s.cipher.String(),
		"version": req.Version,
	}).Debug("Encryption stream opened")

	return s, out, nil
}

// Update re-wraps the file key of path for a changed access list without
// touching the content. Share keys of recipients no longer on the list are
// removed. It reports false when path has no file key, i.e. is not
// encrypted.
func (m *Module) Update(ctx context.Context, path, user, owner string, accessList AccessList) (bool, error) {
	fileKey, err := m.keys.FileKey(ctx, path, user)
	if err != nil {
		return false, fmt.Errorf("failed to get file key for %s: %w", path, err)
	}
	if len(fileKey) == 0 {
		m.logger.WithField("path", path).Debug("No file key found, assuming file is not encrypted")
		return false, nil
	}
	defer zeroBytes(fileKey)

	if owner == "" {
		owner = user
	}
	recipients, err := m.recipients(ctx, accessList, owner, nil)
	if err != nil {
		return false, err
	}
	shareKeys, err := m.wrap(fileKey, recipients)
	if err != nil {
		return false, err
	}
	if err := m.keys.DeleteAllShareKeys(ctx, path); err != nil {
		return false, fmt.Errorf("failed to delete share keys of %s: %w", path, err)
	}
	if err := m.storeShareKeys(ctx, path, shareKeys); err != nil {
		return false, err
	}
	return true, nil
}

// recipients collects the public keys a file key must be wrapped for.
// Missing keys are skipped with a warning unless the recipient is listed in
// required.
func (m *Module) recipients(ctx context.Context, accessList AccessList, owner string, required map[string]bool) ([]Recipient, error) {
	var keys []Recipient

	if m.opts.UseMasterKey {
		id := m.keys.MasterKeyID()
		pub, err := m.keys.PublicKey(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get master public key: %w", err)
		}
		keys = append(keys, Recipient{ID: id, PublicKey: pub})
	} else {
		seen := make(map[string]bool, len(accessList.Users))
		for _, uid := range accessList.Users {
			if seen[uid] {
				continue
			}
			seen[uid] = true

			pub, err := m.keys.PublicKey(ctx, uid)
			if err != nil {
				if !errors.Is(err, ErrPublicKeyMissing) || required[uid] {
					m.recorder.RecordCryptoError("share", errorType(err))
					return nil, fmt.Errorf("failed to get public key of %s: %w", uid, err)
				}
				m.logger.WithFields(logrus.Fields{
					"recipient": uid,
				}).Warn("No public key found for recipient, it will not be able to read the file")
				continue
			}
			keys = append(keys, Recipient{ID: uid, PublicKey: pub})
		}
	}

	keys, err := m.keys.AddSystemKeys(ctx, accessList, keys, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to add system keys: %w", err)
	}
	return keys, nil
}

func (m *Module) wrap(fileKey []byte, recipients []Recipient) ([]ShareKey, error) {
	start := time.Now()
	shareKeys, err := Wrap(fileKey, recipients)
	if err != nil {
		m.recorder.RecordCryptoError("share", errorType(err))
		return nil, err
	}
	m.recorder.RecordKeyWrap(len(recipients), time.Since(start))
	return shareKeys, nil
}

func (m *Module) storeShareKeys(ctx context.Context, path string, shareKeys []ShareKey) error {
	for _, sk := range shareKeys {
		if err := m.keys.SetShareKey(ctx, path, sk.RecipientID, sk.Sealed); err != nil {
			return fmt.Errorf("failed to store share key of %s for %s: %w", path, sk.RecipientID, err)
		}
	}
	m.recorder.RecordShareKeys(len(shareKeys))
	return nil
}
