package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	// ErrStreamClosed is returned when a stream is used after End.
	ErrStreamClosed = errors.New("stream already ended")
	// ErrStreamOpen is returned by Commit before End.
	ErrStreamOpen = errors.New("stream not ended")
	// ErrWrongMode is returned by Encrypt on a read stream.
	ErrWrongMode = errors.New("stream not opened for writing")
)

// EndResult is what End hands back to the storage layer.
type EndResult struct {
	// Trailing is the encrypted final partial block, possibly empty.
	Trailing []byte
	// Version is the signature version to persist for the file.
	Version int
	// Recipients lists who received a share key, in wrap order.
	Recipients []string
}

// Stream is the per-handle encryption state created by Module.Begin. A
// Stream is not safe for concurrent use.
type Stream struct {
	module     *Module
	path       string
	user       string
	owner      string
	accessList AccessList

	cipher         Cipher
	legacyEncoding bool
	fileKey        []byte
	newKey         bool
	version        int
	write          bool

	cache    []byte
	position int
	ended    bool

	// share keys wrapped by End, stored by Commit
	shareKeys []ShareKey
	wrapped   bool
	committed bool
}

// Path returns the path the stream was opened for.
func (s *Stream) Path() string {
	return s.path
}

// Cipher returns the cipher of the stream.
func (s *Stream) Cipher() Cipher {
	return s.cipher
}

// UnencryptedBlockSize returns the plaintext block size of the stream.
func (s *Stream) UnencryptedBlockSize(signed bool) int {
	return UnencryptedBlockSize(signed, s.legacyEncoding)
}

// Encrypt buffers chunk and returns the encrypted full blocks it completes.
// Data short of a full block stays cached until the next call or End.
// Blocks are signed for the version following the current one and numbered
// by an internal counter.
func (s *Stream) Encrypt(chunk []byte) ([]byte, error) {
	if s.ended {
		return nil, ErrStreamClosed
	}
	if !s.write {
		return nil, ErrWrongMode
	}

	size := s.UnencryptedBlockSize(true)
	if len(s.cache)+len(chunk) < size {
		s.cache = append(s.cache, chunk...)
		return []byte{}, nil
	}

	data := make([]byte, 0, len(s.cache)+len(chunk))
	data = append(data, s.cache...)
	data = append(data, chunk...)
	zeroBytes(s.cache)

	var out []byte
	for len(data) >= size {
		block, err := s.encryptBlock(data[:size])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
		data = data[size:]
	}
	s.cache = append([]byte(nil), data...)
	return out, nil
}

func (s *Stream) encryptBlock(plain []byte) ([]byte, error) {
	block, err := s.module.engine.EncryptBlock(plain, s.fileKey, s.version+1, s.position)
	if err != nil {
		s.module.recorder.RecordCryptoError("encrypt", errorType(err))
		return nil, err
	}
	s.position++
	s.module.recorder.RecordBlock("encrypt", len(plain))
	return block, nil
}

// Decrypt decrypts chunk, which must hold one or more whole wire blocks
// starting at block index position. Only the last block may be short.
func (s *Stream) Decrypt(chunk []byte, position int) ([]byte, error) {
	if s.ended {
		return nil, ErrStreamClosed
	}
	if len(s.fileKey) == 0 {
		err := decryptionFailed(HintReshare, fmt.Errorf("no file key available for %s", s.path))
		s.module.recorder.RecordCryptoError("decrypt", errorType(err))
		return nil, err
	}
	if len(chunk) == 0 {
		return []byte{}, nil
	}

	binary := !s.legacyEncoding
	out := make([]byte, 0, len(chunk))
	for i := 0; len(chunk) > 0; i++ {
		n := min(WireBlockSize, len(chunk))
		plain, err := s.module.engine.DecryptBlock(chunk[:n], s.fileKey, s.cipher, s.version, position+i, binary)
		if err != nil {
			s.module.recorder.RecordCryptoError("decrypt", errorType(err))
			s.module.logger.WithFields(logrus.Fields{
				"path":     s.path,
				"position": position + i,
				"version":  s.version,
			}).WithError(err).Warn("Failed to decrypt block")
			return nil, err
		}
		s.module.recorder.RecordBlock("decrypt", len(plain))
		out = append(out, plain...)
		chunk = chunk[n:]
	}
	return out, nil
}

// End finishes the stream. In write mode it encrypts the cached tail and
// wraps the file key for every recipient on the access list plus the system
// keys. A recipient without a public key is skipped with a warning, unless
// it is the writing user or the file owner. The share keys are only stored
// by Commit.
func (s *Stream) End(ctx context.Context) (*EndResult, error) {
	if s.ended {
		return nil, ErrStreamClosed
	}
	s.ended = true
	defer s.wipe()

	if !s.write {
		return &EndResult{Trailing: []byte{}, Version: s.version}, nil
	}

	res := &EndResult{Trailing: []byte{}, Version: s.version + 1}
	if len(s.cache) > 0 {
		block, err := s.encryptBlock(s.cache)
		if err != nil {
			return nil, err
		}
		res.Trailing = block
	}

	m := s.module
	required := map[string]bool{s.user: true, s.owner: true}
	recipients, err := m.recipients(ctx, s.accessList, s.owner, required)
	if err != nil {
		return nil, err
	}
	shareKeys, err := m.wrap(s.fileKey, recipients)
	if err != nil {
		return nil, err
	}
	s.shareKeys = shareKeys
	s.wrapped = true
	for _, sk := range shareKeys {
		res.Recipients = append(res.Recipients, sk.RecipientID)
	}

	m.logger.WithFields(logrus.Fields{
		"path":       s.path,
		"blocks":     s.position,
		"version":    res.Version,
		"recipients": len(shareKeys),
	}).Debug("Encryption stream finished")

	return res, nil
}

// Commit stores the share keys wrapped by End. It must only be called once
// the content written through the stream has replaced the previous content
// of the file. Commit is a no-op for read streams.
func (s *Stream) Commit(ctx context.Context) error {
	if !s.ended {
		return ErrStreamOpen
	}
	if !s.write || s.committed {
		return nil
	}
	if !s.wrapped {
		return fmt.Errorf("%w: %s was not finished", ErrEncryptionFailed, s.path)
	}
	s.committed = true

	m := s.module
	// Share keys sealed under a previous file key are unusable now.
	if s.newKey {
		if err := m.keys.DeleteAllShareKeys(ctx, s.path); err != nil {
			return fmt.Errorf("failed to delete share keys of %s: %w", s.path, err)
		}
	}
	if err := m.storeShareKeys(ctx, s.path, s.shareKeys); err != nil {
		return err
	}
	if _, err := m.keys.DeleteLegacyFileKey(ctx, s.path); err != nil {
		return fmt.Errorf("failed to delete legacy file key of %s: %w", s.path, err)
	}
	return nil
}

func (s *Stream) wipe() {
	zeroBytes(s.fileKey)
	zeroBytes(s.cache)
	s.fileKey = nil
	s.cache = nil
}
