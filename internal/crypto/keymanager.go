package crypto

import (
	"context"
	"time"
)

// KeyManager abstracts persistent key storage. It owns the file keys, share
// keys and recipient public keys; the crypto module never stores anything
// itself.
//
// Implementations are responsible for any per-file locking needed to keep
// two writers from racing on the same file key.
type KeyManager interface {
	// FileKey returns the plaintext file key of path as readable by user, or
	// an empty slice when no key exists or user has no share key.
	FileKey(ctx context.Context, path, user string) ([]byte, error)

	// SetShareKey persists the file key of path sealed for recipient.
	SetShareKey(ctx context.Context, path, recipient string, sealed []byte) error

	// PublicKey returns the PEM encoded public key of recipient. It returns an
	// error wrapping ErrPublicKeyMissing when the recipient has none.
	PublicKey(ctx context.Context, recipient string) ([]byte, error)

	// AddSystemKeys appends system pseudo-recipients (public share key,
	// recovery key) that must be able to read files owned by owner.
	AddSystemKeys(ctx context.Context, accessList AccessList, keys []Recipient, owner string) ([]Recipient, error)

	// DeleteAllShareKeys removes every share key of path.
	DeleteAllShareKeys(ctx context.Context, path string) error

	// DeleteLegacyFileKey removes the single-recipient legacy file key of
	// path, reporting whether one existed.
	DeleteLegacyFileKey(ctx context.Context, path string) (bool, error)

	// MasterKeyID returns the recipient id of the master key.
	MasterKeyID() string
}

// AccessList names everyone who may read a file.
type AccessList struct {
	Users  []string
	Public bool
}

// Recorder receives crypto metrics. A nil Recorder is allowed.
type Recorder interface {
	RecordBlock(operation string, bytes int)
	RecordCryptoError(operation, errorType string)
	RecordShareKeys(count int)
	RecordKeyWrap(recipients int, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordBlock(string, int)          {}
func (nopRecorder) RecordCryptoError(string, string) {}
func (nopRecorder) RecordShareKeys(int)              {}
func (nopRecorder) RecordKeyWrap(int, time.Duration) {}
