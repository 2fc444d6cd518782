package keystore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key or record does not exist.
var ErrNotFound = errors.New("not found")

// Store persists key material. Blobs are opaque to the store: public keys
// are PEM, private keys are encrypted by the private key codec and share
// keys are sealed file keys.
type Store interface {
	PublicKey(ctx context.Context, id string) ([]byte, error)
	SetPublicKey(ctx context.Context, id string, pem []byte) error

	PrivateKey(ctx context.Context, id string) ([]byte, error)
	SetPrivateKey(ctx context.Context, id string, blob []byte) error

	ShareKey(ctx context.Context, path, recipient string) ([]byte, error)
	SetShareKey(ctx context.Context, path, recipient string, sealed []byte) error
	// ShareKeyRecipients lists recipients holding a share key for path,
	// sorted by id.
	ShareKeyRecipients(ctx context.Context, path string) ([]string, error)
	DeleteShareKeys(ctx context.Context, path string) error

	// LegacyFileKey returns the single-recipient file key written by older
	// clients, and the recipient it was sealed for.
	LegacyFileKey(ctx context.Context, path string) (recipient string, sealed []byte, err error)
	SetLegacyFileKey(ctx context.Context, path, recipient string, sealed []byte) error
	// DeleteLegacyFileKey reports whether a key existed.
	DeleteLegacyFileKey(ctx context.Context, path string) (bool, error)

	// Version returns the signature version of path, 0 when none is stored.
	Version(ctx context.Context, path string) (int, error)
	SetVersion(ctx context.Context, path string, version int) error

	RecoveryEnabled(ctx context.Context, user string) (bool, error)
	SetRecoveryEnabled(ctx context.Context, user string, enabled bool) error

	Close() error
}
