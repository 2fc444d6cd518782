package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/sharecrypt/internal/cache"
	"github.com/kenneth/sharecrypt/internal/crypto"
)

var (
	// ErrLocked is returned when a private key is needed but not unlocked.
	ErrLocked = errors.New("private key not unlocked")
	// ErrAlreadyExists is returned when setting up keys for an id that has them.
	ErrAlreadyExists = errors.New("keys already exist")
)

const publicKeyNamespace = "public"

// Config configures a Manager.
type Config struct {
	MasterKeyID      string
	RecoveryKeyID    string
	PublicShareKeyID string
	// UseMasterKey makes FileKey unwrap with the master key instead of the
	// user's own key.
	UseMasterKey bool
	// PublicKeyTTL bounds how long public keys are cached.
	PublicKeyTTL time.Duration
	// RSABits is the modulus size for new key pairs.
	RSABits int
}

// Manager implements crypto.KeyManager on top of a Store.
type Manager struct {
	store   Store
	codec   *crypto.PrivateKeyCodec
	session *Session
	cache   cache.Cache
	cfg     Config
	logger  *logrus.Logger

	locks sync.Map // path -> *sync.Mutex
}

var _ crypto.KeyManager = (*Manager)(nil)

// NewManager creates a key manager. c may be nil to disable public key
// caching.
func NewManager(store Store, codec *crypto.PrivateKeyCodec, c cache.Cache, cfg Config, logger *logrus.Logger) *Manager {
	if cfg.MasterKeyID == "" {
		cfg.MasterKeyID = "master"
	}
	if cfg.RSABits == 0 {
		cfg.RSABits = crypto.DefaultRSABits
	}
	if cfg.PublicKeyTTL == 0 {
		cfg.PublicKeyTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		store:   store,
		codec:   codec,
		session: NewSession(),
		cache:   c,
		cfg:     cfg,
		logger:  logger,
	}
}

// Session returns the session holding unlocked keys.
func (m *Manager) Session() *Session {
	return m.session
}

// LockPath serializes writers of path. The returned func releases the lock.
func (m *Manager) LockPath(path string) func() {
	v, _ := m.locks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// FileKey unwraps the file key of path for user. Missing share keys yield
// an empty key; a share key that exists for a locked user is an error.
func (m *Manager) FileKey(ctx context.Context, path, user string) ([]byte, error) {
	reader := user
	if m.cfg.UseMasterKey {
		reader = m.cfg.MasterKeyID
	}

	sealed, err := m.store.ShareKey(ctx, path, reader)
	if errors.Is(err, ErrNotFound) {
		var recipient string
		recipient, sealed, err = m.store.LegacyFileKey(ctx, path)
		if errors.Is(err, ErrNotFound) || (err == nil && recipient != reader) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, err
	}

	priv, ok := m.session.Get(reader)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, reader)
	}
	return crypto.Unwrap(sealed, priv)
}

// SetShareKey stores a sealed file key.
func (m *Manager) SetShareKey(ctx context.Context, path, recipient string, sealed []byte) error {
	return m.store.SetShareKey(ctx, path, recipient, sealed)
}

// ShareKeyRecipients lists who can read path.
func (m *Manager) ShareKeyRecipients(ctx context.Context, path string) ([]string, error) {
	return m.store.ShareKeyRecipients(ctx, path)
}

// PublicKey returns the PEM public key of recipient.
func (m *Manager) PublicKey(ctx context.Context, recipient string) ([]byte, error) {
	if m.cache != nil {
		if pub, ok := m.cache.Get(ctx, publicKeyNamespace, recipient); ok {
			return pub, nil
		}
	}

	pub, err := m.store.PublicKey(ctx, recipient)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", crypto.ErrPublicKeyMissing, recipient)
	}
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if err := m.cache.Set(ctx, publicKeyNamespace, recipient, pub, m.cfg.PublicKeyTTL); err != nil {
			m.logger.WithError(err).Debug("Failed to cache public key")
		}
	}
	return pub, nil
}

// AddSystemKeys adds the public share key for public files and the recovery
// key when owner enabled recovery.
func (m *Manager) AddSystemKeys(ctx context.Context, accessList crypto.AccessList, keys []crypto.Recipient, owner string) ([]crypto.Recipient, error) {
	has := func(id string) bool {
		for _, k := range keys {
			if k.ID == id {
				return true
			}
		}
		return false
	}

	if accessList.Public && m.cfg.PublicShareKeyID != "" && !has(m.cfg.PublicShareKeyID) {
		pub, err := m.PublicKey(ctx, m.cfg.PublicShareKeyID)
		if err != nil {
			return nil, fmt.Errorf("public share key: %w", err)
		}
		keys = append(keys, crypto.Recipient{ID: m.cfg.PublicShareKeyID, PublicKey: pub})
	}

	if m.cfg.RecoveryKeyID != "" && !has(m.cfg.RecoveryKeyID) {
		enabled, err := m.store.RecoveryEnabled(ctx, owner)
		if err != nil {
			return nil, err
		}
		if enabled {
			pub, err := m.PublicKey(ctx, m.cfg.RecoveryKeyID)
			switch {
			case err == nil:
				keys = append(keys, crypto.Recipient{ID: m.cfg.RecoveryKeyID, PublicKey: pub})
			case errors.Is(err, crypto.ErrPublicKeyMissing):
				m.logger.WithField("owner", owner).Warn("Recovery enabled but no recovery key exists")
			default:
				return nil, err
			}
		}
	}
	return keys, nil
}

// Encrypted reports whether any key material exists for path.
func (m *Manager) Encrypted(ctx context.Context, path string) (bool, error) {
	recipients, err := m.store.ShareKeyRecipients(ctx, path)
	if err != nil {
		return false, err
	}
	if len(recipients) > 0 {
		return true, nil
	}
	_, _, err = m.store.LegacyFileKey(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// DeleteAllShareKeys removes every share key of path.
func (m *Manager) DeleteAllShareKeys(ctx context.Context, path string) error {
	return m.store.DeleteShareKeys(ctx, path)
}

// DeleteLegacyFileKey removes the legacy file key of path.
func (m *Manager) DeleteLegacyFileKey(ctx context.Context, path string) (bool, error) {
	return m.store.DeleteLegacyFileKey(ctx, path)
}

// MasterKeyID returns the recipient id of the master key.
func (m *Manager) MasterKeyID() string {
	return m.cfg.MasterKeyID
}

// SetupUser creates the key pair of user, protects the private key with
// password and unlocks it.
func (m *Manager) SetupUser(ctx context.Context, user, password string) error {
	if _, err := m.store.PublicKey(ctx, user); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, user)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	privPEM, pubPEM, err := crypto.GenerateKeyPair(m.cfg.RSABits)
	if err != nil {
		return err
	}
	blob, err := m.codec.EncryptPrivateKey(privPEM, password, user)
	if err != nil {
		return err
	}
	if err := m.store.SetPrivateKey(ctx, user, blob); err != nil {
		return err
	}
	if err := m.store.SetPublicKey(ctx, user, pubPEM); err != nil {
		return err
	}

	priv, err := crypto.ParsePrivateKey(privPEM)
	if err != nil {
		return err
	}
	m.session.Set(user, priv)

	m.logger.WithField("user", user).Info("Created key pair")
	return nil
}

// SetupSystemKey makes sure the system key id exists and is unlocked.
func (m *Manager) SetupSystemKey(ctx context.Context, id, password string) error {
	err := m.SetupUser(ctx, id, password)
	if errors.Is(err, ErrAlreadyExists) {
		return m.Unlock(ctx, id, password)
	}
	return err
}

// Unlock decrypts the private key of user into the session.
func (m *Manager) Unlock(ctx context.Context, user, password string) error {
	blob, err := m.store.PrivateKey(ctx, user)
	if err != nil {
		return err
	}
	privPEM, err := m.codec.DecryptPrivateKey(blob, password, user)
	if err != nil {
		return err
	}
	priv, err := crypto.ParsePrivateKey(privPEM)
	if err != nil {
		return err
	}
	m.session.Set(user, priv)
	return nil
}

// Lock forgets the unlocked key of user.
func (m *Manager) Lock(user string) {
	m.session.Remove(user)
}

// Unlocked reports whether the private key of user is in the session.
func (m *Manager) Unlocked(user string) bool {
	_, ok := m.session.Get(user)
	return ok
}

// ChangePassword re-encrypts the private key of user under newPassword.
func (m *Manager) ChangePassword(ctx context.Context, user, oldPassword, newPassword string) error {
	blob, err := m.store.PrivateKey(ctx, user)
	if err != nil {
		return err
	}
	privPEM, err := m.codec.DecryptPrivateKey(blob, oldPassword, user)
	if err != nil {
		return err
	}
	blob, err = m.codec.EncryptPrivateKey(privPEM, newPassword, user)
	if err != nil {
		return err
	}
	return m.store.SetPrivateKey(ctx, user, blob)
}

// SetRecovery enables or disables the recovery key for files of user.
func (m *Manager) SetRecovery(ctx context.Context, user string, enabled bool) error {
	return m.store.SetRecoveryEnabled(ctx, user, enabled)
}

// Version returns the stored signature version of path.
func (m *Manager) Version(ctx context.Context, path string) (int, error) {
	return m.store.Version(ctx, path)
}

// SetVersion stores the signature version of path.
func (m *Manager) SetVersion(ctx context.Context, path string, version int) error {
	return m.store.SetVersion(ctx, path, version)
}
