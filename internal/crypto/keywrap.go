package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// FileKeySize is the length of a generated file key.
	FileKeySize = 32

	sessionKeySize = 32
	gcmNonceSize   = 12

	// shareKeyVersion prefixes every sealed share key.
	shareKeyVersion byte = 1

	// DefaultRSABits is the modulus size for newly generated key pairs.
	DefaultRSABits = 4096
)

// Recipient is one public key a file key gets wrapped for.
type Recipient struct {
	ID        string
	PublicKey []byte // PEM encoded PKIX or PKCS#1 public key
}

// ShareKey is a file key sealed for one recipient.
type ShareKey struct {
	RecipientID string
	Sealed      []byte
}

// GenerateFileKey returns a fresh random file key.
func GenerateFileKey() ([]byte, error) {
	key := make([]byte, FileKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate file key: %w", err)
	}
	return key, nil
}

// Wrap seals fileKey for every recipient using envelope encryption: the
// file key is encrypted once under a random session key with AES-256-GCM,
// and the session key is encrypted per recipient with RSA-OAEP. The result
// keeps the order of recipients.
func Wrap(fileKey []byte, recipients []Recipient) ([]ShareKey, error) {
	if len(fileKey) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrMultiKeyEncrypt, ErrEmptyPlaintext)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrMultiKeyEncrypt)
	}

	pubs := make([]*rsa.PublicKey, len(recipients))
	for i, r := range recipients {
		pub, err := ParsePublicKey(r.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: recipient %q: %v", ErrMultiKeyEncrypt, r.ID, err)
		}
		pubs[i] = pub
	}

	sessionKey := make([]byte, sessionKeySize)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("%w: failed to generate session key: %v", ErrMultiKeyEncrypt, err)
	}
	defer zeroBytes(sessionKey)

	payload, err := sealPayload(sessionKey, fileKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMultiKeyEncrypt, err)
	}

	out := make([]ShareKey, 0, len(recipients))
	for i, r := range recipients {
		wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pubs[i], sessionKey, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: recipient %q: %v", ErrMultiKeyEncrypt, r.ID, err)
		}
		blob := make([]byte, 0, 3+len(wrapped)+len(payload))
		blob = append(blob, shareKeyVersion)
		blob = binary.BigEndian.AppendUint16(blob, uint16(len(wrapped)))
		blob = append(blob, wrapped...)
		blob = append(blob, payload...)
		out = append(out, ShareKey{RecipientID: r.ID, Sealed: blob})
	}
	return out, nil
}

// Unwrap recovers the file key from a share key using the recipient's
// private key.
func Unwrap(sealed []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: no private key", ErrMultiKeyDecrypt)
	}
	if len(sealed) < 3 || sealed[0] != shareKeyVersion {
		return nil, fmt.Errorf("%w: unrecognized share key format", ErrMultiKeyDecrypt)
	}
	n := int(binary.BigEndian.Uint16(sealed[1:3]))
	rest := sealed[3:]
	if len(rest) < n+gcmNonceSize {
		return nil, fmt.Errorf("%w: truncated share key", ErrMultiKeyDecrypt)
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, rest[:n], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMultiKeyDecrypt, err)
	}
	defer zeroBytes(sessionKey)

	fileKey, err := openPayload(sessionKey, rest[n:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMultiKeyDecrypt, err)
	}
	if len(fileKey) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrMultiKeyDecrypt, ErrEmptyPlaintext)
	}
	return fileKey, nil
}

func sealPayload(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openPayload(key, payload []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(payload) < gcmNonceSize {
		return nil, errors.New("payload too short")
	}
	return gcm.Open(nil, payload[:gcmNonceSize], payload[gcmNonceSize:], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateKeyPair creates an RSA key pair and returns it PEM encoded.
func GenerateKeyPair(bits int) (privatePEM, publicPEM []byte, err error) {
	if bits == 0 {
		bits = DefaultRSABits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	publicPEM, err = EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return EncodePrivateKey(priv), publicPEM, nil
}

// EncodePrivateKey encodes priv as a PKCS#1 PEM block.
func EncodePrivateKey(priv *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
}

// EncodePublicKey encodes pub as a PKIX PEM block.
func EncodePublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKey parses a PKCS#1 or PKCS#8 PEM encoded RSA private key.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPrivateKey)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		return priv, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		priv, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPrivateKey)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPrivateKey, block.Type)
	}
}

// ParsePublicKey parses a PKIX or PKCS#1 PEM encoded RSA public key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaPub, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unexpected PEM type %q", block.Type)
	}
}
