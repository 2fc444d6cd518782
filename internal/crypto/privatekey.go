package crypto

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations is the work factor for password hashes protecting
// private keys.
const pbkdf2Iterations = 100000

// PrivateKeyCodec encrypts recipient private keys with their password.
type PrivateKeyCodec struct {
	engine         *BlockEngine
	instanceID     string
	instanceSecret string
}

// NewPrivateKeyCodec creates a codec. The instance id and secret salt the
// password hash so identical passwords differ across installations.
func NewPrivateKeyCodec(engine *BlockEngine, instanceID, instanceSecret string) *PrivateKeyCodec {
	return &PrivateKeyCodec{
		engine:         engine,
		instanceID:     instanceID,
		instanceSecret: instanceSecret,
	}
}

// PasswordHash derives the symmetric key protecting a private key.
func (p *PrivateKeyCodec) PasswordHash(password, uid string, c Cipher) []byte {
	salt := sha256.Sum256([]byte(uid + p.instanceID + p.instanceSecret))
	return pbkdf2.Key([]byte(password), salt[:], pbkdf2Iterations, c.KeySize(), sha256.New)
}

// EncryptPrivateKey encrypts privateKey as a single block and prefixes the
// header describing how to decrypt it.
func (p *PrivateKeyCodec) EncryptPrivateKey(privateKey []byte, password, uid string) ([]byte, error) {
	if len(privateKey) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailed, ErrEmptyPlaintext)
	}
	c := p.engine.Cipher()
	header, err := GenerateHeader(c, KeyFormatHash, p.engine.LegacyEncoding())
	if err != nil {
		return nil, err
	}

	hash := p.PasswordHash(password, uid, c)
	defer zeroBytes(hash)

	block, err := p.engine.EncryptBlock(privateKey, hash, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	return append([]byte(header), block...), nil
}

// DecryptPrivateKey reverses EncryptPrivateKey. Blobs without a header are
// read with the legacy cipher and the password used directly as key. A
// wrong password yields an error wrapping ErrInvalidPrivateKey, never a
// corrupted key.
func (p *PrivateKeyCodec) DecryptPrivateKey(blob []byte, password, uid string) ([]byte, error) {
	header := ParseHeader(blob)

	c := LegacyCipher
	if name, ok := header[HeaderCipher]; ok {
		parsed, err := ParseCipher(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		c = parsed
	}

	keyFormat := LegacyKeyFormat
	if f, ok := header[HeaderKeyFormat]; ok {
		keyFormat = f
	}

	var key []byte
	switch keyFormat {
	case KeyFormatHash:
		key = p.PasswordHash(password, uid, c)
	case KeyFormatPassword:
		key = []byte(password)
	default:
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidPrivateKey, ErrInvalidKeyFormat, keyFormat)
	}
	defer zeroBytes(key)

	binary := header[HeaderEncoding] == EncodingBinary
	if len(header) > 0 {
		blob = StripHeader(blob)
	}

	plain, err := p.engine.DecryptBlock(blob, key, c, 0, 0, binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}
	if _, err := ParsePrivateKey(plain); err != nil {
		zeroBytes(plain)
		return nil, err
	}
	return plain, nil
}
