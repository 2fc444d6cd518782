package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	// WireBlockSize is the size of one full encrypted block on disk.
	WireBlockSize = 8192

	ivMarker  = "00iv00"
	sigMarker = "00sig00"

	paddingUnsigned = "xx"
	paddingSigned   = "xxx"

	// unsignedMetaSize covers the IV marker and IV.
	unsignedMetaSize = len(ivMarker) + ivSize
	// signedMetaSize additionally covers the signature marker and signature.
	signedMetaSize = unsignedMetaSize + len(sigMarker) + signatureSize

	unsignedOverhead = unsignedMetaSize + len(paddingUnsigned)
	signedOverhead   = signedMetaSize + len(paddingSigned)
)

// UnencryptedBlockSize returns how many plaintext bytes fill one wire block.
// Legacy base64 encoding expands ciphertext by 4/3, so fewer plaintext bytes
// fit. The result is 8168/8096 for binary and 6126/6072 for legacy blocks.
func UnencryptedBlockSize(signed, legacyEncoding bool) int {
	size := WireBlockSize - unsignedOverhead
	if signed {
		size = WireBlockSize - signedOverhead
	}
	if legacyEncoding {
		size = size * 3 / 4
	}
	return size
}

// BlockConfig configures a BlockEngine.
type BlockConfig struct {
	// Cipher used for new blocks.
	Cipher Cipher
	// LegacyEncoding writes base64 ciphertext instead of raw bytes.
	LegacyEncoding bool
	// Unsigned writes frames without a signature. Only useful to produce
	// legacy content; CTR ciphers refuse to read such frames.
	Unsigned bool
	// SupportLegacy accepts unsigned frames for ciphers that do not require
	// a signature. When false every frame must be signed.
	SupportLegacy bool
	// SkipSignatureCheck disables signature enforcement entirely.
	SkipSignatureCheck bool
}

// BlockEngine encrypts and decrypts single framed blocks. It holds no
// mutable state and is safe for concurrent use.
type BlockEngine struct {
	cfg BlockConfig
}

// NewBlockEngine creates a block engine.
func NewBlockEngine(cfg BlockConfig) (*BlockEngine, error) {
	if cfg.Cipher == 0 {
		cfg.Cipher = DefaultCipher
	}
	if !cfg.Cipher.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, cfg.Cipher)
	}
	return &BlockEngine{cfg: cfg}, nil
}

// Cipher returns the cipher used for new blocks.
func (e *BlockEngine) Cipher() Cipher {
	return e.cfg.Cipher
}

// LegacyEncoding reports whether new blocks are base64 encoded.
func (e *BlockEngine) LegacyEncoding() bool {
	return e.cfg.LegacyEncoding
}

// Signed reports whether new blocks carry a signature.
func (e *BlockEngine) Signed() bool {
	return !e.cfg.Unsigned
}

// EncryptBlock encrypts plain with key under the configured cipher and
// returns the framed block. The signature binds the block to version and
// position. position is the index of the block within the file, counting
// from 0 after the header block, not a byte offset.
func (e *BlockEngine) EncryptBlock(plain, key []byte, version, position int) ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: failed to generate IV: %v", ErrEncryptionFailed, err)
	}

	stream, err := newStream(e.cfg.Cipher, key, iv, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	ciphertext := make([]byte, len(plain))
	stream.XORKeyStream(ciphertext, plain)

	if e.cfg.LegacyEncoding {
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(ciphertext)))
		base64.StdEncoding.Encode(encoded, ciphertext)
		ciphertext = encoded
	}

	frame := make([]byte, 0, len(ciphertext)+signedOverhead)
	frame = append(frame, ciphertext...)
	frame = append(frame, ivMarker...)
	frame = append(frame, iv...)
	if e.cfg.Unsigned {
		return append(frame, paddingUnsigned...), nil
	}

	passphrase := signingContext(key, version, position)
	defer zeroBytes(passphrase)
	frame = append(frame, sigMarker...)
	frame = append(frame, Sign(ciphertext, passphrase)...)
	return append(frame, paddingSigned...), nil
}

// frame is a block split into its parts.
type frame struct {
	ciphertext []byte
	iv         []byte
	signature  string
	signed     bool
}

// splitFrame locates the metadata suffix by its fixed lengths.
func splitFrame(block []byte) (*frame, error) {
	if f, ok := splitSigned(block); ok {
		return f, nil
	}
	if f, ok := splitUnsigned(block); ok {
		return f, nil
	}
	return nil, fmt.Errorf("malformed block of %d bytes", len(block))
}

func splitSigned(block []byte) (*frame, bool) {
	if len(block) < signedOverhead || !bytes.HasSuffix(block, []byte(paddingSigned)) {
		return nil, false
	}
	body := block[:len(block)-len(paddingSigned)]
	meta := body[len(body)-signedMetaSize:]
	if !bytes.HasPrefix(meta, []byte(ivMarker)) {
		return nil, false
	}
	sigStart := unsignedMetaSize
	if !bytes.Equal(meta[sigStart:sigStart+len(sigMarker)], []byte(sigMarker)) {
		return nil, false
	}
	return &frame{
		ciphertext: body[:len(body)-signedMetaSize],
		iv:         meta[len(ivMarker):unsignedMetaSize],
		signature:  string(meta[sigStart+len(sigMarker):]),
		signed:     true,
	}, true
}

func splitUnsigned(block []byte) (*frame, bool) {
	if len(block) < unsignedOverhead || !bytes.HasSuffix(block, []byte(paddingUnsigned)) {
		return nil, false
	}
	body := block[:len(block)-len(paddingUnsigned)]
	meta := body[len(body)-unsignedMetaSize:]
	if !bytes.HasPrefix(meta, []byte(ivMarker)) {
		return nil, false
	}
	return &frame{
		ciphertext: body[:len(body)-unsignedMetaSize],
		iv:         meta[len(ivMarker):],
	}, true
}

// DecryptBlock verifies and decrypts one framed block. binary selects raw
// ciphertext; otherwise the ciphertext is base64. The signature, when
// present, is verified before any decryption happens.
func (e *BlockEngine) DecryptBlock(block, key []byte, c Cipher, version, position int, binary bool) ([]byte, error) {
	if len(block) == 0 {
		return []byte{}, nil
	}

	f, err := splitFrame(block)
	if err != nil {
		return nil, decryptionFailed(HintCorrupt, err)
	}

	if err := e.checkSignature(f, key, c, version, position); err != nil {
		return nil, err
	}

	ciphertext := f.ciphertext
	if !binary {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(ciphertext)))
		n, err := base64.StdEncoding.Decode(decoded, ciphertext)
		if err != nil {
			return nil, decryptionFailed(HintCorrupt, fmt.Errorf("invalid base64 ciphertext: %w", err))
		}
		ciphertext = decoded[:n]
	}

	stream, err := newStream(c, key, f.iv, true)
	if err != nil {
		return nil, decryptionFailed(HintCorrupt, err)
	}
	plain := make([]byte, len(ciphertext))
	stream.XORKeyStream(plain, ciphertext)
	return plain, nil
}

func (e *BlockEngine) checkSignature(f *frame, key []byte, c Cipher, version, position int) error {
	if e.cfg.SkipSignatureCheck {
		return nil
	}
	if !f.signed {
		if !e.cfg.SupportLegacy || c.RequiresSignature() {
			return fmt.Errorf("%w: %s block at position %d", ErrMissingSignature, c, position)
		}
		return nil
	}

	passphrase := signingContext(key, version, position)
	defer zeroBytes(passphrase)
	if Verify(f.ciphertext, passphrase, f.signature) == nil {
		return nil
	}

	legacy := legacySigningContext(key, version, position)
	defer zeroBytes(legacy)
	if err := Verify(f.ciphertext, legacy, f.signature); err != nil {
		return fmt.Errorf("%w: block at position %d, version %d", ErrBadSignature, position, version)
	}
	return nil
}
