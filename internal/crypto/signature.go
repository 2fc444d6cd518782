package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"strconv"
)

// signatureSize is the length of a hex encoded HMAC-SHA256.
const signatureSize = sha256.Size * 2

// Sign computes the block signature over data. The HMAC key is the raw
// SHA-512 of passphrase with an "a" suffix; this derivation is fixed by the
// on-disk format.
func Sign(data, passphrase []byte) string {
	h := sha512.New()
	h.Write(passphrase)
	h.Write([]byte("a"))
	key := h.Sum(nil)
	defer zeroBytes(key)

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func Verify(data, passphrase []byte, expected string) error {
	actual := Sign(data, passphrase)
	if !hmac.Equal([]byte(actual), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// signingContext binds a block to its file key, signature version and
// position so blocks cannot be replayed elsewhere.
func signingContext(key []byte, version, position int) []byte {
	ctx := make([]byte, 0, len(key)+24)
	ctx = append(ctx, key...)
	ctx = append(ctx, '_')
	ctx = strconv.AppendInt(ctx, int64(version), 10)
	ctx = append(ctx, '_')
	ctx = strconv.AppendInt(ctx, int64(position), 10)
	return ctx
}

// legacySigningContext is the context used by writers before the separators
// were introduced.
func legacySigningContext(key []byte, version, position int) []byte {
	ctx := make([]byte, 0, len(key)+22)
	ctx = append(ctx, key...)
	ctx = strconv.AppendInt(ctx, int64(version), 10)
	ctx = strconv.AppendInt(ctx, int64(position), 10)
	return ctx
}
