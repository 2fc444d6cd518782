package crypto

import (
	"errors"
	"fmt"
)

// Cryptographic failures. Integrity errors are never downgraded to warnings;
// only ErrPublicKeyMissing is recovered locally by the stream.
var (
	// ErrEncryptionFailed indicates the cipher engine rejected the input.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed indicates a bad key or corrupted ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrBadSignature indicates a block signature did not match its content.
	ErrBadSignature = errors.New("bad signature")

	// ErrMissingSignature indicates a block lacks a signature its cipher requires.
	ErrMissingSignature = errors.New("missing signature")

	// ErrPublicKeyMissing indicates a recipient has no public key on record.
	ErrPublicKeyMissing = errors.New("public key missing")

	// ErrMultiKeyEncrypt indicates the file key could not be wrapped for its recipients.
	ErrMultiKeyEncrypt = errors.New("multi-key encryption failed")

	// ErrMultiKeyDecrypt indicates a share key could not be unwrapped.
	ErrMultiKeyDecrypt = errors.New("multi-key decryption failed")

	// ErrEmptyPlaintext indicates an attempt to seal a zero-length secret.
	ErrEmptyPlaintext = errors.New("cannot seal empty plaintext")

	// ErrInvalidPrivateKey indicates the decrypted private key is not a usable RSA key.
	ErrInvalidPrivateKey = errors.New("invalid private key")

	// ErrUnsupportedCipher indicates an unknown cipher name.
	ErrUnsupportedCipher = errors.New("unsupported cipher")

	// ErrInvalidKeyFormat indicates a key format outside {hash, password}.
	ErrInvalidKeyFormat = errors.New("invalid key format")
)

// Hint texts surfaced to end users on decryption failures.
const (
	HintReshare = "Cannot decrypt this file, probably this is a shared file. Please ask the file owner to reshare the file with you."
	HintCorrupt = "Cannot decrypt this file, the file may be corrupted or the key is wrong."
)

// DecryptionFailedError carries a user-facing hint alongside the cause.
type DecryptionFailedError struct {
	Hint string
	Err  error
}

// Error implements the error interface.
func (e *DecryptionFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", ErrDecryptionFailed, e.Err)
	}
	return ErrDecryptionFailed.Error()
}

// Unwrap lets errors.Is match both ErrDecryptionFailed and the cause.
func (e *DecryptionFailedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecryptionFailed}
	}
	return []error{ErrDecryptionFailed, e.Err}
}

func decryptionFailed(hint string, err error) error {
	return &DecryptionFailedError{Hint: hint, Err: err}
}

// UserHint returns the user-facing hint carried by err, if any.
func UserHint(err error) string {
	var dfe *DecryptionFailedError
	if errors.As(err, &dfe) {
		return dfe.Hint
	}
	return ""
}

// errorType classifies err for metrics labels.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrMultiKeyEncrypt):
		return "multikey_encrypt"
	case errors.Is(err, ErrMultiKeyDecrypt):
		return "multikey_decrypt"
	case errors.Is(err, ErrPublicKeyMissing):
		return "public_key_missing"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, ErrEncryptionFailed):
		return "encryption_failed"
	default:
		return "other"
	}
}
