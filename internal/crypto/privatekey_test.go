package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, cfg BlockConfig) *PrivateKeyCodec {
	t.Helper()
	engine, err := NewBlockEngine(cfg)
	require.NoError(t, err)
	return NewPrivateKeyCodec(engine, "instance-1", "secret")
}

func TestPrivateKeyCodec_RoundTrip(t *testing.T) {
	privPEM, _, err := GenerateKeyPair(2048)
	require.NoError(t, err)

	for _, legacy := range []bool{false, true} {
		codec := newTestCodec(t, BlockConfig{LegacyEncoding: legacy})

		blob, err := codec.EncryptPrivateKey(privPEM, "hunter2", "alice")
		require.NoError(t, err)
		h := ParseHeader(blob)
		assert.Equal(t, "AES-256-CTR", h[HeaderCipher])
		assert.Equal(t, KeyFormatHash, h[HeaderKeyFormat])

		got, err := codec.DecryptPrivateKey(blob, "hunter2", "alice")
		require.NoError(t, err)
		assert.Equal(t, privPEM, got)
	}
}

func TestPrivateKeyCodec_WrongPassword(t *testing.T) {
	privPEM, _, err := GenerateKeyPair(2048)
	require.NoError(t, err)
	codec := newTestCodec(t, BlockConfig{})

	blob, err := codec.EncryptPrivateKey(privPEM, "hunter2", "alice")
	require.NoError(t, err)

	_, err = codec.DecryptPrivateKey(blob, "hunter3", "alice")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)

	_, err = codec.DecryptPrivateKey(blob, "hunter2", "bob")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey, "the uid salts the hash")

	other := NewPrivateKeyCodec(codec.engine, "instance-2", "secret")
	_, err = other.DecryptPrivateKey(blob, "hunter2", "alice")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestPrivateKeyCodec_LegacyPasswordFormat(t *testing.T) {
	privPEM, _, err := GenerateKeyPair(2048)
	require.NoError(t, err)

	writer, err := NewBlockEngine(BlockConfig{Cipher: AES128CFB, LegacyEncoding: true, Unsigned: true})
	require.NoError(t, err)
	block, err := writer.EncryptBlock(privPEM, []byte("hunter2"), 0, 0)
	require.NoError(t, err)

	codec := newTestCodec(t, BlockConfig{SupportLegacy: true})
	got, err := codec.DecryptPrivateKey(block, "hunter2", "alice")
	require.NoError(t, err)
	assert.Equal(t, privPEM, got)
}

func TestPrivateKeyCodec_EmptyKey(t *testing.T) {
	codec := newTestCodec(t, BlockConfig{})
	_, err := codec.EncryptPrivateKey(nil, "pw", "alice")
	assert.ErrorIs(t, err, ErrEmptyPlaintext)
}

func TestPrivateKeyCodec_UnknownKeyFormat(t *testing.T) {
	codec := newTestCodec(t, BlockConfig{})
	_, err := codec.DecryptPrivateKey([]byte("HBEGIN:cipher:AES-256-CTR:keyFormat:scrypt:HENDxx"), "pw", "alice")
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}
