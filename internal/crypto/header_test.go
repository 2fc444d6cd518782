package crypto

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateHeader(t *testing.T) {
	h, err := GenerateHeader(AES256CTR, KeyFormatHash, false)
	require.NoError(t, err)
	assert.Equal(t, "HBEGIN:cipher:AES-256-CTR:keyFormat:hash:encoding:binary:HEND", h)

	h, err = GenerateHeader(AES128CFB, KeyFormatPassword, true)
	require.NoError(t, err)
	assert.Equal(t, "HBEGIN:cipher:AES-128-CFB:keyFormat:password:HEND", h)

	_, err = GenerateHeader(AES256CTR, "plain", false)
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Header
	}{
		{
			name: "full header",
			data: "HBEGIN:cipher:AES-256-CTR:keyFormat:hash:encoding:binary:HENDpayload",
			want: Header{"cipher": "AES-256-CTR", "keyFormat": "hash", "encoding": "binary"},
		},
		{
			name: "no header",
			data: "just some ciphertext",
			want: Header{},
		},
		{
			name: "unterminated",
			data: "HBEGIN:cipher:AES-256-CTR",
			want: Header{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseHeader([]byte(tt.data)))
		})
	}
}

func TestStripHeader(t *testing.T) {
	assert.Equal(t, []byte("payload"), StripHeader([]byte("HBEGIN:cipher:AES-256-CTR:HENDpayload")))
	assert.Equal(t, []byte("payload"), StripHeader([]byte("payload")))
}

func TestGenerateFileHeader(t *testing.T) {
	block, err := GenerateFileHeader(Header{
		HeaderCipher:           "AES-256-CTR",
		HeaderSigned:           "true",
		HeaderUseLegacyFileKey: "false",
		HeaderEncoding:         EncodingBinary,
	})
	require.NoError(t, err)
	assert.Len(t, block, HeaderSize)
	assert.True(t, bytes.HasPrefix(block, []byte("HBEGIN:oc_encryption_module:OC_DEFAULT_MODULE:")))
	assert.Equal(t, byte('-'), block[len(block)-1])

	h, ok := ParseFileHeader(block)
	require.True(t, ok)
	assert.Equal(t, "AES-256-CTR", h[HeaderCipher])
	assert.Equal(t, ModuleID, h[HeaderModule])
	assert.Equal(t, EncodingBinary, h[HeaderEncoding])

	_, ok = ParseFileHeader(block[:HeaderSize-1])
	assert.False(t, ok, "a truncated block is not a header")

	foreign := bytes.Repeat([]byte{'-'}, HeaderSize)
	copy(foreign, "HBEGIN:a:b:HEND")
	_, ok = ParseFileHeader(foreign)
	assert.False(t, ok, "a header without the module id is content")
	_, ok = ParseFileHeader([]byte("HBEGIN:a:b:HEND rest"))
	assert.False(t, ok)

	_, err = GenerateFileHeader(Header{"bad": "a:b"})
	assert.Error(t, err)

	_, err = GenerateFileHeader(Header{"big": strings.Repeat("x", HeaderSize)})
	assert.Error(t, err)
}

func TestParseCipher(t *testing.T) {
	c, err := ParseCipher("aes-128-cfb")
	require.NoError(t, err)
	assert.Equal(t, AES128CFB, c)
	assert.Equal(t, 16, c.KeySize())
	assert.False(t, c.RequiresSignature())

	c, err = ParseCipher("AES-256-CTR")
	require.NoError(t, err)
	assert.Equal(t, 32, c.KeySize())
	assert.True(t, c.RequiresSignature())

	_, err = ParseCipher("AES-256-GCM")
	assert.ErrorIs(t, err, ErrUnsupportedCipher)
}
