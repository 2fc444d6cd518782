package crypto

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

const (
	// HeaderStart and HeaderEnd frame every textual header.
	HeaderStart = "HBEGIN"
	HeaderEnd   = "HEND"

	// KeyFormatHash marks private keys encrypted with a PBKDF2 password hash.
	KeyFormatHash = "hash"
	// KeyFormatPassword marks private keys encrypted directly with the password.
	KeyFormatPassword = "password"
	// LegacyKeyFormat is assumed when a private key blob has no header.
	LegacyKeyFormat = KeyFormatPassword

	// EncodingBinary marks raw ciphertext blocks; its absence means base64.
	EncodingBinary = "binary"

	// HeaderSize is the padded size of the file header block.
	HeaderSize = WireBlockSize

	// ModuleID identifies this encryption module in file headers.
	ModuleID = "OC_DEFAULT_MODULE"

	headerPadding = '-'
)

// Header field names.
const (
	HeaderCipher           = "cipher"
	HeaderKeyFormat        = "keyFormat"
	HeaderEncoding         = "encoding"
	HeaderSigned           = "signed"
	HeaderUseLegacyFileKey = "useLegacyFileKey"
	HeaderModule           = "oc_encryption_module"
)

// Header holds the parsed key/value fields of a textual header.
type Header map[string]string

var supportedKeyFormats = map[string]bool{
	KeyFormatHash:     true,
	KeyFormatPassword: true,
}

// GenerateHeader builds the header prefixed to private key blobs.
func GenerateHeader(c Cipher, keyFormat string, legacyEncoding bool) (string, error) {
	if !supportedKeyFormats[keyFormat] {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyFormat, keyFormat)
	}
	if !c.Valid() {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCipher, c)
	}

	var b strings.Builder
	b.WriteString(HeaderStart)
	b.WriteString(":" + HeaderCipher + ":" + c.String())
	b.WriteString(":" + HeaderKeyFormat + ":" + keyFormat)
	if !legacyEncoding {
		b.WriteString(":" + HeaderEncoding + ":" + EncodingBinary)
	}
	b.WriteString(":" + HeaderEnd)
	return b.String(), nil
}

// ParseHeader extracts the fields of a header at the start of data. Data
// without the start marker is legacy content and yields an empty header;
// anything after the end marker is ignored.
func ParseHeader(data []byte) Header {
	result := Header{}
	if !bytes.HasPrefix(data, []byte(HeaderStart)) {
		return result
	}

	end := bytes.Index(data, []byte(HeaderEnd))
	if end < 0 {
		return result
	}

	body := string(data[len(HeaderStart):end])
	body = strings.Trim(body, ":")
	if body == "" {
		return result
	}
	parts := strings.Split(body, ":")
	for i := 0; i+1 < len(parts); i += 2 {
		result[parts[i]] = parts[i+1]
	}
	return result
}

// StripHeader returns data without its leading header, if any.
func StripHeader(data []byte) []byte {
	if !bytes.HasPrefix(data, []byte(HeaderStart)) {
		return data
	}
	end := bytes.Index(data, []byte(HeaderEnd))
	if end < 0 {
		return data
	}
	return data[end+len(HeaderEnd):]
}

// GenerateFileHeader renders fields as a header block padded to HeaderSize.
// The module id is always written first; remaining fields are sorted so the
// output is deterministic.
func GenerateFileHeader(fields Header) ([]byte, error) {
	var b strings.Builder
	b.WriteString(HeaderStart)
	b.WriteString(":" + HeaderModule + ":" + ModuleID)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == HeaderModule {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.Contains(k, ":") || strings.Contains(fields[k], ":") {
			return nil, fmt.Errorf("header field %q contains a separator", k)
		}
		b.WriteString(":" + k + ":" + fields[k])
	}
	b.WriteString(":" + HeaderEnd)

	if b.Len() > HeaderSize {
		return nil, fmt.Errorf("header too large: %d bytes", b.Len())
	}
	out := make([]byte, HeaderSize)
	n := copy(out, b.String())
	for i := n; i < len(out); i++ {
		out[i] = headerPadding
	}
	return out, nil
}

// ParseFileHeader parses a file header block. ok is false for files written
// without one: block must be a full HeaderSize block naming the encryption
// module.
func ParseFileHeader(block []byte) (h Header, ok bool) {
	if len(block) != HeaderSize {
		return nil, false
	}
	h = ParseHeader(block)
	if h[HeaderModule] == "" {
		return nil, false
	}
	return h, true
}
