package crypto

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// readBufferSize is how much plaintext the encrypt reader pulls from its
// source per step.
const readBufferSize = 64 * 1024

// EncryptReader streams the encrypted form of source. When source is
// exhausted it ends the stream, emits the trailing block and exposes the
// EndResult.
type EncryptReader struct {
	ctx     context.Context
	stream  *Stream
	source  io.Reader
	buffer  []byte
	pending []byte
	result  *EndResult
	done    bool
	err     error
}

// NewEncryptReader wraps source with encryption through stream, which must
// be open for writing.
func NewEncryptReader(ctx context.Context, stream *Stream, source io.Reader) *EncryptReader {
	return &EncryptReader{
		ctx:    ctx,
		stream: stream,
		source: source,
		buffer: make([]byte, readBufferSize),
	}
}

// Read implements io.Reader.
func (r *EncryptReader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if len(r.pending) > 0 {
			n := copy(p[total:], r.pending)
			r.pending = r.pending[n:]
			total += n
			continue
		}
		if r.err != nil {
			return total, r.err
		}
		if r.done {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		r.fill()
	}
	return total, nil
}

func (r *EncryptReader) fill() {
	n, err := io.ReadFull(r.source, r.buffer)
	if n > 0 {
		out, encErr := r.stream.Encrypt(r.buffer[:n])
		if encErr != nil {
			r.err = encErr
			return
		}
		r.pending = out
	}
	switch {
	case err == nil:
		return
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		res, endErr := r.stream.End(r.ctx)
		if endErr != nil {
			r.err = endErr
			return
		}
		r.result = res
		r.pending = append(r.pending, res.Trailing...)
		r.done = true
	default:
		r.err = fmt.Errorf("failed to read plaintext: %w", err)
	}
}

// Result returns the EndResult once the reader reached EOF, nil before.
func (r *EncryptReader) Result() *EndResult {
	return r.result
}

// DecryptReader streams the plaintext of source, which holds the encrypted
// blocks of a file without its header block.
type DecryptReader struct {
	stream   *Stream
	source   io.Reader
	buffer   []byte
	pending  []byte
	position int
	closed   bool
	err      error
}

// NewDecryptReader wraps source with decryption through stream. firstBlock
// is the block index of the first block in source.
func NewDecryptReader(stream *Stream, source io.Reader, firstBlock int) *DecryptReader {
	return &DecryptReader{
		stream:   stream,
		source:   source,
		buffer:   make([]byte, WireBlockSize),
		position: firstBlock,
	}
}

// Read implements io.Reader.
func (r *DecryptReader) Read(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if len(r.pending) > 0 {
			n := copy(p[total:], r.pending)
			r.pending = r.pending[n:]
			total += n
			continue
		}
		if r.err != nil {
			return total, r.err
		}
		if r.closed {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}

		n, err := io.ReadFull(r.source, r.buffer)
		if n > 0 {
			plain, decErr := r.stream.Decrypt(r.buffer[:n], r.position)
			if decErr != nil {
				r.err = decErr
				continue
			}
			r.position++
			r.pending = plain
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			r.closed = true
		default:
			r.err = fmt.Errorf("failed to read ciphertext: %w", err)
		}
	}
	return total, nil
}
