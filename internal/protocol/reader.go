// Package protocol implements the line and payload framing of the patient
// intake stream protocol.
package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// MaxLineBytes bounds a single command or metadata line.
const MaxLineBytes = 64 * 1024

// ErrLineTooLong is returned when a line exceeds MaxLineBytes.
var ErrLineTooLong = errors.New("protocol line too long")

// FramedReader reads text lines and exact-length binary payloads from one
// buffered stream. Both operations share the same buffer, so payload bytes
// that arrive together with the preceding lines are never lost.
type FramedReader struct {
	r *bufio.Reader
}

// NewFramedReader wraps r
func NewFramedReader(r io.Reader) *FramedReader {
	return &FramedReader{r: bufio.NewReaderSize(r, 32*1024)}
}

// ReadLine returns the next line without its "\n" or "\r\n" terminator.
// A final unterminated line is returned as is; io.EOF is returned only when
// no bytes remain.
func (f *FramedReader) ReadLine() (string, error) {
	var buf []byte
	for {
		chunk, err := f.r.ReadSlice('\n')
		if len(buf)+len(chunk) > MaxLineBytes+2 {
			if errors.Is(err, bufio.ErrBufferFull) {
				f.discardLine()
			}
			return "", ErrLineTooLong
		}
		buf = append(buf, chunk...)

		switch {
		case err == nil:
			return string(bytes.TrimRight(buf, "\r\n")), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return strings.TrimRight(string(buf), "\r"), nil
		default:
			return "", err
		}
	}
}

// discardLine skips the rest of an oversize line so the stream stays aligned.
func (f *FramedReader) discardLine() {
	for {
		_, err := f.r.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return
		}
	}
}

// ReadExactly copies exactly n bytes to w. If the stream ends first it
// returns io.ErrUnexpectedEOF along with the number of bytes copied.
func (f *FramedReader) ReadExactly(n int64, w io.Writer) (int64, error) {
	return io.Copy(w, f.Payload(n))
}

// Payload returns a reader over the next n bytes of the stream.
func (f *FramedReader) Payload(n int64) *PayloadReader {
	return &PayloadReader{r: f.r, remaining: n}
}

// PayloadReader yields exactly the announced number of payload bytes.
type PayloadReader struct {
	r         io.Reader
	remaining int64
	read      int64
	short     bool
}

func (p *PayloadReader) Read(b []byte) (int, error) {
	if p.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(b)) > p.remaining {
		b = b[:p.remaining]
	}
	n, err := p.r.Read(b)
	p.remaining -= int64(n)
	p.read += int64(n)

	if errors.Is(err, io.EOF) {
		if p.remaining > 0 {
			p.short = true
			return n, io.ErrUnexpectedEOF
		}
		return n, nil
	}
	return n, err
}

// Short reports whether the stream ended before the announced length.
func (p *PayloadReader) Short() bool {
	return p.short
}

// BytesRead returns how many payload bytes have been consumed.
func (p *PayloadReader) BytesRead() int64 {
	return p.read
}

// Drain discards whatever is left of the payload.
func (p *PayloadReader) Drain() error {
	_, err := io.Copy(io.Discard, p)
	return err
}
