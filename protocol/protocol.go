// Package protocol implements the newline-delimited frame format.
//
// Each frame is one UTF-8 JSON object followed by '\n'. JSON encoders escape
// control characters inside strings, so an encoded object never contains a raw
// newline and the delimiter alone is enough to find frame boundaries on the
// TCP byte stream.
//
//	{"id":"…","uri":"auth/login",…}\n{"id":"…","uri":"student/info",…}\n
package protocol

import (
	"bufio"
	"bytes"
	"io"

	"github.com/juju/errors"
)

const (
	// Delimiter terminates every frame.
	Delimiter byte = '\n'

	// DefaultMaxFrameSize bounds a single frame, delimiter excluded.
	DefaultMaxFrameSize = 4 << 20

	readBufferSize = 64 << 10
)

const (
	// ErrFrameTooLarge is returned when a frame exceeds the reader's limit.
	// The oversized frame has been consumed; the stream is still usable.
	ErrFrameTooLarge = errors.ConstError("frame exceeds maximum size")

	// ErrEmbeddedDelimiter is returned when asked to write a frame that
	// contains the delimiter.
	ErrEmbeddedDelimiter = errors.ConstError("frame contains delimiter")
)

// Reader splits a byte stream into frames. It must be used by a single
// goroutine: frame boundaries can only be found by reading sequentially.
type Reader struct {
	r   *bufio.Reader
	max int
}

// NewReader wraps r. A non-positive maxFrameSize selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{
		r:   bufio.NewReaderSize(r, readBufferSize),
		max: maxFrameSize,
	}
}

// ReadFrame returns the next non-blank frame without its delimiter.
//
// io.EOF means the peer closed cleanly between frames; io.ErrUnexpectedEOF
// means the stream ended inside a frame. ErrFrameTooLarge is recoverable.
func (fr *Reader) ReadFrame() ([]byte, error) {
	for {
		frame, err := fr.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		return frame, nil
	}
}

func (fr *Reader) readLine() ([]byte, error) {
	var (
		buf      []byte
		seen     int
		tooLarge bool
	)
	for {
		chunk, err := fr.r.ReadSlice(Delimiter)
		seen += len(chunk)
		if !tooLarge {
			if seen > fr.max+1 {
				// Keep consuming until the delimiter but stop buffering.
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLarge {
				return nil, ErrFrameTooLarge
			}
			return bytes.TrimRight(buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if seen == 0 {
				return nil, io.EOF
			}
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// Writer writes frames to an underlying stream.
//
// Writer does no locking. When several goroutines share a connection the
// caller must serialize WriteFrame calls, otherwise bytes of two frames can
// interleave on the wire.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes frame followed by the delimiter in a single Write.
func (fw *Writer) WriteFrame(frame []byte) error {
	if bytes.IndexByte(frame, Delimiter) >= 0 {
		return ErrEmbeddedDelimiter
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, Delimiter)
	_, err := fw.w.Write(buf)
	return err
}
