package staticfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize is the transfer chunk size used when none is configured.
const DefaultChunkSize = 8192

// ErrShortFile is returned when a file ends before the length announced in
// Content-Length has been sent. It matches io.ErrUnexpectedEOF with errors.Is.
var ErrShortFile = fmt.Errorf("staticfile: file shorter than announced length: %w", io.ErrUnexpectedEOF)

// ChunkSource is a finite, single-use sequence of byte chunks.
type ChunkSource interface {
	// Next returns the next chunk, or io.EOF once the sequence is exhausted.
	Next() ([]byte, error)
	Close() error
}

// ReadAtCloser is the file handle a Transfer reads from.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// ProgressFunc receives the running byte count after each chunk.
type ProgressFunc func(sent, total int64)

// Transfer streams a byte range of one open file as bounded chunks. It owns
// the handle and releases it when the range is exhausted, on the first error,
// or on Close, whichever comes first. A Transfer is not safe for concurrent use.
type Transfer struct {
	f         ReadAtCloser
	offset    int64
	length    int64
	sent      int64
	chunkSize int
	buf       []byte
	err       error
	closed    bool

	// OnProgress, if set, is called after every chunk. Advisory only.
	OnProgress ProgressFunc
}

// OpenTransfer opens path and prepares a transfer of the whole file.
func OpenTransfer(path string, chunkSize int) (*Transfer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("staticfile: %s is not a regular file", path)
	}
	return NewTransfer(f, 0, fi.Size(), chunkSize), nil
}

// NewTransfer wraps f as a transfer of length bytes starting at offset.
// A non-positive chunkSize selects DefaultChunkSize.
func NewTransfer(f ReadAtCloser, offset, length int64, chunkSize int) *Transfer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Transfer{f: f, offset: offset, length: length, chunkSize: chunkSize}
}

// Size returns the total number of bytes the transfer will produce.
func (t *Transfer) Size() int64 { return t.length }

// Sent returns the number of bytes produced so far.
func (t *Transfer) Sent() int64 { return t.sent }

// Next returns the next chunk. The returned slice is only valid until the
// following call. After the last chunk Next returns io.EOF; after a failure
// it keeps returning that failure.
func (t *Transfer) Next() ([]byte, error) {
	if t.err != nil {
		return nil, t.err
	}
	if t.closed {
		return nil, os.ErrClosed
	}
	remaining := t.length - t.sent
	if remaining <= 0 {
		t.finish(io.EOF)
		return nil, io.EOF
	}

	n := t.chunkSize
	if int64(n) > remaining {
		n = int(remaining)
	}
	if t.buf == nil {
		t.buf = make([]byte, t.chunkSize)
	}
	read, err := t.f.ReadAt(t.buf[:n], t.offset+t.sent)
	if read < n {
		if err == nil || errors.Is(err, io.EOF) {
			err = ErrShortFile
		} else {
			err = fmt.Errorf("staticfile: read at offset %d: %w", t.offset+t.sent, err)
		}
		t.finish(err)
		return nil, err
	}

	t.sent += int64(n)
	if t.OnProgress != nil {
		t.OnProgress(t.sent, t.length)
	}
	return t.buf[:n], nil
}

// finish records the terminal state and releases the file.
func (t *Transfer) finish(err error) {
	t.err = err
	t.Close()
}

// Close releases the file handle. It is safe to call more than once.
func (t *Transfer) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.f.Close()
}

// Pump drains src into w, calling flush after each chunk when it is non-nil.
// It stops at the first write or flush failure, or when ctx is done, and
// always closes src. It returns the number of bytes written.
func Pump(ctx context.Context, src ChunkSource, w io.Writer, flush func() error) (int64, error) {
	defer src.Close()

	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		chunk, err := src.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if flush != nil {
			if err := flush(); err != nil {
				return written, err
			}
		}
	}
}
