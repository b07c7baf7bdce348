package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// Format identifies a supported archive container.
type Format string

const (
	FormatZip      Format = "zip"
	FormatSevenZip Format = "7z"
)

// AlgorithmCRC32 is the only checksum algorithm both containers carry.
const AlgorithmCRC32 = "crc32"

var (
	zipLocalSignature = []byte("PK\x03\x04")
	zipEndSignature   = []byte("PK\x05\x06")
	sevenZipSignature = []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}
)

// Record is the checksum an archive declares for its payload entry.
type Record struct {
	Format    Format
	Algorithm string
	Expected  uint32
	Entry     string
	Size      uint64 // uncompressed size of the entry
}

// Hex returns the expected value in the usual 8-digit lower-case notation.
func (r Record) Hex() string {
	return fmt.Sprintf("%08x", r.Expected)
}

// Container is one opened archive. Checksum reads only the structural
// metadata; Payload streams the decoded entry so it can be checksummed.
type Container interface {
	Format() Format
	Checksum() (Record, error)
	Payload() (io.ReadCloser, error)
}

// Open sniffs the container format of r and returns the matching Container.
// The name is only consulted when the signature bytes are not recognised.
func Open(r io.ReaderAt, size int64, name string) (Container, error) {
	format, err := Detect(r, size, name)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatZip:
		return &zipContainer{r: r, size: size}, nil
	case FormatSevenZip:
		return &sevenZipContainer{r: r, size: size}, nil
	}

	return nil, &FormatError{Reason: fmt.Sprintf("unsupported format %q", format)}
}

// Detect returns the container format of r, looking at the signature bytes
// first and at the extension of name second.
func Detect(r io.ReaderAt, size int64, name string) (Format, error) {
	head := make([]byte, len(sevenZipSignature))
	if size < int64(len(head)) {
		head = head[:size]
	}

	if len(head) > 0 {
		if _, err := r.ReadAt(head, 0); err != nil && !errors.Is(err, io.EOF) {
			return "", &IOError{Op: "read signature", Err: err}
		}
	}

	switch {
	case bytes.HasPrefix(head, sevenZipSignature):
		return FormatSevenZip, nil
	case bytes.HasPrefix(head, zipLocalSignature), bytes.HasPrefix(head, zipEndSignature):
		return FormatZip, nil
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".zip":
		return FormatZip, nil
	case ".7z":
		return FormatSevenZip, nil
	}

	return "", &FormatError{Reason: "unrecognised archive signature"}
}

// readAt reads exactly n bytes at off. Ranges outside the archive are format
// errors, everything the underlying reader reports is an I/O error.
func readAt(r io.ReaderAt, size int64, format Format, off int64, n int64, what string) ([]byte, error) {
	if off < 0 || n < 0 || off > size || n > size-off {
		return nil, &FormatError{
			Format: format,
			Reason: fmt.Sprintf("%s at offset %d (+%d) lies outside the %d byte archive", what, off, n, size),
		}
	}

	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}

	if got, err := r.ReadAt(buf, off); err != nil && !(errors.Is(err, io.EOF) && int64(got) == n) {
		return nil, &IOError{Op: "read " + what, Err: err}
	}

	return buf, nil
}

// ioErrReader tags every failure of the underlying file as an IOError so the
// verifier can tell a broken disk from a corrupt payload.
type ioErrReader struct {
	r  io.Reader
	op string
}

func (r *ioErrReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = &IOError{Op: r.op, Err: err}
	}

	return n, err
}

// ErrShortPayload is returned by a payload stream that ends before the size
// the archive declares for its entry.
var ErrShortPayload = errors.New("archive: payload shorter than declared size")

// payloadReader yields exactly size bytes of the decoded entry.
type payloadReader struct {
	r      io.Reader
	remain uint64
	closer io.Closer
}

func newPayloadReader(r io.Reader, size uint64, closer io.Closer) *payloadReader {
	return &payloadReader{r: r, remain: size, closer: closer}
}

func (p *payloadReader) Read(b []byte) (int, error) {
	if p.remain == 0 {
		return 0, io.EOF
	}

	if uint64(len(b)) > p.remain {
		b = b[:p.remain]
	}

	n, err := p.r.Read(b)
	p.remain -= uint64(n)

	if errors.Is(err, io.EOF) {
		if p.remain > 0 {
			return n, ErrShortPayload
		}

		return n, io.EOF
	}

	return n, err
}

func (p *payloadReader) Close() error {
	if p.closer == nil {
		return nil
	}

	return p.closer.Close()
}
