// Package checksum recomputes the CRC32 of an archive payload and reconciles
// it with the value the archive declares.
package checksum

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/italolelis/archive_downloader/internal/archive"
)

const bufferSize = 256 * 1024

// MismatchError reports a payload whose CRC32 differs from the declared one,
// or a payload that could not be read back in full.
type MismatchError struct {
	Entry    string
	Expected uint32
	Actual   uint32
	Err      error // Set when the payload failed to decode or was short
}

func (e *MismatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checksum mismatch for %q: expected %08x, payload unreadable: %v", e.Entry, e.Expected, e.Err)
	}

	return fmt.Sprintf("checksum mismatch for %q: expected %08x, got %08x", e.Entry, e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error {
	return e.Err
}

// Compute returns the CRC32 (IEEE) of everything r yields.
func Compute(r io.Reader) (uint32, error) {
	h := crc32.NewIEEE()

	if _, err := io.CopyBuffer(h, r, make([]byte, bufferSize)); err != nil {
		return 0, err
	}

	return h.Sum32(), nil
}

// Verify reports whether the recomputed value matches the expected one.
func Verify(expected, actual uint32) bool {
	return expected == actual
}

// VerifyContainer streams the payload of c and checks it against rec.
// Failures of the underlying file surface as *archive.IOError; anything else
// that keeps the payload from matching is a *MismatchError.
func VerifyContainer(c archive.Container, rec archive.Record) (uint32, error) {
	payload, err := c.Payload()
	if err != nil {
		return 0, classify(rec, err)
	}
	defer payload.Close()

	actual, err := Compute(payload)
	if err != nil {
		return 0, classify(rec, err)
	}

	if !Verify(rec.Expected, actual) {
		return actual, &MismatchError{Entry: rec.Entry, Expected: rec.Expected, Actual: actual}
	}

	return actual, nil
}

func classify(rec archive.Record, err error) error {
	var ioErr *archive.IOError
	if errors.As(err, &ioErr) {
		return err
	}

	var formatErr *archive.FormatError
	if errors.As(err, &formatErr) {
		return err
	}

	return &MismatchError{Entry: rec.Entry, Expected: rec.Expected, Err: err}
}
