package archive

import "fmt"

// FormatError reports a corrupt, unrecognised or unsupported archive header.
type FormatError struct {
	Format Format // Empty when the format itself could not be determined
	Reason string // Human-readable explanation of what is wrong
	Err    error  // Underlying error, if any
}

func (e *FormatError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("archive format error: %s", e.Reason)
	}

	return fmt.Sprintf("invalid %s archive: %s", e.Format, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// NotFoundError reports an archive without entries, or an entry that carries
// no checksum.
type NotFoundError struct {
	Format Format
	Reason string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no checksum in %s archive: %s", e.Format, e.Reason)
}

// IOError wraps a failure of the underlying byte source.
type IOError struct {
	Op  string // What was being read when the failure happened
	Err error  // Underlying error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("archive i/o error during %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
