package artifact

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrFetchFailed  = errors.New("fetch failed")
	ErrUnpackFailed = errors.New("unpack failed")
	// ErrTooLarge is the cause of a FetchError when the payload exceeds the
	// configured maximum.
	ErrTooLarge = errors.New("archive exceeds size limit")
)

// FetchError describes a failed archive download.
type FetchError struct {
	URL        string
	StatusCode int // 0 for transport errors
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetchFailed}
	}
	return []error{ErrFetchFailed, e.Err}
}

// DiagnosticKind classifies one extraction problem.
type DiagnosticKind int

const (
	UnsupportedEntry DiagnosticKind = iota
	SymlinkFailed
	CreateFailed
	UnsafePath
	OutsidePrefix // entry not under the archive's wrapper directory
)

func (k DiagnosticKind) String() string {
	switch k {
	case UnsupportedEntry:
		return "unsupported entry type"
	case SymlinkFailed:
		return "symlink creation failed"
	case CreateFailed:
		return "file creation failed"
	case UnsafePath:
		return "unsafe path"
	case OutsidePrefix:
		return "outside archive root"
	}
	return fmt.Sprintf("DiagnosticKind(%d)", int(k))
}

// Diagnostic is a problem with a single archive entry.
type Diagnostic struct {
	Kind DiagnosticKind
	Path string
	Err  error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s: %v", d.Path, d.Kind, d.Err)
}

// Diagnostics is the ordered list of problems found during one extraction.
type Diagnostics []Diagnostic

// UnpackError is returned when decompression fails or any entry produced a
// diagnostic. Files written before the failure stay where they are.
type UnpackError struct {
	URL         string
	Err         error // decompression or archive framing error, may be nil
	Diagnostics Diagnostics
}

func (e *UnpackError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "unpack %s", e.URL)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if n := len(e.Diagnostics); n > 0 {
		fmt.Fprintf(&b, ": %d bad entries", n)
		for _, d := range e.Diagnostics {
			b.WriteString("\n  ")
			b.WriteString(d.String())
		}
	}
	return b.String()
}

func (e *UnpackError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnpackFailed}
	}
	return []error{ErrUnpackFailed, e.Err}
}
