package flim

import (
	"errors"
	"fmt"
)

// Sentinel errors for container open and frame decode failures. Callers
// match with errors.Is; wrapped forms carry ordinal/offset context.
var (
	// ErrUnsupportedVersion is returned when the container header declares a
	// format version this reader does not understand. No best-effort parse is
	// attempted.
	ErrUnsupportedVersion = errors.New("flim: unsupported container version")

	// ErrTruncatedHeader is returned when the global header is incomplete or
	// its magic does not match.
	ErrTruncatedHeader = errors.New("flim: truncated or invalid header")

	// ErrCorruptFrame is returned when a frame record cannot be decoded:
	// short or oversized pixel payload, bad record magic, or metadata that
	// does not parse against the header schema.
	ErrCorruptFrame = errors.New("flim: corrupt frame")

	// ErrOutOfRange is returned for a frame ordinal at or beyond the current
	// frame count.
	ErrOutOfRange = errors.New("flim: frame ordinal out of range")

	// ErrStreamEnded marks the end of a FrameSeq: either the requested range
	// is exhausted, or a follow-mode wait for new frames timed out.
	ErrStreamEnded = errors.New("flim: stream ended")
)

// FrameError attributes a per-frame failure to the ordinal it occurred at.
// ReadRange pipelines return it so batch consumers can skip and record the
// frame without parsing error strings. Matches the wrapped sentinel under
// errors.Is.
type FrameError struct {
	Ordinal int
	Err     error
}

func (e *FrameError) Error() string { return fmt.Sprintf("frame %d: %v", e.Ordinal, e.Err) }

func (e *FrameError) Unwrap() error { return e.Err }
