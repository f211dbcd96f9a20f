package flim

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/lumenlab/flimgo/internal/monitoring"
	"github.com/lumenlab/flimgo/internal/timeutil"
)

// OpenOptions configures container behaviour beyond the defaults.
type OpenOptions struct {
	// Follow enables append-only mode: ReadRange waits for frames that have
	// not been written yet, up to WaitTimeout per frame.
	Follow bool

	// WaitTimeout bounds each follow-mode wait. Zero means DefaultWaitTimeout.
	WaitTimeout time.Duration

	// Clock drives follow-mode waits; nil means the real clock.
	Clock timeutil.Clock

	// DecodeWorkers sets the decode parallelism of ReadRange. Zero means 1.
	// Raw byte fetches are always serialised; only decoding fans out.
	DecodeWorkers int
}

// DefaultWaitTimeout is the follow-mode wait applied when OpenOptions does
// not set one.
const DefaultWaitTimeout = 5 * time.Second

// followPollInterval is how often follow mode re-checks the file for newly
// appended records while waiting.
const followPollInterval = 25 * time.Millisecond

// Container is an open .flim file with a frame-offset index providing O(1)
// seeks to arbitrary ordinals. Safe for concurrent use: raw reads are
// serialised internally, decoding runs outside the lock.
type Container struct {
	mu    sync.Mutex // guards r seek+read and index swaps
	r     io.ReaderAt
	size  int64
	index []IndexEntry // copy-on-write: swapped whole, never mutated in place

	file   *os.File // non-nil when opened from a path; used by Refresh and Close
	hdr    *Header
	hdrLen int64
	opts   OpenOptions
	closed bool
}

// Open opens a .flim file by path. The header is parsed and validated once
// and the frame index is built: from the trailing index block when present
// and verified, otherwise by a forward scan.
func Open(path string, opts *OpenOptions) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flim: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flim: stat %s: %w", path, err)
	}
	c, err := newContainer(f, st.Size(), opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	c.file = f
	return c, nil
}

// NewReader opens a container over an arbitrary byte stream. The stream is
// treated as immutable: Refresh is a no-op and Close does not close the
// underlying reader.
func NewReader(r io.ReaderAt, size int64, opts *OpenOptions) (*Container, error) {
	return newContainer(r, size, opts)
}

func newContainer(r io.ReaderAt, size int64, opts *OpenOptions) (*Container, error) {
	hdr, hdrLen, err := decodeHeader(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, err
	}

	c := &Container{r: r, size: size, hdr: hdr, hdrLen: hdrLen}
	if opts != nil {
		c.opts = *opts
	}
	if c.opts.Clock == nil {
		c.opts.Clock = timeutil.RealClock{}
	}
	if c.opts.WaitTimeout <= 0 {
		c.opts.WaitTimeout = DefaultWaitTimeout
	}
	if c.opts.DecodeWorkers <= 0 {
		c.opts.DecodeWorkers = 1
	}

	if hdr.Flags&FlagTrailingIndex != 0 {
		entries, err := readTrailingIndex(r, size, hdr, hdrLen)
		if err == nil {
			c.index = entries
			return c, nil
		}
		monitoring.Logf("flim: trailing index rejected (%v); falling back to scan", err)
	}

	entries, err := scanIndex(r, size, hdr, hdrLen, 0)
	if err != nil {
		return nil, err
	}
	if err := checkMonotonic(entries); err != nil {
		return nil, err
	}
	if hdr.FrameCount >= 0 && int64(len(entries)) != hdr.FrameCount {
		monitoring.Logf("flim: header declares %d frames, index has %d", hdr.FrameCount, len(entries))
	}
	c.index = entries
	return c, nil
}

// Header returns a copy of the container header.
func (c *Container) Header() Header {
	return *c.hdr
}

// FrameCount returns the current index size. It may grow over the
// container's lifetime in append-only mode; it never shrinks.
func (c *Container) FrameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// snapshot returns the current index slice. The slice is never mutated in
// place, so holding a snapshot outside the lock is safe.
func (c *Container) snapshot() []IndexEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Index returns a copy of the current frame index.
func (c *Container) Index() []IndexEntry {
	snap := c.snapshot()
	out := make([]IndexEntry, len(snap))
	copy(out, snap)
	return out
}

// TimesSince returns each indexed frame's acquisition time as seconds
// elapsed since zero, in ordinal order. A zero value for zero uses the
// first frame's timestamp, so the series starts at 0.
func (c *Container) TimesSince(zero time.Time) []float64 {
	snap := c.snapshot()
	out := make([]float64, len(snap))
	if len(snap) == 0 {
		return out
	}
	if zero.IsZero() {
		zero = snap[0].Timestamp
	}
	for i, e := range snap {
		out[i] = e.Timestamp.Sub(zero).Seconds()
	}
	return out
}

// Refresh re-scans an append-only container for newly completed records and
// extends the index atomically. It returns the number of frames added.
// Containers opened via NewReader never grow.
func (c *Container) Refresh() (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, fmt.Errorf("flim: container closed")
	}
	f := c.file
	old := c.index
	c.mu.Unlock()

	if f == nil {
		return 0, nil
	}
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("flim: refresh stat: %w", err)
	}
	from := c.hdrLen
	if n := len(old); n > 0 {
		from = old[n-1].Offset + old[n-1].Length
	}
	if st.Size() <= from {
		return 0, nil
	}
	added, err := scanIndex(c.r, st.Size(), c.hdr, from, len(old))
	if err != nil {
		return 0, err
	}
	if len(added) == 0 {
		return 0, nil
	}

	// Atomic all-or-nothing extension: build a fresh slice and swap.
	next := make([]IndexEntry, 0, len(old)+len(added))
	next = append(next, old...)
	next = append(next, added...)
	if err := checkMonotonic(next); err != nil {
		return 0, err
	}

	c.mu.Lock()
	// Another Refresh may have raced; keep the longer index.
	if len(next) > len(c.index) {
		c.index = next
		c.size = st.Size()
	}
	n := len(c.index) - len(old)
	c.mu.Unlock()
	return n, nil
}

// ReadFrame reads and decodes the frame at the given ordinal. Ordinals at or
// beyond the current frame count fail with ErrOutOfRange; undecodable
// records fail with ErrCorruptFrame. The raw byte fetch is serialised; the
// decode runs concurrently with other readers.
func (c *Container) ReadFrame(ctx context.Context, ordinal int) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap := c.snapshot()
	if ordinal < 0 || ordinal >= len(snap) {
		return nil, fmt.Errorf("%w: ordinal %d, frame count %d", ErrOutOfRange, ordinal, len(snap))
	}
	raw, err := c.readRaw(snap[ordinal])
	if err != nil {
		return nil, err
	}
	f, err := DecodeFrame(raw, c.hdr)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", ordinal, err)
	}
	f.Ordinal = ordinal
	return f, nil
}

// readRaw fetches one record's bytes under the read lock. The lock covers
// only the seek+read; decoding happens outside.
func (c *Container) readRaw(e IndexEntry) ([]byte, error) {
	buf := make([]byte, e.Length)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("flim: container closed")
	}
	if _, err := c.r.ReadAt(buf, e.Offset); err != nil {
		return nil, fmt.Errorf("%w: read ordinal %d at offset %d: %v", ErrCorruptFrame, e.Ordinal, e.Offset, err)
	}
	return buf, nil
}

// ReadRange returns a lazy, restartable sequence of count frames starting at
// start; a negative count runs through the end of the container. For a
// closed (non-growing) container re-invoking the sequence
// yields the same frames. In follow mode the sequence waits up to the
// configured timeout for frames not yet appended; on timeout, or when the
// range is exhausted, Next returns ErrStreamEnded.
func (c *Container) ReadRange(start, count int) *FrameSeq {
	return &FrameSeq{c: c, start: start, count: count}
}

// Close releases the underlying file handle. It is safe on every exit path;
// in-flight raw reads complete before the handle is closed.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.file != nil {
		return c.file.Close()
	}
	return nil
}
