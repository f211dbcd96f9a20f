package flim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lumenlab/flimgo/internal/timeutil"
)

// writeContainer writes a synthetic container and returns its path.
func writeContainer(t *testing.T, hdr Header, frames []*Frame, withIndex bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.flim")
	w, err := Create(path, hdr, withIndex)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for i, f := range frames {
		if err := w.Append(f); err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return path
}

func makeFrames(hdr Header, n int) []*Frame {
	frames := make([]*Frame, n)
	base := time.Unix(1700000000, 0).UTC()
	for i := range frames {
		f := &Frame{
			Width:     hdr.Width,
			Height:    hdr.Height,
			Channels:  hdr.Channels,
			Pix:       make([]uint16, hdr.Width*hdr.Height*hdr.Channels),
			Timestamp: base.Add(time.Duration(i) * 50 * time.Millisecond),
		}
		for j := range f.Pix {
			f.Pix[j] = uint16((i*7 + j) % 1024)
		}
		frames[i] = f
	}
	return frames
}

func TestOpenReadFrameBounds(t *testing.T) {
	// The canonical scenario: 128x128, 1 channel, 16-bit, 10 frames.
	hdr := Header{Width: 128, Height: 128, Channels: 1, BitDepth: 16}
	path := writeContainer(t, hdr, makeFrames(hdr, 10), true)

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	if got := c.FrameCount(); got != 10 {
		t.Fatalf("FrameCount() = %d, want 10", got)
	}
	if _, err := c.ReadFrame(context.Background(), 9); err != nil {
		t.Errorf("ReadFrame(9) error = %v", err)
	}
	if _, err := c.ReadFrame(context.Background(), 10); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ReadFrame(10) error = %v, want ErrOutOfRange", err)
	}
	if _, err := c.ReadFrame(context.Background(), -1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("ReadFrame(-1) error = %v, want ErrOutOfRange", err)
	}
}

func TestRandomAccessMatchesSequential(t *testing.T) {
	hdr := Header{Width: 16, Height: 12, Channels: 2, BitDepth: 16}
	path := writeContainer(t, hdr, makeFrames(hdr, 7), false)

	c, err := Open(path, &OpenOptions{DecodeWorkers: 4})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	for k := 0; k < c.FrameCount(); k++ {
		direct, err := c.ReadFrame(context.Background(), k)
		if err != nil {
			t.Fatalf("ReadFrame(%d) error = %v", k, err)
		}
		seq, err := c.ReadRange(0, k+1).Collect(context.Background())
		if err != nil {
			t.Fatalf("Collect(0..%d) error = %v", k, err)
		}
		if len(seq) != k+1 {
			t.Fatalf("Collect returned %d frames, want %d", len(seq), k+1)
		}
		if diff := cmp.Diff(direct, seq[k]); diff != "" {
			t.Errorf("ReadFrame(%d) differs from sequential read:\n%s", k, diff)
		}
	}
}

func TestReadRangeRestartable(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 8}
	frames := makeFrames(hdr, 5)
	for _, f := range frames {
		for j := range f.Pix {
			f.Pix[j] %= 256
		}
	}
	path := writeContainer(t, hdr, frames, true)

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	seq := c.ReadRange(1, 3)
	first, err := seq.Collect(context.Background())
	if err != nil {
		t.Fatalf("first Collect() error = %v", err)
	}
	seq.Reset()
	second, err := seq.Collect(context.Background())
	if err != nil {
		t.Fatalf("second Collect() error = %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("restarted sequence differs:\n%s", diff)
	}
	if len(first) != 3 || first[0].Ordinal != 1 || first[2].Ordinal != 3 {
		t.Errorf("unexpected range contents: %d frames, ordinals %d..%d",
			len(first), first[0].Ordinal, first[len(first)-1].Ordinal)
	}
}

func TestReadRangeTruncatesWithStreamEnded(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := writeContainer(t, hdr, makeFrames(hdr, 3), true)

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	seq := c.ReadRange(0, 10)
	got, err := seq.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Collect() returned %d frames, want 3", len(got))
	}
	if _, err := seq.Next(context.Background()); !errors.Is(err, ErrStreamEnded) {
		t.Errorf("Next() after end = %v, want ErrStreamEnded", err)
	}
}

func TestOpenTruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.flim")
	if err := os.WriteFile(path, []byte("FLIM\x01\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, nil); !errors.Is(err, ErrTruncatedHeader) {
		t.Errorf("Open() error = %v, want ErrTruncatedHeader", err)
	}
}

func TestOpenBadMagic(t *testing.T) {
	hdr := Header{Width: 4, Height: 4, Channels: 1, BitDepth: 16}
	path := writeContainer(t, hdr, makeFrames(hdr, 1), false)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 'X'
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, nil); !errors.Is(err, ErrTruncatedHeader) {
		t.Errorf("Open() error = %v, want ErrTruncatedHeader", err)
	}
}

func TestOpenUnsupportedVersion(t *testing.T) {
	hdr := Header{Width: 4, Height: 4, Channels: 1, BitDepth: 16}
	path := writeContainer(t, hdr, makeFrames(hdr, 1), false)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[4] = 99 // version field
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, nil); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Open() error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestCorruptTrailingIndexFallsBackToScan(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := writeContainer(t, hdr, makeFrames(hdr, 4), true)

	// Flip a byte inside the index block (last 12 bytes hold crc+tailLen;
	// target an entry field instead).
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-10] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() with corrupt index error = %v, want scan fallback", err)
	}
	defer c.Close()
	if got := c.FrameCount(); got != 4 {
		t.Errorf("FrameCount() = %d, want 4", got)
	}
	if _, err := c.ReadFrame(context.Background(), 3); err != nil {
		t.Errorf("ReadFrame(3) error = %v", err)
	}
}

func TestIndexMatchesScan(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	frames := makeFrames(hdr, 6)
	withIdx := writeContainer(t, hdr, frames, true)
	noIdx := writeContainer(t, hdr, frames, false)

	a, err := Open(withIdx, nil)
	if err != nil {
		t.Fatalf("Open(with index) error = %v", err)
	}
	defer a.Close()
	b, err := Open(noIdx, nil)
	if err != nil {
		t.Fatalf("Open(no index) error = %v", err)
	}
	defer b.Close()

	if diff := cmp.Diff(a.Index(), b.Index()); diff != "" {
		t.Errorf("trailing index differs from forward scan:\n%s", diff)
	}
}

func TestIndexOffsetsMonotonic(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := writeContainer(t, hdr, makeFrames(hdr, 12), true)

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	idx := c.Index()
	if len(idx) != 12 {
		t.Fatalf("index length = %d, want 12", len(idx))
	}
	for i := 1; i < len(idx); i++ {
		if idx[i].Offset <= idx[i-1].Offset {
			t.Errorf("offset[%d]=%d not greater than offset[%d]=%d",
				i, idx[i].Offset, i-1, idx[i-1].Offset)
		}
	}
}

func TestConcurrentReads(t *testing.T) {
	hdr := Header{Width: 32, Height: 32, Channels: 1, BitDepth: 16}
	frames := makeFrames(hdr, 8)
	path := writeContainer(t, hdr, frames, true)

	c, err := Open(path, &OpenOptions{DecodeWorkers: 4})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	errs := make(chan error, 32)
	for g := 0; g < 4; g++ {
		go func() {
			for k := 0; k < 8; k++ {
				f, err := c.ReadFrame(context.Background(), k)
				if err != nil {
					errs <- err
					continue
				}
				if f.Pix[0] != frames[k].Pix[0] || f.Ordinal != k {
					errs <- errors.New("cross-ordinal corruption")
					continue
				}
				errs <- nil
			}
		}()
	}
	for i := 0; i < 32; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent read: %v", err)
		}
	}
}

func TestFollowModeSeesAppendedFrames(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := filepath.Join(t.TempDir(), "grow.flim")

	w, err := Create(path, hdr, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	frames := makeFrames(hdr, 4)
	for _, f := range frames[:2] {
		if err := w.Append(f); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	c, err := Open(path, &OpenOptions{Follow: true, WaitTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()
	if got := c.FrameCount(); got != 2 {
		t.Fatalf("FrameCount() = %d, want 2", got)
	}

	// Append the rest while a reader waits for ordinal 2.
	go func() {
		time.Sleep(50 * time.Millisecond)
		for _, f := range frames[2:] {
			w.Append(f)
		}
		w.Sync()
	}()

	seq := c.ReadRange(0, 4)
	got, err := seq.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Collect() returned %d frames, want 4", len(got))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("writer Close() error = %v", err)
	}
}

func TestFollowModeTimeout(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := filepath.Join(t.TempDir(), "stall.flim")
	w, err := Create(path, hdr, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.Append(makeFrames(hdr, 1)[0]); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	defer w.Close()

	c, err := Open(path, &OpenOptions{Follow: true, WaitTimeout: 60 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	seq := c.ReadRange(0, 3)
	got, err := seq.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Collect() returned %d frames before timeout, want 1", len(got))
	}
}

// advancingClock moves mock time forward by each Sleep, so the follow-mode
// poll loop runs to its deadline without real waiting.
type advancingClock struct {
	*timeutil.MockClock
}

func (c advancingClock) Sleep(d time.Duration) {
	c.MockClock.Sleep(d)
	c.Advance(d)
}

func TestFollowModeTimeoutMockClock(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := filepath.Join(t.TempDir(), "stall.flim")
	w, err := Create(path, hdr, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.Append(makeFrames(hdr, 1)[0]); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	defer w.Close()

	clock := advancingClock{timeutil.NewMockClock(time.Unix(1000, 0))}
	c, err := Open(path, &OpenOptions{Follow: true, WaitTimeout: 500 * time.Millisecond, Clock: clock})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	got, err := c.ReadRange(0, 3).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Collect() returned %d frames before timeout, want 1", len(got))
	}
	if len(clock.Sleeps()) == 0 {
		t.Error("follow wait never polled the clock")
	}
}

func TestReadRangeCancellation(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := writeContainer(t, hdr, makeFrames(hdr, 5), true)

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	seq := c.ReadRange(0, 5)
	if _, err := seq.Next(ctx); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	cancel()
	if _, err := seq.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next() after cancel = %v, want context.Canceled", err)
	}

	// A fresh context resumes from where the sequence stopped.
	rest, err := seq.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() after resume error = %v", err)
	}
	if len(rest) != 4 {
		t.Errorf("resumed Collect() returned %d frames, want 4", len(rest))
	}
}

func TestCorruptFrameDoesNotAbortRange(t *testing.T) {
	hdr := Header{
		Width: 8, Height: 8, Channels: 1, BitDepth: 16,
		MetaSchema: map[string]FieldType{"stage": FieldString},
	}
	frames := makeFrames(hdr, 3)
	for _, f := range frames {
		f.Meta = map[string]any{"stage": "pos-1"}
	}
	path := writeContainer(t, hdr, frames, true)

	// Corrupt the middle record's metadata bytes. Record framing stays
	// intact, so the trailing index still verifies; only the decode of
	// ordinal 1 fails.
	c0, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	idx := c0.Index()
	c0.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, idx[1].Offset+recHeaderSize); err != nil {
		t.Fatal(err)
	}
	f.Close()

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer c.Close()
	if c.FrameCount() != 3 {
		t.Fatalf("FrameCount() = %d, want 3", c.FrameCount())
	}

	seq := c.ReadRange(0, 3)
	var good, bad int
	for {
		fr, err := seq.Next(context.Background())
		if errors.Is(err, ErrStreamEnded) {
			break
		}
		if errors.Is(err, ErrCorruptFrame) {
			var fe *FrameError
			if !errors.As(err, &fe) || fe.Ordinal != 1 {
				t.Errorf("corrupt frame error = %v, want FrameError for ordinal 1", err)
			}
			bad++
			continue
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if fr != nil {
			good++
		}
	}
	if good != 2 || bad != 1 {
		t.Errorf("good=%d bad=%d, want 2 good and 1 corrupt", good, bad)
	}
}

func TestNewReaderFromBytes(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := writeContainer(t, hdr, makeFrames(hdr, 2), true)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	c, err := NewReader(bytesReaderAt(data), int64(len(data)), nil)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer c.Close()
	if got := c.FrameCount(); got != 2 {
		t.Errorf("FrameCount() = %d, want 2", got)
	}
	if _, err := c.ReadFrame(context.Background(), 1); err != nil {
		t.Errorf("ReadFrame(1) error = %v", err)
	}
}

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, errors.New("offset beyond end")
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, errors.New("short read")
	}
	return n, nil
}

func TestTimesSince(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := writeContainer(t, hdr, makeFrames(hdr, 4), true)

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	// Fixture frames are 50ms apart; a zero zero time anchors at frame 0.
	got := c.TimesSince(time.Time{})
	want := []float64{0, 0.05, 0.1, 0.15}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TimesSince() mismatch (-want +got):\n%s", diff)
	}

	base := time.Unix(1700000000, 0).UTC()
	shifted := c.TimesSince(base.Add(-time.Second))
	if shifted[0] != 1 {
		t.Errorf("TimesSince(base-1s)[0] = %v, want 1", shifted[0])
	}
}
