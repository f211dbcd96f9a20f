package flim

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriterPatchesFrameCount(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := filepath.Join(t.TempDir(), "patched.flim")

	w, err := Create(path, hdr, true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := w.Header().FrameCount; got != FrameCountUnknown {
		t.Errorf("header FrameCount at create = %d, want %d", got, FrameCountUnknown)
	}
	for _, f := range makeFrames(hdr, 3) {
		if err := w.Append(f); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if got := w.FrameCount(); got != 3 {
		t.Errorf("FrameCount() = %d, want 3", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()
	if got := c.Header().FrameCount; got != 3 {
		t.Errorf("header FrameCount after close = %d, want 3", got)
	}
}

func TestOpenAppendExtendsContainer(t *testing.T) {
	hdr := Header{Width: 8, Height: 8, Channels: 1, BitDepth: 16}
	path := filepath.Join(t.TempDir(), "grow.flim")
	frames := makeFrames(hdr, 4)

	w, err := Create(path, hdr, true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, f := range frames[:2] {
		if err := w.Append(f); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w, err = OpenAppend(path)
	if err != nil {
		t.Fatalf("OpenAppend() error = %v", err)
	}
	if got := w.FrameCount(); got != 2 {
		t.Fatalf("FrameCount() after reopen = %d, want 2", got)
	}
	if got := w.Header().FrameCount; got != FrameCountUnknown {
		t.Errorf("header FrameCount while growing = %d, want %d", got, FrameCountUnknown)
	}
	for _, f := range frames[2:] {
		if err := w.Append(f); err != nil {
			t.Fatalf("Append() after reopen error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() after reopen error = %v", err)
	}

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()
	if got := c.FrameCount(); got != 4 {
		t.Fatalf("FrameCount() = %d, want 4", got)
	}
	if got := c.Header().FrameCount; got != 4 {
		t.Errorf("header FrameCount after final close = %d, want 4", got)
	}
	if err := checkMonotonic(c.Index()); err != nil {
		t.Errorf("index after append: %v", err)
	}
	f, err := c.ReadFrame(context.Background(), 3)
	if err != nil {
		t.Fatalf("ReadFrame(3) error = %v", err)
	}
	if diff := cmp.Diff(frames[3].Pix, f.Pix); diff != "" {
		t.Errorf("appended frame pixels mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenAppendWithoutIndex(t *testing.T) {
	hdr := Header{Width: 4, Height: 4, Channels: 1, BitDepth: 16}
	path := filepath.Join(t.TempDir(), "noindex.flim")
	w, err := Create(path, hdr, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.Append(makeFrames(hdr, 1)[0]); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	w, err = OpenAppend(path)
	if err != nil {
		t.Fatalf("OpenAppend() error = %v", err)
	}
	if err := w.Append(makeFrames(hdr, 2)[1]); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()
	if got := c.FrameCount(); got != 2 {
		t.Errorf("FrameCount() = %d, want 2", got)
	}
}

func TestOpenAppendRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.flim")
	if err := os.WriteFile(path, []byte("not a container at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenAppend(path); err == nil {
		t.Error("OpenAppend() accepted a non-container file")
	}
	if _, err := OpenAppend(filepath.Join(t.TempDir(), "missing.flim")); err == nil {
		t.Error("OpenAppend() accepted a missing file")
	}
}

func TestCreateRejectsBadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.flim")
	cases := []Header{
		{Width: 0, Height: 8, Channels: 1, BitDepth: 16},
		{Width: 8, Height: 8, Channels: 0, BitDepth: 16},
		{Width: 8, Height: 8, Channels: 1, BitDepth: 12},
		{Width: 8, Height: 8, Channels: 1, BitDepth: 16,
			MetaSchema: map[string]FieldType{"x": FieldType("bytes")}},
	}
	for i, hdr := range cases {
		if _, err := Create(path, hdr, false); err == nil {
			t.Errorf("case %d: Create() accepted invalid header", i)
		}
	}
}

func TestWriterAppendAfterClose(t *testing.T) {
	hdr := Header{Width: 4, Height: 4, Channels: 1, BitDepth: 16}
	path := filepath.Join(t.TempDir(), "closed.flim")
	w, err := Create(path, hdr, false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Append(makeFrames(hdr, 1)[0]); err == nil {
		t.Error("Append() after Close() succeeded")
	}
	// Double close is a no-op.
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestHeaderString(t *testing.T) {
	hdr := Header{Version: 1, Width: 128, Height: 128, Channels: 2, BitDepth: 16, FrameCount: 10}
	s := hdr.String()
	if s == "" {
		t.Fatal("String() returned empty")
	}
	unknown := Header{Version: 1, Width: 4, Height: 4, Channels: 1, BitDepth: 8, FrameCount: FrameCountUnknown}
	if unknown.String() == s {
		t.Error("distinct headers produced identical summaries")
	}
}
