package flim

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Writer creates .flim containers: header first, then appended frame
// records, then (optionally) a trailing index block on Close. Close also
// patches the header frame count when the header declared it unknown.
type Writer struct {
	f       *os.File
	hdr     *Header
	path    string
	entries []IndexEntry
	off     int64
	closed  bool
}

// Create creates a new container at path. The header's Width, Height,
// Channels, BitDepth and MetaSchema must be set; FrameCount may be left as
// FrameCountUnknown. When withIndex is true a trailing index block is
// written on Close and FlagTrailingIndex is set in the header.
func Create(path string, hdr Header, withIndex bool) (*Writer, error) {
	hdr.Version = formatV1
	if withIndex {
		hdr.Flags |= FlagTrailingIndex
	} else {
		hdr.Flags &^= FlagTrailingIndex
	}
	if hdr.FrameCount == 0 {
		hdr.FrameCount = FrameCountUnknown
	}
	raw, err := encodeHeader(&hdr)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("flim: create %s: %w", path, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("flim: write header: %w", err)
	}
	return &Writer{f: f, hdr: &hdr, path: path, off: int64(len(raw))}, nil
}

// OpenAppend reopens an existing container and resumes appending where the
// last complete record ends. The header is re-validated, the entry table is
// rebuilt by forward scan, and any trailing index block is dropped so a
// fresh one can be written on Close. While the file is growing its header
// frame count is reset to FrameCountUnknown; Close patches the final count
// back in.
func OpenAppend(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("flim: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flim: stat %s: %w", path, err)
	}
	hdr, hdrLen, err := decodeHeader(io.NewSectionReader(f, 0, st.Size()))
	if err != nil {
		f.Close()
		return nil, err
	}
	entries, err := scanIndex(f, st.Size(), hdr, hdrLen, 0)
	if err != nil {
		f.Close()
		return nil, err
	}
	end := hdrLen
	if n := len(entries); n > 0 {
		end = entries[n-1].Offset + entries[n-1].Length
	}
	if err := f.Truncate(end); err != nil {
		f.Close()
		return nil, fmt.Errorf("flim: drop index block: %w", err)
	}
	var buf [8]byte
	count := FrameCountUnknown
	binary.LittleEndian.PutUint64(buf[:], uint64(count))
	if _, err := f.WriteAt(buf[:], 20); err != nil {
		f.Close()
		return nil, fmt.Errorf("flim: reset frame count: %w", err)
	}
	hdr.FrameCount = FrameCountUnknown
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("flim: seek to tail: %w", err)
	}
	return &Writer{f: f, hdr: hdr, path: path, entries: entries, off: end}, nil
}

// Path returns the path the writer was created with.
func (w *Writer) Path() string { return w.path }

// Header returns a copy of the header being written.
func (w *Writer) Header() Header { return *w.hdr }

// FrameCount returns the number of frames appended so far.
func (w *Writer) FrameCount() int { return len(w.entries) }

// Append encodes and writes one frame record. Records are appended in
// ordinal order; the offset index grows monotonically with each append.
func (w *Writer) Append(f *Frame) error {
	if w.closed {
		return fmt.Errorf("flim: writer closed")
	}
	raw, err := EncodeFrame(f, w.hdr)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(raw); err != nil {
		return fmt.Errorf("flim: write frame %d: %w", len(w.entries), err)
	}
	entry := IndexEntry{
		Ordinal:   len(w.entries),
		Offset:    w.off,
		Length:    int64(len(raw)),
		Timestamp: f.Timestamp,
	}
	w.entries = append(w.entries, entry)
	w.off += entry.Length
	return nil
}

// Sync flushes appended records to stable storage. Useful for append-only
// producers whose readers follow the file.
func (w *Writer) Sync() error {
	if w.closed {
		return fmt.Errorf("flim: writer closed")
	}
	return w.f.Sync()
}

// Close finalises the container: writes the trailing index block when
// enabled, patches the header frame count, and closes the file. The file
// handle is released even when finalisation fails.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if w.hdr.Flags&FlagTrailingIndex != 0 {
		if _, err := w.f.Write(encodeTrailingIndex(w.entries)); err != nil {
			firstErr = fmt.Errorf("flim: write index block: %w", err)
		}
	}
	if firstErr == nil {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(len(w.entries)))
		if _, err := w.f.WriteAt(buf[:], 20); err != nil {
			firstErr = fmt.Errorf("flim: patch frame count: %w", err)
		}
	}
	if err := w.f.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flim: close: %w", err)
	}
	return firstErr
}
