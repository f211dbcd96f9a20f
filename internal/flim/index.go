package flim

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/lumenlab/flimgo/internal/monitoring"
)

// IndexEntry locates one frame record. Entries are built once at open (or
// appended for growing containers) and never rewritten.
type IndexEntry struct {
	Ordinal   int
	Offset    int64
	Length    int64
	Timestamp time.Time
}

// scanIndex builds index entries by walking frame records forward from
// offset. It stops at the first incomplete record (an append in progress or
// a truncated file) and at the trailing index block if one starts there.
func scanIndex(r io.ReaderAt, size int64, hdr *Header, offset int64, firstOrdinal int) ([]IndexEntry, error) {
	var entries []IndexEntry
	ordinal := firstOrdinal
	pixBytes := int64(hdr.FrameBytes())

	var rec [recHeaderSize]byte
	for offset < size {
		if size-offset < recHeaderSize {
			break
		}
		if _, err := r.ReadAt(rec[:], offset); err != nil {
			return nil, fmt.Errorf("flim: index scan at offset %d: %w", offset, err)
		}
		if binary.LittleEndian.Uint16(rec[0:2]) != recordMagic {
			// Either the trailing index block or garbage; stop the scan here.
			if string(rec[0:4]) != indexMagic {
				monitoring.Logf("flim: scan stopped at offset %d: no record magic", offset)
			}
			break
		}
		metaLen := binary.LittleEndian.Uint32(rec[2:6])
		if metaLen > maxMetaLen {
			return nil, fmt.Errorf("%w: metadata length %d at offset %d", ErrCorruptFrame, metaLen, offset)
		}
		length := int64(recHeaderSize) + int64(metaLen) + pixBytes
		if offset+length > size {
			// Partial record at the tail: not yet fully written.
			break
		}
		entry := IndexEntry{Ordinal: ordinal, Offset: offset, Length: length}
		if ts := int64(binary.LittleEndian.Uint64(rec[6:14])); ts != 0 {
			entry.Timestamp = time.Unix(0, ts).UTC()
		}
		entries = append(entries, entry)
		offset += length
		ordinal++
	}
	return entries, nil
}

// encodeTrailingIndex serialises the index block appended after the last
// record: magic, count, entries, CRC-32 over the entries, and the total
// block length so readers can locate the block from EOF.
func encodeTrailingIndex(entries []IndexEntry) []byte {
	body := make([]byte, len(entries)*indexEntrySize)
	for i, e := range entries {
		off := i * indexEntrySize
		binary.LittleEndian.PutUint64(body[off:off+8], uint64(e.Offset))
		binary.LittleEndian.PutUint32(body[off+8:off+12], uint32(e.Length))
		var ts int64
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.UnixNano()
		}
		binary.LittleEndian.PutUint64(body[off+12:off+20], uint64(ts))
	}

	block := make([]byte, 0, 8+len(body)+8)
	block = append(block, indexMagic...)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(entries)))
	block = append(block, u32[:]...)
	block = append(block, body...)
	binary.LittleEndian.PutUint32(u32[:], crc32.ChecksumIEEE(body))
	block = append(block, u32[:]...)
	binary.LittleEndian.PutUint32(u32[:], uint32(16+len(body)))
	block = append(block, u32[:]...)
	return block
}

// readTrailingIndex parses and verifies the trailing index block. The CRC
// must match and every entry is spot-verified against the file: the record
// at the entry's offset must carry the record magic and derive the same
// length. Any mismatch returns an error and the caller falls back to a
// forward scan.
func readTrailingIndex(r io.ReaderAt, size int64, hdr *Header, headerLen int64) ([]IndexEntry, error) {
	if size < headerLen+16 {
		return nil, fmt.Errorf("flim: file too small for an index block")
	}
	var u32 [4]byte
	if _, err := r.ReadAt(u32[:], size-4); err != nil {
		return nil, fmt.Errorf("flim: read index tail: %w", err)
	}
	tailLen := int64(binary.LittleEndian.Uint32(u32[:]))
	start := size - tailLen
	if tailLen < 16 || start < headerLen {
		return nil, fmt.Errorf("flim: implausible index block length %d", tailLen)
	}

	block := make([]byte, tailLen)
	if _, err := r.ReadAt(block, start); err != nil {
		return nil, fmt.Errorf("flim: read index block: %w", err)
	}
	if string(block[0:4]) != indexMagic {
		return nil, fmt.Errorf("flim: index block magic mismatch")
	}
	count := int(binary.LittleEndian.Uint32(block[4:8]))
	if int64(16+count*indexEntrySize) != tailLen {
		return nil, fmt.Errorf("flim: index count %d inconsistent with block length %d", count, tailLen)
	}
	body := block[8 : 8+count*indexEntrySize]
	wantCRC := binary.LittleEndian.Uint32(block[8+count*indexEntrySize:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, fmt.Errorf("flim: index checksum mismatch")
	}

	entries := make([]IndexEntry, count)
	pixBytes := int64(hdr.FrameBytes())
	var rec [recHeaderSize]byte
	prevEnd := headerLen
	for i := 0; i < count; i++ {
		off := i * indexEntrySize
		e := IndexEntry{
			Ordinal: i,
			Offset:  int64(binary.LittleEndian.Uint64(body[off : off+8])),
			Length:  int64(binary.LittleEndian.Uint32(body[off+8 : off+12])),
		}
		if ts := int64(binary.LittleEndian.Uint64(body[off+12 : off+20])); ts != 0 {
			e.Timestamp = time.Unix(0, ts).UTC()
		}
		if e.Offset < prevEnd || e.Offset+e.Length > start {
			return nil, fmt.Errorf("flim: index entry %d out of bounds", i)
		}
		// Spot-verify against the record actually on disk.
		if _, err := r.ReadAt(rec[:], e.Offset); err != nil {
			return nil, fmt.Errorf("flim: verify index entry %d: %w", i, err)
		}
		if binary.LittleEndian.Uint16(rec[0:2]) != recordMagic {
			return nil, fmt.Errorf("flim: index entry %d does not point at a record", i)
		}
		derived := int64(recHeaderSize) + int64(binary.LittleEndian.Uint32(rec[2:6])) + pixBytes
		if derived != e.Length {
			return nil, fmt.Errorf("flim: index entry %d length %d, record says %d", i, e.Length, derived)
		}
		entries[i] = e
		prevEnd = e.Offset + e.Length
	}
	return entries, nil
}

// checkMonotonic enforces the strictly-increasing offset invariant.
func checkMonotonic(entries []IndexEntry) error {
	for i := 1; i < len(entries); i++ {
		if entries[i].Offset <= entries[i-1].Offset {
			return fmt.Errorf("flim: index offsets not strictly increasing at ordinal %d", i)
		}
	}
	return nil
}
