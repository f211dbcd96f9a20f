// Package flim implements the .flim container format: a versioned binary
// file of sequential fluorescence-microscopy frames with per-frame
// acquisition metadata, indexed for O(1) random access.
//
// Layout (all integers little-endian):
//
//	header:  magic "FLIM" | version u16 | flags u16 | width u32 | height u32 |
//	         channels u16 | bitDepth u16 | frameCount i64 | schemaLen u32 |
//	         schema (CBOR map: field name -> "str"|"int"|"float")
//	record:  recMagic u16 (0xF11F) | metaLen u32 | timestamp i64 (unix ns) |
//	         meta (CBOR map) | pixels (width*height*channels*bitDepth/8 bytes)
//	index:   "FIDX" | count u32 | count x {offset u64, length u32, ts i64} |
//	         crc32 u32 | tailLen u32   (optional, written on clean close)
package flim

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const (
	magic       = "FLIM"
	indexMagic  = "FIDX"
	formatV1    = uint16(1)
	recordMagic = uint16(0xF11F)

	// FlagTrailingIndex is set when the writer intends to append an index
	// block at the end of the file. Readers still verify the block before
	// trusting it and fall back to a forward scan.
	FlagTrailingIndex = uint16(1 << 0)

	headerFixedSize = 32
	recHeaderSize   = 2 + 4 + 8
	indexEntrySize  = 8 + 4 + 8

	// maxSchemaLen bounds the header schema blob so a corrupt length field
	// cannot trigger a huge allocation.
	maxSchemaLen = 1 << 20

	// maxMetaLen bounds a single record's metadata blob.
	maxMetaLen = 1 << 24
)

// FrameCountUnknown is the header frameCount sentinel for append-only
// streams whose final length is not known at write time.
const FrameCountUnknown int64 = -1

// FieldType describes the wire type of a per-frame metadata field.
type FieldType string

// Metadata field types supported by the v1 schema.
const (
	FieldString FieldType = "str"
	FieldInt    FieldType = "int"
	FieldFloat  FieldType = "float"
)

func (ft FieldType) valid() bool {
	switch ft {
	case FieldString, FieldInt, FieldFloat:
		return true
	}
	return false
}

// Header is the container's global header. Geometry fields are fixed for
// the container's lifetime.
type Header struct {
	Version  uint16
	Flags    uint16
	Width    int
	Height   int
	Channels int
	BitDepth int

	// FrameCount as declared by the header; FrameCountUnknown for
	// append-only streams. The authoritative count is the index length.
	FrameCount int64

	// MetaSchema declares the per-frame metadata fields and their types.
	// Records may omit declared fields but may not carry undeclared ones.
	MetaSchema map[string]FieldType
}

// Validate checks the geometry invariants: positive width, height, channels,
// and a supported bit depth.
func (h *Header) Validate() error {
	if h.Width <= 0 || h.Height <= 0 {
		return fmt.Errorf("flim: invalid geometry %dx%d", h.Width, h.Height)
	}
	if h.Channels <= 0 {
		return fmt.Errorf("flim: invalid channel count %d", h.Channels)
	}
	if h.BitDepth != 8 && h.BitDepth != 16 {
		return fmt.Errorf("flim: unsupported bit depth %d", h.BitDepth)
	}
	for name, ft := range h.MetaSchema {
		if !ft.valid() {
			return fmt.Errorf("flim: schema field %q has unknown type %q", name, ft)
		}
	}
	return nil
}

// FrameBytes returns the exact pixel payload size of one frame record.
func (h *Header) FrameBytes() int {
	return h.Width * h.Height * h.Channels * h.BitDepth / 8
}

// String summarises the header for logs and the CLI.
func (h *Header) String() string {
	count := "unknown"
	if h.FrameCount >= 0 {
		count = fmt.Sprintf("%d", h.FrameCount)
	}
	return fmt.Sprintf("flim v%d %dx%d ch=%d depth=%d frames=%s schema=%d fields",
		h.Version, h.Width, h.Height, h.Channels, h.BitDepth, count, len(h.MetaSchema))
}

// encodeHeader serialises the header, including the CBOR schema blob.
func encodeHeader(h *Header) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	em, err := encMode()
	if err != nil {
		return nil, err
	}
	schema, err := em.Marshal(h.MetaSchema)
	if err != nil {
		return nil, fmt.Errorf("flim: encode schema: %w", err)
	}
	buf := make([]byte, headerFixedSize, headerFixedSize+len(schema))
	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Width))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Height))
	binary.LittleEndian.PutUint16(buf[16:18], uint16(h.Channels))
	binary.LittleEndian.PutUint16(buf[18:20], uint16(h.BitDepth))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.FrameCount))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(schema)))
	return append(buf, schema...), nil
}

// decodeHeader reads and validates the global header, returning the parsed
// header and its total byte length (fixed part plus schema blob).
func decodeHeader(r io.Reader) (*Header, int64, error) {
	fixed := make([]byte, headerFixedSize)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
	}
	if string(fixed[0:4]) != magic {
		return nil, 0, fmt.Errorf("%w: bad magic %q", ErrTruncatedHeader, fixed[0:4])
	}
	version := binary.LittleEndian.Uint16(fixed[4:6])
	if version != formatV1 {
		return nil, 0, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}
	h := &Header{
		Version:    version,
		Flags:      binary.LittleEndian.Uint16(fixed[6:8]),
		Width:      int(binary.LittleEndian.Uint32(fixed[8:12])),
		Height:     int(binary.LittleEndian.Uint32(fixed[12:16])),
		Channels:   int(binary.LittleEndian.Uint16(fixed[16:18])),
		BitDepth:   int(binary.LittleEndian.Uint16(fixed[18:20])),
		FrameCount: int64(binary.LittleEndian.Uint64(fixed[20:28])),
	}
	schemaLen := binary.LittleEndian.Uint32(fixed[28:32])
	if schemaLen > maxSchemaLen {
		return nil, 0, fmt.Errorf("%w: schema length %d exceeds limit", ErrTruncatedHeader, schemaLen)
	}
	if schemaLen > 0 {
		blob := make([]byte, schemaLen)
		if _, err := io.ReadFull(r, blob); err != nil {
			return nil, 0, fmt.Errorf("%w: schema: %v", ErrTruncatedHeader, err)
		}
		if err := cbor.Unmarshal(blob, &h.MetaSchema); err != nil {
			return nil, 0, fmt.Errorf("%w: schema: %v", ErrTruncatedHeader, err)
		}
	}
	if err := h.Validate(); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTruncatedHeader, err)
	}
	return h, int64(headerFixedSize) + int64(schemaLen), nil
}
