package flim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// CBOR modes are built once. Encoding is canonical so that identical frames
// serialise to identical bytes (ROI and round-trip reproducibility depend on
// this). Decoding converts unsigned integers to int64 so metadata integers
// always surface as int64.
var (
	cborOnce sync.Once
	cborEnc  cbor.EncMode
	cborDec  cbor.DecMode
	cborErr  error
)

func initCBOR() {
	cborOnce.Do(func() {
		cborEnc, cborErr = cbor.CanonicalEncOptions().EncMode()
		if cborErr != nil {
			return
		}
		cborDec, cborErr = cbor.DecOptions{IntDec: cbor.IntDecConvertSigned}.DecMode()
	})
}

func encMode() (cbor.EncMode, error) {
	initCBOR()
	return cborEnc, cborErr
}

func decMode() (cbor.DecMode, error) {
	initCBOR()
	return cborDec, cborErr
}

// DecodeFrame decodes one raw frame record against the header. The record
// must be exact: a short or oversized payload is ErrCorruptFrame, never a
// truncated Frame. The returned Frame has Ordinal unset (the container fills
// it in).
func DecodeFrame(raw []byte, hdr *Header) (*Frame, error) {
	if len(raw) < recHeaderSize {
		return nil, fmt.Errorf("%w: record shorter than header (%d bytes)", ErrCorruptFrame, len(raw))
	}
	if binary.LittleEndian.Uint16(raw[0:2]) != recordMagic {
		return nil, fmt.Errorf("%w: bad record magic", ErrCorruptFrame)
	}
	metaLen := binary.LittleEndian.Uint32(raw[2:6])
	if metaLen > maxMetaLen {
		return nil, fmt.Errorf("%w: metadata length %d exceeds limit", ErrCorruptFrame, metaLen)
	}
	tsNanos := int64(binary.LittleEndian.Uint64(raw[6:14]))

	want := recHeaderSize + int(metaLen) + hdr.FrameBytes()
	if len(raw) != want {
		return nil, fmt.Errorf("%w: record length %d, want %d", ErrCorruptFrame, len(raw), want)
	}

	f := &Frame{
		Width:    hdr.Width,
		Height:   hdr.Height,
		Channels: hdr.Channels,
	}
	if tsNanos != 0 {
		f.Timestamp = time.Unix(0, tsNanos).UTC()
	}

	if metaLen > 0 {
		dm, err := decMode()
		if err != nil {
			return nil, err
		}
		var meta map[string]any
		if err := dm.Unmarshal(raw[recHeaderSize:recHeaderSize+int(metaLen)], &meta); err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptFrame, err)
		}
		if err := validateMeta(meta, hdr.MetaSchema); err != nil {
			return nil, err
		}
		f.Meta = meta
	}

	pix := raw[recHeaderSize+int(metaLen):]
	n := hdr.Width * hdr.Height * hdr.Channels
	f.Pix = make([]uint16, n)
	switch hdr.BitDepth {
	case 8:
		for i := 0; i < n; i++ {
			f.Pix[i] = uint16(pix[i])
		}
	case 16:
		for i := 0; i < n; i++ {
			f.Pix[i] = binary.LittleEndian.Uint16(pix[2*i : 2*i+2])
		}
	default:
		return nil, fmt.Errorf("%w: bit depth %d", ErrCorruptFrame, hdr.BitDepth)
	}
	return f, nil
}

// EncodeFrame is the exact inverse of DecodeFrame for any frame whose pixel
// buffer matches the header geometry.
func EncodeFrame(f *Frame, hdr *Header) ([]byte, error) {
	n := hdr.Width * hdr.Height * hdr.Channels
	if len(f.Pix) != n {
		return nil, fmt.Errorf("%w: pixel buffer length %d, header wants %d", ErrCorruptFrame, len(f.Pix), n)
	}
	if err := validateMeta(f.Meta, hdr.MetaSchema); err != nil {
		return nil, err
	}

	var meta []byte
	if len(f.Meta) > 0 {
		em, err := encMode()
		if err != nil {
			return nil, err
		}
		meta, err = em.Marshal(f.Meta)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptFrame, err)
		}
	}

	raw := make([]byte, recHeaderSize+len(meta)+hdr.FrameBytes())
	binary.LittleEndian.PutUint16(raw[0:2], recordMagic)
	binary.LittleEndian.PutUint32(raw[2:6], uint32(len(meta)))
	var tsNanos int64
	if !f.Timestamp.IsZero() {
		tsNanos = f.Timestamp.UnixNano()
	}
	binary.LittleEndian.PutUint64(raw[6:14], uint64(tsNanos))
	copy(raw[recHeaderSize:], meta)

	pix := raw[recHeaderSize+len(meta):]
	switch hdr.BitDepth {
	case 8:
		for i, v := range f.Pix {
			if v > 0xFF {
				return nil, fmt.Errorf("%w: pixel value %d exceeds 8-bit depth", ErrCorruptFrame, v)
			}
			pix[i] = byte(v)
		}
	case 16:
		for i, v := range f.Pix {
			binary.LittleEndian.PutUint16(pix[2*i:2*i+2], v)
		}
	default:
		return nil, fmt.Errorf("%w: bit depth %d", ErrCorruptFrame, hdr.BitDepth)
	}
	return raw, nil
}

// validateMeta checks that every metadata field present is declared in the
// schema with the matching Go type. Declared fields may be absent.
func validateMeta(meta map[string]any, schema map[string]FieldType) error {
	for k, v := range meta {
		ft, ok := schema[k]
		if !ok {
			return fmt.Errorf("%w: undeclared metadata field %q", ErrCorruptFrame, k)
		}
		switch ft {
		case FieldString:
			if _, ok := v.(string); !ok {
				return fmt.Errorf("%w: field %q: want string, got %T", ErrCorruptFrame, k, v)
			}
		case FieldInt:
			if _, ok := v.(int64); !ok {
				return fmt.Errorf("%w: field %q: want int, got %T", ErrCorruptFrame, k, v)
			}
		case FieldFloat:
			if _, ok := v.(float64); !ok {
				return fmt.Errorf("%w: field %q: want float, got %T", ErrCorruptFrame, k, v)
			}
		default:
			return fmt.Errorf("%w: field %q: unknown schema type %q", ErrCorruptFrame, k, ft)
		}
	}
	return nil
}
