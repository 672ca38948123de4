// Package blte decodes the block-table envelope ("BLTE") found at every
// archive offset an IDX entry points to: a discarded span header, a frame
// descriptor table, and the per-frame Raw/ZLib encoders.
package blte

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const SpanHeaderSize = 36

const blteSignature = 0x45544C42 // "BLTE" read little-endian

// Sentinel errors a caller can match with errors.Is to pick a casc.Kind
// without this package importing the root package (which would cycle).
var (
	ErrBadSignature = errors.New("blte: bad block table signature")
	ErrUnsupported  = errors.New("blte: unsupported frame encoding")
)

// EncoderType tags how one frame's bytes are encoded on disk.
type EncoderType byte

const (
	EncoderRaw       EncoderType = 'N'
	EncoderZLib      EncoderType = 'Z'
	EncoderEncrypted EncoderType = 'E'
)

func (e EncoderType) String() string {
	switch e {
	case EncoderRaw:
		return "raw"
	case EncoderZLib:
		return "zlib"
	case EncoderEncrypted:
		return "encrypted"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(e))
	}
}

// FrameDescriptor is one block-table entry: the encoded/content sizes
// declared for a single frame, plus the BLTE-internal hash fields (kept
// for completeness; not validated per spec §9).
type FrameDescriptor struct {
	EncodedSize int32
	ContentSize int32
	HashLower   uint64
	HashUpper   uint64
}

// Frame is a descriptor resolved to an absolute archive offset, with
// virtual (file-local) offsets accumulated across a span's frames.
type Frame struct {
	ArchiveOffset int64 // offset of the encoder-tag byte
	EncodedSize   int32
	VirtualStart  int64
	VirtualEnd    int64
}

// ReadSpan consumes the 36-byte span header (discarded) and the BLTE
// block-table header+entries at the archive reader's current position,
// and returns the frame list with archive offsets resolved. r must be
// positioned at the start of the span (the IDX entry's offset); on
// return it is positioned at the first frame's encoder-tag byte.
func ReadSpan(r io.ReadSeeker, virtualBase int64) ([]Frame, error) {
	var spanHeader [SpanHeaderSize]byte
	if _, err := io.ReadFull(r, spanHeader[:]); err != nil {
		return nil, fmt.Errorf("blte: reading span header: %w", err)
	}

	var bh [8]byte
	if _, err := io.ReadFull(r, bh[:]); err != nil {
		return nil, fmt.Errorf("blte: reading block table header: %w", err)
	}
	sig := binary.LittleEndian.Uint32(bh[0:4])
	if sig != blteSignature {
		return nil, fmt.Errorf("%w: got 0x%08X, want 0x%08X", ErrBadSignature, sig, blteSignature)
	}
	// header_size at bh[4:8] is not needed to locate the entry array:
	// the entries begin immediately after the format byte + frame count.

	var fc [4]byte
	if _, err := io.ReadFull(r, fc[:]); err != nil {
		return nil, fmt.Errorf("blte: reading table_format/frame_count: %w", err)
	}
	// fc[0] = table_format (unused further)
	frameCount := int(fc[1])<<16 | int(fc[2])<<8 | int(fc[3])

	entries := make([]FrameDescriptor, frameCount)
	var rec [24]byte
	for i := 0; i < frameCount; i++ {
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, fmt.Errorf("blte: reading frame descriptor %d: %w", i, err)
		}
		entries[i] = FrameDescriptor{
			EncodedSize: int32(binary.BigEndian.Uint32(rec[0:4])),
			ContentSize: int32(binary.BigEndian.Uint32(rec[4:8])),
			HashLower:   binary.BigEndian.Uint64(rec[8:16]),
			HashUpper:   binary.BigEndian.Uint64(rec[16:24]),
		}
	}

	cursor, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, frameCount)
	virt := virtualBase
	for i, e := range entries {
		frames[i] = Frame{
			ArchiveOffset: cursor,
			EncodedSize:   e.EncodedSize,
			VirtualStart:  virt,
			VirtualEnd:    virt + int64(e.ContentSize),
		}
		cursor += int64(e.EncodedSize)
		virt += int64(e.ContentSize)
	}

	return frames, nil
}

// DecodeFrame reads and decodes one frame's payload from r, which must be
// positioned at the frame's encoder-tag byte (Frame.ArchiveOffset). dst
// must be sized to exactly the frame's content size.
func DecodeFrame(r io.Reader, f Frame, dst []byte) error {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return fmt.Errorf("blte: reading encoder tag: %w", err)
	}

	switch EncoderType(tag[0]) {
	case EncoderRaw:
		if _, err := io.ReadFull(r, dst); err != nil {
			return fmt.Errorf("blte: reading raw frame payload: %w", err)
		}
		return nil

	case EncoderZLib:
		encodedPayload := int64(f.EncodedSize) - 1
		zr, err := zlib.NewReader(io.LimitReader(r, encodedPayload))
		if err != nil {
			return fmt.Errorf("blte: opening zlib frame: %w", err)
		}
		defer zr.Close()
		if _, err := io.ReadFull(zr, dst); err != nil {
			return fmt.Errorf("blte: inflating zlib frame: %w", err)
		}
		return nil

	case EncoderEncrypted:
		return fmt.Errorf("%w: encrypted frame", ErrUnsupported)

	default:
		return fmt.Errorf("%w: unknown encoder tag 0x%02X", ErrUnsupported, tag[0])
	}
}
