// Package keytable parses CASC ".idx" key-mapping tables: fixed binary
// headers followed by an array of (encoding-key prefix, archive index,
// offset, size) records, merged across every bucket into one lookup.
package keytable

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cascfs/casc/internal/binreader"
)

// Entry is one resolved IDX record.
type Entry struct {
	ArchiveIndex uint32
	Offset       uint64
	Size         uint32
}

// Table is the merged encoding-key -> Entry map built from every .idx
// bucket in a storage. Keys are the standard base64 of the 9-byte IDX
// encoding key, matching the data model's canonical map key (§3).
type Table struct {
	entries map[string]Entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]Entry)}
}

func (t *Table) Lookup(encodingKey []byte) (Entry, bool) {
	e, ok := t.entries[base64.StdEncoding.EncodeToString(encodingKey)]
	return e, ok
}

// LookupBase64 looks up an entry by its already-base64-encoded key, used
// for the vfs-root lookup where the key is derived from a hex value
// rather than held as raw bytes (§4.H step 6).
func (t *Table) LookupBase64(key string) (Entry, bool) {
	e, ok := t.entries[key]
	return e, ok
}

func (t *Table) Len() int { return len(t.entries) }

// ParseIdx decodes one .idx file's header and entry array into t, merging
// entries into the shared map. Later insertions (including across
// multiple calls against the same Table) overwrite earlier ones.
func ParseIdx(r io.ReadSeeker, t *Table) error {
	br := binreader.New(r)

	var hdr [8]byte
	if err := br.ReadFull(hdr[:]); err != nil {
		return fmt.Errorf("idx: reading header_size/header_hash: %w", err)
	}
	headerSize := binary.LittleEndian.Uint32(hdr[0:4])
	_ = headerSize // header_hash not validated, per spec

	var fields [16]byte
	if err := br.ReadFull(fields[:]); err != nil {
		return fmt.Errorf("idx: reading fixed header fields: %w", err)
	}
	// version:u16, bucket_index:u8, extra:u8,
	// encoded_size_len:u8, storage_offset_len:u8, encoding_key_len:u8, file_offset_bits:u8,
	// file_size:u64
	encodedSizeLen := fields[4]
	storageOffsetLen := fields[5]
	encodingKeyLen := fields[6]
	fileOffsetBits := fields[7]

	if encodedSizeLen != 4 || storageOffsetLen != 5 || encodingKeyLen != 9 {
		return fmt.Errorf("idx: unexpected field widths (%d,%d,%d), want (4,5,9)",
			encodedSizeLen, storageOffsetLen, encodingKeyLen)
	}

	pos, err := br.Pos()
	if err != nil {
		return err
	}
	// Round up by 0x17 then truncate to a 16-byte boundary, with a 64-bit
	// mask (not the buggy 32-bit-truncating one the original table layout
	// was computed with).
	aligned := (pos + 0x17) & ^int64(0x0F)
	if _, err := br.Seek(aligned, io.SeekStart); err != nil {
		return err
	}

	var sizehash [8]byte
	if err := br.ReadFull(sizehash[:]); err != nil {
		return fmt.Errorf("idx: reading table_size/table_hash: %w", err)
	}
	tableSize := binary.LittleEndian.Uint32(sizehash[0:4])

	const recordWidth = 18 // encoding_key_len(9) + storage_offset_len(5) + encoded_size_len(4)
	n := int(tableSize) / recordWidth
	buf, err := br.ReadArray(n, recordWidth)
	if err != nil {
		return fmt.Errorf("idx: reading %d entry records: %w", n, err)
	}

	mask := (uint64(1) << fileOffsetBits) - 1
	for i := 0; i < n; i++ {
		rec := buf[i*recordWidth : (i+1)*recordWidth]
		encKey := rec[0:9]

		var p uint64
		for _, b := range rec[9:14] {
			p = p<<8 | uint64(b)
		}

		var size uint32
		for i := 3; i >= 0; i-- {
			size = size<<8 | uint32(rec[14+i])
		}

		entry := Entry{
			ArchiveIndex: uint32(p >> fileOffsetBits),
			Offset:       p & mask,
			Size:         size,
		}

		key := base64.StdEncoding.EncodeToString(encKey)
		t.entries[key] = entry
	}

	return nil
}
