package keytable

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"testing"
)

// buildIdx assembles a minimal .idx file: header_size/hash, the fixed
// header fields, alignment padding, table_size/hash, then entry records.
func buildIdx(t *testing.T, fileOffsetBits uint8, records [][18]byte) []byte {
	t.Helper()
	var buf bytes.Buffer

	var hszhash [8]byte
	buf.Write(hszhash[:]) // header_size, header_hash (unused)

	buf.WriteByte(0) // version lo
	buf.WriteByte(0) // version hi
	buf.WriteByte(0) // bucket_index
	buf.WriteByte(0) // extra
	buf.WriteByte(4) // encoded_size_len
	buf.WriteByte(5) // storage_offset_len
	buf.WriteByte(9) // encoding_key_len
	buf.WriteByte(fileOffsetBits)
	var fsz [8]byte
	buf.Write(fsz[:]) // file_size

	pos := int64(buf.Len())
	aligned := (pos + 0x17) & ^int64(0x0F)
	buf.Write(make([]byte, aligned-pos))

	tableSize := uint32(len(records) * 18)
	var tsz [4]byte
	binary.LittleEndian.PutUint32(tsz[:], tableSize)
	buf.Write(tsz[:])
	var thash [4]byte
	buf.Write(thash[:])

	for _, r := range records {
		buf.Write(r[:])
	}

	return buf.Bytes()
}

func makeRecord(encKeyByte byte, archiveIndex uint32, offset uint64, size uint32, fileOffsetBits uint8) [18]byte {
	var r [18]byte
	for i := 0; i < 9; i++ {
		r[i] = encKeyByte
	}
	p := (uint64(archiveIndex) << fileOffsetBits) | offset
	// 40-bit big-endian packed word
	r[9] = byte(p >> 32)
	r[10] = byte(p >> 24)
	r[11] = byte(p >> 16)
	r[12] = byte(p >> 8)
	r[13] = byte(p)
	// little-endian size
	r[14] = byte(size)
	r[15] = byte(size >> 8)
	r[16] = byte(size >> 16)
	r[17] = byte(size >> 24)
	return r
}

func TestParseIdxSingleRecord(t *testing.T) {
	const fileOffsetBits = 30
	rec := makeRecord(0xAB, 3, 12345, 999, fileOffsetBits)
	data := buildIdx(t, fileOffsetBits, [][18]byte{rec})

	table := NewTable()
	if err := ParseIdx(bytes.NewReader(data), table); err != nil {
		t.Fatal(err)
	}
	if table.Len() != 1 {
		t.Fatalf("got %d entries, want 1", table.Len())
	}

	key := bytes.Repeat([]byte{0xAB}, 9)
	e, ok := table.Lookup(key)
	if !ok {
		t.Fatalf("lookup of %x failed", key)
	}
	if e.ArchiveIndex != 3 || e.Offset != 12345 || e.Size != 999 {
		t.Fatalf("got %+v, want {3 12345 999}", e)
	}

	b64 := base64.StdEncoding.EncodeToString(key)
	if _, ok := table.LookupBase64(b64); !ok {
		t.Fatalf("LookupBase64(%s) failed", b64)
	}
}

func TestParseIdxRejectsWrongFieldWidths(t *testing.T) {
	data := buildIdx(t, 30, nil)
	// Corrupt encoded_size_len (byte offset 12 within the buffer: after 8
	// bytes header_size/hash + 4 bytes version(2)/bucket_index/extra).
	data[12] = 7

	table := NewTable()
	if err := ParseIdx(bytes.NewReader(data), table); err == nil {
		t.Fatal("expected an error for mismatched field widths")
	}
}

func TestParseIdxLaterInsertionOverwrites(t *testing.T) {
	const fileOffsetBits = 30
	rec1 := makeRecord(0xCD, 1, 100, 10, fileOffsetBits)
	rec2 := makeRecord(0xCD, 2, 200, 20, fileOffsetBits)
	data := buildIdx(t, fileOffsetBits, [][18]byte{rec1, rec2})

	table := NewTable()
	if err := ParseIdx(bytes.NewReader(data), table); err != nil {
		t.Fatal(err)
	}
	key := bytes.Repeat([]byte{0xCD}, 9)
	e, ok := table.Lookup(key)
	if !ok {
		t.Fatal("lookup failed")
	}
	if e.ArchiveIndex != 2 || e.Offset != 200 || e.Size != 20 {
		t.Fatalf("got %+v, want the second record's values", e)
	}
}
