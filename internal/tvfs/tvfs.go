// Package tvfs parses a TVFS root handler blob: a fixed header followed by
// three tables (path trie, VFS leaf records, and the content file table of
// full encoding keys) that together materialize a flat path -> spans map.
package tvfs

import (
	"encoding/binary"
	"fmt"
	"io"
)

const Magic = 0x54564653 // "TVFS" read big-endian

// Span is one resolved file-content reference: the full encoding key found
// via the CFT table.
type Span struct {
	EncodingKey []byte
}

// Entry is one file materialized from the path trie: its reconstructed
// name and its ordered list of spans.
type Entry struct {
	Name  string
	Spans []Span
}

type header struct {
	Signature       uint32
	FormatVersion   uint8
	HeaderSize      uint8
	EncodingKeySize uint8
	PatchKeySize    uint8
	Flags           int32
	PathTableOffset int32
	PathTableSize   int32
	VfsTableOffset  int32
	VfsTableSize    int32
	CftTableOffset  int32
	CftTableSize    int32
	MaxDepth        uint16
}

// Parse reads a complete TVFS blob (header + tables) from r and returns
// the flattened path -> Entry map.
func Parse(r io.Reader) (map[string]*Entry, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return ParseBytes(blob)
}

func ParseBytes(blob []byte) (map[string]*Entry, error) {
	h, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}

	pathTable := sliceTable(blob, h.PathTableOffset, h.PathTableSize)
	vfsTable := sliceTable(blob, h.VfsTableOffset, h.VfsTableSize)
	cftTable := sliceTable(blob, h.CftTableOffset, h.CftTableSize)

	p := &parser{
		path: cursor{buf: pathTable},
		vfs:  cursor{buf: vfsTable},
		cft:  cursor{buf: cftTable},
		h:    h,
		out:  make(map[string]*Entry),
	}

	if err := p.parseFolder(int64(len(pathTable)), ""); err != nil {
		return nil, err
	}
	if p.path.pos != int64(len(pathTable)) {
		return nil, fmt.Errorf("tvfs: path table cursor at %d, want %d at end of traversal", p.path.pos, len(pathTable))
	}

	return p.out, nil
}

func parseHeader(blob []byte) (*header, error) {
	if len(blob) < 4 {
		return nil, fmt.Errorf("tvfs: blob too short for header")
	}
	sig := binary.BigEndian.Uint32(blob[0:4])
	if sig != Magic {
		return nil, fmt.Errorf("tvfs: bad magic 0x%08X, want 0x%08X", sig, Magic)
	}
	if len(blob) < 32 {
		return nil, fmt.Errorf("tvfs: blob too short for fixed header fields")
	}
	h := &header{
		Signature:       sig,
		FormatVersion:   blob[4],
		HeaderSize:      blob[5],
		EncodingKeySize: blob[6],
		PatchKeySize:    blob[7],
		Flags:           int32(binary.BigEndian.Uint32(blob[8:12])),
		PathTableOffset: int32(binary.BigEndian.Uint32(blob[12:16])),
		PathTableSize:   int32(binary.BigEndian.Uint32(blob[16:20])),
		VfsTableOffset:  int32(binary.BigEndian.Uint32(blob[20:24])),
		VfsTableSize:    int32(binary.BigEndian.Uint32(blob[24:28])),
		CftTableOffset:  int32(binary.BigEndian.Uint32(blob[28:32])),
	}
	if len(blob) < 38 {
		return nil, fmt.Errorf("tvfs: blob too short for cft_table_size/max_depth")
	}
	h.CftTableSize = int32(binary.BigEndian.Uint32(blob[32:36]))
	h.MaxDepth = binary.BigEndian.Uint16(blob[36:38])
	return h, nil
}

func sliceTable(blob []byte, offset, size int32) []byte {
	if offset < 0 || size < 0 || int(offset)+int(size) > len(blob) {
		return nil
	}
	return blob[offset : offset+size]
}

type cursor struct {
	buf []byte
	pos int64
}

func (c *cursor) peek() (byte, bool) {
	if c.pos >= int64(len(c.buf)) {
		return 0, false
	}
	return c.buf[c.pos], true
}

func (c *cursor) readByte() (byte, error) {
	b, ok := c.peek()
	if !ok {
		return 0, io.ErrUnexpectedEOF
	}
	c.pos++
	return b, nil
}

func (c *cursor) readBE32() (int32, error) {
	if c.pos+4 > int64(len(c.buf)) {
		return 0, io.ErrUnexpectedEOF
	}
	v := int32(binary.BigEndian.Uint32(c.buf[c.pos : c.pos+4]))
	c.pos += 4
	return v, nil
}

func (c *cursor) readN(n int) ([]byte, error) {
	if c.pos+int64(n) > int64(len(c.buf)) {
		return nil, io.ErrUnexpectedEOF
	}
	b := c.buf[c.pos : c.pos+int64(n)]
	c.pos += int64(n)
	return b, nil
}

func (c *cursor) seek(pos int64) {
	c.pos = pos
}

type nodeFlags struct {
	separatorPre  bool
	separatorPost bool
	isNodeValue   bool
}

type parser struct {
	path, vfs, cft cursor
	h              *header
	out            map[string]*Entry
}

// parseNode implements the peek/consume/flag algorithm of the path table
// node grammar (§4.E step-by-step).
func (p *parser) parseNode() (name string, value int32, fl nodeFlags, err error) {
	b, ok := p.path.peek()
	if !ok {
		return "", 0, fl, io.ErrUnexpectedEOF
	}
	if b == 0x00 {
		p.path.pos++
		fl.separatorPre = true
		b, ok = p.path.peek()
		if !ok {
			return "", 0, fl, io.ErrUnexpectedEOF
		}
	}

	if b < 0x7F && b != 0xFF {
		length, _ := p.path.readByte()
		name, err = readChars(&p.path, int(length))
		if err != nil {
			return "", 0, fl, err
		}
		b, ok = p.path.peek()
		if !ok {
			return "", 0, fl, io.ErrUnexpectedEOF
		}
	}

	if b == 0x00 {
		p.path.pos++
		fl.separatorPost = true
		b, ok = p.path.peek()
		if !ok {
			return "", 0, fl, io.ErrUnexpectedEOF
		}
	}

	if b == 0xFF {
		p.path.pos++
		value, err = p.path.readBE32()
		if err != nil {
			return "", 0, fl, err
		}
		fl.isNodeValue = true
	} else {
		fl.separatorPost = true
	}

	return name, value, fl, nil
}

func readChars(c *cursor, n int) (string, error) {
	buf := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		lead, err := c.readByte()
		if err != nil {
			return "", err
		}
		var width int
		switch {
		case lead <= 0x7F:
			width = 1
		case lead >= 0xC0 && lead <= 0xDF:
			width = 2
		case lead >= 0xE0 && lead <= 0xEF:
			width = 3
		case lead >= 0xF0 && lead <= 0xF7:
			width = 4
		default:
			return "", fmt.Errorf("tvfs: invalid UTF-8 lead byte 0x%02X in path table", lead)
		}
		buf = append(buf, lead)
		for j := 1; j < width; j++ {
			b, err := c.readByte()
			if err != nil {
				return "", err
			}
			buf = append(buf, b)
		}
	}
	return string(buf), nil
}

// parseFolder implements the recursive trie traversal, accumulating the
// reconstructed path in pathSoFar and emitting a file Entry at each leaf.
func (p *parser) parseFolder(end int64, pathSoFar string) error {
	initialLen := len(pathSoFar)
	for p.path.pos < end {
		name, value, fl, err := p.parseNode()
		if err != nil {
			return err
		}

		if fl.separatorPre {
			pathSoFar += "\\"
		}
		pathSoFar += name
		if fl.separatorPost {
			pathSoFar += "\\"
		}

		if fl.isNodeValue {
			if value < 0 { // high bit of value set: folder reference
				folderSize := int64(uint32(value) & 0x7FFFFFFF)
				if err := p.parseFolder(p.path.pos+folderSize-4, pathSoFar); err != nil {
					return err
				}
			} else {
				entry, err := p.materializeFile(pathSoFar, value)
				if err != nil {
					return err
				}
				p.out[pathSoFar] = entry
			}
			pathSoFar = pathSoFar[:initialLen]
		}
	}
	return nil
}

// materializeFile reads the span list for a file entry located at VFS
// offset vfsOffset, resolving each span's CFT offset into a full encoding key.
func (p *parser) materializeFile(name string, vfsOffset int32) (*Entry, error) {
	p.vfs.seek(int64(vfsOffset))
	spanCount, err := p.vfs.readByte()
	if err != nil {
		return nil, fmt.Errorf("tvfs: reading span_count for %q: %w", name, err)
	}

	entry := &Entry{Name: name, Spans: make([]Span, 0, spanCount)}
	for i := 0; i < int(spanCount); i++ {
		if _, err := p.vfs.readBE32(); err != nil { // ref_file_offset, ignored
			return nil, err
		}
		if _, err := p.vfs.readBE32(); err != nil { // size, ignored (recovered from block table)
			return nil, err
		}
		cftOffset, err := p.readVariableCftOffset()
		if err != nil {
			return nil, err
		}

		p.cft.seek(cftOffset)
		key, err := p.cft.readN(int(p.h.EncodingKeySize))
		if err != nil {
			return nil, fmt.Errorf("tvfs: reading CFT encoding key for %q: %w", name, err)
		}
		keyCopy := append([]byte(nil), key...)
		entry.Spans = append(entry.Spans, Span{EncodingKey: keyCopy})
	}
	return entry, nil
}

// readVariableCftOffset reads a big-endian offset whose width depends on
// the overall CFT table size (§4.E table).
func (p *parser) readVariableCftOffset() (int64, error) {
	var width int
	switch {
	case p.h.CftTableSize > 0xFFFFFF:
		width = 4
	case p.h.CftTableSize > 0xFFFF:
		width = 3
	case p.h.CftTableSize > 0xFF:
		width = 2
	default:
		width = 1
	}
	b, err := p.vfs.readN(width)
	if err != nil {
		return 0, err
	}
	var v int64
	for _, x := range b {
		v = v<<8 | int64(x)
	}
	return v, nil
}
