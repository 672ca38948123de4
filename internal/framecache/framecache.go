// Package framecache presents a CASC file's concatenated spans as one
// seekable byte stream, decoding frames on demand with a single-frame
// cache (and, optionally, a shared ring of N most-recently-decoded frames
// across every stream opened from the same storage).
package framecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-tinylfu"

	"github.com/cascfs/casc/internal/blte"
	"github.com/cascfs/casc/internal/sectionreader"
)

// ErrNoFrame means a read landed on a virtual offset with no covering
// frame — data corruption or a programmer error building the frame list.
var ErrNoFrame = errors.New("framecache: no frame covers the requested offset")

// FrameRef is one frame located in an archive file, with an io.ReaderAt
// for that archive (a fresh handle per stream, per the storage façade's
// concurrency contract) and a stable key identifying the archive for the
// shared cache.
type FrameRef struct {
	Frame      blte.Frame
	Reader     io.ReaderAt
	ArchiveKey string
}

// Stream is a seekable, io.Reader+io.Seeker view of one logical file's
// concatenated frames.
type Stream struct {
	frames   []FrameRef
	size     int64
	position int64

	cache      []byte
	cacheStart int64
	cacheEnd   int64

	shared *SharedCache
}

// New builds a Stream over frames, which must be sorted ascending by
// Frame.VirtualStart and contiguous (VirtualEnd of one equals VirtualStart
// of the next). shared may be nil to use only the built-in single-frame cache.
func New(frames []FrameRef, shared *SharedCache) *Stream {
	var size int64
	if len(frames) > 0 {
		size = frames[len(frames)-1].Frame.VirtualEnd
	}
	return &Stream{frames: frames, size: size, shared: shared}
}

func (s *Stream) Size() int64 { return s.size }

// Close releases every archive handle this stream's frames reference.
// Each distinct Reader that also implements io.Closer is closed once.
func (s *Stream) Close() error {
	closed := make(map[io.Closer]bool)
	var first error
	for _, ref := range s.frames {
		c, ok := ref.Reader.(io.Closer)
		if !ok || closed[c] {
			continue
		}
		closed[c] = true
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Seek implements io.Seeker with the corrected arithmetic: Start -> offset;
// Current -> position + offset, rejected if it would go negative; End ->
// size + offset (not size - offset, the known bug in the source this was
// ported from).
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.position + offset
	case io.SeekEnd:
		newPos = s.size + offset
	default:
		return 0, fmt.Errorf("framecache: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("framecache: seek to negative position %d", newPos)
	}
	s.position = newPos
	return newPos, nil
}

// Read implements io.Reader per §4.G: cache hits copy directly out of the
// decoded-frame buffer; misses decode exactly one fresh frame per call to
// the inner loop, so a read spanning multiple frames may perform several
// decodes within one Read call.
func (s *Stream) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if s.position >= s.size {
		return 0, io.EOF
	}

	var consumed int
	for consumed < len(buf) && s.position < s.size {
		if s.cache != nil && s.cacheStart <= s.position && s.position < s.cacheEnd {
			off := s.position - s.cacheStart
			n := copy(buf[consumed:], s.cache[off:])
			s.position += int64(n)
			consumed += n
			continue
		}
		if err := s.loadFrameAt(s.position); err != nil {
			return consumed, err
		}
	}
	return consumed, nil
}

func (s *Stream) findFrame(pos int64) (int, bool) {
	i := sort.Search(len(s.frames), func(i int) bool {
		return s.frames[i].Frame.VirtualEnd > pos
	})
	if i >= len(s.frames) || s.frames[i].Frame.VirtualStart > pos {
		return 0, false
	}
	return i, true
}

func (s *Stream) loadFrameAt(pos int64) error {
	idx, ok := s.findFrame(pos)
	if !ok {
		return ErrNoFrame
	}
	ref := s.frames[idx]

	if s.shared != nil {
		key := frameKey{ref.ArchiveKey, ref.Frame.ArchiveOffset}
		if cached, ok := s.shared.get(key); ok {
			s.cache = cached
			s.cacheStart = ref.Frame.VirtualStart
			s.cacheEnd = ref.Frame.VirtualEnd
			return nil
		}
	}

	dst := make([]byte, ref.Frame.VirtualEnd-ref.Frame.VirtualStart)
	section := sectionreader.Section(ref.Reader, ref.Frame.ArchiveOffset, int64(ref.Frame.EncodedSize))
	sr := io.NewSectionReader(section, 0, section.Size())
	if err := blte.DecodeFrame(sr, ref.Frame, dst); err != nil {
		return err
	}

	s.cache = dst
	s.cacheStart = ref.Frame.VirtualStart
	s.cacheEnd = ref.Frame.VirtualEnd

	if s.shared != nil {
		s.shared.add(frameKey{ref.ArchiveKey, ref.Frame.ArchiveOffset}, dst)
	}
	return nil
}

// frameKey identifies one decoded frame for the shared cache: the archive
// it came from plus its byte offset within that archive.
type frameKey struct {
	archive string
	offset  int64
}

func frameHash(k frameKey) uint64 {
	var h xxhash.Digest
	h.WriteString(k.archive)
	binary.Write(&h, binary.BigEndian, k.offset)
	return h.Sum64()
}

// SharedCache is an admission-controlled ring of decoded frames shared by
// every Stream opened from one Storage, bounded to n entries. There is no
// background eviction goroutine, unlike the cache pattern this is adapted
// from — but streams from the same Storage are explicitly meant to be used
// from different goroutines (§5), and tinylfu.T is not itself safe for
// concurrent use, so every access is serialized behind mu.
type SharedCache struct {
	mu    sync.Mutex
	table *tinylfu.T[frameKey, []byte]
}

func NewSharedCache(n int) *SharedCache {
	if n <= 0 {
		return nil
	}
	return &SharedCache{table: tinylfu.New[frameKey, []byte](n, n*10, frameHash)}
}

func (c *SharedCache) get(key frameKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Get(key)
}

func (c *SharedCache) add(key frameKey, val []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table.Add(key, val)
}
