package framecache

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/cascfs/casc/internal/blte"
)

// fakeArchive is an io.ReaderAt over an in-memory byte slice, standing in
// for a real data.N archive file.
type fakeArchive struct{ data []byte }

func (f *fakeArchive) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// buildRawFrames lays out a sequence of raw ('N'-tagged) frames back to
// back in a fake archive and returns FrameRefs covering them.
func buildRawFrames(contents [][]byte) (*fakeArchive, []FrameRef) {
	var buf bytes.Buffer
	var frames []blte.Frame
	var virt int64
	for _, c := range contents {
		off := int64(buf.Len())
		buf.WriteByte('N')
		buf.Write(c)
		frames = append(frames, blte.Frame{
			ArchiveOffset: off,
			EncodedSize:   int32(1 + len(c)),
			VirtualStart:  virt,
			VirtualEnd:    virt + int64(len(c)),
		})
		virt += int64(len(c))
	}
	arc := &fakeArchive{data: buf.Bytes()}
	refs := make([]FrameRef, len(frames))
	for i, f := range frames {
		refs[i] = FrameRef{Frame: f, Reader: arc, ArchiveKey: "test"}
	}
	return arc, refs
}

func TestReadSingleFrame(t *testing.T) {
	_, refs := buildRawFrames([][]byte{[]byte("HELLO\n")})
	s := New(refs, nil)

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "HELLO\n" {
		t.Fatalf("got %q, want %q", got, "HELLO\n")
	}
}

func TestSeekAndReadAcrossFrames(t *testing.T) {
	_, refs := buildRawFrames([][]byte{[]byte("ABCD"), []byte("EFGH")})
	s := New(refs, nil)

	if s.Size() != 8 {
		t.Fatalf("size = %d, want 8", s.Size())
	}
	if _, err := s.Seek(3, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	n, err := io.ReadFull(s, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || string(buf) != "DEF" {
		t.Fatalf("got %q, want %q", buf[:n], "DEF")
	}
}

func TestSeekEndUsesAdditionNotSubtraction(t *testing.T) {
	_, refs := buildRawFrames([][]byte{[]byte("ABCDEFGH")})
	s := New(refs, nil)

	// SeekEnd(-3) should land at size-3 = 5, i.e. offset+size, matching
	// the corrected arithmetic (size + offset, not size - offset).
	pos, err := s.Seek(-3, io.SeekEnd)
	if err != nil {
		t.Fatal(err)
	}
	if pos != 5 {
		t.Fatalf("SeekEnd(-3) = %d, want 5", pos)
	}
	buf := make([]byte, 3)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "FGH" {
		t.Fatalf("got %q, want %q", buf, "FGH")
	}
}

func TestSeekEndThenReadIsEmpty(t *testing.T) {
	_, refs := buildRawFrames([][]byte{[]byte("ABCD")})
	s := New(refs, nil)

	if _, err := s.Seek(0, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	n, err := s.Read(make([]byte, 4))
	if n != 0 || err != io.EOF {
		t.Fatalf("got (%d, %v), want (0, io.EOF)", n, err)
	}
}

func TestSeekStartThenReadReturnsFullFile(t *testing.T) {
	_, refs := buildRawFrames([][]byte{[]byte("ABCD")})
	s := New(refs, nil)
	if _, err := s.Seek(10, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ABCD" {
		t.Fatalf("got %q, want %q", got, "ABCD")
	}
}

func TestZeroLengthReadDoesNotAdvance(t *testing.T) {
	_, refs := buildRawFrames([][]byte{[]byte("ABCD")})
	s := New(refs, nil)
	n, err := s.Read(nil)
	if n != 0 || err != nil {
		t.Fatalf("got (%d, %v), want (0, nil)", n, err)
	}
	if s.position != 0 {
		t.Fatalf("position = %d, want 0", s.position)
	}
}

func TestSharedCacheServesRepeatReads(t *testing.T) {
	_, refs := buildRawFrames([][]byte{[]byte("ABCDEFGH")})
	shared := NewSharedCache(4)

	s1 := New(refs, shared)
	if _, err := io.ReadAll(s1); err != nil {
		t.Fatal(err)
	}

	s2 := New(refs, shared)
	got, err := io.ReadAll(s2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ABCDEFGH" {
		t.Fatalf("got %q, want %q", got, "ABCDEFGH")
	}
}

// TestSharedCacheConcurrentStreams exercises the concurrency contract a
// SharedCache is built for: many Streams over the same frames, read from
// concurrently. Run with -race to confirm SharedCache's mutex actually
// guards tinylfu.T, which is not itself safe for concurrent access.
func TestSharedCacheConcurrentStreams(t *testing.T) {
	_, refs := buildRawFrames([][]byte{[]byte("ABCDEFGH"), []byte("IJKLMNOP")})
	shared := NewSharedCache(4)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := New(refs, shared)
			got, err := io.ReadAll(s)
			if err != nil {
				t.Error(err)
				return
			}
			if string(got) != "ABCDEFGHIJKLMNOP" {
				t.Errorf("got %q, want %q", got, "ABCDEFGHIJKLMNOP")
			}
		}()
	}
	wg.Wait()
}
