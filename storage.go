// Package casc is a read-only access library for Blizzard's CASC game data
// archives: it opens a storage directory, enumerates its files by path, and
// streams their contents on demand, traversing the archive's indirection
// chain from logical path to encoding key to physical archive offset.
package casc

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/cascfs/casc/internal/bconfig"
	"github.com/cascfs/casc/internal/blte"
	"github.com/cascfs/casc/internal/framecache"
	"github.com/cascfs/casc/internal/keytable"
	"github.com/cascfs/casc/internal/tvfs"
)

// Storage is an opened CASC installation: its merged IDX key table, its
// archive file paths, and the flattened TVFS file list. It is immutable
// after Open and safe to use concurrently; OpenFile returns independent
// streams that each own their own archive file handles.
type Storage struct {
	// Logger receives Warn-level notices for non-local files and
	// Debug-level open/parse milestones. Defaults to slog.Default().
	Logger *slog.Logger

	root     string
	idx      *keytable.Table
	archives map[uint32]string // archive index -> data.N path
	files    []FileInfo
	entries  map[string]*tvfs.Entry

	shared *framecache.SharedCache
}

// Open parses a CASC storage rooted at dir. frameCacheSize, if > 0, backs
// every stream opened from the returned Storage with a shared ring of that
// many most-recently-decoded frames, in addition to each stream's own
// single-frame cache; 0 disables the shared cache.
func Open(dir string, frameCacheSize int) (*Storage, error) {
	s := &Storage{
		root:     dir,
		archives: make(map[uint32]string),
		entries:  make(map[string]*tvfs.Entry),
		shared:   framecache.NewSharedCache(frameCacheSize),
	}

	biPath, err := findNamed(dir, ".build.info")
	if err != nil {
		return nil, wrapErr(NotFound, "locating .build.info under "+dir, err)
	}
	biText, err := os.ReadFile(biPath)
	if err != nil {
		return nil, wrapErr(Io, "reading "+biPath, err)
	}
	buildInfo, err := bconfig.ParseBuildInfo(string(biText))
	if err != nil {
		return nil, wrapErr(Corrupted, "parsing .build.info", err)
	}
	s.logger().Debug("parsed build info", "path", biPath)

	buildKey := buildInfo.Get("Build Key", "")
	if buildKey == "" {
		return nil, newErr(Corrupted, ".build.info has no Build Key column")
	}

	cfgPath, err := findNamed(dir, buildKey)
	if err != nil {
		return nil, wrapErr(NotFound, "locating build config "+buildKey, err)
	}
	cfgText, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, wrapErr(Io, "reading "+cfgPath, err)
	}
	buildConfig, err := bconfig.ParseConfig(string(cfgText))
	if err != nil {
		return nil, wrapErr(Corrupted, "parsing build config", err)
	}
	s.logger().Debug("parsed build config", "path", cfgPath)

	dataDir := filepath.Join(dir, "Data", "data")
	if err := s.loadIdxFiles(dataDir); err != nil {
		return nil, err
	}
	if err := s.loadArchiveFiles(dataDir); err != nil {
		return nil, err
	}

	vfsRoot, ok := buildConfig.Get("vfs-root")
	if !ok || len(vfsRoot) < 2 {
		return nil, newErr(NotFound, "build config has no usable vfs-root entry")
	}
	rootBytes, err := hex.DecodeString(vfsRoot[1])
	if err != nil {
		return nil, wrapErr(InvalidData, "decoding vfs-root hex value", err)
	}
	rootKey := base64.StdEncoding.EncodeToString(rootBytes)
	if len(rootKey) > 12 {
		rootKey = rootKey[:12]
	}

	rootEntry, ok := s.idx.LookupBase64(rootKey)
	if !ok {
		return nil, newErr(NotFound, "vfs-root key not present in IDX table")
	}

	rootRefs, _, err := s.openSpan(rootEntry)
	if err != nil {
		return nil, wrapErr(Io, "opening vfs-root blob", err)
	}
	rootStream := framecache.New(rootRefs, nil)
	defer rootStream.Close()

	var magic [4]byte
	if _, err := io.ReadFull(rootStream, magic[:]); err != nil {
		return nil, wrapErr(InvalidData, "reading vfs-root magic", err)
	}
	if got := beUint32(magic[:]); got != tvfs.Magic {
		return nil, newErr(InvalidData, fmt.Sprintf("vfs-root is not a TVFS blob (magic 0x%08X)", got))
	}
	if _, err := rootStream.Seek(0, io.SeekStart); err != nil {
		return nil, wrapErr(Io, "rewinding vfs-root stream", err)
	}

	rootBlob, err := io.ReadAll(rootStream)
	if err != nil {
		return nil, wrapErr(Io, "reading vfs-root blob", err)
	}
	entries, err := tvfs.ParseBytes(rootBlob)
	if err != nil {
		return nil, wrapErr(InvalidData, "parsing TVFS root handler", err)
	}
	s.entries = entries
	s.logger().Debug("parsed TVFS root handler", "files", len(entries))

	s.files = make([]FileInfo, 0, len(entries))
	for name, e := range entries {
		size, local := s.fileSize(e)
		if !local {
			s.logger().Warn("file has unresolved span, reporting as non-local", "name", name)
		}
		s.files = append(s.files, FileInfo{Name: name, Size: size, IsLocal: local})
	}
	sort.Slice(s.files, func(i, j int) bool { return s.files[i].Name < s.files[j].Name })

	return s, nil
}

// Files returns every file discovered while walking the TVFS root handler.
func (s *Storage) Files() []FileInfo {
	return append([]FileInfo(nil), s.files...)
}

// Glob returns the names of files matching a doublestar pattern (path
// separators are normalized to '/' for matching, since CASC paths use '\').
func (s *Storage) Glob(pattern string) ([]string, error) {
	normPattern := strings.ReplaceAll(pattern, "\\", "/")
	var out []string
	for name := range s.entries {
		normName := strings.ReplaceAll(strings.TrimPrefix(name, "\\"), "\\", "/")
		ok, err := doublestar.Match(normPattern, normName)
		if err != nil {
			return nil, wrapErr(Other, "glob pattern "+pattern, err)
		}
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// OpenFile returns a seekable stream over the named file's content.
func (s *Storage) OpenFile(name string) (*File, error) {
	entry, ok := s.entries[name]
	if !ok {
		return nil, newErr(NotFound, "no such file: "+name)
	}

	var refs []framecache.FrameRef
	var virtualBase int64
	for _, span := range entry.Spans {
		idxEntry, ok := s.idx.Lookup(idxPrefix(span.EncodingKey))
		if !ok {
			// Span unresolved: skip it, per §4.H step 2. The stream
			// ends up shorter than the file's nominal size; Files()
			// already reported this file as non-local.
			continue
		}
		spanRefs, newBase, err := s.openSpanAt(idxEntry, virtualBase)
		if err != nil {
			return nil, wrapErr(Io, "opening span for "+name, err)
		}
		refs = append(refs, spanRefs...)
		virtualBase = newBase
	}

	return &File{Stream: framecache.New(refs, s.shared)}, nil
}

// fileSize computes §4.H step 8: the sum of IDX sizes across all of an
// entry's spans if every span resolves, else (0, false).
func (s *Storage) fileSize(e *tvfs.Entry) (int64, bool) {
	var total int64
	for _, span := range e.Spans {
		idxEntry, ok := s.idx.Lookup(idxPrefix(span.EncodingKey))
		if !ok {
			return 0, false
		}
		total += int64(idxEntry.Size)
	}
	return total, true
}

func idxPrefix(encodingKey []byte) []byte {
	if len(encodingKey) > 9 {
		return encodingKey[:9]
	}
	return encodingKey
}

// openSpan opens a fresh archive handle for one IDX entry and reads its
// BLTE frame list, starting virtual offsets at 0. Used for the vfs-root
// blob, which has no file-entry spans of its own.
func (s *Storage) openSpan(entry keytable.Entry) ([]framecache.FrameRef, int64, error) {
	return s.openSpanAt(entry, 0)
}

func (s *Storage) openSpanAt(entry keytable.Entry, virtualBase int64) ([]framecache.FrameRef, int64, error) {
	archivePath, ok := s.archives[entry.ArchiveIndex]
	if !ok {
		return nil, virtualBase, newErr(NotFound, fmt.Sprintf("archive index %d has no data.N file", entry.ArchiveIndex))
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, virtualBase, wrapErr(Io, "opening "+archivePath, err)
	}
	if _, err := f.Seek(int64(entry.Offset), io.SeekStart); err != nil {
		f.Close()
		return nil, virtualBase, wrapErr(Io, "seeking in "+archivePath, err)
	}

	frames, err := blte.ReadSpan(f, virtualBase)
	if err != nil {
		f.Close()
		return nil, virtualBase, wrapErr(InvalidData, "reading span at "+archivePath, err)
	}

	refs := make([]framecache.FrameRef, len(frames))
	for i, fr := range frames {
		refs[i] = framecache.FrameRef{Frame: fr, Reader: f, ArchiveKey: archivePath}
	}
	newBase := virtualBase
	if len(frames) > 0 {
		newBase = frames[len(frames)-1].VirtualEnd
	}
	return refs, newBase, nil
}

func (s *Storage) loadIdxFiles(dataDir string) error {
	matches, err := filepath.Glob(filepath.Join(dataDir, "*.idx"))
	if err != nil {
		return wrapErr(Other, "globbing *.idx", err)
	}
	t := keytable.NewTable()
	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			return wrapErr(Io, "opening "+path, err)
		}
		err = keytable.ParseIdx(f, t)
		f.Close()
		if err != nil {
			return wrapErr(Corrupted, "parsing "+path, err)
		}
	}
	s.idx = t
	s.logger().Debug("parsed IDX tables", "files", len(matches), "entries", t.Len())
	return nil
}

func (s *Storage) loadArchiveFiles(dataDir string) error {
	matches, err := filepath.Glob(filepath.Join(dataDir, "data.*"))
	if err != nil {
		return wrapErr(Other, "globbing data.*", err)
	}
	maxIdx := -1
	for _, path := range matches {
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		n, err := strconv.Atoi(ext)
		if err != nil {
			continue
		}
		s.archives[uint32(n)] = path
		if n > maxIdx {
			maxIdx = n
		}
	}
	if len(s.archives) == 0 {
		return newErr(NotFound, "no data.N archive files found under "+dataDir)
	}
	for i := 0; i <= maxIdx; i++ {
		if _, ok := s.archives[uint32(i)]; !ok {
			return newErr(NotFound, fmt.Sprintf("missing data.%d in archive sequence (max %d)", i, maxIdx))
		}
	}
	return nil
}

// findNamed searches dir recursively for a file literally named name.
func findNamed(dir, name string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if found != "" {
			return filepath.SkipAll
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%q not found under %s", name, dir)
	}
	return found, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
