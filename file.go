package casc

import (
	"errors"
	"io"

	"github.com/cascfs/casc/internal/blte"
	"github.com/cascfs/casc/internal/framecache"
)

// File is a seekable stream over one file's content. It wraps
// internal/framecache.Stream solely to tag Read's error return with a
// Kind (per §7), so callers can use errors.Is(err, casc.ErrUnsupported)
// etc against the frames it decodes.
type File struct {
	*framecache.Stream
}

func (f *File) Read(buf []byte) (int, error) {
	n, err := f.Stream.Read(buf)
	if err != nil && err != io.EOF {
		err = wrapErr(readErrKind(err), "reading file contents", err)
	}
	return n, err
}

func readErrKind(err error) Kind {
	switch {
	case errors.Is(err, blte.ErrUnsupported):
		return Unsupported
	case errors.Is(err, blte.ErrBadSignature), errors.Is(err, framecache.ErrNoFrame):
		return InvalidData
	default:
		return Io
	}
}
