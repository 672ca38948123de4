package casc

import "github.com/cascfs/casc/internal/blte"

// EncoderType tags how a frame's bytes are stored on disk.
type EncoderType = blte.EncoderType

const (
	EncoderRaw       = blte.EncoderRaw
	EncoderZLib      = blte.EncoderZLib
	EncoderEncrypted = blte.EncoderEncrypted
)
