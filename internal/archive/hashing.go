package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// HashingWriter forwards writes to an underlying writer while updating a
// running SHA-256 hash, so the final digest never requires a second read
// over the archive bytes. It has no Close method and never closes the
// underlying writer; the spool's owner controls that lifecycle (spec §9's explicit adaptor
// requirement, grounded in original_source's HashingFileWrapper).
type HashingWriter struct {
	w io.Writer
	h hash.Hash
}

// NewHashingWriter wraps w.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: sha256.New()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
	}
	return n, err
}

// HexDigest returns the hex-encoded SHA-256 of everything written so far.
func (hw *HashingWriter) HexDigest() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}
