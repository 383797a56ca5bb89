package archive

import (
	"bytes"
	"io"
	"os"
)

// Spool is an io.Writer that buffers in memory up to a threshold and
// transparently spills to a temporary file beyond it; Rewind returns an
// io.ReadSeeker over everything written. It mirrors
// Python's SpooledTemporaryFile (original_source's create_tar_gz_bundle_stream
// uses one as the archive's backing store).
type Spool struct {
	thresholdBytes int64
	spoolDir       string
	mem            *bytes.Buffer
	file           *os.File
	spilled        bool
	written        int64
}

// NewSpool creates a Spool that spills to a temp file in dir once more than
// thresholdBytes have been written. An empty dir uses the OS default.
func NewSpool(thresholdBytes int64, dir string) *Spool {
	return &Spool{thresholdBytes: thresholdBytes, mem: &bytes.Buffer{}, spoolDir: dir}
}

func (s *Spool) Write(p []byte) (int, error) {
	if s.spilled {
		n, err := s.file.Write(p)
		s.written += int64(n)
		return n, err
	}
	if int64(s.mem.Len())+int64(len(p)) > s.thresholdBytes {
		if err := s.spillToDisk(); err != nil {
			return 0, err
		}
		n, err := s.file.Write(p)
		s.written += int64(n)
		return n, err
	}
	n, err := s.mem.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *Spool) spillToDisk() error {
	f, err := os.CreateTemp(s.spoolDir, "bundle-spool-*.tmp")
	if err != nil {
		return err
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		_ = f.Close()
		return err
	}
	s.file = f
	s.spilled = true
	s.mem = nil
	return nil
}

// Len returns the number of bytes written so far.
func (s *Spool) Len() int64 { return s.written }

// Rewind seeks the spool back to its start for reading (e.g. before upload).
func (s *Spool) Rewind() (io.ReadSeeker, error) {
	if s.spilled {
		if _, err := s.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return s.file, nil
	}
	return bytes.NewReader(s.mem.Bytes()), nil
}

// Close releases the backing temp file, if any. Idempotent.
func (s *Spool) Close() error {
	if s.spilled && s.file != nil {
		name := s.file.Name()
		err := s.file.Close()
		_ = os.Remove(name)
		s.file = nil
		return err
	}
	return nil
}
