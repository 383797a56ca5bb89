// Package archive implements ArchiveWriter: the single-threaded consumer
// that writes a compressed, hashed, spill-capable tar archive from a
// bounded stream of fetched objects. Grounded in original_source's
// HashingFileWrapper / create_tar_gz_bundle_stream (spool buffering,
// tee-hashing, PAX format, reproducible metadata, collision suffixing).
package archive

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/Ap3pp3rs94/batchforge/internal/bundlerrors"
	"github.com/Ap3pp3rs94/batchforge/internal/fetch"
	"github.com/Ap3pp3rs94/batchforge/internal/sanitize"
)

// State is the writer's lifecycle, per spec §4.5: IDLE -> WRITING ->
// FINALIZING -> CLOSED, with "* -> CLOSED" reachable from any state on error.
type State int

const (
	StateIdle State = iota
	StateWriting
	StateFinalizing
	StateClosed
)

// SkipReason explains why a fetched record did not become an archive entry.
type SkipReason string

const (
	SkipSanitizeRejected SkipReason = "sanitize_rejected"
	SkipSizeMismatch     SkipReason = "size_mismatch"
	SkipFetchError       SkipReason = "fetch_error"
)

// Skip records one dropped record for logging/metrics.
type Skip struct {
	RecordID string
	Reason   SkipReason
	Err      error
}

// Artifact is the finalized BundleArtifact (spec §3); call Spool.Rewind to
// obtain a reader to stream to the Uploader.
type Artifact struct {
	Spool     *Spool
	SHA256Hex string
	Bytes     int64
}

// GovernorGate is the subset of budget.Governor the writer consults before
// committing each entry; kept as an interface to avoid a hard dependency
// direction from archive -> budget.
type GovernorGate interface {
	CheckBeforeDispatch(nextDeclaredSize int64) bool
	RecordBytesWritten(n int64)
	ShouldStop() bool
}

// Writer builds one archive for one invocation. It is not safe for
// concurrent use; spec §4.5 requires a single writer goroutine.
type Writer struct {
	spool       *Spool
	gz          *gzip.Writer
	tw          *tar.Writer
	hashing     *HashingWriter
	state       State
	spoolThresh int64

	seenPaths map[string]int // safe_path -> collisions seen so far
}

// New creates a Writer backed by a Spool that spills past spoolThresholdBytes.
func New(spoolThresholdBytes int64, spoolDir string) *Writer {
	spool := NewSpool(spoolThresholdBytes, spoolDir)
	hashing := NewHashingWriter(spool)
	gz := gzip.NewWriter(hashing)
	return &Writer{
		spool:       spool,
		gz:          gz,
		tw:          tar.NewWriter(gz),
		hashing:     hashing,
		state:       StateIdle,
		spoolThresh: spoolThresholdBytes,
		seenPaths:   make(map[string]int),
	}
}

// Consume drains results from in, writing each into the archive until in is
// closed or gov signals a graceful stop. It returns the set of record ids
// actually committed and the skips encountered. Consume never returns an
// error for a graceful stop; it only errors on a genuine writer failure.
func (w *Writer) Consume(in <-chan fetch.Result, gov GovernorGate) (processed map[string]bool, skips []Skip, err error) {
	w.state = StateWriting
	processed = make(map[string]bool)

	for {
		if gov != nil && gov.ShouldStop() {
			break
		}
		res, ok := <-in
		if !ok {
			break
		}
		if res.Err != nil {
			skips = append(skips, Skip{RecordID: res.RecordID, Reason: SkipFetchError, Err: res.Err})
			continue
		}
		if gov != nil && !gov.CheckBeforeDispatch(res.DeclaredSize) {
			_ = res.Body.Close()
			break
		}

		committed, skip, werr := w.writeEntry(res)
		if werr != nil {
			w.state = StateClosed
			return processed, skips, werr
		}
		if skip != nil {
			skips = append(skips, *skip)
			continue
		}
		if committed > 0 && gov != nil {
			gov.RecordBytesWritten(committed)
		}
		processed[res.RecordID] = true
	}

	w.state = StateFinalizing
	return processed, skips, nil
}

// writeEntry sanitizes the key, buffers-and-verifies or streams the body
// depending on size versus the spool threshold, and writes the tar entry.
// Per spec §4.5: large files stream directly trusting declared_size since a
// second read to verify is not feasible.
func (w *Writer) writeEntry(res fetch.Result) (committedBytes int64, skip *Skip, err error) {
	defer func() {
		if res.Body != nil {
			_ = res.Body.Close()
		}
	}()

	safePath, serr := sanitize.Sanitize(res.Ref.OriginalKey)
	if serr != nil {
		return 0, &Skip{RecordID: res.RecordID, Reason: SkipSanitizeRejected, Err: serr}, nil
	}

	var body io.Reader = res.Body
	size := res.DeclaredSize

	if size < w.spoolThresh {
		buf := &bytes.Buffer{}
		n, cerr := io.Copy(buf, res.Body)
		if cerr != nil {
			return 0, nil, bundlerrors.Wrap(bundlerrors.BundleCreationError, "failed reading fetched body", cerr, nil)
		}
		if n != size {
			return 0, &Skip{RecordID: res.RecordID, Reason: SkipSizeMismatch}, nil
		}
		body = buf
	}

	// dedupe only consumes a collision slot once an entry is actually
	// about to be written; a record skipped above (reject/mismatch) never
	// occupied a name.
	safePath = w.dedupe(safePath)

	hdr := &tar.Header{
		Name:     safePath,
		Mode:     0644,
		Size:     size,
		ModTime:  time.Unix(0, 0),
		Uid:      0,
		Gid:      0,
		Uname:    "root",
		Gname:    "root",
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return 0, nil, bundlerrors.Wrap(bundlerrors.BundleCreationError, "failed writing tar header", err, nil)
	}
	n, err := io.Copy(w.tw, body)
	if err != nil {
		return 0, nil, bundlerrors.Wrap(bundlerrors.BundleCreationError, "failed writing tar entry body", err, nil)
	}
	return n, nil, nil
}

// dedupe implements the collision suffix rule (spec §4.5/§9): the Nth
// collision (N starting at 1) inserts "(N)" before the extension, in
// arrival order.
func (w *Writer) dedupe(safePath string) string {
	count := w.seenPaths[safePath]
	w.seenPaths[safePath] = count + 1
	if count == 0 {
		return safePath
	}
	dir, base := path.Split(safePath)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s%s(%d)%s", dir, stem, count, ext)
}

// Finalize flushes and closes the tar and gzip layers, captures the final
// hash, and returns the BundleArtifact; it does not rewind the spool. The compressor
// MUST be closed before the hash is read (spec §4.5 invariant).
func (w *Writer) Finalize() (*Artifact, error) {
	if err := w.tw.Close(); err != nil {
		w.state = StateClosed
		return nil, bundlerrors.Wrap(bundlerrors.BundleCreationError, "failed closing tar writer", err, nil)
	}
	if err := w.gz.Close(); err != nil {
		w.state = StateClosed
		return nil, bundlerrors.Wrap(bundlerrors.BundleCreationError, "failed closing gzip writer", err, nil)
	}
	digest := w.hashing.HexDigest()
	w.state = StateClosed
	return &Artifact{Spool: w.spool, SHA256Hex: digest, Bytes: w.spool.Len()}, nil
}

// State returns the writer's current lifecycle state.
func (w *Writer) State() State { return w.state }

// Close releases the backing spool without finalizing; used on abort paths.
func (w *Writer) Close() error {
	w.state = StateClosed
	return w.spool.Close()
}
