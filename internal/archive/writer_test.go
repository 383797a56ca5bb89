package archive

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/Ap3pp3rs94/batchforge/internal/envelope"
	"github.com/Ap3pp3rs94/batchforge/internal/fetch"
)

type alwaysGo struct{}

func (alwaysGo) CheckBeforeDispatch(int64) bool { return true }
func (alwaysGo) RecordBytesWritten(int64)        {}
func (alwaysGo) ShouldStop() bool                { return false }

func readEntries(t *testing.T, artifact *Artifact) map[string]string {
	t.Helper()
	rs, err := artifact.Spool.Rewind()
	require.NoError(t, err)

	gz, err := gzip.NewReader(toReader(rs))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	out := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var buf bytes.Buffer
		_, err = io.Copy(&buf, tr)
		require.NoError(t, err)
		out[hdr.Name] = buf.String()
		require.Equal(t, int64(0), hdr.ModTime.Unix())
		require.Equal(t, "root", hdr.Uname)
		require.Equal(t, "root", hdr.Gname)
	}
	return out
}

func toReader(rs io.ReadSeeker) io.Reader { return rs }

func TestConsumeWritesEntriesAndHashesCorrectly(t *testing.T) {
	w := New(64*1024*1024, "")
	in := make(chan fetch.Result, 2)
	in <- fetch.Result{RecordID: "r1", Ref: envelope.ObjectRef{OriginalKey: "a.bin"}, Body: io.NopCloser(strings.NewReader("file1 bytes")), DeclaredSize: 11}
	in <- fetch.Result{RecordID: "r2", Ref: envelope.ObjectRef{OriginalKey: "d/b.log"}, Body: io.NopCloser(strings.NewReader("file2 bytes!")), DeclaredSize: 12}
	close(in)

	processed, skips, err := w.Consume(in, alwaysGo{})
	require.NoError(t, err)
	require.Empty(t, skips)
	require.True(t, processed["r1"])
	require.True(t, processed["r2"])

	artifact, err := w.Finalize()
	require.NoError(t, err)
	require.NotEmpty(t, artifact.SHA256Hex)

	rs, err := artifact.Spool.Rewind()
	require.NoError(t, err)
	raw, err := io.ReadAll(rs)
	require.NoError(t, err)
	sum := sha256.Sum256(raw)
	require.Equal(t, hex.EncodeToString(sum[:]), artifact.SHA256Hex)

	entries := readEntries(t, artifact)
	require.Equal(t, "file1 bytes", entries["a.bin"])
	require.Equal(t, "file2 bytes!", entries["d/b.log"])
}

func TestConsumeSkipsSanitizeRejectedEntries(t *testing.T) {
	w := New(64*1024*1024, "")
	in := make(chan fetch.Result, 1)
	in <- fetch.Result{RecordID: "r1", Ref: envelope.ObjectRef{OriginalKey: "folder/../../etc/passwd"}, Body: io.NopCloser(strings.NewReader("x")), DeclaredSize: 1}
	close(in)

	processed, skips, err := w.Consume(in, alwaysGo{})
	require.NoError(t, err)
	require.Empty(t, processed)
	require.Len(t, skips, 1)
	require.Equal(t, SkipSanitizeRejected, skips[0].Reason)
}

func TestConsumeSkipsOnSizeMismatch(t *testing.T) {
	w := New(64*1024*1024, "")
	in := make(chan fetch.Result, 1)
	in <- fetch.Result{RecordID: "r1", Ref: envelope.ObjectRef{OriginalKey: "a.bin"}, Body: io.NopCloser(strings.NewReader("short")), DeclaredSize: 999}
	close(in)

	processed, skips, err := w.Consume(in, alwaysGo{})
	require.NoError(t, err)
	require.Empty(t, processed)
	require.Len(t, skips, 1)
	require.Equal(t, SkipSizeMismatch, skips[0].Reason)
}

func TestDedupeAppendsCollisionSuffixStartingAtOne(t *testing.T) {
	w := New(64*1024*1024, "")
	first := w.dedupe("a.bin")
	second := w.dedupe("a.bin")
	third := w.dedupe("a.bin")
	require.Equal(t, "a.bin", first)
	require.Equal(t, "a(1).bin", second)
	require.Equal(t, "a(2).bin", third)
}

type stoppingGate struct{ allowed int }

func (g *stoppingGate) CheckBeforeDispatch(int64) bool {
	if g.allowed <= 0 {
		return false
	}
	g.allowed--
	return true
}
func (g *stoppingGate) RecordBytesWritten(int64) {}
func (g *stoppingGate) ShouldStop() bool         { return g.allowed <= 0 }

func TestConsumeStopsGracefullyWhenGovernorFires(t *testing.T) {
	w := New(64*1024*1024, "")
	in := make(chan fetch.Result, 2)
	in <- fetch.Result{RecordID: "r1", Ref: envelope.ObjectRef{OriginalKey: "a.bin"}, Body: io.NopCloser(strings.NewReader("x")), DeclaredSize: 1}
	in <- fetch.Result{RecordID: "r2", Ref: envelope.ObjectRef{OriginalKey: "b.bin"}, Body: io.NopCloser(strings.NewReader("y")), DeclaredSize: 1}
	close(in)

	processed, _, err := w.Consume(in, &stoppingGate{allowed: 1})
	require.NoError(t, err)
	require.Len(t, processed, 1)

	artifact, err := w.Finalize()
	require.NoError(t, err)
	require.NotNil(t, artifact)
}
