package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Ap3pp3rs94/batchforge/internal/bundlerrors"
)

func TestParseHappyPath(t *testing.T) {
	payload := `{"Records":[{"s3":{"bucket":{"name":"src"},"object":{"key":"a.bin","size":11,"sequencer":"000A"}}}]}`
	refs, err := Parse(EventEnvelope{EnvelopeID: "m1", Payload: []byte(payload)})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "src", refs[0].Container)
	require.Equal(t, "a.bin", refs[0].OriginalKey)
	require.Equal(t, uint64(11), refs[0].DeclaredSize)
	require.Equal(t, "000A", refs[0].UniquenessToken())
}

func TestParsePercentDecodesKey(t *testing.T) {
	payload := `{"Records":[{"s3":{"bucket":{"name":"src"},"object":{"key":"d%2Fb.log","size":12,"sequencer":"000B"}}}]}`
	refs, err := Parse(EventEnvelope{EnvelopeID: "m2", Payload: []byte(payload)})
	require.NoError(t, err)
	require.Equal(t, "d/b.log", refs[0].OriginalKey)
}

func TestParseMultipleRecordsInOneEnvelope(t *testing.T) {
	payload := `{"Records":[
		{"s3":{"bucket":{"name":"src"},"object":{"key":"a.bin","size":1,"sequencer":"1"}}},
		{"s3":{"bucket":{"name":"src"},"object":{"key":"b.bin","size":2,"sequencer":"2"}}}
	]}`
	refs, err := Parse(EventEnvelope{EnvelopeID: "m3", Payload: []byte(payload)})
	require.NoError(t, err)
	require.Len(t, refs, 2)
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse(EventEnvelope{EnvelopeID: "m4", Payload: []byte("not json")})
	require.Error(t, err)
	be, ok := bundlerrors.As(err)
	require.True(t, ok)
	require.Equal(t, bundlerrors.MalformedEnvelope, be.Code)
}

func TestParseRejectsMissingKey(t *testing.T) {
	payload := `{"Records":[{"s3":{"bucket":{"name":"src"},"object":{"size":1,"sequencer":"1"}}}]}`
	_, err := Parse(EventEnvelope{EnvelopeID: "m5", Payload: []byte(payload)})
	require.Error(t, err)
}

func TestParseRejectsNegativeSize(t *testing.T) {
	payload := `{"Records":[{"s3":{"bucket":{"name":"src"},"object":{"key":"a.bin","size":-1,"sequencer":"1"}}}]}`
	_, err := Parse(EventEnvelope{EnvelopeID: "m6", Payload: []byte(payload)})
	require.Error(t, err)
}

func TestParseRejectsMissingSequencer(t *testing.T) {
	payload := `{"Records":[{"s3":{"bucket":{"name":"src"},"object":{"key":"a.bin","size":1}}}]}`
	_, err := Parse(EventEnvelope{EnvelopeID: "m7", Payload: []byte(payload)})
	require.Error(t, err)
}

func TestUniquenessTokenPrefersVersionToken(t *testing.T) {
	ref := ObjectRef{VersionToken: "v2", SequenceToken: "seq"}
	require.Equal(t, "v2", ref.UniquenessToken())
}
