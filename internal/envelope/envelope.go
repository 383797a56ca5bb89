// Package envelope implements EnvelopeParser: decoding batch envelopes into
// typed ObjectRefs. The record-id -> envelope-ids mapping used to translate
// per-record outcomes back into per-envelope failures is kept by the
// orchestrator, not here. Grounded in the original schemas.py S3EventRecord shape and the
// record-handler parsing in app.py/aapp.py.
package envelope

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Ap3pp3rs94/batchforge/internal/bundlerrors"
)

// EventEnvelope is one transport-level unit from the queue (spec §3).
type EventEnvelope struct {
	EnvelopeID string
	Payload    []byte
}

// ObjectRef is a single object-change notification inside an envelope.
type ObjectRef struct {
	Container     string
	OriginalKey   string
	DeclaredSize  uint64
	VersionToken  string // optional
	SequenceToken string
}

// UniquenessToken returns VersionToken if present, else SequenceToken, per
// spec §4.2's idempotency key derivation rule.
func (r ObjectRef) UniquenessToken() string {
	if r.VersionToken != "" {
		return r.VersionToken
	}
	return r.SequenceToken
}

// wire shapes, matching the object-store event notification body.
type wireBucket struct {
	Name string `json:"name"`
}
type wireObject struct {
	Key       string      `json:"key"`
	Size      json.Number `json:"size"`
	VersionID string      `json:"versionId"`
	Sequencer string      `json:"sequencer"`
}
type wireEntity struct {
	Bucket wireBucket `json:"bucket"`
	Object wireObject `json:"object"`
}
type wireRecord struct {
	S3 wireEntity `json:"s3"`
}
type wireBody struct {
	Records []wireRecord `json:"Records"`
}

// Parse decodes one envelope's payload into ObjectRefs. Any structural
// problem (bad JSON, missing container/key/sequencer, negative or
// non-integer size) fails the ENTIRE envelope, per spec §4.3.
func Parse(env EventEnvelope) ([]ObjectRef, error) {
	var body wireBody
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return nil, bundlerrors.Wrap(bundlerrors.MalformedEnvelope, "payload is not valid JSON", err,
			map[string]string{"envelope_id": env.EnvelopeID})
	}

	refs := make([]ObjectRef, 0, len(body.Records))
	for i, rec := range body.Records {
		container := strings.TrimSpace(rec.S3.Bucket.Name)
		if container == "" {
			return nil, bundlerrors.New(bundlerrors.MalformedEnvelope,
				fmt.Sprintf("record %d missing bucket name", i))
		}

		rawKey := rec.S3.Object.Key
		if rawKey == "" {
			return nil, bundlerrors.New(bundlerrors.MalformedEnvelope,
				fmt.Sprintf("record %d missing object key", i))
		}
		// key MUST be percent-decoded before becoming original_key (spec §6).
		originalKey, err := url.QueryUnescape(rawKey)
		if err != nil {
			return nil, bundlerrors.Wrap(bundlerrors.MalformedEnvelope, "object key is not valid percent-encoding", err,
				map[string]string{"envelope_id": env.EnvelopeID})
		}

		sequencer := strings.TrimSpace(rec.S3.Object.Sequencer)
		if sequencer == "" {
			return nil, bundlerrors.New(bundlerrors.MalformedEnvelope,
				fmt.Sprintf("record %d missing sequencer", i))
		}

		if rec.S3.Object.Size == "" {
			return nil, bundlerrors.New(bundlerrors.MalformedEnvelope,
				fmt.Sprintf("record %d missing size", i))
		}
		size, err := rec.S3.Object.Size.Int64()
		if err != nil || size < 0 {
			return nil, bundlerrors.New(bundlerrors.MalformedEnvelope,
				fmt.Sprintf("record %d has a negative or non-integer size", i))
		}

		refs = append(refs, ObjectRef{
			Container:     container,
			OriginalKey:   originalKey,
			DeclaredSize:  uint64(size),
			VersionToken:  strings.TrimSpace(rec.S3.Object.VersionID),
			SequenceToken: sequencer,
		})
	}
	return refs, nil
}
