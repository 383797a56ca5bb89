// Package idempotency implements IdempotencyKey derivation and the
// IdempotencyGuard's conditional claim against DynamoDB. Key derivation
// follows the teacher's pkg/idempotency/keys.go canonical-encoding idea,
// applied to spec §3/§4.2's {original_key, version-or-sequence-token}
// tuple: the tuple is JSON-encoded and then percent-escaped; no hash is
// taken.
package idempotency

import (
	"encoding/json"
	"net/url"
)

// Key is a deterministic, collision-proof identity token for one object
// change. It excludes the container so the same content landing in
// different containers de-duplicates once (spec §3).
type Key string

// keyTuple is canonical-JSON-encoded before percent-escaping; map keys are
// single letters to keep the wire form compact and stable.
type keyTuple struct {
	K string `json:"k"`
	U string `json:"u"`
}

// Derive builds the IdempotencyKey for (originalKey, uniquenessToken).
// uniquenessToken is the object's version_token if the bucket is versioned,
// else its sequence_token (spec §4.2).
func Derive(originalKey, uniquenessToken string) (Key, error) {
	tuple := keyTuple{K: originalKey, U: uniquenessToken}
	// encoding/json.Marshal on a struct with fixed field order already
	// produces a stable byte sequence; no map-key sort is needed here,
	// unlike the teacher's generalized encodeDeterministic for arbitrary
	// values.
	canonical, err := json.Marshal(tuple)
	if err != nil {
		return "", err
	}
	return Key(url.QueryEscape(string(canonical))), nil
}
