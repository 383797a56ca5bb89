// Package bundlerrors implements the kind x retryable error taxonomy the
// batch aggregation engine reports, adapted from the teacher's
// pkg/errors code-registry convention.
package bundlerrors

import (
	"errors"
	"fmt"
)

// Code is a stable error code for this engine.
type Code string

// Kind groups codes by how the orchestrator must react to them.
type Kind string

const (
	KindClient     Kind = "client"     // bad input; not retried as-is
	KindDependency Kind = "dependency" // upstream store/object-service issue
	KindSecurity   Kind = "security"   // rejected for safety reasons
	KindServer     Kind = "server"     // this engine's own fault
)

const (
	MalformedEnvelope       Code = "batch.malformed_envelope"
	IdempotencyDuplicate    Code = "batch.idempotency_duplicate"
	TransientStoreError     Code = "batch.transient_store_error"
	ObjectNotFound          Code = "batch.object_not_found"
	AccessDenied            Code = "batch.access_denied"
	StoreThrottled          Code = "batch.store_throttled"
	StoreTimeout            Code = "batch.store_timeout"
	MemoryLimitExceeded     Code = "batch.memory_limit_exceeded"
	DiskSpaceExceeded       Code = "batch.disk_space_exceeded"
	BundleCreationError     Code = "batch.bundle_creation_error"
	BatchTooLarge           Code = "batch.too_large"
	BundlingTimeout         Code = "batch.bundling_timeout"
	ConfigurationError      Code = "batch.configuration_error"
	BackpressureOverflow    Code = "batch.backpressure_overflow"
	Internal                Code = "batch.internal"
)

// CodeMeta describes how a code behaves.
type CodeMeta struct {
	Retryable   bool
	Kind        Kind
	Description string
}

var registry = map[Code]CodeMeta{
	MalformedEnvelope:    {Retryable: false, Kind: KindClient, Description: "envelope failed structural validation"},
	IdempotencyDuplicate: {Retryable: false, Kind: KindClient, Description: "record already claimed within TTL window"},
	TransientStoreError:  {Retryable: true, Kind: KindDependency, Description: "idempotency store error other than conditional-check-failed"},
	ObjectNotFound:       {Retryable: false, Kind: KindClient, Description: "object no longer present in the store"},
	AccessDenied:         {Retryable: false, Kind: KindSecurity, Description: "object store denied access to the record"},
	StoreThrottled:       {Retryable: true, Kind: KindDependency, Description: "object store throttled the request"},
	StoreTimeout:         {Retryable: true, Kind: KindDependency, Description: "object store call timed out"},
	MemoryLimitExceeded:  {Retryable: true, Kind: KindServer, Description: "in-memory spool threshold exceeded unexpectedly"},
	DiskSpaceExceeded:    {Retryable: true, Kind: KindServer, Description: "on-disk budget exceeded; graceful stop"},
	BundleCreationError:  {Retryable: true, Kind: KindServer, Description: "archive writer failed"},
	BatchTooLarge:        {Retryable: true, Kind: KindClient, Description: "declared input size exceeds the pre-flight ceiling"},
	BundlingTimeout:      {Retryable: true, Kind: KindServer, Description: "time budget exhausted; graceful stop"},
	ConfigurationError:   {Retryable: false, Kind: KindClient, Description: "engine configuration invalid at cold start"},
	BackpressureOverflow: {Retryable: true, Kind: KindDependency, Description: "writer could not keep up within the channel-send timeout"},
	Internal:             {Retryable: true, Kind: KindServer, Description: "unclassified internal error"},
}

// Meta returns the metadata for code, or the Internal metadata if unknown.
func Meta(code Code) CodeMeta {
	if m, ok := registry[code]; ok {
		return m
	}
	return registry[Internal]
}

// Known reports whether code is in the registry.
func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// Error is a typed error carrying a stable code and redacted context.
// Context MUST NOT contain full payloads or credentials; callers are
// expected to pass only small identifying scalars (keys, sizes, counts).
type Error struct {
	Code    Code
	Message string
	Context map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the wrapped code is retryable.
func (e *Error) Retryable() bool { return Meta(e.Code).Retryable }

// Kind returns the wrapped code's kind.
func (e *Error) Kind() Kind { return Meta(e.Code).Kind }

// New builds a bundlerrors.Error with no context.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap builds a bundlerrors.Error around an existing error.
func Wrap(code Code, msg string, cause error, context map[string]string) *Error {
	return &Error{Code: code, Message: msg, Context: context, cause: cause}
}

// As extracts a *Error from err, if any, mirroring errors.As ergonomics.
func As(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsRetryable reports whether err, if it carries a Code, is retryable.
// A non-bundlerrors error is conservatively treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if be, ok := As(err); ok {
		return be.Retryable()
	}
	return true
}
