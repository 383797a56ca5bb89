package bundlerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetaKnownCode(t *testing.T) {
	m := Meta(ObjectNotFound)
	require.Equal(t, KindClient, m.Kind)
	require.False(t, m.Retryable)
}

func TestMetaUnknownCodeFallsBackToInternal(t *testing.T) {
	m := Meta(Code("not.a.real.code"))
	require.Equal(t, registry[Internal], m)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(TransientStoreError, "conditional put failed", cause, map[string]string{"idempotency_key": "v1:abc"})

	require.True(t, errors.Is(err, err))
	require.ErrorIs(t, err, cause)
	require.True(t, IsRetryable(err))
}

func TestIsRetryableForPlainError(t *testing.T) {
	require.True(t, IsRetryable(errors.New("unclassified")))
	require.False(t, IsRetryable(nil))
}

func TestAsExtractsTypedError(t *testing.T) {
	err := New(BatchTooLarge, "too big")
	be, ok := As(err)
	require.True(t, ok)
	require.Equal(t, BatchTooLarge, be.Code)
}
