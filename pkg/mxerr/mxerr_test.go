package mxerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	err := New(KindNotFound, "room not found")
	require.Equal(t, "not_found: room not found", err.Error())
	require.Nil(t, err.Unwrap())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(KindNetwork, "sync request failed", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, cause, err.Unwrap())
}

func TestWithMatrixErrAndRetry(t *testing.T) {
	err := New(KindUnauthorised, "token rejected").WithMatrixErr("M_UNKNOWN_TOKEN").WithRetry(3, 4000)
	require.Equal(t, "unauthorised: token rejected (M_UNKNOWN_TOKEN)", err.Error())
	require.Equal(t, 3, err.RetryIdx)
	require.Equal(t, int64(4000), err.RetryIn)
}

func TestIsMatchesOnKindOnly(t *testing.T) {
	err := Wrap(KindNotFound, "forgetting an already-left room", errors.New("404"))
	require.True(t, errors.Is(err, New(KindNotFound, "")))
	require.False(t, errors.Is(err, New(KindUnauthorised, "")))
}

func TestKindOf(t *testing.T) {
	k, ok := KindOf(New(KindSync, "retry budget exhausted"))
	require.True(t, ok)
	require.Equal(t, KindSync, k)

	_, ok = KindOf(errors.New("plain error"))
	require.False(t, ok)
}

func TestIsUnauthorisedAndIsNotFound(t *testing.T) {
	require.True(t, IsUnauthorised(New(KindUnauthorised, "")))
	require.False(t, IsUnauthorised(New(KindNotFound, "")))

	require.True(t, IsNotFound(New(KindNotFound, "")))
	require.False(t, IsNotFound(New(KindUnauthorised, "")))

	require.False(t, IsNotFound(errors.New("unrelated")))
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	require.False(t, errors.Is(ErrNoMatchingSession, ErrUnknownDevice))
	require.False(t, errors.Is(ErrBadEncryptedMessage, ErrSignatureMismatch))
}
