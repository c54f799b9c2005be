package agierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfTraversesWrapping(t *testing.T) {
	inner := Newf(KindScopeViolation, "path %q escapes", "../x")
	wrapped := fmt.Errorf("dispatch: %w", inner)

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindScopeViolation, kind)

	kind, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
	assert.Empty(t, kind)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindProviderTransient, "provider call failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "provider_transient")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIsMatchesOnKind(t *testing.T) {
	a := New(KindToolError, "one thing")
	b := New(KindToolError, "another thing")
	c := New(KindConfig, "different kind")

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
}

func TestCancelledIsDistinctFromFailures(t *testing.T) {
	wrapped := fmt.Errorf("worker loop: %w", ErrCancelled)
	assert.True(t, IsCancelled(wrapped))

	// A classified failure never reads as cancellation, and vice versa.
	failure := Wrap(KindProviderTransient, "timeout", errors.New("deadline"))
	assert.False(t, IsCancelled(failure))
	_, ok := KindOf(ErrCancelled)
	assert.False(t, ok)
}
