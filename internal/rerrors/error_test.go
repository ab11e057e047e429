package rerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindRoundTrip(t *testing.T) {
	err := New(PartNotFound, "part %s missing", "all_0_0_0")
	require.True(t, Is(err, PartNotFound))
	require.False(t, Is(err, PartAlreadyExists))
	require.Equal(t, PartNotFound, KindOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: timeout")
	err := Wrap(CoordinatorUnavailable, cause, "allocateBlockNumber")
	require.ErrorIs(t, err, cause)
	require.True(t, Retriable(err))
}

func TestFatalOnlyForInvariantViolation(t *testing.T) {
	require.True(t, Fatal(New(LogicalInvariantViolated, "overlapping active parts")))
	require.False(t, Fatal(New(PartNotFound, "x")))
}

func TestRetriableKinds(t *testing.T) {
	require.True(t, Retriable(New(VersionConflict, "columns")))
	require.True(t, Retriable(New(TooManyConcurrentOperations, "merge")))
	require.False(t, Retriable(New(Aborted, "shutdown")))
}
