package zerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	base := errors.New("disk full")
	err := Wrap(QuotaExceeded, "store.extractBlob", "deadbeef", base)
	assert.True(t, Is(err, QuotaExceeded))
	assert.False(t, Is(err, NetworkError))
}

func TestIsMatchesThroughFmtErrorfWrapping(t *testing.T) {
	inner := New(NotFound, "planner.fetchOne", "jq")
	outer := fmt.Errorf("planner: checking installed state: %w", inner)
	assert.True(t, Is(outer, NotFound))
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), NotFound))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(NetworkError, "op", "key", nil))
}

func TestErrorMessageIncludesKeyAndCause(t *testing.T) {
	err := Wrap(HashMismatch, "downloader.attempt", "abc123", errors.New("mismatch"))
	msg := err.Error()
	assert.Contains(t, msg, "downloader.attempt")
	assert.Contains(t, msg, "HashMismatch")
	assert.Contains(t, msg, "abc123")
	assert.Contains(t, msg, "mismatch")
}

func TestErrorMessageWithoutKeyOrCause(t *testing.T) {
	err := New(DependencyCycle, "planner.Plan", "")
	assert.Equal(t, "planner.Plan: DependencyCycle", err.Error())
}

func TestKindStringCoversEveryDefinedKind(t *testing.T) {
	kinds := []Kind{
		NotFound, NetworkError, HashMismatch, MalformedFormula, NoCompatibleBottle,
		DependencyCycle, LinkConflict, MaterializeError, LockTimeout, DatabaseError,
		PatcherMissing, QuotaExceeded,
	}
	for _, k := range kinds {
		assert.NotEqual(t, "Unknown", k.String(), "kind %d should have a name", k)
	}
	assert.Equal(t, "Unknown", Unknown.String())
}

func zeroKindPlaceholder() Kind { return Unknown }
