package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesCodeAndReason(t *testing.T) {
	err := CycleAlreadyActive("R7", "c1")

	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, errors.Is(err, ErrCycleAlreadyActive))
	assert.False(t, errors.Is(err, ErrImmutableCycle))
	assert.False(t, errors.Is(ErrConflict, ErrCycleAlreadyActive))
}

func TestError_WrappedHelpers(t *testing.T) {
	wrapped := fmt.Errorf("record settlement: %w", ImmutableCycle("c9"))

	assert.True(t, IsImmutable(wrapped))
	assert.Equal(t, CodeImmutableCycle, CodeOf(wrapped))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestError_MessageIncludesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := TransientSync(cause)

	assert.Equal(t, "TRANSIENT_SYNC: transient sync failure: dial tcp: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestError_WithDetailCopies(t *testing.T) {
	base := Validation("bad amount")
	withID := base.WithDetail("field", "gross")

	assert.Equal(t, "gross", withID.Detail("field"))
	assert.Equal(t, "", base.Detail("field"))
}

func TestIdentityConflict_CarriesCanonicalID(t *testing.T) {
	err := IdentityConflict("client", "local-1", "server-1")

	ae, ok := As(fmt.Errorf("upsert: %w", err))
	if assert.True(t, ok) {
		assert.Equal(t, "server-1", ae.Detail(DetailCanonicalID))
	}
}
