//go:build !debug

package invariant

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViolationIsRefusedInReleaseBuilds(t *testing.T) {
	err := Violation("phase change after %d ticks", 3)
	assert.True(t, errors.Is(err, ErrViolation))
	assert.Contains(t, err.Error(), "phase change after 3 ticks")
}

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(true, "never"))
	assert.ErrorIs(t, Check(false, "broken"), ErrViolation)
}
