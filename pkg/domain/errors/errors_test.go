package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodeNoSuccessor, "engine", "no edge matches payload", nil)
	assert.Equal(t, "[engine:NO_SUCCESSOR] no edge matches payload", err.Error())

	cause := errors.New("boom")
	wrapped := New(CodeStepFailed, "executor", "step trim failed", cause)
	assert.Contains(t, wrapped.Error(), "boom")
	assert.Equal(t, cause, errors.Unwrap(wrapped))
}

func TestIsMatchesOnCode(t *testing.T) {
	a := New(CodeInvalidResume, "engine", "instance not suspended", nil)
	b := New(CodeInvalidResume, "chat", "different message", nil)
	assert.True(t, errors.Is(a, b))

	c := New(CodeStepTimeout, "executor", "timed out", nil)
	assert.False(t, errors.Is(a, c))
}

func TestHasCodeThroughChain(t *testing.T) {
	inner := New(CodeCircuitOpen, "breaker", "circuit open for step build", nil)
	outer := fmt.Errorf("invoking step: %w", inner)

	assert.True(t, HasCode(outer, CodeCircuitOpen))
	assert.False(t, HasCode(outer, CodeStepTimeout))
	assert.Equal(t, CodeCircuitOpen, CodeOf(outer))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
}
