package common

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	assert := assert.New(t)

	// Case 0: a breaker fail-fast is recognized through the wrapping chain
	{
		err := DependencyError{Dependency: "enrichment", Cause: ErrCircuitOpen}
		assert.True(IsCircuitOpen(err))
		assert.True(IsCircuitOpen(fmt.Errorf("outer: %w", err)))
	}

	// Case 1: an ordinary dependency failure is not
	{
		err := DependencyError{Dependency: "enrichment", Cause: fmt.Errorf("dummy error")}
		assert.False(IsCircuitOpen(err))
	}

	// Case 2: error text carries the relevant identifiers
	{
		assert.Contains(RateLimitError{Key: "conn-1"}.Error(), "conn-1")
		assert.Contains(
			DependencyError{Dependency: "crm", Cause: fmt.Errorf("down")}.Error(), "crm",
		)
		assert.Equal("bad input", NewValidationError("bad %s", "input").Error())
	}

	// Case 3: authentication errors format with and without a cause
	{
		assert.Equal("no token", AuthenticationError{Msg: "no token"}.Error())
		withCause := AuthenticationError{Msg: "rejected", Cause: fmt.Errorf("expired")}
		assert.Equal("rejected: expired", withCause.Error())
	}
}
