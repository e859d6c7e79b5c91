package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLifecycleTransitions(t *testing.T) {
	assert.True(t, LifecyclePending.CanTransitionTo(LifecycleProvisioning))
	assert.True(t, LifecycleProvisioning.CanTransitionTo(LifecycleVerifying))
	assert.True(t, LifecycleVerifying.CanTransitionTo(LifecycleActive))

	// error is reachable from provisioning and verifying
	assert.True(t, LifecycleProvisioning.CanTransitionTo(LifecycleError))
	assert.True(t, LifecycleVerifying.CanTransitionTo(LifecycleError))

	// removal is reachable from every non-terminal state
	for _, from := range []LifecycleStatus{
		LifecyclePending, LifecycleProvisioning, LifecycleVerifying, LifecycleActive, LifecycleError,
	} {
		assert.True(t, from.CanTransitionTo(LifecycleRemoved), "from %s", from)
	}

	// no skipping ahead and no leaving removed
	assert.False(t, LifecyclePending.CanTransitionTo(LifecycleActive))
	assert.False(t, LifecyclePending.CanTransitionTo(LifecycleVerifying))
	assert.False(t, LifecycleActive.CanTransitionTo(LifecycleVerifying))
	assert.False(t, LifecycleRemoved.CanTransitionTo(LifecyclePending))

	assert.True(t, LifecycleRemoved.IsTerminal())
	assert.False(t, LifecycleError.IsTerminal())
}

func TestStatusValidity(t *testing.T) {
	assert.NoError(t, LifecyclePending.IsValid())
	assert.Error(t, LifecycleStatus("bogus").IsValid())
	assert.NoError(t, SSLActive.IsValid())
	assert.Error(t, SSLStatus("bogus").IsValid())
}
