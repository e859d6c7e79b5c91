package model

import (
	"fmt"
)

const (
	LifecyclePending      LifecycleStatus = "pending"
	LifecycleProvisioning LifecycleStatus = "provisioning"
	LifecycleVerifying    LifecycleStatus = "verifying"
	LifecycleActive       LifecycleStatus = "active"
	LifecycleError        LifecycleStatus = "error"
	LifecycleRemoved      LifecycleStatus = "removed"
)

// LifecycleStatus is the provisioning lifecycle state of a custom domain.
type LifecycleStatus string

// allowedTransitions defines the legal state machine edges. Any edge not in
// this map is rejected by the store.
var allowedTransitions = map[LifecycleStatus][]LifecycleStatus{
	LifecyclePending:      {LifecycleProvisioning, LifecycleError, LifecycleRemoved},
	LifecycleProvisioning: {LifecycleVerifying, LifecycleError, LifecycleRemoved},
	LifecycleVerifying:    {LifecycleActive, LifecycleError, LifecycleRemoved},
	LifecycleActive:       {LifecycleRemoved},
	LifecycleError:        {LifecycleRemoved},
	LifecycleRemoved:      {},
}

func (s LifecycleStatus) IsValid() error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid lifecycle status %q", string(s))
	}
	return nil
}

// CanTransitionTo reports whether moving from s to target is a legal edge.
func (s LifecycleStatus) CanTransitionTo(target LifecycleStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is final. Removed is the only state
// with no outgoing edges; error still allows removal.
func (s LifecycleStatus) IsTerminal() bool {
	return s == LifecycleRemoved
}

func (s LifecycleStatus) String() string {
	return string(s)
}

const (
	SSLNone         SSLStatus = "none"
	SSLProvisioning SSLStatus = "provisioning"
	SSLActive       SSLStatus = "active"
	SSLError        SSLStatus = "error"
)

// SSLStatus tracks certificate issuance separately from the lifecycle,
// since SSL activation lags DNS activation.
type SSLStatus string

func (s SSLStatus) IsValid() error {
	switch s {
	case SSLNone, SSLProvisioning, SSLActive, SSLError:
		return nil
	}
	return fmt.Errorf("invalid ssl status %q", string(s))
}

func (s SSLStatus) String() string {
	return string(s)
}
