package db

import (
	"errors"
	"time"

	"github.com/shopkit/shopkit-domains/pkg/model"
)

var (
	// ErrDuplicateHostname is returned when a non-removed record already
	// claims the hostname, regardless of owning tenant.
	ErrDuplicateHostname = errors.New("hostname already in use")

	// ErrNotFound is returned when acting on a missing or removed record.
	ErrNotFound = errors.New("domain record not found")

	// ErrRemoved is returned by UpdateStatus when the record was
	// concurrently removed.
	ErrRemoved = errors.New("domain record was removed")

	// ErrIllegalTransition is returned when an update would take the
	// lifecycle through an edge the state machine does not allow.
	ErrIllegalTransition = errors.New("illegal lifecycle transition")
)

// Fields is a partial update applied by UpdateStatus. Nil members are left
// untouched.
type Fields struct {
	LifecycleStatus *model.LifecycleStatus
	SSLStatus       *model.SSLStatus
	EdgePlatformRef *string
	DNSProviderRef  *string
	Attempts        *int
	LastVerifiedAt  *time.Time
	ErrorDetail     *string
}

type Database interface {
	CreateDomain(tenantID, hostname, verificationToken string) (DomainRecord, error)
	GetDomain(id string) (DomainRecord, error)
	ListByTenant(tenantID string) ([]DomainRecord, error)
	// UpdateStatus applies a partial update inside a transaction. It fails
	// with ErrRemoved if the record was concurrently removed and with
	// ErrIllegalTransition if the lifecycle edge is not allowed.
	UpdateStatus(id string, fields Fields) (DomainRecord, error)
	// ListInFlight returns all records still moving through the state
	// machine (pending, provisioning or verifying), oldest first. Used by
	// the sweeper to re-adopt scheduled work after a restart.
	ListInFlight() ([]DomainRecord, error)
}
