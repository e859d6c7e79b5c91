package db

import (
	"time"

	"github.com/shopkit/shopkit-domains/pkg/model"
)

// DomainRecord is one custom-domain attempt for a (tenant, hostname) pair.
// Hostname uniqueness is global across tenants and enforced at creation
// against all non-removed rows.
type DomainRecord struct {
	ID              string                `gorm:"primarykey;size:36"`
	TenantID        string                `gorm:"index;size:64"`
	Hostname        string                `gorm:"index;size:253"`
	LifecycleStatus model.LifecycleStatus `gorm:"size:16"`
	SSLStatus       model.SSLStatus       `gorm:"size:16"`

	// External refs are opaque ids returned by the edge platform and the
	// DNS/CDN provider. Empty until the corresponding call succeeds, set at
	// most once, cleared only on successful external cleanup.
	EdgePlatformRef string `gorm:"size:128"`
	DNSProviderRef  string `gorm:"size:128"`

	// VerificationToken is generated once at creation and published by the
	// tenant as a TXT record when ownership proof is required.
	VerificationToken string `gorm:"size:64"`

	// Attempts counts provisioning tries, bounding the retry budget.
	Attempts       int
	LastVerifiedAt *time.Time
	ErrorDetail    string `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Response converts a record to its API representation.
func (r DomainRecord) Response() model.DomainResponse {
	return model.DomainResponse{
		ID:                r.ID,
		TenantID:          r.TenantID,
		Hostname:          r.Hostname,
		LifecycleStatus:   r.LifecycleStatus,
		SSLStatus:         r.SSLStatus,
		VerificationToken: r.VerificationToken,
		LastVerifiedAt:    r.LastVerifiedAt,
		ErrorDetail:       r.ErrorDetail,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}
