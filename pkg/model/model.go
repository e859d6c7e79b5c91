package model

import (
	"time"
)

type DomainRequest struct {
	Hostname string `json:"hostname,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
}

type DomainResponse struct {
	ID                string          `json:"id,omitempty"`
	TenantID          string          `json:"tenantId,omitempty"`
	Hostname          string          `json:"hostname,omitempty"`
	LifecycleStatus   LifecycleStatus `json:"lifecycleStatus,omitempty"`
	SSLStatus         SSLStatus       `json:"sslStatus,omitempty"`
	VerificationToken string          `json:"verificationToken,omitempty"`
	LastVerifiedAt    *time.Time      `json:"lastVerifiedAt,omitempty"`
	ErrorDetail       string          `json:"errorDetail,omitempty"`
	CreatedAt         time.Time       `json:"createdAt,omitempty"`
	UpdatedAt         time.Time       `json:"updatedAt,omitempty"`
}

type VerifyResponse struct {
	Domain   DomainResponse `json:"domain,omitempty"`
	Verified bool           `json:"verified"`
	Reason   string         `json:"reason,omitempty"`
}

type ErrorResponse struct {
	Status  int         `json:"status,omitempty"`
	Message string      `json:"msg,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
