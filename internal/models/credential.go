package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	CredentialActive   = "active"
	CredentialDisabled = "disabled"
)

// Credential is an outbound API credential for the image generation service.
// SecretRef is opaque and must never be logged; use Redacted.
type Credential struct {
	ID           uuid.UUID  `json:"id"`
	Label        string     `json:"label"`
	SecretRef    string     `json:"-"`
	Status       string     `json:"status"`
	FailureCount int        `json:"failure_count"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Redacted returns the secret reference with everything but the last four characters masked.
func (c *Credential) Redacted() string {
	const visible = 4
	if len(c.SecretRef) <= visible {
		return "****"
	}
	return "****" + c.SecretRef[len(c.SecretRef)-visible:]
}
