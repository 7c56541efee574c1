package models

import "time"

// Credential is a snapshot of upstream provisioning secrets.
// SessionID and Signature are only populated after decryption.
type Credential struct {
	ID          string
	APIURL      string
	SessionID   string `json:"-"`
	Signature   string `json:"-"`
	CreatedAt   time.Time
	ValidatedAt *time.Time
	LastUsedAt  *time.Time
	IsActive    bool
	CreatedBy   string
}

// SealedCredential is the at-rest form of a Credential.
type SealedCredential struct {
	ID              string
	APIURL          string
	SealedSessionID []byte
	SealedSignature []byte
	CreatedAt       time.Time
	ValidatedAt     *time.Time
	LastUsedAt      *time.Time
	IsActive        bool
	CreatedBy       string
}
