package domain

import (
	"time"

	"github.com/google/uuid"
)

// InvitationStatus represents the resolution state of a call invitation.
// Write-once except pending -> accepted/declined/expired.
type InvitationStatus string

const (
	InvitationStatusPending  InvitationStatus = "pending"
	InvitationStatusAccepted InvitationStatus = "accepted"
	InvitationStatusDeclined InvitationStatus = "declined"
	InvitationStatusExpired  InvitationStatus = "expired"
)

// Invitation represents a pending request for a user to join a call
type Invitation struct {
	ID        uuid.UUID        `json:"invitation_id"`
	CallID    uuid.UUID        `json:"call_id"`
	Kind      CallKind         `json:"kind"`
	InviterID uuid.UUID        `json:"inviter_id"`
	InviteeID uuid.UUID        `json:"invitee_id"`
	Status    InvitationStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Expired reports whether the invitation's TTL has elapsed at the given time
func (i *Invitation) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}
