package entities

import (
	"time"
)

// DisputeReason is the enumerated cause given when opening a dispute
type DisputeReason string

const (
	DisputeReasonItemNotReceived    DisputeReason = "ITEM_NOT_RECEIVED"
	DisputeReasonItemNotAsDescribed DisputeReason = "ITEM_NOT_AS_DESCRIBED"
	DisputeReasonItemDamaged        DisputeReason = "ITEM_DAMAGED"
	DisputeReasonWrongItem          DisputeReason = "WRONG_ITEM"
	DisputeReasonSellerFraud        DisputeReason = "SELLER_FRAUD"
	DisputeReasonBuyerFraud         DisputeReason = "BUYER_FRAUD"
	DisputeReasonOther              DisputeReason = "OTHER"
)

// IsValid reports whether r is a known reason
func (r DisputeReason) IsValid() bool {
	switch r {
	case DisputeReasonItemNotReceived, DisputeReasonItemNotAsDescribed, DisputeReasonItemDamaged,
		DisputeReasonWrongItem, DisputeReasonSellerFraud, DisputeReasonBuyerFraud, DisputeReasonOther:
		return true
	}
	return false
}

// DisputeStatus represents whether a dispute is still being worked
type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "OPEN"
	DisputeStatusResolved DisputeStatus = "RESOLVED"
)

// DisputeResolution is the admin decision that closes a dispute
type DisputeResolution string

const (
	ResolutionBuyerFavored    DisputeResolution = "BUYER_FAVORED"
	ResolutionSellerFavored   DisputeResolution = "SELLER_FAVORED"
	ResolutionPartialRefund   DisputeResolution = "PARTIAL_REFUND"
	ResolutionMutualAgreement DisputeResolution = "MUTUAL_AGREEMENT"
	ResolutionCancelled       DisputeResolution = "CANCELLED"
)

// IsValid reports whether r is a known resolution
func (r DisputeResolution) IsValid() bool {
	switch r {
	case ResolutionBuyerFavored, ResolutionSellerFavored, ResolutionPartialRefund,
		ResolutionMutualAgreement, ResolutionCancelled:
		return true
	}
	return false
}

// Dispute records a trade disagreement raised against an escrow
type Dispute struct {
	ID                string
	EscrowID          string
	InitiatorID       string
	RespondentID      string
	Reason            DisputeReason
	Description       string
	Status            DisputeStatus
	ResponseDeadline  time.Time
	Resolution        DisputeResolution // empty while open
	RefundAmount      int64             // cash returned to the buyer on PARTIAL_REFUND
	RefundXcoinAmount int64             // xcoin returned to the buyer on PARTIAL_REFUND
	ResolvedBy        string
	ResolvedAt        *time.Time
	ResolutionNotes   string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SenderRole is the part a message author plays in a dispute
type SenderRole string

const (
	SenderRoleInitiator  SenderRole = "INITIATOR"
	SenderRoleRespondent SenderRole = "RESPONDENT"
	SenderRoleAdmin      SenderRole = "ADMIN"
)

// DisputeMessage is one entry in a dispute thread
type DisputeMessage struct {
	ID          string
	DisputeID   string
	SenderID    string
	SenderRole  SenderRole
	Message     string
	Attachments []string
	IsInternal  bool // visible to admins only
	CreatedAt   time.Time
}
