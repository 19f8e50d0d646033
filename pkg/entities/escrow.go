package entities

import (
	"time"
)

// EscrowType represents the kind of trade an escrow secures
type EscrowType string

const (
	EscrowTypeSale              EscrowType = "SALE"
	EscrowTypeBarter            EscrowType = "BARTER"
	EscrowTypeBarterChain       EscrowType = "BARTER_CHAIN"
	EscrowTypeAuctionSettlement EscrowType = "AUCTION_SETTLEMENT"
)

// IsValid reports whether t is a known escrow type
func (t EscrowType) IsValid() bool {
	switch t {
	case EscrowTypeSale, EscrowTypeBarter, EscrowTypeBarterChain, EscrowTypeAuctionSettlement:
		return true
	}
	return false
}

// EscrowStatus represents a state of the escrow lifecycle
type EscrowStatus string

const (
	EscrowStatusCreated         EscrowStatus = "CREATED"
	EscrowStatusFunded          EscrowStatus = "FUNDED"
	EscrowStatusPendingDelivery EscrowStatus = "PENDING_DELIVERY"
	EscrowStatusDelivered       EscrowStatus = "DELIVERED"
	EscrowStatusInspection      EscrowStatus = "INSPECTION"
	EscrowStatusReleased        EscrowStatus = "RELEASED"
	EscrowStatusRefunded        EscrowStatus = "REFUNDED"
	EscrowStatusDisputed        EscrowStatus = "DISPUTED"
	EscrowStatusCancelled       EscrowStatus = "CANCELLED"
	EscrowStatusExpired         EscrowStatus = "EXPIRED"
)

// transitions lists every allowed from -> to move of the lifecycle
var transitions = map[EscrowStatus][]EscrowStatus{
	EscrowStatusCreated:         {EscrowStatusFunded, EscrowStatusCancelled, EscrowStatusExpired},
	EscrowStatusFunded:          {EscrowStatusPendingDelivery, EscrowStatusDelivered, EscrowStatusRefunded, EscrowStatusDisputed, EscrowStatusExpired},
	EscrowStatusPendingDelivery: {EscrowStatusDelivered, EscrowStatusDisputed, EscrowStatusExpired},
	EscrowStatusDelivered:       {EscrowStatusInspection, EscrowStatusReleased, EscrowStatusDisputed},
	EscrowStatusInspection:      {EscrowStatusReleased, EscrowStatusDisputed},
	EscrowStatusDisputed:        {EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusCancelled},
}

// IsValid reports whether s is a known status
func (s EscrowStatus) IsValid() bool {
	switch s {
	case EscrowStatusCreated, EscrowStatusFunded, EscrowStatusPendingDelivery, EscrowStatusDelivered,
		EscrowStatusInspection, EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusDisputed,
		EscrowStatusCancelled, EscrowStatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave s
func (s EscrowStatus) IsTerminal() bool {
	switch s {
	case EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusCancelled, EscrowStatusExpired:
		return true
	}
	return false
}

// IsSettled reports whether funds have already been paid out or returned
func (s EscrowStatus) IsSettled() bool {
	return s == EscrowStatusReleased || s == EscrowStatusRefunded
}

// HoldsFunds reports whether the buyer's funds are frozen while in s
func (s EscrowStatus) HoldsFunds() bool {
	switch s {
	case EscrowStatusFunded, EscrowStatusPendingDelivery, EscrowStatusDelivered, EscrowStatusInspection, EscrowStatusDisputed:
		return true
	}
	return false
}

// CanDispute reports whether a dispute may be opened while in s
func (s EscrowStatus) CanDispute() bool {
	switch s {
	case EscrowStatusFunded, EscrowStatusPendingDelivery, EscrowStatusDelivered, EscrowStatusInspection:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from one status to another
func CanTransition(from, to EscrowStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ActorType identifies who triggered a transition
type ActorType string

const (
	ActorSystem      ActorType = "SYSTEM"
	ActorBuyer       ActorType = "BUYER"
	ActorSeller      ActorType = "SELLER"
	ActorFacilitator ActorType = "FACILITATOR"
	ActorAdmin       ActorType = "ADMIN"
)

// Actor is the caller of an escrow operation. ID is empty for the system.
type Actor struct {
	Type ActorType
	ID   string
}

// SystemActor is used by the scheduler and internal flows
var SystemActor = Actor{Type: ActorSystem}

// Escrow holds funds in trust between a buyer and a seller
type Escrow struct {
	ID               string
	Type             EscrowType
	BuyerID          string
	SellerID         string
	Amount           int64 // cash units
	XcoinAmount      int64 // reward coin units
	Status           EscrowStatus
	AutoRelease      bool
	AutoReleaseAfter int // inspection window in hours
	FacilitatorID    string
	FacilitatorFee   int64
	CreatedAt        time.Time
	FundedAt         *time.Time
	DeliveredAt      *time.Time
	InspectionEndsAt *time.Time
	ReleasedAt       *time.Time
	RefundedAt       *time.Time
	CancelledAt      *time.Time
	ExpiresAt        *time.Time
	UpdatedAt        time.Time
	Version          int64
}

// Legs returns the non-zero currency amounts held by the escrow
func (e *Escrow) Legs() map[Currency]int64 {
	legs := make(map[Currency]int64, 2)
	if e.Amount > 0 {
		legs[CurrencyCash] = e.Amount
	}
	if e.XcoinAmount > 0 {
		legs[CurrencyXcoin] = e.XcoinAmount
	}
	return legs
}

// PartyRole returns the actor type userID plays in this escrow
func (e *Escrow) PartyRole(userID string) (ActorType, bool) {
	switch {
	case userID == "":
		return "", false
	case userID == e.BuyerID:
		return ActorBuyer, true
	case userID == e.SellerID:
		return ActorSeller, true
	case userID == e.FacilitatorID:
		return ActorFacilitator, true
	}
	return "", false
}

// Milestone names an audit event in the escrow history
type Milestone string

const (
	MilestoneCreated           Milestone = "CREATED"
	MilestoneFunded            Milestone = "FUNDED"
	MilestoneShipped           Milestone = "SHIPPED"
	MilestoneDelivered         Milestone = "DELIVERED"
	MilestoneInspectionStarted Milestone = "INSPECTION_STARTED"
	MilestoneReleased          Milestone = "RELEASED"
	MilestoneAutoReleased      Milestone = "AUTO_RELEASED"
	MilestoneRefunded          Milestone = "REFUNDED"
	MilestoneCancelled         Milestone = "CANCELLED"
	MilestoneExpired           Milestone = "EXPIRED"
	MilestoneDisputed          Milestone = "DISPUTED"
	MilestoneDisputeResolved   Milestone = "DISPUTE_RESOLVED"
	MilestonePartialRefund     Milestone = "PARTIAL_REFUND"
)

// EscrowMilestone is an append-only audit entry, one per transition
type EscrowMilestone struct {
	ID          string
	EscrowID    string
	Milestone   Milestone
	Status      EscrowStatus // escrow status after the transition
	Description string
	ActorType   ActorType
	ActorID     string
	CreatedAt   time.Time
}
