package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/fadedpez/tradevault/pkg/entities"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrDisputeNotFound = errors.New("dispute not found")
)

// Repository defines storage for escrows, their milestone log and disputes.
// Implementations are scoped to one atomic unit, see store.Store.
type Repository interface {
	// Escrow records
	CreateEscrow(ctx context.Context, escrow *entities.Escrow) error
	GetEscrow(ctx context.Context, id string) (*entities.Escrow, error)
	GetEscrowForUpdate(ctx context.Context, id string) (*entities.Escrow, error)
	UpdateEscrow(ctx context.Context, escrow *entities.Escrow) error

	// ListExpired returns escrows in a pre-delivery status whose ExpiresAt is at or before now
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*entities.Escrow, error)

	// ListByStatus returns escrows currently in status, oldest first
	ListByStatus(ctx context.Context, status entities.EscrowStatus, limit int) ([]*entities.Escrow, error)

	// ListInspectionElapsed returns auto-releasable INSPECTION escrows whose window ended at or before now
	ListInspectionElapsed(ctx context.Context, now time.Time, limit int) ([]*entities.Escrow, error)

	// Milestone log, append-only
	AppendMilestone(ctx context.Context, milestone *entities.EscrowMilestone) error
	ListMilestones(ctx context.Context, escrowID string) ([]*entities.EscrowMilestone, error)

	// Disputes
	CreateDispute(ctx context.Context, dispute *entities.Dispute) error
	GetDispute(ctx context.Context, id string) (*entities.Dispute, error)
	GetOpenDispute(ctx context.Context, escrowID string) (*entities.Dispute, error)
	UpdateDispute(ctx context.Context, dispute *entities.Dispute) error
	AddDisputeMessage(ctx context.Context, message *entities.DisputeMessage) error
	ListDisputeMessages(ctx context.Context, disputeID string) ([]*entities.DisputeMessage, error)
}
