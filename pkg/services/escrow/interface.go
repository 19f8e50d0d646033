package escrow

import (
	"context"

	"github.com/fadedpez/tradevault/pkg/entities"
)

// EscrowEngine is the escrow surface offered to the trade flow, admin tooling and
// the sweep
type EscrowEngine interface {
	CreateEscrow(ctx context.Context, in CreateEscrowInput) (*entities.Escrow, error)
	Fund(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error)
	MarkShipped(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error)
	MarkDelivered(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error)
	StartInspection(ctx context.Context, escrowID string) (*entities.Escrow, error)
	ConfirmReceipt(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error)
	AutoRelease(ctx context.Context, escrowID string) (*entities.Escrow, error)
	Cancel(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error)
	Refund(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error)
	Expire(ctx context.Context, escrowID string) (*entities.Escrow, error)
	GetEscrow(ctx context.Context, escrowID string) (*entities.Escrow, error)
	GetMilestones(ctx context.Context, escrowID string) ([]*entities.EscrowMilestone, error)

	OpenDispute(ctx context.Context, in OpenDisputeInput) (*entities.Dispute, error)
	AddDisputeMessage(ctx context.Context, in AddDisputeMessageInput) (*entities.DisputeMessage, error)
	ListDisputeMessages(ctx context.Context, disputeID string, actor entities.Actor) ([]*entities.DisputeMessage, error)
	GetDispute(ctx context.Context, disputeID string) (*entities.Dispute, error)
	GetOpenDispute(ctx context.Context, escrowID string) (*entities.Dispute, error)
	ResolveDispute(ctx context.Context, in ResolveDisputeInput) (*entities.Dispute, *entities.Escrow, error)

	DueForExpiry(ctx context.Context, limit int) ([]*entities.Escrow, error)
	AwaitingInspection(ctx context.Context, limit int) ([]*entities.Escrow, error)
	DueForAutoRelease(ctx context.Context, limit int) ([]*entities.Escrow, error)
}

var _ EscrowEngine = (*Engine)(nil)
