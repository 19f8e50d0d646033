package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fadedpez/tradevault/internal/types"
	"github.com/fadedpez/tradevault/pkg/entities"
	escrowRepo "github.com/fadedpez/tradevault/pkg/repositories/escrow"
	"github.com/fadedpez/tradevault/pkg/repositories/store"
)

// OpenDisputeInput is what a party supplies to contest an escrow
type OpenDisputeInput struct {
	EscrowID    string
	Initiator   entities.Actor
	Reason      entities.DisputeReason
	Description string
}

// OpenDispute freezes the escrow's progress until an admin resolves the dispute
func (e *Engine) OpenDispute(ctx context.Context, in OpenDisputeInput) (*entities.Dispute, error) {
	if !in.Reason.IsValid() {
		return nil, types.Errorf(types.ErrInvalidArgument, "unknown dispute reason %q", in.Reason)
	}
	if strings.TrimSpace(in.Description) == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "dispute description is required")
	}

	var dispute *entities.Dispute
	_, err := e.run(ctx, transition{
		name:     "dispute",
		escrowID: in.EscrowID,
		actor:    in.Initiator,
		allowed:  []entities.ActorType{entities.ActorBuyer, entities.ActorSeller},
		from: []entities.EscrowStatus{
			entities.EscrowStatusFunded, entities.EscrowStatusPendingDelivery,
			entities.EscrowStatusDelivered, entities.EscrowStatusInspection,
		},
		to:        entities.EscrowStatusDisputed,
		milestone: entities.MilestoneDisputed,
		precheck: func(ctx context.Context, u *unit) error {
			_, err := u.repos.Escrows.GetOpenDispute(ctx, u.escrow.ID)
			switch {
			case err == nil:
				return types.Errorf(types.ErrDuplicateDispute, "escrow %s already has an open dispute", u.escrow.ID)
			case !errors.Is(err, escrowRepo.ErrDisputeNotFound):
				return wrapStorage("failed to check open dispute", err)
			}
			return nil
		},
		guard: func(ctx context.Context, u *unit) error {
			// An auto-releasable escrow whose window has elapsed belongs to the sweep
			esc := u.escrow
			switch esc.Status {
			case entities.EscrowStatusDelivered, entities.EscrowStatusInspection:
				if esc.AutoRelease && esc.InspectionEndsAt != nil && !esc.InspectionEndsAt.After(u.now) {
					return types.Errorf(types.ErrInvalidStateTransition, "inspection window of escrow %s elapsed at %s",
						esc.ID, esc.InspectionEndsAt.Format(time.RFC3339))
				}
			}
			return nil
		},
		apply: func(ctx context.Context, u *unit) (string, error) {
			esc := u.escrow
			respondent := esc.SellerID
			if u.actor.Type == entities.ActorSeller {
				respondent = esc.BuyerID
			}

			d := &entities.Dispute{
				ID:               uuid.New().String(),
				EscrowID:         esc.ID,
				InitiatorID:      u.actor.ID,
				RespondentID:     respondent,
				Reason:           in.Reason,
				Description:      in.Description,
				Status:           entities.DisputeStatusOpen,
				ResponseDeadline: u.now.Add(e.cfg.DisputeResponseWindow),
				CreatedAt:        u.now,
				UpdatedAt:        u.now,
			}
			// A unique violation on the open-dispute index surfaces as a conflict,
			// the retry then sees the winner and reports DUPLICATE_DISPUTE
			if err := u.repos.Escrows.CreateDispute(ctx, d); err != nil {
				return "", wrapStorage("failed to create dispute", err)
			}
			dispute = d
			return fmt.Sprintf("Dispute opened by %s: %s", u.actor.Type, in.Reason), nil
		},
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Dispute %s opened on escrow %s by %s", dispute.ID, dispute.EscrowID, dispute.InitiatorID)
	return dispute, nil
}

// AddDisputeMessageInput is one post to a dispute thread
type AddDisputeMessageInput struct {
	DisputeID   string
	Sender      entities.Actor
	Message     string
	Attachments []string
	IsInternal  bool // admin only
}

// AddDisputeMessage appends a message to an open dispute's thread
func (e *Engine) AddDisputeMessage(ctx context.Context, in AddDisputeMessageInput) (*entities.DisputeMessage, error) {
	if strings.TrimSpace(in.Message) == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "message is required")
	}

	var msg *entities.DisputeMessage
	err := store.RunAtomic(ctx, e.store, e.cfg.MaxRetries, func(ctx context.Context, repos store.Repos) error {
		d, err := repos.Escrows.GetDispute(ctx, in.DisputeID)
		if err != nil {
			return notFoundOr(err, "dispute "+in.DisputeID)
		}
		if d.Status != entities.DisputeStatusOpen {
			return types.Errorf(types.ErrInvalidStateTransition, "dispute %s is %s", d.ID, d.Status)
		}

		role, err := senderRole(d, in.Sender)
		if err != nil {
			return err
		}
		if in.IsInternal && role != entities.SenderRoleAdmin {
			return types.NewError(types.ErrPermissionDenied, "only admins may post internal notes")
		}

		msg = &entities.DisputeMessage{
			ID:          uuid.New().String(),
			DisputeID:   d.ID,
			SenderID:    in.Sender.ID,
			SenderRole:  role,
			Message:     in.Message,
			Attachments: in.Attachments,
			IsInternal:  in.IsInternal,
			CreatedAt:   e.Now(),
		}
		return wrapStorage("failed to add dispute message", repos.Escrows.AddDisputeMessage(ctx, msg))
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListDisputeMessages returns a dispute's thread as visible to actor. Internal
// notes are only returned to admins.
func (e *Engine) ListDisputeMessages(ctx context.Context, disputeID string, actor entities.Actor) ([]*entities.DisputeMessage, error) {
	var messages []*entities.DisputeMessage
	err := e.store.Atomic(ctx, func(ctx context.Context, repos store.Repos) error {
		d, err := repos.Escrows.GetDispute(ctx, disputeID)
		if err != nil {
			return notFoundOr(err, "dispute "+disputeID)
		}
		role, err := senderRole(d, actor)
		if err != nil {
			return err
		}

		all, err := repos.Escrows.ListDisputeMessages(ctx, d.ID)
		if err != nil {
			return wrapStorage("failed to list dispute messages", err)
		}
		for _, m := range all {
			if m.IsInternal && role != entities.SenderRoleAdmin {
				continue
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func senderRole(d *entities.Dispute, actor entities.Actor) (entities.SenderRole, error) {
	switch {
	case actor.Type == entities.ActorAdmin:
		return entities.SenderRoleAdmin, nil
	case actor.ID != "" && actor.ID == d.InitiatorID:
		return entities.SenderRoleInitiator, nil
	case actor.ID != "" && actor.ID == d.RespondentID:
		return entities.SenderRoleRespondent, nil
	}
	return "", types.Errorf(types.ErrPermissionDenied, "%q is not part of dispute %s", actor.ID, d.ID)
}

// GetDispute retrieves a dispute
func (e *Engine) GetDispute(ctx context.Context, disputeID string) (*entities.Dispute, error) {
	var d *entities.Dispute
	err := e.store.Atomic(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		d, err = repos.Escrows.GetDispute(ctx, disputeID)
		return notFoundOr(err, "dispute "+disputeID)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetOpenDispute retrieves the open dispute of an escrow
func (e *Engine) GetOpenDispute(ctx context.Context, escrowID string) (*entities.Dispute, error) {
	var d *entities.Dispute
	err := e.store.Atomic(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		d, err = repos.Escrows.GetOpenDispute(ctx, escrowID)
		return notFoundOr(err, "open dispute for escrow "+escrowID)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ResolveDisputeInput is an admin's decision on a dispute
type ResolveDisputeInput struct {
	DisputeID  string
	Admin      entities.Actor
	Resolution entities.DisputeResolution
	Notes      string

	// Returned to the buyer on PARTIAL_REFUND, the rest goes to the seller
	RefundAmount      int64
	RefundXcoinAmount int64
}

// outcome is what a resolution does to the escrow
type outcome struct {
	to        entities.EscrowStatus
	milestone entities.Milestone
}

func resolutionOutcome(r entities.DisputeResolution) (outcome, bool) {
	switch r {
	case entities.ResolutionBuyerFavored, entities.ResolutionMutualAgreement:
		return outcome{entities.EscrowStatusRefunded, entities.MilestoneDisputeResolved}, true
	case entities.ResolutionSellerFavored:
		return outcome{entities.EscrowStatusReleased, entities.MilestoneDisputeResolved}, true
	case entities.ResolutionPartialRefund:
		return outcome{entities.EscrowStatusReleased, entities.MilestonePartialRefund}, true
	case entities.ResolutionCancelled:
		return outcome{entities.EscrowStatusCancelled, entities.MilestoneDisputeResolved}, true
	}
	return outcome{}, false
}

func validatePartialRefund(esc *entities.Escrow, cash, xcoin int64) error {
	switch {
	case cash < 0 || xcoin < 0:
		return types.NewError(types.ErrInvalidAmount, "refund amounts cannot be negative")
	case cash > esc.Amount:
		return types.Errorf(types.ErrInvalidAmount, "cash refund %d exceeds escrowed %d", cash, esc.Amount)
	case xcoin > esc.XcoinAmount:
		return types.Errorf(types.ErrInvalidAmount, "xcoin refund %d exceeds escrowed %d", xcoin, esc.XcoinAmount)
	case cash+xcoin == 0:
		return types.NewError(types.ErrInvalidAmount, "partial refund needs a refund amount")
	case cash == esc.Amount && xcoin == esc.XcoinAmount:
		return types.NewError(types.ErrInvalidAmount, "partial refund covers the whole escrow, resolve in the buyer's favor instead")
	}
	return nil
}

// ResolveDispute closes a dispute and settles its escrow in the same unit
func (e *Engine) ResolveDispute(ctx context.Context, in ResolveDisputeInput) (*entities.Dispute, *entities.Escrow, error) {
	if in.Admin.Type != entities.ActorAdmin {
		return nil, nil, types.NewError(types.ErrPermissionDenied, "only admins may resolve disputes")
	}
	out, ok := resolutionOutcome(in.Resolution)
	if !ok {
		return nil, nil, types.Errorf(types.ErrInvalidArgument, "unknown resolution %q", in.Resolution)
	}
	if in.Resolution != entities.ResolutionPartialRefund && (in.RefundAmount != 0 || in.RefundXcoinAmount != 0) {
		return nil, nil, types.Errorf(types.ErrInvalidArgument, "refund amounts only apply to %s", entities.ResolutionPartialRefund)
	}

	// The dispute decides which escrow to lock
	d, err := e.GetDispute(ctx, in.DisputeID)
	if err != nil {
		return nil, nil, err
	}

	var resolved *entities.Dispute
	esc, err := e.run(ctx, transition{
		name:      "resolve dispute on",
		escrowID:  d.EscrowID,
		actor:     in.Admin,
		allowed:   []entities.ActorType{entities.ActorAdmin},
		from:      []entities.EscrowStatus{entities.EscrowStatusDisputed},
		to:        out.to,
		milestone: out.milestone,
		guard: func(ctx context.Context, u *unit) error {
			current, err := u.repos.Escrows.GetDispute(ctx, in.DisputeID)
			if err != nil {
				return notFoundOr(err, "dispute "+in.DisputeID)
			}
			if current.Status != entities.DisputeStatusOpen {
				return types.Errorf(types.ErrInvalidStateTransition, "dispute %s is already %s", current.ID, current.Status)
			}
			if in.Resolution == entities.ResolutionPartialRefund {
				if err := validatePartialRefund(u.escrow, in.RefundAmount, in.RefundXcoinAmount); err != nil {
					return err
				}
			}
			resolved = current
			return nil
		},
		apply: func(ctx context.Context, u *unit) (string, error) {
			var (
				description string
				err         error
			)
			switch out.to {
			case entities.EscrowStatusReleased:
				description, err = e.settle(ctx, u, in.RefundAmount, in.RefundXcoinAmount)
			case entities.EscrowStatusRefunded:
				err = refundLegs(ctx, u, u.escrow.Amount, u.escrow.XcoinAmount)
				u.escrow.RefundedAt = timeRef(u.now)
				description = "Refunded to buyer"
			case entities.EscrowStatusCancelled:
				err = refundLegs(ctx, u, u.escrow.Amount, u.escrow.XcoinAmount)
				u.escrow.CancelledAt = timeRef(u.now)
				description = "Cancelled, frozen funds returned to buyer"
			}
			if err != nil {
				return "", err
			}

			resolved.Status = entities.DisputeStatusResolved
			resolved.Resolution = in.Resolution
			resolved.RefundAmount = in.RefundAmount
			resolved.RefundXcoinAmount = in.RefundXcoinAmount
			resolved.ResolvedBy = u.actor.ID
			resolved.ResolvedAt = timeRef(u.now)
			resolved.ResolutionNotes = in.Notes
			resolved.UpdatedAt = u.now
			if err := u.repos.Escrows.UpdateDispute(ctx, resolved); err != nil {
				return "", wrapStorage("failed to update dispute", err)
			}
			return fmt.Sprintf("Dispute %s resolved %s: %s", resolved.ID, in.Resolution, description), nil
		},
	})
	if err != nil {
		if types.Is(err, types.ErrInvalidStateTransition) && d.Status == entities.DisputeStatusResolved {
			if current, getErr := e.GetEscrow(ctx, d.EscrowID); getErr == nil && current.Status.IsSettled() {
				return nil, nil, types.Errorf(types.ErrAlreadySettled, "dispute %s was already resolved and escrow %s is %s", d.ID, current.ID, current.Status)
			}
		}
		return nil, nil, err
	}

	e.logger.Info("Dispute %s resolved %s by %s", resolved.ID, resolved.Resolution, resolved.ResolvedBy)
	return resolved, esc, nil
}
