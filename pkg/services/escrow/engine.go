package escrow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/fadedpez/tradevault/internal/logging"
	"github.com/fadedpez/tradevault/internal/types"
	"github.com/fadedpez/tradevault/pkg/entities"
	"github.com/fadedpez/tradevault/pkg/events"
	escrowRepo "github.com/fadedpez/tradevault/pkg/repositories/escrow"
	"github.com/fadedpez/tradevault/pkg/repositories/store"
	"github.com/fadedpez/tradevault/pkg/services/wallet"
)

const (
	DefaultFundingWindow         = 72 * time.Hour
	DefaultDeliveryWindow        = 14 * 24 * time.Hour
	DefaultDisputeResponseWindow = 72 * time.Hour
	DefaultInspectionHours       = 24
)

// Config holds the tunables of an Engine. Zero values fall back to the defaults.
type Config struct {
	FundingWindow         time.Duration // CREATED escrows expire after this
	DeliveryWindow        time.Duration // funded escrows expire after this unless delivered
	DisputeResponseWindow time.Duration
	InspectionHours       int // default AutoReleaseAfter
	Fees                  FeePolicy
	MaxRetries            int
	Now                   func() time.Time
	Logger                *logging.Logger
}

// Engine drives escrows through their lifecycle. Each transition writes the escrow,
// its wallet side effects and one milestone in a single atomic unit, then publishes
// the milestone.
type Engine struct {
	store     store.Store
	wallets   *wallet.Service
	publisher events.Publisher
	cfg       Config
	logger    *logging.Logger
}

// NewEngine creates a new escrow engine
func NewEngine(s store.Store, wallets *wallet.Service, publisher events.Publisher, cfg Config) *Engine {
	if cfg.FundingWindow <= 0 {
		cfg.FundingWindow = DefaultFundingWindow
	}
	if cfg.DeliveryWindow <= 0 {
		cfg.DeliveryWindow = DefaultDeliveryWindow
	}
	if cfg.DisputeResponseWindow <= 0 {
		cfg.DisputeResponseWindow = DefaultDisputeResponseWindow
	}
	if cfg.InspectionHours <= 0 {
		cfg.InspectionHours = DefaultInspectionHours
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = wallet.DefaultMaxRetries
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default
	}
	if publisher == nil {
		publisher = events.Noop{}
	}

	return &Engine{
		store:     s,
		wallets:   wallets,
		publisher: publisher,
		cfg:       cfg,
		logger:    cfg.Logger.WithPrefix("ESCROW"),
	}
}

// Now returns the engine's current time
func (e *Engine) Now() time.Time {
	return e.cfg.Now()
}

// CreateEscrowInput is what the trade flow supplies when a trade is accepted
type CreateEscrowInput struct {
	Type               entities.EscrowType
	BuyerID            string
	SellerID           string
	Amount             int64
	XcoinAmount        int64
	DisableAutoRelease bool
	AutoReleaseAfter   int // hours, 0 uses the configured inspection window
	FacilitatorID      string
	FacilitatorFee     *int64 // nil computes the fee from the fee policy
}

func (in CreateEscrowInput) validate() error {
	switch {
	case !in.Type.IsValid():
		return types.Errorf(types.ErrInvalidArgument, "unknown escrow type %q", in.Type)
	case in.BuyerID == "" || in.SellerID == "":
		return types.NewError(types.ErrInvalidArgument, "buyer and seller are required")
	case in.BuyerID == in.SellerID:
		return types.NewError(types.ErrInvalidArgument, "buyer and seller must differ")
	case in.FacilitatorID != "" && (in.FacilitatorID == in.BuyerID || in.FacilitatorID == in.SellerID):
		return types.NewError(types.ErrInvalidArgument, "facilitator must differ from buyer and seller")
	case in.Amount < 0 || in.XcoinAmount < 0:
		return types.NewError(types.ErrInvalidAmount, "escrow amounts cannot be negative")
	case in.Amount == 0 && in.XcoinAmount == 0:
		return types.NewError(types.ErrInvalidAmount, "escrow needs a cash or xcoin amount")
	case in.Amount > math.MaxInt64-in.XcoinAmount:
		return types.NewError(types.ErrInvalidAmount, "escrow amounts overflow their total")
	case in.AutoReleaseAfter < 0:
		return types.NewError(types.ErrInvalidArgument, "auto release window cannot be negative")
	}

	if in.FacilitatorFee != nil {
		fee := *in.FacilitatorFee
		switch {
		case fee < 0 || fee > in.Amount:
			return types.Errorf(types.ErrInvalidAmount, "facilitator fee %d must be between 0 and the cash amount %d", fee, in.Amount)
		case fee > 0 && in.FacilitatorID == "":
			return types.NewError(types.ErrInvalidArgument, "facilitator fee requires a facilitator")
		}
	}
	return nil
}

// CreateEscrow records a new, unfunded escrow
func (e *Engine) CreateEscrow(ctx context.Context, in CreateEscrowInput) (*entities.Escrow, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := e.Now()
	expiresAt := now.Add(e.cfg.FundingWindow)
	esc := &entities.Escrow{
		ID:               uuid.New().String(),
		Type:             in.Type,
		BuyerID:          in.BuyerID,
		SellerID:         in.SellerID,
		Amount:           in.Amount,
		XcoinAmount:      in.XcoinAmount,
		Status:           entities.EscrowStatusCreated,
		AutoRelease:      !in.DisableAutoRelease,
		AutoReleaseAfter: in.AutoReleaseAfter,
		FacilitatorID:    in.FacilitatorID,
		CreatedAt:        now,
		ExpiresAt:        &expiresAt,
		UpdatedAt:        now,
	}
	if esc.AutoReleaseAfter == 0 {
		esc.AutoReleaseAfter = e.cfg.InspectionHours
	}
	switch {
	case in.FacilitatorFee != nil:
		esc.FacilitatorFee = *in.FacilitatorFee
	case in.FacilitatorID != "":
		esc.FacilitatorFee = e.cfg.Fees.Fee(in.Amount)
	}

	milestone := &entities.EscrowMilestone{
		ID:          uuid.New().String(),
		EscrowID:    esc.ID,
		Milestone:   entities.MilestoneCreated,
		Status:      esc.Status,
		Description: fmt.Sprintf("%s escrow created", esc.Type),
		ActorType:   entities.ActorSystem,
		CreatedAt:   now,
	}

	err := store.RunAtomic(ctx, e.store, e.cfg.MaxRetries, func(ctx context.Context, repos store.Repos) error {
		if err := repos.Escrows.CreateEscrow(ctx, esc); err != nil {
			return wrapStorage("failed to create escrow", err)
		}
		if err := repos.Escrows.AppendMilestone(ctx, milestone); err != nil {
			return wrapStorage("failed to append milestone", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Created escrow %s: %s buyer=%s seller=%s amount=%d xcoin=%d",
		esc.ID, esc.Type, esc.BuyerID, esc.SellerID, esc.Amount, esc.XcoinAmount)
	e.publish(ctx, esc, milestone)
	return esc, nil
}

// unit is the state one transition works with inside its atomic unit
type unit struct {
	repos  store.Repos
	ledger *wallet.Ledger
	escrow *entities.Escrow
	actor  entities.Actor // normalized, parties carry their role as Type
	now    time.Time
}

// transition describes one guarded move of the state machine
type transition struct {
	name      string
	escrowID  string
	actor     entities.Actor
	allowed   []entities.ActorType
	from      []entities.EscrowStatus
	to        entities.EscrowStatus
	milestone entities.Milestone

	// precheck runs before the status check, guard after it; either may reject the move
	precheck func(ctx context.Context, u *unit) error
	guard    func(ctx context.Context, u *unit) error
	// apply performs wallet side effects and sets timestamps; it returns the
	// milestone description
	apply func(ctx context.Context, u *unit) (string, error)
}

// run executes t as one atomic unit and publishes its milestone after commit
func (e *Engine) run(ctx context.Context, t transition) (*entities.Escrow, error) {
	var (
		result    *entities.Escrow
		milestone *entities.EscrowMilestone
	)

	err := store.RunAtomic(ctx, e.store, e.cfg.MaxRetries, func(ctx context.Context, repos store.Repos) error {
		esc, err := repos.Escrows.GetEscrowForUpdate(ctx, t.escrowID)
		if err != nil {
			return notFoundOr(err, "escrow "+t.escrowID)
		}

		actor, err := authorize(esc, t.actor, t.allowed...)
		if err != nil {
			return err
		}

		u := &unit{
			repos:  repos,
			ledger: e.wallets.Ledger(repos.Wallets),
			escrow: esc,
			actor:  actor,
			now:    e.Now(),
		}
		if t.precheck != nil {
			if err := t.precheck(ctx, u); err != nil {
				return err
			}
		}
		if err := checkStatus(esc, t.from, t.to, t.name); err != nil {
			return err
		}
		if t.guard != nil {
			if err := t.guard(ctx, u); err != nil {
				return err
			}
		}

		description := ""
		if t.apply != nil {
			if description, err = t.apply(ctx, u); err != nil {
				return err
			}
		}

		from := esc.Status
		esc.Status = t.to
		esc.UpdatedAt = u.now
		if err := repos.Escrows.UpdateEscrow(ctx, esc); err != nil {
			return wrapStorage("failed to update escrow", err)
		}

		if description == "" {
			description = fmt.Sprintf("%s -> %s", from, t.to)
		}
		m := &entities.EscrowMilestone{
			ID:          uuid.New().String(),
			EscrowID:    esc.ID,
			Milestone:   t.milestone,
			Status:      esc.Status,
			Description: description,
			ActorType:   actor.Type,
			ActorID:     actor.ID,
			CreatedAt:   u.now,
		}
		if err := repos.Escrows.AppendMilestone(ctx, m); err != nil {
			return wrapStorage("failed to append milestone", err)
		}

		result, milestone = esc, m
		return nil
	})
	if err != nil {
		switch types.CodeOf(err).Kind() {
		case types.KindSystem, types.KindConflict:
			e.logger.LogError(err)
		default:
			e.logger.Debug("Escrow %s: %s rejected: %v", t.escrowID, t.name, err)
		}
		return nil, err
	}

	e.logger.Info("Escrow %s: %s by %s", result.ID, milestone.Milestone, milestone.ActorType)
	e.publish(ctx, result, milestone)
	return result, nil
}

// publish hands a committed milestone to the publisher. The transition stays
// committed when publishing fails.
func (e *Engine) publish(ctx context.Context, esc *entities.Escrow, m *entities.EscrowMilestone) {
	if err := e.publisher.Publish(ctx, events.NewMilestoneEvent(esc, m)); err != nil {
		e.logger.Warn("Failed to publish %s for escrow %s: %v", m.Milestone, esc.ID, err)
	}
}

// checkStatus enforces the transition table. Moving a settled escrow to a settled
// status reports ALREADY_SETTLED so release and refund stay exactly-once.
func checkStatus(esc *entities.Escrow, from []entities.EscrowStatus, to entities.EscrowStatus, op string) error {
	if esc.Status.IsSettled() && to.IsSettled() {
		return types.Errorf(types.ErrAlreadySettled, "escrow %s is already %s", esc.ID, esc.Status)
	}

	allowed := false
	for _, s := range from {
		if s == esc.Status {
			allowed = true
			break
		}
	}
	if !allowed || !entities.CanTransition(esc.Status, to) {
		return types.Errorf(types.ErrInvalidStateTransition, "cannot %s escrow %s in status %s", op, esc.ID, esc.Status)
	}
	return nil
}

// authorize checks that actor may act and returns it with the role it plays.
// System and admin actors are trusted by type; everyone else is identified by id.
func authorize(esc *entities.Escrow, actor entities.Actor, allowed ...entities.ActorType) (entities.Actor, error) {
	resolved := actor
	switch actor.Type {
	case entities.ActorSystem, entities.ActorAdmin:
	default:
		role, ok := esc.PartyRole(actor.ID)
		if !ok {
			return entities.Actor{}, types.Errorf(types.ErrPermissionDenied, "%q is not a party to escrow %s", actor.ID, esc.ID)
		}
		resolved.Type = role
	}

	for _, a := range allowed {
		if a == resolved.Type {
			return resolved, nil
		}
	}
	return entities.Actor{}, types.Errorf(types.ErrPermissionDenied, "%s may not perform this action on escrow %s", resolved.Type, esc.ID)
}

func related(esc *entities.Escrow) entities.RelatedEntity {
	return entities.RelatedEntity{Type: "escrow", ID: esc.ID}
}

func timeRef(t time.Time) *time.Time {
	return &t
}

// Fund freezes the escrow amounts in the buyer's wallets
func (e *Engine) Fund(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error) {
	return e.run(ctx, transition{
		name:      "fund",
		escrowID:  escrowID,
		actor:     actor,
		allowed:   []entities.ActorType{entities.ActorBuyer},
		from:      []entities.EscrowStatus{entities.EscrowStatusCreated},
		to:        entities.EscrowStatusFunded,
		milestone: entities.MilestoneFunded,
		guard: func(ctx context.Context, u *unit) error {
			if expiresAt := u.escrow.ExpiresAt; expiresAt != nil && !expiresAt.After(u.now) {
				return types.Errorf(types.ErrInvalidStateTransition, "escrow %s expired at %s", u.escrow.ID, expiresAt.Format(time.RFC3339))
			}
			return nil
		},
		apply: func(ctx context.Context, u *unit) (string, error) {
			for _, currency := range []entities.Currency{entities.CurrencyCash, entities.CurrencyXcoin} {
				amount := u.escrow.Legs()[currency]
				if amount == 0 {
					continue
				}
				if _, err := u.ledger.Freeze(ctx, u.escrow.BuyerID, currency, amount, related(u.escrow)); err != nil {
					return "", err
				}
			}
			u.escrow.FundedAt = timeRef(u.now)
			u.escrow.ExpiresAt = timeRef(u.now.Add(e.cfg.DeliveryWindow))
			return fmt.Sprintf("Buyer funded %d cash and %d xcoin", u.escrow.Amount, u.escrow.XcoinAmount), nil
		},
	})
}

// MarkShipped records that the seller handed the goods to a carrier
func (e *Engine) MarkShipped(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error) {
	return e.run(ctx, transition{
		name:      "mark shipped",
		escrowID:  escrowID,
		actor:     actor,
		allowed:   []entities.ActorType{entities.ActorSeller},
		from:      []entities.EscrowStatus{entities.EscrowStatusFunded},
		to:        entities.EscrowStatusPendingDelivery,
		milestone: entities.MilestoneShipped,
	})
}

// MarkDelivered records the handoff and opens the inspection window
func (e *Engine) MarkDelivered(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error) {
	return e.run(ctx, transition{
		name:      "mark delivered",
		escrowID:  escrowID,
		actor:     actor,
		allowed:   []entities.ActorType{entities.ActorSeller},
		from:      []entities.EscrowStatus{entities.EscrowStatusFunded, entities.EscrowStatusPendingDelivery},
		to:        entities.EscrowStatusDelivered,
		milestone: entities.MilestoneDelivered,
		apply: func(ctx context.Context, u *unit) (string, error) {
			u.escrow.DeliveredAt = timeRef(u.now)
			u.escrow.InspectionEndsAt = timeRef(u.now.Add(time.Duration(u.escrow.AutoReleaseAfter) * time.Hour))
			return fmt.Sprintf("Delivered, inspection ends %s", u.escrow.InspectionEndsAt.Format(time.RFC3339)), nil
		},
	})
}

// StartInspection moves a delivered escrow into its inspection window
func (e *Engine) StartInspection(ctx context.Context, escrowID string) (*entities.Escrow, error) {
	return e.run(ctx, transition{
		name:      "start inspection",
		escrowID:  escrowID,
		actor:     entities.SystemActor,
		allowed:   []entities.ActorType{entities.ActorSystem},
		from:      []entities.EscrowStatus{entities.EscrowStatusDelivered},
		to:        entities.EscrowStatusInspection,
		milestone: entities.MilestoneInspectionStarted,
		apply: func(ctx context.Context, u *unit) (string, error) {
			if u.escrow.InspectionEndsAt == nil {
				u.escrow.InspectionEndsAt = timeRef(u.now.Add(time.Duration(u.escrow.AutoReleaseAfter) * time.Hour))
			}
			return "", nil
		},
	})
}

// ConfirmReceipt releases the escrow to the seller at the buyer's request
func (e *Engine) ConfirmReceipt(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error) {
	return e.run(ctx, transition{
		name:      "confirm receipt of",
		escrowID:  escrowID,
		actor:     actor,
		allowed:   []entities.ActorType{entities.ActorBuyer},
		from:      []entities.EscrowStatus{entities.EscrowStatusDelivered, entities.EscrowStatusInspection},
		to:        entities.EscrowStatusReleased,
		milestone: entities.MilestoneReleased,
		apply: func(ctx context.Context, u *unit) (string, error) {
			return e.settle(ctx, u, 0, 0)
		},
	})
}

// AutoRelease releases an escrow whose inspection window elapsed without a dispute
func (e *Engine) AutoRelease(ctx context.Context, escrowID string) (*entities.Escrow, error) {
	return e.run(ctx, transition{
		name:      "auto release",
		escrowID:  escrowID,
		actor:     entities.SystemActor,
		allowed:   []entities.ActorType{entities.ActorSystem},
		from:      []entities.EscrowStatus{entities.EscrowStatusInspection},
		to:        entities.EscrowStatusReleased,
		milestone: entities.MilestoneAutoReleased,
		guard: func(ctx context.Context, u *unit) error {
			esc := u.escrow
			switch {
			case !esc.AutoRelease:
				return types.Errorf(types.ErrInvalidStateTransition, "escrow %s has auto release disabled", esc.ID)
			case esc.InspectionEndsAt == nil || esc.InspectionEndsAt.After(u.now):
				return types.Errorf(types.ErrInvalidStateTransition, "inspection window of escrow %s has not elapsed", esc.ID)
			}

			_, err := u.repos.Escrows.GetOpenDispute(ctx, esc.ID)
			switch {
			case err == nil:
				return types.Errorf(types.ErrInvalidStateTransition, "escrow %s has an open dispute", esc.ID)
			case !errors.Is(err, escrowRepo.ErrDisputeNotFound):
				return wrapStorage("failed to check open dispute", err)
			}
			return nil
		},
		apply: func(ctx context.Context, u *unit) (string, error) {
			return e.settle(ctx, u, 0, 0)
		},
	})
}

// Cancel abandons an escrow before it is funded; no wallet is touched
func (e *Engine) Cancel(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error) {
	return e.run(ctx, transition{
		name:      "cancel",
		escrowID:  escrowID,
		actor:     actor,
		allowed:   []entities.ActorType{entities.ActorBuyer, entities.ActorSeller, entities.ActorSystem, entities.ActorAdmin},
		from:      []entities.EscrowStatus{entities.EscrowStatusCreated},
		to:        entities.EscrowStatusCancelled,
		milestone: entities.MilestoneCancelled,
		apply: func(ctx context.Context, u *unit) (string, error) {
			u.escrow.CancelledAt = timeRef(u.now)
			return "Cancelled before funding", nil
		},
	})
}

// Refund returns the frozen funds of a funded escrow to the buyer
func (e *Engine) Refund(ctx context.Context, escrowID string, actor entities.Actor) (*entities.Escrow, error) {
	return e.run(ctx, transition{
		name:      "refund",
		escrowID:  escrowID,
		actor:     actor,
		allowed:   []entities.ActorType{entities.ActorSystem, entities.ActorAdmin},
		from:      []entities.EscrowStatus{entities.EscrowStatusFunded},
		to:        entities.EscrowStatusRefunded,
		milestone: entities.MilestoneRefunded,
		apply: func(ctx context.Context, u *unit) (string, error) {
			if err := refundLegs(ctx, u, u.escrow.Amount, u.escrow.XcoinAmount); err != nil {
				return "", err
			}
			u.escrow.RefundedAt = timeRef(u.now)
			return "Refunded to buyer", nil
		},
	})
}

// Expire closes a pre-delivery escrow past its deadline, unfreezing any funds
func (e *Engine) Expire(ctx context.Context, escrowID string) (*entities.Escrow, error) {
	return e.run(ctx, transition{
		name:     "expire",
		escrowID: escrowID,
		actor:    entities.SystemActor,
		allowed:  []entities.ActorType{entities.ActorSystem},
		from: []entities.EscrowStatus{
			entities.EscrowStatusCreated, entities.EscrowStatusFunded, entities.EscrowStatusPendingDelivery,
		},
		to:        entities.EscrowStatusExpired,
		milestone: entities.MilestoneExpired,
		guard: func(ctx context.Context, u *unit) error {
			if expiresAt := u.escrow.ExpiresAt; expiresAt == nil || expiresAt.After(u.now) {
				return types.Errorf(types.ErrInvalidStateTransition, "escrow %s has not expired", u.escrow.ID)
			}
			return nil
		},
		apply: func(ctx context.Context, u *unit) (string, error) {
			description := "Expired before funding"
			if u.escrow.Status.HoldsFunds() {
				if err := refundLegs(ctx, u, u.escrow.Amount, u.escrow.XcoinAmount); err != nil {
					return "", err
				}
				u.escrow.RefundedAt = timeRef(u.now)
				description = "Expired, frozen funds returned to buyer"
			}
			return description, nil
		},
	})
}

// refundLegs unfreezes the given amounts in the buyer's wallets
func refundLegs(ctx context.Context, u *unit, cash, xcoin int64) error {
	if cash > 0 {
		if _, err := u.ledger.RefundFreeze(ctx, u.escrow.BuyerID, entities.CurrencyCash, cash, related(u.escrow)); err != nil {
			return err
		}
	}
	if xcoin > 0 {
		if _, err := u.ledger.RefundFreeze(ctx, u.escrow.BuyerID, entities.CurrencyXcoin, xcoin, related(u.escrow)); err != nil {
			return err
		}
	}
	return nil
}

// settle returns the given refund amounts to the buyer and releases the rest. The
// cash remainder is split between the seller and the facilitator fee; xcoin goes to
// the seller in full.
func (e *Engine) settle(ctx context.Context, u *unit, refundCash, refundXcoin int64) (string, error) {
	esc := u.escrow
	if err := refundLegs(ctx, u, refundCash, refundXcoin); err != nil {
		return "", err
	}

	cash := esc.Amount - refundCash
	fee := esc.FacilitatorFee
	if fee > cash {
		fee = cash
	}
	if cash > 0 {
		payouts := []wallet.Payout{{UserID: esc.SellerID, Amount: cash - fee, Type: entities.TransactionTypeEscrowPayout}}
		if fee > 0 {
			payouts = append(payouts, wallet.Payout{UserID: esc.FacilitatorID, Amount: fee, Type: entities.TransactionTypeEscrowFee})
		}
		if _, err := u.ledger.ReleaseSplit(ctx, esc.BuyerID, entities.CurrencyCash, payouts, related(esc)); err != nil {
			return "", err
		}
	}

	xcoin := esc.XcoinAmount - refundXcoin
	if xcoin > 0 {
		if _, err := u.ledger.Release(ctx, esc.BuyerID, entities.CurrencyXcoin, xcoin, esc.SellerID, related(esc)); err != nil {
			return "", err
		}
	}

	esc.FacilitatorFee = fee
	esc.ReleasedAt = timeRef(u.now)
	if refundCash > 0 || refundXcoin > 0 {
		esc.RefundedAt = timeRef(u.now)
	}
	return fmt.Sprintf("Released %d cash (fee %d) and %d xcoin to seller", cash-fee, fee, xcoin), nil
}

// GetEscrow retrieves an escrow
func (e *Engine) GetEscrow(ctx context.Context, escrowID string) (*entities.Escrow, error) {
	var esc *entities.Escrow
	err := e.store.Atomic(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		esc, err = repos.Escrows.GetEscrow(ctx, escrowID)
		return notFoundOr(err, "escrow "+escrowID)
	})
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// GetMilestones returns the audit log of an escrow in order
func (e *Engine) GetMilestones(ctx context.Context, escrowID string) ([]*entities.EscrowMilestone, error) {
	var milestones []*entities.EscrowMilestone
	err := e.store.Atomic(ctx, func(ctx context.Context, repos store.Repos) error {
		if _, err := repos.Escrows.GetEscrow(ctx, escrowID); err != nil {
			return notFoundOr(err, "escrow "+escrowID)
		}
		var err error
		milestones, err = repos.Escrows.ListMilestones(ctx, escrowID)
		return wrapStorage("failed to list milestones", err)
	})
	if err != nil {
		return nil, err
	}
	return milestones, nil
}

// DueForExpiry lists escrows the sweep should expire
func (e *Engine) DueForExpiry(ctx context.Context, limit int) ([]*entities.Escrow, error) {
	return e.list(ctx, func(ctx context.Context, repo escrowRepo.Repository) ([]*entities.Escrow, error) {
		return repo.ListExpired(ctx, e.Now(), limit)
	})
}

// AwaitingInspection lists delivered escrows whose inspection has not started
func (e *Engine) AwaitingInspection(ctx context.Context, limit int) ([]*entities.Escrow, error) {
	return e.list(ctx, func(ctx context.Context, repo escrowRepo.Repository) ([]*entities.Escrow, error) {
		return repo.ListByStatus(ctx, entities.EscrowStatusDelivered, limit)
	})
}

// DueForAutoRelease lists escrows whose inspection window has elapsed
func (e *Engine) DueForAutoRelease(ctx context.Context, limit int) ([]*entities.Escrow, error) {
	return e.list(ctx, func(ctx context.Context, repo escrowRepo.Repository) ([]*entities.Escrow, error) {
		return repo.ListInspectionElapsed(ctx, e.Now(), limit)
	})
}

func (e *Engine) list(ctx context.Context, fn func(ctx context.Context, repo escrowRepo.Repository) ([]*entities.Escrow, error)) ([]*entities.Escrow, error) {
	var escrows []*entities.Escrow
	err := e.store.Atomic(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		escrows, err = fn(ctx, repos.Escrows)
		return wrapStorage("failed to list escrows", err)
	})
	if err != nil {
		return nil, err
	}
	return escrows, nil
}

// notFoundOr maps repository not-found errors to NOT_FOUND
func notFoundOr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, escrowRepo.ErrEscrowNotFound) || errors.Is(err, escrowRepo.ErrDisputeNotFound) {
		return types.WrapError(types.ErrNotFound, what+" not found", err)
	}
	return wrapStorage("failed to load "+what, err)
}

// wrapStorage keeps coded errors and marks the rest as database errors
func wrapStorage(message string, err error) error {
	if err == nil {
		return nil
	}
	var coded *types.Error
	if types.As(err, &coded) {
		return err
	}
	return types.WrapError(types.ErrDatabaseError, message, err)
}
