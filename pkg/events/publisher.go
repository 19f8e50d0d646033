package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fadedpez/tradevault/internal/logging"
	"github.com/fadedpez/tradevault/pkg/entities"
)

// MilestoneEvent is published once for every escrow milestone after its unit commits
type MilestoneEvent struct {
	ID          string                `json:"id"` // milestone id, stable across redeliveries
	Type        string                `json:"type"`
	EscrowID    string                `json:"escrow_id"`
	Milestone   entities.Milestone    `json:"milestone"`
	Status      entities.EscrowStatus `json:"status"`
	ActorType   entities.ActorType    `json:"actor_type"`
	ActorID     string                `json:"actor_id,omitempty"`
	Description string                `json:"description,omitempty"`
	BuyerID     string                `json:"buyer_id"`
	SellerID    string                `json:"seller_id"`
	Amount      int64                 `json:"amount"`
	XcoinAmount int64                 `json:"xcoin_amount"`
	OccurredAt  time.Time             `json:"occurred_at"`
}

// EventType returns the routing name of a milestone, e.g. "escrow.funded"
func EventType(m entities.Milestone) string {
	return "escrow." + strings.ToLower(string(m))
}

// NewMilestoneEvent builds the event for a milestone of an escrow
func NewMilestoneEvent(e *entities.Escrow, m *entities.EscrowMilestone) MilestoneEvent {
	return MilestoneEvent{
		ID:          m.ID,
		Type:        EventType(m.Milestone),
		EscrowID:    e.ID,
		Milestone:   m.Milestone,
		Status:      m.Status,
		ActorType:   m.ActorType,
		ActorID:     m.ActorID,
		Description: m.Description,
		BuyerID:     e.BuyerID,
		SellerID:    e.SellerID,
		Amount:      e.Amount,
		XcoinAmount: e.XcoinAmount,
		OccurredAt:  m.CreatedAt,
	}
}

//go:generate mockgen -source=$GOFILE -destination=mock/mock.go -package=mock_events

// Publisher delivers milestone events to external consumers
type Publisher interface {
	Publish(ctx context.Context, event MilestoneEvent) error
}

// Noop discards every event
type Noop struct{}

// Publish implements Publisher
func (Noop) Publish(ctx context.Context, event MilestoneEvent) error {
	return nil
}

// Multi fans an event out to every publisher. All publishers are tried; the
// failures are joined.
type Multi struct {
	publishers []Publisher
	logger     *logging.Logger
}

// NewMulti creates a fan-out publisher
func NewMulti(logger *logging.Logger, publishers ...Publisher) *Multi {
	if logger == nil {
		logger = logging.Default
	}
	return &Multi{publishers: publishers, logger: logger.WithPrefix("EVENTS")}
}

// Publish implements Publisher
func (m *Multi) Publish(ctx context.Context, event MilestoneEvent) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, event); err != nil {
			m.logger.Warn("Failed to publish %s for escrow %s: %v", event.Type, event.EscrowID, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
