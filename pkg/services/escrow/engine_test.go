package escrow

import (
	"context"
	"errors"
	"io"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"github.com/fadedpez/tradevault/internal/logging"
	"github.com/fadedpez/tradevault/internal/types"
	"github.com/fadedpez/tradevault/pkg/entities"
	"github.com/fadedpez/tradevault/pkg/events"
	mock_events "github.com/fadedpez/tradevault/pkg/events/mock"
	"github.com/fadedpez/tradevault/pkg/repositories/store"
	"github.com/fadedpez/tradevault/pkg/services/wallet"
)

var (
	buyer       = entities.Actor{Type: entities.ActorBuyer, ID: "buyer"}
	seller      = entities.Actor{Type: entities.ActorSeller, ID: "seller"}
	facilitator = entities.Actor{Type: entities.ActorFacilitator, ID: "fac"}
	stranger    = entities.Actor{Type: entities.ActorBuyer, ID: "mallory"}
	admin       = entities.Actor{Type: entities.ActorAdmin, ID: "admin-1"}

	quietLogger = logging.NewLoggerWithWriter(io.Discard, logging.ERROR)
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type EngineTestSuite struct {
	suite.Suite
	newStore func(t *testing.T) store.Store

	ctx       context.Context
	store     store.Store
	clock     *clock
	ctrl      *gomock.Controller
	publisher *mock_events.MockPublisher
	wallets   *wallet.Service
	engine    *Engine

	mu        sync.Mutex
	published []events.MilestoneEvent
}

func TestMemoryEngineSuite(t *testing.T) {
	suite.Run(t, &EngineTestSuite{
		newStore: func(t *testing.T) store.Store { return store.NewMemoryStore() },
	})
}

func TestSQLiteEngineSuite(t *testing.T) {
	suite.Run(t, &EngineTestSuite{
		newStore: func(t *testing.T) store.Store {
			s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "escrow.db"))
			require.NoError(t, err)
			return s
		},
	})
}

func (s *EngineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
	s.clock = &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s.published = nil

	s.ctrl = gomock.NewController(s.T())
	s.publisher = mock_events.NewMockPublisher(s.ctrl)
	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, event events.MilestoneEvent) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.published = append(s.published, event)
			return nil
		}).AnyTimes()

	fees, err := NewFeePolicy("0.05", 100)
	s.Require().NoError(err)

	s.wallets = wallet.NewService(s.store, wallet.Config{Now: s.clock.Now, Logger: quietLogger})
	s.engine = NewEngine(s.store, s.wallets, s.publisher, Config{
		Fees:   fees,
		Now:    s.clock.Now,
		Logger: quietLogger,
	})
}

func (s *EngineTestSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *EngineTestSuite) deposit(userID string, currency entities.Currency, amount int64) {
	_, err := s.wallets.Credit(s.ctx, userID, currency, amount, entities.TransactionTypeDeposit, entities.RelatedEntity{})
	s.Require().NoError(err)
}

// balance returns balance and frozen balance, zero for a wallet never touched
func (s *EngineTestSuite) balance(userID string, currency entities.Currency) (int64, int64) {
	w, err := s.wallets.GetWallet(s.ctx, userID, currency)
	if types.Is(err, types.ErrNotFound) {
		return 0, 0
	}
	s.Require().NoError(err)
	s.NoError(w.CheckInvariants())
	s.NoError(s.wallets.Reconcile(s.ctx, userID, currency))
	return w.Balance, w.FrozenBalance
}

func (s *EngineTestSuite) create(in CreateEscrowInput) *entities.Escrow {
	if in.Type == "" {
		in.Type = entities.EscrowTypeSale
	}
	if in.BuyerID == "" {
		in.BuyerID = buyer.ID
	}
	if in.SellerID == "" {
		in.SellerID = seller.ID
	}
	if in.Amount == 0 && in.XcoinAmount == 0 {
		in.Amount = 200
	}
	esc, err := s.engine.CreateEscrow(s.ctx, in)
	s.Require().NoError(err)
	return esc
}

// funded creates a 200 cash escrow and funds it from a 500 deposit
func (s *EngineTestSuite) funded() *entities.Escrow {
	s.deposit(buyer.ID, entities.CurrencyCash, 500)
	esc := s.create(CreateEscrowInput{})
	esc, err := s.engine.Fund(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)
	return esc
}

func (s *EngineTestSuite) delivered() *entities.Escrow {
	esc := s.funded()
	esc, err := s.engine.MarkDelivered(s.ctx, esc.ID, seller)
	s.Require().NoError(err)
	return esc
}

func (s *EngineTestSuite) openDispute(escrowID string, by entities.Actor) *entities.Dispute {
	d, err := s.engine.OpenDispute(s.ctx, OpenDisputeInput{
		EscrowID:    escrowID,
		Initiator:   by,
		Reason:      entities.DisputeReasonItemNotAsDescribed,
		Description: "the card is a reprint",
	})
	s.Require().NoError(err)
	return d
}

func (s *EngineTestSuite) status(escrowID string) entities.EscrowStatus {
	esc, err := s.engine.GetEscrow(s.ctx, escrowID)
	s.Require().NoError(err)
	return esc.Status
}

func (s *EngineTestSuite) milestones(escrowID string) []entities.Milestone {
	log, err := s.engine.GetMilestones(s.ctx, escrowID)
	s.Require().NoError(err)
	out := make([]entities.Milestone, len(log))
	for i, m := range log {
		out[i] = m.Milestone
	}
	return out
}

func (s *EngineTestSuite) requireCode(err error, code types.ErrorCode) {
	s.Require().Error(err)
	s.Equal(code, types.CodeOf(err), "unexpected error: %v", err)
}

func (s *EngineTestSuite) TestCreateEscrowValidation() {
	fee := int64(50)
	tooBig := int64(300)

	tests := []struct {
		name  string
		input CreateEscrowInput
		code  types.ErrorCode
	}{
		{
			name:  "unknown type",
			input: CreateEscrowInput{Type: "LOAN", BuyerID: "b", SellerID: "s", Amount: 10},
			code:  types.ErrInvalidArgument,
		},
		{
			name:  "missing seller",
			input: CreateEscrowInput{Type: entities.EscrowTypeSale, BuyerID: "b", Amount: 10},
			code:  types.ErrInvalidArgument,
		},
		{
			name:  "buyer is seller",
			input: CreateEscrowInput{Type: entities.EscrowTypeSale, BuyerID: "b", SellerID: "b", Amount: 10},
			code:  types.ErrInvalidArgument,
		},
		{
			name:  "no amounts",
			input: CreateEscrowInput{Type: entities.EscrowTypeBarter, BuyerID: "b", SellerID: "s"},
			code:  types.ErrInvalidAmount,
		},
		{
			name:  "legs overflow their total",
			input: CreateEscrowInput{Type: entities.EscrowTypeBarter, BuyerID: "b", SellerID: "s", Amount: math.MaxInt64, XcoinAmount: 1},
			code:  types.ErrInvalidAmount,
		},
		{
			name:  "negative amount",
			input: CreateEscrowInput{Type: entities.EscrowTypeSale, BuyerID: "b", SellerID: "s", Amount: -5},
			code:  types.ErrInvalidAmount,
		},
		{
			name:  "fee without facilitator",
			input: CreateEscrowInput{Type: entities.EscrowTypeSale, BuyerID: "b", SellerID: "s", Amount: 200, FacilitatorFee: &fee},
			code:  types.ErrInvalidArgument,
		},
		{
			name: "fee above cash amount",
			input: CreateEscrowInput{
				Type: entities.EscrowTypeSale, BuyerID: "b", SellerID: "s", Amount: 200,
				FacilitatorID: "f", FacilitatorFee: &tooBig,
			},
			code: types.ErrInvalidAmount,
		},
		{
			name:  "facilitator is a party",
			input: CreateEscrowInput{Type: entities.EscrowTypeSale, BuyerID: "b", SellerID: "s", Amount: 200, FacilitatorID: "s"},
			code:  types.ErrInvalidArgument,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.engine.CreateEscrow(s.ctx, tt.input)
			s.requireCode(err, tt.code)
		})
	}
}

func (s *EngineTestSuite) TestCreateEscrowDefaults() {
	// Execute
	esc := s.create(CreateEscrowInput{FacilitatorID: facilitator.ID, Amount: 10000})

	// Assert
	s.Equal(entities.EscrowStatusCreated, esc.Status)
	s.True(esc.AutoRelease)
	s.Equal(DefaultInspectionHours, esc.AutoReleaseAfter)
	s.Equal(int64(500), esc.FacilitatorFee)
	s.Require().NotNil(esc.ExpiresAt)
	s.Equal(s.clock.Now().Add(DefaultFundingWindow), *esc.ExpiresAt)
	s.Equal([]entities.Milestone{entities.MilestoneCreated}, s.milestones(esc.ID))

	explicit := int64(0)
	esc = s.create(CreateEscrowInput{FacilitatorID: facilitator.ID, Amount: 10000, FacilitatorFee: &explicit})
	s.Equal(int64(0), esc.FacilitatorFee)
}

func (s *EngineTestSuite) TestFundFreezesEachLeg() {
	// Setup
	s.deposit(buyer.ID, entities.CurrencyCash, 500)
	s.deposit(buyer.ID, entities.CurrencyXcoin, 100)
	esc := s.create(CreateEscrowInput{Amount: 200, XcoinAmount: 50})

	// Execute
	esc, err := s.engine.Fund(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)

	// Assert
	s.Equal(entities.EscrowStatusFunded, esc.Status)
	s.Require().NotNil(esc.FundedAt)
	s.Equal(s.clock.Now().Add(DefaultDeliveryWindow), *esc.ExpiresAt)

	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(500), balance)
	s.Equal(int64(200), frozen)

	balance, frozen = s.balance(buyer.ID, entities.CurrencyXcoin)
	s.Equal(int64(100), balance)
	s.Equal(int64(50), frozen)
}

func (s *EngineTestSuite) TestFundIsAllOrNothing() {
	// Setup: enough cash, no xcoin
	s.deposit(buyer.ID, entities.CurrencyCash, 500)
	esc := s.create(CreateEscrowInput{Amount: 200, XcoinAmount: 50})

	// Execute
	_, err := s.engine.Fund(s.ctx, esc.ID, buyer)

	// Assert: the cash freeze was rolled back with the failed unit
	s.requireCode(err, types.ErrInsufficientFunds)
	s.Equal(entities.EscrowStatusCreated, s.status(esc.ID))
	s.Equal([]entities.Milestone{entities.MilestoneCreated}, s.milestones(esc.ID))

	_, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(0), frozen)
}

func (s *EngineTestSuite) TestPermissions() {
	s.deposit(buyer.ID, entities.CurrencyCash, 500)
	esc := s.create(CreateEscrowInput{})

	_, err := s.engine.Fund(s.ctx, esc.ID, seller)
	s.requireCode(err, types.ErrPermissionDenied)

	_, err = s.engine.Fund(s.ctx, esc.ID, stranger)
	s.requireCode(err, types.ErrPermissionDenied)

	// A party cannot claim another role through the actor type
	_, err = s.engine.Fund(s.ctx, esc.ID, entities.Actor{Type: entities.ActorBuyer, ID: seller.ID})
	s.requireCode(err, types.ErrPermissionDenied)

	_, err = s.engine.Fund(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)

	_, err = s.engine.MarkShipped(s.ctx, esc.ID, buyer)
	s.requireCode(err, types.ErrPermissionDenied)

	_, err = s.engine.Refund(s.ctx, esc.ID, buyer)
	s.requireCode(err, types.ErrPermissionDenied)

	_, err = s.engine.MarkDelivered(s.ctx, esc.ID, seller)
	s.Require().NoError(err)

	_, err = s.engine.ConfirmReceipt(s.ctx, esc.ID, seller)
	s.requireCode(err, types.ErrPermissionDenied)

	s.Equal(entities.EscrowStatusDelivered, s.status(esc.ID))
}

func (s *EngineTestSuite) TestConfirmReceiptReleasesToSeller() {
	// Setup
	esc := s.funded()
	_, err := s.engine.MarkShipped(s.ctx, esc.ID, seller)
	s.Require().NoError(err)
	_, err = s.engine.MarkDelivered(s.ctx, esc.ID, seller)
	s.Require().NoError(err)

	// Execute
	esc, err = s.engine.ConfirmReceipt(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)

	// Assert
	s.Equal(entities.EscrowStatusReleased, esc.Status)
	s.NotNil(esc.ReleasedAt)
	s.Nil(esc.RefundedAt)

	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(300), balance)
	s.Equal(int64(0), frozen)

	balance, _ = s.balance(seller.ID, entities.CurrencyCash)
	s.Equal(int64(200), balance)

	s.Equal([]entities.Milestone{
		entities.MilestoneCreated,
		entities.MilestoneFunded,
		entities.MilestoneShipped,
		entities.MilestoneDelivered,
		entities.MilestoneReleased,
	}, s.milestones(esc.ID))

	log, err := s.engine.GetMilestones(s.ctx, esc.ID)
	s.Require().NoError(err)
	s.Require().Len(s.published, len(log))
	for i, event := range s.published {
		s.Equal(log[i].ID, event.ID)
		s.Equal(esc.ID, event.EscrowID)
		s.Equal(events.EventType(log[i].Milestone), event.Type)
	}
	s.Equal("escrow.released", s.published[len(s.published)-1].Type)
}

func (s *EngineTestSuite) TestReleaseSplitsFacilitatorFee() {
	// Setup
	s.deposit(buyer.ID, entities.CurrencyCash, 10000)
	s.deposit(buyer.ID, entities.CurrencyXcoin, 50)
	esc := s.create(CreateEscrowInput{Amount: 10000, XcoinAmount: 50, FacilitatorID: facilitator.ID})
	_, err := s.engine.Fund(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)
	_, err = s.engine.MarkDelivered(s.ctx, esc.ID, seller)
	s.Require().NoError(err)

	// Execute
	esc, err = s.engine.ConfirmReceipt(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)

	// Assert: fee comes out of the cash leg only
	s.Equal(int64(500), esc.FacilitatorFee)

	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(0), balance)
	s.Equal(int64(0), frozen)

	balance, _ = s.balance(seller.ID, entities.CurrencyCash)
	s.Equal(int64(9500), balance)
	balance, _ = s.balance(facilitator.ID, entities.CurrencyCash)
	s.Equal(int64(500), balance)
	balance, _ = s.balance(seller.ID, entities.CurrencyXcoin)
	s.Equal(int64(50), balance)
	balance, _ = s.balance(facilitator.ID, entities.CurrencyXcoin)
	s.Equal(int64(0), balance)

	txs, err := s.wallets.GetTransactions(s.ctx, facilitator.ID, entities.CurrencyCash, 10)
	s.Require().NoError(err)
	s.Require().Len(txs, 1)
	s.Equal(entities.TransactionTypeEscrowFee, txs[0].Type)
	s.Equal(esc.ID, txs[0].Related.ID)
}

func (s *EngineTestSuite) TestNoDoubleSettlement() {
	// Setup
	esc := s.delivered()
	_, err := s.engine.ConfirmReceipt(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)

	milestones := s.milestones(esc.ID)
	txs, err := s.wallets.GetTransactions(s.ctx, buyer.ID, entities.CurrencyCash, 100)
	s.Require().NoError(err)

	// Execute
	_, confirmErr := s.engine.ConfirmReceipt(s.ctx, esc.ID, buyer)
	_, refundErr := s.engine.Refund(s.ctx, esc.ID, admin)

	// Assert
	s.requireCode(confirmErr, types.ErrAlreadySettled)
	s.requireCode(refundErr, types.ErrAlreadySettled)
	s.Equal(milestones, s.milestones(esc.ID))

	after, err := s.wallets.GetTransactions(s.ctx, buyer.ID, entities.CurrencyCash, 100)
	s.Require().NoError(err)
	s.Len(after, len(txs))

	balance, _ := s.balance(seller.ID, entities.CurrencyCash)
	s.Equal(int64(200), balance)
}

func (s *EngineTestSuite) TestConcurrentReleaseSettlesOnce() {
	// Setup
	esc := s.delivered()

	// Execute
	const workers = 5
	var (
		wg      sync.WaitGroup
		results = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.engine.ConfirmReceipt(s.ctx, esc.ID, buyer)
		}(i)
	}
	wg.Wait()

	// Assert
	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		s.Equal(types.ErrAlreadySettled, types.CodeOf(err), "unexpected error: %v", err)
	}
	s.Equal(1, succeeded)

	balance, _ := s.balance(seller.ID, entities.CurrencyCash)
	s.Equal(int64(200), balance)
	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(300), balance)
	s.Equal(int64(0), frozen)
}

func (s *EngineTestSuite) TestTransitionGuard() {
	esc := s.create(CreateEscrowInput{})

	tests := []struct {
		name string
		op   func() (*entities.Escrow, error)
	}{
		{"mark shipped", func() (*entities.Escrow, error) { return s.engine.MarkShipped(s.ctx, esc.ID, seller) }},
		{"mark delivered", func() (*entities.Escrow, error) { return s.engine.MarkDelivered(s.ctx, esc.ID, seller) }},
		{"start inspection", func() (*entities.Escrow, error) { return s.engine.StartInspection(s.ctx, esc.ID) }},
		{"confirm receipt", func() (*entities.Escrow, error) { return s.engine.ConfirmReceipt(s.ctx, esc.ID, buyer) }},
		{"auto release", func() (*entities.Escrow, error) { return s.engine.AutoRelease(s.ctx, esc.ID) }},
		{"refund", func() (*entities.Escrow, error) { return s.engine.Refund(s.ctx, esc.ID, admin) }},
		{"expire early", func() (*entities.Escrow, error) { return s.engine.Expire(s.ctx, esc.ID) }},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := tt.op()
			s.requireCode(err, types.ErrInvalidStateTransition)
			s.Equal(entities.EscrowStatusCreated, s.status(esc.ID))
			s.Equal([]entities.Milestone{entities.MilestoneCreated}, s.milestones(esc.ID))
		})
	}

	_, err := s.engine.GetEscrow(s.ctx, "missing")
	s.requireCode(err, types.ErrNotFound)
	_, err = s.engine.Fund(s.ctx, "missing", buyer)
	s.requireCode(err, types.ErrNotFound)
}

func (s *EngineTestSuite) TestCancelBeforeFunding() {
	// Setup
	esc := s.create(CreateEscrowInput{})

	// Execute
	esc, err := s.engine.Cancel(s.ctx, esc.ID, seller)
	s.Require().NoError(err)

	// Assert
	s.Equal(entities.EscrowStatusCancelled, esc.Status)
	s.NotNil(esc.CancelledAt)

	_, err = s.engine.Fund(s.ctx, esc.ID, buyer)
	s.requireCode(err, types.ErrInvalidStateTransition)

	funded := s.funded()
	_, err = s.engine.Cancel(s.ctx, funded.ID, buyer)
	s.requireCode(err, types.ErrInvalidStateTransition)
}

func (s *EngineTestSuite) TestRefundReturnsFrozenFunds() {
	// Setup
	esc := s.funded()

	// Execute
	esc, err := s.engine.Refund(s.ctx, esc.ID, admin)
	s.Require().NoError(err)

	// Assert
	s.Equal(entities.EscrowStatusRefunded, esc.Status)
	s.NotNil(esc.RefundedAt)

	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(500), balance)
	s.Equal(int64(0), frozen)
}

func (s *EngineTestSuite) TestExpireFundedEscrowRefundsBuyer() {
	// Setup
	esc := s.funded()

	_, err := s.engine.Expire(s.ctx, esc.ID)
	s.requireCode(err, types.ErrInvalidStateTransition)

	s.clock.Advance(DefaultDeliveryWindow + time.Minute)

	// Execute
	esc, err = s.engine.Expire(s.ctx, esc.ID)
	s.Require().NoError(err)

	// Assert: frozen 200 returned without deduction
	s.Equal(entities.EscrowStatusExpired, esc.Status)
	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(500), balance)
	s.Equal(int64(0), frozen)
	s.Equal(entities.MilestoneExpired, s.milestones(esc.ID)[2])
}

func (s *EngineTestSuite) TestUnfundedEscrowExpires() {
	// Setup
	esc := s.create(CreateEscrowInput{})
	s.clock.Advance(DefaultFundingWindow)

	// A late fund is refused even before the sweep runs
	s.deposit(buyer.ID, entities.CurrencyCash, 500)
	_, err := s.engine.Fund(s.ctx, esc.ID, buyer)
	s.requireCode(err, types.ErrInvalidStateTransition)

	// Execute
	esc, err = s.engine.Expire(s.ctx, esc.ID)
	s.Require().NoError(err)

	// Assert
	s.Equal(entities.EscrowStatusExpired, esc.Status)
	s.Nil(esc.RefundedAt)
	_, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(0), frozen)
}

func (s *EngineTestSuite) TestDeliveredEscrowDoesNotExpire() {
	esc := s.delivered()
	s.clock.Advance(DefaultDeliveryWindow + time.Hour)

	_, err := s.engine.Expire(s.ctx, esc.ID)
	s.requireCode(err, types.ErrInvalidStateTransition)
	s.Equal(entities.EscrowStatusDelivered, s.status(esc.ID))
}

func (s *EngineTestSuite) TestAutoReleaseAfterInspection() {
	// Setup
	s.deposit(buyer.ID, entities.CurrencyCash, 500)
	esc := s.create(CreateEscrowInput{AutoReleaseAfter: 48})
	_, err := s.engine.Fund(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)
	esc, err = s.engine.MarkDelivered(s.ctx, esc.ID, seller)
	s.Require().NoError(err)
	s.Equal(s.clock.Now().Add(48*time.Hour), *esc.InspectionEndsAt)

	_, err = s.engine.StartInspection(s.ctx, esc.ID)
	s.Require().NoError(err)

	_, err = s.engine.AutoRelease(s.ctx, esc.ID)
	s.requireCode(err, types.ErrInvalidStateTransition)

	s.clock.Advance(48 * time.Hour)

	// Execute
	esc, err = s.engine.AutoRelease(s.ctx, esc.ID)
	s.Require().NoError(err)

	// Assert
	s.Equal(entities.EscrowStatusReleased, esc.Status)
	balance, _ := s.balance(seller.ID, entities.CurrencyCash)
	s.Equal(int64(200), balance)

	log, err := s.engine.GetMilestones(s.ctx, esc.ID)
	s.Require().NoError(err)
	last := log[len(log)-1]
	s.Equal(entities.MilestoneAutoReleased, last.Milestone)
	s.Equal(entities.ActorSystem, last.ActorType)
}

func (s *EngineTestSuite) TestAutoReleaseDisabled() {
	s.deposit(buyer.ID, entities.CurrencyCash, 500)
	esc := s.create(CreateEscrowInput{DisableAutoRelease: true})
	_, err := s.engine.Fund(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)
	_, err = s.engine.MarkDelivered(s.ctx, esc.ID, seller)
	s.Require().NoError(err)
	_, err = s.engine.StartInspection(s.ctx, esc.ID)
	s.Require().NoError(err)

	s.clock.Advance(30 * 24 * time.Hour)

	_, err = s.engine.AutoRelease(s.ctx, esc.ID)
	s.requireCode(err, types.ErrInvalidStateTransition)

	// The buyer can still release manually
	_, err = s.engine.ConfirmReceipt(s.ctx, esc.ID, buyer)
	s.NoError(err)
}

func (s *EngineTestSuite) TestDisputeResolvedForBuyer() {
	// Setup
	esc := s.delivered()

	// Execute
	d := s.openDispute(esc.ID, buyer)

	// Assert
	s.Equal(entities.DisputeStatusOpen, d.Status)
	s.Equal(seller.ID, d.RespondentID)
	s.Equal(s.clock.Now().Add(DefaultDisputeResponseWindow), d.ResponseDeadline)
	s.Equal(entities.EscrowStatusDisputed, s.status(esc.ID))

	_, err := s.engine.OpenDispute(s.ctx, OpenDisputeInput{
		EscrowID:    esc.ID,
		Initiator:   seller,
		Reason:      entities.DisputeReasonBuyerFraud,
		Description: "second try",
	})
	s.requireCode(err, types.ErrDuplicateDispute)

	open, err := s.engine.GetOpenDispute(s.ctx, esc.ID)
	s.Require().NoError(err)
	s.Equal(d.ID, open.ID)

	resolved, esc, err := s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{
		DisputeID:  d.ID,
		Admin:      admin,
		Resolution: entities.ResolutionBuyerFavored,
		Notes:      "seller could not show provenance",
	})
	s.Require().NoError(err)

	s.Equal(entities.DisputeStatusResolved, resolved.Status)
	s.Equal(entities.ResolutionBuyerFavored, resolved.Resolution)
	s.Equal(admin.ID, resolved.ResolvedBy)
	s.NotNil(resolved.ResolvedAt)
	s.Equal(entities.EscrowStatusRefunded, esc.Status)

	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(500), balance)
	s.Equal(int64(0), frozen)

	_, err = s.engine.GetOpenDispute(s.ctx, esc.ID)
	s.requireCode(err, types.ErrNotFound)

	stored, err := s.engine.GetDispute(s.ctx, d.ID)
	s.Require().NoError(err)
	s.Equal(entities.DisputeStatusResolved, stored.Status)

	s.Equal([]entities.Milestone{
		entities.MilestoneCreated,
		entities.MilestoneFunded,
		entities.MilestoneDelivered,
		entities.MilestoneDisputed,
		entities.MilestoneDisputeResolved,
	}, s.milestones(esc.ID))
}

func (s *EngineTestSuite) TestOpenDisputeRules() {
	created := s.create(CreateEscrowInput{})
	_, err := s.engine.OpenDispute(s.ctx, OpenDisputeInput{
		EscrowID: created.ID, Initiator: buyer, Reason: entities.DisputeReasonOther, Description: "x",
	})
	s.requireCode(err, types.ErrInvalidStateTransition)

	esc := s.funded()
	tests := []struct {
		name  string
		input OpenDisputeInput
		code  types.ErrorCode
	}{
		{"stranger", OpenDisputeInput{EscrowID: esc.ID, Initiator: stranger, Reason: entities.DisputeReasonOther, Description: "x"}, types.ErrPermissionDenied},
		{"admin", OpenDisputeInput{EscrowID: esc.ID, Initiator: admin, Reason: entities.DisputeReasonOther, Description: "x"}, types.ErrPermissionDenied},
		{"bad reason", OpenDisputeInput{EscrowID: esc.ID, Initiator: buyer, Reason: "BORED", Description: "x"}, types.ErrInvalidArgument},
		{"no description", OpenDisputeInput{EscrowID: esc.ID, Initiator: buyer, Reason: entities.DisputeReasonOther}, types.ErrInvalidArgument},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.engine.OpenDispute(s.ctx, tt.input)
			s.requireCode(err, tt.code)
		})
	}

	// Seller initiated disputes name the buyer as respondent
	d := s.openDispute(esc.ID, seller)
	s.Equal(seller.ID, d.InitiatorID)
	s.Equal(buyer.ID, d.RespondentID)

	// A disputed escrow cannot be released by the buyer
	_, err = s.engine.ConfirmReceipt(s.ctx, esc.ID, buyer)
	s.requireCode(err, types.ErrInvalidStateTransition)
}

func (s *EngineTestSuite) TestDisputeClosesWithInspectionWindow() {
	// Setup
	inspecting := s.delivered()
	_, err := s.engine.StartInspection(s.ctx, inspecting.ID)
	s.Require().NoError(err)
	awaiting := s.delivered()

	s.deposit(buyer.ID, entities.CurrencyCash, 500)
	manual := s.create(CreateEscrowInput{DisableAutoRelease: true})
	_, err = s.engine.Fund(s.ctx, manual.ID, buyer)
	s.Require().NoError(err)
	_, err = s.engine.MarkDelivered(s.ctx, manual.ID, seller)
	s.Require().NoError(err)
	_, err = s.engine.StartInspection(s.ctx, manual.ID)
	s.Require().NoError(err)

	s.clock.Advance(time.Duration(DefaultInspectionHours+1) * time.Hour)

	// Execute and assert
	for _, id := range []string{inspecting.ID, awaiting.ID} {
		_, err = s.engine.OpenDispute(s.ctx, OpenDisputeInput{
			EscrowID: id, Initiator: buyer, Reason: entities.DisputeReasonItemDamaged, Description: "cracked case",
		})
		s.requireCode(err, types.ErrInvalidStateTransition)
	}
	s.Equal(entities.EscrowStatusInspection, s.status(inspecting.ID))
	s.NotContains(s.milestones(inspecting.ID), entities.MilestoneDisputed)

	// Without auto release nothing settles on a timer, so the buyer keeps the right to dispute
	s.openDispute(manual.ID, buyer)
	s.Equal(entities.EscrowStatusDisputed, s.status(manual.ID))

	// The sweep still releases the elapsed escrow
	released, err := s.engine.AutoRelease(s.ctx, inspecting.ID)
	s.Require().NoError(err)
	s.Equal(entities.EscrowStatusReleased, released.Status)
}

func (s *EngineTestSuite) TestConcurrentDisputesOpenOnce() {
	esc := s.delivered()

	var (
		wg      sync.WaitGroup
		results = make([]error, 2)
	)
	for i, actor := range []entities.Actor{buyer, seller} {
		wg.Add(1)
		go func(i int, actor entities.Actor) {
			defer wg.Done()
			_, results[i] = s.engine.OpenDispute(s.ctx, OpenDisputeInput{
				EscrowID:    esc.ID,
				Initiator:   actor,
				Reason:      entities.DisputeReasonOther,
				Description: "race",
			})
		}(i, actor)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		s.Equal(types.ErrDuplicateDispute, types.CodeOf(err), "unexpected error: %v", err)
	}
	s.Equal(1, succeeded)

	disputed := 0
	for _, m := range s.milestones(esc.ID) {
		if m == entities.MilestoneDisputed {
			disputed++
		}
	}
	s.Equal(1, disputed)
}

func (s *EngineTestSuite) TestResolveSellerFavored() {
	esc := s.delivered()
	d := s.openDispute(esc.ID, buyer)

	_, esc, err := s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{
		DisputeID:  d.ID,
		Admin:      admin,
		Resolution: entities.ResolutionSellerFavored,
	})
	s.Require().NoError(err)

	s.Equal(entities.EscrowStatusReleased, esc.Status)
	balance, _ := s.balance(seller.ID, entities.CurrencyCash)
	s.Equal(int64(200), balance)
	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(300), balance)
	s.Equal(int64(0), frozen)
}

func (s *EngineTestSuite) TestResolvePartialRefund() {
	// Setup
	s.deposit(buyer.ID, entities.CurrencyCash, 1000)
	s.deposit(buyer.ID, entities.CurrencyXcoin, 100)
	esc := s.create(CreateEscrowInput{Amount: 1000, XcoinAmount: 100})
	_, err := s.engine.Fund(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)
	d := s.openDispute(esc.ID, buyer)

	// Execute
	resolved, esc, err := s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{
		DisputeID:    d.ID,
		Admin:        admin,
		Resolution:   entities.ResolutionPartialRefund,
		RefundAmount: 300,
	})
	s.Require().NoError(err)

	// Assert
	s.Equal(int64(300), resolved.RefundAmount)
	s.Equal(entities.EscrowStatusReleased, esc.Status)
	s.NotNil(esc.ReleasedAt)
	s.NotNil(esc.RefundedAt)

	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(300), balance)
	s.Equal(int64(0), frozen)
	balance, frozen = s.balance(buyer.ID, entities.CurrencyXcoin)
	s.Equal(int64(0), balance)
	s.Equal(int64(0), frozen)

	balance, _ = s.balance(seller.ID, entities.CurrencyCash)
	s.Equal(int64(700), balance)
	balance, _ = s.balance(seller.ID, entities.CurrencyXcoin)
	s.Equal(int64(100), balance)

	milestones := s.milestones(esc.ID)
	s.Equal(entities.MilestonePartialRefund, milestones[len(milestones)-1])
}

func (s *EngineTestSuite) TestPartialRefundCapsFeeAtRemainder() {
	fee := int64(100)
	s.deposit(buyer.ID, entities.CurrencyCash, 1000)
	esc := s.create(CreateEscrowInput{Amount: 1000, FacilitatorID: facilitator.ID, FacilitatorFee: &fee})
	_, err := s.engine.Fund(s.ctx, esc.ID, buyer)
	s.Require().NoError(err)
	d := s.openDispute(esc.ID, seller)

	_, esc, err = s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{
		DisputeID:    d.ID,
		Admin:        admin,
		Resolution:   entities.ResolutionPartialRefund,
		RefundAmount: 950,
	})
	s.Require().NoError(err)

	s.Equal(int64(50), esc.FacilitatorFee)
	balance, _ := s.balance(facilitator.ID, entities.CurrencyCash)
	s.Equal(int64(50), balance)
	balance, _ = s.balance(seller.ID, entities.CurrencyCash)
	s.Equal(int64(0), balance)
	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(950), balance)
	s.Equal(int64(0), frozen)
}

func (s *EngineTestSuite) TestPartialRefundValidation() {
	esc := s.funded()
	d := s.openDispute(esc.ID, buyer)

	tests := []struct {
		name  string
		cash  int64
		xcoin int64
	}{
		{"nothing refunded", 0, 0},
		{"negative", -10, 0},
		{"more than escrowed", 201, 0},
		{"xcoin leg absent", 0, 5},
		{"whole escrow", 200, 0},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, _, err := s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{
				DisputeID:         d.ID,
				Admin:             admin,
				Resolution:        entities.ResolutionPartialRefund,
				RefundAmount:      tt.cash,
				RefundXcoinAmount: tt.xcoin,
			})
			s.requireCode(err, types.ErrInvalidAmount)
		})
	}

	_, _, err := s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{
		DisputeID:    d.ID,
		Admin:        admin,
		Resolution:   entities.ResolutionBuyerFavored,
		RefundAmount: 10,
	})
	s.requireCode(err, types.ErrInvalidArgument)

	s.Equal(entities.EscrowStatusDisputed, s.status(esc.ID))
	open, err := s.engine.GetOpenDispute(s.ctx, esc.ID)
	s.Require().NoError(err)
	s.Equal(d.ID, open.ID)
}

func (s *EngineTestSuite) TestResolveRules() {
	esc := s.delivered()
	d := s.openDispute(esc.ID, buyer)

	_, _, err := s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{DisputeID: d.ID, Admin: buyer, Resolution: entities.ResolutionBuyerFavored})
	s.requireCode(err, types.ErrPermissionDenied)

	_, _, err = s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{DisputeID: d.ID, Admin: admin, Resolution: "COIN_FLIP"})
	s.requireCode(err, types.ErrInvalidArgument)

	_, _, err = s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{DisputeID: "missing", Admin: admin, Resolution: entities.ResolutionBuyerFavored})
	s.requireCode(err, types.ErrNotFound)

	_, _, err = s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{DisputeID: d.ID, Admin: admin, Resolution: entities.ResolutionMutualAgreement})
	s.Require().NoError(err)
	s.Equal(entities.EscrowStatusRefunded, s.status(esc.ID))

	// Resolving again never settles twice
	for _, resolution := range []entities.DisputeResolution{entities.ResolutionSellerFavored, entities.ResolutionCancelled} {
		_, _, err = s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{DisputeID: d.ID, Admin: admin, Resolution: resolution})
		s.requireCode(err, types.ErrAlreadySettled)
	}
	balance, _ := s.balance(seller.ID, entities.CurrencyCash)
	s.Equal(int64(0), balance)
}

func (s *EngineTestSuite) TestResolveCancelled() {
	esc := s.funded()
	d := s.openDispute(esc.ID, buyer)

	_, esc, err := s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{
		DisputeID:  d.ID,
		Admin:      admin,
		Resolution: entities.ResolutionCancelled,
	})
	s.Require().NoError(err)

	s.Equal(entities.EscrowStatusCancelled, esc.Status)
	s.NotNil(esc.CancelledAt)
	balance, frozen := s.balance(buyer.ID, entities.CurrencyCash)
	s.Equal(int64(500), balance)
	s.Equal(int64(0), frozen)
}

func (s *EngineTestSuite) TestDisputeMessages() {
	// Setup
	esc := s.delivered()
	d := s.openDispute(esc.ID, buyer)

	post := func(sender entities.Actor, text string, internal bool) (*entities.DisputeMessage, error) {
		return s.engine.AddDisputeMessage(s.ctx, AddDisputeMessageInput{
			DisputeID:  d.ID,
			Sender:     sender,
			Message:    text,
			IsInternal: internal,
		})
	}

	// Execute
	msg, err := post(buyer, "photos attached", false)
	s.Require().NoError(err)
	s.Equal(entities.SenderRoleInitiator, msg.SenderRole)

	msg, err = post(seller, "it left here mint", false)
	s.Require().NoError(err)
	s.Equal(entities.SenderRoleRespondent, msg.SenderRole)

	msg, err = post(admin, "seller has prior reports", true)
	s.Require().NoError(err)
	s.Equal(entities.SenderRoleAdmin, msg.SenderRole)

	_, err = post(buyer, "secret", true)
	s.requireCode(err, types.ErrPermissionDenied)
	_, err = post(stranger, "hello", false)
	s.requireCode(err, types.ErrPermissionDenied)
	_, err = post(buyer, "  ", false)
	s.requireCode(err, types.ErrInvalidArgument)

	// Assert
	visible, err := s.engine.ListDisputeMessages(s.ctx, d.ID, buyer)
	s.Require().NoError(err)
	s.Len(visible, 2)

	all, err := s.engine.ListDisputeMessages(s.ctx, d.ID, admin)
	s.Require().NoError(err)
	s.Len(all, 3)
	s.True(all[2].IsInternal)

	_, err = s.engine.ListDisputeMessages(s.ctx, d.ID, stranger)
	s.requireCode(err, types.ErrPermissionDenied)

	_, _, err = s.engine.ResolveDispute(s.ctx, ResolveDisputeInput{DisputeID: d.ID, Admin: admin, Resolution: entities.ResolutionSellerFavored})
	s.Require().NoError(err)
	_, err = post(buyer, "too late", false)
	s.requireCode(err, types.ErrInvalidStateTransition)
}

func (s *EngineTestSuite) TestDueLists() {
	expiring := s.funded()
	delivered := s.delivered()
	inspecting := s.delivered()
	_, err := s.engine.StartInspection(s.ctx, inspecting.ID)
	s.Require().NoError(err)

	s.clock.Advance(DefaultDeliveryWindow)

	due, err := s.engine.DueForExpiry(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(due, 1)
	s.Equal(expiring.ID, due[0].ID)

	awaiting, err := s.engine.AwaitingInspection(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(awaiting, 1)
	s.Equal(delivered.ID, awaiting[0].ID)

	releasable, err := s.engine.DueForAutoRelease(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(releasable, 1)
	s.Equal(inspecting.ID, releasable[0].ID)
}

func TestPublishFailureKeepsTransition(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mock_events.NewMockPublisher(ctrl)
	publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		Return(errors.New("broker unavailable")).
		Times(2)

	s := store.NewMemoryStore()
	wallets := wallet.NewService(s, wallet.Config{Logger: quietLogger})
	engine := NewEngine(s, wallets, publisher, Config{Logger: quietLogger})
	ctx := context.Background()

	_, err := wallets.Credit(ctx, buyer.ID, entities.CurrencyCash, 500, entities.TransactionTypeDeposit, entities.RelatedEntity{})
	require.NoError(t, err)

	esc, err := engine.CreateEscrow(ctx, CreateEscrowInput{
		Type: entities.EscrowTypeSale, BuyerID: buyer.ID, SellerID: seller.ID, Amount: 200,
	})
	require.NoError(t, err)

	esc, err = engine.Fund(ctx, esc.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, entities.EscrowStatusFunded, esc.Status)

	w, err := wallets.GetWallet(ctx, buyer.ID, entities.CurrencyCash)
	require.NoError(t, err)
	assert.Equal(t, int64(200), w.FrozenBalance)
}

func TestPublishesMilestoneEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	publisher := mock_events.NewMockPublisher(ctrl)

	var published []events.MilestoneEvent
	publisher.EXPECT().
		Publish(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, event events.MilestoneEvent) error {
			published = append(published, event)
			return nil
		}).
		Times(2)

	s := store.NewMemoryStore()
	engine := NewEngine(s, wallet.NewService(s, wallet.Config{Logger: quietLogger}), publisher, Config{Logger: quietLogger})
	ctx := context.Background()

	esc, err := engine.CreateEscrow(ctx, CreateEscrowInput{
		Type: entities.EscrowTypeBarter, BuyerID: buyer.ID, SellerID: seller.ID, XcoinAmount: 20,
	})
	require.NoError(t, err)

	_, err = engine.Cancel(ctx, esc.ID, seller)
	require.NoError(t, err)

	// Rejected transitions publish nothing
	_, err = engine.Cancel(ctx, esc.ID, seller)
	require.True(t, types.Is(err, types.ErrInvalidStateTransition))

	require.Len(t, published, 2)
	assert.Equal(t, "escrow.created", published[0].Type)
	assert.Equal(t, entities.EscrowStatusCreated, published[0].Status)
	assert.Equal(t, "escrow.cancelled", published[1].Type)
	assert.Equal(t, entities.ActorSeller, published[1].ActorType)
	assert.Equal(t, seller.ID, published[1].ActorID)
	assert.Equal(t, esc.ID, published[1].EscrowID)
}
