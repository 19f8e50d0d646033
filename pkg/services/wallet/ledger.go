package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fadedpez/tradevault/internal/logging"
	"github.com/fadedpez/tradevault/internal/types"
	"github.com/fadedpez/tradevault/pkg/entities"
	walletRepo "github.com/fadedpez/tradevault/pkg/repositories/wallet"
)

// Payout is one credit made out of a released freeze
type Payout struct {
	UserID string
	Amount int64
	Type   entities.TransactionType // ESCROW_PAYOUT, ESCROW_FEE, ...
}

// Ledger applies wallet mutations through the repository of an atomic unit the
// caller already holds. It never commits on its own; a returned error means the
// caller must abort the unit.
type Ledger struct {
	repo   walletRepo.Repository
	now    func() time.Time
	logger *logging.Logger
}

// loaded is a wallet read inside the unit, not yet persisted when isNew is set
type loaded struct {
	wallet *entities.Wallet
	isNew  bool
}

func (l *Ledger) load(ctx context.Context, userID string, currency entities.Currency) (*loaded, error) {
	if userID == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "user id is required")
	}
	if !currency.IsValid() {
		return nil, types.Errorf(types.ErrInvalidArgument, "unknown currency %q", currency)
	}

	w, err := l.repo.GetWalletForUpdate(ctx, userID, currency)
	if err == nil {
		return &loaded{wallet: w}, nil
	}
	if !errors.Is(err, walletRepo.ErrWalletNotFound) {
		return nil, wrapStorage("failed to load wallet", err)
	}

	now := l.now()
	return &loaded{
		wallet: &entities.Wallet{
			ID:        uuid.New().String(),
			UserID:    userID,
			Currency:  currency,
			CreatedAt: now,
			UpdatedAt: now,
		},
		isNew: true,
	}, nil
}

// mutation describes one ledger row and the wallet change it records
type mutation struct {
	txType      entities.TransactionType
	amount      int64 // balance delta
	frozenDelta int64
	related     entities.RelatedEntity
	description string
}

// apply changes the wallet, checks its invariants, persists it and appends the row
func (l *Ledger) apply(ctx context.Context, lw *loaded, m mutation) (*entities.Transaction, error) {
	w := lw.wallet
	before := w.Balance

	if m.amount > 0 && (m.amount > math.MaxInt64-w.Balance || m.amount > math.MaxInt64-w.LifetimeEarned) {
		return nil, types.Errorf(types.ErrInvalidAmount, "amount %d would overflow the %s wallet of %s", m.amount, w.Currency, w.UserID)
	}

	w.Balance += m.amount
	if m.amount > 0 {
		w.LifetimeEarned += m.amount
	} else {
		w.LifetimeSpent -= m.amount
	}
	w.FrozenBalance += m.frozenDelta
	w.UpdatedAt = l.now()

	if err := w.CheckInvariants(); err != nil {
		fault := types.WrapError(types.ErrIntegrityFault, "wallet invariant violated by "+string(m.txType), err)
		l.logger.LogError(fault)
		return nil, fault
	}

	if lw.isNew {
		if err := l.repo.CreateWallet(ctx, w); err != nil {
			return nil, wrapStorage("failed to create wallet", err)
		}
		lw.isNew = false
	} else if err := l.repo.UpdateWallet(ctx, w); err != nil {
		return nil, wrapStorage("failed to update wallet", err)
	}

	transaction := &entities.Transaction{
		ID:            uuid.New().String(),
		WalletID:      w.ID,
		UserID:        w.UserID,
		Currency:      w.Currency,
		Type:          m.txType,
		Amount:        m.amount,
		FrozenDelta:   m.frozenDelta,
		BalanceBefore: before,
		BalanceAfter:  w.Balance,
		Status:        entities.TransactionStatusCompleted,
		Related:       m.related,
		Description:   m.description,
		CreatedAt:     w.UpdatedAt,
	}
	if err := l.repo.AddTransaction(ctx, transaction); err != nil {
		return nil, wrapStorage("failed to add transaction", err)
	}

	l.logger.Debug("%s %s %s: amount=%d frozen=%d balance %d -> %d",
		m.txType, w.UserID, w.Currency, m.amount, m.frozenDelta, before, w.Balance)
	return transaction, nil
}

func validateAmount(amount int64) error {
	if amount <= 0 {
		return types.Errorf(types.ErrInvalidAmount, "amount must be positive, got %d", amount)
	}
	return nil
}

// Credit increases a wallet's balance, creating the wallet on first use
func (l *Ledger) Credit(ctx context.Context, userID string, currency entities.Currency, amount int64, txType entities.TransactionType, related entities.RelatedEntity) (*entities.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if !txType.IsValid() {
		return nil, types.Errorf(types.ErrInvalidArgument, "unknown transaction type %q", txType)
	}

	lw, err := l.load(ctx, userID, currency)
	if err != nil {
		return nil, err
	}

	return l.apply(ctx, lw, mutation{
		txType:      txType,
		amount:      amount,
		related:     related,
		description: fmt.Sprintf("Credit %d %s", amount, currency),
	})
}

// Debit decreases a wallet's balance out of its available funds
func (l *Ledger) Debit(ctx context.Context, userID string, currency entities.Currency, amount int64, txType entities.TransactionType, related entities.RelatedEntity) (*entities.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if !txType.IsValid() {
		return nil, types.Errorf(types.ErrInvalidArgument, "unknown transaction type %q", txType)
	}

	lw, err := l.load(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	if available := lw.wallet.Available(); available < amount {
		return nil, types.Errorf(types.ErrInsufficientFunds,
			"%s %s wallet has %d available, %d required", userID, currency, available, amount)
	}

	return l.apply(ctx, lw, mutation{
		txType:      txType,
		amount:      -amount,
		related:     related,
		description: fmt.Sprintf("Debit %d %s", amount, currency),
	})
}

// Freeze earmarks available funds without changing the balance
func (l *Ledger) Freeze(ctx context.Context, userID string, currency entities.Currency, amount int64, related entities.RelatedEntity) (*entities.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	lw, err := l.load(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	if available := lw.wallet.Available(); available < amount {
		return nil, types.Errorf(types.ErrInsufficientFunds,
			"%s %s wallet has %d available, %d required", userID, currency, available, amount)
	}

	return l.apply(ctx, lw, mutation{
		txType:      entities.TransactionTypeEscrowFreeze,
		frozenDelta: amount,
		related:     related,
		description: fmt.Sprintf("Freeze %d %s", amount, currency),
	})
}

// RefundFreeze returns frozen funds to the available balance without deducting them
func (l *Ledger) RefundFreeze(ctx context.Context, userID string, currency entities.Currency, amount int64, related entities.RelatedEntity) (*entities.Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	lw, err := l.load(ctx, userID, currency)
	if err != nil {
		return nil, err
	}
	if frozen := lw.wallet.FrozenBalance; frozen < amount {
		return nil, types.Errorf(types.ErrInsufficientFrozenFunds,
			"%s %s wallet has %d frozen, %d required", userID, currency, frozen, amount)
	}

	return l.apply(ctx, lw, mutation{
		txType:      entities.TransactionTypeEscrowRefund,
		frozenDelta: -amount,
		related:     related,
		description: fmt.Sprintf("Unfreeze %d %s", amount, currency),
	})
}

// Release unfreezes and debits amount from the source wallet and credits it to toUserID
func (l *Ledger) Release(ctx context.Context, fromUserID string, currency entities.Currency, amount int64, toUserID string, related entities.RelatedEntity) ([]*entities.Transaction, error) {
	return l.ReleaseSplit(ctx, fromUserID, currency, []Payout{
		{UserID: toUserID, Amount: amount, Type: entities.TransactionTypeEscrowPayout},
	}, related)
}

// ReleaseSplit unfreezes and debits the sum of the payouts from the source wallet,
// then credits each payee. It appends one row for the source and one per payee.
// Zero payouts are skipped.
func (l *Ledger) ReleaseSplit(ctx context.Context, fromUserID string, currency entities.Currency, payouts []Payout, related entities.RelatedEntity) ([]*entities.Transaction, error) {
	var total int64
	for _, p := range payouts {
		if p.Amount < 0 {
			return nil, types.Errorf(types.ErrInvalidAmount, "payout to %s is negative", p.UserID)
		}
		if p.UserID == fromUserID {
			return nil, types.Errorf(types.ErrSelfTransfer, "cannot release funds of %s to itself", fromUserID)
		}
		if p.Amount > 0 && !p.Type.IsValid() {
			return nil, types.Errorf(types.ErrInvalidArgument, "unknown transaction type %q", p.Type)
		}
		total += p.Amount
	}
	if err := validateAmount(total); err != nil {
		return nil, err
	}

	source, err := l.load(ctx, fromUserID, currency)
	if err != nil {
		return nil, err
	}
	if frozen := source.wallet.FrozenBalance; frozen < total {
		return nil, types.Errorf(types.ErrInsufficientFrozenFunds,
			"%s %s wallet has %d frozen, %d required", fromUserID, currency, frozen, total)
	}

	sourceTx, err := l.apply(ctx, source, mutation{
		txType:      entities.TransactionTypeEscrowRelease,
		amount:      -total,
		frozenDelta: -total,
		related:     related,
		description: fmt.Sprintf("Release %d %s", total, currency),
	})
	if err != nil {
		return nil, err
	}

	transactions := []*entities.Transaction{sourceTx}
	for _, p := range payouts {
		if p.Amount == 0 {
			continue
		}
		// guards were checked above; Credit only fails on storage errors here
		transaction, err := l.Credit(ctx, p.UserID, currency, p.Amount, p.Type, related)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// Transfer moves available funds between two users as one debit and one credit
func (l *Ledger) Transfer(ctx context.Context, fromUserID, toUserID string, currency entities.Currency, amount int64, related entities.RelatedEntity) ([]*entities.Transaction, error) {
	if fromUserID == toUserID {
		return nil, types.Errorf(types.ErrSelfTransfer, "cannot transfer from %s to itself", fromUserID)
	}
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	// Lock both rows in a stable order so opposing transfers cannot deadlock
	order := []string{fromUserID, toUserID}
	sort.Strings(order)
	wallets := make(map[string]*loaded, 2)
	for _, userID := range order {
		lw, err := l.load(ctx, userID, currency)
		if err != nil {
			return nil, err
		}
		wallets[userID] = lw
	}

	from, to := wallets[fromUserID], wallets[toUserID]
	if available := from.wallet.Available(); available < amount {
		return nil, types.Errorf(types.ErrInsufficientFunds,
			"%s %s wallet has %d available, %d required", fromUserID, currency, available, amount)
	}

	out, err := l.apply(ctx, from, mutation{
		txType:      entities.TransactionTypeTransferOut,
		amount:      -amount,
		related:     related,
		description: fmt.Sprintf("Transfer %d %s to %s", amount, currency, toUserID),
	})
	if err != nil {
		return nil, err
	}

	in, err := l.apply(ctx, to, mutation{
		txType:      entities.TransactionTypeTransferIn,
		amount:      amount,
		related:     related,
		description: fmt.Sprintf("Transfer %d %s from %s", amount, currency, fromUserID),
	})
	if err != nil {
		return nil, err
	}

	return []*entities.Transaction{out, in}, nil
}

// wrapStorage keeps coded errors from the store and marks the rest as database errors
func wrapStorage(message string, err error) error {
	var coded *types.Error
	if types.As(err, &coded) {
		return err
	}
	return types.WrapError(types.ErrDatabaseError, message, err)
}
