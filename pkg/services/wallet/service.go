package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fadedpez/tradevault/internal/logging"
	"github.com/fadedpez/tradevault/internal/types"
	"github.com/fadedpez/tradevault/pkg/entities"
	"github.com/fadedpez/tradevault/pkg/repositories/store"
	walletRepo "github.com/fadedpez/tradevault/pkg/repositories/wallet"
)

// DefaultMaxRetries bounds how often a unit is retried after a concurrency conflict
const DefaultMaxRetries = 3

// Config holds the optional dependencies of a Service
type Config struct {
	MaxRetries int
	Now        func() time.Time
	Logger     *logging.Logger
}

// Service handles wallet business logic. Every call runs as one atomic unit.
type Service struct {
	store      store.Store
	maxRetries int
	now        func() time.Time
	logger     *logging.Logger
}

// NewService creates a new wallet service
func NewService(s store.Store, cfg Config) *Service {
	svc := &Service{
		store:      s,
		maxRetries: cfg.MaxRetries,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	if svc.maxRetries < 1 {
		svc.maxRetries = DefaultMaxRetries
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	if svc.logger == nil {
		svc.logger = logging.Default
	}
	svc.logger = svc.logger.WithPrefix("WALLET")
	return svc
}

// Ledger binds the service's clock and logger to the wallet repository of a unit
// the caller is already running, so other services can move funds atomically with
// their own writes
func (s *Service) Ledger(repo walletRepo.Repository) *Ledger {
	return &Ledger{repo: repo, now: s.now, logger: s.logger}
}

func (s *Service) atomic(ctx context.Context, op string, fn func(ctx context.Context, ledger *Ledger) error) error {
	err := store.RunAtomic(ctx, s.store, s.maxRetries, func(ctx context.Context, repos store.Repos) error {
		return fn(ctx, s.Ledger(repos.Wallets))
	})
	if err != nil {
		if types.Is(err, types.ErrConcurrencyConflict) {
			s.logger.Warn("%s gave up after %d attempts: %v", op, s.maxRetries, err)
		}
		return err
	}
	return nil
}

// Credit increases a user's balance
func (s *Service) Credit(ctx context.Context, userID string, currency entities.Currency, amount int64, txType entities.TransactionType, related entities.RelatedEntity) (*entities.Transaction, error) {
	var transaction *entities.Transaction
	err := s.atomic(ctx, "credit", func(ctx context.Context, l *Ledger) error {
		var err error
		transaction, err = l.Credit(ctx, userID, currency, amount, txType, related)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Credited %d %s to %s (%s)", amount, currency, userID, txType)
	return transaction, nil
}

// Debit decreases a user's balance out of available funds
func (s *Service) Debit(ctx context.Context, userID string, currency entities.Currency, amount int64, txType entities.TransactionType, related entities.RelatedEntity) (*entities.Transaction, error) {
	var transaction *entities.Transaction
	err := s.atomic(ctx, "debit", func(ctx context.Context, l *Ledger) error {
		var err error
		transaction, err = l.Debit(ctx, userID, currency, amount, txType, related)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Debited %d %s from %s (%s)", amount, currency, userID, txType)
	return transaction, nil
}

// Freeze earmarks available funds
func (s *Service) Freeze(ctx context.Context, userID string, currency entities.Currency, amount int64, related entities.RelatedEntity) (*entities.Transaction, error) {
	var transaction *entities.Transaction
	err := s.atomic(ctx, "freeze", func(ctx context.Context, l *Ledger) error {
		var err error
		transaction, err = l.Freeze(ctx, userID, currency, amount, related)
		return err
	})
	if err != nil {
		return nil, err
	}
	return transaction, nil
}

// RefundFreeze returns frozen funds to the available balance
func (s *Service) RefundFreeze(ctx context.Context, userID string, currency entities.Currency, amount int64, related entities.RelatedEntity) (*entities.Transaction, error) {
	var transaction *entities.Transaction
	err := s.atomic(ctx, "refund freeze", func(ctx context.Context, l *Ledger) error {
		var err error
		transaction, err = l.RefundFreeze(ctx, userID, currency, amount, related)
		return err
	})
	if err != nil {
		return nil, err
	}
	return transaction, nil
}

// Release pays frozen funds of fromUserID out to toUserID
func (s *Service) Release(ctx context.Context, fromUserID string, currency entities.Currency, amount int64, toUserID string, related entities.RelatedEntity) ([]*entities.Transaction, error) {
	var transactions []*entities.Transaction
	err := s.atomic(ctx, "release", func(ctx context.Context, l *Ledger) error {
		var err error
		transactions, err = l.Release(ctx, fromUserID, currency, amount, toUserID, related)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Released %d %s from %s to %s", amount, currency, fromUserID, toUserID)
	return transactions, nil
}

// ReleaseSplit pays frozen funds of fromUserID out to several payees
func (s *Service) ReleaseSplit(ctx context.Context, fromUserID string, currency entities.Currency, payouts []Payout, related entities.RelatedEntity) ([]*entities.Transaction, error) {
	var transactions []*entities.Transaction
	err := s.atomic(ctx, "release split", func(ctx context.Context, l *Ledger) error {
		var err error
		transactions, err = l.ReleaseSplit(ctx, fromUserID, currency, payouts, related)
		return err
	})
	if err != nil {
		return nil, err
	}
	return transactions, nil
}

// Transfer moves available funds between users
func (s *Service) Transfer(ctx context.Context, fromUserID, toUserID string, currency entities.Currency, amount int64) ([]*entities.Transaction, error) {
	var transactions []*entities.Transaction
	err := s.atomic(ctx, "transfer", func(ctx context.Context, l *Ledger) error {
		var err error
		transactions, err = l.Transfer(ctx, fromUserID, toUserID, currency, amount, entities.RelatedEntity{})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transferred %d %s from %s to %s", amount, currency, fromUserID, toUserID)
	return transactions, nil
}

// GrantRewardOnce credits a reward unless it was already granted in the window
func (s *Service) GrantRewardOnce(ctx context.Context, userID string, rewardType entities.TransactionType, amount int64, window time.Duration, related entities.RelatedEntity) (bool, *entities.Transaction, error) {
	var (
		granted     bool
		transaction *entities.Transaction
	)
	err := s.atomic(ctx, "grant reward", func(ctx context.Context, l *Ledger) error {
		var err error
		granted, transaction, err = l.GrantRewardOnce(ctx, userID, rewardType, amount, window, related)
		return err
	})
	if err != nil {
		return false, nil, err
	}

	if granted {
		s.logger.Info("Granted %s (%d xcoin) to %s", rewardType, amount, userID)
	}
	return granted, transaction, nil
}

// GrantReward grants a reward from the fixed table
func (s *Service) GrantReward(ctx context.Context, userID string, rewardType entities.TransactionType, related entities.RelatedEntity) (bool, *entities.Transaction, error) {
	var (
		granted     bool
		transaction *entities.Transaction
	)
	err := s.atomic(ctx, "grant reward", func(ctx context.Context, l *Ledger) error {
		var err error
		granted, transaction, err = l.GrantReward(ctx, userID, rewardType, related)
		return err
	})
	if err != nil {
		return false, nil, err
	}

	if granted {
		s.logger.Info("Granted %s (%d xcoin) to %s", rewardType, transaction.Amount, userID)
	}
	return granted, transaction, nil
}

// GetWallet retrieves a user's wallet in a currency
func (s *Service) GetWallet(ctx context.Context, userID string, currency entities.Currency) (*entities.Wallet, error) {
	var w *entities.Wallet
	err := s.store.Atomic(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		w, err = repos.Wallets.GetWallet(ctx, userID, currency)
		return err
	})
	if errors.Is(err, walletRepo.ErrWalletNotFound) {
		return nil, types.WrapError(types.ErrNotFound, fmt.Sprintf("no %s wallet for %s", currency, userID), err)
	}
	if err != nil {
		return nil, wrapStorage("failed to get wallet", err)
	}
	return w, nil
}

// GetTransactions retrieves a wallet's most recent transactions, newest first
func (s *Service) GetTransactions(ctx context.Context, userID string, currency entities.Currency, limit int) ([]*entities.Transaction, error) {
	if limit <= 0 {
		return nil, types.Errorf(types.ErrInvalidArgument, "limit must be positive, got %d", limit)
	}

	var transactions []*entities.Transaction
	err := s.store.Atomic(ctx, func(ctx context.Context, repos store.Repos) error {
		w, err := repos.Wallets.GetWallet(ctx, userID, currency)
		if err != nil {
			return err
		}
		transactions, err = repos.Wallets.GetTransactions(ctx, w.ID, limit)
		return err
	})
	if errors.Is(err, walletRepo.ErrWalletNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("failed to get transactions", err)
	}
	return transactions, nil
}

// Reconcile replays a wallet's transaction log and compares the result with the
// stored wallet. A mismatch is an integrity fault for manual reconciliation.
func (s *Service) Reconcile(ctx context.Context, userID string, currency entities.Currency) error {
	var (
		w            *entities.Wallet
		transactions []*entities.Transaction
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, repos store.Repos) error {
		var err error
		w, err = repos.Wallets.GetWallet(ctx, userID, currency)
		if err != nil {
			return err
		}
		transactions, err = repos.Wallets.GetAllTransactions(ctx, w.ID)
		return err
	})
	if errors.Is(err, walletRepo.ErrWalletNotFound) {
		return types.WrapError(types.ErrNotFound, fmt.Sprintf("no %s wallet for %s", currency, userID), err)
	}
	if err != nil {
		return wrapStorage("failed to load wallet history", err)
	}

	replayed := Replay(transactions)
	var mismatch error
	switch {
	case replayed.Balance != w.Balance:
		mismatch = fmt.Errorf("balance %d, log says %d", w.Balance, replayed.Balance)
	case replayed.FrozenBalance != w.FrozenBalance:
		mismatch = fmt.Errorf("frozen balance %d, log says %d", w.FrozenBalance, replayed.FrozenBalance)
	case replayed.LifetimeEarned != w.LifetimeEarned:
		mismatch = fmt.Errorf("lifetime earned %d, log says %d", w.LifetimeEarned, replayed.LifetimeEarned)
	case replayed.LifetimeSpent != w.LifetimeSpent:
		mismatch = fmt.Errorf("lifetime spent %d, log says %d", w.LifetimeSpent, replayed.LifetimeSpent)
	case replayed.brokenAt != "":
		mismatch = fmt.Errorf("transaction %s does not continue the previous balance", replayed.brokenAt)
	}
	if mismatch != nil {
		fault := types.WrapError(types.ErrIntegrityFault, "wallet "+w.ID+" does not match its transaction log", mismatch)
		s.logger.LogError(fault)
		return fault
	}

	s.logger.Debug("Wallet %s reconciled over %d transactions", w.ID, len(transactions))
	return nil
}

// Replayed is the wallet state rebuilt from its transaction log
type Replayed struct {
	Balance        int64
	FrozenBalance  int64
	LifetimeEarned int64
	LifetimeSpent  int64
	brokenAt       string // id of the first row whose BalanceBefore breaks the chain
}

// Replay rebuilds balances from transactions given in append order
func Replay(transactions []*entities.Transaction) Replayed {
	var r Replayed
	for _, t := range transactions {
		if r.brokenAt == "" && t.BalanceBefore != r.Balance {
			r.brokenAt = t.ID
		}
		r.Balance += t.Amount
		r.FrozenBalance += t.FrozenDelta
		if t.Amount > 0 {
			r.LifetimeEarned += t.Amount
		} else {
			r.LifetimeSpent -= t.Amount
		}
	}
	return r
}
