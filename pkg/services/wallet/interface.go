package wallet

import (
	"context"
	"time"

	"github.com/fadedpez/tradevault/pkg/entities"
)

// WalletService is the wallet surface offered to payment-gateway adapters and
// reward triggers
type WalletService interface {
	Credit(ctx context.Context, userID string, currency entities.Currency, amount int64, txType entities.TransactionType, related entities.RelatedEntity) (*entities.Transaction, error)
	Debit(ctx context.Context, userID string, currency entities.Currency, amount int64, txType entities.TransactionType, related entities.RelatedEntity) (*entities.Transaction, error)
	Freeze(ctx context.Context, userID string, currency entities.Currency, amount int64, related entities.RelatedEntity) (*entities.Transaction, error)
	RefundFreeze(ctx context.Context, userID string, currency entities.Currency, amount int64, related entities.RelatedEntity) (*entities.Transaction, error)
	Release(ctx context.Context, fromUserID string, currency entities.Currency, amount int64, toUserID string, related entities.RelatedEntity) ([]*entities.Transaction, error)
	Transfer(ctx context.Context, fromUserID, toUserID string, currency entities.Currency, amount int64) ([]*entities.Transaction, error)
	GrantRewardOnce(ctx context.Context, userID string, rewardType entities.TransactionType, amount int64, window time.Duration, related entities.RelatedEntity) (bool, *entities.Transaction, error)
	GrantReward(ctx context.Context, userID string, rewardType entities.TransactionType, related entities.RelatedEntity) (bool, *entities.Transaction, error)
	GetWallet(ctx context.Context, userID string, currency entities.Currency) (*entities.Wallet, error)
	GetTransactions(ctx context.Context, userID string, currency entities.Currency, limit int) ([]*entities.Transaction, error)
	Reconcile(ctx context.Context, userID string, currency entities.Currency) error
}

var _ WalletService = (*Service)(nil)
