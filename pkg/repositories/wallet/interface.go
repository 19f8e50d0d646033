package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/fadedpez/tradevault/pkg/entities"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
)

// Repository defines the interface for wallet data operations. Implementations are
// scoped to one atomic unit, see store.Store.
type Repository interface {
	// GetWallet retrieves the wallet a user holds in a currency
	GetWallet(ctx context.Context, userID string, currency entities.Currency) (*entities.Wallet, error)

	// GetWalletForUpdate is GetWallet, locking the row until the unit ends where the backend supports it
	GetWalletForUpdate(ctx context.Context, userID string, currency entities.Currency) (*entities.Wallet, error)

	// CreateWallet inserts a new wallet
	CreateWallet(ctx context.Context, wallet *entities.Wallet) error

	// UpdateWallet writes the wallet if its Version still matches the stored one and bumps Version
	UpdateWallet(ctx context.Context, wallet *entities.Wallet) error

	// AddTransaction appends a ledger row
	AddTransaction(ctx context.Context, transaction *entities.Transaction) error

	// GetTransactions retrieves the most recent transactions of a wallet, newest first
	GetTransactions(ctx context.Context, walletID string, limit int) ([]*entities.Transaction, error)

	// GetAllTransactions retrieves every transaction of a wallet in append order
	GetAllTransactions(ctx context.Context, walletID string) ([]*entities.Transaction, error)

	// FindTransactionByType returns the newest transaction of a type created at or after since,
	// or nil when there is none. A non-empty relatedID also has to match the row's related entity.
	FindTransactionByType(ctx context.Context, walletID string, transactionType entities.TransactionType, relatedID string, since time.Time) (*entities.Transaction, error)
}
