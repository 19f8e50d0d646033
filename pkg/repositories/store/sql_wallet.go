package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fadedpez/tradevault/pkg/entities"
	"github.com/fadedpez/tradevault/pkg/repositories/wallet"
)

// sqlWalletRepo implements wallet.Repository inside one SQL transaction
type sqlWalletRepo struct {
	q *sqlQuerier
}

const walletColumns = `id, user_id, currency, balance, frozen_balance, lifetime_earned, lifetime_spent, version, created_at, updated_at`

func scanWallet(row rowScanner) (*entities.Wallet, error) {
	var (
		w                    entities.Wallet
		currency             string
		createdAt, updatedAt int64
	)
	err := row.Scan(&w.ID, &w.UserID, &currency, &w.Balance, &w.FrozenBalance,
		&w.LifetimeEarned, &w.LifetimeSpent, &w.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.Currency = entities.Currency(currency)
	w.CreatedAt = fromNanos(createdAt)
	w.UpdatedAt = fromNanos(updatedAt)
	return &w, nil
}

func (r *sqlWalletRepo) getWallet(ctx context.Context, userID string, currency entities.Currency, lock string) (*entities.Wallet, error) {
	row := r.q.queryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = ? AND currency = ?`+lock,
		userID, string(currency))

	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wallet.ErrWalletNotFound
	}
	if err != nil {
		return nil, r.q.fail("failed to get wallet", err)
	}
	return w, nil
}

// GetWallet retrieves a wallet by owner and currency
func (r *sqlWalletRepo) GetWallet(ctx context.Context, userID string, currency entities.Currency) (*entities.Wallet, error) {
	return r.getWallet(ctx, userID, currency, "")
}

// GetWalletForUpdate retrieves a wallet and locks its row until the unit ends
func (r *sqlWalletRepo) GetWalletForUpdate(ctx context.Context, userID string, currency entities.Currency) (*entities.Wallet, error) {
	return r.getWallet(ctx, userID, currency, r.q.dialect.forUpdate())
}

// CreateWallet inserts a new wallet
func (r *sqlWalletRepo) CreateWallet(ctx context.Context, w *entities.Wallet) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}

	_, err := r.q.exec(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, string(w.Currency), w.Balance, w.FrozenBalance,
		w.LifetimeEarned, w.LifetimeSpent, w.Version, toNanos(w.CreatedAt), toNanos(w.UpdatedAt))
	if err != nil {
		return r.q.fail("failed to create wallet", err)
	}
	return nil
}

// UpdateWallet writes a wallet guarded by its version
func (r *sqlWalletRepo) UpdateWallet(ctx context.Context, w *entities.Wallet) error {
	result, err := r.q.exec(ctx, `
		UPDATE wallets
		SET balance = ?, frozen_balance = ?, lifetime_earned = ?, lifetime_spent = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		w.Balance, w.FrozenBalance, w.LifetimeEarned, w.LifetimeSpent,
		toNanos(w.UpdatedAt), w.ID, w.Version)
	if err != nil {
		return r.q.fail("failed to update wallet", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return r.q.fail("failed to update wallet", err)
	}
	if rows == 0 {
		var exists int
		err := r.q.queryRow(ctx, `SELECT 1 FROM wallets WHERE id = ?`, w.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return wallet.ErrWalletNotFound
		}
		return conflictError("wallet "+w.ID+" was modified concurrently", nil)
	}

	w.Version++
	return nil
}

const transactionColumns = `id, wallet_id, user_id, currency, type, amount, frozen_delta, balance_before, balance_after,
	status, related_entity_type, related_entity_id, description, created_at`

func scanTransaction(row rowScanner) (*entities.Transaction, error) {
	var (
		t                          entities.Transaction
		currency, txType, txStatus string
		createdAt                  int64
	)
	err := row.Scan(&t.ID, &t.WalletID, &t.UserID, &currency, &txType, &t.Amount, &t.FrozenDelta,
		&t.BalanceBefore, &t.BalanceAfter, &txStatus, &t.Related.Type, &t.Related.ID,
		&t.Description, &createdAt)
	if err != nil {
		return nil, err
	}
	t.Currency = entities.Currency(currency)
	t.Type = entities.TransactionType(txType)
	t.Status = entities.TransactionStatus(txStatus)
	t.CreatedAt = fromNanos(createdAt)
	return &t, nil
}

// AddTransaction appends a ledger row
func (r *sqlWalletRepo) AddTransaction(ctx context.Context, t *entities.Transaction) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := r.q.exec(ctx, `
		INSERT INTO wallet_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WalletID, t.UserID, string(t.Currency), string(t.Type), t.Amount, t.FrozenDelta,
		t.BalanceBefore, t.BalanceAfter, string(t.Status), t.Related.Type, t.Related.ID,
		t.Description, toNanos(t.CreatedAt))
	if err != nil {
		return r.q.fail("failed to add transaction", err)
	}
	return nil
}

func (r *sqlWalletRepo) listTransactions(ctx context.Context, query string, args ...interface{}) ([]*entities.Transaction, error) {
	rows, err := r.q.query(ctx, query, args...)
	if err != nil {
		return nil, r.q.fail("failed to get transactions", err)
	}
	defer rows.Close()

	var transactions []*entities.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, r.q.fail("failed to scan transaction", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, r.q.fail("failed to get transactions", err)
	}
	return transactions, nil
}

// GetTransactions retrieves recent transactions, newest first
func (r *sqlWalletRepo) GetTransactions(ctx context.Context, walletID string, limit int) ([]*entities.Transaction, error) {
	return r.listTransactions(ctx,
		`SELECT `+transactionColumns+` FROM wallet_transactions WHERE wallet_id = ? ORDER BY seq DESC LIMIT ?`,
		walletID, limit)
}

// GetAllTransactions retrieves every transaction in append order
func (r *sqlWalletRepo) GetAllTransactions(ctx context.Context, walletID string) ([]*entities.Transaction, error) {
	return r.listTransactions(ctx,
		`SELECT `+transactionColumns+` FROM wallet_transactions WHERE wallet_id = ? ORDER BY seq ASC`,
		walletID)
}

// FindTransactionByType returns the newest matching transaction or nil
func (r *sqlWalletRepo) FindTransactionByType(ctx context.Context, walletID string, transactionType entities.TransactionType, relatedID string, since time.Time) (*entities.Transaction, error) {
	var sinceNanos int64
	if !since.IsZero() {
		sinceNanos = toNanos(since)
	}

	query := `SELECT ` + transactionColumns + ` FROM wallet_transactions WHERE wallet_id = ? AND type = ? AND created_at >= ?`
	args := []interface{}{walletID, string(transactionType), sinceNanos}
	if relatedID != "" {
		query += ` AND related_entity_id = ?`
		args = append(args, relatedID)
	}

	row := r.q.queryRow(ctx, query+` ORDER BY seq DESC LIMIT 1`, args...)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.q.fail("failed to find transaction", err)
	}
	return t, nil
}
