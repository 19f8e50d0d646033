package entities

import (
	"fmt"
	"time"
)

// Currency identifies which ledger a wallet belongs to
type Currency string

const (
	CurrencyCash  Currency = "CASH"
	CurrencyXcoin Currency = "XCOIN" // internal reward coin
)

// IsValid reports whether c is a known currency
func (c Currency) IsValid() bool {
	return c == CurrencyCash || c == CurrencyXcoin
}

// Wallet holds one user's funds in one currency
type Wallet struct {
	ID             string
	UserID         string
	Currency       Currency
	Balance        int64 // total funds, including the frozen portion
	FrozenBalance  int64 // funds earmarked for active escrows
	LifetimeEarned int64
	LifetimeSpent  int64
	Version        int64 // bumped on every write, used for optimistic locking
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Available returns the balance that is not frozen
func (w *Wallet) Available() int64 {
	return w.Balance - w.FrozenBalance
}

// CheckInvariants returns an error describing the first violated ledger invariant
func (w *Wallet) CheckInvariants() error {
	switch {
	case w.Balance < 0:
		return fmt.Errorf("wallet %s: balance %d is negative", w.ID, w.Balance)
	case w.FrozenBalance < 0:
		return fmt.Errorf("wallet %s: frozen balance %d is negative", w.ID, w.FrozenBalance)
	case w.FrozenBalance > w.Balance:
		return fmt.Errorf("wallet %s: frozen balance %d exceeds balance %d", w.ID, w.FrozenBalance, w.Balance)
	case w.Balance != w.LifetimeEarned-w.LifetimeSpent:
		return fmt.Errorf("wallet %s: balance %d != earned %d - spent %d", w.ID, w.Balance, w.LifetimeEarned, w.LifetimeSpent)
	}
	return nil
}

// TransactionType represents the type of wallet transaction
type TransactionType string

const (
	TransactionTypeRewardSignup      TransactionType = "REWARD_SIGNUP"
	TransactionTypeRewardReferral    TransactionType = "REWARD_REFERRAL"
	TransactionTypeRewardFirstDeal   TransactionType = "REWARD_FIRST_DEAL"
	TransactionTypeRewardReview      TransactionType = "REWARD_REVIEW"
	TransactionTypeRewardDailyLogin  TransactionType = "REWARD_DAILY_LOGIN"
	TransactionTypeRewardAchievement TransactionType = "REWARD_ACHIEVEMENT"
	TransactionTypeDeposit           TransactionType = "DEPOSIT"
	TransactionTypeWithdrawal        TransactionType = "WITHDRAWAL"
	TransactionTypeGatewayRefund     TransactionType = "GATEWAY_REFUND"
	TransactionTypePromotionSpend    TransactionType = "PROMOTION_SPEND"
	TransactionTypeEscrowFreeze      TransactionType = "ESCROW_FREEZE"
	TransactionTypeEscrowRelease     TransactionType = "ESCROW_RELEASE" // payer side of a release
	TransactionTypeEscrowPayout      TransactionType = "ESCROW_PAYOUT"  // seller side of a release
	TransactionTypeEscrowFee         TransactionType = "ESCROW_FEE"     // facilitator side of a release
	TransactionTypeEscrowRefund      TransactionType = "ESCROW_REFUND"
	TransactionTypeTransferIn        TransactionType = "TRANSFER_IN"
	TransactionTypeTransferOut       TransactionType = "TRANSFER_OUT"
)

var transactionTypes = map[TransactionType]bool{
	TransactionTypeRewardSignup: true, TransactionTypeRewardReferral: true, TransactionTypeRewardFirstDeal: true,
	TransactionTypeRewardReview: true, TransactionTypeRewardDailyLogin: true, TransactionTypeRewardAchievement: true,
	TransactionTypeDeposit: true, TransactionTypeWithdrawal: true, TransactionTypeGatewayRefund: true,
	TransactionTypePromotionSpend: true, TransactionTypeEscrowFreeze: true, TransactionTypeEscrowRelease: true,
	TransactionTypeEscrowPayout: true, TransactionTypeEscrowFee: true, TransactionTypeEscrowRefund: true,
	TransactionTypeTransferIn: true, TransactionTypeTransferOut: true,
}

// IsValid reports whether t is a known transaction type
func (t TransactionType) IsValid() bool {
	return transactionTypes[t]
}

// IsReward reports whether t is one of the reward kinds
func (t TransactionType) IsReward() bool {
	switch t {
	case TransactionTypeRewardSignup, TransactionTypeRewardReferral, TransactionTypeRewardFirstDeal,
		TransactionTypeRewardReview, TransactionTypeRewardDailyLogin, TransactionTypeRewardAchievement:
		return true
	}
	return false
}

// TransactionStatus represents the outcome recorded for a transaction
type TransactionStatus string

const (
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
)

// RelatedEntity points a transaction at the record that caused it
type RelatedEntity struct {
	Type string // e.g. "escrow"
	ID   string
}

// Transaction represents a single, immutable wallet ledger row
type Transaction struct {
	ID            string
	WalletID      string
	UserID        string
	Currency      Currency
	Type          TransactionType
	Amount        int64 // balance delta, positive for credits, negative for debits
	FrozenDelta   int64 // frozen balance delta
	BalanceBefore int64
	BalanceAfter  int64
	Status        TransactionStatus
	Related       RelatedEntity
	Description   string
	CreatedAt     time.Time
}
