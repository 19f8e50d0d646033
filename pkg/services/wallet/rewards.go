package wallet

import (
	"context"
	"time"

	"github.com/fadedpez/tradevault/internal/types"
	"github.com/fadedpez/tradevault/pkg/entities"
)

// Reward is a fixed xcoin grant and how often a user may receive it
type Reward struct {
	Amount int64
	Window time.Duration // 0 means once per wallet (or per related entity)
}

// Rewards is the fixed reward table used by GrantReward
var Rewards = map[entities.TransactionType]Reward{
	entities.TransactionTypeRewardSignup:      {Amount: 100},
	entities.TransactionTypeRewardReferral:    {Amount: 50},
	entities.TransactionTypeRewardFirstDeal:   {Amount: 50},
	entities.TransactionTypeRewardReview:      {Amount: 10},
	entities.TransactionTypeRewardDailyLogin:  {Amount: 5, Window: 24 * time.Hour},
	entities.TransactionTypeRewardAchievement: {Amount: 25},
}

// GrantRewardOnce credits amount xcoin unless a reward of the same type was already
// granted in the current window. The window is aligned, so 24h means once per UTC day.
// When related carries an id the dedupe is scoped to it, letting one user collect
// a referral bonus per referred user. It reports whether a grant was made; when not,
// the earlier grant is returned.
func (l *Ledger) GrantRewardOnce(ctx context.Context, userID string, rewardType entities.TransactionType, amount int64, window time.Duration, related entities.RelatedEntity) (bool, *entities.Transaction, error) {
	if !rewardType.IsReward() {
		return false, nil, types.Errorf(types.ErrInvalidArgument, "%q is not a reward type", rewardType)
	}
	if err := validateAmount(amount); err != nil {
		return false, nil, err
	}
	if window < 0 {
		return false, nil, types.Errorf(types.ErrInvalidArgument, "negative dedupe window %s", window)
	}

	lw, err := l.load(ctx, userID, entities.CurrencyXcoin)
	if err != nil {
		return false, nil, err
	}

	if !lw.isNew {
		var since time.Time
		if window > 0 {
			since = l.now().Truncate(window)
		}

		existing, err := l.repo.FindTransactionByType(ctx, lw.wallet.ID, rewardType, related.ID, since)
		if err != nil {
			return false, nil, wrapStorage("failed to look up reward", err)
		}
		if existing != nil {
			l.logger.Debug("Reward %s already granted to %s at %s", rewardType, userID, existing.CreatedAt.Format(time.RFC3339))
			return false, existing, nil
		}
	}

	transaction, err := l.apply(ctx, lw, mutation{
		txType:      rewardType,
		amount:      amount,
		related:     related,
		description: "Reward " + string(rewardType),
	})
	if err != nil {
		return false, nil, err
	}
	return true, transaction, nil
}

// GrantReward grants a reward from the fixed table
func (l *Ledger) GrantReward(ctx context.Context, userID string, rewardType entities.TransactionType, related entities.RelatedEntity) (bool, *entities.Transaction, error) {
	reward, ok := Rewards[rewardType]
	if !ok {
		return false, nil, types.Errorf(types.ErrInvalidArgument, "%q is not a reward type", rewardType)
	}
	return l.GrantRewardOnce(ctx, userID, rewardType, reward.Amount, reward.Window, related)
}
