package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loyalty-engine/internal/catalog"
	"loyalty-engine/internal/database"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/tracing"
	"loyalty-engine/internal/validation"
)

// Reasons a redemption was refused.
const (
	ReasonRewardNotFound  = "reward_not_found"
	ReasonAlreadyRedeemed = "already_redeemed"
	ReasonExpired         = "expired"
	ReasonInvalidStatus   = "invalid_status"
)

// RedeemInput describes a redemption.
type RedeemInput = models.RedeemInput

// RedeemResult is the outcome of RedeemReward.
type RedeemResult struct {
	Success    bool               `json:"success"`
	Reason     string             `json:"reason,omitempty"`
	RewardID   string             `json:"reward_id,omitempty"`
	OfferID    string             `json:"offer_id,omitempty"`
	CustomerID string             `json:"customer_id,omitempty"`
	Status     string             `json:"status,omitempty"`
	RedeemedAt *time.Time         `json:"redeemed_at,omitempty"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
	Redemption *models.Redemption `json:"redemption,omitempty"`
	// NextReward is set when progress held behind the spent reward already
	// met the threshold and was converted in the same transaction.
	NextReward *models.Reward `json:"next_reward,omitempty"`
}

// RewardQuery narrows GetCustomerRewards.
type RewardQuery struct {
	IncludeRedeemed bool
	OfferID         string
	Statuses        []models.RewardStatus
}

// RedeemableReward is the customer's spendable reward for an offer.
type RedeemableReward struct {
	ID                string     `json:"id"`
	OfferID           string     `json:"offer_id"`
	OfferName         string     `json:"offer_name"`
	RewardType        string     `json:"reward_type"`
	RewardValueCents  int64      `json:"reward_value_cents"`
	RewardDescription string     `json:"reward_description"`
	EarnedAt          *time.Time `json:"earned_at"`
	ExpiresAt         *time.Time `json:"expires_at"`
}

// RewardStats summarizes a customer's earned rewards.
type RewardStats struct {
	Available int `json:"available"`
	Redeemed  int `json:"redeemed"`
	Expired   int `json:"expired"`
	Total     int `json:"total"`
}

// ExpireResult is the outcome of one expiry sweep.
type ExpireResult struct {
	ExpiredCount   int      `json:"expired_count"`
	ExpiredRewards []string `json:"expired_rewards"`
	// EarnedRewards are rewards earned from progress the expired ones held back.
	EarnedRewards []string `json:"earned_rewards,omitempty"`
}

// OfferProgress is a customer's standing on one active offer.
type OfferProgress struct {
	OfferID             string    `json:"offer_id"`
	OfferName           string    `json:"offer_name"`
	CurrentQuantity     int       `json:"current_quantity"`
	RequiredQuantity    int       `json:"required_quantity"`
	WindowStart         time.Time `json:"window_start"`
	WindowEnd           time.Time `json:"window_end"`
	HasRedeemableReward bool      `json:"has_redeemable_reward"`
}

// RewardManager reads rewards and moves them through redemption and expiry.
type RewardManager struct {
	deps
	db      *database.DB
	catalog *catalog.Accessor
}

// NewRewardManager creates a reward manager.
func NewRewardManager(db *database.DB, cat *catalog.Accessor, opts ...Option) *RewardManager {
	return &RewardManager{deps: newDeps(opts), db: db, catalog: cat}
}

// GetCustomerRewards lists a customer's rewards, newest first. Redeemed
// rewards are left out unless requested.
func (m *RewardManager) GetCustomerRewards(ctx context.Context, merchantID, customerID string, query RewardQuery) ([]models.Reward, error) {
	filter := database.RewardFilter{
		CustomerID: customerID,
		OfferID:    query.OfferID,
		Statuses:   query.Statuses,
	}
	if !query.IncludeRedeemed && len(query.Statuses) == 0 {
		filter.ExcludeStatuses = []models.RewardStatus{models.RewardRedeemed}
	}

	rewards, err := m.db.ListRewards(ctx, merchantID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list rewards for customer %s: %w", customerID, err)
	}
	if rewards == nil {
		rewards = []models.Reward{}
	}
	return rewards, nil
}

// GetRewardByID returns a reward, or nil when the merchant has none with id.
func (m *RewardManager) GetRewardByID(ctx context.Context, merchantID, rewardID string) (*models.Reward, error) {
	return m.db.GetReward(ctx, merchantID, rewardID)
}

// RedeemReward spends an earned reward in full. The reward row stays locked
// for the whole check-and-update so concurrent attempts cannot both succeed.
//
// Purchases made while the reward was outstanding only build progress. Once
// the reward leaves the earned state, here or through expiry, that progress
// is converted into the next earned reward when it meets the threshold.
func (m *RewardManager) RedeemReward(ctx context.Context, merchantID, rewardID string, in RedeemInput, tracer *tracing.OrderTracer) (RedeemResult, error) {
	if err := validation.ValidateRedeem(in); err != nil {
		return RedeemResult{}, err
	}

	var (
		result  RedeemResult
		redeemed models.Reward
	)
	now := m.now()

	err := m.db.WithTx(ctx, func(q *database.Queries) error {
		reward, err := q.GetRewardForUpdate(ctx, merchantID, rewardID)
		if err != nil {
			return err
		}
		if reward == nil {
			result = RedeemResult{Reason: ReasonRewardNotFound, RewardID: rewardID}
			return nil
		}

		result = RedeemResult{
			RewardID:   reward.ID,
			OfferID:    reward.OfferID,
			CustomerID: reward.SquareCustomerID,
			Status:     string(reward.Status),
			ExpiresAt:  reward.ExpiresAt,
		}

		switch {
		case reward.Status == models.RewardRedeemed:
			result.Reason = ReasonAlreadyRedeemed
			result.RedeemedAt = reward.RedeemedAt
			return nil
		case reward.Status == models.RewardExpired:
			result.Reason = ReasonExpired
			return nil
		case reward.Status == models.RewardEarned && reward.Expired(now):
			result.Reason = ReasonExpired
			result.Status = string(models.RewardExpired)
			if err := q.MarkRewardExpired(ctx, merchantID, reward.ID, now); err != nil {
				return err
			}
			result.NextReward, err = releaseHeldProgress(ctx, q, merchantID, *reward, tracer.ID(), now)
			return err
		case reward.Status != models.RewardEarned:
			result.Reason = ReasonInvalidStatus
			return nil
		}

		offer, err := q.GetOffer(ctx, merchantID, reward.OfferID)
		if err != nil {
			return err
		}
		if offer == nil {
			return fmt.Errorf("offer %s of reward %s is missing", reward.OfferID, reward.ID)
		}

		if err := q.MarkRewardRedeemed(ctx, merchantID, reward.ID, in.SquareOrderID, now); err != nil {
			return err
		}

		redemption := models.Redemption{
			ID:                  uuid.NewString(),
			MerchantID:          merchantID,
			RewardID:            reward.ID,
			OfferID:             reward.OfferID,
			SquareCustomerID:    reward.SquareCustomerID,
			SquareOrderID:       in.SquareOrderID,
			RedemptionType:      in.RedemptionType,
			RedeemedVariationID: in.RedeemedVariationID,
			RedeemedValueCents:  offer.RewardValueCents,
			RedeemedByUserID:    in.RedeemedByUserID,
			AdminNotes:          validation.SanitizeString(in.AdminNotes),
			TraceID:             tracer.ID(),
			RedeemedAt:          now,
		}
		if redemption.RedemptionType == "" {
			redemption.RedemptionType = offer.RewardType
		}
		if in.RedeemedValueCents != nil {
			redemption.RedeemedValueCents = *in.RedeemedValueCents
		}
		if err := q.InsertRedemption(ctx, redemption); err != nil {
			return err
		}
		if result.NextReward, err = convertHeldProgress(ctx, q, merchantID, *offer, reward.SquareCustomerID, tracer.ID(), now); err != nil {
			return err
		}

		redeemed = *reward
		redeemed.Status = models.RewardRedeemed
		redeemed.RedeemedAt = &now
		if in.SquareOrderID != "" {
			orderID := in.SquareOrderID
			redeemed.RedeemedOrderID = &orderID
		}
		redeemed.UpdatedAt = now

		result.Success = true
		result.Status = string(models.RewardRedeemed)
		result.RedeemedAt = &now
		result.Redemption = &redemption
		return nil
	})
	if err != nil {
		m.metrics.IncRedemption("error")
		return RedeemResult{}, fmt.Errorf("failed to redeem reward %s: %w", rewardID, err)
	}

	if result.NextReward != nil {
		m.reportHeldEarned(ctx, merchantID, *result.NextReward, tracer)
	}

	if !result.Success {
		m.metrics.IncRedemption(result.Reason)
		m.logger.Info("redemption refused",
			"merchant_id", merchantID,
			"reward_id", rewardID,
			"reason", result.Reason,
		)
		return result, nil
	}

	m.metrics.IncRedemption("redeemed")
	tracer.Span(tracing.SpanRewardRedeemed, map[string]any{
		"reward_id":     result.RewardID,
		"offer_id":      result.OfferID,
		"customer_id":   result.CustomerID,
		"order_id":      in.SquareOrderID,
		"redemption_id": result.Redemption.ID,
	})
	m.logger.Info("reward redeemed",
		"merchant_id", merchantID,
		"reward_id", result.RewardID,
		"customer_id", result.CustomerID,
		"order_id", in.SquareOrderID,
	)
	m.publisher().PublishRewardRedeemed(ctx, redeemed, *result.Redemption)
	return result, nil
}

// GetRedeemableReward returns the customer's earned, unexpired reward for an
// offer, or nil.
func (m *RewardManager) GetRedeemableReward(ctx context.Context, merchantID, customerID, offerID string) (*RedeemableReward, error) {
	rr, err := m.db.GetRedeemableReward(ctx, merchantID, customerID, offerID, m.now())
	if err != nil || rr == nil {
		return nil, err
	}
	return &RedeemableReward{
		ID:                rr.Reward.ID,
		OfferID:           rr.Offer.ID,
		OfferName:         rr.Offer.OfferName,
		RewardType:        rr.Offer.RewardType,
		RewardValueCents:  rr.Offer.RewardValueCents,
		RewardDescription: rr.Offer.RewardDescription,
		EarnedAt:          rr.Reward.EarnedAt,
		ExpiresAt:         rr.Reward.ExpiresAt,
	}, nil
}

// CountEarnedRewards counts the customer's spendable rewards.
func (m *RewardManager) CountEarnedRewards(ctx context.Context, merchantID, customerID string) (int, error) {
	stats, err := m.GetRewardStats(ctx, merchantID, customerID)
	if err != nil {
		return 0, err
	}
	return stats.Available, nil
}

// GetRewardStats buckets the customer's earned-or-later rewards. Earned
// rewards past their expiry count as expired even before the sweep runs;
// revoked rewards count as expired.
func (m *RewardManager) GetRewardStats(ctx context.Context, merchantID, customerID string) (RewardStats, error) {
	rewards, err := m.db.ListRewards(ctx, merchantID, database.RewardFilter{
		CustomerID:      customerID,
		ExcludeStatuses: []models.RewardStatus{models.RewardInProgress},
	})
	if err != nil {
		return RewardStats{}, fmt.Errorf("failed to load reward stats for customer %s: %w", customerID, err)
	}

	now := m.now()
	var stats RewardStats
	for _, r := range rewards {
		switch r.Status {
		case models.RewardEarned:
			if r.Expired(now) {
				stats.Expired++
			} else {
				stats.Available++
			}
		case models.RewardRedeemed:
			stats.Redeemed++
		case models.RewardExpired, models.RewardRevoked:
			stats.Expired++
		}
	}
	stats.Total = stats.Available + stats.Redeemed + stats.Expired
	return stats, nil
}

// ExpireRewards moves every earned reward past its expiry to expired, in one
// transaction, and reports the batch with a single span.
func (m *RewardManager) ExpireRewards(ctx context.Context, merchantID string, tracer *tracing.OrderTracer) (ExpireResult, error) {
	now := m.now()
	result := ExpireResult{ExpiredRewards: []string{}}
	var earned []models.Reward

	err := m.db.WithTx(ctx, func(q *database.Queries) error {
		due, err := q.ListExpiredEarnedRewardsForUpdate(ctx, merchantID, now)
		if err != nil {
			return err
		}
		for _, r := range due {
			if err := q.MarkRewardExpired(ctx, merchantID, r.ID, now); err != nil {
				return err
			}
			result.ExpiredRewards = append(result.ExpiredRewards, r.ID)

			next, err := releaseHeldProgress(ctx, q, merchantID, r, tracer.ID(), now)
			if err != nil {
				return err
			}
			if next != nil {
				earned = append(earned, *next)
				result.EarnedRewards = append(result.EarnedRewards, next.ID)
			}
		}
		return nil
	})
	if err != nil {
		return ExpireResult{}, fmt.Errorf("failed to expire rewards for merchant %s: %w", merchantID, err)
	}

	result.ExpiredCount = len(result.ExpiredRewards)
	if result.ExpiredCount == 0 {
		return result, nil
	}

	m.metrics.AddRewardsExpired(result.ExpiredCount)
	tracer.Span(tracing.SpanRewardsExpired, map[string]any{
		"count":      result.ExpiredCount,
		"reward_ids": result.ExpiredRewards,
	})
	m.logger.Info("rewards expired", "merchant_id", merchantID, "count", result.ExpiredCount)
	m.publisher().PublishRewardsExpired(ctx, merchantID, result.ExpiredRewards)
	for _, r := range earned {
		m.reportHeldEarned(ctx, merchantID, r, tracer)
	}
	return result, nil
}

// releaseHeldProgress converts progress held behind a reward that has just
// left the earned state.
func releaseHeldProgress(ctx context.Context, q *database.Queries, merchantID string, reward models.Reward, traceID string, now time.Time) (*models.Reward, error) {
	offer, err := q.GetOffer(ctx, merchantID, reward.OfferID)
	if err != nil || offer == nil {
		return nil, err
	}
	return convertHeldProgress(ctx, q, merchantID, *offer, reward.SquareCustomerID, traceID, now)
}

func (m *RewardManager) reportHeldEarned(ctx context.Context, merchantID string, reward models.Reward, tracer *tracing.OrderTracer) {
	m.metrics.IncRewardEarned()
	tracer.Span(tracing.SpanRewardEarned, map[string]any{
		"offer_id":    reward.OfferID,
		"reward_id":   reward.ID,
		"customer_id": reward.SquareCustomerID,
		"held":        true,
	})
	m.logger.Info("reward earned from held progress",
		"merchant_id", merchantID,
		"customer_id", reward.SquareCustomerID,
		"offer_id", reward.OfferID,
		"reward_id", reward.ID,
	)
	m.publisher().PublishRewardEarned(ctx, reward, tracer.ID())
}

// GetCustomerProgress reports the customer's rolling-window standing on
// every active offer.
func (m *RewardManager) GetCustomerProgress(ctx context.Context, merchantID, customerID string) ([]OfferProgress, error) {
	offers, err := m.catalog.GetActiveOffers(ctx, merchantID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	out := make([]OfferProgress, 0, len(offers))
	for _, o := range offers {
		start := o.WindowStart(now)
		qty, err := m.db.SumUnlockedQuantity(ctx, merchantID, o.ID, customerID, start, now)
		if err != nil {
			return nil, err
		}
		rr, err := m.db.GetRedeemableReward(ctx, merchantID, customerID, o.ID, now)
		if err != nil {
			return nil, err
		}
		out = append(out, OfferProgress{
			OfferID:             o.ID,
			OfferName:           o.OfferName,
			CurrentQuantity:     qty,
			RequiredQuantity:    o.RequiredQuantity,
			WindowStart:         start,
			WindowEnd:           now,
			HasRedeemableReward: rr != nil,
		})
	}
	return out, nil
}
