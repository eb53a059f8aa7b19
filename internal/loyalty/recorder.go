package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loyalty-engine/internal/catalog"
	"loyalty-engine/internal/database"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/tracing"
	"loyalty-engine/internal/validation"
)

// Reasons a purchase was not recorded.
const (
	ReasonNoQualifyingOffer = "no_qualifying_offer"
	ReasonDuplicate         = "duplicate"
)

// errDuplicate aborts a per-offer transaction whose event already exists.
var errDuplicate = errors.New("duplicate purchase event")

// PurchaseInput is one qualifying line item.
type PurchaseInput = models.PurchaseInput

// PurchaseResult is the outcome of RecordPurchase.
type PurchaseResult struct {
	Recorded bool          `json:"recorded"`
	Reason   string        `json:"reason,omitempty"`
	Results  []OfferResult `json:"results,omitempty"`
}

// RewardsEarned counts the offers whose threshold this purchase crossed.
func (r PurchaseResult) RewardsEarned() int {
	n := 0
	for _, o := range r.Results {
		if o.RewardEarned {
			n++
		}
	}
	return n
}

// OfferResult is the outcome for one offer the purchase counted toward.
type OfferResult struct {
	OfferID          string              `json:"offer_id"`
	OfferName        string              `json:"offer_name"`
	EventID          string              `json:"event_id,omitempty"`
	Duplicate        bool                `json:"duplicate"`
	ProgressQuantity int                 `json:"progress_quantity"`
	RequiredQuantity int                 `json:"required_quantity"`
	RewardEarned     bool                `json:"reward_earned"`
	RewardID         string              `json:"reward_id,omitempty"`
	RewardStatus     models.RewardStatus `json:"reward_status,omitempty"`
	LockedQuantity   int                 `json:"locked_quantity,omitempty"`

	earned *models.Reward
}

// Recorder turns qualifying purchases into offer progress and rewards.
type Recorder struct {
	deps
	db      *database.DB
	catalog *catalog.Accessor

	// beforeRewardWrite runs inside the per-offer transaction after the open
	// rewards are read. Tests use it to interleave a competing writer.
	beforeRewardWrite func(ctx context.Context, q *database.Queries) error
}

// NewRecorder creates a purchase recorder.
func NewRecorder(db *database.DB, cat *catalog.Accessor, opts ...Option) *Recorder {
	return &Recorder{deps: newDeps(opts), db: db, catalog: cat}
}

// RecordPurchase counts a purchase toward every active offer its variation
// qualifies for. Each offer is updated in its own transaction, so an error
// on one offer leaves earlier offers committed; retrying is safe because
// committed offers come back as duplicates.
func (r *Recorder) RecordPurchase(ctx context.Context, merchantID string, in PurchaseInput, tracer *tracing.OrderTracer) (PurchaseResult, error) {
	if err := validation.ValidatePurchase(in); err != nil {
		return PurchaseResult{}, err
	}
	in.TotalPriceCents = in.Total()
	in.PurchasedAt = in.PurchasedAt.UTC()
	if in.TraceID == "" {
		in.TraceID = tracer.ID()
	}

	offers, err := r.catalog.GetOffersForVariation(ctx, merchantID, in.VariationID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("failed to look up offers for variation %s: %w", in.VariationID, err)
	}
	if len(offers) == 0 {
		r.metrics.IncPurchase(ReasonNoQualifyingOffer)
		return PurchaseResult{Recorded: false, Reason: ReasonNoQualifyingOffer}, nil
	}

	result := PurchaseResult{Results: make([]OfferResult, 0, len(offers))}
	for _, offer := range offers {
		res, err := r.recordForOffer(ctx, merchantID, offer, in)
		if err != nil {
			r.metrics.IncPurchase("error")
			return result, fmt.Errorf("failed to record purchase of variation %s on order %s for customer %s offer %s: %w",
				in.VariationID, in.SquareOrderID, in.SquareCustomerID, offer.ID, err)
		}
		result.Results = append(result.Results, res)
		r.report(ctx, merchantID, in, res, tracer)
		if !res.Duplicate {
			result.Recorded = true
		}
	}

	if !result.Recorded {
		result.Reason = ReasonDuplicate
	}
	return result, nil
}

// recordForOffer runs the per-offer transaction. Two first purchases by the
// same customer on different orders can both find no open reward and race
// to create one; the loser hits the one-open-reward index after its event
// insert and is retried once, when the winner's row is visible and locked.
func (r *Recorder) recordForOffer(ctx context.Context, merchantID string, offer models.Offer, in PurchaseInput) (OfferResult, error) {
	res, err := r.recordForOfferTx(ctx, merchantID, offer, in)
	if err != nil && res.EventID != "" && database.IsUniqueViolation(err) {
		r.logger.Debug("open reward created concurrently, retrying",
			"order_id", in.SquareOrderID,
			"customer_id", in.SquareCustomerID,
			"offer_id", offer.ID,
		)
		res, err = r.recordForOfferTx(ctx, merchantID, offer, in)
	}
	return res, err
}

func (r *Recorder) recordForOfferTx(ctx context.Context, merchantID string, offer models.Offer, in PurchaseInput) (OfferResult, error) {
	res := OfferResult{
		OfferID:          offer.ID,
		OfferName:        offer.OfferName,
		RequiredQuantity: offer.RequiredQuantity,
	}

	now := r.now()
	windowStart := offer.WindowStart(now)
	windowEnd := now
	if in.PurchasedAt.After(windowEnd) {
		windowEnd = in.PurchasedAt
	}

	err := r.db.WithTx(ctx, func(q *database.Queries) error {
		event := models.PurchaseEvent{
			ID:               uuid.NewString(),
			MerchantID:       merchantID,
			OfferID:          offer.ID,
			SquareCustomerID: in.SquareCustomerID,
			SquareOrderID:    in.SquareOrderID,
			VariationID:      in.VariationID,
			Quantity:         in.Quantity,
			UnitPriceCents:   in.UnitPriceCents,
			TotalPriceCents:  in.TotalPriceCents,
			PurchasedAt:      in.PurchasedAt,
			TraceID:          in.TraceID,
			Source:           in.Source,
			CreatedAt:        now,
		}
		inserted, err := q.InsertPurchaseEvent(ctx, event)
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicate
		}
		res.EventID = event.ID

		// Lock the customer's open rewards before reading progress so that
		// concurrent purchases for the same offer serialize on Postgres.
		// Earned before in-progress, the order redemption and expiry use.
		outstanding, err := q.FindRewardForUpdate(ctx, merchantID, offer.ID, in.SquareCustomerID, models.RewardEarned)
		if err != nil {
			return err
		}
		inProgress, err := q.FindRewardForUpdate(ctx, merchantID, offer.ID, in.SquareCustomerID, models.RewardInProgress)
		if err != nil {
			return err
		}
		// An earned reward past its expiry no longer blocks a new one, even
		// before the expiry sweep reaches it.
		if outstanding != nil && outstanding.Expired(now) {
			if err := q.MarkRewardExpired(ctx, merchantID, outstanding.ID, now); err != nil {
				return err
			}
			outstanding = nil
		}
		if r.beforeRewardWrite != nil {
			if err := r.beforeRewardWrite(ctx, q); err != nil {
				return err
			}
		}

		progress, err := q.SumUnlockedQuantity(ctx, merchantID, offer.ID, in.SquareCustomerID, windowStart, windowEnd)
		if err != nil {
			return err
		}

		if progress < offer.RequiredQuantity || outstanding != nil {
			id, err := saveProgress(ctx, q, merchantID, offer, in.SquareCustomerID, inProgress, progress, in.TraceID, now)
			if err != nil {
				return err
			}
			res.RewardID = id
			res.ProgressQuantity = progress
			if id != "" {
				res.RewardStatus = models.RewardInProgress
			}
			return nil
		}

		earned, locked, leftover, err := earnFromProgress(ctx, q, merchantID, offer, in.SquareCustomerID, inProgress, progress, in.TraceID, windowStart, windowEnd, now)
		if err != nil {
			return err
		}

		res.RewardEarned = true
		res.RewardID = earned.ID
		res.RewardStatus = models.RewardEarned
		res.ProgressQuantity = leftover
		res.LockedQuantity = locked
		res.earned = earned
		return nil
	})

	if errors.Is(err, errDuplicate) || (err != nil && res.EventID == "" && database.IsUniqueViolation(err)) {
		res.Duplicate = true
		res.EventID = ""
		return res, nil
	}
	return res, err
}

// earnFromProgress turns in-window progress at or above the threshold into
// an earned reward, locks exactly the required units to it and carries the
// leftover on a fresh in-progress reward.
func earnFromProgress(ctx context.Context, q *database.Queries, merchantID string, offer models.Offer, customerID string, inProgress *models.Reward, progress int, traceID string, start, end, now time.Time) (*models.Reward, int, int, error) {
	earned, err := grantReward(ctx, q, merchantID, offer, customerID, inProgress, traceID, now)
	if err != nil {
		return nil, 0, 0, err
	}
	locked, err := lockUnits(ctx, q, merchantID, offer, customerID, earned.ID, start, end, now)
	if err != nil {
		return nil, 0, 0, err
	}
	leftover := progress - offer.RequiredQuantity
	if _, err := saveProgress(ctx, q, merchantID, offer, customerID, nil, leftover, traceID, now); err != nil {
		return nil, 0, 0, err
	}
	return earned, locked, leftover, nil
}

// convertHeldProgress earns the next reward from progress that was held back
// while an earned reward was outstanding. Callers must already have taken the
// outstanding reward out of the earned state in the same transaction.
// It returns nil when the held progress is still short of the threshold.
func convertHeldProgress(ctx context.Context, q *database.Queries, merchantID string, offer models.Offer, customerID, traceID string, now time.Time) (*models.Reward, error) {
	if !offer.IsActive {
		return nil, nil
	}
	inProgress, err := q.FindRewardForUpdate(ctx, merchantID, offer.ID, customerID, models.RewardInProgress)
	if err != nil || inProgress == nil {
		return nil, err
	}
	start := offer.WindowStart(now)
	progress, err := q.SumUnlockedQuantity(ctx, merchantID, offer.ID, customerID, start, now)
	if err != nil {
		return nil, err
	}
	if progress < offer.RequiredQuantity {
		return nil, nil
	}
	earned, _, _, err := earnFromProgress(ctx, q, merchantID, offer, customerID, inProgress, progress, traceID, start, now, now)
	return earned, err
}

// grantReward promotes the in-progress reward, or creates an earned one
// directly when the customer had no open progress.
func grantReward(ctx context.Context, q *database.Queries, merchantID string, offer models.Offer, customerID string, inProgress *models.Reward, traceID string, now time.Time) (*models.Reward, error) {
	expiresAt := offer.RewardExpiry(now)
	earnedAt := now

	if inProgress != nil {
		if err := q.PromoteReward(ctx, merchantID, inProgress.ID, offer.RequiredQuantity, earnedAt, expiresAt, traceID); err != nil {
			return nil, err
		}
		promoted := *inProgress
		promoted.Status = models.RewardEarned
		promoted.ProgressQuantity = offer.RequiredQuantity
		promoted.EarnedAt = &earnedAt
		promoted.ExpiresAt = expiresAt
		promoted.TraceID = traceID
		promoted.UpdatedAt = now
		return &promoted, nil
	}

	reward := models.Reward{
		ID:               uuid.NewString(),
		MerchantID:       merchantID,
		OfferID:          offer.ID,
		SquareCustomerID: customerID,
		Status:           models.RewardEarned,
		ProgressQuantity: offer.RequiredQuantity,
		EarnedAt:         &earnedAt,
		ExpiresAt:        expiresAt,
		TraceID:          traceID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := q.InsertReward(ctx, reward); err != nil {
		return nil, err
	}
	return &reward, nil
}

// saveProgress stores progress on the in-progress reward, creating one when
// there is progress to keep. It returns the reward id, or "" when nothing
// was stored.
func saveProgress(ctx context.Context, q *database.Queries, merchantID string, offer models.Offer, customerID string, inProgress *models.Reward, progress int, traceID string, now time.Time) (string, error) {
	if inProgress != nil {
		if err := q.UpdateRewardProgress(ctx, merchantID, inProgress.ID, progress, now); err != nil {
			return "", err
		}
		return inProgress.ID, nil
	}
	if progress <= 0 {
		return "", nil
	}

	reward := models.Reward{
		ID:               uuid.NewString(),
		MerchantID:       merchantID,
		OfferID:          offer.ID,
		SquareCustomerID: customerID,
		Status:           models.RewardInProgress,
		ProgressQuantity: progress,
		TraceID:          traceID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := q.InsertReward(ctx, reward); err != nil {
		return "", err
	}
	return reward.ID, nil
}

// lockUnits claims exactly RequiredQuantity unlocked in-window units for a
// reward, oldest first, splitting the event that would overshoot.
func lockUnits(ctx context.Context, q *database.Queries, merchantID string, offer models.Offer, customerID, rewardID string, start, end, now time.Time) (int, error) {
	candidates, err := q.ListUnlockedEventsForUpdate(ctx, merchantID, offer.ID, customerID, start, end)
	if err != nil {
		return 0, err
	}

	remaining := offer.RequiredQuantity
	for _, e := range candidates {
		if remaining == 0 {
			break
		}
		if e.Quantity <= remaining {
			if err := q.LockPurchaseEvent(ctx, merchantID, e.ID, rewardID); err != nil {
				return 0, err
			}
			remaining -= e.Quantity
			continue
		}
		if _, err := q.SplitPurchaseEvent(ctx, e, remaining, rewardID, uuid.NewString(), now); err != nil {
			return 0, err
		}
		remaining = 0
	}

	if remaining > 0 {
		return 0, fmt.Errorf("only %d of %d units available to lock for reward %s",
			offer.RequiredQuantity-remaining, offer.RequiredQuantity, rewardID)
	}
	return offer.RequiredQuantity, nil
}

func (r *Recorder) report(ctx context.Context, merchantID string, in PurchaseInput, res OfferResult, tracer *tracing.OrderTracer) {
	if res.Duplicate {
		r.metrics.IncPurchase(ReasonDuplicate)
		tracer.Span(tracing.SpanPurchaseDuplicate, map[string]any{
			"offer_id":     res.OfferID,
			"variation_id": in.VariationID,
			"order_id":     in.SquareOrderID,
		})
		r.logger.Debug("duplicate purchase skipped",
			"merchant_id", merchantID,
			"order_id", in.SquareOrderID,
			"variation_id", in.VariationID,
			"offer_id", res.OfferID,
		)
		return
	}

	r.metrics.IncPurchase("recorded")
	tracer.Span(tracing.SpanPurchaseRecorded, map[string]any{
		"offer_id":          res.OfferID,
		"event_id":          res.EventID,
		"variation_id":      in.VariationID,
		"quantity":          in.Quantity,
		"progress_quantity": res.ProgressQuantity,
		"required_quantity": res.RequiredQuantity,
	})
	if !res.RewardEarned {
		return
	}

	r.metrics.IncRewardEarned()
	tracer.Span(tracing.SpanRewardEarned, map[string]any{
		"offer_id":        res.OfferID,
		"reward_id":       res.RewardID,
		"customer_id":     in.SquareCustomerID,
		"locked_quantity": res.LockedQuantity,
	})
	r.logger.Info("reward earned",
		"merchant_id", merchantID,
		"customer_id", in.SquareCustomerID,
		"offer_id", res.OfferID,
		"reward_id", res.RewardID,
		"order_id", in.SquareOrderID,
	)
	if res.earned != nil {
		r.publisher().PublishRewardEarned(ctx, *res.earned, in.TraceID)
	}
}
