package loyalty

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-engine/internal/models"
	"loyalty-engine/internal/testutil"
	"loyalty-engine/internal/tracing"
)

func earnReward(t *testing.T, f *fixture, expiryDays int) (models.Offer, string) {
	t.Helper()
	offer := testutil.SeedOffer(t, f.db, testutil.OfferSpec{
		Brand:            "Acme",
		SizeGroup:        "12oz",
		Required:         2,
		ExpiryDays:       expiryDays,
		RewardValueCents: 899,
		Variations:       []string{"VAR-A"},
	})
	res := f.buy(t, "earn-1", "C1", "VAR-A", 2, f.clock.Now())
	require.True(t, res.Results[0].RewardEarned)
	return offer, res.Results[0].RewardID
}

func TestRedeemReward(t *testing.T) {
	f := newFixture(t)
	offer, rewardID := earnReward(t, f, 0)
	tracer := tracing.NewOrderTracer()
	tracer.Start(context.Background(), nil)

	res, err := f.rewards.RedeemReward(context.Background(), merchant, rewardID, RedeemInput{
		SquareOrderID:    "redeem-order",
		RedeemedByUserID: "staff-1",
		AdminNotes:       "  counter redemption ",
	}, tracer)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, offer.ID, res.OfferID)
	require.NotNil(t, res.RedeemedAt)
	assert.Equal(t, f.clock.Now(), *res.RedeemedAt)
	require.NotNil(t, res.Redemption)
	assert.Equal(t, int64(899), res.Redemption.RedeemedValueCents)
	assert.Equal(t, models.RewardTypeFreeItem, res.Redemption.RedemptionType)
	assert.Equal(t, "counter redemption", res.Redemption.AdminNotes)
	assert.Equal(t, tracer.ID(), res.Redemption.TraceID)

	reward, err := f.rewards.GetRewardByID(context.Background(), merchant, rewardID)
	require.NoError(t, err)
	assert.Equal(t, models.RewardRedeemed, reward.Status)
	require.NotNil(t, reward.RedeemedOrderID)
	assert.Equal(t, "redeem-order", *reward.RedeemedOrderID)

	redemptions, err := f.db.ListRedemptions(context.Background(), merchant, rewardID)
	require.NoError(t, err)
	require.Len(t, redemptions, 1)
	assert.Equal(t, "staff-1", redemptions[0].RedeemedByUserID)

	spans := tracer.End().Spans
	assert.Equal(t, tracing.SpanRewardRedeemed, spans[len(spans)-1].Name)
}

func TestRedeemReward_ValueOverride(t *testing.T) {
	f := newFixture(t)
	_, rewardID := earnReward(t, f, 0)
	value := int64(500)

	res, err := f.rewards.RedeemReward(context.Background(), merchant, rewardID, RedeemInput{
		RedemptionType:     models.RewardTypeDiscountAmount,
		RedeemedValueCents: &value,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Redemption.RedeemedValueCents)
	assert.Equal(t, models.RewardTypeDiscountAmount, res.Redemption.RedemptionType)
}

func TestRedeemReward_Twice(t *testing.T) {
	f := newFixture(t)
	_, rewardID := earnReward(t, f, 0)

	first, err := f.rewards.RedeemReward(context.Background(), merchant, rewardID, RedeemInput{}, nil)
	require.NoError(t, err)
	require.True(t, first.Success)

	f.clock.Advance(time.Hour)
	second, err := f.rewards.RedeemReward(context.Background(), merchant, rewardID, RedeemInput{}, nil)
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, ReasonAlreadyRedeemed, second.Reason)
	require.NotNil(t, second.RedeemedAt)
	assert.Equal(t, *first.RedeemedAt, *second.RedeemedAt)

	redemptions, err := f.db.ListRedemptions(context.Background(), merchant, rewardID)
	require.NoError(t, err)
	assert.Len(t, redemptions, 1)
}

func TestRedeemReward_Expired(t *testing.T) {
	f := newFixture(t)
	_, rewardID := earnReward(t, f, 7)
	f.clock.Advance(8 * 24 * time.Hour)

	res, err := f.rewards.RedeemReward(context.Background(), merchant, rewardID, RedeemInput{}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonExpired, res.Reason)
	require.NotNil(t, res.ExpiresAt)

	reward, err := f.rewards.GetRewardByID(context.Background(), merchant, rewardID)
	require.NoError(t, err)
	assert.Equal(t, models.RewardExpired, reward.Status)
}

func TestRedeemReward_NotFoundAndInvalidStatus(t *testing.T) {
	f := newFixture(t)
	offer := testutil.SeedOffer(t, f.db, testutil.OfferSpec{Brand: "Acme", SizeGroup: "12oz", Required: 5, Variations: []string{"VAR-A"}})

	res, err := f.rewards.RedeemReward(context.Background(), merchant, "missing", RedeemInput{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonRewardNotFound, res.Reason)

	progress := f.buy(t, "o1", "C1", "VAR-A", 1, f.clock.Now())
	res, err = f.rewards.RedeemReward(context.Background(), merchant, progress.Results[0].RewardID, RedeemInput{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidStatus, res.Reason)
	assert.Equal(t, offer.ID, res.OfferID)

	res, err = f.rewards.RedeemReward(context.Background(), "other-merchant", progress.Results[0].RewardID, RedeemInput{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonRewardNotFound, res.Reason)
}

func TestRedeemReward_RejectsNegativeValue(t *testing.T) {
	f := newFixture(t)
	_, rewardID := earnReward(t, f, 0)
	value := int64(-1)

	_, err := f.rewards.RedeemReward(context.Background(), merchant, rewardID, RedeemInput{RedeemedValueCents: &value}, nil)
	assert.Error(t, err)
}

func TestGetRedeemableReward(t *testing.T) {
	f := newFixture(t)
	offer, rewardID := earnReward(t, f, 30)

	rr, err := f.rewards.GetRedeemableReward(context.Background(), merchant, "C1", offer.ID)
	require.NoError(t, err)
	require.NotNil(t, rr)
	assert.Equal(t, rewardID, rr.ID)
	assert.Equal(t, offer.OfferName, rr.OfferName)
	assert.Equal(t, int64(899), rr.RewardValueCents)
	require.NotNil(t, rr.ExpiresAt)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 30), *rr.ExpiresAt)

	f.clock.Advance(31 * 24 * time.Hour)
	rr, err = f.rewards.GetRedeemableReward(context.Background(), merchant, "C1", offer.ID)
	require.NoError(t, err)
	assert.Nil(t, rr)
}

func TestRewardStatsAndExpiry(t *testing.T) {
	f := newFixture(t)
	_, redeemedID := earnReward(t, f, 7)
	_, err := f.rewards.RedeemReward(context.Background(), merchant, redeemedID, RedeemInput{}, nil)
	require.NoError(t, err)

	res := f.buy(t, "earn-2", "C1", "VAR-A", 2, f.clock.Now())
	require.True(t, res.Results[0].RewardEarned)
	stale := res.Results[0].RewardID

	stats, err := f.rewards.GetRewardStats(context.Background(), merchant, "C1")
	require.NoError(t, err)
	assert.Equal(t, RewardStats{Available: 1, Redeemed: 1, Expired: 0, Total: 2}, stats)

	count, err := f.rewards.CountEarnedRewards(context.Background(), merchant, "C1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	f.clock.Advance(8 * 24 * time.Hour)

	// Past expiry but not yet swept.
	stats, err = f.rewards.GetRewardStats(context.Background(), merchant, "C1")
	require.NoError(t, err)
	assert.Equal(t, RewardStats{Available: 0, Redeemed: 1, Expired: 1, Total: 2}, stats)

	tracer := tracing.NewOrderTracer()
	tracer.Start(context.Background(), nil)
	expired, err := f.rewards.ExpireRewards(context.Background(), merchant, tracer)
	require.NoError(t, err)
	assert.Equal(t, 1, expired.ExpiredCount)
	assert.Equal(t, []string{stale}, expired.ExpiredRewards)

	spans := tracer.End().Spans
	require.Len(t, spans, 1)
	assert.Equal(t, tracing.SpanRewardsExpired, spans[0].Name)

	again, err := f.rewards.ExpireRewards(context.Background(), merchant, nil)
	require.NoError(t, err)
	assert.Zero(t, again.ExpiredCount)
	assert.Empty(t, again.ExpiredRewards)

	stats, err = f.rewards.GetRewardStats(context.Background(), merchant, "C1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Expired)
}

func TestExpireRewards_ConvertsHeldProgress(t *testing.T) {
	f := newFixture(t)
	offer, first := earnReward(t, f, 7)

	held := f.buy(t, "earn-2", "C1", "VAR-A", 2, f.clock.Now())
	require.False(t, held.Results[0].RewardEarned)

	progress, err := f.rewards.GetCustomerProgress(context.Background(), merchant, "C1")
	require.NoError(t, err)
	assert.Equal(t, 2, progress[0].CurrentQuantity)
	assert.True(t, progress[0].HasRedeemableReward)

	f.clock.Advance(8 * 24 * time.Hour)
	tracer := tracing.NewOrderTracer()
	tracer.Start(context.Background(), nil)
	res, err := f.rewards.ExpireRewards(context.Background(), merchant, tracer)
	require.NoError(t, err)
	assert.Equal(t, []string{first}, res.ExpiredRewards)
	require.Len(t, res.EarnedRewards, 1)

	spans := tracer.End().Spans
	require.Len(t, spans, 2)
	assert.Equal(t, tracing.SpanRewardsExpired, spans[0].Name)
	assert.Equal(t, tracing.SpanRewardEarned, spans[1].Name)

	earned := f.customerRewards(t, offer.ID, "C1", models.RewardEarned)
	require.Len(t, earned, 1)
	assert.Equal(t, res.EarnedRewards[0], earned[0].ID)
	require.NotNil(t, earned[0].ExpiresAt)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 7), *earned[0].ExpiresAt)

	progress, err = f.rewards.GetCustomerProgress(context.Background(), merchant, "C1")
	require.NoError(t, err)
	assert.Zero(t, progress[0].CurrentQuantity)
	assert.True(t, progress[0].HasRedeemableReward)
}

func TestGetCustomerRewards(t *testing.T) {
	f := newFixture(t)
	offer, rewardID := earnReward(t, f, 0)
	f.buy(t, "o2", "C1", "VAR-A", 1, f.clock.Now())

	rewards, err := f.rewards.GetCustomerRewards(context.Background(), merchant, "C1", RewardQuery{})
	require.NoError(t, err)
	assert.Len(t, rewards, 2)

	_, err = f.rewards.RedeemReward(context.Background(), merchant, rewardID, RedeemInput{}, nil)
	require.NoError(t, err)

	rewards, err = f.rewards.GetCustomerRewards(context.Background(), merchant, "C1", RewardQuery{})
	require.NoError(t, err)
	require.Len(t, rewards, 1)
	assert.Equal(t, models.RewardInProgress, rewards[0].Status)

	rewards, err = f.rewards.GetCustomerRewards(context.Background(), merchant, "C1", RewardQuery{IncludeRedeemed: true, OfferID: offer.ID})
	require.NoError(t, err)
	assert.Len(t, rewards, 2)

	rewards, err = f.rewards.GetCustomerRewards(context.Background(), merchant, "nobody", RewardQuery{})
	require.NoError(t, err)
	assert.NotNil(t, rewards)
	assert.Empty(t, rewards)
}

func TestGetCustomerProgress(t *testing.T) {
	f := newFixture(t)
	offer := testutil.SeedOffer(t, f.db, testutil.OfferSpec{Brand: "Acme", SizeGroup: "12oz", Required: 3, WindowDays: 90, Variations: []string{"VAR-A"}})
	f.buy(t, "o1", "C1", "VAR-A", 2, f.clock.Now().Add(-time.Hour))

	progress, err := f.rewards.GetCustomerProgress(context.Background(), merchant, "C1")
	require.NoError(t, err)
	require.Len(t, progress, 1)

	p := progress[0]
	assert.Equal(t, offer.ID, p.OfferID)
	assert.Equal(t, 2, p.CurrentQuantity)
	assert.Equal(t, 3, p.RequiredQuantity)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, -90), p.WindowStart)
	assert.Equal(t, f.clock.Now(), p.WindowEnd)
	assert.False(t, p.HasRedeemableReward)
}
