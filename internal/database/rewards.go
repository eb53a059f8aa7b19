package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"loyalty-engine/internal/models"
)

const rewardColumns = `r.id, r.merchant_id, r.offer_id, r.square_customer_id, r.status,
	r.progress_quantity, r.earned_at, r.redeemed_at, r.redeemed_order_id,
	r.expires_at, r.trace_id, r.created_at, r.updated_at`

// RewardFilter narrows ListRewards. Every set field adds an AND clause on top
// of the merchant scope.
type RewardFilter struct {
	CustomerID      string
	OfferID         string
	Statuses        []models.RewardStatus
	ExcludeStatuses []models.RewardStatus
	Limit           int
}

// InsertReward creates a reward row.
func (q *Queries) InsertReward(ctx context.Context, r models.Reward) error {
	query := `INSERT INTO rewards (
		id, merchant_id, offer_id, square_customer_id, status, progress_quantity,
		earned_at, redeemed_at, redeemed_order_id, expires_at, trace_id, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.exec(ctx, query,
		r.ID,
		r.MerchantID,
		r.OfferID,
		r.SquareCustomerID,
		string(r.Status),
		r.ProgressQuantity,
		nullTime(r.EarnedAt),
		nullTime(r.RedeemedAt),
		nullString(r.RedeemedOrderID),
		nullTime(r.ExpiresAt),
		r.TraceID,
		formatTime(r.CreatedAt),
		formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert %s reward for customer %s offer %s: %w",
			r.Status, r.SquareCustomerID, r.OfferID, err)
	}
	return nil
}

// GetReward returns a reward or nil when it does not exist for the merchant.
func (q *Queries) GetReward(ctx context.Context, merchantID, rewardID string) (*models.Reward, error) {
	return q.getReward(ctx, merchantID, rewardID, "")
}

// GetRewardForUpdate is GetReward holding a row lock until the transaction ends.
func (q *Queries) GetRewardForUpdate(ctx context.Context, merchantID, rewardID string) (*models.Reward, error) {
	return q.getReward(ctx, merchantID, rewardID, q.forUpdate())
}

func (q *Queries) getReward(ctx context.Context, merchantID, rewardID, suffix string) (*models.Reward, error) {
	row := q.queryRow(ctx, `SELECT `+rewardColumns+` FROM rewards r
		WHERE r.merchant_id = ? AND r.id = ?`+suffix, merchantID, rewardID)

	r, err := scanReward(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reward %s: %w", rewardID, err)
	}
	return &r, nil
}

// FindRewardForUpdate returns the customer's reward for an offer in the given
// status, locking it on Postgres. At most one earned and one in-progress
// reward exist per customer and offer.
func (q *Queries) FindRewardForUpdate(ctx context.Context, merchantID, offerID, customerID string, status models.RewardStatus) (*models.Reward, error) {
	row := q.queryRow(ctx, `SELECT `+rewardColumns+` FROM rewards r
		WHERE r.merchant_id = ?
		AND r.offer_id = ?
		AND r.square_customer_id = ?
		AND r.status = ?
		ORDER BY r.created_at`+q.forUpdate(),
		merchantID, offerID, customerID, string(status))

	r, err := scanReward(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find %s reward for customer %s offer %s: %w", status, customerID, offerID, err)
	}
	return &r, nil
}

// UpdateRewardProgress records the current progress of an in-progress reward.
func (q *Queries) UpdateRewardProgress(ctx context.Context, merchantID, rewardID string, progress int, now time.Time) error {
	_, err := q.exec(ctx, `UPDATE rewards SET progress_quantity = ?, updated_at = ?
		WHERE merchant_id = ? AND id = ? AND status = ?`,
		progress, formatTime(now), merchantID, rewardID, string(models.RewardInProgress))
	if err != nil {
		return fmt.Errorf("failed to update progress of reward %s: %w", rewardID, err)
	}
	return nil
}

// PromoteReward moves an in-progress reward to earned.
func (q *Queries) PromoteReward(ctx context.Context, merchantID, rewardID string, progress int, earnedAt time.Time, expiresAt *time.Time, traceID string) error {
	res, err := q.exec(ctx, `UPDATE rewards
		SET status = ?, progress_quantity = ?, earned_at = ?, expires_at = ?, trace_id = ?, updated_at = ?
		WHERE merchant_id = ? AND id = ? AND status = ?`,
		string(models.RewardEarned), progress, formatTime(earnedAt), nullTime(expiresAt), traceID, formatTime(earnedAt),
		merchantID, rewardID, string(models.RewardInProgress))
	if err != nil {
		return fmt.Errorf("failed to promote reward %s: %w", rewardID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reward %s is no longer in progress", rewardID)
	}
	return nil
}

// MarkRewardRedeemed moves an earned reward to redeemed.
func (q *Queries) MarkRewardRedeemed(ctx context.Context, merchantID, rewardID, orderID string, redeemedAt time.Time) error {
	res, err := q.exec(ctx, `UPDATE rewards
		SET status = ?, redeemed_at = ?, redeemed_order_id = ?, updated_at = ?
		WHERE merchant_id = ? AND id = ? AND status = ?`,
		string(models.RewardRedeemed), formatTime(redeemedAt), nullString(&orderID), formatTime(redeemedAt),
		merchantID, rewardID, string(models.RewardEarned))
	if err != nil {
		return fmt.Errorf("failed to redeem reward %s: %w", rewardID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("reward %s is not in earned status", rewardID)
	}
	return nil
}

// MarkRewardExpired moves an earned reward to expired.
func (q *Queries) MarkRewardExpired(ctx context.Context, merchantID, rewardID string, now time.Time) error {
	_, err := q.exec(ctx, `UPDATE rewards SET status = ?, updated_at = ?
		WHERE merchant_id = ? AND id = ? AND status = ?`,
		string(models.RewardExpired), formatTime(now), merchantID, rewardID, string(models.RewardEarned))
	if err != nil {
		return fmt.Errorf("failed to expire reward %s: %w", rewardID, err)
	}
	return nil
}

// ListExpiredEarnedRewardsForUpdate returns earned rewards whose expiry has
// passed, locking them on Postgres.
func (q *Queries) ListExpiredEarnedRewardsForUpdate(ctx context.Context, merchantID string, now time.Time) ([]models.Reward, error) {
	query := `SELECT ` + rewardColumns + ` FROM rewards r
		WHERE r.merchant_id = ?
		AND r.status = ?
		AND r.expires_at IS NOT NULL
		AND r.expires_at < ?
		ORDER BY r.expires_at, r.id` + q.forUpdate()

	return q.queryRewards(ctx, query, merchantID, string(models.RewardEarned), formatTime(now))
}

// ListRewards returns the merchant's rewards matching the filter, newest first.
func (q *Queries) ListRewards(ctx context.Context, merchantID string, f RewardFilter) ([]models.Reward, error) {
	clauses := []string{"r.merchant_id = ?"}
	args := []any{merchantID}

	if f.CustomerID != "" {
		clauses = append(clauses, "r.square_customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.OfferID != "" {
		clauses = append(clauses, "r.offer_id = ?")
		args = append(args, f.OfferID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "r.status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(f.ExcludeStatuses) > 0 {
		clauses = append(clauses, "r.status NOT IN ("+placeholders(len(f.ExcludeStatuses))+")")
		for _, s := range f.ExcludeStatuses {
			args = append(args, string(s))
		}
	}

	query := `SELECT ` + rewardColumns + ` FROM rewards r WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY r.created_at DESC, r.id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return q.queryRewards(ctx, query, args...)
}

// RedeemableReward is an earned reward joined with its offer.
type RedeemableReward struct {
	Reward models.Reward
	Offer  models.Offer
}

// GetRedeemableReward returns the customer's earned, unexpired reward for an
// offer, or nil.
func (q *Queries) GetRedeemableReward(ctx context.Context, merchantID, customerID, offerID string, now time.Time) (*RedeemableReward, error) {
	row := q.queryRow(ctx, `SELECT `+rewardColumns+`, `+offerColumns+`
		FROM rewards r
		JOIN offers o ON o.id = r.offer_id AND o.merchant_id = r.merchant_id
		WHERE r.merchant_id = ?
		AND r.square_customer_id = ?
		AND r.offer_id = ?
		AND r.status = ?
		AND (r.expires_at IS NULL OR r.expires_at >= ?)
		ORDER BY r.earned_at
		LIMIT 1`,
		merchantID, customerID, offerID, string(models.RewardEarned), formatTime(now))

	var rr RedeemableReward
	var status, rCreated, rUpdated, oCreated, oUpdated string
	var earnedAt, redeemedAt, expiresAt, redeemedOrder sql.NullString

	err := row.Scan(
		&rr.Reward.ID, &rr.Reward.MerchantID, &rr.Reward.OfferID, &rr.Reward.SquareCustomerID, &status,
		&rr.Reward.ProgressQuantity, &earnedAt, &redeemedAt, &redeemedOrder,
		&expiresAt, &rr.Reward.TraceID, &rCreated, &rUpdated,
		&rr.Offer.ID, &rr.Offer.MerchantID, &rr.Offer.OfferName, &rr.Offer.BrandName, &rr.Offer.SizeGroup,
		&rr.Offer.RequiredQuantity, &rr.Offer.WindowMonths, &rr.Offer.WindowDays, &rr.Offer.RewardType,
		&rr.Offer.RewardValueCents, &rr.Offer.RewardDescription, &rr.Offer.RewardExpiryDays,
		&rr.Offer.IsActive, &oCreated, &oUpdated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get redeemable reward for customer %s offer %s: %w", customerID, offerID, err)
	}

	rr.Reward.Status = models.RewardStatus(status)
	rr.Reward.RedeemedOrderID = stringPtr(redeemedOrder)
	if rr.Reward.EarnedAt, err = parseNullTime(earnedAt); err != nil {
		return nil, err
	}
	if rr.Reward.RedeemedAt, err = parseNullTime(redeemedAt); err != nil {
		return nil, err
	}
	if rr.Reward.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	for _, p := range []struct {
		dst *time.Time
		src string
	}{
		{&rr.Reward.CreatedAt, rCreated},
		{&rr.Reward.UpdatedAt, rUpdated},
		{&rr.Offer.CreatedAt, oCreated},
		{&rr.Offer.UpdatedAt, oUpdated},
	} {
		if *p.dst, err = parseTime(p.src); err != nil {
			return nil, err
		}
	}
	return &rr, nil
}

// InsertRedemption appends the audit row for a redeemed reward.
func (q *Queries) InsertRedemption(ctx context.Context, r models.Redemption) error {
	query := `INSERT INTO redemptions (
		id, merchant_id, reward_id, offer_id, square_customer_id, square_order_id,
		redemption_type, redeemed_variation_id, redeemed_value_cents,
		redeemed_by_user_id, admin_notes, trace_id, redeemed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.exec(ctx, query,
		r.ID,
		r.MerchantID,
		r.RewardID,
		r.OfferID,
		r.SquareCustomerID,
		r.SquareOrderID,
		r.RedemptionType,
		r.RedeemedVariationID,
		r.RedeemedValueCents,
		r.RedeemedByUserID,
		r.AdminNotes,
		r.TraceID,
		formatTime(r.RedeemedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert redemption for reward %s: %w", r.RewardID, err)
	}
	return nil
}

// ListRedemptions returns the redemption rows of a reward.
func (q *Queries) ListRedemptions(ctx context.Context, merchantID, rewardID string) ([]models.Redemption, error) {
	rows, err := q.query(ctx, `SELECT id, merchant_id, reward_id, offer_id, square_customer_id,
		square_order_id, redemption_type, redeemed_variation_id, redeemed_value_cents,
		redeemed_by_user_id, admin_notes, trace_id, redeemed_at
		FROM redemptions WHERE merchant_id = ? AND reward_id = ?
		ORDER BY redeemed_at`, merchantID, rewardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query redemptions: %w", err)
	}
	defer rows.Close()

	var out []models.Redemption
	for rows.Next() {
		var r models.Redemption
		var redeemedAt string
		if err := rows.Scan(&r.ID, &r.MerchantID, &r.RewardID, &r.OfferID, &r.SquareCustomerID,
			&r.SquareOrderID, &r.RedemptionType, &r.RedeemedVariationID, &r.RedeemedValueCents,
			&r.RedeemedByUserID, &r.AdminNotes, &r.TraceID, &redeemedAt); err != nil {
			return nil, fmt.Errorf("failed to scan redemption: %w", err)
		}
		if r.RedeemedAt, err = parseTime(redeemedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating redemptions: %w", err)
	}
	return out, nil
}

func (q *Queries) queryRewards(ctx context.Context, query string, args ...any) ([]models.Reward, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var rewards []models.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reward: %w", err)
		}
		rewards = append(rewards, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rewards: %w", err)
	}
	return rewards, nil
}

func scanReward(s scanner) (models.Reward, error) {
	var r models.Reward
	var status, createdAt, updatedAt string
	var earnedAt, redeemedAt, expiresAt, redeemedOrder sql.NullString

	err := s.Scan(
		&r.ID,
		&r.MerchantID,
		&r.OfferID,
		&r.SquareCustomerID,
		&status,
		&r.ProgressQuantity,
		&earnedAt,
		&redeemedAt,
		&redeemedOrder,
		&expiresAt,
		&r.TraceID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return r, err
	}

	r.Status = models.RewardStatus(status)
	r.RedeemedOrderID = stringPtr(redeemedOrder)
	if r.EarnedAt, err = parseNullTime(earnedAt); err != nil {
		return r, err
	}
	if r.RedeemedAt, err = parseNullTime(redeemedAt); err != nil {
		return r, err
	}
	if r.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return r, err
	}
	return r, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
