package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loyalty-engine/internal/models"
)

const offerColumns = `o.id, o.merchant_id, o.offer_name, o.brand_name, o.size_group,
	o.required_quantity, o.window_months, o.window_days, o.reward_type,
	o.reward_value_cents, o.reward_description, o.reward_expiry_days,
	o.is_active, o.created_at, o.updated_at`

// InsertOffer creates an offer. required_quantity has no update path.
func (q *Queries) InsertOffer(ctx context.Context, offer models.Offer) error {
	query := `INSERT INTO offers (
		id, merchant_id, offer_name, brand_name, size_group, required_quantity,
		window_months, window_days, reward_type, reward_value_cents,
		reward_description, reward_expiry_days, is_active, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.exec(ctx, query,
		offer.ID,
		offer.MerchantID,
		offer.OfferName,
		offer.BrandName,
		offer.SizeGroup,
		offer.RequiredQuantity,
		offer.WindowMonths,
		offer.WindowDays,
		offer.RewardType,
		offer.RewardValueCents,
		offer.RewardDescription,
		offer.RewardExpiryDays,
		offer.IsActive,
		formatTime(offer.CreatedAt),
		formatTime(offer.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert offer %s: %w", offer.ID, err)
	}
	return nil
}

// GetOffer returns the offer or nil when it does not exist for the merchant.
func (q *Queries) GetOffer(ctx context.Context, merchantID, offerID string) (*models.Offer, error) {
	row := q.queryRow(ctx, `SELECT `+offerColumns+` FROM offers o
		WHERE o.merchant_id = ? AND o.id = ?`, merchantID, offerID)

	offer, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer %s: %w", offerID, err)
	}
	return &offer, nil
}

// ListOffers returns the merchant's offers, optionally including inactive ones.
func (q *Queries) ListOffers(ctx context.Context, merchantID string, includeInactive bool) ([]models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers o WHERE o.merchant_id = ?`
	args := []any{merchantID}
	if !includeInactive {
		query += ` AND o.is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY o.brand_name, o.size_group, o.created_at`

	return q.queryOffers(ctx, query, args...)
}

// ListActiveOffers returns all active offers for a merchant.
func (q *Queries) ListActiveOffers(ctx context.Context, merchantID string) ([]models.Offer, error) {
	return q.ListOffers(ctx, merchantID, false)
}

// ListActiveOffersForVariation returns the active offers an active variation
// counts toward.
func (q *Queries) ListActiveOffersForVariation(ctx context.Context, merchantID, variationID string) ([]models.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers o
		JOIN qualifying_variations qv
			ON qv.offer_id = o.id AND qv.merchant_id = o.merchant_id
		WHERE o.merchant_id = ?
		AND qv.variation_id = ?
		AND o.is_active = ?
		AND qv.is_active = ?
		ORDER BY o.created_at, o.id`

	return q.queryOffers(ctx, query, merchantID, variationID, true, true)
}

// DeactivateOffer soft-deletes an offer. It reports whether a row changed.
func (q *Queries) DeactivateOffer(ctx context.Context, merchantID, offerID string, now time.Time) (bool, error) {
	res, err := q.exec(ctx, `UPDATE offers SET is_active = ?, updated_at = ?
		WHERE merchant_id = ? AND id = ? AND is_active = ?`,
		false, formatTime(now), merchantID, offerID, true)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate offer %s: %w", offerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// UpsertQualifyingVariation adds a variation to an offer, re-activating it
// if it was previously removed.
func (q *Queries) UpsertQualifyingVariation(ctx context.Context, v models.QualifyingVariation) error {
	query := `INSERT INTO qualifying_variations (
		merchant_id, offer_id, variation_id, item_name, variation_name, is_active, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (merchant_id, offer_id, variation_id) DO UPDATE SET
		item_name = excluded.item_name,
		variation_name = excluded.variation_name,
		is_active = excluded.is_active`

	_, err := q.exec(ctx, query,
		v.MerchantID,
		v.OfferID,
		v.VariationID,
		v.ItemName,
		v.VariationName,
		v.IsActive,
		formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert qualifying variation %s: %w", v.VariationID, err)
	}
	return nil
}

// DeactivateQualifyingVariation removes a variation from an offer without
// deleting the row.
func (q *Queries) DeactivateQualifyingVariation(ctx context.Context, merchantID, offerID, variationID string) (bool, error) {
	res, err := q.exec(ctx, `UPDATE qualifying_variations SET is_active = ?
		WHERE merchant_id = ? AND offer_id = ? AND variation_id = ? AND is_active = ?`,
		false, merchantID, offerID, variationID, true)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate variation %s: %w", variationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// ListQualifyingVariations returns the active variations of an offer.
func (q *Queries) ListQualifyingVariations(ctx context.Context, merchantID, offerID string) ([]models.QualifyingVariation, error) {
	rows, err := q.query(ctx, `SELECT merchant_id, offer_id, variation_id, item_name,
		variation_name, is_active, created_at
		FROM qualifying_variations
		WHERE merchant_id = ? AND offer_id = ? AND is_active = ?
		ORDER BY item_name, variation_name, variation_id`,
		merchantID, offerID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query qualifying variations: %w", err)
	}
	defer rows.Close()

	var out []models.QualifyingVariation
	for rows.Next() {
		var v models.QualifyingVariation
		var createdAt string
		if err := rows.Scan(&v.MerchantID, &v.OfferID, &v.VariationID, &v.ItemName,
			&v.VariationName, &v.IsActive, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan qualifying variation: %w", err)
		}
		if v.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating qualifying variations: %w", err)
	}
	return out, nil
}

// ListActiveQualifyingVariationIDs returns the distinct variation ids that
// count toward at least one active offer.
func (q *Queries) ListActiveQualifyingVariationIDs(ctx context.Context, merchantID string) ([]string, error) {
	rows, err := q.query(ctx, `SELECT DISTINCT qv.variation_id
		FROM qualifying_variations qv
		JOIN offers o ON o.id = qv.offer_id AND o.merchant_id = qv.merchant_id
		WHERE qv.merchant_id = ? AND qv.is_active = ? AND o.is_active = ?`,
		merchantID, true, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query qualifying variation ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan variation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variation ids: %w", err)
	}
	return ids, nil
}

func (q *Queries) queryOffers(ctx context.Context, query string, args ...any) ([]models.Offer, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	var offers []models.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, offer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating offers: %w", err)
	}
	return offers, nil
}

func scanOffer(s scanner) (models.Offer, error) {
	var offer models.Offer
	var createdAt, updatedAt string

	err := s.Scan(
		&offer.ID,
		&offer.MerchantID,
		&offer.OfferName,
		&offer.BrandName,
		&offer.SizeGroup,
		&offer.RequiredQuantity,
		&offer.WindowMonths,
		&offer.WindowDays,
		&offer.RewardType,
		&offer.RewardValueCents,
		&offer.RewardDescription,
		&offer.RewardExpiryDays,
		&offer.IsActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return offer, err
	}

	if offer.CreatedAt, err = parseTime(createdAt); err != nil {
		return offer, err
	}
	if offer.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return offer, err
	}
	return offer, nil
}
