package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"loyalty-engine/internal/models"
)

const purchaseEventColumns = `id, merchant_id, offer_id, square_customer_id, square_order_id,
	variation_id, quantity, unit_price_cents, total_price_cents, purchased_at,
	trace_id, locked_to_reward_id, split_seq, source, created_at`

// InsertPurchaseEvent inserts a purchase event unless one already exists for
// the same merchant, order, variation and offer. It reports whether a row was
// written; false means the event is a duplicate.
func (q *Queries) InsertPurchaseEvent(ctx context.Context, e models.PurchaseEvent) (bool, error) {
	query := `INSERT INTO purchase_events (` + purchaseEventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`

	res, err := q.exec(ctx, query,
		e.ID,
		e.MerchantID,
		e.OfferID,
		e.SquareCustomerID,
		e.SquareOrderID,
		e.VariationID,
		e.Quantity,
		e.UnitPriceCents,
		e.TotalPriceCents,
		formatTime(e.PurchasedAt),
		e.TraceID,
		nullString(e.LockedToRewardID),
		e.SplitSeq,
		e.Source,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert purchase event for order %s variation %s offer %s: %w",
			e.SquareOrderID, e.VariationID, e.OfferID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// SumUnlockedQuantity sums the customer's unclaimed units for an offer with a
// purchase time inside [start, end].
func (q *Queries) SumUnlockedQuantity(ctx context.Context, merchantID, offerID, customerID string, start, end time.Time) (int, error) {
	var total int64
	err := q.queryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM purchase_events
		WHERE merchant_id = ?
		AND offer_id = ?
		AND square_customer_id = ?
		AND purchased_at >= ?
		AND purchased_at <= ?
		AND quantity > 0
		AND locked_to_reward_id IS NULL`,
		merchantID, offerID, customerID, formatTime(start), formatTime(end),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum progress for customer %s offer %s: %w", customerID, offerID, err)
	}
	return int(total), nil
}

// ListUnlockedEventsForUpdate returns the customer's unclaimed in-window
// events for an offer, oldest first, locking them on Postgres.
func (q *Queries) ListUnlockedEventsForUpdate(ctx context.Context, merchantID, offerID, customerID string, start, end time.Time) ([]models.PurchaseEvent, error) {
	query := `SELECT ` + purchaseEventColumns + ` FROM purchase_events
		WHERE merchant_id = ?
		AND offer_id = ?
		AND square_customer_id = ?
		AND purchased_at >= ?
		AND purchased_at <= ?
		AND quantity > 0
		AND locked_to_reward_id IS NULL
		ORDER BY purchased_at, created_at, split_seq, id` + q.forUpdate()

	return q.queryPurchaseEvents(ctx, query, merchantID, offerID, customerID, formatTime(start), formatTime(end))
}

// ListPurchaseEvents returns every event of a customer for an offer.
func (q *Queries) ListPurchaseEvents(ctx context.Context, merchantID, offerID, customerID string) ([]models.PurchaseEvent, error) {
	query := `SELECT ` + purchaseEventColumns + ` FROM purchase_events
		WHERE merchant_id = ? AND offer_id = ? AND square_customer_id = ?
		ORDER BY purchased_at, created_at, split_seq, id`

	return q.queryPurchaseEvents(ctx, query, merchantID, offerID, customerID)
}

// LockPurchaseEvent claims an event's units for a reward.
func (q *Queries) LockPurchaseEvent(ctx context.Context, merchantID, eventID, rewardID string) error {
	res, err := q.exec(ctx, `UPDATE purchase_events SET locked_to_reward_id = ?
		WHERE merchant_id = ? AND id = ? AND locked_to_reward_id IS NULL`,
		rewardID, merchantID, eventID)
	if err != nil {
		return fmt.Errorf("failed to lock purchase event %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("purchase event %s was already locked", eventID)
	}
	return nil
}

// SplitPurchaseEvent locks lockQty units of e to rewardID and moves the
// rest of its quantity into a new unlocked row carrying the next split_seq.
// The locked row keeps its identity so the ingestion key still collides.
func (q *Queries) SplitPurchaseEvent(ctx context.Context, e models.PurchaseEvent, lockQty int, rewardID, remainderID string, now time.Time) (models.PurchaseEvent, error) {
	if lockQty <= 0 || lockQty >= e.Quantity {
		return models.PurchaseEvent{}, fmt.Errorf("invalid split of %d units from event %s with quantity %d", lockQty, e.ID, e.Quantity)
	}

	var nextSeq int
	err := q.queryRow(ctx, `SELECT COALESCE(MAX(split_seq), 0) + 1 FROM purchase_events
		WHERE merchant_id = ? AND square_order_id = ? AND variation_id = ? AND offer_id = ?`,
		e.MerchantID, e.SquareOrderID, e.VariationID, e.OfferID,
	).Scan(&nextSeq)
	if err != nil {
		return models.PurchaseEvent{}, fmt.Errorf("failed to allocate split sequence for event %s: %w", e.ID, err)
	}

	lockedTotal := e.UnitPriceCents * int64(lockQty)
	if lockedTotal > e.TotalPriceCents {
		lockedTotal = e.TotalPriceCents
	}

	res, err := q.exec(ctx, `UPDATE purchase_events
		SET quantity = ?, total_price_cents = ?, locked_to_reward_id = ?
		WHERE merchant_id = ? AND id = ? AND locked_to_reward_id IS NULL`,
		lockQty, lockedTotal, rewardID, e.MerchantID, e.ID)
	if err != nil {
		return models.PurchaseEvent{}, fmt.Errorf("failed to lock split portion of event %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.PurchaseEvent{}, fmt.Errorf("failed to read rows affected: %w", err)
	} else if n == 0 {
		return models.PurchaseEvent{}, fmt.Errorf("purchase event %s was already locked", e.ID)
	}

	remainder := e
	remainder.ID = remainderID
	remainder.Quantity = e.Quantity - lockQty
	remainder.TotalPriceCents = e.TotalPriceCents - lockedTotal
	remainder.LockedToRewardID = nil
	remainder.SplitSeq = nextSeq
	remainder.CreatedAt = now

	inserted, err := q.InsertPurchaseEvent(ctx, remainder)
	if err != nil {
		return models.PurchaseEvent{}, err
	}
	if !inserted {
		return models.PurchaseEvent{}, fmt.Errorf("split remainder of event %s collided with an existing row", e.ID)
	}
	return remainder, nil
}

// SumLockedQuantity returns the units claimed by a reward.
func (q *Queries) SumLockedQuantity(ctx context.Context, merchantID, rewardID string) (int, error) {
	var total int64
	err := q.queryRow(ctx, `SELECT COALESCE(SUM(quantity), 0) FROM purchase_events
		WHERE merchant_id = ? AND locked_to_reward_id = ?`, merchantID, rewardID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum locked units for reward %s: %w", rewardID, err)
	}
	return int(total), nil
}

func (q *Queries) queryPurchaseEvents(ctx context.Context, query string, args ...any) ([]models.PurchaseEvent, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase events: %w", err)
	}
	defer rows.Close()

	var events []models.PurchaseEvent
	for rows.Next() {
		e, err := scanPurchaseEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purchase events: %w", err)
	}
	return events, nil
}

func scanPurchaseEvent(s scanner) (models.PurchaseEvent, error) {
	var e models.PurchaseEvent
	var purchasedAt, createdAt string
	var locked sql.NullString

	err := s.Scan(
		&e.ID,
		&e.MerchantID,
		&e.OfferID,
		&e.SquareCustomerID,
		&e.SquareOrderID,
		&e.VariationID,
		&e.Quantity,
		&e.UnitPriceCents,
		&e.TotalPriceCents,
		&purchasedAt,
		&e.TraceID,
		&locked,
		&e.SplitSeq,
		&e.Source,
		&createdAt,
	)
	if err != nil {
		return e, err
	}

	e.LockedToRewardID = stringPtr(locked)
	if e.PurchasedAt, err = parseTime(purchasedAt); err != nil {
		return e, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, err
	}
	return e, nil
}
