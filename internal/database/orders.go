package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"loyalty-engine/internal/models"
)

// InsertProcessedOrder writes a suppression record. Existing records are kept.
func (q *Queries) InsertProcessedOrder(ctx context.Context, p models.ProcessedOrder) error {
	query := `INSERT INTO processed_orders (
		merchant_id, square_order_id, square_customer_id, result_type,
		qualifying_items, total_line_items, trace_id, source, processed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT DO NOTHING`

	_, err := q.exec(ctx, query,
		p.MerchantID,
		p.SquareOrderID,
		p.SquareCustomerID,
		p.ResultType,
		p.QualifyingItems,
		p.TotalLineItems,
		p.TraceID,
		p.Source,
		formatTime(p.ProcessedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record processed order %s: %w", p.SquareOrderID, err)
	}
	return nil
}

// GetProcessedOrder returns the suppression record for an order, or nil.
func (q *Queries) GetProcessedOrder(ctx context.Context, merchantID, orderID string) (*models.ProcessedOrder, error) {
	var p models.ProcessedOrder
	var processedAt string

	err := q.queryRow(ctx, `SELECT merchant_id, square_order_id, square_customer_id, result_type,
		qualifying_items, total_line_items, trace_id, source, processed_at
		FROM processed_orders WHERE merchant_id = ? AND square_order_id = ?`,
		merchantID, orderID,
	).Scan(
		&p.MerchantID,
		&p.SquareOrderID,
		&p.SquareCustomerID,
		&p.ResultType,
		&p.QualifyingItems,
		&p.TotalLineItems,
		&p.TraceID,
		&p.Source,
		&processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed order %s: %w", orderID, err)
	}
	if p.ProcessedAt, err = parseTime(processedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// IsOrderProcessed reports whether an order carries a suppression record.
func (q *Queries) IsOrderProcessed(ctx context.Context, merchantID, orderID string) (bool, error) {
	p, err := q.GetProcessedOrder(ctx, merchantID, orderID)
	if err != nil {
		return false, err
	}
	return p != nil, nil
}
