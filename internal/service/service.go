// Package service evaluates POS orders against the loyalty program and
// exposes the engine's operations to the transport layer.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"loyalty-engine/internal/catalog"
	"loyalty-engine/internal/customer"
	"loyalty-engine/internal/database"
	"loyalty-engine/internal/events"
	"loyalty-engine/internal/features"
	"loyalty-engine/internal/loyalty"
	"loyalty-engine/internal/metrics"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/square"
	"loyalty-engine/internal/tracing"
)

// Order-level reasons for not evaluating line items.
const (
	ReasonNotCompleted            = "not_completed"
	ReasonNoLineItems             = "no_line_items"
	ReasonNoLineItemsAfterRefetch = "no_line_items_after_refetch"
	ReasonRefetchFailed           = "refetch_failed"
	ReasonCustomerNotIdentified   = "customer_not_identified"
	ReasonNoActiveOffers          = "no_active_offers"
	ReasonNoQualifyingItems       = "no_qualifying_items"
)

// Line-item reasons.
const (
	ReasonNoVariationID          = "no_variation_id"
	ReasonZeroQuantity           = "zero_quantity"
	ReasonLoyaltyRedemption      = "loyalty_redemption"
	ReasonNotQualifyingVariation = "not_qualifying_variation"
)

// redemptionDiscount matches discount names used when a customer spends a
// reward at the register.
var redemptionDiscount = regexp.MustCompile(`(?i)loyalty|reward|free[\s_-]*item|frequent[\s_-]*buyer`)

// ErrNoPlatform is returned when a merchant has no POS connection.
var ErrNoPlatform = errors.New("no POS connection configured for merchant")

// ProcessOptions carries per-call settings.
type ProcessOptions struct {
	Source string
}

// ProcessResult is the outcome of ProcessOrder. Trace is always set.
type ProcessResult struct {
	Processed       bool             `json:"processed"`
	Reason          string           `json:"reason,omitempty"`
	OrderID         string           `json:"order_id"`
	CustomerID      string           `json:"customer_id,omitempty"`
	CustomerMethod  string           `json:"customer_method,omitempty"`
	LineItemResults []LineItemResult `json:"line_item_results,omitempty"`
	Summary         *Summary         `json:"summary,omitempty"`
	Trace           tracing.Summary  `json:"trace"`
}

// LineItemResult is the evaluation of one order line.
type LineItemResult struct {
	Index          int                   `json:"index"`
	UID            string                `json:"uid,omitempty"`
	VariationID    string                `json:"variation_id,omitempty"`
	Name           string                `json:"name,omitempty"`
	Quantity       int                   `json:"quantity"`
	UnitPriceCents int64                 `json:"unit_price_cents,omitempty"`
	Qualifying     bool                  `json:"qualifying"`
	Reason         string                `json:"reason,omitempty"`
	Recorded       bool                  `json:"recorded"`
	Duplicate      bool                  `json:"duplicate,omitempty"`
	RewardsEarned  int                   `json:"rewards_earned,omitempty"`
	Offers         []loyalty.OfferResult `json:"offers,omitempty"`
	Error          string                `json:"error,omitempty"`
}

// Summary counts line item outcomes for one order.
type Summary struct {
	TotalLineItems  int `json:"total_line_items"`
	QualifyingItems int `json:"qualifying_items"`
	RecordedItems   int `json:"recorded_items"`
	DuplicateItems  int `json:"duplicate_items"`
	FailedItems     int `json:"failed_items"`
	RewardsEarned   int `json:"rewards_earned"`
}

// ManualPurchaseResult wraps a manually entered purchase with its trace.
type ManualPurchaseResult struct {
	loyalty.PurchaseResult
	Trace tracing.Summary `json:"trace"`
}

// CatchupResult counts one merchant's sweep.
type CatchupResult struct {
	MerchantID string `json:"merchant_id"`
	Scanned    int    `json:"scanned"`
	Skipped    int    `json:"skipped"`
	Processed  int    `json:"processed"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
}

// Deps wires the service's collaborators. DB, Catalog, Resolver, Recorder
// and Rewards are required.
type Deps struct {
	DB        *database.DB
	Catalog   *catalog.Accessor
	Resolver  *customer.Resolver
	Recorder  *loyalty.Recorder
	Rewards   *loyalty.RewardManager
	Connector square.Connector
	Tracer    *tracing.Tracer
	Logger    *slog.Logger
	Features  *features.Manager
	Events    *events.Manager
	Metrics   *metrics.Metrics

	CatchupConcurrency int
	Now                func() time.Time
}

// Service provides the loyalty engine's operations.
type Service struct {
	Deps
}

// NewService creates a new service instance.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = tracing.NewNoop()
	}
	if d.CatchupConcurrency <= 0 {
		d.CatchupConcurrency = 4
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{Deps: d}
}

// platform returns the merchant's POS client, or nil when none is configured.
func (s *Service) platform(merchantID string) square.Platform {
	if s.Connector == nil {
		return nil
	}
	p, err := s.Connector.Platform(merchantID)
	if err != nil {
		s.Logger.Warn("no POS connection for merchant", "merchant_id", merchantID, "error", err)
		return nil
	}
	return p
}

func (s *Service) publisher() *events.Manager {
	if !s.Features.IsEnabled(features.EventHooks) {
		return nil
	}
	return s.Events
}

// ProcessOrderByID fetches an order from the POS and processes it.
func (s *Service) ProcessOrderByID(ctx context.Context, merchantID, orderID string, opts ProcessOptions) (ProcessResult, error) {
	p := s.platform(merchantID)
	if p == nil {
		return ProcessResult{}, ErrNoPlatform
	}
	order, err := p.GetOrder(ctx, orderID)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("failed to fetch order %s: %w", orderID, err)
	}
	return s.ProcessOrder(ctx, merchantID, order, opts)
}

// ProcessOrder evaluates a POS order and records every qualifying line item.
// Expected skips come back as a Reason; an error means an infrastructure
// failure the caller may retry.
func (s *Service) ProcessOrder(ctx context.Context, merchantID string, order *models.Order, opts ProcessOptions) (ProcessResult, error) {
	if opts.Source == "" {
		opts.Source = models.SourceWebhook
	}
	start := time.Now()
	ot := s.Tracer.NewOrderTracer()
	ctx, traceID := ot.Start(ctx, map[string]any{
		"merchant_id": merchantID,
		"order_id":    order.ID,
		"source":      opts.Source,
	})
	log := s.Logger.With("merchant_id", merchantID, "order_id", order.ID, "trace_id", traceID, "source", opts.Source)

	res := ProcessResult{OrderID: order.ID}
	finish := func(reason string) ProcessResult {
		res.Reason = reason
		outcome := reason
		if res.Processed {
			outcome = "processed"
		}
		ot.Span(tracing.SpanOrderComplete, map[string]any{"processed": res.Processed, "reason": reason})
		res.Trace = ot.End()
		s.Metrics.ObserveOrder(opts.Source, outcome, time.Since(start))

		data := events.OrderProcessedData{
			OrderID:    order.ID,
			CustomerID: res.CustomerID,
			Source:     opts.Source,
			Reason:     reason,
			TraceID:    traceID,
		}
		if res.Summary != nil {
			data.Recorded = res.Summary.RecordedItems
			data.RewardsEarned = res.Summary.RewardsEarned
		}
		s.publisher().PublishOrderProcessed(ctx, merchantID, data)

		if reason != "" {
			log.Info("order skipped", "reason", reason, "customer_id", res.CustomerID)
		} else {
			log.Info("order processed",
				"customer_id", res.CustomerID,
				"recorded_items", res.Summary.RecordedItems,
				"rewards_earned", res.Summary.RewardsEarned,
			)
		}
		return res
	}
	fail := func(err error) (ProcessResult, error) {
		ot.Span(tracing.SpanOrderComplete, map[string]any{"error": err.Error()})
		res.Trace = ot.End()
		s.Metrics.ObserveOrder(opts.Source, "error", time.Since(start))
		log.Error("order processing failed", "error", err)
		return res, err
	}

	ot.Span(tracing.SpanOrderReceived, map[string]any{
		"state":      order.State,
		"line_items": len(order.LineItems),
	})

	if order.State != models.OrderStateCompleted {
		return finish(ReasonNotCompleted), nil
	}

	p := s.platform(merchantID)

	if len(order.LineItems) == 0 {
		if !s.Features.IsEnabled(features.LineItemRefetch) || p == nil {
			return finish(ReasonNoLineItems), nil
		}
		fetched, err := p.GetOrder(ctx, order.ID)
		if err != nil {
			log.Warn("order refetch failed", "error", err)
			ot.Span(tracing.SpanOrderRefetched, map[string]any{"error": err.Error()})
			return finish(ReasonRefetchFailed), nil
		}
		ot.Span(tracing.SpanOrderRefetched, map[string]any{"line_items": len(fetched.LineItems)})
		if len(fetched.LineItems) == 0 {
			return finish(ReasonNoLineItemsAfterRefetch), nil
		}
		order = fetched
	}

	resolution := s.Resolver.IdentifyCustomerFromOrder(ctx, merchantID, p, order)
	if !resolution.Success {
		ot.Span(tracing.SpanCustomerNotFound, map[string]any{"attempted": resolution.Attempted})
		return finish(ReasonCustomerNotIdentified), nil
	}
	res.CustomerID = resolution.CustomerID
	res.CustomerMethod = resolution.Method
	ot.Span(tracing.SpanCustomerIdentified, map[string]any{
		"customer_id": resolution.CustomerID,
		"method":      resolution.Method,
	})

	offers, err := s.Catalog.GetActiveOffers(ctx, merchantID)
	if err != nil {
		return fail(fmt.Errorf("failed to load active offers for order %s: %w", order.ID, err))
	}
	if len(offers) == 0 {
		return finish(ReasonNoActiveOffers), nil
	}

	qualifying, err := s.Catalog.GetAllQualifyingVariationIDs(ctx, merchantID)
	if err != nil {
		return fail(fmt.Errorf("failed to load qualifying variations for order %s: %w", order.ID, err))
	}

	purchasedAt := orderTime(order, s.Now())
	summary := &Summary{TotalLineItems: len(order.LineItems)}
	res.Summary = summary

	items := make([]LineItemResult, len(order.LineItems))
	var purchases []*variationPurchase
	byVariation := make(map[string]*variationPurchase)
	for i, li := range order.LineItems {
		item := s.evaluateLineItem(*order, i, li, qualifying)
		s.Metrics.IncLineItem(itemOutcome(item))
		items[i] = item
		if !item.Qualifying {
			log.Debug("line item skipped", "index", i, "variation_id", item.VariationID, "reason", item.Reason)
			continue
		}
		// Lines sharing a variation (e.g. different modifiers) are one
		// purchase under the order's idempotency key.
		vp, ok := byVariation[item.VariationID]
		if !ok {
			vp = &variationPurchase{variationID: item.VariationID}
			byVariation[item.VariationID] = vp
			purchases = append(purchases, vp)
		}
		vp.lines = append(vp.lines, i)
		vp.quantity += item.Quantity
		vp.totalCents += li.TotalCents()
	}

	for _, vp := range purchases {
		s.recordVariation(ctx, merchantID, order.ID, resolution.CustomerID, purchasedAt, opts.Source, vp, items, ot, log)
	}

	for i, item := range items {
		if item.Qualifying {
			summary.QualifyingItems++
			switch {
			case item.Error != "":
				summary.FailedItems++
			case item.Recorded:
				summary.RecordedItems++
			case item.Duplicate:
				summary.DuplicateItems++
			}
			summary.RewardsEarned += item.RewardsEarned
		}

		ot.Span(tracing.SpanLineItemEvaluated, map[string]any{
			"index":        i,
			"variation_id": item.VariationID,
			"quantity":     item.Quantity,
			"qualifying":   item.Qualifying,
			"reason":       item.Reason,
			"recorded":     item.Recorded,
		})
	}
	res.LineItemResults = items

	if summary.QualifyingItems == 0 {
		err := s.DB.InsertProcessedOrder(ctx, models.ProcessedOrder{
			MerchantID:       merchantID,
			SquareOrderID:    order.ID,
			SquareCustomerID: resolution.CustomerID,
			ResultType:       ReasonNoQualifyingItems,
			QualifyingItems:  0,
			TotalLineItems:   summary.TotalLineItems,
			TraceID:          traceID,
			Source:           opts.Source,
			ProcessedAt:      s.Now(),
		})
		if err != nil {
			return fail(err)
		}
		ot.Span(tracing.SpanOrderSuppressed, map[string]any{"result_type": ReasonNoQualifyingItems})
		return finish(ReasonNoQualifyingItems), nil
	}

	res.Processed = true
	return finish(""), nil
}

// evaluateLineItem classifies a line without touching the store.
func (s *Service) evaluateLineItem(order models.Order, index int, li models.LineItem, qualifying catalog.VariationSet) LineItemResult {
	item := LineItemResult{
		Index:       index,
		UID:         li.UID,
		VariationID: li.CatalogID(),
		Name:        li.Name,
		Quantity:    li.IntQuantity(),
	}

	switch {
	case item.VariationID == "":
		item.Reason = ReasonNoVariationID
	case item.Quantity <= 0:
		item.Reason = ReasonZeroQuantity
	case li.TotalCents() == 0 && isRedemptionLine(order, li):
		item.Reason = ReasonLoyaltyRedemption
	case !qualifying.Contains(item.VariationID):
		item.Reason = ReasonNotQualifyingVariation
	default:
		item.Qualifying = true
		item.UnitPriceCents = unitPrice(li.TotalCents(), item.Quantity)
	}
	return item
}

// variationPurchase is the combined quantity of one variation across the
// qualifying lines of an order.
type variationPurchase struct {
	variationID string
	lines       []int
	quantity    int
	totalCents  int64
}

// recordVariation records one variation's combined purchase and copies the
// outcome onto each contributing line. Rewards are attributed to the first
// line only so summing lines does not double count.
func (s *Service) recordVariation(ctx context.Context, merchantID, orderID, customerID string, purchasedAt time.Time, source string, vp *variationPurchase, items []LineItemResult, ot *tracing.OrderTracer, log *slog.Logger) {
	purchase, err := s.Recorder.RecordPurchase(ctx, merchantID, loyalty.PurchaseInput{
		SquareOrderID:    orderID,
		SquareCustomerID: customerID,
		VariationID:      vp.variationID,
		Quantity:         vp.quantity,
		UnitPriceCents:   unitPrice(vp.totalCents, vp.quantity),
		TotalPriceCents:  vp.totalCents,
		PurchasedAt:      purchasedAt,
		TraceID:          ot.ID(),
		Source:           source,
	}, ot)
	if err != nil {
		log.Error("failed to record line item",
			"customer_id", customerID,
			"variation_id", vp.variationID,
			"lines", len(vp.lines),
			"error", err,
		)
	}

	for n, i := range vp.lines {
		item := &items[i]
		if err != nil {
			item.Error = err.Error()
			continue
		}
		item.Recorded = purchase.Recorded
		item.Duplicate = purchase.Reason == loyalty.ReasonDuplicate
		item.Offers = purchase.Results
		if n == 0 {
			item.RewardsEarned = purchase.RewardsEarned()
		}
		if !purchase.Recorded {
			item.Reason = purchase.Reason
		}
	}
}

// RecordManualPurchase records a staff-entered purchase under its own trace.
func (s *Service) RecordManualPurchase(ctx context.Context, merchantID string, in loyalty.PurchaseInput) (ManualPurchaseResult, error) {
	if in.Source == "" {
		in.Source = models.SourceManual
	}
	if in.PurchasedAt.IsZero() {
		in.PurchasedAt = s.Now()
	}

	ot := s.Tracer.NewOrderTracer()
	ctx, _ = ot.Start(ctx, map[string]any{
		"merchant_id": merchantID,
		"order_id":    in.SquareOrderID,
		"source":      in.Source,
	})

	res, err := s.Recorder.RecordPurchase(ctx, merchantID, in, ot)
	trace := ot.End()
	if err != nil {
		return ManualPurchaseResult{Trace: trace}, err
	}
	return ManualPurchaseResult{PurchaseResult: res, Trace: trace}, nil
}

// RedeemReward redeems a reward under its own trace.
func (s *Service) RedeemReward(ctx context.Context, merchantID, rewardID string, in loyalty.RedeemInput) (loyalty.RedeemResult, error) {
	ot := s.Tracer.NewOrderTracer()
	ctx, _ = ot.Start(ctx, map[string]any{"merchant_id": merchantID, "reward_id": rewardID})
	defer ot.End()
	return s.Rewards.RedeemReward(ctx, merchantID, rewardID, in, ot)
}

// ExpireRewards runs one expiry sweep for a merchant.
func (s *Service) ExpireRewards(ctx context.Context, merchantID string) (loyalty.ExpireResult, error) {
	ot := s.Tracer.NewOrderTracer()
	ctx, _ = ot.Start(ctx, map[string]any{"merchant_id": merchantID})
	defer ot.End()
	return s.Rewards.ExpireRewards(ctx, merchantID, ot)
}

// Catchup processes the merchant's completed orders closed in [since, until)
// that have not been suppressed. A failing order is counted and skipped.
func (s *Service) Catchup(ctx context.Context, merchantID string, since, until time.Time) (CatchupResult, error) {
	result := CatchupResult{MerchantID: merchantID}

	p := s.platform(merchantID)
	if p == nil {
		return result, ErrNoPlatform
	}
	orders, err := p.SearchCompletedOrders(ctx, since, until)
	if err != nil {
		return result, fmt.Errorf("failed to search orders for merchant %s: %w", merchantID, err)
	}

	for i := range orders {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		order := orders[i]
		result.Scanned++

		done, err := s.DB.IsOrderProcessed(ctx, merchantID, order.ID)
		if err != nil {
			return result, err
		}
		if done {
			result.Skipped++
			continue
		}

		if _, err := s.ProcessOrder(ctx, merchantID, &order, ProcessOptions{Source: models.SourceCatchup}); err != nil {
			result.Failed++
			continue
		}
		result.Processed++
	}

	s.Logger.Info("catchup finished",
		"merchant_id", merchantID,
		"scanned", result.Scanned,
		"skipped", result.Skipped,
		"processed", result.Processed,
		"failed", result.Failed,
	)
	return result, nil
}

// CatchupAll sweeps several merchants concurrently. A merchant that fails is
// reported in its result and does not stop the others.
func (s *Service) CatchupAll(ctx context.Context, merchantIDs []string, since, until time.Time) ([]CatchupResult, error) {
	results := make([]CatchupResult, len(merchantIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.CatchupConcurrency)
	for i, merchantID := range merchantIDs {
		g.Go(func() error {
			res, err := s.Catchup(gctx, merchantID, since, until)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res.Error = err.Error()
				s.Logger.Error("catchup failed", "merchant_id", merchantID, "error", err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func isRedemptionLine(order models.Order, li models.LineItem) bool {
	for _, name := range order.DiscountNames(li) {
		if redemptionDiscount.MatchString(name) {
			return true
		}
	}
	return false
}

// unitPrice divides the line total by quantity, rounding half up.
func unitPrice(total int64, qty int) int64 {
	if qty <= 0 {
		return 0
	}
	q := int64(qty)
	return (total + q/2) / q
}

// orderTime is when the purchase happened: close time, else creation time,
// else fallback.
func orderTime(order *models.Order, fallback time.Time) time.Time {
	for _, s := range []string{order.ClosedAt, order.CreatedAt} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

func itemOutcome(item LineItemResult) string {
	if item.Qualifying {
		return "qualifying"
	}
	return item.Reason
}
