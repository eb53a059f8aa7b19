package models

import "time"

// Ingestion sources recorded on purchase events and processed orders.
const (
	SourceWebhook = "webhook"
	SourceCatchup = "catchup"
	SourceManual  = "manual"
	SourceAPI     = "api"
)

// Reward types an offer can grant.
const (
	RewardTypeFreeItem        = "free_item"
	RewardTypeDiscountAmount  = "discount_amount"
	RewardTypeDiscountPercent = "discount_percent"
)

// PurchaseInput is one qualifying line item handed to the recorder.
type PurchaseInput struct {
	SquareOrderID    string    `json:"square_order_id"`
	SquareCustomerID string    `json:"square_customer_id"`
	VariationID      string    `json:"variation_id"`
	Quantity         int       `json:"quantity"`
	UnitPriceCents   int64     `json:"unit_price_cents"`
	TotalPriceCents  int64     `json:"total_price_cents"` // 0 = unit * quantity
	PurchasedAt      time.Time `json:"purchased_at"`
	TraceID          string    `json:"trace_id,omitempty"`
	Source           string    `json:"source,omitempty"`
}

// Total returns the line total, deriving it from the unit price when unset.
func (p PurchaseInput) Total() int64 {
	if p.TotalPriceCents > 0 {
		return p.TotalPriceCents
	}
	return p.UnitPriceCents * int64(p.Quantity)
}

// RedeemInput describes how an earned reward is being spent.
type RedeemInput struct {
	SquareOrderID       string `json:"square_order_id"`
	RedemptionType      string `json:"redemption_type"`
	RedeemedVariationID string `json:"redeemed_variation_id"`
	// RedeemedValueCents defaults to the offer's reward value when nil.
	RedeemedValueCents *int64 `json:"redeemed_value_cents,omitempty"`
	RedeemedByUserID   string `json:"redeemed_by_user_id"`
	AdminNotes         string `json:"admin_notes"`
}

// OfferInput creates an offer.
type OfferInput struct {
	OfferName         string `json:"offer_name"`
	BrandName         string `json:"brand_name"`
	SizeGroup         string `json:"size_group"`
	RequiredQuantity  int    `json:"required_quantity"`
	WindowMonths      int    `json:"window_months"`
	WindowDays        int    `json:"window_days"`
	RewardType        string `json:"reward_type"`
	RewardValueCents  int64  `json:"reward_value_cents"`
	RewardDescription string `json:"reward_description"`
	RewardExpiryDays  int    `json:"reward_expiry_days"`
}

// VariationInput whitelists a variation for an offer.
type VariationInput struct {
	VariationID   string `json:"variation_id"`
	ItemName      string `json:"item_name"`
	VariationName string `json:"variation_name"`
}
