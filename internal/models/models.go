package models

import "time"

// RewardStatus is the lifecycle state of a reward.
type RewardStatus string

const (
	RewardInProgress RewardStatus = "in_progress"
	RewardEarned     RewardStatus = "earned"
	RewardRedeemed   RewardStatus = "redeemed"
	RewardExpired    RewardStatus = "expired"
	RewardRevoked    RewardStatus = "revoked"
)

// DefaultWindowMonths is used when an offer specifies neither months nor days.
const DefaultWindowMonths = 12

// Offer is a frequent-buyer promotion for one brand and size group.
type Offer struct {
	ID                string    `json:"id"`          // uuid
	MerchantID        string    `json:"merchant_id"` // tenant
	OfferName         string    `json:"offer_name"`
	BrandName         string    `json:"brand_name"`
	SizeGroup         string    `json:"size_group"`
	RequiredQuantity  int       `json:"required_quantity"` // fixed after creation
	WindowMonths      int       `json:"window_months"`
	WindowDays        int       `json:"window_days"` // wins over months when > 0
	RewardType        string    `json:"reward_type"` // e.g. "free_item"
	RewardValueCents  int64     `json:"reward_value_cents"`
	RewardDescription string    `json:"reward_description"`
	RewardExpiryDays  int       `json:"reward_expiry_days"` // 0 = never
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WindowStart returns the start of the rolling window ending at now.
func (o Offer) WindowStart(now time.Time) time.Time {
	if o.WindowDays > 0 {
		return now.AddDate(0, 0, -o.WindowDays)
	}
	months := o.WindowMonths
	if months <= 0 {
		months = DefaultWindowMonths
	}
	return now.AddDate(0, -months, 0)
}

// RewardExpiry returns when a reward earned at earnedAt expires, or nil.
func (o Offer) RewardExpiry(earnedAt time.Time) *time.Time {
	if o.RewardExpiryDays <= 0 {
		return nil
	}
	t := earnedAt.AddDate(0, 0, o.RewardExpiryDays)
	return &t
}

// QualifyingVariation whitelists a catalog variation for an offer.
type QualifyingVariation struct {
	MerchantID    string    `json:"merchant_id"`
	OfferID       string    `json:"offer_id"`
	VariationID   string    `json:"variation_id"`
	ItemName      string    `json:"item_name"`
	VariationName string    `json:"variation_name"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// PurchaseEvent is one qualifying line item counted toward one offer.
type PurchaseEvent struct {
	ID               string    `json:"id"`
	MerchantID       string    `json:"merchant_id"`
	OfferID          string    `json:"offer_id"`
	SquareCustomerID string    `json:"square_customer_id"`
	SquareOrderID    string    `json:"square_order_id"`
	VariationID      string    `json:"variation_id"`
	Quantity         int       `json:"quantity"`
	UnitPriceCents   int64     `json:"unit_price_cents"`
	TotalPriceCents  int64     `json:"total_price_cents"`
	PurchasedAt      time.Time `json:"purchased_at"`
	TraceID          string    `json:"trace_id,omitempty"`
	LockedToRewardID *string   `json:"locked_to_reward_id,omitempty"`
	SplitSeq         int       `json:"split_seq"`
	Source           string    `json:"source,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Reward tracks progress toward, and the earned state of, one offer for one customer.
type Reward struct {
	ID               string       `json:"id"`
	MerchantID       string       `json:"merchant_id"`
	OfferID          string       `json:"offer_id"`
	SquareCustomerID string       `json:"square_customer_id"`
	Status           RewardStatus `json:"status"`
	ProgressQuantity int          `json:"progress_quantity"`
	EarnedAt         *time.Time   `json:"earned_at,omitempty"`
	RedeemedAt       *time.Time   `json:"redeemed_at,omitempty"`
	RedeemedOrderID  *string      `json:"redeemed_order_id,omitempty"`
	ExpiresAt        *time.Time   `json:"expires_at,omitempty"`
	TraceID          string       `json:"trace_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Expired reports whether the reward's expiry has passed at now.
func (r Reward) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// Redemption is the append-only audit row for a redeemed reward.
type Redemption struct {
	ID                  string    `json:"id"`
	MerchantID          string    `json:"merchant_id"`
	RewardID            string    `json:"reward_id"`
	OfferID             string    `json:"offer_id"`
	SquareCustomerID    string    `json:"square_customer_id"`
	SquareOrderID       string    `json:"square_order_id"`
	RedemptionType      string    `json:"redemption_type"`
	RedeemedVariationID string    `json:"redeemed_variation_id,omitempty"`
	RedeemedValueCents  int64     `json:"redeemed_value_cents"`
	RedeemedByUserID    string    `json:"redeemed_by_user_id,omitempty"`
	AdminNotes          string    `json:"admin_notes,omitempty"`
	TraceID             string    `json:"trace_id,omitempty"`
	RedeemedAt          time.Time `json:"redeemed_at"`
}

// ProcessedOrder suppresses repeated evaluation of an order that yielded nothing.
type ProcessedOrder struct {
	MerchantID       string    `json:"merchant_id"`
	SquareOrderID    string    `json:"square_order_id"`
	SquareCustomerID string    `json:"square_customer_id,omitempty"`
	ResultType       string    `json:"result_type"`
	QualifyingItems  int       `json:"qualifying_items"`
	TotalLineItems   int       `json:"total_line_items"`
	TraceID          string    `json:"trace_id,omitempty"`
	Source           string    `json:"source"`
	ProcessedAt      time.Time `json:"processed_at"`
}

// CustomerInfo is the display info cached for reporting.
type CustomerInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
