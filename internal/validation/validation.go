package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"loyalty-engine/internal/models"
)

// Square object ids are opaque, but always short printable tokens.
var idRegex = regexp.MustCompile(`^[A-Za-z0-9_:\-#.]{1,191}$`)

const (
	maxRequiredQuantity = 1000
	maxWindowMonths     = 120
	maxWindowDays       = 3650
	maxLineQuantity     = 10_000
	maxAmountCents      = int64(100_000_000)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func required(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}

// ValidatePurchase checks a purchase before it reaches the recorder.
func ValidatePurchase(in models.PurchaseInput) error {
	if err := ValidateID(in.SquareOrderID, "square_order_id"); err != nil {
		return err
	}
	if err := ValidateID(in.SquareCustomerID, "square_customer_id"); err != nil {
		return err
	}
	if err := ValidateID(in.VariationID, "variation_id"); err != nil {
		return err
	}

	if in.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Message: "must be positive"}
	}
	if in.Quantity > maxLineQuantity {
		return &ValidationError{Field: "quantity", Message: "exceeds maximum line quantity"}
	}
	if in.UnitPriceCents < 0 {
		return &ValidationError{Field: "unit_price_cents", Message: "must be non-negative"}
	}
	if in.TotalPriceCents < 0 {
		return &ValidationError{Field: "total_price_cents", Message: "must be non-negative"}
	}
	if in.Total() > maxAmountCents {
		return &ValidationError{Field: "total_price_cents", Message: "exceeds maximum allowed amount"}
	}
	if in.PurchasedAt.IsZero() {
		return required("purchased_at")
	}
	return nil
}

// ValidateOffer checks an offer definition.
func ValidateOffer(in models.OfferInput) error {
	for _, f := range []struct{ name, value string }{
		{"offer_name", in.OfferName},
		{"brand_name", in.BrandName},
		{"size_group", in.SizeGroup},
	} {
		if SanitizeString(f.value) == "" {
			return required(f.name)
		}
		if len(f.value) > 200 {
			return &ValidationError{Field: f.name, Message: "cannot exceed 200 characters"}
		}
	}

	if in.RequiredQuantity <= 0 {
		return &ValidationError{Field: "required_quantity", Message: "must be positive"}
	}
	if in.RequiredQuantity > maxRequiredQuantity {
		return &ValidationError{Field: "required_quantity", Message: fmt.Sprintf("cannot exceed %d", maxRequiredQuantity)}
	}
	if in.WindowMonths < 0 || in.WindowMonths > maxWindowMonths {
		return &ValidationError{Field: "window_months", Message: fmt.Sprintf("must be between 0 and %d", maxWindowMonths)}
	}
	if in.WindowDays < 0 || in.WindowDays > maxWindowDays {
		return &ValidationError{Field: "window_days", Message: fmt.Sprintf("must be between 0 and %d", maxWindowDays)}
	}

	switch in.RewardType {
	case "", models.RewardTypeFreeItem, models.RewardTypeDiscountAmount:
	case models.RewardTypeDiscountPercent:
		if in.RewardValueCents > 100 {
			return &ValidationError{Field: "reward_value_cents", Message: "percent rewards cannot exceed 100"}
		}
	default:
		return &ValidationError{Field: "reward_type", Message: fmt.Sprintf("unsupported reward type %q", in.RewardType)}
	}
	if in.RewardValueCents < 0 {
		return &ValidationError{Field: "reward_value_cents", Message: "must be non-negative"}
	}
	if in.RewardExpiryDays < 0 {
		return &ValidationError{Field: "reward_expiry_days", Message: "must be non-negative"}
	}
	return nil
}

// ValidateVariation checks a qualifying variation entry.
func ValidateVariation(in models.VariationInput) error {
	return ValidateID(in.VariationID, "variation_id")
}

// ValidateRedeem checks a redemption request.
func ValidateRedeem(in models.RedeemInput) error {
	if in.SquareOrderID != "" {
		if err := ValidateID(in.SquareOrderID, "square_order_id"); err != nil {
			return err
		}
	}
	if in.RedeemedValueCents != nil && *in.RedeemedValueCents < 0 {
		return &ValidationError{Field: "redeemed_value_cents", Message: "must be non-negative"}
	}
	if len(in.AdminNotes) > 2000 {
		return &ValidationError{Field: "admin_notes", Message: "cannot exceed 2000 characters"}
	}
	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateID checks an opaque platform or engine identifier.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return required(fieldName)
	}

	if !idRegex.MatchString(SanitizeString(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "contains invalid characters",
		}
	}

	return nil
}

func ValidateTimeString(field, timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, required(field)
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   field,
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t.UTC(), nil
}
