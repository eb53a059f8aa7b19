package validation

import (
	"errors"
	"testing"
	"time"

	"loyalty-engine/internal/models"
)

func validPurchase() models.PurchaseInput {
	return models.PurchaseInput{
		SquareOrderID:    "ORD-1",
		SquareCustomerID: "CUST-1",
		VariationID:      "VAR-1",
		Quantity:         2,
		UnitPriceCents:   450,
		PurchasedAt:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestValidatePurchase(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.PurchaseInput)
		field   string
		wantErr bool
	}{
		{name: "valid", mutate: func(*models.PurchaseInput) {}},
		{name: "missing order", mutate: func(p *models.PurchaseInput) { p.SquareOrderID = "" }, field: "square_order_id", wantErr: true},
		{name: "missing customer", mutate: func(p *models.PurchaseInput) { p.SquareCustomerID = "" }, field: "square_customer_id", wantErr: true},
		{name: "bad variation", mutate: func(p *models.PurchaseInput) { p.VariationID = "a b" }, field: "variation_id", wantErr: true},
		{name: "zero quantity", mutate: func(p *models.PurchaseInput) { p.Quantity = 0 }, field: "quantity", wantErr: true},
		{name: "negative price", mutate: func(p *models.PurchaseInput) { p.UnitPriceCents = -1 }, field: "unit_price_cents", wantErr: true},
		{name: "missing time", mutate: func(p *models.PurchaseInput) { p.PurchasedAt = time.Time{} }, field: "purchased_at", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validPurchase()
			tt.mutate(&in)
			err := ValidatePurchase(in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePurchase() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if vErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", vErr.Field, tt.field)
			}
		})
	}
}

func TestPurchaseInputTotal(t *testing.T) {
	in := validPurchase()
	if got := in.Total(); got != 900 {
		t.Errorf("Total() = %d, want 900", got)
	}
	in.TotalPriceCents = 850
	if got := in.Total(); got != 850 {
		t.Errorf("Total() = %d, want 850", got)
	}
}

func TestValidateOffer(t *testing.T) {
	base := models.OfferInput{
		OfferName:        "Buy 8 get 1",
		BrandName:        "Acme",
		SizeGroup:        "12oz",
		RequiredQuantity: 8,
		RewardType:       models.RewardTypeFreeItem,
	}
	if err := ValidateOffer(base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := map[string]func(*models.OfferInput){
		"brand_name":         func(o *models.OfferInput) { o.BrandName = "  " },
		"required_quantity":  func(o *models.OfferInput) { o.RequiredQuantity = 0 },
		"window_days":        func(o *models.OfferInput) { o.WindowDays = -1 },
		"reward_type":        func(o *models.OfferInput) { o.RewardType = "cashback" },
		"reward_expiry_days": func(o *models.OfferInput) { o.RewardExpiryDays = -5 },
	}
	for field, mutate := range cases {
		in := base
		mutate(&in)
		var vErr *ValidationError
		if err := ValidateOffer(in); !errors.As(err, &vErr) || vErr.Field != field {
			t.Errorf("%s: got %v", field, err)
		}
	}
}

func TestValidateRedeem(t *testing.T) {
	neg := int64(-1)
	if err := ValidateRedeem(models.RedeemInput{RedeemedValueCents: &neg}); err == nil {
		t.Error("expected error for negative value")
	}
	if err := ValidateRedeem(models.RedeemInput{SquareOrderID: "ORD-9"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  ab\x00c\t "); got != "abc" {
		t.Errorf("SanitizeString() = %q", got)
	}
}

func TestValidateTimeString(t *testing.T) {
	if _, err := ValidateTimeString("since", "yesterday"); err == nil {
		t.Error("expected error for non-RFC3339 value")
	}
	got, err := ValidateTimeString("since", "2025-02-01T10:00:00+02:00")
	if err != nil {
		t.Fatal(err)
	}
	if got.Hour() != 8 || got.Location() != time.UTC {
		t.Errorf("expected UTC conversion, got %v", got)
	}
}
