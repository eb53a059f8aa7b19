package models

import (
	"math"
	"strconv"
	"strings"
)

// OrderStateCompleted is the POS terminal state for a paid order.
const OrderStateCompleted = "COMPLETED"

// Money is an amount in the smallest currency unit.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

// Order mirrors the subset of the POS order payload the engine reads.
type Order struct {
	ID           string        `json:"id"`
	LocationID   string        `json:"location_id,omitempty"`
	State        string        `json:"state"`
	CreatedAt    string        `json:"created_at,omitempty"`
	ClosedAt     string        `json:"closed_at,omitempty"`
	CustomerID   string        `json:"customer_id,omitempty"`
	Tenders      []Tender      `json:"tenders,omitempty"`
	LineItems    []LineItem    `json:"line_items,omitempty"`
	Discounts    []Discount    `json:"discounts,omitempty"`
	Fulfillments []Fulfillment `json:"fulfillments,omitempty"`
}

// Tender is a payment attached to an order.
type Tender struct {
	ID         string `json:"id,omitempty"`
	Type       string `json:"type,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
}

// LineItem is one priced line on an order.
type LineItem struct {
	UID              string            `json:"uid,omitempty"`
	CatalogObjectID  string            `json:"catalog_object_id,omitempty"`
	VariationID      string            `json:"variation_id,omitempty"`
	Name             string            `json:"name,omitempty"`
	VariationName    string            `json:"variation_name,omitempty"`
	Quantity         string            `json:"quantity"`
	BasePriceMoney   *Money            `json:"base_price_money,omitempty"`
	TotalMoney       *Money            `json:"total_money,omitempty"`
	AppliedDiscounts []AppliedDiscount `json:"applied_discounts,omitempty"`
}

// AppliedDiscount links a line item to an order-level discount.
type AppliedDiscount struct {
	UID          string `json:"uid,omitempty"`
	DiscountUID  string `json:"discount_uid,omitempty"`
	Name         string `json:"name,omitempty"`
	AppliedMoney *Money `json:"applied_money,omitempty"`
}

// Discount is an order-level discount definition.
type Discount struct {
	UID  string `json:"uid,omitempty"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Fulfillment carries pickup/shipment/delivery details.
type Fulfillment struct {
	Type            string              `json:"type,omitempty"`
	State           string              `json:"state,omitempty"`
	PickupDetails   *FulfillmentDetails `json:"pickup_details,omitempty"`
	ShipmentDetails *FulfillmentDetails `json:"shipment_details,omitempty"`
	DeliveryDetails *FulfillmentDetails `json:"delivery_details,omitempty"`
}

// FulfillmentDetails holds the recipient of a fulfillment.
type FulfillmentDetails struct {
	Recipient *Recipient `json:"recipient,omitempty"`
}

// Recipient is the contact on a fulfillment.
type Recipient struct {
	CustomerID   string `json:"customer_id,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

// CatalogID returns the variation the line item references.
func (li LineItem) CatalogID() string {
	if li.CatalogObjectID != "" {
		return li.CatalogObjectID
	}
	return li.VariationID
}

// IntQuantity parses the decimal quantity string, truncating fractions.
func (li LineItem) IntQuantity() int {
	q := strings.TrimSpace(li.Quantity)
	if q == "" {
		return 0
	}
	if n, err := strconv.Atoi(q); err == nil {
		return n
	}
	f, err := strconv.ParseFloat(q, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int(math.Trunc(f))
}

// TotalCents returns the line total or zero when absent.
func (li LineItem) TotalCents() int64 {
	if li.TotalMoney == nil {
		return 0
	}
	return li.TotalMoney.Amount
}

// DiscountNames returns the names of the discounts applied to a line item,
// looked up on the order when the applied entry only carries a uid.
func (o Order) DiscountNames(li LineItem) []string {
	if len(li.AppliedDiscounts) == 0 {
		return nil
	}
	byUID := make(map[string]string, len(o.Discounts))
	for _, d := range o.Discounts {
		byUID[d.UID] = d.Name
	}
	names := make([]string, 0, len(li.AppliedDiscounts))
	for _, ad := range li.AppliedDiscounts {
		name := ad.Name
		if name == "" {
			name = byUID[ad.DiscountUID]
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Recipients returns every fulfillment recipient on the order.
func (o Order) Recipients() []Recipient {
	var out []Recipient
	for _, f := range o.Fulfillments {
		for _, d := range []*FulfillmentDetails{f.PickupDetails, f.ShipmentDetails, f.DeliveryDetails} {
			if d != nil && d.Recipient != nil {
				out = append(out, *d.Recipient)
			}
		}
	}
	return out
}
