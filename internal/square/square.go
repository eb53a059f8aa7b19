// Package square talks to the POS platform's order, customer and loyalty
// APIs. The engine only depends on the interfaces declared here.
package square

import (
	"context"
	"errors"
	"time"

	"loyalty-engine/internal/models"
)

// ErrNotFound is returned when the platform reports a missing object.
var ErrNotFound = errors.New("square: object not found")

// OrderSource reads orders.
type OrderSource interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	SearchCompletedOrders(ctx context.Context, since, until time.Time) ([]models.Order, error)
}

// CustomerDirectory reads customers.
type CustomerDirectory interface {
	SearchCustomers(ctx context.Context, filter CustomerFilter) ([]Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)
}

// LoyaltyBridge reads the platform's own loyalty program.
type LoyaltyBridge interface {
	SearchLoyaltyEvents(ctx context.Context, orderID string) ([]LoyaltyEvent, error)
	GetLoyaltyAccount(ctx context.Context, accountID string) (*LoyaltyAccount, error)
}

// Platform is everything the engine consumes from the POS.
type Platform interface {
	OrderSource
	CustomerDirectory
	LoyaltyBridge
}

// Connector resolves the platform client of a merchant.
type Connector interface {
	Platform(merchantID string) (Platform, error)
}

// CustomerFilter selects customers by exact phone or fuzzy email.
type CustomerFilter struct {
	PhoneExact string
	EmailFuzzy string
	Limit      int
}

// Customer is a directory entry.
type Customer struct {
	ID           string `json:"id"`
	GivenName    string `json:"given_name,omitempty"`
	FamilyName   string `json:"family_name,omitempty"`
	CompanyName  string `json:"company_name,omitempty"`
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

// DisplayName joins the available name parts.
func (c Customer) DisplayName() string {
	switch {
	case c.GivenName != "" && c.FamilyName != "":
		return c.GivenName + " " + c.FamilyName
	case c.GivenName != "":
		return c.GivenName
	case c.FamilyName != "":
		return c.FamilyName
	default:
		return c.CompanyName
	}
}

// LoyaltyEvent is a platform loyalty event tied to an order.
type LoyaltyEvent struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	LoyaltyAccountID string `json:"loyalty_account_id"`
	OrderID          string `json:"order_id,omitempty"`
}

// LoyaltyAccount is a platform loyalty account.
type LoyaltyAccount struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	ProgramID  string `json:"program_id,omitempty"`
}
