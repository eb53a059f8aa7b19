// Package squaretest provides an in-memory square.Platform for tests.
package squaretest

import (
	"context"
	"strings"
	"sync"
	"time"

	"loyalty-engine/internal/models"
	"loyalty-engine/internal/square"
)

// Platform is a scriptable fake. Zero value is ready to use.
type Platform struct {
	mu sync.Mutex

	Orders          map[string]*models.Order
	Customers       map[string]square.Customer
	LoyaltyEvents   map[string][]square.LoyaltyEvent // by order id
	LoyaltyAccounts map[string]square.LoyaltyAccount

	// Err* force the matching call to fail.
	ErrGetOrder      error
	ErrSearchOrders  error
	ErrCustomers     error
	ErrLoyaltyEvents error

	Calls map[string]int
}

var _ square.Platform = (*Platform)(nil)

// New returns an empty fake platform.
func New() *Platform {
	return &Platform{
		Orders:          map[string]*models.Order{},
		Customers:       map[string]square.Customer{},
		LoyaltyEvents:   map[string][]square.LoyaltyEvent{},
		LoyaltyAccounts: map[string]square.LoyaltyAccount{},
		Calls:           map[string]int{},
	}
}

// CallCount returns how often a method was invoked.
func (p *Platform) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls[method]
}

func (p *Platform) record(method string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Calls == nil {
		p.Calls = map[string]int{}
	}
	p.Calls[method]++
}

func (p *Platform) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	p.record("GetOrder")
	if p.ErrGetOrder != nil {
		return nil, p.ErrGetOrder
	}
	o, ok := p.Orders[orderID]
	if !ok {
		return nil, square.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// SearchCompletedOrders filters on ClosedAt (RFC3339), falling back to
// CreatedAt.
func (p *Platform) SearchCompletedOrders(_ context.Context, since, until time.Time) ([]models.Order, error) {
	p.record("SearchCompletedOrders")
	if p.ErrSearchOrders != nil {
		return nil, p.ErrSearchOrders
	}
	var out []models.Order
	for _, o := range p.Orders {
		if o.State != models.OrderStateCompleted {
			continue
		}
		ts := o.ClosedAt
		if ts == "" {
			ts = o.CreatedAt
		}
		at, err := time.Parse(time.RFC3339, ts)
		if err != nil || at.Before(since) || !at.Before(until) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (p *Platform) SearchCustomers(_ context.Context, f square.CustomerFilter) ([]square.Customer, error) {
	p.record("SearchCustomers")
	if p.ErrCustomers != nil {
		return nil, p.ErrCustomers
	}
	var out []square.Customer
	for _, c := range p.Customers {
		switch {
		case f.PhoneExact != "" && c.PhoneNumber == f.PhoneExact:
			out = append(out, c)
		case f.EmailFuzzy != "" && strings.Contains(strings.ToLower(c.EmailAddress), strings.ToLower(f.EmailFuzzy)):
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *Platform) GetCustomer(_ context.Context, customerID string) (*square.Customer, error) {
	p.record("GetCustomer")
	if p.ErrCustomers != nil {
		return nil, p.ErrCustomers
	}
	c, ok := p.Customers[customerID]
	if !ok {
		return nil, square.ErrNotFound
	}
	return &c, nil
}

func (p *Platform) SearchLoyaltyEvents(_ context.Context, orderID string) ([]square.LoyaltyEvent, error) {
	p.record("SearchLoyaltyEvents")
	if p.ErrLoyaltyEvents != nil {
		return nil, p.ErrLoyaltyEvents
	}
	return p.LoyaltyEvents[orderID], nil
}

func (p *Platform) GetLoyaltyAccount(_ context.Context, accountID string) (*square.LoyaltyAccount, error) {
	p.record("GetLoyaltyAccount")
	a, ok := p.LoyaltyAccounts[accountID]
	if !ok {
		return nil, square.ErrNotFound
	}
	return &a, nil
}

// Connector hands the same fake to every merchant listed in Merchants, or
// to any merchant when Merchants is empty.
type Connector struct {
	Fake      *Platform
	Merchants []string
}

func (c Connector) Platform(merchantID string) (square.Platform, error) {
	if len(c.Merchants) == 0 {
		return c.Fake, nil
	}
	for _, m := range c.Merchants {
		if m == merchantID {
			return c.Fake, nil
		}
	}
	return nil, square.ErrNotFound
}
