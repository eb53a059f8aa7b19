// Package customer works out which POS customer an order belongs to.
package customer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"loyalty-engine/internal/cache"
	"loyalty-engine/internal/features"
	"loyalty-engine/internal/metrics"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/square"
)

// Identification methods, in the order they are attempted.
const (
	MethodOrderCustomerID      = "ORDER_CUSTOMER_ID"
	MethodTenderCustomerID     = "TENDER_CUSTOMER_ID"
	MethodLoyaltyAPI           = "LOYALTY_API"
	MethodFulfillmentRecipient = "FULFILLMENT_RECIPIENT"
	MethodNone                 = "NONE"
)

const defaultCacheTTL = 24 * time.Hour

// Strategy is one way of finding the customer on an order. TryResolve
// returns "" when the strategy found nothing.
type Strategy interface {
	Method() string
	TryResolve(ctx context.Context, order *models.Order) (string, error)
}

// Resolution is the outcome of IdentifyCustomerFromOrder.
type Resolution struct {
	CustomerID string   `json:"customer_id,omitempty"`
	Method     string   `json:"method"`
	Success    bool     `json:"success"`
	Attempted  []string `json:"attempted"`
}

// Resolver runs the identification strategies in order and stops at the
// first match.
type Resolver struct {
	logger   *slog.Logger
	features *features.Manager
	metrics  *metrics.Metrics
	cache    cache.Cache
	cacheTTL time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithFeatures gates the recipient lookup and display cache.
func WithFeatures(f *features.Manager) Option {
	return func(r *Resolver) { r.features = f }
}

// WithMetrics counts resolutions by method.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithCache stores resolved customers' display info in c for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(r *Resolver) {
		r.cache = c
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// NewResolver creates a customer resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		logger:   slog.Default(),
		cacheTTL: defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Strategies returns the built-in chain for a merchant's platform. A nil
// platform leaves only the strategies that read the order itself.
func (r *Resolver) Strategies(platform square.Platform) []Strategy {
	chain := []Strategy{OrderCustomer{}, TenderCustomer{}}
	if platform == nil {
		return chain
	}
	chain = append(chain, LoyaltyLookup{Bridge: platform})
	if r.features.IsEnabled(features.RecipientLookup) {
		chain = append(chain, RecipientLookup{Directory: platform})
	}
	return chain
}

// IdentifyCustomerFromOrder tries every strategy until one returns a
// customer id. Strategy errors are logged and the next strategy runs.
func (r *Resolver) IdentifyCustomerFromOrder(ctx context.Context, merchantID string, platform square.Platform, order *models.Order) Resolution {
	return r.Identify(ctx, merchantID, platform, order, r.Strategies(platform))
}

// Identify runs an explicit strategy chain.
func (r *Resolver) Identify(ctx context.Context, merchantID string, platform square.Platform, order *models.Order, chain []Strategy) Resolution {
	res := Resolution{Method: MethodNone, Attempted: make([]string, 0, len(chain))}

	for _, s := range chain {
		res.Attempted = append(res.Attempted, s.Method())

		id, err := s.TryResolve(ctx, order)
		if err != nil {
			r.logger.Warn("customer identification strategy failed",
				"merchant_id", merchantID,
				"order_id", order.ID,
				"method", s.Method(),
				"error", err,
			)
			continue
		}
		if id == "" {
			continue
		}

		res.CustomerID = id
		res.Method = s.Method()
		res.Success = true
		break
	}

	r.metrics.IncCustomerResolved(res.Method)

	if !res.Success {
		r.logger.Info("customer not identified",
			"merchant_id", merchantID,
			"order_id", order.ID,
			"attempted", res.Attempted,
		)
		return res
	}

	r.logger.Debug("customer identified",
		"merchant_id", merchantID,
		"order_id", order.ID,
		"customer_id", res.CustomerID,
		"method", res.Method,
	)
	r.cacheCustomer(ctx, merchantID, platform, res.CustomerID)
	return res
}

// CachedCustomer returns the display info stored for a customer.
func (r *Resolver) CachedCustomer(ctx context.Context, merchantID, customerID string) (*models.CustomerInfo, error) {
	if r.cache == nil {
		return nil, cache.ErrNotFound
	}
	var info models.CustomerInfo
	if err := cache.GetJSON(ctx, r.cache, cache.CustomerKey(merchantID, customerID), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *Resolver) cacheCustomer(ctx context.Context, merchantID string, platform square.Platform, customerID string) {
	if r.cache == nil || platform == nil || !r.features.IsEnabled(features.CustomerCache) {
		return
	}

	c, err := platform.GetCustomer(ctx, customerID)
	if err != nil {
		r.logger.Warn("failed to fetch customer for display cache",
			"merchant_id", merchantID, "customer_id", customerID, "error", err)
		return
	}

	info := models.CustomerInfo{
		ID:    c.ID,
		Name:  c.DisplayName(),
		Phone: c.PhoneNumber,
		Email: c.EmailAddress,
	}
	if err := cache.SetJSON(ctx, r.cache, cache.CustomerKey(merchantID, customerID), info, r.cacheTTL); err != nil {
		r.logger.Warn("failed to cache customer display info",
			"merchant_id", merchantID, "customer_id", customerID, "error", err)
	}
}

// OrderCustomer reads the customer id stamped on the order.
type OrderCustomer struct{}

func (OrderCustomer) Method() string { return MethodOrderCustomerID }

func (OrderCustomer) TryResolve(_ context.Context, order *models.Order) (string, error) {
	return strings.TrimSpace(order.CustomerID), nil
}

// TenderCustomer reads the first tender that carries a customer id.
type TenderCustomer struct{}

func (TenderCustomer) Method() string { return MethodTenderCustomerID }

func (TenderCustomer) TryResolve(_ context.Context, order *models.Order) (string, error) {
	for _, t := range order.Tenders {
		if id := strings.TrimSpace(t.CustomerID); id != "" {
			return id, nil
		}
	}
	return "", nil
}

// LoyaltyLookup maps the order's platform loyalty events to the owning
// account's customer.
type LoyaltyLookup struct {
	Bridge square.LoyaltyBridge
}

func (LoyaltyLookup) Method() string { return MethodLoyaltyAPI }

func (l LoyaltyLookup) TryResolve(ctx context.Context, order *models.Order) (string, error) {
	events, err := l.Bridge.SearchLoyaltyEvents(ctx, order.ID)
	if err != nil {
		return "", err
	}

	seen := make(map[string]bool)
	for _, e := range events {
		if e.LoyaltyAccountID == "" || seen[e.LoyaltyAccountID] {
			continue
		}
		seen[e.LoyaltyAccountID] = true

		account, err := l.Bridge.GetLoyaltyAccount(ctx, e.LoyaltyAccountID)
		if errors.Is(err, square.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if account.CustomerID != "" {
			return account.CustomerID, nil
		}
	}
	return "", nil
}

// RecipientLookup searches the directory by fulfillment recipient phone
// (exact), then email (fuzzy, accepted only on a case-insensitive match).
type RecipientLookup struct {
	Directory square.CustomerDirectory
}

func (RecipientLookup) Method() string { return MethodFulfillmentRecipient }

func (l RecipientLookup) TryResolve(ctx context.Context, order *models.Order) (string, error) {
	for _, rcpt := range order.Recipients() {
		if phone := strings.TrimSpace(rcpt.PhoneNumber); phone != "" {
			found, err := l.Directory.SearchCustomers(ctx, square.CustomerFilter{PhoneExact: phone, Limit: 1})
			if err != nil {
				return "", err
			}
			if len(found) > 0 {
				return found[0].ID, nil
			}
		}

		if email := strings.TrimSpace(rcpt.EmailAddress); email != "" {
			found, err := l.Directory.SearchCustomers(ctx, square.CustomerFilter{EmailFuzzy: email, Limit: 10})
			if err != nil {
				return "", err
			}
			for _, c := range found {
				if strings.EqualFold(c.EmailAddress, email) {
					return c.ID, nil
				}
			}
		}
	}
	return "", nil
}
