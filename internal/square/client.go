package square

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"loyalty-engine/internal/models"
)

const (
	defaultBaseURL   = "https://connect.squareup.com"
	defaultVersion   = "2024-10-17"
	maxResponseBytes = 8 << 20
	searchPageLimit  = 100
)

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL     string
	Version     string
	AccessToken string
	LocationIDs []string
	HTTPClient  *http.Client
}

// Client implements Platform over the POS REST API.
type Client struct {
	baseURL     string
	version     string
	token       string
	locationIDs []string
	http        *http.Client
}

// NewClient creates a new platform client.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		version:     cfg.Version,
		token:       cfg.AccessToken,
		locationIDs: cfg.LocationIDs,
		http:        cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.version == "" {
		c.version = defaultVersion
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	return c
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Errors     []struct {
		Category string `json:"category"`
		Code     string `json:"code"`
		Detail   string `json:"detail"`
	} `json:"errors"`
}

func (e *APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("square: status %d: %s: %s", e.StatusCode, e.Errors[0].Code, e.Errors[0].Detail)
	}
	return fmt.Sprintf("square: status %d", e.StatusCode)
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var resp struct {
		Order *models.Order `json:"order"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(orderID), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	if resp.Order == nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, ErrNotFound)
	}
	return resp.Order, nil
}

// SearchCompletedOrders pages through orders closed in [since, until).
func (c *Client) SearchCompletedOrders(ctx context.Context, since, until time.Time) ([]models.Order, error) {
	type closedAt struct {
		StartAt string `json:"start_at"`
		EndAt   string `json:"end_at"`
	}
	body := map[string]any{
		"location_ids": c.locationIDs,
		"limit":        searchPageLimit,
		"query": map[string]any{
			"filter": map[string]any{
				"state_filter": map[string]any{"states": []string{models.OrderStateCompleted}},
				"date_time_filter": map[string]any{
					"closed_at": closedAt{
						StartAt: since.UTC().Format(time.RFC3339),
						EndAt:   until.UTC().Format(time.RFC3339),
					},
				},
			},
			"sort": map[string]any{"sort_field": "CLOSED_AT", "sort_order": "ASC"},
		},
	}

	var orders []models.Order
	for {
		var resp struct {
			Orders []models.Order `json:"orders"`
			Cursor string         `json:"cursor"`
		}
		if err := c.do(ctx, http.MethodPost, "/v2/orders/search", body, &resp); err != nil {
			return nil, fmt.Errorf("failed to search orders: %w", err)
		}
		orders = append(orders, resp.Orders...)
		if resp.Cursor == "" {
			return orders, nil
		}
		body["cursor"] = resp.Cursor
	}
}

// SearchCustomers looks customers up by phone (exact) or email (fuzzy).
func (c *Client) SearchCustomers(ctx context.Context, filter CustomerFilter) ([]Customer, error) {
	f := map[string]any{}
	if filter.PhoneExact != "" {
		f["phone_number"] = map[string]string{"exact": filter.PhoneExact}
	}
	if filter.EmailFuzzy != "" {
		f["email_address"] = map[string]string{"fuzzy": filter.EmailFuzzy}
	}
	if len(f) == 0 {
		return nil, fmt.Errorf("customer search needs a phone or email filter")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	var resp struct {
		Customers []Customer `json:"customers"`
	}
	body := map[string]any{"limit": limit, "query": map[string]any{"filter": f}}
	if err := c.do(ctx, http.MethodPost, "/v2/customers/search", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to search customers: %w", err)
	}
	return resp.Customers, nil
}

// GetCustomer fetches one customer.
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	var resp struct {
		Customer *Customer `json:"customer"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/customers/"+url.PathEscape(customerID), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get customer %s: %w", customerID, err)
	}
	if resp.Customer == nil {
		return nil, fmt.Errorf("failed to get customer %s: %w", customerID, ErrNotFound)
	}
	return resp.Customer, nil
}

// SearchLoyaltyEvents returns the loyalty events recorded for an order.
func (c *Client) SearchLoyaltyEvents(ctx context.Context, orderID string) ([]LoyaltyEvent, error) {
	var resp struct {
		Events []struct {
			ID               string `json:"id"`
			Type             string `json:"type"`
			LoyaltyAccountID string `json:"loyalty_account_id"`
			AccumulatePoints *struct {
				OrderID string `json:"order_id"`
			} `json:"accumulate_points,omitempty"`
		} `json:"events"`
	}
	body := map[string]any{
		"limit": 30,
		"query": map[string]any{
			"filter": map[string]any{
				"order_filter": map[string]string{"order_id": orderID},
			},
		},
	}
	if err := c.do(ctx, http.MethodPost, "/v2/loyalty/events/search", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to search loyalty events for order %s: %w", orderID, err)
	}

	events := make([]LoyaltyEvent, 0, len(resp.Events))
	for _, e := range resp.Events {
		ev := LoyaltyEvent{ID: e.ID, Type: e.Type, LoyaltyAccountID: e.LoyaltyAccountID, OrderID: orderID}
		if e.AccumulatePoints != nil && e.AccumulatePoints.OrderID != "" {
			ev.OrderID = e.AccumulatePoints.OrderID
		}
		events = append(events, ev)
	}
	return events, nil
}

// GetLoyaltyAccount fetches a loyalty account.
func (c *Client) GetLoyaltyAccount(ctx context.Context, accountID string) (*LoyaltyAccount, error) {
	var resp struct {
		LoyaltyAccount *LoyaltyAccount `json:"loyalty_account"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/loyalty/accounts/"+url.PathEscape(accountID), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get loyalty account %s: %w", accountID, err)
	}
	if resp.LoyaltyAccount == nil {
		return nil, fmt.Errorf("failed to get loyalty account %s: %w", accountID, ErrNotFound)
	}
	return resp.LoyaltyAccount, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Square-Version", c.version)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// StaticConnector builds clients from a merchant → access token map.
type StaticConnector struct {
	base   ClientConfig
	tokens map[string]string
}

// NewStaticConnector creates a connector sharing base settings across merchants.
func NewStaticConnector(base ClientConfig, tokens map[string]string) *StaticConnector {
	return &StaticConnector{base: base, tokens: tokens}
}

// Platform returns the client for a merchant.
func (s *StaticConnector) Platform(merchantID string) (Platform, error) {
	token, ok := s.tokens[merchantID]
	if !ok || token == "" {
		return nil, fmt.Errorf("no POS access token configured for merchant %s", merchantID)
	}
	cfg := s.base
	cfg.AccessToken = token
	return NewClient(cfg), nil
}

// Merchants lists the merchants with a configured token, sorted.
func (s *StaticConnector) Merchants() []string {
	out := make([]string, 0, len(s.tokens))
	for id, token := range s.tokens {
		if token != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
