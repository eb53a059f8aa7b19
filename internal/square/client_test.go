package square

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		BaseURL:     srv.URL,
		AccessToken: "tok-123",
		LocationIDs: []string{"LOC-1"},
		HTTPClient:  srv.Client(),
	})
}

func TestClient_GetOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v2/orders/ORD-1", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, defaultVersion, r.Header.Get("Square-Version"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order":{"id":"ORD-1","state":"COMPLETED","customer_id":"C1",
			"line_items":[{"uid":"li1","catalog_object_id":"VAR-1","quantity":"2",
			"total_money":{"amount":900,"currency":"USD"}}]}}`))
	})

	order, err := c.GetOrder(context.Background(), "ORD-1")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", order.State)
	require.Len(t, order.LineItems, 1)
	assert.Equal(t, 2, order.LineItems[0].IntQuantity())
	assert.Equal(t, int64(900), order.LineItems[0].TotalCents())
}

func TestClient_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"code":"NOT_FOUND"}]}`, http.StatusNotFound)
	})

	_, err := c.GetCustomer(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"category":"AUTHENTICATION_ERROR","code":"UNAUTHORIZED","detail":"bad token"}]}`))
	})

	_, err := c.GetOrder(context.Background(), "ORD-1")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "UNAUTHORIZED")
}

func TestClient_SearchCompletedOrdersPaginates(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/orders/search", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"LOC-1"}, body["location_ids"])

		calls++
		if calls == 1 {
			assert.Nil(t, body["cursor"])
			w.Write([]byte(`{"orders":[{"id":"A","state":"COMPLETED"}],"cursor":"next"}`))
			return
		}
		assert.Equal(t, "next", body["cursor"])
		w.Write([]byte(`{"orders":[{"id":"B","state":"COMPLETED"}]}`))
	})

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	orders, err := c.SearchCompletedOrders(context.Background(), since, since.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "A", orders[0].ID)
	assert.Equal(t, "B", orders[1].ID)
	assert.Equal(t, 2, calls)
}

func TestClient_SearchCustomersFilters(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query struct {
				Filter map[string]map[string]string `json:"filter"`
			} `json:"query"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "+15550100", body.Query.Filter["phone_number"]["exact"])
		w.Write([]byte(`{"customers":[{"id":"C1","given_name":"Ada"}]}`))
	})

	found, err := c.SearchCustomers(context.Background(), CustomerFilter{PhoneExact: "+15550100"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Ada", found[0].DisplayName())

	_, err = c.SearchCustomers(context.Background(), CustomerFilter{})
	assert.Error(t, err)
}

func TestClient_LoyaltyBridge(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/loyalty/events/search":
			w.Write([]byte(`{"events":[{"id":"e1","type":"ACCUMULATE_POINTS","loyalty_account_id":"acct-1",
				"accumulate_points":{"order_id":"ORD-1"}}]}`))
		case "/v2/loyalty/accounts/acct-1":
			w.Write([]byte(`{"loyalty_account":{"id":"acct-1","customer_id":"C9"}}`))
		default:
			http.NotFound(w, r)
		}
	})

	events, err := c.SearchLoyaltyEvents(context.Background(), "ORD-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ORD-1", events[0].OrderID)

	acct, err := c.GetLoyaltyAccount(context.Background(), events[0].LoyaltyAccountID)
	require.NoError(t, err)
	assert.Equal(t, "C9", acct.CustomerID)
}

func TestStaticConnector(t *testing.T) {
	conn := NewStaticConnector(ClientConfig{BaseURL: "http://pos.invalid"}, map[string]string{"m1": "tok"})

	p, err := conn.Platform("m1")
	require.NoError(t, err)
	assert.Equal(t, "tok", p.(*Client).token)

	_, err = conn.Platform("m2")
	assert.Error(t, err)
	assert.Equal(t, []string{"m1"}, conn.Merchants())
}

func TestCustomerDisplayName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", Customer{GivenName: "Ada", FamilyName: "Lovelace"}.DisplayName())
	assert.Equal(t, "Lovelace", Customer{FamilyName: "Lovelace"}.DisplayName())
	assert.Equal(t, "Analytical Ltd", Customer{CompanyName: "Analytical Ltd"}.DisplayName())
}
