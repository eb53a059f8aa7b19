package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-engine/internal/catalog"
	"loyalty-engine/internal/customer"
	"loyalty-engine/internal/features"
	"loyalty-engine/internal/logger"
	"loyalty-engine/internal/loyalty"
	"loyalty-engine/internal/middleware"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/service"
	"loyalty-engine/internal/square"
	"loyalty-engine/internal/square/squaretest"
	"loyalty-engine/internal/testutil"
)

const merchant = testutil.Merchant

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	router *chi.Mux
	pos    *squaretest.Platform
	offer  models.Offer
}

func setupTestHandler(t *testing.T, connector square.Connector) *testServer {
	t.Helper()
	db := testutil.NewDB(t)
	flags := features.NewFromDefaults(features.Defaults{LineItemRefetch: true})
	clock := func() time.Time { return testNow }
	quiet := logger.Discard()

	cat := catalog.NewAccessor(db, catalog.WithLogger(quiet), catalog.WithFeatures(flags))
	opts := []loyalty.Option{loyalty.WithLogger(quiet), loyalty.WithClock(clock)}
	svc := service.NewService(service.Deps{
		DB:        db,
		Catalog:   cat,
		Resolver:  customer.NewResolver(customer.WithLogger(quiet), customer.WithFeatures(flags)),
		Recorder:  loyalty.NewRecorder(db, cat, opts...),
		Rewards:   loyalty.NewRewardManager(db, cat, opts...),
		Connector: connector,
		Logger:    quiet,
		Features:  flags,
		Now:       clock,
	})

	h := NewHandlerWithOptions(svc, NewHandlerOptions{MaxBodySize: 4 << 10, Logger: quiet})
	r := chi.NewRouter()
	h.Routes(r)

	offer := testutil.SeedOffer(t, db, testutil.OfferSpec{
		Brand:            "Acme",
		SizeGroup:        "12oz",
		Required:         2,
		RewardValueCents: 899,
		Variations:       []string{"VAR-A"},
	})
	return &testServer{router: r, offer: offer}
}

func setupWithPOS(t *testing.T) *testServer {
	t.Helper()
	pos := squaretest.New()
	ts := setupTestHandler(t, squaretest.Connector{Fake: pos})
	ts.pos = pos
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.MerchantHeader, merchant)
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dst), rr.Body.String())
}

func purchase(orderID, variationID string, qty int) loyalty.PurchaseInput {
	return loyalty.PurchaseInput{
		SquareOrderID:    orderID,
		SquareCustomerID: "C1",
		VariationID:      variationID,
		Quantity:         qty,
		UnitPriceCents:   450,
	}
}

// earn records enough purchases for C1 to hold one earned reward.
func (ts *testServer) earn(t *testing.T) models.Reward {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/purchases", purchase("o-earn", "VAR-A", 2))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/customers/C1/rewards?status=earned", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Rewards []models.Reward `json:"rewards"`
	}
	decodeBody(t, rr, &body)
	require.Len(t, body.Rewards, 1)
	return body.Rewards[0]
}

func TestMissingMerchantHeader(t *testing.T) {
	ts := setupWithPOS(t)

	req := httptest.NewRequest(http.MethodGet, "/offers", nil)
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), middleware.MerchantHeader)
}

func TestProcessOrder_WithPayload(t *testing.T) {
	ts := setupWithPOS(t)
	order := models.Order{
		ID:         "ord-1",
		State:      models.OrderStateCompleted,
		CustomerID: "C1",
		ClosedAt:   testNow.Add(-time.Hour).Format(time.RFC3339),
		LineItems: []models.LineItem{{
			UID:             "li-1",
			CatalogObjectID: "VAR-A",
			Quantity:        "1",
			TotalMoney:      &models.Money{Amount: 450, Currency: "USD"},
		}},
	}

	rr := ts.do(t, http.MethodPost, "/orders/process", map[string]any{"order": order, "source": "webhook"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res service.ProcessResult
	decodeBody(t, rr, &res)
	assert.True(t, res.Processed)
	assert.Equal(t, "C1", res.CustomerID)
	require.NotNil(t, res.Summary)
	assert.Equal(t, 1, res.Summary.RecordedItems)

	rr = ts.do(t, http.MethodPost, "/orders/process", map[string]any{"order": order})
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &res)
	assert.Equal(t, 1, res.Summary.DuplicateItems)
	assert.Equal(t, 0, res.Summary.RecordedItems)
}

func TestProcessOrder_ByID(t *testing.T) {
	ts := setupWithPOS(t)
	ts.pos.Orders["ord-2"] = &models.Order{
		ID:         "ord-2",
		State:      models.OrderStateCompleted,
		CustomerID: "C1",
		ClosedAt:   testNow.Add(-time.Hour).Format(time.RFC3339),
		LineItems: []models.LineItem{{
			UID:             "li-1",
			CatalogObjectID: "VAR-A",
			Quantity:        "2",
			TotalMoney:      &models.Money{Amount: 900, Currency: "USD"},
		}},
	}

	rr := ts.do(t, http.MethodPost, "/orders/process", map[string]string{"order_id": "ord-2"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res service.ProcessResult
	decodeBody(t, rr, &res)
	assert.True(t, res.Processed)
	assert.Equal(t, 1, res.Summary.RewardsEarned)

	rr = ts.do(t, http.MethodPost, "/orders/process", map[string]string{"order_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestProcessOrder_BadRequests(t *testing.T) {
	ts := setupWithPOS(t)

	tests := []struct {
		name string
		body any
		code int
	}{
		{"empty body", nil, http.StatusBadRequest},
		{"invalid json", "{not json", http.StatusBadRequest},
		{"neither order nor id", map[string]string{"source": "webhook"}, http.StatusBadRequest},
		{"order without id", map[string]any{"order": map[string]string{"state": "COMPLETED"}}, http.StatusBadRequest},
		{"too large", `{"order_id":"` + strings.Repeat("x", 5<<10) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/orders/process", tt.body)
			assert.Equal(t, tt.code, rr.Code, rr.Body.String())
		})
	}
}

func TestProcessOrder_NoPlatform(t *testing.T) {
	ts := setupTestHandler(t, nil)

	rr := ts.do(t, http.MethodPost, "/orders/process", map[string]string{"order_id": "ord-1"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = ts.do(t, http.MethodPost, "/catchup", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestRecordPurchase(t *testing.T) {
	ts := setupWithPOS(t)

	rr := ts.do(t, http.MethodPost, "/purchases", purchase("o1", "VAR-A", 1))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var res service.ManualPurchaseResult
	decodeBody(t, rr, &res)
	assert.True(t, res.Recorded)
	require.Len(t, res.Results, 1)
	assert.Equal(t, 1, res.Results[0].ProgressQuantity)
	assert.NotEmpty(t, res.Trace.ID)

	rr = ts.do(t, http.MethodPost, "/purchases", purchase("o1", "VAR-A", 1))
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &res)
	assert.False(t, res.Recorded)
	assert.Equal(t, loyalty.ReasonDuplicate, res.Reason)

	rr = ts.do(t, http.MethodPost, "/purchases", purchase("o2", "VAR-NONE", 1))
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &res)
	assert.Equal(t, loyalty.ReasonNoQualifyingOffer, res.Reason)

	rr = ts.do(t, http.MethodPost, "/purchases", purchase("o3", "VAR-A", 0))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "quantity")
}

func TestRedeemReward(t *testing.T) {
	ts := setupWithPOS(t)
	reward := ts.earn(t)

	rr := ts.do(t, http.MethodGet, "/customers/C1/offers/"+ts.offer.ID+"/redeemable", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var redeemable loyalty.RedeemableReward
	decodeBody(t, rr, &redeemable)
	assert.Equal(t, reward.ID, redeemable.ID)
	assert.Equal(t, int64(899), redeemable.RewardValueCents)

	rr = ts.do(t, http.MethodPost, "/rewards/"+reward.ID+"/redeem", loyalty.RedeemInput{
		SquareOrderID:    "redeem-order",
		RedeemedByUserID: "staff-1",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res loyalty.RedeemResult
	decodeBody(t, rr, &res)
	assert.True(t, res.Success)
	require.NotNil(t, res.Redemption)
	assert.Equal(t, int64(899), res.Redemption.RedeemedValueCents)

	rr = ts.do(t, http.MethodPost, "/rewards/"+reward.ID+"/redeem", nil)
	require.Equal(t, http.StatusConflict, rr.Code)
	decodeBody(t, rr, &res)
	assert.False(t, res.Success)
	assert.Equal(t, loyalty.ReasonAlreadyRedeemed, res.Reason)
	assert.NotNil(t, res.RedeemedAt)

	rr = ts.do(t, http.MethodPost, "/rewards/unknown-reward/redeem", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	decodeBody(t, rr, &res)
	assert.Equal(t, loyalty.ReasonRewardNotFound, res.Reason)

	rr = ts.do(t, http.MethodGet, "/customers/C1/offers/"+ts.offer.ID+"/redeemable", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodGet, "/rewards/"+reward.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got models.Reward
	decodeBody(t, rr, &got)
	assert.Equal(t, models.RewardRedeemed, got.Status)

	rr = ts.do(t, http.MethodGet, "/rewards/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRedeemReward_NegativeValue(t *testing.T) {
	ts := setupWithPOS(t)
	reward := ts.earn(t)

	rr := ts.do(t, http.MethodPost, "/rewards/"+reward.ID+"/redeem", `{"redeemed_value_cents": -1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCustomerRewardViews(t *testing.T) {
	ts := setupWithPOS(t)
	reward := ts.earn(t)
	ts.do(t, http.MethodPost, "/purchases", purchase("o-next", "VAR-A", 1))

	rr := ts.do(t, http.MethodGet, "/customers/C1/rewards/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats loyalty.RewardStats
	decodeBody(t, rr, &stats)
	assert.Equal(t, loyalty.RewardStats{Available: 1, Total: 1}, stats)

	rr = ts.do(t, http.MethodGet, "/customers/C1/progress", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var progress struct {
		CustomerID string                  `json:"customer_id"`
		Offers     []loyalty.OfferProgress `json:"offers"`
	}
	decodeBody(t, rr, &progress)
	require.Len(t, progress.Offers, 1)
	assert.True(t, progress.Offers[0].HasRedeemableReward)
	assert.Equal(t, 2, progress.Offers[0].RequiredQuantity)

	ts.do(t, http.MethodPost, "/rewards/"+reward.ID+"/redeem", nil)

	var list struct {
		Rewards []models.Reward `json:"rewards"`
	}
	rr = ts.do(t, http.MethodGet, "/customers/C1/rewards", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &list)
	for _, r := range list.Rewards {
		assert.NotEqual(t, models.RewardRedeemed, r.Status)
	}

	rr = ts.do(t, http.MethodGet, "/customers/C1/rewards?include_redeemed=true", nil)
	decodeBody(t, rr, &list)
	statuses := make([]models.RewardStatus, 0, len(list.Rewards))
	for _, r := range list.Rewards {
		statuses = append(statuses, r.Status)
	}
	assert.Contains(t, statuses, models.RewardRedeemed)

	rr = ts.do(t, http.MethodGet, "/customers/C1/rewards?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodGet, "/customers/NOBODY/rewards", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"customer_id":"NOBODY","rewards":[]}`, rr.Body.String())
}

func TestExpireRewards(t *testing.T) {
	ts := setupWithPOS(t)

	rr := ts.do(t, http.MethodPost, "/rewards/expire", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"expired_count":0,"expired_rewards":[]}`, rr.Body.String())
}

func TestOfferAdmin(t *testing.T) {
	ts := setupWithPOS(t)

	input := models.OfferInput{
		OfferName:        "Buy 10 Zen 16oz",
		BrandName:        "Zen",
		SizeGroup:        "16oz",
		RequiredQuantity: 10,
		RewardType:       models.RewardTypeFreeItem,
	}
	rr := ts.do(t, http.MethodPost, "/offers", input)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var offer models.Offer
	decodeBody(t, rr, &offer)
	assert.True(t, offer.IsActive)
	assert.Equal(t, merchant, offer.MerchantID)

	rr = ts.do(t, http.MethodPost, "/offers", input)
	assert.Equal(t, http.StatusConflict, rr.Code)

	input.RequiredQuantity = 0
	input.SizeGroup = "20oz"
	rr = ts.do(t, http.MethodPost, "/offers", input)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "required_quantity")

	rr = ts.do(t, http.MethodGet, "/offers/"+offer.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = ts.do(t, http.MethodGet, "/offers/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, http.MethodPost, "/offers/"+offer.ID+"/variations", models.VariationInput{VariationID: "VAR-Z", ItemName: "Zen"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/offers/"+offer.ID+"/variations", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var vars struct {
		Variations []models.QualifyingVariation `json:"variations"`
	}
	decodeBody(t, rr, &vars)
	require.Len(t, vars.Variations, 1)
	assert.Equal(t, "VAR-Z", vars.Variations[0].VariationID)

	rr = ts.do(t, http.MethodDelete, "/offers/"+offer.ID+"/variations/VAR-Z", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = ts.do(t, http.MethodPost, "/offers/"+offer.ID+"/deactivate", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &offer)
	assert.False(t, offer.IsActive)

	var list struct {
		Offers []models.Offer `json:"offers"`
	}
	rr = ts.do(t, http.MethodGet, "/offers", nil)
	decodeBody(t, rr, &list)
	assert.Len(t, list.Offers, 1)

	rr = ts.do(t, http.MethodGet, "/offers?include_inactive=true", nil)
	decodeBody(t, rr, &list)
	assert.Len(t, list.Offers, 2)
}

func TestCatchup(t *testing.T) {
	ts := setupWithPOS(t)
	ts.pos.Orders["old"] = &models.Order{
		ID:         "old",
		State:      models.OrderStateCompleted,
		CustomerID: "C1",
		ClosedAt:   testNow.Add(-2 * time.Hour).Format(time.RFC3339),
		LineItems: []models.LineItem{{
			UID:             "li",
			CatalogObjectID: "VAR-A",
			Quantity:        "1",
			TotalMoney:      &models.Money{Amount: 450, Currency: "USD"},
		}},
	}

	rr := ts.do(t, http.MethodPost, "/catchup", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var res service.CatchupResult
	decodeBody(t, rr, &res)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Processed)

	rr = ts.do(t, http.MethodPost, "/catchup", map[string]string{"since": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/catchup", map[string]string{
		"since": testNow.Format(time.RFC3339),
		"until": testNow.Add(-time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestListFeatures(t *testing.T) {
	ts := setupWithPOS(t)

	rr := ts.do(t, http.MethodGet, "/features", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Features map[string]features.FeatureFlag `json:"features"`
	}
	decodeBody(t, rr, &body)
	assert.True(t, body.Features[features.LineItemRefetch].Enabled)
	assert.False(t, body.Features[features.EventHooks].Enabled)
}
