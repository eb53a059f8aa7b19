package customer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loyalty-engine/internal/cache"
	"loyalty-engine/internal/features"
	"loyalty-engine/internal/logger"
	"loyalty-engine/internal/models"
	"loyalty-engine/internal/square"
	"loyalty-engine/internal/square/squaretest"
)

const merchant = "m1"

func newResolver(f *features.Manager, c cache.Cache) *Resolver {
	return NewResolver(WithLogger(logger.Discard()), WithFeatures(f), WithCache(c, 0))
}

func allFlags() *features.Manager {
	return features.NewFromDefaults(features.Defaults{RecipientLookup: true, CustomerCache: true})
}

func TestIdentify_OrderCustomerID(t *testing.T) {
	p := squaretest.New()
	r := newResolver(allFlags(), nil)

	res := r.IdentifyCustomerFromOrder(context.Background(), merchant, p, &models.Order{ID: "o1", CustomerID: "C1"})

	assert.True(t, res.Success)
	assert.Equal(t, "C1", res.CustomerID)
	assert.Equal(t, MethodOrderCustomerID, res.Method)
	assert.Equal(t, []string{MethodOrderCustomerID}, res.Attempted)
	assert.Zero(t, p.CallCount("SearchLoyaltyEvents"))
}

func TestIdentify_TenderCustomerID(t *testing.T) {
	r := newResolver(allFlags(), nil)
	order := &models.Order{ID: "o1", Tenders: []models.Tender{{ID: "t1"}, {ID: "t2", CustomerID: "C2"}}}

	res := r.IdentifyCustomerFromOrder(context.Background(), merchant, squaretest.New(), order)

	assert.Equal(t, "C2", res.CustomerID)
	assert.Equal(t, MethodTenderCustomerID, res.Method)
}

func TestIdentify_LoyaltyAPI(t *testing.T) {
	p := squaretest.New()
	p.LoyaltyEvents["o1"] = []square.LoyaltyEvent{
		{ID: "e0", LoyaltyAccountID: "gone"},
		{ID: "e1", LoyaltyAccountID: "acct-1"},
	}
	p.LoyaltyAccounts["acct-1"] = square.LoyaltyAccount{ID: "acct-1", CustomerID: "C3"}

	res := newResolver(allFlags(), nil).IdentifyCustomerFromOrder(context.Background(), merchant, p, &models.Order{ID: "o1"})

	assert.Equal(t, "C3", res.CustomerID)
	assert.Equal(t, MethodLoyaltyAPI, res.Method)
}

func TestIdentify_StrategyErrorFallsThrough(t *testing.T) {
	p := squaretest.New()
	p.ErrLoyaltyEvents = errors.New("loyalty api down")
	p.Customers["C4"] = square.Customer{ID: "C4", PhoneNumber: "+15550104"}

	order := &models.Order{
		ID: "o1",
		Fulfillments: []models.Fulfillment{{
			Type:          "PICKUP",
			PickupDetails: &models.FulfillmentDetails{Recipient: &models.Recipient{PhoneNumber: "+15550104"}},
		}},
	}
	res := newResolver(allFlags(), nil).IdentifyCustomerFromOrder(context.Background(), merchant, p, order)

	assert.True(t, res.Success)
	assert.Equal(t, "C4", res.CustomerID)
	assert.Equal(t, MethodFulfillmentRecipient, res.Method)
	assert.Equal(t, []string{MethodOrderCustomerID, MethodTenderCustomerID, MethodLoyaltyAPI, MethodFulfillmentRecipient}, res.Attempted)
}

func TestIdentify_RecipientEmailNeedsExactMatch(t *testing.T) {
	p := squaretest.New()
	p.Customers["C5"] = square.Customer{ID: "C5", EmailAddress: "ada.lovelace@example.com"}

	order := func(email string) *models.Order {
		return &models.Order{
			ID: "o1",
			Fulfillments: []models.Fulfillment{{
				ShipmentDetails: &models.FulfillmentDetails{Recipient: &models.Recipient{EmailAddress: email}},
			}},
		}
	}
	r := newResolver(allFlags(), nil)

	res := r.IdentifyCustomerFromOrder(context.Background(), merchant, p, order("lovelace@example.com"))
	assert.False(t, res.Success)

	res = r.IdentifyCustomerFromOrder(context.Background(), merchant, p, order("Ada.Lovelace@example.com"))
	assert.Equal(t, "C5", res.CustomerID)
}

func TestIdentify_RecipientLookupFlagOff(t *testing.T) {
	p := squaretest.New()
	p.Customers["C4"] = square.Customer{ID: "C4", PhoneNumber: "+15550104"}
	order := &models.Order{
		ID: "o1",
		Fulfillments: []models.Fulfillment{{
			DeliveryDetails: &models.FulfillmentDetails{Recipient: &models.Recipient{PhoneNumber: "+15550104"}},
		}},
	}

	res := newResolver(features.NewManager(), nil).IdentifyCustomerFromOrder(context.Background(), merchant, p, order)

	assert.False(t, res.Success)
	assert.Equal(t, MethodNone, res.Method)
	assert.NotContains(t, res.Attempted, MethodFulfillmentRecipient)
	assert.Zero(t, p.CallCount("SearchCustomers"))
}

func TestIdentify_CachesDisplayInfo(t *testing.T) {
	p := squaretest.New()
	p.Customers["C1"] = square.Customer{ID: "C1", GivenName: "Ada", FamilyName: "Lovelace", PhoneNumber: "+15550100"}
	c := cache.NewMemoryCache()
	r := newResolver(allFlags(), c)

	res := r.IdentifyCustomerFromOrder(context.Background(), merchant, p, &models.Order{ID: "o1", CustomerID: "C1"})
	require.True(t, res.Success)

	info, err := r.CachedCustomer(context.Background(), merchant, "C1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", info.Name)
	assert.Equal(t, "+15550100", info.Phone)

	_, err = r.CachedCustomer(context.Background(), "other", "C1")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestIdentify_CacheFailureDoesNotFailResolution(t *testing.T) {
	p := squaretest.New()
	p.ErrCustomers = errors.New("directory down")
	c := cache.NewMemoryCache()

	res := newResolver(allFlags(), c).IdentifyCustomerFromOrder(context.Background(), merchant, p, &models.Order{ID: "o1", CustomerID: "C1"})

	assert.True(t, res.Success)
	assert.Equal(t, 0, c.Len())
}

func TestIdentify_NilPlatformUsesOrderOnly(t *testing.T) {
	r := newResolver(allFlags(), cache.NewMemoryCache())
	res := r.IdentifyCustomerFromOrder(context.Background(), merchant, nil, &models.Order{ID: "o1"})

	assert.False(t, res.Success)
	assert.Equal(t, []string{MethodOrderCustomerID, MethodTenderCustomerID}, res.Attempted)
}
