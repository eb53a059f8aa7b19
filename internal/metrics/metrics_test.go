package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.ObserveOrder("webhook", "recorded", 20*time.Millisecond)
	m.ObserveOrder("webhook", "recorded", 30*time.Millisecond)
	m.IncLineItem("qualified")
	m.IncPurchase("duplicate")
	m.IncRewardEarned()
	m.IncRedemption("redeemed")
	m.AddRewardsExpired(3)
	m.AddRewardsExpired(0)
	m.IncCustomerResolved("ORDER_CUSTOMER_ID")
	m.IncCatalogCache(true)
	m.IncCatalogCache(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersProcessed.WithLabelValues("webhook", "recorded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lineItems.WithLabelValues("qualified")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.purchases.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rewardsEarned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.redemptions.WithLabelValues("redeemed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rewardsExpired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.customerResolved.WithLabelValues("ORDER_CUSTOMER_ID")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.catalogCacheLooks.WithLabelValues("hit")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.orderDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOrder("manual", "skipped", time.Second)
	m.IncLineItem("zero_quantity")
	m.IncRewardEarned()
	m.AddRewardsExpired(1)
}
