package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loyalty"

// Metrics exposes Prometheus collectors for loyalty activity. A nil
// *Metrics records nothing.
type Metrics struct {
	ordersProcessed   *prometheus.CounterVec
	lineItems         *prometheus.CounterVec
	purchases         *prometheus.CounterVec
	rewardsEarned     prometheus.Counter
	redemptions       *prometheus.CounterVec
	rewardsExpired    prometheus.Counter
	orderDuration     *prometheus.HistogramVec
	customerResolved  *prometheus.CounterVec
	catalogCacheLooks *prometheus.CounterVec
}

// MustNewMetrics constructs and registers the collectors with reg. Tests
// should pass a fresh prometheus.NewRegistry(); registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ordersProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "processed_total",
			Help:      "Orders evaluated, by ingestion source and outcome.",
		}, []string{"source", "outcome"}),
		lineItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "line_items_total",
			Help:      "Line items evaluated, by skip reason or \"qualified\".",
		}, []string{"reason"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "purchases",
			Name:      "recorded_total",
			Help:      "Per-offer purchase recording outcomes.",
		}, []string{"outcome"}),
		rewardsEarned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "earned_total",
			Help:      "Rewards that reached the earned state.",
		}),
		redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "redemptions_total",
			Help:      "Redemption attempts, by outcome.",
		}, []string{"outcome"}),
		rewardsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "expired_total",
			Help:      "Earned rewards moved to expired.",
		}),
		orderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "processing_duration_seconds",
			Help:      "Time spent evaluating one order.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		customerResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "customers",
			Name:      "resolved_total",
			Help:      "Customer identification attempts, by winning method.",
		}, []string{"method"}),
		catalogCacheLooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "cache_lookups_total",
			Help:      "Qualifying variation cache lookups, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.ordersProcessed,
		m.lineItems,
		m.purchases,
		m.rewardsEarned,
		m.redemptions,
		m.rewardsExpired,
		m.orderDuration,
		m.customerResolved,
		m.catalogCacheLooks,
	)
	return m
}

// ObserveOrder records one evaluated order.
func (m *Metrics) ObserveOrder(source, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ordersProcessed.WithLabelValues(source, outcome).Inc()
	m.orderDuration.WithLabelValues(source).Observe(d.Seconds())
}

// IncLineItem counts one evaluated line item.
func (m *Metrics) IncLineItem(reason string) {
	if m == nil {
		return
	}
	m.lineItems.WithLabelValues(reason).Inc()
}

// IncPurchase counts one per-offer recording outcome.
func (m *Metrics) IncPurchase(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

// IncRewardEarned counts a newly earned reward.
func (m *Metrics) IncRewardEarned() {
	if m == nil {
		return
	}
	m.rewardsEarned.Inc()
}

// IncRedemption counts a redemption attempt.
func (m *Metrics) IncRedemption(outcome string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(outcome).Inc()
}

// AddRewardsExpired counts expired rewards.
func (m *Metrics) AddRewardsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rewardsExpired.Add(float64(n))
}

// IncCustomerResolved counts a resolution by method ("NONE" on failure).
func (m *Metrics) IncCustomerResolved(method string) {
	if m == nil {
		return
	}
	m.customerResolved.WithLabelValues(method).Inc()
}

// IncCatalogCache counts a cache hit or miss.
func (m *Metrics) IncCatalogCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.catalogCacheLooks.WithLabelValues(result).Inc()
}
