package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span names emitted by the loyalty pipeline.
const (
	SpanOrderReceived      = "ORDER_RECEIVED"
	SpanOrderRefetched     = "ORDER_REFETCHED"
	SpanCustomerIdentified = "CUSTOMER_IDENTIFIED"
	SpanCustomerNotFound   = "CUSTOMER_NOT_IDENTIFIED"
	SpanLineItemEvaluated  = "LINE_ITEM_EVALUATED"
	SpanPurchaseRecorded   = "PURCHASE_RECORDED"
	SpanPurchaseDuplicate  = "PURCHASE_DUPLICATE"
	SpanRewardEarned       = "REWARD_EARNED"
	SpanRewardRedeemed     = "REWARD_REDEEMED"
	SpanRewardsExpired     = "REWARDS_EXPIRED"
	SpanOrderSuppressed    = "ORDER_SUPPRESSED"
	SpanOrderComplete      = "ORDER_COMPLETE"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func defaultNow() time.Time { return time.Now().UTC() }

// Span is one timestamped step of an order trace.
type Span struct {
	Name      string
	Timestamp time.Time
	ElapsedMs int64
	Data      map[string]any
}

// MarshalJSON flattens Data next to the fixed fields.
func (s Span) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Data)+3)
	for k, v := range s.Data {
		out[k] = v
	}
	out["name"] = s.Name
	out["timestamp"] = s.Timestamp.UTC().Format(timestampLayout)
	out["elapsed_ms"] = s.ElapsedMs
	return json.Marshal(out)
}

// Summary is the finished trace returned by End.
type Summary struct {
	ID         string         `json:"id"`
	DurationMs int64          `json:"duration"`
	StartedAt  *time.Time     `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at"`
	Context    map[string]any `json:"context"`
	Spans      []Span         `json:"spans"`
	SpanCount  int            `json:"span_count"`
}

// OrderTracer records the ordered span list of one order-processing call.
// It is owned by a single call and is not safe for concurrent use. A nil
// *OrderTracer accepts every call and records nothing.
type OrderTracer struct {
	otel     trace.Tracer
	otelSpan trace.Span
	now      func() time.Time

	id        string
	startedAt time.Time
	context   map[string]any
	spans     []Span
	active    bool
	ended     *Summary
}

// NewOrderTracer returns a tracer that only collects spans in memory.
func NewOrderTracer() *OrderTracer {
	return &OrderTracer{now: defaultNow}
}

// WithClock replaces the time source, for tests.
func (t *OrderTracer) WithClock(now func() time.Time) *OrderTracer {
	if t != nil && now != nil {
		t.now = now
	}
	return t
}

// Start begins a new trace, discarding any previous spans, and returns the
// trace id.
func (t *OrderTracer) Start(ctx context.Context, attrs map[string]any) (context.Context, string) {
	if t == nil {
		return ctx, ""
	}
	t.id = uuid.NewString()
	t.startedAt = t.now()
	t.context = copyData(attrs)
	t.spans = nil
	t.active = true
	t.ended = nil

	if t.otel != nil {
		ctx, t.otelSpan = t.otel.Start(ctx, "loyalty.order",
			trace.WithAttributes(attribute.String("loyalty.trace_id", t.id)),
			trace.WithAttributes(toAttributes(attrs)...),
		)
	}
	return ctx, t.id
}

// ID returns the active or last trace id.
func (t *OrderTracer) ID() string {
	if t == nil {
		return ""
	}
	return t.id
}

// Active reports whether Start was called and End was not.
func (t *OrderTracer) Active() bool {
	return t != nil && t.active
}

// Span appends a step to the active trace. Without an active trace it does
// nothing.
func (t *OrderTracer) Span(name string, data map[string]any) {
	if t == nil || !t.active {
		return
	}
	now := t.now()
	t.spans = append(t.spans, Span{
		Name:      name,
		Timestamp: now,
		ElapsedMs: now.Sub(t.startedAt).Milliseconds(),
		Data:      copyData(data),
	})
	if t.otelSpan != nil {
		t.otelSpan.AddEvent(name, trace.WithAttributes(toAttributes(data)...))
	}
}

// Spans returns a copy of the spans recorded so far.
func (t *OrderTracer) Spans() []Span {
	if t == nil {
		return nil
	}
	return append([]Span(nil), t.spans...)
}

// End closes the trace and returns its summary. Further calls return the
// same summary; without a started trace it returns an empty summary.
func (t *OrderTracer) End() Summary {
	if t == nil {
		return Summary{Spans: []Span{}, Context: map[string]any{}}
	}
	if t.ended != nil {
		return *t.ended
	}
	if !t.active {
		return Summary{Spans: []Span{}, Context: map[string]any{}}
	}

	endedAt := t.now()
	startedAt := t.startedAt
	spans := append([]Span{}, t.spans...)
	summary := Summary{
		ID:         t.id,
		DurationMs: endedAt.Sub(startedAt).Milliseconds(),
		StartedAt:  &startedAt,
		EndedAt:    &endedAt,
		Context:    t.context,
		Spans:      spans,
		SpanCount:  len(spans),
	}
	if summary.Context == nil {
		summary.Context = map[string]any{}
	}

	if t.otelSpan != nil {
		t.otelSpan.SetAttributes(attribute.Int("loyalty.span_count", len(spans)))
		t.otelSpan.End()
		t.otelSpan = nil
	}
	t.active = false
	t.ended = &summary
	return summary
}

func copyData(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toAttributes(data map[string]any) []attribute.KeyValue {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		switch v := data[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		case []string:
			attrs = append(attrs, attribute.StringSlice(k, v))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return attrs
}
