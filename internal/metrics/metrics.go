// Package metrics counts ledger activity and renders it in the Prometheus
// text exposition format. All methods are safe on a nil *Collector, which
// records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Collector holds in-process counters for the billing daemon.
type Collector struct {
	mu sync.RWMutex

	// HTTP, keyed by chi route pattern
	requests      map[string]int64
	requestsDurMS map[string]int64
	serverErrors  map[string]int64
	inFlight      int64

	// rejections keyed by limiter name (webhook, deduction, auth)
	rateLimitHits map[string]int64

	deductions       int64
	deducted         decimal.Decimal
	deductionDenials int64

	// keyed by provider, then webhook action
	webhookOutcomes map[string]map[string]int64
	credited        map[string]decimal.Decimal

	startTime time.Time
	now       func() time.Time
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		requests:        make(map[string]int64),
		requestsDurMS:   make(map[string]int64),
		serverErrors:    make(map[string]int64),
		rateLimitHits:   make(map[string]int64),
		webhookOutcomes: make(map[string]map[string]int64),
		credited:        make(map[string]decimal.Decimal),
		startTime:       time.Now(),
		now:             time.Now,
	}
}

// RequestStarted bumps the in-flight gauge.
func (c *Collector) RequestStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
}

// RequestFinished records a served request. Status codes of 500 and above
// also count as server errors for the route.
func (c *Collector) RequestFinished(route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	c.requests[route]++
	c.requestsDurMS[route] += duration.Milliseconds()
	if status >= 500 {
		c.serverErrors[route]++
	}
}

// RecordRateLimitHit counts a request rejected by the named limiter.
func (c *Collector) RecordRateLimitHit(limiter string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.rateLimitHits[limiter]++
	c.mu.Unlock()
}

// RecordDeduction counts a successful debit.
func (c *Collector) RecordDeduction(amount decimal.Decimal) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.deductions++
	c.deducted = c.deducted.Add(amount)
	c.mu.Unlock()
}

// RecordDeductionDenied counts a debit refused for insufficient credit.
func (c *Collector) RecordDeductionDenied() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.deductionDenials++
	c.mu.Unlock()
}

// RecordWebhook counts one reconciled notification. credited is added to the
// provider's credited total and may be zero.
func (c *Collector) RecordWebhook(provider, action string, credited decimal.Decimal) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byAction := c.webhookOutcomes[provider]
	if byAction == nil {
		byAction = make(map[string]int64)
		c.webhookOutcomes[provider] = byAction
	}
	byAction[action]++
	if credited.IsPositive() {
		c.credited[provider] = c.credited[provider].Add(credited)
	}
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Uptime           int64
	Requests         map[string]int64
	RequestsDurMS    map[string]int64
	ServerErrors     map[string]int64
	InFlight         int64
	RateLimitHits    map[string]int64
	Deductions       int64
	Deducted         decimal.Decimal
	DeductionDenials int64
	WebhookOutcomes  map[string]map[string]int64
	Credited         map[string]decimal.Decimal
}

// Snapshot copies the current counters. A nil collector yields an empty snapshot.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	outcomes := make(map[string]map[string]int64, len(c.webhookOutcomes))
	for provider, byAction := range c.webhookOutcomes {
		outcomes[provider] = copyMap(byAction)
	}
	return Snapshot{
		Uptime:           int64(c.now().Sub(c.startTime).Seconds()),
		Requests:         copyMap(c.requests),
		RequestsDurMS:    copyMap(c.requestsDurMS),
		ServerErrors:     copyMap(c.serverErrors),
		InFlight:         c.inFlight,
		RateLimitHits:    copyMap(c.rateLimitHits),
		Deductions:       c.deductions,
		Deducted:         c.deducted,
		DeductionDenials: c.deductionDenials,
		WebhookOutcomes:  outcomes,
		Credited:         copyMap(c.credited),
	}
}

func copyMap[V any](m map[string]V) map[string]V {
	result := make(map[string]V, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
