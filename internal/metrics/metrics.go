package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks agent-wide counters in memory
type Collector struct {
	plansDispatched atomic.Int64
	runsSucceeded   atomic.Int64
	runsFailed      atomic.Int64
	activeRuns      atomic.Int64

	reportsDelivered atomic.Int64
	reportsQueued    atomic.Int64
	reportsDropped   atomic.Int64
	deliveryFailures atomic.Int64

	requestsTotal atomic.Int64
	errorTotal    atomic.Int64

	mu            sync.RWMutex
	totalDuration time.Duration
	startTime     time.Time
}

// Metrics is a point-in-time snapshot of the collector
type Metrics struct {
	PlansDispatched  int64         `json:"plansDispatched"`
	RunsSucceeded    int64         `json:"runsSucceeded"`
	RunsFailed       int64         `json:"runsFailed"`
	ActiveRuns       int64         `json:"activeRuns"`
	AvgRunDuration   time.Duration `json:"avgRunDurationNs"`
	ReportsDelivered int64         `json:"reportsDelivered"`
	ReportsQueued    int64         `json:"reportsQueued"`
	ReportsDropped   int64         `json:"reportsDropped"`
	DeliveryFailures int64         `json:"deliveryFailures"`
	RequestsTotal    int64         `json:"requestsTotal"`
	ErrorTotal       int64         `json:"errorTotal"`
	// ErrorRate is the percentage of local API requests answered with a 5xx
	ErrorRate float64       `json:"errorRatePercent"`
	Uptime    time.Duration `json:"uptimeNs"`
}

// Default returns the global metrics collector instance
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// RecordDispatch counts a plan handed to an execution task
func (c *Collector) RecordDispatch() {
	c.plansDispatched.Add(1)
	c.activeRuns.Add(1)
}

// RecordRunFinished records the outcome and duration of one execution
func (c *Collector) RecordRunFinished(success bool, duration time.Duration) {
	c.activeRuns.Add(-1)
	if success {
		c.runsSucceeded.Add(1)
	} else {
		c.runsFailed.Add(1)
	}

	c.mu.Lock()
	c.totalDuration += duration
	c.mu.Unlock()
}

// RecordDelivery records a report delivery attempt
func (c *Collector) RecordDelivery(ok bool) {
	if ok {
		c.reportsDelivered.Add(1)
		return
	}
	c.deliveryFailures.Add(1)
}

// RecordQueued counts a report added to the pending queue after a failed first delivery
func (c *Collector) RecordQueued() {
	c.reportsQueued.Add(1)
}

// RecordDropped counts reports discarded by eviction or an exhausted retry budget
func (c *Collector) RecordDropped(n int) {
	c.reportsDropped.Add(int64(n))
}

// RecordRequest counts a local API request; status >= 500 also counts as an error
func (c *Collector) RecordRequest(status int) {
	c.requestsTotal.Add(1)
	if status >= 500 {
		c.errorTotal.Add(1)
	}
}

// RequestCounts returns the local API request and error totals
func (c *Collector) RequestCounts() (requests, errors int64) {
	return c.requestsTotal.Load(), c.errorTotal.Load()
}

// Uptime returns the time since the collector was created or reset
func (c *Collector) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.startTime)
}

// GetMetrics returns a snapshot of current metrics
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	totalDuration := c.totalDuration
	startTime := c.startTime
	c.mu.RUnlock()

	succeeded := c.runsSucceeded.Load()
	failed := c.runsFailed.Load()

	var avg time.Duration
	if finished := succeeded + failed; finished > 0 {
		avg = totalDuration / time.Duration(finished)
	}

	requests := c.requestsTotal.Load()
	errs := c.errorTotal.Load()
	var errorRate float64
	if requests > 0 {
		errorRate = float64(errs) / float64(requests) * 100
	}

	return Metrics{
		PlansDispatched:  c.plansDispatched.Load(),
		RunsSucceeded:    succeeded,
		RunsFailed:       failed,
		ActiveRuns:       c.activeRuns.Load(),
		AvgRunDuration:   avg,
		ReportsDelivered: c.reportsDelivered.Load(),
		ReportsQueued:    c.reportsQueued.Load(),
		ReportsDropped:   c.reportsDropped.Load(),
		DeliveryFailures: c.deliveryFailures.Load(),
		RequestsTotal:    requests,
		ErrorTotal:       errs,
		ErrorRate:        errorRate,
		Uptime:           time.Since(startTime),
	}
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	for _, v := range []*atomic.Int64{
		&c.plansDispatched, &c.runsSucceeded, &c.runsFailed, &c.activeRuns,
		&c.reportsDelivered, &c.reportsQueued, &c.reportsDropped, &c.deliveryFailures,
		&c.requestsTotal, &c.errorTotal,
	} {
		v.Store(0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDuration = 0
	c.startTime = time.Now()
}
