package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/rennerdo30/tunnelguard/internal/firewall"
	"github.com/rennerdo30/tunnelguard/internal/tunnel"
)

var allStates = []tunnel.StateKind{
	tunnel.StateDisconnected,
	tunnel.StateConnecting,
	tunnel.StateConnected,
	tunnel.StateDisconnecting,
	tunnel.StateBlocked,
}

// Collector feeds Metrics from the state machine and refreshes the system
// gauges periodically. It implements tunnelstate.Observer.
type Collector struct {
	metrics   *Metrics
	startTime time.Time
	interval  time.Duration
	ticker    *time.Ticker
	done      chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewCollector creates a new metrics collector.
func NewCollector(metrics *Metrics) *Collector {
	c := &Collector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  15 * time.Second,
	}
	c.setState(tunnel.StateDisconnected)
	return c
}

// Start starts the periodic collection.
func (c *Collector) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}

	c.running = true
	c.done = make(chan struct{})
	c.ticker = time.NewTicker(c.interval)

	go c.collectLoop(c.ticker, c.done)
}

// Stop stops the periodic collection.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.done)
	c.ticker.Stop()
	c.running = false
}

func (c *Collector) collectLoop(ticker *time.Ticker, done chan struct{}) {
	c.collect()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	c.metrics.Uptime.Set(time.Since(c.startTime).Seconds())
	c.metrics.GoRoutines.Set(float64(runtime.NumGoroutine()))
}

func (c *Collector) setState(kind tunnel.StateKind) {
	for _, s := range allStates {
		v := 0.0
		if s == kind {
			v = 1
		}
		c.metrics.TunnelState.WithLabelValues(string(s)).Set(v)
	}
}

func (c *Collector) OnTransition(from, to tunnel.State) {
	c.metrics.Transitions.WithLabelValues(string(from.Kind), string(to.Kind)).Inc()
	c.setState(to.Kind)
	if to.Kind == tunnel.StateBlocked && to.Reason != nil {
		c.metrics.BlockReasons.WithLabelValues(string(to.Reason.Kind)).Inc()
	}
}

func (c *Collector) OnPolicyApplied(kind firewall.PolicyKind, took time.Duration, err error) {
	c.metrics.PolicyApplies.WithLabelValues(string(kind), result(err)).Inc()
	c.metrics.PolicyApplyDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

func (c *Collector) OnProcessStart(err error) {
	c.metrics.ProcessStarts.WithLabelValues(result(err)).Inc()
}

func (c *Collector) OnRetryScheduled(attempt uint32, delay time.Duration) {
	c.metrics.RetryDelay.Observe(delay.Seconds())
	c.metrics.RetryAttempt.Set(float64(attempt))
}

// SetSubscribers records the subscriber count of an RPC topic.
func (c *Collector) SetSubscribers(topic string, n int) {
	c.metrics.Subscribers.WithLabelValues(topic).Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
