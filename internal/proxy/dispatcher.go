package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpremote/internal/jsonrpc"
	"mcpremote/internal/transport"
)

// Dispatcher defaults.
const (
	DefaultProbeInterval = 30 * time.Second

	// failureWindow bounds how long a retryable failure counts against
	// an endpoint's health.
	failureWindow = 60 * time.Second

	// degradeAfter retryable failures inside the window demote a Healthy
	// endpoint; downAfter more demote a Degraded one.
	degradeAfter = 2
	downAfter    = 3

	// reviveAfter consecutive probe successes restore an endpoint.
	reviveAfter = 2
)

// Health is an endpoint's last-known condition.
type Health int

const (
	Healthy Health = iota
	Degraded
	Down
)

// String returns the health name.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// Endpoint pairs a pool member's URL with its session remote.
type Endpoint struct {
	URL    string
	Remote Remote
}

// poolEntry is the dispatcher's book-keeping for one endpoint.
type poolEntry struct {
	url    string
	remote Remote

	mu             sync.Mutex
	health         Health
	failures       []time.Time
	degradedFails  int
	probeSuccesses int
	nextEligibleAt time.Time
	inflight       int
}

func (e *poolEntry) healthNow() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// recordFailure notes a retryable failure and applies the demotion
// thresholds.
func (e *poolEntry) recordFailure(now time.Time, probeInterval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.health {
	case Healthy:
		cutoff := now.Add(-failureWindow)
		kept := e.failures[:0]
		for _, ts := range e.failures {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		e.failures = append(kept, now)
		if len(e.failures) >= degradeAfter {
			e.health = Degraded
			e.failures = nil
			e.degradedFails = 0
			e.nextEligibleAt = now.Add(probeInterval)
			slog.Warn("Endpoint degraded", "endpoint", e.url)
		}
	case Degraded:
		e.degradedFails++
		if e.degradedFails >= downAfter {
			e.health = Down
			e.probeSuccesses = 0
			e.nextEligibleAt = now.Add(probeInterval)
			slog.Warn("Endpoint down", "endpoint", e.url)
		}
	case Down:
		e.probeSuccesses = 0
		e.nextEligibleAt = now.Add(probeInterval)
	}
}

// recordSuccess clears failure history; a probed endpoint needs
// reviveAfter consecutive successes to come back.
func (e *poolEntry) recordSuccess(probe bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.health {
	case Healthy:
		e.failures = nil
	case Degraded, Down:
		// Real traffic succeeding counts like a probe success.
		e.probeSuccesses++
		if e.probeSuccesses >= reviveAfter {
			prev := e.health
			e.health = Healthy
			e.failures = nil
			e.degradedFails = 0
			e.probeSuccesses = 0
			slog.Info("Endpoint recovered", "endpoint", e.url, "was", prev.String())
		}
	}
}

// DispatcherConfig tunes the pool.
type DispatcherConfig struct {
	// ProbeInterval is the cadence of ping probes against non-Healthy
	// endpoints. Zero means the default.
	ProbeInterval time.Duration
}

// Dispatcher spreads new requests round-robin across a pool of remote
// endpoints while pinning each request id to the endpoint that carries
// it, so responses and retries stay on one session. It satisfies Remote,
// letting a single forwarder drive the whole pool.
type Dispatcher struct {
	cfg     DispatcherConfig
	entries []*poolEntry

	mu   sync.Mutex
	next int
	pins map[string]*poolEntry

	incoming  chan *jsonrpc.Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewDispatcher builds a dispatcher over the endpoints and starts the
// inbound merge plus the health prober.
func NewDispatcher(cfg DispatcherConfig, endpoints []Endpoint) (*Dispatcher, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("dispatcher needs at least one endpoint")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	d := &Dispatcher{
		cfg:      cfg,
		pins:     make(map[string]*poolEntry),
		incoming: make(chan *jsonrpc.Message, 64),
		closed:   make(chan struct{}),
	}
	for _, ep := range endpoints {
		entry := &poolEntry{url: ep.URL, remote: ep.Remote}
		d.entries = append(d.entries, entry)
		go d.merge(entry)
	}
	go d.probeLoop()
	return d, nil
}

// merge forwards one endpoint's inbound stream, unpinning ids as their
// responses pass through.
func (d *Dispatcher) merge(entry *poolEntry) {
	for {
		select {
		case msg, ok := <-entry.remote.Incoming():
			if !ok {
				return
			}
			if msg.Kind() == jsonrpc.KindResponse {
				d.unpin(msg.CorrelationKey())
			}
			select {
			case d.incoming <- msg:
			case <-d.closed:
				return
			}
		case <-d.closed:
			return
		}
	}
}

// Incoming yields merged responses and notifications from every endpoint.
func (d *Dispatcher) Incoming() <-chan *jsonrpc.Message { return d.incoming }

// Do routes one message. Requests round-robin over eligible endpoints
// and pin their id; responses and notifications follow their pin.
func (d *Dispatcher) Do(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	var entry *poolEntry
	if msg.Kind() == jsonrpc.KindRequest {
		var err error
		entry, err = d.pick()
		if err != nil {
			return nil, err
		}
		d.pin(msg.CorrelationKey(), entry)
	} else {
		entry = d.pinned(msg.CorrelationKey())
		if entry == nil {
			var err error
			entry, err = d.pick()
			if err != nil {
				return nil, err
			}
		}
	}

	entry.mu.Lock()
	entry.inflight++
	entry.mu.Unlock()

	reply, err := entry.remote.Do(ctx, msg)

	entry.mu.Lock()
	entry.inflight--
	entry.mu.Unlock()

	if msg.Kind() == jsonrpc.KindRequest {
		if err != nil {
			d.unpin(msg.CorrelationKey())
			if isRetryableFailure(err) {
				entry.recordFailure(time.Now(), d.cfg.ProbeInterval)
			}
			return nil, err
		}
		entry.recordSuccess(false)
		if reply != nil {
			d.unpin(msg.CorrelationKey())
		}
	}
	return reply, err
}

// pick returns the next eligible endpoint: Healthy round-robin first,
// Degraded only when nothing is Healthy, Down never.
func (d *Dispatcher) pick() (*poolEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.entries)
	for i := 0; i < n; i++ {
		entry := d.entries[(d.next+i)%n]
		if entry.healthNow() == Healthy {
			d.next = (d.next + i + 1) % n
			return entry, nil
		}
	}
	for i := 0; i < n; i++ {
		entry := d.entries[(d.next+i)%n]
		if entry.healthNow() == Degraded {
			d.next = (d.next + i + 1) % n
			return entry, nil
		}
	}
	return nil, fmt.Errorf("no eligible endpoint in pool (%d down)", n)
}

func (d *Dispatcher) pin(key string, entry *poolEntry) {
	d.mu.Lock()
	d.pins[key] = entry
	d.mu.Unlock()
}

func (d *Dispatcher) pinned(key string) *poolEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pins[key]
}

func (d *Dispatcher) unpin(key string) {
	d.mu.Lock()
	delete(d.pins, key)
	d.mu.Unlock()
}

// probeLoop pings non-Healthy endpoints on the probe cadence.
func (d *Dispatcher) probeLoop() {
	ticker := time.NewTicker(d.cfg.ProbeInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.probeOnce()
		case <-d.closed:
			return
		}
	}
}

func (d *Dispatcher) probeOnce() {
	now := time.Now()
	for _, entry := range d.entries {
		entry.mu.Lock()
		eligible := entry.health != Healthy && !now.Before(entry.nextEligibleAt)
		if eligible {
			entry.nextEligibleAt = now.Add(d.cfg.ProbeInterval)
		}
		entry.mu.Unlock()
		if !eligible {
			continue
		}
		go d.probe(entry)
	}
}

// probe sends one synthetic ping to an unhealthy endpoint.
func (d *Dispatcher) probe(entry *poolEntry) {
	id, err := json.Marshal("probe-" + uuid.NewString())
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = entry.remote.Do(ctx, jsonrpc.NewRequest(id, "ping", nil))
	if err != nil {
		slog.Debug("Health probe failed", "endpoint", entry.url, "error", err)
		entry.mu.Lock()
		entry.probeSuccesses = 0
		entry.mu.Unlock()
		return
	}
	entry.recordSuccess(true)
}

// Health reports each endpoint's current state, for diagnostics.
func (d *Dispatcher) Health() map[string]Health {
	out := make(map[string]Health, len(d.entries))
	for _, entry := range d.entries {
		out[entry.url] = entry.healthNow()
	}
	return out
}

// Close tears down every endpoint.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		for _, entry := range d.entries {
			entry.remote.Close()
		}
	})
	return nil
}

// isRetryableFailure decides whether an error counts against endpoint
// health. Exhausted retries and retryable transport errors do; a 4xx or
// auth challenge does not.
func isRetryableFailure(err error) bool {
	if errors.Is(err, transport.ErrExhausted) {
		return true
	}
	var te *transport.Error
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}
