package gateway

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// endpointBreaker tracks upstream health for one venue endpoint.
// Consecutive failures inside the rolling window trip it open; after
// the open period a single probe request is let through.
type endpointBreaker struct {
	failures   int
	firstFail  time.Time
	openedAt   time.Time
	state      breakerState
	probeInUse bool
}

// Breaker is the per-endpoint circuit breaker set. Endpoints fail
// independently at the venue, so each path gets its own state.
type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointBreaker

	threshold int
	window    time.Duration
	openFor   time.Duration

	now func() time.Time
}

// NewBreaker creates a breaker tripping after threshold consecutive
// failures within window, staying open for openFor.
func NewBreaker(threshold int, window, openFor time.Duration) *Breaker {
	return &Breaker{
		endpoints: make(map[string]*endpointBreaker),
		threshold: threshold,
		window:    window,
		openFor:   openFor,
		now:       time.Now,
	}
}

func (b *Breaker) get(endpoint string) *endpointBreaker {
	eb, ok := b.endpoints[endpoint]
	if !ok {
		eb = &endpointBreaker{}
		b.endpoints[endpoint] = eb
	}
	return eb
}

// Allow reports whether a request to endpoint may proceed. In the
// half-open state only one in-flight probe is admitted at a time.
func (b *Breaker) Allow(endpoint string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	eb := b.get(endpoint)
	switch eb.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(eb.openedAt) >= b.openFor {
			eb.state = stateHalfOpen
			eb.probeInUse = true
			return true
		}
		return false
	case stateHalfOpen:
		if eb.probeInUse {
			return false
		}
		eb.probeInUse = true
		return true
	}
	return true
}

// Success records a successful upstream call and closes the circuit.
func (b *Breaker) Success(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	eb := b.get(endpoint)
	eb.state = stateClosed
	eb.failures = 0
	eb.probeInUse = false
}

// Failure records an upstream failure. Consecutive failures within the
// window trip the circuit; a failed half-open probe reopens it.
func (b *Breaker) Failure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	eb := b.get(endpoint)
	now := b.now()

	if eb.state == stateHalfOpen {
		eb.state = stateOpen
		eb.openedAt = now
		eb.failures = 0
		eb.probeInUse = false
		return
	}

	if eb.failures == 0 || now.Sub(eb.firstFail) > b.window {
		eb.failures = 0
		eb.firstFail = now
	}
	eb.failures++

	if eb.failures >= b.threshold {
		eb.state = stateOpen
		eb.openedAt = now
		eb.failures = 0
	}
}

// State reports the current state of an endpoint for health output.
func (b *Breaker) State(endpoint string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(endpoint).state.String()
}

// OpenEndpoints lists endpoints currently open or half-open.
func (b *Breaker) OpenEndpoints() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for ep, eb := range b.endpoints {
		if eb.state != stateClosed {
			out = append(out, ep)
		}
	}
	return out
}
