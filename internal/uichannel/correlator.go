package uichannel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/jaydenbeard/lattice-sim/internal/models"
)

// DefaultRequestTimeout bounds a server_request round-trip to the UI.
const DefaultRequestTimeout = 5 * time.Minute

// Correlator resolution errors.
var (
	ErrUserTimeout   = errors.New("uichannel: ui response deadline exceeded")
	ErrChannelClosed = errors.New("uichannel: channel closed")
	ErrUIError       = errors.New("uichannel: ui reported error")
)

type result struct {
	resp *models.ClientResponse
	err  error
}

type pendingEntry struct {
	deviceID string
	once     sync.Once
	ch       chan result
}

func (e *pendingEntry) complete(r result) {
	e.once.Do(func() { e.ch <- r })
}

// Correlator is the pending table of outstanding server_requests, keyed
// by requestId. Entries expire on a deadline; expiry resolves the waiter
// with ErrUserTimeout. It replaces nested request/response callbacks with
// one awaitResponse primitive over a one-shot channel.
type Correlator struct {
	cache *ttlcache.Cache[string, *pendingEntry]

	mu      sync.Mutex
	timeout time.Duration
}

// NewCorrelator builds the table and starts its expiry loop.
func NewCorrelator() *Correlator {
	c := &Correlator{
		cache:   ttlcache.New[string, *pendingEntry](),
		timeout: DefaultRequestTimeout,
	}
	c.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *pendingEntry]) {
		if reason == ttlcache.EvictionReasonExpired {
			item.Value().complete(result{err: ErrUserTimeout})
		}
	})
	go c.cache.Start()
	return c
}

// Stop halts the expiry loop.
func (c *Correlator) Stop() {
	c.cache.Stop()
}

// SetTimeout adjusts the default round-trip deadline (update_config).
func (c *Correlator) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// Timeout returns the configured deadline.
func (c *Correlator) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// register adds a pending entry prior to sending the server_request.
func (c *Correlator) register(deviceID, requestID string, deadline time.Duration) *pendingEntry {
	if deadline <= 0 {
		deadline = c.Timeout()
	}
	e := &pendingEntry{deviceID: deviceID, ch: make(chan result, 1)}
	c.cache.Set(requestID, e, deadline)
	return e
}

// await blocks on the entry's one-shot channel.
func (c *Correlator) await(requestID string, e *pendingEntry) (*models.ClientResponse, error) {
	r := <-e.ch
	c.cache.Delete(requestID)
	return r.resp, r.err
}

// Resolve completes the waiter for a client_response. Unknown requestIds
// (already timed out, or duplicates) are dropped.
func (c *Correlator) Resolve(resp *models.ClientResponse) bool {
	item := c.cache.Get(resp.RequestID)
	if item == nil {
		return false
	}
	item.Value().complete(result{resp: resp})
	return true
}

// FailDevice fails every pending entry for a device, used when its UI
// channel closes with waiters in flight.
func (c *Correlator) FailDevice(deviceID string, err error) {
	var victims []*pendingEntry
	c.cache.Range(func(item *ttlcache.Item[string, *pendingEntry]) bool {
		if item.Value().deviceID == deviceID {
			victims = append(victims, item.Value())
		}
		return true
	})
	for _, e := range victims {
		e.complete(result{err: err})
	}
}
