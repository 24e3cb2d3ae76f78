// Package signing implements the approval flow for sign requests: a
// pending request is created and broadcast to the UI, the requesting
// handler suspends until the user approves or rejects, and the outcome is
// broadcast back. Deadlines ride on a TTL cache; eviction by expiry is
// the timeout path.
package signing

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/jaydenbeard/lattice-sim/internal/models"
)

// DefaultTimeout is the signing decision deadline unless configured
// per request.
const DefaultTimeout = 5 * time.Minute

// Status of a pending request. pending -> approved|rejected|expired,
// terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Outcome resolves a waiter.
type Outcome struct {
	Status    Status
	Signature []byte // DER, approved only
	Recovery  int    // recovery id, -1 when not applicable
}

// RequestType distinguishes sign and pairing approvals.
type RequestType string

const (
	TypeSign RequestType = "SIGN"
	TypePair RequestType = "PAIR"
)

// Request is one pending approval.
type Request struct {
	ID        string
	DeviceID  string
	Type      RequestType
	CreatedAt time.Time
	Timeout   time.Duration
	Payload   models.SigningRequestPayload

	once sync.Once
	done chan Outcome
}

// resolve completes the request exactly once.
func (r *Request) resolve(o Outcome) {
	r.once.Do(func() { r.done <- o })
}

// Broadcaster fans signing lifecycle events out to the UI channel.
type Broadcaster interface {
	SigningRequestCreated(deviceID string, payload models.SigningRequestPayload)
	SigningRequestCompleted(deviceID, requestID string, status Status)
}

// Approvals is the device-wide pending table.
type Approvals struct {
	cache *ttlcache.Cache[string, *Request]
	sink  Broadcaster

	mu      sync.Mutex
	timeout time.Duration
}

// NewApprovals builds the table and starts its expiry loop.
func NewApprovals(sink Broadcaster) *Approvals {
	a := &Approvals{
		cache:   ttlcache.New[string, *Request](),
		sink:    sink,
		timeout: DefaultTimeout,
	}
	a.cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *Request]) {
		if item == nil {
			return
		}
		req := item.Value()
		// Deletion after approve/reject also lands here; resolve is
		// once-only so the expired outcome loses that race by design.
		req.resolve(Outcome{Status: StatusExpired, Recovery: -1})
	})
	go a.cache.Start()
	return a
}

// Stop halts the expiry loop.
func (a *Approvals) Stop() {
	a.cache.Stop()
}

// SetTimeout adjusts the default decision deadline (update_config).
func (a *Approvals) SetTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d > 0 {
		a.timeout = d
	}
}

// Create registers a pending request and broadcasts
// signing_request_created. timeout <= 0 uses the configured default.
func (a *Approvals) Create(deviceID string, reqType RequestType, payload models.SigningRequestPayload, timeout time.Duration) *Request {
	if timeout <= 0 {
		a.mu.Lock()
		timeout = a.timeout
		a.mu.Unlock()
	}
	req := &Request{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Type:      reqType,
		CreatedAt: time.Now(),
		Timeout:   timeout,
		Payload:   payload,
		done:      make(chan Outcome, 1),
	}
	req.Payload.RequestID = req.ID
	req.Payload.CreatedAt = req.CreatedAt.UnixMilli()
	req.Payload.TimeoutMs = timeout.Milliseconds()

	a.cache.Set(req.ID, req, timeout)
	log.Printf("[Signing] Request created: device=%s id=%s timeout=%s", deviceID, req.ID, timeout)
	if a.sink != nil {
		a.sink.SigningRequestCreated(deviceID, req.Payload)
	}
	return req
}

// Await suspends the calling handler until the request resolves and
// broadcasts signing_request_completed with the outcome.
func (a *Approvals) Await(req *Request) Outcome {
	o := <-req.done
	log.Printf("[Signing] Request completed: device=%s id=%s status=%s", req.DeviceID, req.ID, o.Status)
	if a.sink != nil {
		a.sink.SigningRequestCompleted(req.DeviceID, req.ID, o.Status)
	}
	return o
}

// Approve resolves a pending request with the UI's detached signature.
func (a *Approvals) Approve(requestID string, derSig []byte, recovery int) bool {
	item := a.cache.Get(requestID)
	if item == nil {
		return false
	}
	req := item.Value()
	req.resolve(Outcome{Status: StatusApproved, Signature: derSig, Recovery: recovery})
	a.cache.Delete(requestID)
	return true
}

// Reject resolves a pending request with userDeclined.
func (a *Approvals) Reject(requestID string) bool {
	item := a.cache.Get(requestID)
	if item == nil {
		return false
	}
	req := item.Value()
	req.resolve(Outcome{Status: StatusRejected, Recovery: -1})
	a.cache.Delete(requestID)
	return true
}

// ExpireForDevice force-expires every pending request for a device,
// used when its sessions are disposed.
func (a *Approvals) ExpireForDevice(deviceID string) {
	var ids []string
	a.cache.Range(func(item *ttlcache.Item[string, *Request]) bool {
		if item.Value().DeviceID == deviceID {
			ids = append(ids, item.Key())
		}
		return true
	})
	for _, id := range ids {
		if item := a.cache.Get(id); item != nil {
			item.Value().resolve(Outcome{Status: StatusExpired, Recovery: -1})
			a.cache.Delete(id)
		}
	}
}
