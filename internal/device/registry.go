package device

import (
	"log"
	"sync"
)

// Registry is the process-wide map of device id -> Device. Structural
// mutation (create, delete) holds the registry mutex; per-device field
// mutation holds the device's own mutex.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
}

// NewRegistry returns an empty registry. One registry is owned at process
// root and passed by reference.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// GetOrCreate returns the device for id, creating it on first reference.
func (r *Registry) GetOrCreate(id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		return d
	}
	d := New(id, "Lattice-"+shortID(id))
	r.devices[id] = d
	log.Printf("[Registry] Device created: id=%s", id)
	return d
}

// Get returns the device for id, or nil.
func (r *Registry) Get(id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[id]
}

// Reset replaces the device for id with a fresh instance and returns it.
func (r *Registry) Reset(id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := New(id, "Lattice-"+shortID(id))
	r.devices[id] = d
	log.Printf("[Registry] Device reset: id=%s", id)
	return d
}

// Delete removes the device for id.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// IDs returns a snapshot of known device ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	return ids
}

func shortID(id string) string {
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
