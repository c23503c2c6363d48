package transfer

import (
	"sort"
	"sync"
)

// Registry tracks which remote endpoints are subscribed to the Sender's
// channel. Membership changes only through the link layer's subscribe and
// unsubscribe notifications.
//
// Like per-connection CCCD state, a subscription is never shared across
// endpoints and is dropped when the endpoint goes away.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]struct{}
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		subscribers: make(map[string]struct{}),
	}
}

// Add subscribes endpoint; returns false if it was already present
func (r *Registry) Add(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscribers[endpoint]; exists {
		return false
	}
	r.subscribers[endpoint] = struct{}{}
	return true
}

// Remove unsubscribes endpoint; returns false if it was not present
func (r *Registry) Remove(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscribers[endpoint]; !exists {
		return false
	}
	delete(r.subscribers, endpoint)
	return true
}

// Contains reports whether endpoint is subscribed
func (r *Registry) Contains(endpoint string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.subscribers[endpoint]
	return exists
}

// Len returns the number of subscribed endpoints
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Snapshot returns the subscribed endpoints in sorted order
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := make([]string, 0, len(r.subscribers))
	for endpoint := range r.subscribers {
		endpoints = append(endpoints, endpoint)
	}
	sort.Strings(endpoints)
	return endpoints
}

// ForEach calls fn for every endpoint subscribed at call time
// fn runs on a snapshot without the lock held, so it may call Add or Remove
func (r *Registry) ForEach(fn func(endpoint string)) {
	for _, endpoint := range r.Snapshot() {
		fn(endpoint)
	}
}
