// Package presence maps authenticated identities to their live delivery
// handles. It is the source of truth for "is this user reachable right now".
// A handle can be a realtime WebSocket connection or a fallback poll buffer;
// the registry does not care which.
package presence

import "sync"

// Handle is anything that can deliver an encoded server event to a client.
type Handle interface {
	Deliver(event []byte) error
}

// Registry is a goroutine-safe identity -> Handle map. Contention is
// naturally partitioned per identity; no operation holds the lock during
// delivery.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Bind associates identity with h, atomically replacing any prior binding.
// A reconnect therefore never leaves two live handles for one identity. The
// replaced handle is returned so the caller can close it.
func (r *Registry) Bind(identity string, h Handle) (replaced Handle) {
	r.mu.Lock()
	replaced = r.handles[identity]
	r.handles[identity] = h
	r.mu.Unlock()
	if replaced == h {
		return nil
	}
	return replaced
}

// Unbind removes the binding for identity.
func (r *Registry) Unbind(identity string) {
	r.mu.Lock()
	delete(r.handles, identity)
	r.mu.Unlock()
}

// UnbindHandle removes the binding only if it still points at h. This keeps
// a disconnect cleanup from tearing down the binding of a client that has
// already reconnected with a fresh handle.
func (r *Registry) UnbindHandle(identity string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[identity] != h {
		return false
	}
	delete(r.handles, identity)
	return true
}

// IsOnline reports whether identity has a live handle.
func (r *Registry) IsOnline(identity string) bool {
	r.mu.RLock()
	_, ok := r.handles[identity]
	r.mu.RUnlock()
	return ok
}

// Notify delivers event to identity's handle. It is a no-op returning
// (false, nil) when the identity is not bound; the caller decides whether
// absence is an error.
func (r *Registry) Notify(identity string, event []byte) (delivered bool, err error) {
	r.mu.RLock()
	h, ok := r.handles[identity]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := h.Deliver(event); err != nil {
		return false, err
	}
	return true, nil
}

// Count returns the number of bound identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
