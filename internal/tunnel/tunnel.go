// Package tunnel describes the component that intercepts and resolves DNS
// traffic and reports each outcome.
package tunnel

import (
	"context"
	"errors"
	"sync"

	"github.com/winspan/dnsguard/internal/models"
)

// ErrUnavailable is returned when the tunnel backend is not present.
var ErrUnavailable = errors.New("tunnel module unavailable")

// StartResult is the outcome of Start.
type StartResult struct {
	Success            bool `json:"success"`
	RequiresPermission bool `json:"requiresPermission"`
}

// PermissionResult is pushed after the user answered a permission prompt.
type PermissionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Tunnel is the surface the core consumes. Every On* call returns a func
// that removes the subscription.
type Tunnel interface {
	Start(ctx context.Context) (StartResult, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (bool, error)

	OnDNSRequest(fn func(models.DnsRequestEvent)) func()
	OnStatusChanged(fn func(bool)) func()
	OnPermissionResult(fn func(PermissionResult)) func()
}

// hub fans a value out to subscribers.
type hub[T any] struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(T)
}

func (h *hub[T]) subscribe(fn func(T)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(T))
	}
	id := h.next
	h.next++
	h.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *hub[T]) publish(v T) {
	h.mu.RLock()
	fns := make([]func(T), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (h *hub[T]) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// events groups the three subscriptions shared by Tunnel implementations.
type events struct {
	requests    hub[models.DnsRequestEvent]
	status      hub[bool]
	permissions hub[PermissionResult]
}

func (e *events) OnDNSRequest(fn func(models.DnsRequestEvent)) func() {
	return e.requests.subscribe(fn)
}

func (e *events) OnStatusChanged(fn func(bool)) func() {
	return e.status.subscribe(fn)
}

func (e *events) OnPermissionResult(fn func(PermissionResult)) func() {
	return e.permissions.subscribe(fn)
}
