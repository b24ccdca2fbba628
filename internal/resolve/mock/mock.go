// Package mock provides a test double for the resolve.Resolver interface.
package mock

import (
	"context"
	"sync"

	"github.com/anchorlens/anchorlens/internal/resolve"
)

// Resolver returns a fixed Room or error for every Resolve call.
type Resolver struct {
	mu sync.Mutex

	// Room is returned on success.
	Room resolve.Room

	// Err, when non-nil, fails every call.
	Err error

	// Refs records the roomRef arguments in call order.
	Refs []string
}

var _ resolve.Resolver = (*Resolver)(nil)

// Resolve records the call and serves the configured result.
func (r *Resolver) Resolve(_ context.Context, roomRef string) (resolve.Room, error) {
	r.mu.Lock()
	r.Refs = append(r.Refs, roomRef)
	r.mu.Unlock()
	if r.Err != nil {
		return resolve.Room{}, r.Err
	}
	return r.Room, nil
}

// Calls returns the number of Resolve invocations so far.
func (r *Resolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Refs)
}
