// Package registry holds the workers known to one coordinator and caches
// their descriptors for the lifetime of the process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/aristath/taskrelay/internal/transport"
	"github.com/aristath/taskrelay/internal/worker"
	"golang.org/x/sync/singleflight"
	"trpc.group/trpc-go/trpc-a2a-go/server"
)

// ErrUnknownWorker is returned for a role that was never registered.
var ErrUnknownWorker = errors.New("unknown worker")

// Descriptor is what the coordinator knows about a worker.
type Descriptor struct {
	Role         worker.Role `json:"role"`
	Name         string      `json:"name"`
	Endpoint     string      `json:"endpoint"`
	Capabilities []string    `json:"capabilities"`
	Streaming    bool        `json:"streaming"`
}

// Supports reports whether the worker declares the given skill id.
func (d Descriptor) Supports(skill string) bool {
	for _, c := range d.Capabilities {
		if c == skill {
			return true
		}
	}
	return false
}

// FromCard converts an agent card into a descriptor. endpoint is the address
// the card was fetched from and wins over the card's own URL.
func FromCard(role worker.Role, endpoint string, card *server.AgentCard) Descriptor {
	d := Descriptor{
		Role:     role,
		Name:     card.Name,
		Endpoint: endpoint,
	}
	if d.Endpoint == "" {
		d.Endpoint = card.URL
	}
	for _, s := range card.Skills {
		d.Capabilities = append(d.Capabilities, s.ID)
	}
	if card.Capabilities.Streaming != nil {
		d.Streaming = *card.Capabilities.Streaming
	}
	return d
}

type entry struct {
	client     *transport.Client
	descriptor *Descriptor
}

// Registry maps each pipeline role to one worker. It is populated at
// startup and owned by the coordinator; descriptors are fetched on first use.
type Registry struct {
	mu      sync.RWMutex
	workers map[worker.Role]*entry
	fetches singleflight.Group
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{workers: make(map[worker.Role]*entry)}
}

// Register binds role to a worker client, dropping any cached descriptor.
func (r *Registry) Register(role worker.Role, c *transport.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[role] = &entry{client: c}
}

// Client returns the client registered for role.
func (r *Registry) Client(role worker.Role) (*transport.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, role)
	}
	return e.client, nil
}

// Roles returns the registered roles in sorted order.
func (r *Registry) Roles() []worker.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]worker.Role, 0, len(r.workers))
	for role := range r.workers {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Descriptor returns the cached descriptor for role, fetching it on first
// use. Concurrent first calls share one fetch. Failed fetches are not cached.
func (r *Registry) Descriptor(ctx context.Context, role worker.Role) (Descriptor, error) {
	r.mu.RLock()
	e, ok := r.workers[role]
	var cached *Descriptor
	if ok {
		cached = e.descriptor
	}
	r.mu.RUnlock()

	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownWorker, role)
	}
	if cached != nil {
		return *cached, nil
	}

	v, err, _ := r.fetches.Do(string(role), func() (any, error) {
		card, err := e.client.Descriptor(ctx)
		if err != nil {
			return nil, err
		}
		d := FromCard(role, e.client.BaseURL(), card)

		r.mu.Lock()
		// A concurrent Register replaced the entry; keep the new one clean.
		if r.workers[role] == e {
			e.descriptor = &d
		}
		r.mu.Unlock()
		return d, nil
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to fetch %s descriptor: %w", role, err)
	}
	return v.(Descriptor), nil
}

// Discover fetches every descriptor that is not cached yet. It returns the
// joined errors of the workers that could not be reached; those are retried
// lazily on first dispatch.
func (r *Registry) Discover(ctx context.Context) error {
	var errs []error
	for _, role := range r.Roles() {
		d, err := r.Descriptor(ctx, role)
		if err != nil {
			log.Printf("WARNING: %v", err)
			errs = append(errs, err)
			continue
		}
		log.Printf("Discovered %s worker %q at %s (streaming=%t)", role, d.Name, d.Endpoint, d.Streaming)
	}
	return errors.Join(errs...)
}

// Snapshot returns the descriptors fetched so far, keyed by role.
func (r *Registry) Snapshot() map[worker.Role]Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[worker.Role]Descriptor, len(r.workers))
	for role, e := range r.workers {
		if e.descriptor != nil {
			out[role] = *e.descriptor
		}
	}
	return out
}
