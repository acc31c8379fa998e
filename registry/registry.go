// Package registry keeps track of the live replicas of a service. A replica
// is a server loop identified by an ID; clients resolve IDs to local
// endpoints and balance calls across the replicas currently registered.
package registry

import (
	"errors"
	"slices"
	"strings"
	"sync"
)

var ErrRegistryClosed = errors.New("registry: closed")

type ServiceInstance struct {
	ID      string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, id string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}

// LocalRegistry is an in-memory Registry for replicas living in the same
// process. Entries do not expire; ttl is ignored. It is safe for concurrent
// use.
type LocalRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance
	watchers map[string][]chan []ServiceInstance
	closed   bool
}

func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

// Register adds or replaces the instance with the same ID.
func (r *LocalRegistry) Register(serviceName string, instance ServiceInstance, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	instances, ok := r.services[serviceName]
	if !ok {
		instances = make(map[string]ServiceInstance)
		r.services[serviceName] = instances
	}
	instances[instance.ID] = instance
	r.notify(serviceName)
	return nil
}

// Deregister removes an instance. Removing an unknown instance is not an
// error.
func (r *LocalRegistry) Deregister(serviceName string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.services[serviceName][id]; !ok {
		return nil
	}
	delete(r.services[serviceName], id)
	r.notify(serviceName)
	return nil
}

// Discover returns the registered instances ordered by ID.
func (r *LocalRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	return r.snapshot(serviceName), nil
}

// Watch emits the instance list of serviceName after every change. Only the
// latest list is kept for a slow reader. The channel is closed by Close.
func (r *LocalRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan []ServiceInstance, 1)
	if r.closed {
		close(ch)
		return ch
	}
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	return ch
}

// Close closes every watch channel. Later calls fail with ErrRegistryClosed.
func (r *LocalRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, chs := range r.watchers {
		for _, ch := range chs {
			close(ch)
		}
	}
	r.watchers = nil
	return nil
}

func (r *LocalRegistry) snapshot(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(r.services[serviceName]))
	for _, inst := range r.services[serviceName] {
		instances = append(instances, inst)
	}
	slices.SortFunc(instances, func(a, b ServiceInstance) int {
		return strings.Compare(a.ID, b.ID)
	})
	return instances
}

// notify must be called with r.mu held.
func (r *LocalRegistry) notify(serviceName string) {
	for _, ch := range r.watchers[serviceName] {
		// replace a stale pending list
		select {
		case <-ch:
		default:
		}
		ch <- r.snapshot(serviceName)
	}
}
