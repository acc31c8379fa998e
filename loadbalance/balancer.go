// Package loadbalance provides load balancing strategies for distributing
// calls across the replicas of a service, and the Balance middleware that
// applies them to local endpoints.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity replicas
//   - WeightedRandom:  Heterogeneous replicas
//   - ConsistentHash:  Stateful replicas requiring key affinity
package loadbalance

import (
	"errors"

	"chanrpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The Balance middleware calls Pick before each call to select a replica.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the
	// request for key-based strategies and is ignored by the others.
	// Called on every call, must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
