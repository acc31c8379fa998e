package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"chanrpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// which gives key affinity to stateful replicas.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// The ring is rebuilt whenever Pick sees a different set of instance IDs.
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real instance

	mu    sync.Mutex
	ids   string                              // Fingerprint of the instance IDs on the ring
	ring  []uint32                            // Sorted hash values on the ring
	nodes map[uint32]registry.ServiceInstance // Hash value → instance mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// Pick finds the instance responsible for key.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(instances)

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}

// rebuild must be called with b.mu held.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	slices.Sort(ids)
	fingerprint := strings.Join(ids, "\x00")
	if fingerprint == b.ids && b.nodes != nil {
		return
	}

	b.ids = fingerprint
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		// each virtual node is hashed from "{id}#{i}"
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.ID, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	slices.Sort(b.ring)
}
