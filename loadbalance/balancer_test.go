package loadbalance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"chanrpc/middleware"
	"chanrpc/registry"

	"github.com/stretchr/testify/require"
)

var testInstances = []registry.ServiceInstance{
	{ID: "kv-1", Weight: 10, Version: "1.0"},
	{ID: "kv-2", Weight: 5, Version: "1.0"},
	{ID: "kv-3", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		results[i] = inst.ID
	}
	require.Equal(t, []string{"kv-1", "kv-2", "kv-3"}, results)

	// Pick again, should wrap around to first
	inst, err := b.Pick("", testInstances)
	require.NoError(t, err)
	require.Equal(t, results[0], inst.ID)
}

func TestBalancersRejectEmpty(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		_, err := b.Pick("k", nil)
		require.ErrorIs(t, err, ErrNoInstances, b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		counts[inst.ID]++
	}

	// Weight ratio is 10:5:10, so kv-1 and kv-3 should be ~2x of kv-2
	ratio := float64(counts["kv-1"]) / float64(counts["kv-2"])
	require.InDelta(t, 2.0, ratio, 0.5)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	// Same key should always map to the same instance
	inst1, err := b.Pick("user-123", testInstances)
	require.NoError(t, err)
	inst2, err := b.Pick("user-123", testInstances)
	require.NoError(t, err)
	require.Equal(t, inst1.ID, inst2.ID)

	// Different keys should (likely) map to different instances
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := b.Pick(fmt.Sprintf("key-%d", i), testInstances)
		require.NoError(t, err)
		seen[inst.ID] = true
	}
	require.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashFollowsInstanceSet(t *testing.T) {
	b := NewConsistentHashBalancer()

	owner, err := b.Pick("user-123", testInstances)
	require.NoError(t, err)

	var rest []registry.ServiceInstance
	for _, inst := range testInstances {
		if inst.ID != owner.ID {
			rest = append(rest, inst)
		}
	}
	moved, err := b.Pick("user-123", rest)
	require.NoError(t, err)
	require.NotEqual(t, owner.ID, moved.ID)

	// keys owned by surviving instances do not move
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		before, err := b.Pick(key, testInstances)
		require.NoError(t, err)
		if before.ID == owner.ID {
			continue
		}
		after, err := b.Pick(key, rest)
		require.NoError(t, err)
		require.Equal(t, before.ID, after.ID, key)
	}
}

type keyedRequest string

func (k keyedRequest) Key() string { return string(k) }

// replicaEndpoints registers n replicas that answer with their own ID.
func replicaEndpoints(t *testing.T, reg registry.Registry, n int) *Endpoints[keyedRequest, string] {
	t.Helper()
	eps := NewEndpoints[keyedRequest, string]()
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("kv-%d", i)
		require.NoError(t, reg.Register("KV", registry.ServiceInstance{ID: id, Weight: 1}, 10))
		eps.Add(id, middleware.ServiceFunc[keyedRequest, string](func(context.Context, keyedRequest) (string, error) {
			return id, nil
		}))
	}
	return eps
}

func TestBalanceRoundRobin(t *testing.T) {
	reg := registry.NewLocalRegistry()
	defer reg.Close()
	eps := replicaEndpoints(t, reg, 3)

	svc, err := Balance(reg, "KV", &RoundRobinBalancer{}, eps)
	require.NoError(t, err)

	var got []string
	for i := 0; i < 6; i++ {
		id, err := middleware.Oneshot(context.Background(), svc, keyedRequest(""))
		require.NoError(t, err)
		got = append(got, id)
	}
	require.Equal(t, []string{"kv-1", "kv-2", "kv-3", "kv-1", "kv-2", "kv-3"}, got)
}

func TestBalanceSkipsDeregisteredAndUnreachable(t *testing.T) {
	reg := registry.NewLocalRegistry()
	defer reg.Close()
	eps := replicaEndpoints(t, reg, 3)

	svc, err := Balance(reg, "KV", &RoundRobinBalancer{}, eps)
	require.NoError(t, err)

	require.NoError(t, reg.Deregister("KV", "kv-1"))
	_, ok := eps.Remove("kv-2")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		for i := 0; i < 3; i++ {
			id, err := middleware.Oneshot(context.Background(), svc, keyedRequest(""))
			if err != nil || id != "kv-3" {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	eps.Remove("kv-3")
	_, err = middleware.Oneshot(context.Background(), svc, keyedRequest(""))
	require.ErrorIs(t, err, ErrNoInstances)
}

func TestBalanceByKey(t *testing.T) {
	reg := registry.NewLocalRegistry()
	defer reg.Close()
	eps := replicaEndpoints(t, reg, 3)

	svc, err := Balance(reg, "KV", NewConsistentHashBalancer(), eps)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		key := keyedRequest(fmt.Sprintf("user-%d", i))
		first, err := middleware.Oneshot(context.Background(), svc, key)
		require.NoError(t, err)
		second, err := middleware.Oneshot(context.Background(), svc, key)
		require.NoError(t, err)
		require.Equal(t, first, second)
	}
	require.NoError(t, eps.Close())
}

func TestBalanceFollowsRegistryUntilLastHandleCloses(t *testing.T) {
	reg := registry.NewLocalRegistry()
	defer reg.Close()
	eps := replicaEndpoints(t, reg, 2)
	defer eps.Close()

	svc, err := Balance(reg, "KV", &RoundRobinBalancer{}, eps)
	require.NoError(t, err)
	clone := middleware.Clone(svc)
	require.NoError(t, middleware.Close(svc))
	require.NoError(t, middleware.Close(svc))

	// the clone keeps the watch alive
	require.NoError(t, reg.Deregister("KV", "kv-1"))
	require.Eventually(t, func() bool {
		for i := 0; i < 2; i++ {
			id, err := middleware.Oneshot(context.Background(), clone, keyedRequest(""))
			if err != nil || id != "kv-2" {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, middleware.Close(clone))
	require.NoError(t, reg.Deregister("KV", "kv-2"))
	require.Never(t, func() bool {
		_, err := middleware.Oneshot(context.Background(), clone, keyedRequest(""))
		return err != nil
	}, 100*time.Millisecond, 10*time.Millisecond)
}
