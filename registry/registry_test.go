package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalRegisterAndDiscover(t *testing.T) {
	reg := NewLocalRegistry()
	defer reg.Close()

	inst1 := ServiceInstance{ID: "kv-1", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{ID: "kv-2", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register("KV", inst2, 10))
	require.NoError(t, reg.Register("KV", inst1, 10))

	instances, err := reg.Discover("KV")
	require.NoError(t, err)
	require.Equal(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister("KV", inst1.ID))
	require.NoError(t, reg.Deregister("KV", "unknown"))

	instances, err = reg.Discover("KV")
	require.NoError(t, err)
	require.Equal(t, []ServiceInstance{inst2}, instances)

	instances, err = reg.Discover("Other")
	require.NoError(t, err)
	require.Empty(t, instances)
}

func TestLocalRegisterReplacesSameID(t *testing.T) {
	reg := NewLocalRegistry()
	require.NoError(t, reg.Register("KV", ServiceInstance{ID: "a", Weight: 1}, 0))
	require.NoError(t, reg.Register("KV", ServiceInstance{ID: "a", Weight: 3}, 0))

	instances, err := reg.Discover("KV")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.Equal(t, 3, instances[0].Weight)
}

func TestLocalWatchKeepsLatest(t *testing.T) {
	reg := NewLocalRegistry()
	ch := reg.Watch("KV")

	require.NoError(t, reg.Register("KV", ServiceInstance{ID: "a"}, 0))
	require.NoError(t, reg.Register("KV", ServiceInstance{ID: "b"}, 0))

	select {
	case instances := <-ch:
		require.Len(t, instances, 2)
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	require.NoError(t, reg.Deregister("KV", "a"))
	require.Equal(t, []ServiceInstance{{ID: "b"}}, <-ch)

	require.NoError(t, reg.Close())
	_, ok := <-ch
	require.False(t, ok)

	require.ErrorIs(t, reg.Register("KV", ServiceInstance{ID: "c"}, 0), ErrRegistryClosed)
	_, err := reg.Discover("KV")
	require.ErrorIs(t, err, ErrRegistryClosed)
}
