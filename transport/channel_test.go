package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type discardable struct {
	n         int
	discarded *int
	mu        *sync.Mutex
}

func (d discardable) Discard() {
	d.mu.Lock()
	*d.discarded++
	d.mu.Unlock()
}

func TestChannelFIFO(t *testing.T) {
	tx, rx := NewChannel[int]()
	for i := 0; i < 1000; i++ {
		require.NoError(t, tx.Send(i))
	}
	require.Equal(t, 1000, rx.Len())

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		v, err := rx.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
	require.Equal(t, 0, rx.Len())
}

func TestChannelEndOfStreamAfterAllClonesClosed(t *testing.T) {
	tx, rx := NewChannel[string]()
	tx2 := tx.Clone()

	require.NoError(t, tx.Send("a"))
	require.NoError(t, tx.Close())
	require.NoError(t, tx.Close()) // idempotent
	require.NoError(t, tx2.Send("b"))

	ctx := context.Background()
	v, err := rx.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", v)

	require.NoError(t, tx2.Close())

	// buffered items survive the last close
	v, err = rx.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", v)

	_, err = rx.Recv(ctx)
	require.ErrorIs(t, err, ErrClosed)

	select {
	case <-rx.Closed():
	default:
		t.Fatal("expected Closed to be signalled")
	}
}

func TestChannelSendOnClosedHandle(t *testing.T) {
	tx, _ := NewChannel[int]()
	require.NoError(t, tx.Close())
	require.ErrorIs(t, tx.Send(1), ErrSenderClosed)
	require.Panics(t, func() { tx.Clone() })
}

func TestChannelRecvBlocksUntilSend(t *testing.T) {
	tx, rx := NewChannel[int]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = tx.Send(42)
	}()
	v, err := rx.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestChannelRecvContext(t *testing.T) {
	_, rx := NewChannel[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rx.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelReceiverCloseDisconnectsAndDiscards(t *testing.T) {
	var (
		mu        sync.Mutex
		discarded int
	)
	tx, rx := NewChannel[discardable]()
	for i := 0; i < 3; i++ {
		require.NoError(t, tx.Send(discardable{n: i, discarded: &discarded, mu: &mu}))
	}

	require.NoError(t, rx.Close())
	require.True(t, tx.Disconnected())
	require.Equal(t, 3, discarded)

	err := tx.Send(discardable{discarded: &discarded, mu: &mu})
	require.ErrorIs(t, err, ErrDisconnected)
	require.Equal(t, 4, discarded)

	_, err = rx.Recv(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestChannelConcurrentProducers(t *testing.T) {
	const (
		producers = 8
		perClone  = 500
	)
	tx, rx := NewChannel[[2]int]()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		clone := tx.Clone()
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			defer clone.Close()
			for i := 0; i < perClone; i++ {
				if err := clone.Send([2]int{p, i}); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(p)
	}
	require.NoError(t, tx.Close())

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}
	total := 0
	for {
		v, err := rx.Recv(context.Background())
		if err != nil {
			require.ErrorIs(t, err, ErrClosed)
			break
		}
		// per-producer order is preserved
		require.Equal(t, last[v[0]]+1, v[1])
		last[v[0]] = v[1]
		total++
	}
	wg.Wait()
	require.Equal(t, producers*perClone, total)
}

func TestChannelSendRacingCloseIsReceivedOrDiscarded(t *testing.T) {
	const sends = 100
	for round := 0; round < 200; round++ {
		var (
			mu        sync.Mutex
			discarded int
			accepted  int
		)
		tx, rx := NewChannel[discardable]()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < sends; i++ {
				if tx.Send(discardable{n: i, discarded: &discarded, mu: &mu}) == nil {
					accepted++
				}
			}
		}()
		go func() {
			defer wg.Done()
			tx.Close()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		received := 0
		for {
			_, err := rx.Recv(ctx)
			if err != nil {
				require.ErrorIs(t, err, ErrClosed)
				break
			}
			received++
		}
		cancel()
		wg.Wait()

		require.Equal(t, accepted, received, "round %d", round)
		mu.Lock()
		require.Equal(t, sends-accepted, discarded, "round %d", round)
		mu.Unlock()
		require.Zero(t, rx.Len())
	}
}
