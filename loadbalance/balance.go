package loadbalance

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"chanrpc/message"
	"chanrpc/middleware"
	"chanrpc/registry"
)

// Endpoints maps replica IDs to the local services that reach them, usually
// the client side of each replica's channel. It is safe for concurrent use.
type Endpoints[Req, Resp any] struct {
	mu sync.RWMutex
	m  map[string]middleware.Service[Req, Resp]
}

func NewEndpoints[Req, Resp any]() *Endpoints[Req, Resp] {
	return &Endpoints[Req, Resp]{m: make(map[string]middleware.Service[Req, Resp])}
}

// Add makes svc reachable under id, replacing any previous endpoint.
func (e *Endpoints[Req, Resp]) Add(id string, svc middleware.Service[Req, Resp]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[id] = svc
}

// Remove forgets id and returns its endpoint, if any. The caller owns it.
func (e *Endpoints[Req, Resp]) Remove(id string) (middleware.Service[Req, Resp], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	svc, ok := e.m[id]
	delete(e.m, id)
	return svc, ok
}

func (e *Endpoints[Req, Resp]) get(id string) (middleware.Service[Req, Resp], bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	svc, ok := e.m[id]
	return svc, ok
}

// Close closes and forgets every endpoint.
func (e *Endpoints[Req, Resp]) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for id, svc := range e.m {
		if err := middleware.Close(svc); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.m, id)
	}
	return firstErr
}

type balance[Req, Resp any] struct {
	service   string
	balancer  Balancer
	endpoints *Endpoints[Req, Resp]
	instances *atomic.Pointer[[]registry.ServiceInstance]
	watch     *watch
	closeOnce sync.Once
}

// watch follows the registry while any handle of a balance is open.
type watch struct {
	mu   sync.Mutex
	refs int
	stop chan struct{}
}

func (w *watch) acquire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs++
}

func (w *watch) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs--
	if w.refs > 0 {
		return
	}
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// Balance spreads calls across the replicas of service registered in reg.
// Each call goes to the replica picked by balancer among the registered
// instances that have an endpoint; requests implementing message.Keyed are
// picked by key. The instance list follows reg.Watch until every handle of
// the returned service is closed. Closing does not close the endpoints.
//
// The replica is only known once the request is, so Ready reports nothing:
// Call picks a replica, waits for it to be ready, then calls it. The picked
// endpoint must be safe for concurrent use.
func Balance[Req, Resp any](reg registry.Registry, service string, balancer Balancer, endpoints *Endpoints[Req, Resp]) (middleware.Service[Req, Resp], error) {
	updates := reg.Watch(service)
	initial, err := reg.Discover(service)
	if err != nil {
		return nil, fmt.Errorf("loadbalance: discover %s: %w", service, err)
	}

	instances := new(atomic.Pointer[[]registry.ServiceInstance])
	instances.Store(&initial)
	w := &watch{refs: 1, stop: make(chan struct{})}
	go func() {
		for {
			select {
			case <-w.stop:
				return
			case list, ok := <-updates:
				if !ok {
					return
				}
				select {
				case <-w.stop:
					return
				default:
				}
				instances.Store(&list)
			}
		}
	}()

	return &balance[Req, Resp]{
		service:   service,
		balancer:  balancer,
		endpoints: endpoints,
		instances: instances,
		watch:     w,
	}, nil
}

func (b *balance[Req, Resp]) Ready(context.Context) error {
	return nil
}

func (b *balance[Req, Resp]) Call(ctx context.Context, req Req) middleware.Future[Resp] {
	var zero Resp
	svc, err := b.pick(req)
	if err != nil {
		return middleware.Resolve(zero, err)
	}
	if err := svc.Ready(ctx); err != nil {
		return middleware.Resolve(zero, err)
	}
	return svc.Call(ctx, req)
}

func (b *balance[Req, Resp]) Clone() middleware.Service[Req, Resp] {
	b.watch.acquire()
	return &balance[Req, Resp]{
		service:   b.service,
		balancer:  b.balancer,
		endpoints: b.endpoints,
		instances: b.instances,
		watch:     b.watch,
	}
}

// Close releases this handle. It is idempotent.
func (b *balance[Req, Resp]) Close() error {
	b.closeOnce.Do(b.watch.release)
	return nil
}

func (b *balance[Req, Resp]) pick(req Req) (middleware.Service[Req, Resp], error) {
	var key string
	if k, ok := any(req).(message.Keyed); ok {
		key = k.Key()
	}

	all := *b.instances.Load()
	live := make([]registry.ServiceInstance, 0, len(all))
	for _, inst := range all {
		if _, ok := b.endpoints.get(inst.ID); ok {
			live = append(live, inst)
		}
	}

	inst, err := b.balancer.Pick(key, live)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.service, err)
	}
	svc, ok := b.endpoints.get(inst.ID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", b.service, ErrNoInstances)
	}
	return svc, nil
}
