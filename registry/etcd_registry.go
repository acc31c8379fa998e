package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	etcdPrefix         = "/chanrpc/"
	etcdRequestTimeout = 5 * time.Second
)

// EtcdRegistry shares a replica directory between processes through etcd:
//
//	Key:   /chanrpc/{ServiceName}/{ID}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if a process dies, its lease expires
// and its replicas disappear from the directory.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	// ctx bounds keep-alives and watches; it is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]leaseHandle
}

type leaseHandle struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

// NewEtcdRegistry connects to the given etcd endpoints. A nil logger
// disables logging.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: etcdRequestTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]leaseHandle),
	}, nil
}

func etcdKey(serviceName, id string) string {
	return etcdPrefix + serviceName + "/" + id
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
//
// Note: the lease is tracked per key, so several servers may share one
// EtcdRegistry.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(r.ctx, etcdRequestTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := etcdKey(serviceName, instance.ID)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kaCtx, kaCancel := context.WithCancel(r.ctx)
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return err
	}
	// drain responses so the keep-alive channel never fills up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	if prev, ok := r.leases[key]; ok {
		prev.cancel()
	}
	r.leases[key] = leaseHandle{id: lease.ID, cancel: kaCancel}
	r.mu.Unlock()
	return nil
}

// Deregister removes an instance and revokes its lease.
func (r *EtcdRegistry) Deregister(serviceName string, id string) error {
	ctx, cancel := context.WithTimeout(r.ctx, etcdRequestTimeout)
	defer cancel()

	key := etcdKey(serviceName, id)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}

	r.mu.Lock()
	h, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		h.cancel()
		if _, err := r.client.Revoke(ctx, h.id); err != nil {
			r.logger.Warn("failed to revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Watch emits the full instance list whenever the service prefix changes
// (registrations, deregistrations, lease expirations). The channel is closed
// when the registry is closed.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := etcdPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// re-fetch the full list rather than applying individual events
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.logger.Warn("failed to refresh instances",
					zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case <-ch:
			default:
			}
			ch <- instances
		}
	}()

	return ch
}

// Discover returns every instance currently registered for serviceName.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(r.ctx, etcdRequestTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, etcdPrefix+serviceName+"/",
		clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every keep-alive and watch and closes the etcd client. Leases
// left behind expire after their TTL.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
