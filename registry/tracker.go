package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// trackerPrefix namespaces all tracker entries in etcd.
// Key layout: /tvm-rpc/{key}/{addr} → JSON-encoded ServerInstance.
const trackerPrefix = "/tvm-rpc/"

// ServerInstance describes one advertised RPC server.
type ServerInstance struct {
	Addr   string // dialable address, e.g. "10.0.0.3:9190"
	Key    string // device key the server serves, e.g. "cuda"
	Weight int    // relative capacity, used by weighted balancers
}

// Tracker is an etcd-backed directory of live RPC servers. Registration uses
// TTL leases with background keepalive, so a crashed server disappears on
// its own once the lease expires instead of lingering as a ghost entry.
type Tracker struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewTracker connects to the given etcd endpoints.
func NewTracker(endpoints []string, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	return &Tracker{client: cli, logger: logger}, nil
}

// Register advertises a server instance under key with a TTL lease and
// starts background lease renewal. If the process dies the entry expires
// after ttlSeconds.
func (t *Tracker) Register(ctx context.Context, key string, inst ServerInstance, ttlSeconds int64) error {
	lease, err := t.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return err
	}
	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if _, err := t.client.Put(ctx, trackerPrefix+key+"/"+inst.Addr, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}
	ch, err := t.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}
	// Drain keepalive acks so the channel never fills up.
	go func() {
		for range ch {
		}
		t.logger.Debug("tracker keepalive stopped", zap.String("key", key), zap.String("addr", inst.Addr))
	}()
	t.logger.Info("registered with tracker", zap.String("key", key), zap.String("addr", inst.Addr))
	return nil
}

// Deregister removes an instance, normally during graceful shutdown so
// clients stop routing to it immediately rather than waiting out the TTL.
func (t *Tracker) Deregister(ctx context.Context, key, addr string) error {
	_, err := t.client.Delete(ctx, trackerPrefix+key+"/"+addr)
	return err
}

// Discover returns all live instances advertised under key.
func (t *Tracker) Discover(ctx context.Context, key string) ([]ServerInstance, error) {
	resp, err := t.client.Get(ctx, trackerPrefix+key+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst ServerInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			t.logger.Warn("skipping malformed tracker entry", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch emits the full instance list for key whenever it changes. The
// channel closes when ctx is cancelled.
func (t *Tracker) Watch(ctx context.Context, key string) <-chan []ServerInstance {
	out := make(chan []ServerInstance, 1)
	go func() {
		defer close(out)
		watchCh := t.client.Watch(ctx, trackerPrefix+key+"/", clientv3.WithPrefix())
		for range watchCh {
			// Re-fetch the full list on any change; simpler than replaying
			// individual events and cheap at tracker scale.
			instances, err := t.Discover(ctx, key)
			if err != nil {
				t.logger.Warn("tracker re-discover failed", zap.String("key", key), zap.Error(err))
				continue
			}
			select {
			case out <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close releases the etcd client.
func (t *Tracker) Close() error { return t.client.Close() }
