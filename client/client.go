// Package client connects to RPC servers, either by address or through the
// etcd tracker with a load balancing strategy, and hands back ready-to-use
// client sessions.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/endpoint"
	"github.com/kp-forks/tvm/loadbalance"
	"github.com/kp-forks/tvm/protocol"
	"github.com/kp-forks/tvm/registry"
)

// Options configures a connection.
type Options struct {
	// Key identifies this client to the server, for its logs.
	Key    string
	Logger *zap.Logger
	// DialTimeout bounds the TCP connect. Zero means no limit.
	DialTimeout time.Duration
	// ConstructorName, when set, names a registered session constructor on
	// the server; ConstructorArgs are passed to it. Empty selects the
	// server's default session.
	ConstructorName string
	ConstructorArgs []codec.Value
}

// Connect dials addr, runs the key handshake and initializes the remote
// session. The returned session owns the connection; Shutdown releases it.
func Connect(addr string, opts Options) (*endpoint.ClientSession, error) {
	if opts.Key == "" {
		opts.Key = "client"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	conn, err := net.DialTimeout("tcp", addr, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sess, err := Setup(conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// Setup runs the client side of the protocol over an established connection:
// send our key, read the server's, initialize the serving session. It is
// split from Connect so tests and custom transports can supply their own
// conn.
func Setup(conn net.Conn, opts Options) (*endpoint.ClientSession, error) {
	if err := writeKey(conn, "client:"+opts.Key); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	ep := endpoint.New(endpoint.NewNetChannel(conn), endpoint.Options{
		Name:      "client:" + conn.RemoteAddr().String(),
		RemoteKey: protocol.ToInitKey,
		Logger:    opts.Logger,
	})
	var ctorArgs []codec.Value
	if opts.ConstructorName != "" {
		ctorArgs = append([]codec.Value{codec.Str(opts.ConstructorName)}, opts.ConstructorArgs...)
	}
	if err := ep.InitRemoteSession(ctorArgs...); err != nil {
		return nil, fmt.Errorf("init remote session: %w", err)
	}
	opts.Logger.Info("rpc session established",
		zap.String("addr", conn.RemoteAddr().String()),
		zap.String("server_key", ep.RemoteKey()))
	return endpoint.NewClientSession(ep), nil
}

// ConnectViaTracker discovers live servers advertising key and connects to
// the one the balancer picks.
func ConnectViaTracker(ctx context.Context, tracker *registry.Tracker, key string,
	balancer loadbalance.Balancer, opts Options) (*endpoint.ClientSession, error) {
	if balancer == nil {
		balancer = &loadbalance.RoundRobin{}
	}
	instances, err := tracker.Discover(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("tracker discover %q: %w", key, err)
	}
	inst, err := balancer.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("no server for key %q: %w", key, err)
	}
	return Connect(inst.Addr, opts)
}

func writeKey(conn net.Conn, key string) error {
	buf := make([]byte, 4+len(key))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(key)))
	copy(buf[4:], key)
	_, err := conn.Write(buf)
	return err
}
