// Package server runs the blocking RPC server: a TCP accept loop that hands
// each connection to its own endpoint server loop, with optional tracker
// registration for discovery and graceful shutdown that waits out in-flight
// sessions.
//
// Connection lifecycle:
//
//	Accept conn → send "server:{key}" handshake → endpoint reads peer key
//	  → ServerLoop serves calls, copies and syscalls until the peer
//	    disconnects or sends Shutdown
package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/endpoint"
	"github.com/kp-forks/tvm/middleware"
	"github.com/kp-forks/tvm/protocol"
	"github.com/kp-forks/tvm/registry"
	"github.com/kp-forks/tvm/session"
)

// Options configures a Server.
type Options struct {
	// Key names the device capability this server offers ("cpu", "cuda").
	// It is sent to every connecting client and advertised to the tracker.
	Key    string
	Logger *zap.Logger
	// Registry holds the served functions and session constructors.
	// registry.Global when nil.
	Registry *registry.Funcs
	// Interceptors wrap every served function call, outermost first.
	Interceptors []middleware.Interceptor
	// MaxTransferSize, when positive, bounds the copy packets clients may
	// send. It is advertised through the rpc.GetMaxTransferSize probe.
	MaxTransferSize int64

	// Tracker settings. Leave Tracker nil to serve without discovery.
	Tracker       *registry.Tracker
	AdvertiseAddr string // routable address registered with the tracker
	Weight        int
	TrackerTTL    int64 // lease TTL in seconds, default 10
}

// Server accepts RPC connections and serves each one with a fresh session
// over the shared function registry.
type Server struct {
	opts     Options
	logger   *zap.Logger
	reg      *registry.Funcs
	listener net.Listener
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = registry.Global
	}
	if opts.Key == "" {
		opts.Key = "cpu"
	}
	if opts.TrackerTTL <= 0 {
		opts.TrackerTTL = 10
	}
	s := &Server{opts: opts, logger: opts.Logger, reg: opts.Registry}
	if opts.MaxTransferSize > 0 {
		limit := opts.MaxTransferSize
		s.reg.Register(endpoint.MaxTransferSizeFuncName, func(args []codec.Value) (codec.Value, error) {
			return codec.Int(limit), nil
		})
	}
	return s
}

// Addr returns the bound listen address, once Serve has started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve listens on address and accepts connections until Shutdown. It
// returns nil when the listener closes during shutdown.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("rpc server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("key", s.opts.Key))

	if s.opts.Tracker != nil {
		advertise := s.opts.AdvertiseAddr
		if advertise == "" {
			advertise = listener.Addr().String()
		}
		inst := registry.ServerInstance{Addr: advertise, Key: s.opts.Key, Weight: s.opts.Weight}
		if err := s.opts.Tracker.Register(context.Background(), s.opts.Key, inst, s.opts.TrackerTTL); err != nil {
			listener.Close()
			return fmt.Errorf("tracker registration: %w", err)
		}
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close during Shutdown surfaces here
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs one connection to completion: handshake, then the
// endpoint's blocking server loop.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	remote := conn.RemoteAddr().String()
	if err := writeKey(conn, "server:"+s.opts.Key); err != nil {
		s.logger.Warn("handshake write failed", zap.String("remote", remote), zap.Error(err))
		conn.Close()
		return
	}
	reg := s.reg
	interceptors := s.opts.Interceptors
	ep := endpoint.New(endpoint.NewNetChannel(conn), endpoint.Options{
		Name:      "server:" + remote,
		RemoteKey: protocol.ToInitKey,
		Logger:    s.logger,
		Registry:  reg,
		NewSession: func() session.Session {
			return session.NewLocal(reg, interceptors...)
		},
	})
	if err := ep.ServerLoop(); err != nil {
		s.logger.Warn("connection ended with error", zap.String("remote", remote), zap.Error(err))
	}
}

// Shutdown stops the server gracefully: deregister from the tracker so
// clients stop routing here, close the listener, then wait up to timeout for
// in-flight connections to drain.
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.opts.Tracker != nil {
		advertise := s.opts.AdvertiseAddr
		if advertise == "" && s.listener != nil {
			advertise = s.listener.Addr().String()
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.opts.Tracker.Deregister(ctx, s.opts.Key, advertise); err != nil {
			s.logger.Warn("tracker deregistration failed", zap.Error(err))
		}
		cancel()
	}

	// flag first: closing the listener wakes Accept with an error, and
	// Serve must be able to tell intentional close from failure
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("rpc server stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timed out after %v with connections still open", timeout)
	}
}

// writeKey sends the i32 length-prefixed key that opens every connection.
func writeKey(conn net.Conn, key string) error {
	buf := make([]byte, 4+len(key))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(key)))
	copy(buf[4:], key)
	_, err := conn.Write(buf)
	return err
}
