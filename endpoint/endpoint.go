// Package endpoint implements the event-driven RPC endpoint: a protocol
// state machine over a pair of ring buffers, driven either by a blocking
// pump (clients and threaded servers) or by externally delivered IO events
// (event-loop servers). The ClientSession type in this package is the
// session-interface facade over a connected endpoint.
package endpoint

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/protocol"
	"github.com/kp-forks/tvm/registry"
	"github.com/kp-forks/tvm/ringbuf"
	"github.com/kp-forks/tvm/session"
)

// DefaultMaxPacketBytes is the inbound packet length limit when Options
// leave MaxPacket unset. It stays comfortably above DefaultMaxTransferSize
// so a full-size copy packet plus its overhead always fits.
const DefaultMaxPacketBytes = 512 << 20

// Options configures an Endpoint.
type Options struct {
	// Name labels the endpoint in logs.
	Name string
	// RemoteKey identifies the peer. protocol.ToInitKey makes the endpoint
	// read the key from the stream during the handshake instead.
	RemoteKey string
	Logger    *zap.Logger
	// Registry resolves session constructors and served functions.
	// registry.Global when nil.
	Registry *registry.Funcs
	// NewSession builds the serving session when the peer's InitServer names
	// no constructor. Defaults to a LocalSession over Registry.
	NewSession func() session.Session
	// MaxPacket bounds the length an inbound packet may declare; a longer
	// prefix is a protocol violation. DefaultMaxPacketBytes when zero.
	MaxPacket uint64
	// Cleanup runs once when the server loop finishes, before the channel
	// closes for good.
	Cleanup func()
}

// Endpoint drives the protocol state machine over a channel. A connection
// has one endpoint per side; an endpoint is either client-driven (its public
// call methods pump the machine) or server-driven (ServerLoop or the async
// IO event handler pumps it), never both.
//
// The mutex serializes the client-facing methods. The spin of the state
// machine itself is single-threaded by construction.
type Endpoint struct {
	mu sync.Mutex

	name    string
	logger  *zap.Logger
	channel Channel
	reader  *ringbuf.Buffer
	writer  *ringbuf.Buffer
	h       *handler
	cleanup func()
}

// New wraps ch in an endpoint. The endpoint owns the channel and closes it
// on shutdown.
func New(ch Channel, opts Options) *Endpoint {
	if opts.Name == "" {
		opts.Name = "endpoint"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = registry.Global
	}
	reg := opts.Registry
	if opts.NewSession == nil {
		opts.NewSession = func() session.Session { return session.NewLocal(reg) }
	}
	if opts.MaxPacket == 0 {
		opts.MaxPacket = DefaultMaxPacketBytes
	}
	e := &Endpoint{
		name:    opts.Name,
		logger:  opts.Logger,
		channel: ch,
		reader:  ringbuf.New(),
		writer:  ringbuf.New(),
		cleanup: opts.Cleanup,
	}
	e.h = newHandler(e.reader, e.writer, opts.Name, opts.RemoteKey, opts.Logger,
		reg, opts.NewSession, opts.MaxPacket, e.drainWriter)
	return e
}

// RemoteKey returns the peer's session key, once known.
func (e *Endpoint) RemoteKey() string { return e.h.remoteKeyValue() }

// drainWriter pushes all queued outbound bytes to the channel.
func (e *Endpoint) drainWriter() error {
	for e.writer.BytesAvailable() > 0 {
		n, err := e.writer.ReadWithCallback(e.channel.Send, e.writer.BytesAvailable())
		if err != nil {
			return fmt.Errorf("rpc send: %w", err)
		}
		if n == 0 {
			return errors.New("rpc send: channel made no progress")
		}
	}
	return nil
}

// HandleUntilReturnEvent pumps the state machine until a terminal event:
// drain queued output, receive exactly the bytes the machine still needs,
// advance, repeat. setReturn receives the payload of a Return packet.
//
// A peer disconnect at a packet boundary terminates the pump with
// protocol.CodeShutdown; a disconnect mid-packet is an error.
func (e *Endpoint) HandleUntilReturnEvent(clientMode bool, setReturn session.SetReturn) (protocol.Code, error) {
	if e.channel == nil {
		return protocol.CodeNone, ErrClosed
	}
	code := protocol.CodeNone
	for {
		if err := e.drainWriter(); err != nil {
			return protocol.CodeNone, err
		}
		if needed := e.h.bytesNeeded(); needed > 0 {
			n, err := e.reader.WriteWithCallback(e.channel.Recv, needed)
			if n == 0 {
				if e.h.atIdle() && (err == nil || errors.Is(err, io.EOF)) {
					return protocol.CodeShutdown, nil
				}
				if err == nil || errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return protocol.CodeNone, fmt.Errorf("rpc channel closed mid-packet: %w", err)
			}
			// with n > 0 any error resurfaces on the next receive
		}
		var err error
		code, err = e.h.handleNextEvent(clientMode, false, setReturn)
		if err != nil {
			return protocol.CodeNone, err
		}
		if code != protocol.CodeNone {
			return code, nil
		}
	}
}

// expectTerminal maps an unexpected pump outcome to an error.
func expectTerminal(got, want protocol.Code, err error) error {
	if err != nil {
		return err
	}
	if got != want {
		if got == protocol.CodeShutdown {
			return errors.New("rpc connection shut down while waiting for a response")
		}
		return protocolError("unexpected terminal event %v, want %v", got, want)
	}
	return nil
}

// CallFunc invokes a remote function handle and delivers the return sequence
// to setReturn.
func (e *Endpoint) CallFunc(fnHandle uint64, args []codec.Value, setReturn session.SetReturn) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel == nil {
		return ErrClosed
	}
	// validate before queueing: a rejected argument list writes nothing
	if err := codec.ValidateArgs(args); err != nil {
		return err
	}
	seqLen, err := codec.SeqBytes(args)
	if err != nil {
		return err
	}
	enc := e.h.enc
	if err := enc.Uint64(protocol.CodeBytes + protocol.HandleBytes + seqLen); err != nil {
		return err
	}
	if err := enc.Code(protocol.CodeCallFunc); err != nil {
		return err
	}
	if err := enc.Uint64(fnHandle); err != nil {
		return err
	}
	if err := enc.WriteSeq(args); err != nil {
		return err
	}
	code, err := e.HandleUntilReturnEvent(true, setReturn)
	return expectTerminal(code, protocol.CodeReturn, err)
}

// SysCallRemote performs one built-in request/response exchange and returns
// its single result value.
func (e *Endpoint) SysCallRemote(code protocol.Code, args ...codec.Value) (codec.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel == nil {
		return codec.Nil(), ErrClosed
	}
	if !code.IsSyscall() {
		return codec.Nil(), fmt.Errorf("opcode %v is not a syscall", code)
	}
	if err := codec.ValidateArgs(args); err != nil {
		return codec.Nil(), err
	}
	seqLen, err := codec.SeqBytes(args)
	if err != nil {
		return codec.Nil(), err
	}
	enc := e.h.enc
	if err := enc.Uint64(protocol.CodeBytes + seqLen); err != nil {
		return codec.Nil(), err
	}
	if err := enc.Code(code); err != nil {
		return codec.Nil(), err
	}
	if err := enc.WriteSeq(args); err != nil {
		return codec.Nil(), err
	}
	var rv codec.Value
	terminal, err := e.HandleUntilReturnEvent(true, func(ret []codec.Value) error {
		if len(ret) != 1 {
			return protocolError("syscall %v returned %d values, want 1", code, len(ret))
		}
		rv = ret[0]
		return nil
	})
	if err := expectTerminal(terminal, protocol.CodeReturn, err); err != nil {
		return codec.Nil(), err
	}
	return rv, nil
}

// InitRemoteSession asks the peer to build its serving session. Empty args
// select the peer's default session; otherwise args[0] names a registered
// constructor and the rest are its arguments.
func (e *Endpoint) InitRemoteSession(args ...codec.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel == nil {
		return ErrClosed
	}
	if err := codec.ValidateArgs(args); err != nil {
		return err
	}
	seqLen, err := codec.SeqBytes(args)
	if err != nil {
		return err
	}
	enc := e.h.enc
	packet := protocol.CodeBytes + codec.StringBytes(len(protocol.Version)) + seqLen
	if err := enc.Uint64(packet); err != nil {
		return err
	}
	if err := enc.Code(protocol.CodeInitServer); err != nil {
		return err
	}
	if err := enc.String(protocol.Version); err != nil {
		return err
	}
	if err := enc.WriteSeq(args); err != nil {
		return err
	}
	code, err := e.HandleUntilReturnEvent(true, nil)
	return expectTerminal(code, protocol.CodeReturn, err)
}

// CopyToRemote streams nbytes from local memory into the remote tensor's
// storage. The payload travels inside the request packet.
func (e *Endpoint) CopyToRemote(from []byte, to *protocol.Tensor, nbytes uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel == nil {
		return ErrClosed
	}
	if err := to.CheckCopyRange(nbytes); err != nil {
		return err
	}
	if uint64(len(from)) < nbytes {
		return fmt.Errorf("copy source holds %d bytes, want %d", len(from), nbytes)
	}
	payload := from[:nbytes]
	if codec.HostBigEndian() {
		// normalize a copy; the caller's buffer stays in host order
		staged := append([]byte(nil), payload...)
		codec.NormalizePayload(staged, to.DType.ElemBytes())
		payload = staged
	}
	enc := e.h.enc
	packet := uint64(protocol.CodeBytes) + to.DescriptorBytes() + protocol.LenBytes + nbytes
	if err := enc.Uint64(packet); err != nil {
		return err
	}
	if err := enc.Code(protocol.CodeCopyToRemote); err != nil {
		return err
	}
	if err := enc.Tensor(to); err != nil {
		return err
	}
	if err := enc.Uint64(nbytes); err != nil {
		return err
	}
	if err := enc.Raw(payload); err != nil {
		return err
	}
	code, err := e.HandleUntilReturnEvent(true, nil)
	return expectTerminal(code, protocol.CodeReturn, err)
}

// CopyFromRemote streams nbytes of the remote tensor's storage into to. The
// payload arrives in a CopyAck packet and is decoded straight out of the
// inbound ring.
func (e *Endpoint) CopyFromRemote(from *protocol.Tensor, to []byte, nbytes uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel == nil {
		return ErrClosed
	}
	if err := from.CheckCopyRange(nbytes); err != nil {
		return err
	}
	if uint64(len(to)) < nbytes {
		return fmt.Errorf("copy destination holds %d bytes, want %d", len(to), nbytes)
	}
	enc := e.h.enc
	packet := uint64(protocol.CodeBytes) + from.DescriptorBytes() + protocol.LenBytes
	if err := enc.Uint64(packet); err != nil {
		return err
	}
	if err := enc.Code(protocol.CodeCopyFromRemote); err != nil {
		return err
	}
	if err := enc.Tensor(from); err != nil {
		return err
	}
	if err := enc.Uint64(nbytes); err != nil {
		return err
	}
	code, err := e.HandleUntilReturnEvent(true, nil)
	if err := expectTerminal(code, protocol.CodeCopyAck, err); err != nil {
		return err
	}
	if got := uint64(e.h.pending); got != nbytes {
		return protocolError("copy ack carries %d bytes, want %d", got, nbytes)
	}
	if err := e.h.dec.Raw(to[:nbytes]); err != nil {
		return err
	}
	codec.NormalizePayload(to[:nbytes], from.DType.ElemBytes())
	return e.h.finishCopyAck()
}

// Shutdown sends a best-effort Shutdown packet and closes the channel. Send
// failures are ignored; the peer discovers the close either way.
func (e *Endpoint) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel == nil {
		return nil
	}
	enc := e.h.enc
	_ = enc.Uint64(protocol.CodeBytes)
	_ = enc.Code(protocol.CodeShutdown)
	for e.writer.BytesAvailable() > 0 {
		n, err := e.writer.ReadWithCallback(e.channel.Send, e.writer.BytesAvailable())
		if err != nil || n == 0 {
			break
		}
	}
	err := e.channel.Close()
	e.channel = nil
	return err
}

// ServerLoop serves the connection until the peer shuts it down, then closes
// the channel and runs the cleanup hook. It returns nil on a clean shutdown.
func (e *Endpoint) ServerLoop() error {
	code, err := e.HandleUntilReturnEvent(false, nil)
	if err == nil && code != protocol.CodeShutdown {
		err = protocolError("server loop ended on %v", code)
	}
	if e.channel != nil {
		if cerr := e.channel.Close(); cerr != nil && err == nil {
			err = cerr
		}
		e.channel = nil
	}
	if e.cleanup != nil {
		e.cleanup()
	}
	if err != nil {
		e.logger.Warn("rpc server loop ended with error",
			zap.String("endpoint", e.name), zap.Error(err))
	} else {
		e.logger.Info("rpc server loop finished",
			zap.String("endpoint", e.name),
			zap.String("remote_key", e.RemoteKey()))
	}
	return err
}

// Event flags for ServerAsyncIOEventHandler.
const (
	EventIn  = 1 // inbound bytes may be delivered
	EventOut = 2 // the channel can accept outbound bytes
)

// ServerAsyncIOEventHandler advances a server endpoint inside an external
// event loop. inBytes carries freshly received bytes (may be empty) and
// eventFlags reports channel readiness. The return value is the event mask
// the loop should wait on next: 0 to stop serving, EventIn when only input
// can unblock the machine, EventIn|EventOut while output is queued.
func (e *Endpoint) ServerAsyncIOEventHandler(inBytes []byte, eventFlags int) (int, error) {
	if e.channel == nil {
		return 0, ErrClosed
	}
	code := protocol.CodeNone
	if len(inBytes) > 0 {
		e.reader.Write(inBytes)
		var err error
		code, err = e.h.handleNextEvent(false, true, nil)
		if err != nil {
			return 0, err
		}
	}
	if eventFlags&EventOut != 0 && e.writer.BytesAvailable() > 0 {
		if _, err := e.writer.ReadWithCallback(e.channel.Send, e.writer.BytesAvailable()); err != nil {
			return 0, fmt.Errorf("rpc send: %w", err)
		}
	}
	switch code {
	case protocol.CodeNone:
	case protocol.CodeShutdown:
		return 0, nil
	default:
		return 0, protocolError("async server observed terminal event %v", code)
	}
	if e.writer.BytesAvailable() > 0 {
		return EventIn | EventOut, nil
	}
	return EventIn, nil
}
