package endpoint

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/protocol"
	"github.com/kp-forks/tvm/registry"
	"github.com/kp-forks/tvm/ringbuf"
	"github.com/kp-forks/tvm/session"
)

// state enumerates the event handler's positions in the packet grammar.
type state int

const (
	// stInitHeader reads the peer's session key before any packet flows.
	stInitHeader state = iota
	// stRecvPacketNumBytes is the idle state between packets, waiting on the
	// next u64 length prefix.
	stRecvPacketNumBytes
	// stProcessPacket has a complete packet buffered and dispatches on its
	// opcode.
	stProcessPacket
	// stWaitForAsyncCallback parks the machine until the serving session
	// completes the in-flight operation.
	stWaitForAsyncCallback
	// stReturnReceived, stCopyAckReceived and stShutdownReceived are terminal
	// positions of one pump iteration; they hand a status code back to the
	// caller driving the handler.
	stReturnReceived
	stCopyAckReceived
	stShutdownReceived
)

func (s state) String() string {
	switch s {
	case stInitHeader:
		return "InitHeader"
	case stRecvPacketNumBytes:
		return "RecvPacketNumBytes"
	case stProcessPacket:
		return "ProcessPacket"
	case stWaitForAsyncCallback:
		return "WaitForAsyncCallback"
	case stReturnReceived:
		return "ReturnReceived"
	case stCopyAckReceived:
		return "CopyAckReceived"
	case stShutdownReceived:
		return "ShutdownReceived"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// handler is the protocol state machine. It consumes bytes from the inbound
// ring, produces bytes into the outbound ring and never touches the channel
// itself; the endpoint moves bytes between rings and channel.
//
// The handler reads its own inbound ring through the io.Reader interface so
// the codec decoder can run directly over buffered packet bytes, and the
// encoder writes through io.Writer into the outbound ring. Reads are bounded
// by the pending-byte budget: decoding past the end of the packet the length
// prefix promised is a protocol violation, not a blocking read.
type handler struct {
	reader *ringbuf.Buffer
	writer *ringbuf.Buffer

	name      string
	remoteKey *string
	logger    *zap.Logger

	// flushWriter pushes outbound bytes to the channel when the machine
	// leaves the async-wait state, so responses produced by a session
	// callback are not stranded until the next pump iteration.
	flushWriter func() error

	reg        *registry.Funcs
	newSession func() session.Session
	serving    session.Session

	enc *codec.Encoder
	dec *codec.Decoder

	state          state
	pending        int // bytes the current state still needs
	maxPacket      uint64
	initHeaderStep int
	initKeyLen     int

	clientMode      bool
	asyncServerMode bool
	asyncPending    bool

	// arena backs transient per-packet payloads (copy staging buffers). It is
	// reset every time the machine returns to the idle state.
	arena []byte

	err error // first fatal error; poisons the handler
}

func newHandler(reader, writer *ringbuf.Buffer, name, remoteKey string, logger *zap.Logger,
	reg *registry.Funcs, newSession func() session.Session, maxPacket uint64, flushWriter func() error) *handler {
	h := &handler{
		reader:      reader,
		writer:      writer,
		name:        name,
		remoteKey:   new(string),
		logger:      logger,
		flushWriter: flushWriter,
		reg:         reg,
		newSession:  newSession,
		maxPacket:   maxPacket,
	}
	*h.remoteKey = remoteKey
	h.enc = codec.NewEncoder(h)
	h.dec = codec.NewDecoder(h)
	if remoteKey == protocol.ToInitKey {
		h.state = stInitHeader
		h.requestBytes(4) // i32 key length
	} else {
		h.state = stRecvPacketNumBytes
		h.requestBytes(protocol.LenBytes)
	}
	return h
}

// Read serves the codec decoder from the inbound ring, charging the bytes
// against the current packet's budget.
func (h *handler) Read(p []byte) (int, error) {
	if len(p) > h.pending {
		return 0, protocolError("decode of %d bytes exceeds the %d bytes remaining in the packet", len(p), h.pending)
	}
	if err := h.reader.Read(p); err != nil {
		return 0, err
	}
	h.pending -= len(p)
	return len(p), nil
}

// Remaining reports the unread byte budget of the current packet. The codec
// consults it before allocating from a wire-supplied length field.
func (h *handler) Remaining() int { return h.pending }

// Write serves the codec encoder; the outbound ring grows as needed and
// never rejects bytes.
func (h *handler) Write(p []byte) (int, error) {
	h.writer.Write(p)
	return len(p), nil
}

// requestBytes extends the current state's byte budget and pre-grows the
// inbound ring so the fill loop can receive it in one span.
func (h *handler) requestBytes(n int) {
	h.pending += n
	h.reader.Reserve(h.pending)
}

// bytesNeeded reports how many more inbound bytes the machine needs before
// it can advance. Zero means it is already runnable (or parked waiting for
// an async callback).
func (h *handler) bytesNeeded() int {
	if h.state == stWaitForAsyncCallback {
		return 0
	}
	if short := h.pending - h.reader.BytesAvailable(); short > 0 {
		return short
	}
	return 0
}

func (h *handler) ready() bool {
	return h.reader.BytesAvailable() >= h.pending
}

// atIdle reports whether the machine sits at a packet boundary with nothing
// buffered, the only point where a peer disconnect is a clean shutdown.
func (h *handler) atIdle() bool {
	return h.state == stRecvPacketNumBytes && h.reader.BytesAvailable() == 0
}

func (h *handler) remoteKeyValue() string { return *h.remoteKey }

// fail records the first fatal error. Every subsequent handleNextEvent call
// returns it unchanged.
func (h *handler) fail(err error) {
	if h.err == nil {
		h.err = err
		h.logger.Error("rpc endpoint poisoned",
			zap.String("endpoint", h.name),
			zap.Error(err))
	}
}

// switchToState moves the machine. Entering the idle state recycles the
// packet arena and queues the next length-prefix read; leaving the
// async-wait state flushes responses the callback queued.
func (h *handler) switchToState(s state) error {
	if s != stCopyAckReceived && h.pending != 0 {
		return protocolError("%d unconsumed bytes entering state %v", h.pending, s)
	}
	leavingAsync := h.state == stWaitForAsyncCallback
	h.state = s
	if s == stRecvPacketNumBytes {
		h.arena = h.arena[:0]
		h.requestBytes(protocol.LenBytes)
	}
	if leavingAsync {
		return h.flushWriter()
	}
	return nil
}

// arenaAlloc returns an n-byte scratch slice valid until the machine next
// returns to idle.
func (h *handler) arenaAlloc(n int) []byte {
	base := len(h.arena)
	if cap(h.arena)-base < n {
		grown := make([]byte, base, base+n)
		copy(grown, h.arena)
		h.arena = grown
	}
	h.arena = h.arena[:base+n]
	return h.arena[base : base+n]
}

// handleNextEvent advances the machine as far as the buffered bytes allow
// and returns the terminal status of the iteration: CodeNone when more bytes
// or an async completion are needed, otherwise the Return, CopyAck or
// Shutdown that ended it.
//
// clientMode permits Return and CopyAck packets; servers treat them as
// violations. asyncServerMode permits serving sessions whose operations
// complete out of line. A *RemoteError return leaves the machine healthy at
// idle; any other error poisons it.
func (h *handler) handleNextEvent(clientMode, asyncServerMode bool, setReturn session.SetReturn) (protocol.Code, error) {
	if h.err != nil {
		return protocol.CodeNone, h.err
	}
	h.clientMode = clientMode
	h.asyncServerMode = asyncServerMode

	status := protocol.CodeNone
	for status == protocol.CodeNone && h.state != stWaitForAsyncCallback && h.ready() {
		var err error
		switch h.state {
		case stInitHeader:
			err = h.handleInitHeader()
		case stRecvPacketNumBytes:
			err = h.handlePacketLength()
		case stProcessPacket:
			err = h.handleProcessPacket(setReturn)
		case stReturnReceived:
			if err = h.switchToState(stRecvPacketNumBytes); err == nil {
				status = protocol.CodeReturn
			}
		case stCopyAckReceived:
			status = protocol.CodeCopyAck
		case stShutdownReceived:
			status = protocol.CodeShutdown
		}
		if err != nil {
			var remote *RemoteError
			if errors.As(err, &remote) {
				// the call failed, the connection did not
				return protocol.CodeNone, err
			}
			h.fail(err)
			return protocol.CodeNone, h.err
		}
	}
	if h.err != nil {
		// an async callback failed while we were parked
		return protocol.CodeNone, h.err
	}
	return status, nil
}

// handleInitHeader runs the two-step key handshake: an i32 length, then the
// key bytes themselves.
func (h *handler) handleInitHeader() error {
	if h.initHeaderStep == 0 {
		n, err := h.dec.Int32()
		if err != nil {
			return err
		}
		if n < 0 || uint64(n) > h.maxPacket {
			return protocolError("init key length %d out of range", n)
		}
		h.initKeyLen = int(n)
		h.initHeaderStep = 1
		h.requestBytes(h.initKeyLen)
		return nil
	}
	key := make([]byte, h.initKeyLen)
	if err := h.dec.Raw(key); err != nil {
		return err
	}
	*h.remoteKey = string(key)
	h.logger.Debug("rpc peer key received",
		zap.String("endpoint", h.name),
		zap.String("remote_key", *h.remoteKey))
	return h.switchToState(stRecvPacketNumBytes)
}

func (h *handler) handlePacketLength() error {
	n, err := h.dec.Uint64()
	if err != nil {
		return err
	}
	if n == 0 {
		// heartbeat, stay idle
		h.requestBytes(protocol.LenBytes)
		return nil
	}
	// reject before requestBytes grows the ring: the prefix is attacker
	// controlled and must not drive the allocation
	if n > h.maxPacket {
		return protocolError("packet length %d exceeds the %d byte limit", n, h.maxPacket)
	}
	if err := h.switchToState(stProcessPacket); err != nil {
		return err
	}
	h.requestBytes(int(n))
	return nil
}

func (h *handler) handleProcessPacket(setReturn session.SetReturn) error {
	code, err := h.dec.Code()
	if err != nil {
		return err
	}
	if code.IsSyscall() {
		return h.handleSyscall(code)
	}
	switch code {
	case protocol.CodeInitServer:
		return h.handleInitServer()
	case protocol.CodeCallFunc:
		return h.handleCallFunc()
	case protocol.CodeCopyFromRemote:
		return h.handleCopyFromRemote()
	case protocol.CodeCopyToRemote:
		return h.handleCopyToRemote()
	case protocol.CodeReturn, protocol.CodeException:
		if !h.clientMode {
			return protocolError("server received %v packet", code)
		}
		return h.handleReturn(code, setReturn)
	case protocol.CodeCopyAck:
		if !h.clientMode {
			return protocolError("server received CopyAck packet")
		}
		// payload stays pending; the copy continuation consumes it
		return h.switchToState(stCopyAckReceived)
	case protocol.CodeShutdown:
		return h.switchToState(stShutdownReceived)
	default:
		return protocolError("unknown opcode %d", int32(code))
	}
}

// servingSession returns the session installed by InitServer, rejecting
// traffic that arrives before initialization and async sessions hosted by a
// blocking server loop.
func (h *handler) servingSession() (session.Session, error) {
	if h.serving == nil {
		return nil, protocolError("request received before InitServer")
	}
	if h.serving.IsAsync() && !h.asyncServerMode {
		return nil, errors.New("cannot serve an async session from a blocking server loop")
	}
	return h.serving, nil
}

// handleInitServer decodes the version string and the constructor sequence,
// builds the serving session and acknowledges with an empty return. A
// version mismatch is fatal; a failed constructor is reported back as an
// exception and the connection survives.
func (h *handler) handleInitServer() error {
	version, err := h.dec.String()
	if err != nil {
		return err
	}
	args, err := h.dec.ReadSeq()
	if err != nil {
		return err
	}
	if version != protocol.Version {
		return fmt.Errorf("client protocol version %q does not match server version %q", version, protocol.Version)
	}
	if h.serving != nil {
		if err := h.returnException("server session is already initialized"); err != nil {
			return err
		}
		return h.switchToState(stRecvPacketNumBytes)
	}

	var sess session.Session
	var initErr string
	if len(args) == 0 {
		sess = h.newSession()
	} else if args[0].Kind != codec.KindStr {
		initErr = fmt.Sprintf("session constructor name must be a string, got %v", args[0].Kind)
	} else if ctor := h.reg.Get(args[0].Str); ctor == nil {
		initErr = fmt.Sprintf("cannot find session constructor %q", args[0].Str)
	} else if rv, err := ctor(args[1:]); err != nil {
		initErr = err.Error()
	} else if s, ok := rv.Obj.(session.Session); !ok {
		initErr = fmt.Sprintf("constructor %q did not produce a session", args[0].Str)
	} else {
		sess = s
	}

	if sess == nil {
		if err := h.returnException(initErr); err != nil {
			return err
		}
		return h.switchToState(stRecvPacketNumBytes)
	}
	h.serving = sess
	h.logger.Info("rpc session initialized",
		zap.String("endpoint", h.name),
		zap.String("remote_key", *h.remoteKey))
	if err := h.returnVoid(); err != nil {
		return err
	}
	return h.switchToState(stRecvPacketNumBytes)
}

// handleReturn completes the client side of a call. Exception packets
// surface as *RemoteError after the machine is already back at idle, so the
// next call can proceed.
func (h *handler) handleReturn(code protocol.Code, setReturn session.SetReturn) error {
	args, err := h.dec.ReadSeq()
	if err != nil {
		return err
	}
	if code == protocol.CodeException {
		if len(args) != 1 || args[0].Kind != codec.KindStr {
			return protocolError("malformed exception packet")
		}
		if err := h.switchToState(stRecvPacketNumBytes); err != nil {
			return err
		}
		return &RemoteError{Msg: args[0].Str}
	}
	if setReturn != nil {
		if err := setReturn(args); err != nil {
			return err
		}
	}
	return h.switchToState(stReturnReceived)
}

// exceptionText extracts the message from an exception completion. Sessions
// owe a single string argument (session.Callback's contract); one that
// breaks it gets a generic message instead of crashing the handler.
func exceptionText(ret []codec.Value) string {
	if len(ret) == 1 && ret[0].Kind == codec.KindStr {
		return ret[0].Str
	}
	return "session operation failed with a malformed exception payload"
}

// beginAsync enforces the single-outstanding-operation contract before
// handing control to the serving session.
func (h *handler) beginAsync() {
	if h.asyncPending {
		panic("rpc: session started a second operation while one is outstanding")
	}
	h.asyncPending = true
}

// finishAsync runs at the head of every completion callback.
func (h *handler) finishAsync() {
	h.asyncPending = false
}

// complete folds an error raised inside a completion callback into the
// handler's sticky error, since the callback has no caller to return it to.
func (h *handler) complete(err error) {
	if err != nil {
		h.fail(err)
	}
}

func (h *handler) handleCallFunc() error {
	fnHandle, err := h.dec.Uint64()
	if err != nil {
		return err
	}
	args, err := h.dec.ReadSeq()
	if err != nil {
		return err
	}
	sess, err := h.servingSession()
	if err != nil {
		return err
	}
	if err := h.switchToState(stWaitForAsyncCallback); err != nil {
		return err
	}
	h.beginAsync()
	sess.AsyncCallFunc(fnHandle, args, func(code protocol.Code, ret []codec.Value) {
		h.finishAsync()
		if code == protocol.CodeException {
			h.complete(h.returnException(exceptionText(ret)))
		} else if err := codec.ValidateArgs(ret); err != nil {
			// the return value cannot travel; tell the caller instead of
			// poisoning the stream
			h.complete(h.returnException(err.Error()))
		} else {
			h.complete(h.returnPackedSeq(ret))
		}
		h.complete(h.switchToState(stRecvPacketNumBytes))
	})
	return nil
}

func (h *handler) handleCopyFromRemote() error {
	t, err := h.dec.Tensor()
	if err != nil {
		return err
	}
	nbytes, err := h.dec.Uint64()
	if err != nil {
		return err
	}
	// nbytes is wire supplied and sizes both the staging buffer and the
	// CopyAck reply; a value past the packet limit could never be answered
	if nbytes > h.maxPacket {
		return protocolError("copy request of %d bytes exceeds the %d byte packet limit", nbytes, h.maxPacket)
	}
	sess, err := h.servingSession()
	if err != nil {
		return err
	}
	if err := h.switchToState(stWaitForAsyncCallback); err != nil {
		return err
	}
	elem := t.DType.ElemBytes()
	staging := h.arenaAlloc(int(nbytes))
	h.beginAsync()
	sess.AsyncCopyFromRemote(t, staging, nbytes, func(code protocol.Code, ret []codec.Value) {
		h.finishAsync()
		if code == protocol.CodeException {
			h.complete(h.returnException(exceptionText(ret)))
		} else {
			codec.NormalizePayload(staging, elem)
			h.complete(h.writeCopyAck(staging))
		}
		h.complete(h.switchToState(stRecvPacketNumBytes))
	})
	return nil
}

func (h *handler) handleCopyToRemote() error {
	t, err := h.dec.Tensor()
	if err != nil {
		return err
	}
	nbytes, err := h.dec.Uint64()
	if err != nil {
		return err
	}
	if got := uint64(h.pending); got != nbytes {
		return protocolError("copy payload of %d bytes does not match remaining packet size %d", nbytes, got)
	}
	staging := h.arenaAlloc(int(nbytes))
	if err := h.dec.Raw(staging); err != nil {
		return err
	}
	codec.NormalizePayload(staging, t.DType.ElemBytes())
	sess, err := h.servingSession()
	if err != nil {
		return err
	}
	if err := h.switchToState(stWaitForAsyncCallback); err != nil {
		return err
	}
	h.beginAsync()
	sess.AsyncCopyToRemote(staging, t, nbytes, func(code protocol.Code, ret []codec.Value) {
		h.finishAsync()
		if code == protocol.CodeException {
			h.complete(h.returnException(exceptionText(ret)))
		} else {
			h.complete(h.returnVoid())
		}
		h.complete(h.switchToState(stRecvPacketNumBytes))
	})
	return nil
}

// finishCopyAck retires the CopyAck terminal state after the copy
// continuation has consumed the payload.
func (h *handler) finishCopyAck() error {
	if h.state != stCopyAckReceived {
		return protocolError("finishing a copy ack in state %v", h.state)
	}
	if h.pending != 0 {
		return protocolError("%d copy ack payload bytes left unconsumed", h.pending)
	}
	return h.switchToState(stRecvPacketNumBytes)
}

// writeCopyAck emits a CopyAck packet carrying the staged payload.
func (h *handler) writeCopyAck(payload []byte) error {
	if err := h.enc.Uint64(protocol.CodeBytes + uint64(len(payload))); err != nil {
		return err
	}
	if err := h.enc.Code(protocol.CodeCopyAck); err != nil {
		return err
	}
	return h.enc.Raw(payload)
}

// returnPackedSeq emits a Return packet carrying args. Callers validate args
// first; size computation repeats the validation as a backstop.
func (h *handler) returnPackedSeq(args []codec.Value) error {
	seqLen, err := codec.SeqBytes(args)
	if err != nil {
		return err
	}
	if err := h.enc.Uint64(protocol.CodeBytes + seqLen); err != nil {
		return err
	}
	if err := h.enc.Code(protocol.CodeReturn); err != nil {
		return err
	}
	return h.enc.WriteSeq(args)
}

// returnVoid acknowledges an operation that produces no value.
func (h *handler) returnVoid() error {
	return h.returnPackedSeq([]codec.Value{codec.Nil()})
}

// returnException reports a recoverable serving failure to the peer.
func (h *handler) returnException(msg string) error {
	args := []codec.Value{codec.Str(msg)}
	seqLen, err := codec.SeqBytes(args)
	if err != nil {
		return err
	}
	if err := h.enc.Uint64(protocol.CodeBytes + seqLen); err != nil {
		return err
	}
	if err := h.enc.Code(protocol.CodeException); err != nil {
		return err
	}
	return h.enc.WriteSeq(args)
}
