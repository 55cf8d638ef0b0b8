package endpoint

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/protocol"
	"github.com/kp-forks/tvm/registry"
	"github.com/kp-forks/tvm/session"
)

// startPair wires a client endpoint to a served endpoint over an in-memory
// pipe and runs the server loop in the background. The returned wait
// function joins the server loop and reports its outcome.
func startPair(t *testing.T, reg *registry.Funcs, newSession func() session.Session) (*Endpoint, func() error) {
	t.Helper()
	cConn, sConn := net.Pipe()
	client := New(NewNetChannel(cConn), Options{Name: "client", RemoteKey: "server"})
	srv := New(NewNetChannel(sConn), Options{
		Name:       "server",
		RemoteKey:  "client",
		Registry:   reg,
		NewSession: newSession,
	})
	done := make(chan error, 1)
	go func() { done <- srv.ServerLoop() }()
	var once sync.Once
	var loopErr error
	wait := func() error {
		once.Do(func() { loopErr = <-done })
		return loopErr
	}
	t.Cleanup(func() {
		client.Shutdown()
		wait()
	})
	return client, wait
}

func addRegistry(t *testing.T) *registry.Funcs {
	t.Helper()
	reg := registry.NewFuncs()
	reg.Register("test.add", func(args []codec.Value) (codec.Value, error) {
		if len(args) != 2 {
			t.Fatalf("test.add got %d args", len(args))
		}
		return codec.Int(args[0].Int + args[1].Int), nil
	})
	return reg
}

func mustGetFunc(t *testing.T, ep *Endpoint, name string) uint64 {
	t.Helper()
	rv, err := ep.SysCallRemote(protocol.CodeGetGlobalFunc, codec.Str(name))
	if err != nil {
		t.Fatalf("GetGlobalFunc(%s): %v", name, err)
	}
	return rv.Handle
}

func TestCallFuncRoundTrip(t *testing.T) {
	client, _ := startPair(t, addRegistry(t), nil)
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}
	h := mustGetFunc(t, client, "test.add")
	if h == 0 {
		t.Fatal("test.add resolved to handle 0")
	}

	var got int64
	err := client.CallFunc(h, []codec.Value{codec.Int(40), codec.Int(2)}, func(ret []codec.Value) error {
		if len(ret) != 1 {
			t.Fatalf("got %d return values", len(ret))
		}
		got = ret[0].Int
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("test.add(40, 2) = %d, want 42", got)
	}
}

func TestGetFunctionMissing(t *testing.T) {
	client, _ := startPair(t, addRegistry(t), nil)
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}
	if h := mustGetFunc(t, client, "no.such.function"); h != 0 {
		t.Fatalf("missing function resolved to handle %#x, want 0", h)
	}
}

func TestRemoteErrorIsRecoverable(t *testing.T) {
	reg := addRegistry(t)
	reg.Register("test.boom", func(args []codec.Value) (codec.Value, error) {
		return codec.Nil(), errors.New("it broke")
	})
	client, _ := startPair(t, reg, nil)
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}

	boom := mustGetFunc(t, client, "test.boom")
	err := client.CallFunc(boom, nil, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("want *RemoteError, got %v", err)
	}
	if !strings.Contains(remote.Msg, "it broke") {
		t.Fatalf("remote error message %q lost the cause", remote.Msg)
	}

	// the failed call must not have poisoned the connection
	add := mustGetFunc(t, client, "test.add")
	var got int64
	err = client.CallFunc(add, []codec.Value{codec.Int(1), codec.Int(2)}, func(ret []codec.Value) error {
		got = ret[0].Int
		return nil
	})
	if err != nil {
		t.Fatalf("call after remote error: %v", err)
	}
	if got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
}

func TestUnsupportedArgumentWritesNothing(t *testing.T) {
	client, _ := startPair(t, addRegistry(t), nil)
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}
	add := mustGetFunc(t, client, "test.add")

	err := client.CallFunc(add, []codec.Value{codec.Object(struct{}{})}, nil)
	var argErr *codec.ArgError
	if !errors.As(err, &argErr) {
		t.Fatalf("want *codec.ArgError, got %v", err)
	}
	if argErr.Index != 0 {
		t.Fatalf("arg error index = %d, want 0", argErr.Index)
	}

	// the rejected call queued no bytes, so the stream is still in sync
	var got int64
	err = client.CallFunc(add, []codec.Value{codec.Int(20), codec.Int(22)}, func(ret []codec.Value) error {
		got = ret[0].Int
		return nil
	})
	if err != nil {
		t.Fatalf("call after rejected argument: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func allocRemote(t *testing.T, ep *Endpoint, nbytes int64) uint64 {
	t.Helper()
	cpu := protocol.Device{Type: protocol.DeviceCPU}
	rv, err := ep.SysCallRemote(protocol.CodeDevAllocData,
		codec.DeviceVal(cpu), codec.Int(nbytes), codec.Int(8), codec.DTypeVal(protocol.UInt8))
	if err != nil {
		t.Fatalf("DevAllocData: %v", err)
	}
	return rv.Handle
}

func TestCopyRoundTrip(t *testing.T) {
	client, _ := startPair(t, addRegistry(t), nil)
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}

	data := allocRemote(t, client, 64)
	tensor := &protocol.Tensor{
		Data:   data,
		Device: protocol.Device{Type: protocol.DeviceCPU},
		DType:  protocol.UInt8,
		Shape:  []int64{10},
	}
	src := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	if err := client.CopyToRemote(src, tensor, 10); err != nil {
		t.Fatalf("CopyToRemote: %v", err)
	}
	dst := make([]byte, 10)
	if err := client.CopyFromRemote(tensor, dst, 10); err != nil {
		t.Fatalf("CopyFromRemote: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Fatalf("round trip mismatch: sent %v, got %v", src, dst)
	}
}

func TestCopyRangeOverflowRejected(t *testing.T) {
	client, _ := startPair(t, addRegistry(t), nil)
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}

	data := allocRemote(t, client, 10)
	tensor := &protocol.Tensor{
		Data:   data,
		Device: protocol.Device{Type: protocol.DeviceCPU},
		DType:  protocol.UInt8,
		Shape:  []int64{10},
	}
	err := client.CopyToRemote(make([]byte, 11), tensor, 11)
	if err == nil || !strings.Contains(err.Error(), "overflows") {
		t.Fatalf("want overflow rejection, got %v", err)
	}

	// rejected locally, before any packet bytes: the connection still works
	if err := client.CopyToRemote(make([]byte, 10), tensor, 10); err != nil {
		t.Fatalf("copy after rejected range: %v", err)
	}
}

func TestCleanShutdown(t *testing.T) {
	client, wait := startPair(t, addRegistry(t), nil)
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}
	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := wait(); err != nil {
		t.Fatalf("server loop after clean shutdown: %v", err)
	}
}

func TestShutdownWithoutInit(t *testing.T) {
	client, wait := startPair(t, addRegistry(t), nil)
	if err := client.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := wait(); err != nil {
		t.Fatalf("server loop: %v", err)
	}
	if err := client.InitRemoteSession(); !errors.Is(err, ErrClosed) {
		t.Fatalf("call on closed endpoint: %v, want ErrClosed", err)
	}
}

// recordingSession counts bulk copy operations reaching the serving session,
// so chunking behavior is observable per packet.
type recordingSession struct {
	session.Session
	copyTo   int
	copyFrom int
}

func (r *recordingSession) AsyncCopyToRemote(from []byte, to *protocol.Tensor, nbytes uint64, cb session.Callback) {
	r.copyTo++
	r.Session.AsyncCopyToRemote(from, to, nbytes, cb)
}

func (r *recordingSession) AsyncCopyFromRemote(from *protocol.Tensor, to []byte, nbytes uint64, cb session.Callback) {
	r.copyFrom++
	r.Session.AsyncCopyFromRemote(from, to, nbytes, cb)
}

func TestChunkedCopy(t *testing.T) {
	reg := addRegistry(t)
	rec := &recordingSession{Session: session.NewLocal(reg)}

	// one-dimensional u8 tensor: descriptor is 40 bytes, packet overhead 52.
	// A 56-byte limit leaves 4 payload bytes per packet, so 10 bytes must
	// travel in 3 chunks of 4+4+2.
	reg.Register(MaxTransferSizeFuncName, func(args []codec.Value) (codec.Value, error) {
		return codec.Int(56), nil
	})

	client, _ := startPair(t, reg, func() session.Session { return rec })
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}
	cs := NewClientSession(client)

	data, err := cs.AllocData(protocol.Device{Type: protocol.DeviceCPU}, 16, 8, protocol.UInt8)
	if err != nil {
		t.Fatal(err)
	}
	tensor := &protocol.Tensor{
		Data:   data,
		Device: protocol.Device{Type: protocol.DeviceCPU},
		DType:  protocol.UInt8,
		Shape:  []int64{16},
	}

	src := []byte("0123456789")
	if err := cs.CopyToRemote(src, tensor, 10); err != nil {
		t.Fatalf("CopyToRemote: %v", err)
	}
	if rec.copyTo != 3 {
		t.Fatalf("copy split into %d chunks, want 3", rec.copyTo)
	}

	dst := make([]byte, 10)
	if err := cs.CopyFromRemote(tensor, dst, 10); err != nil {
		t.Fatalf("CopyFromRemote: %v", err)
	}
	if rec.copyFrom != 3 {
		t.Fatalf("reverse copy split into %d chunks, want 3", rec.copyFrom)
	}
	if !bytes.Equal(src, dst) {
		t.Fatalf("round trip mismatch: sent %q, got %q", src, dst)
	}
}

func TestChunkedCopyAlignsToElementSize(t *testing.T) {
	reg := addRegistry(t)
	rec := &recordingSession{Session: session.NewLocal(reg)}

	// float32 tensor: packet overhead is 52, so a 58-byte limit leaves 6 raw
	// payload bytes. Rounding down to the 4-byte element keeps chunk
	// boundaries off element interiors, so 16 bytes travel in 4 chunks of 4
	// rather than 6+6+4.
	reg.Register(MaxTransferSizeFuncName, func(args []codec.Value) (codec.Value, error) {
		return codec.Int(58), nil
	})

	client, _ := startPair(t, reg, func() session.Session { return rec })
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}
	cs := NewClientSession(client)

	data, err := cs.AllocData(protocol.Device{Type: protocol.DeviceCPU}, 16, 8, protocol.Float32)
	if err != nil {
		t.Fatal(err)
	}
	tensor := &protocol.Tensor{
		Data:   data,
		Device: protocol.Device{Type: protocol.DeviceCPU},
		DType:  protocol.Float32,
		Shape:  []int64{4},
	}

	src := []byte("0123456789abcdef")
	if err := cs.CopyToRemote(src, tensor, 16); err != nil {
		t.Fatalf("CopyToRemote: %v", err)
	}
	if rec.copyTo != 4 {
		t.Fatalf("copy split into %d chunks, want 4", rec.copyTo)
	}

	dst := make([]byte, 16)
	if err := cs.CopyFromRemote(tensor, dst, 16); err != nil {
		t.Fatalf("CopyFromRemote: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Fatalf("round trip mismatch: sent %q, got %q", src, dst)
	}
}

func TestClientSessionCallAndAttrs(t *testing.T) {
	client, _ := startPair(t, addRegistry(t), nil)
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}
	cs := NewClientSession(client)

	h, err := cs.GetFunction("test.add")
	if err != nil {
		t.Fatal(err)
	}
	var got int64
	err = cs.CallFunc(h, []codec.Value{codec.Int(2), codec.Int(40)}, func(ret []codec.Value) error {
		got = ret[0].Int
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}

	// the CPU existence probe answers locally
	cpu := protocol.Device{Type: protocol.DeviceCPU}
	exist, err := cs.GetAttr(cpu, protocol.AttrExist)
	if err != nil {
		t.Fatal(err)
	}
	if exist.Int != 1 {
		t.Fatalf("cpu exist = %d, want 1", exist.Int)
	}

	stream, err := cs.CreateStream(cpu)
	if err != nil {
		t.Fatal(err)
	}
	if err := cs.StreamSync(cpu, stream); err != nil {
		t.Fatalf("StreamSync: %v", err)
	}
	if err := cs.FreeStream(cpu, stream); err != nil {
		t.Fatalf("FreeStream: %v", err)
	}
	if err := cs.FreeHandle(h); err != nil {
		t.Fatalf("FreeHandle: %v", err)
	}
}

// contractBreakingSession completes calls with an exception carrying no
// message at all, violating the single-string payload session.Callback
// documents.
type contractBreakingSession struct {
	session.Session
}

func (b *contractBreakingSession) AsyncCallFunc(handle uint64, args []codec.Value, cb session.Callback) {
	cb(protocol.CodeException, nil)
}

func TestMalformedExceptionPayloadSurvives(t *testing.T) {
	reg := addRegistry(t)
	client, _ := startPair(t, reg, func() session.Session {
		return &contractBreakingSession{Session: session.NewLocal(reg)}
	})
	if err := client.InitRemoteSession(); err != nil {
		t.Fatal(err)
	}
	add := mustGetFunc(t, client, "test.add")

	err := client.CallFunc(add, []codec.Value{codec.Int(1), codec.Int(2)}, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("want *RemoteError, got %v", err)
	}
	if !strings.Contains(remote.Msg, "malformed exception payload") {
		t.Fatalf("remote error %q does not name the broken payload", remote.Msg)
	}

	// the connection survives the contract violation
	if h := mustGetFunc(t, client, "test.add"); h == 0 {
		t.Fatal("endpoint unusable after malformed exception")
	}
}

// captureChannel records everything the endpoint sends; Recv never delivers,
// because the async IO tests feed input through the event handler instead.
type captureChannel struct {
	out bytes.Buffer
}

func (c *captureChannel) Send(p []byte) (int, error) { return c.out.Write(p) }
func (c *captureChannel) Recv(p []byte) (int, error) { return 0, io.EOF }
func (c *captureChannel) Close() error               { return nil }

// readPacket decodes one response packet from the capture buffer.
func readPacket(t *testing.T, buf *bytes.Buffer) (protocol.Code, []codec.Value) {
	t.Helper()
	dec := codec.NewDecoder(buf)
	n, err := dec.Uint64()
	if err != nil {
		t.Fatalf("packet length: %v", err)
	}
	if n == 0 {
		return protocol.CodeNone, nil
	}
	code, err := dec.Code()
	if err != nil {
		t.Fatalf("packet opcode: %v", err)
	}
	args, err := dec.ReadSeq()
	if err != nil {
		t.Fatalf("packet payload: %v", err)
	}
	return code, args
}

func buildInitServer(t *testing.T) []byte {
	t.Helper()
	var pkt bytes.Buffer
	enc := codec.NewEncoder(&pkt)
	seqLen, err := codec.SeqBytes(nil)
	if err != nil {
		t.Fatal(err)
	}
	enc.Uint64(protocol.CodeBytes + codec.StringBytes(len(protocol.Version)) + seqLen)
	enc.Code(protocol.CodeInitServer)
	enc.String(protocol.Version)
	enc.WriteSeq(nil)
	return pkt.Bytes()
}

func buildCallFunc(t *testing.T, handle uint64, args []codec.Value) []byte {
	t.Helper()
	var pkt bytes.Buffer
	enc := codec.NewEncoder(&pkt)
	seqLen, err := codec.SeqBytes(args)
	if err != nil {
		t.Fatal(err)
	}
	enc.Uint64(protocol.CodeBytes + protocol.HandleBytes + seqLen)
	enc.Code(protocol.CodeCallFunc)
	enc.Uint64(handle)
	enc.WriteSeq(args)
	return pkt.Bytes()
}

func buildSyscall(t *testing.T, code protocol.Code, args []codec.Value) []byte {
	t.Helper()
	var pkt bytes.Buffer
	enc := codec.NewEncoder(&pkt)
	seqLen, err := codec.SeqBytes(args)
	if err != nil {
		t.Fatal(err)
	}
	enc.Uint64(protocol.CodeBytes + seqLen)
	enc.Code(code)
	enc.WriteSeq(args)
	return pkt.Bytes()
}

func TestServerAsyncIOEventHandler(t *testing.T) {
	ch := &captureChannel{}
	srv := New(ch, Options{Name: "async-server", RemoteKey: "client", Registry: addRegistry(t)})

	feed := func(in []byte) int {
		t.Helper()
		mask, err := srv.ServerAsyncIOEventHandler(in, EventIn|EventOut)
		if err != nil {
			t.Fatalf("event handler: %v", err)
		}
		return mask
	}

	// a heartbeat produces no response and leaves the machine idle
	if mask := feed(make([]byte, 8)); mask != EventIn {
		t.Fatalf("after heartbeat: mask %d, want EventIn", mask)
	}
	if ch.out.Len() != 0 {
		t.Fatalf("heartbeat produced %d response bytes", ch.out.Len())
	}

	if mask := feed(buildInitServer(t)); mask != EventIn {
		t.Fatalf("after init: mask %d, want EventIn", mask)
	}
	if code, args := readPacket(t, &ch.out); code != protocol.CodeReturn || len(args) != 1 || args[0].Kind != codec.KindNil {
		t.Fatalf("init ack: code %v args %v", code, args)
	}

	feed(buildSyscall(t, protocol.CodeGetGlobalFunc, []codec.Value{codec.Str("test.add")}))
	code, args := readPacket(t, &ch.out)
	if code != protocol.CodeReturn || len(args) != 1 || args[0].Kind != codec.KindHandle {
		t.Fatalf("GetGlobalFunc ack: code %v args %v", code, args)
	}
	handle := args[0].Handle

	feed(buildCallFunc(t, handle, []codec.Value{codec.Int(40), codec.Int(2)}))
	code, args = readPacket(t, &ch.out)
	if code != protocol.CodeReturn || len(args) != 1 || args[0].Int != 42 {
		t.Fatalf("call ack: code %v args %v", code, args)
	}

	// a packet split across deliveries must reassemble
	pkt := buildCallFunc(t, handle, []codec.Value{codec.Int(5), codec.Int(6)})
	if mask := feed(pkt[:7]); mask != EventIn {
		t.Fatalf("mid-packet mask %d, want EventIn", mask)
	}
	feed(pkt[7:])
	code, args = readPacket(t, &ch.out)
	if code != protocol.CodeReturn || args[0].Int != 11 {
		t.Fatalf("split call ack: code %v args %v", code, args)
	}

	// Shutdown ends the session: mask 0 tells the loop to stop
	var shutdown bytes.Buffer
	enc := codec.NewEncoder(&shutdown)
	enc.Uint64(protocol.CodeBytes)
	enc.Code(protocol.CodeShutdown)
	mask, err := srv.ServerAsyncIOEventHandler(shutdown.Bytes(), EventIn|EventOut)
	if err != nil {
		t.Fatalf("shutdown event: %v", err)
	}
	if mask != 0 {
		t.Fatalf("after shutdown: mask %d, want 0", mask)
	}
}

func TestCallThenShutdownInOneDelivery(t *testing.T) {
	ch := &captureChannel{}
	srv := New(ch, Options{Name: "async-server", RemoteKey: "client", Registry: addRegistry(t)})

	if _, err := srv.ServerAsyncIOEventHandler(buildInitServer(t), EventIn|EventOut); err != nil {
		t.Fatal(err)
	}
	readPacket(t, &ch.out) // init ack

	if _, err := srv.ServerAsyncIOEventHandler(
		buildSyscall(t, protocol.CodeGetGlobalFunc, []codec.Value{codec.Str("test.add")}), EventIn|EventOut); err != nil {
		t.Fatal(err)
	}
	_, args := readPacket(t, &ch.out)
	handle := args[0].Handle

	// a call packet with a shutdown right behind it must serve the call and
	// then stop cleanly, not error
	var shutdown bytes.Buffer
	enc := codec.NewEncoder(&shutdown)
	enc.Uint64(protocol.CodeBytes)
	enc.Code(protocol.CodeShutdown)
	in := append(buildCallFunc(t, handle, []codec.Value{codec.Int(40), codec.Int(2)}), shutdown.Bytes()...)

	mask, err := srv.ServerAsyncIOEventHandler(in, EventIn|EventOut)
	if err != nil {
		t.Fatalf("event handler: %v", err)
	}
	if mask != 0 {
		t.Fatalf("mask %d, want 0 after shutdown", mask)
	}
	code, args := readPacket(t, &ch.out)
	if code != protocol.CodeReturn || args[0].Int != 42 {
		t.Fatalf("call before shutdown answered %v %v", code, args)
	}
}

func buildCopyFromRemote(t *testing.T, tensor *protocol.Tensor, nbytes uint64) []byte {
	t.Helper()
	var pkt bytes.Buffer
	enc := codec.NewEncoder(&pkt)
	enc.Uint64(protocol.CodeBytes + tensor.DescriptorBytes() + protocol.LenBytes)
	enc.Code(protocol.CodeCopyFromRemote)
	enc.Tensor(tensor)
	enc.Uint64(nbytes)
	return pkt.Bytes()
}

func TestCopyFromRemoteOversizedRequest(t *testing.T) {
	ch := &captureChannel{}
	srv := New(ch, Options{Name: "async-server", RemoteKey: "client", Registry: addRegistry(t)})

	if _, err := srv.ServerAsyncIOEventHandler(buildInitServer(t), EventIn|EventOut); err != nil {
		t.Fatal(err)
	}
	readPacket(t, &ch.out) // init ack

	// a well-formed request whose nbytes field demands more than any reply
	// packet could carry must fail as a protocol error, not size the staging
	// buffer
	tensor := &protocol.Tensor{
		Device: protocol.Device{Type: protocol.DeviceCPU},
		DType:  protocol.UInt8,
		Shape:  []int64{10},
	}
	_, err := srv.ServerAsyncIOEventHandler(buildCopyFromRemote(t, tensor, 1<<63), EventIn|EventOut)
	if err == nil || !strings.Contains(err.Error(), "packet limit") {
		t.Fatalf("oversized copy request: %v, want packet limit violation", err)
	}
}

func TestOversizedPacketRejected(t *testing.T) {
	ch := &captureChannel{}
	srv := New(ch, Options{Name: "async-server", RemoteKey: "client", Registry: addRegistry(t), MaxPacket: 64})

	var pkt bytes.Buffer
	enc := codec.NewEncoder(&pkt)
	enc.Uint64(1 << 40)
	_, err := srv.ServerAsyncIOEventHandler(pkt.Bytes(), EventIn)
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("oversized length prefix: %v, want limit violation", err)
	}
}

func TestVersionMismatchIsFatal(t *testing.T) {
	ch := &captureChannel{}
	srv := New(ch, Options{Name: "async-server", RemoteKey: "client", Registry: addRegistry(t)})

	var pkt bytes.Buffer
	enc := codec.NewEncoder(&pkt)
	seqLen, _ := codec.SeqBytes(nil)
	bogus := "0.0.1"
	enc.Uint64(protocol.CodeBytes + codec.StringBytes(len(bogus)) + seqLen)
	enc.Code(protocol.CodeInitServer)
	enc.String(bogus)
	enc.WriteSeq(nil)

	if _, err := srv.ServerAsyncIOEventHandler(pkt.Bytes(), EventIn|EventOut); err == nil {
		t.Fatal("version mismatch did not fail the endpoint")
	}
	// poisoned: every further event fails
	if _, err := srv.ServerAsyncIOEventHandler(make([]byte, 8), EventIn); err == nil {
		t.Fatal("poisoned endpoint accepted another event")
	}
}

func TestInitHeaderHandshake(t *testing.T) {
	ch := &captureChannel{}
	srv := New(ch, Options{Name: "async-server", RemoteKey: protocol.ToInitKey, Registry: addRegistry(t)})

	key := "client:test"
	var hs bytes.Buffer
	enc := codec.NewEncoder(&hs)
	enc.Int32(int32(len(key)))
	enc.Raw([]byte(key))

	// deliver the key in two pieces to exercise the length/body split
	if _, err := srv.ServerAsyncIOEventHandler(hs.Bytes()[:4], EventIn); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.ServerAsyncIOEventHandler(hs.Bytes()[4:], EventIn); err != nil {
		t.Fatal(err)
	}
	if got := srv.RemoteKey(); got != key {
		t.Fatalf("remote key %q, want %q", got, key)
	}

	if _, err := srv.ServerAsyncIOEventHandler(buildInitServer(t), EventIn|EventOut); err != nil {
		t.Fatal(err)
	}
	if code, _ := readPacket(t, &ch.out); code != protocol.CodeReturn {
		t.Fatalf("init after handshake answered %v", code)
	}
}
