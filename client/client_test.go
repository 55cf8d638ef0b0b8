package client

import (
	"bytes"
	"testing"
	"time"

	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/protocol"
	"github.com/kp-forks/tvm/registry"
	"github.com/kp-forks/tvm/server"
	"github.com/kp-forks/tvm/session"
)

// startServer runs a real TCP server on a random port and returns its
// address.
func startServer(t *testing.T, opts server.Options) string {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = testServerRegistry(t)
	}
	srv := server.New(opts)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve("tcp", "127.0.0.1:0") }()
	t.Cleanup(func() {
		if err := srv.Shutdown(2 * time.Second); err != nil {
			t.Errorf("server shutdown: %v", err)
		}
		if err := <-serveErr; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	for i := 0; i < 200; i++ {
		if addr := srv.Addr(); addr != nil {
			return addr.String()
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server did not start listening")
	return ""
}

func testServerRegistry(t *testing.T) *registry.Funcs {
	t.Helper()
	reg := registry.NewFuncs()
	if err := reg.RegisterTyped("math.add", func(a, b int64) int64 { return a + b }); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestConnectAndCall(t *testing.T) {
	addr := startServer(t, server.Options{Key: "cpu"})

	sess, err := Connect(addr, Options{Key: "test", DialTimeout: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()

	if key := sess.Endpoint().RemoteKey(); key != "server:cpu" {
		t.Fatalf("server key %q, want server:cpu", key)
	}

	h, err := sess.GetFunction("math.add")
	if err != nil {
		t.Fatal(err)
	}
	if h == 0 {
		t.Fatal("math.add not found")
	}
	var got int64
	err = sess.CallFunc(h, []codec.Value{codec.Int(40), codec.Int(2)}, func(ret []codec.Value) error {
		got = ret[0].Int
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("math.add(40, 2) = %d", got)
	}
}

func TestCopyOverTCPWithSmallTransferLimit(t *testing.T) {
	// 128-byte packets force a 1 KiB payload through many chunks
	addr := startServer(t, server.Options{Key: "cpu", MaxTransferSize: 128})

	sess, err := Connect(addr, Options{Key: "test"})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()

	cpu := protocol.Device{Type: protocol.DeviceCPU}
	data, err := sess.AllocData(cpu, 1024, 64, protocol.UInt8)
	if err != nil {
		t.Fatal(err)
	}
	tensor := &protocol.Tensor{Data: data, Device: cpu, DType: protocol.UInt8, Shape: []int64{1024}}

	src := make([]byte, 1024)
	for i := range src {
		src[i] = byte(i * 7)
	}
	if err := sess.CopyToRemote(src, tensor, 1024); err != nil {
		t.Fatalf("CopyToRemote: %v", err)
	}
	dst := make([]byte, 1024)
	if err := sess.CopyFromRemote(tensor, dst, 1024); err != nil {
		t.Fatalf("CopyFromRemote: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Fatal("chunked round trip corrupted the payload")
	}
	if err := sess.FreeData(cpu, data); err != nil {
		t.Fatalf("FreeData: %v", err)
	}
}

func TestConstructorSession(t *testing.T) {
	reg := testServerRegistry(t)
	reg.Register("session.local", func(args []codec.Value) (codec.Value, error) {
		return codec.Object(session.NewLocal(reg)), nil
	})
	addr := startServer(t, server.Options{Key: "cpu", Registry: reg})

	sess, err := Connect(addr, Options{Key: "test", ConstructorName: "session.local"})
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Shutdown()

	h, err := sess.GetFunction("math.add")
	if err != nil {
		t.Fatal(err)
	}
	var got int64
	err = sess.CallFunc(h, []codec.Value{codec.Int(1), codec.Int(2)}, func(ret []codec.Value) error {
		got = ret[0].Int
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 {
		t.Fatalf("got %d", got)
	}
}

func TestConstructorMissing(t *testing.T) {
	addr := startServer(t, server.Options{Key: "cpu"})
	if _, err := Connect(addr, Options{Key: "test", ConstructorName: "no.such.ctor"}); err == nil {
		t.Fatal("connect with unknown constructor succeeded")
	}
}

func TestConnectRefused(t *testing.T) {
	if _, err := Connect("127.0.0.1:1", Options{DialTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatal("connect to closed port succeeded")
	}
}

func TestSessionPool(t *testing.T) {
	addr := startServer(t, server.Options{Key: "cpu"})

	pool := NewSessionPool(addr, 2, Options{Key: "pool"})
	defer pool.Close()

	first, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	h, err := first.GetFunction("math.add")
	if err != nil {
		t.Fatal(err)
	}
	if h == 0 {
		t.Fatal("math.add not found through pooled session")
	}
	first.Release()

	again, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Fatal("released session was not reused")
	}

	again.MarkUnusable()
	again.Release()

	fresh, err := pool.Get()
	if err != nil {
		t.Fatal(err)
	}
	if fresh == again {
		t.Fatal("unusable session came back out of the pool")
	}
	if _, err := fresh.GetFunction("math.add"); err != nil {
		t.Fatalf("fresh pooled session broken: %v", err)
	}
	fresh.Release()
}
