package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/middleware"
	"github.com/kp-forks/tvm/protocol"
	"github.com/kp-forks/tvm/registry"
)

// namedFunc remembers the name a handle was resolved from, so interceptors
// can log and filter by it.
type namedFunc struct {
	name string
	fn   registry.Func
}

// LocalSession executes calls against an in-process function table and a CPU
// device API with real storage. All operations are synchronous; the async
// forms invoke their callback before returning.
type LocalSession struct {
	reg    *registry.Funcs
	invoke middleware.Handler

	mu      sync.Mutex
	nextID  uint64
	handles map[uint64]namedFunc

	cpu *CPUDevice
}

// NewLocal creates a session over the given function table (registry.Global
// when nil). Interceptors wrap every function dispatch, outermost first.
func NewLocal(reg *registry.Funcs, interceptors ...middleware.Interceptor) *LocalSession {
	if reg == nil {
		reg = registry.Global
	}
	s := &LocalSession{
		reg:     reg,
		handles: make(map[uint64]namedFunc),
		cpu:     NewCPUDevice(),
	}
	base := func(ctx context.Context, name string, args []codec.Value) (codec.Value, error) {
		fn := reg.Get(name)
		if fn == nil {
			return codec.Nil(), fmt.Errorf("function %q is not registered", name)
		}
		return fn(args)
	}
	s.invoke = middleware.Chain(interceptors...)(base)
	return s
}

func (s *LocalSession) GetFunction(name string) (uint64, error) {
	fn := s.reg.Get(name)
	if fn == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h := s.nextID
	s.handles[h] = namedFunc{name: name, fn: fn}
	return h, nil
}

func (s *LocalSession) lookup(handle uint64) (namedFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nf, ok := s.handles[handle]
	if !ok {
		return namedFunc{}, fmt.Errorf("unknown function handle %#x", handle)
	}
	return nf, nil
}

func (s *LocalSession) CallFunc(handle uint64, args []codec.Value, setReturn SetReturn) error {
	nf, err := s.lookup(handle)
	if err != nil {
		return err
	}
	rv, err := s.invoke(context.Background(), nf.name, args)
	if err != nil {
		return err
	}
	if setReturn == nil {
		return nil
	}
	return setReturn([]codec.Value{rv})
}

func (s *LocalSession) CopyToRemote(from []byte, to *protocol.Tensor, nbytes uint64) error {
	if err := to.CheckCopyRange(nbytes); err != nil {
		return err
	}
	return s.cpu.writeAt(to.Data, to.ByteOffset, from[:nbytes])
}

func (s *LocalSession) CopyFromRemote(from *protocol.Tensor, to []byte, nbytes uint64) error {
	if err := from.CheckCopyRange(nbytes); err != nil {
		return err
	}
	return s.cpu.readAt(from.Data, from.ByteOffset, to[:nbytes])
}

func (s *LocalSession) FreeHandle(handle uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, handle)
	return nil
}

func (s *LocalSession) GetDeviceAPI(dev protocol.Device, allowMissing bool) (DeviceAPI, error) {
	if dev.Type == protocol.DeviceCPU {
		return s.cpu, nil
	}
	if allowMissing {
		return nil, nil
	}
	return nil, fmt.Errorf("no device API for %v", dev)
}

func (s *LocalSession) IsLocal() bool { return true }
func (s *LocalSession) IsAsync() bool { return false }

func (s *LocalSession) Shutdown() error { return nil }

func (s *LocalSession) AsyncCallFunc(handle uint64, args []codec.Value, cb Callback) {
	var ret []codec.Value
	err := s.CallFunc(handle, args, func(args []codec.Value) error {
		ret = args
		return nil
	})
	Complete(cb, ret, err)
}

func (s *LocalSession) AsyncCopyToRemote(from []byte, to *protocol.Tensor, nbytes uint64, cb Callback) {
	Complete(cb, nil, s.CopyToRemote(from, to, nbytes))
}

func (s *LocalSession) AsyncCopyFromRemote(from *protocol.Tensor, to []byte, nbytes uint64, cb Callback) {
	Complete(cb, nil, s.CopyFromRemote(from, to, nbytes))
}

func (s *LocalSession) AsyncStreamWait(dev protocol.Device, stream uint64, cb Callback) {
	api, err := s.GetDeviceAPI(dev, false)
	if err != nil {
		Complete(cb, nil, err)
		return
	}
	Complete(cb, nil, api.StreamSync(dev, stream))
}
