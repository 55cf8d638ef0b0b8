package endpoint

import (
	"fmt"
	"sync"

	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/protocol"
	"github.com/kp-forks/tvm/session"
)

// MaxTransferSizeFuncName is the well-known server function a client probes
// to learn the largest packet the server will accept. Servers that do not
// register it accept DefaultMaxTransferSize.
const MaxTransferSizeFuncName = "rpc.GetMaxTransferSize"

// DefaultMaxTransferSize bounds a single copy packet when the server
// advertises no limit of its own.
const DefaultMaxTransferSize = 128 << 20

// ClientSession is the session.Session facade over a connected endpoint.
// Every method maps to one or more protocol exchanges; bulk copies larger
// than the negotiated transfer limit are split into per-packet chunks by
// sliding the tensor byte offset.
//
// It also implements session.DeviceAPI, forwarding device control to the
// peer as syscalls, so remote devices can be driven through the same
// interface as local ones.
type ClientSession struct {
	ep *Endpoint

	mu          sync.Mutex
	maxTransfer uint64 // cached limit, 0 until first negotiated
}

var _ session.Session = (*ClientSession)(nil)
var _ session.DeviceAPI = (*ClientSession)(nil)

func NewClientSession(ep *Endpoint) *ClientSession { return &ClientSession{ep: ep} }

// Endpoint exposes the underlying endpoint, mainly so callers can reach
// RemoteKey.
func (s *ClientSession) Endpoint() *Endpoint { return s.ep }

func (s *ClientSession) GetFunction(name string) (uint64, error) {
	rv, err := s.ep.SysCallRemote(protocol.CodeGetGlobalFunc, codec.Str(name))
	if err != nil {
		return 0, err
	}
	return rv.Handle, nil
}

func (s *ClientSession) CallFunc(fnHandle uint64, args []codec.Value, setReturn session.SetReturn) error {
	return s.ep.CallFunc(fnHandle, args, setReturn)
}

// transferLimit returns the largest packet the server accepts, probing once
// and caching the answer for the life of the session.
func (s *ClientSession) transferLimit() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxTransfer != 0 {
		return s.maxTransfer, nil
	}
	h, err := s.GetFunction(MaxTransferSizeFuncName)
	if err != nil {
		return 0, err
	}
	if h == 0 {
		s.maxTransfer = DefaultMaxTransferSize
		return s.maxTransfer, nil
	}
	var limit int64
	err = s.ep.CallFunc(h, nil, func(ret []codec.Value) error {
		if len(ret) != 1 || ret[0].Kind != codec.KindInt {
			return fmt.Errorf("%s returned %v, want one integer", MaxTransferSizeFuncName, ret)
		}
		limit = ret[0].Int
		return nil
	})
	if ferr := s.FreeHandle(h); err == nil {
		err = ferr
	}
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		return 0, fmt.Errorf("%s advertised non-positive limit %d", MaxTransferSizeFuncName, limit)
	}
	s.maxTransfer = uint64(limit)
	return s.maxTransfer, nil
}

// blockSize returns how many payload bytes fit in one copy packet for t
// under the negotiated limit.
func (s *ClientSession) blockSize(t *protocol.Tensor) (uint64, error) {
	limit, err := s.transferLimit()
	if err != nil {
		return 0, err
	}
	overhead := t.CopyPacketOverhead()
	if limit <= overhead {
		return 0, fmt.Errorf("transfer limit %d cannot fit copy packet overhead %d", limit, overhead)
	}
	block := limit - overhead
	// Keep chunk boundaries on element boundaries: a multi-byte element
	// split across two packets would be byte-swap normalized as two wrong
	// units on big-endian hosts.
	if elem := uint64(t.DType.ElemBytes()); elem > 1 {
		block -= block % elem
		if block == 0 {
			return 0, fmt.Errorf("transfer limit %d cannot fit one %d-byte element after overhead %d", limit, elem, overhead)
		}
	}
	return block, nil
}

func (s *ClientSession) CopyToRemote(from []byte, to *protocol.Tensor, nbytes uint64) error {
	block, err := s.blockSize(to)
	if err != nil {
		return err
	}
	// chunk holds a shifted view of the destination; shape is shared and
	// only the byte offset moves
	chunk := *to
	for sent := uint64(0); sent < nbytes; sent += block {
		n := min(block, nbytes-sent)
		chunk.ByteOffset = to.ByteOffset + sent
		if err := s.ep.CopyToRemote(from[sent:sent+n], &chunk, n); err != nil {
			return err
		}
	}
	return nil
}

func (s *ClientSession) CopyFromRemote(from *protocol.Tensor, to []byte, nbytes uint64) error {
	block, err := s.blockSize(from)
	if err != nil {
		return err
	}
	chunk := *from
	for got := uint64(0); got < nbytes; got += block {
		n := min(block, nbytes-got)
		chunk.ByteOffset = from.ByteOffset + got
		if err := s.ep.CopyFromRemote(&chunk, to[got:got+n], n); err != nil {
			return err
		}
	}
	return nil
}

func (s *ClientSession) FreeHandle(handle uint64) error {
	_, err := s.ep.SysCallRemote(protocol.CodeFreeHandle, codec.Handle(handle))
	return err
}

// GetDeviceAPI hands back the session itself: remote device control flows
// through the syscall methods below.
func (s *ClientSession) GetDeviceAPI(dev protocol.Device, allowMissing bool) (session.DeviceAPI, error) {
	return s, nil
}

func (s *ClientSession) IsLocal() bool { return false }
func (s *ClientSession) IsAsync() bool { return false }

func (s *ClientSession) Shutdown() error { return s.ep.Shutdown() }

func (s *ClientSession) AsyncCallFunc(fnHandle uint64, args []codec.Value, cb session.Callback) {
	var ret []codec.Value
	err := s.CallFunc(fnHandle, args, func(values []codec.Value) error {
		ret = values
		return nil
	})
	session.Complete(cb, ret, err)
}

func (s *ClientSession) AsyncCopyToRemote(from []byte, to *protocol.Tensor, nbytes uint64, cb session.Callback) {
	session.Complete(cb, nil, s.CopyToRemote(from, to, nbytes))
}

func (s *ClientSession) AsyncCopyFromRemote(from *protocol.Tensor, to []byte, nbytes uint64, cb session.Callback) {
	session.Complete(cb, nil, s.CopyFromRemote(from, to, nbytes))
}

func (s *ClientSession) AsyncStreamWait(dev protocol.Device, stream uint64, cb session.Callback) {
	session.Complete(cb, nil, s.StreamSync(dev, stream))
}

func (s *ClientSession) SetDevice(dev protocol.Device) error {
	_, err := s.ep.SysCallRemote(protocol.CodeDevSetDevice, codec.DeviceVal(dev))
	return err
}

func (s *ClientSession) GetAttr(dev protocol.Device, kind protocol.AttrKind) (codec.Value, error) {
	// every server has a CPU; skip the round trip for the existence probe
	if dev.Type == protocol.DeviceCPU && kind == protocol.AttrExist {
		return codec.Int(1), nil
	}
	return s.ep.SysCallRemote(protocol.CodeDevGetAttr, codec.DeviceVal(dev), codec.Int(int64(kind)))
}

func (s *ClientSession) AllocData(dev protocol.Device, nbytes, alignment uint64, typeHint protocol.DataType) (uint64, error) {
	rv, err := s.ep.SysCallRemote(protocol.CodeDevAllocData,
		codec.DeviceVal(dev), codec.Int(int64(nbytes)), codec.Int(int64(alignment)), codec.DTypeVal(typeHint))
	if err != nil {
		return 0, err
	}
	return rv.Handle, nil
}

func (s *ClientSession) AllocDataWithScope(t *protocol.Tensor, scope string) (uint64, error) {
	scopeArg := codec.Nil()
	if scope != "" {
		scopeArg = codec.Str(scope)
	}
	rv, err := s.ep.SysCallRemote(protocol.CodeDevAllocDataWithScope, codec.TensorVal(t), scopeArg)
	if err != nil {
		return 0, err
	}
	return rv.Handle, nil
}

func (s *ClientSession) FreeData(dev protocol.Device, data uint64) error {
	_, err := s.ep.SysCallRemote(protocol.CodeDevFreeData, codec.DeviceVal(dev), codec.Handle(data))
	return err
}

func (s *ClientSession) CopyDataFromTo(from, to *protocol.Tensor, stream uint64) error {
	_, err := s.ep.SysCallRemote(protocol.CodeCopyAmongRemote,
		codec.TensorVal(from), codec.TensorVal(to), codec.Handle(stream))
	return err
}

func (s *ClientSession) CreateStream(dev protocol.Device) (uint64, error) {
	rv, err := s.ep.SysCallRemote(protocol.CodeDevCreateStream, codec.DeviceVal(dev))
	if err != nil {
		return 0, err
	}
	return rv.Handle, nil
}

func (s *ClientSession) FreeStream(dev protocol.Device, stream uint64) error {
	_, err := s.ep.SysCallRemote(protocol.CodeDevFreeStream, codec.DeviceVal(dev), codec.Handle(stream))
	return err
}

func (s *ClientSession) SetStream(dev protocol.Device, stream uint64) error {
	_, err := s.ep.SysCallRemote(protocol.CodeDevSetStream, codec.DeviceVal(dev), codec.Handle(stream))
	return err
}

func (s *ClientSession) GetCurrentStream(dev protocol.Device) (uint64, error) {
	rv, err := s.ep.SysCallRemote(protocol.CodeDevGetCurrentStream, codec.DeviceVal(dev))
	if err != nil {
		return 0, err
	}
	return rv.Handle, nil
}

func (s *ClientSession) StreamSync(dev protocol.Device, stream uint64) error {
	_, err := s.ep.SysCallRemote(protocol.CodeDevStreamSync, codec.DeviceVal(dev), codec.Handle(stream))
	return err
}
