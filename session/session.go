// Package session defines the session abstraction the RPC endpoint serves:
// a set of function-call and device operations that may complete
// synchronously (same address space) or asynchronously via a one-shot
// completion callback. It also provides LocalSession, the in-process
// implementation used by servers and by loopback tests.
package session

import (
	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/protocol"
)

// SetReturn receives the decoded return-value sequence of a completed call.
// Implementations must copy out what they keep: the values are backed by the
// state machine's transient per-packet storage.
type SetReturn func(args []codec.Value) error

// Callback completes an asynchronous session operation. code is
// protocol.CodeReturn with the return values, or protocol.CodeException with
// a single string argument carrying the error message.
//
// A callback fires exactly once. The session must never have more than one
// outstanding asynchronous operation per event handler: the handler is not
// safe against being advanced from two callback goroutines at once.
type Callback func(code protocol.Code, args []codec.Value)

// Session executes function calls and device operations on behalf of an RPC
// endpoint. Synchronous forms serve the client facade; the Async forms serve
// the server-side event handler.
type Session interface {
	// GetFunction resolves a named entry point to an opaque handle.
	// A missing name yields handle 0 with no error.
	GetFunction(name string) (uint64, error)

	// CallFunc invokes a function handle and passes the return sequence to
	// setReturn before the call's transient storage is recycled.
	CallFunc(handle uint64, args []codec.Value, setReturn SetReturn) error

	// CopyToRemote writes nbytes from local memory into the tensor's
	// storage at its byte offset; CopyFromRemote is the reverse.
	CopyToRemote(from []byte, to *protocol.Tensor, nbytes uint64) error
	CopyFromRemote(from *protocol.Tensor, to []byte, nbytes uint64) error

	// FreeHandle releases a handle previously minted by this session.
	FreeHandle(handle uint64) error

	// GetDeviceAPI returns the device interface serving dev. With
	// allowMissing it returns nil instead of an error for unknown devices.
	GetDeviceAPI(dev protocol.Device, allowMissing bool) (DeviceAPI, error)

	// IsLocal reports whether the session runs in this address space.
	IsLocal() bool
	// IsAsync reports whether operations complete via callback rather than
	// inline. Async sessions can only be hosted by event-driven servers.
	IsAsync() bool

	Shutdown() error

	AsyncCallFunc(handle uint64, args []codec.Value, cb Callback)
	AsyncCopyToRemote(from []byte, to *protocol.Tensor, nbytes uint64, cb Callback)
	AsyncCopyFromRemote(from *protocol.Tensor, to []byte, nbytes uint64, cb Callback)
	AsyncStreamWait(dev protocol.Device, stream uint64, cb Callback)
}

// DeviceAPI is the device-control surface reachable through syscalls.
type DeviceAPI interface {
	SetDevice(dev protocol.Device) error
	GetAttr(dev protocol.Device, kind protocol.AttrKind) (codec.Value, error)
	AllocData(dev protocol.Device, nbytes, alignment uint64, typeHint protocol.DataType) (uint64, error)
	AllocDataWithScope(t *protocol.Tensor, scope string) (uint64, error)
	FreeData(dev protocol.Device, data uint64) error
	CopyDataFromTo(from, to *protocol.Tensor, stream uint64) error
	CreateStream(dev protocol.Device) (uint64, error)
	FreeStream(dev protocol.Device, stream uint64) error
	SetStream(dev protocol.Device, stream uint64) error
	GetCurrentStream(dev protocol.Device) (uint64, error)
	StreamSync(dev protocol.Device, stream uint64) error
}

// Complete invokes cb with the outcome of a synchronous operation: an
// exception carrying err's message, or a return with args.
func Complete(cb Callback, args []codec.Value, err error) {
	if err != nil {
		cb(protocol.CodeException, []codec.Value{codec.Str(err.Error())})
		return
	}
	cb(protocol.CodeReturn, args)
}
