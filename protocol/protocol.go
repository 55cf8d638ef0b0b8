// Package protocol defines the binary wire protocol for the tensor RPC layer.
//
// All traffic between two endpoints is a sequence of packets. A packet is the
// atomic transmission unit: the receiver always learns the total size of a
// packet before decoding any of it, which solves TCP's sticky packet problem
// and lets the event handler request exactly the bytes it still needs.
//
// Packet layout:
//
//	0        8        12
//	┌────────┬────────┬──────────────────────┐
//	│ length │ opcode │  payload ...         │
//	│ uint64 │ int32  │  (length - 4) bytes  │
//	└────────┴────────┴──────────────────────┘
//
// length counts every byte after the length field itself, including the
// opcode. A zero-length packet is a heartbeat: the receiver stays in its idle
// state and waits for the next length prefix.
//
// All multi-byte integers travel in little-endian order; hosts with a
// different native order byte-swap on both write and read (see the codec
// package).
package protocol

import "fmt"

// Version is the protocol version string exchanged during InitServer.
// A mismatch between client and server versions is fatal to the session.
const Version = "1.0.0"

// ToInitKey is the sentinel session key that asks an endpoint to read the
// peer's key from the stream during the init-header handshake.
const ToInitKey = "%toinit"

// Code enumerates packet opcodes. Opcodes at or above SyscallStart are
// built-in request/response syscalls (device management, handle lifetime);
// the rest drive session setup, function calls, bulk copies and teardown.
type Code int32

const (
	CodeNone Code = iota
	CodeShutdown
	CodeInitServer
	CodeCallFunc
	CodeReturn
	CodeException
	CodeCopyFromRemote
	CodeCopyToRemote
	CodeCopyAck
)

// SyscallStart is the first opcode of the contiguous syscall range.
const SyscallStart Code = 64

const (
	CodeGetGlobalFunc Code = SyscallStart + iota
	CodeFreeHandle
	CodeDevSetDevice
	CodeDevGetAttr
	CodeDevAllocData
	CodeDevFreeData
	CodeDevStreamSync
	CodeCopyAmongRemote
	CodeDevAllocDataWithScope
	CodeDevCreateStream
	CodeDevFreeStream
	CodeDevSetStream
	CodeDevGetCurrentStream

	codeSyscallEnd
)

// IsSyscall reports whether c is in the syscall opcode range.
func (c Code) IsSyscall() bool { return c >= SyscallStart && c < codeSyscallEnd }

// Valid reports whether c is a known opcode.
func (c Code) Valid() bool {
	return (c >= CodeNone && c <= CodeCopyAck) || c.IsSyscall()
}

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "None"
	case CodeShutdown:
		return "Shutdown"
	case CodeInitServer:
		return "InitServer"
	case CodeCallFunc:
		return "CallFunc"
	case CodeReturn:
		return "Return"
	case CodeException:
		return "Exception"
	case CodeCopyFromRemote:
		return "CopyFromRemote"
	case CodeCopyToRemote:
		return "CopyToRemote"
	case CodeCopyAck:
		return "CopyAck"
	case CodeGetGlobalFunc:
		return "GetGlobalFunc"
	case CodeFreeHandle:
		return "FreeHandle"
	case CodeDevSetDevice:
		return "DevSetDevice"
	case CodeDevGetAttr:
		return "DevGetAttr"
	case CodeDevAllocData:
		return "DevAllocData"
	case CodeDevFreeData:
		return "DevFreeData"
	case CodeDevStreamSync:
		return "DevStreamSync"
	case CodeCopyAmongRemote:
		return "CopyAmongRemote"
	case CodeDevAllocDataWithScope:
		return "DevAllocDataWithScope"
	case CodeDevCreateStream:
		return "DevCreateStream"
	case CodeDevFreeStream:
		return "DevFreeStream"
	case CodeDevSetStream:
		return "DevSetStream"
	case CodeDevGetCurrentStream:
		return "DevGetCurrentStream"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

// Sizes of fixed wire fields, used when computing packet length prefixes.
const (
	CodeBytes   = 4 // opcode, int32
	LenBytes    = 8 // length prefixes, uint64
	HandleBytes = 8 // opaque handles, uint64
)
