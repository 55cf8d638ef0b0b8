package codec

import (
	"fmt"

	"github.com/kp-forks/tvm/protocol"
)

// Kind tags the variants of a packed argument Value.
type Kind int32

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindStr
	KindBytes
	KindHandle // opaque handle, meaningful only to the receiving side
	KindModule // module handle
	KindDevice
	KindDType
	KindTensor // tensor descriptor (storage stays put)
	KindRef    // remote object reference, forwardable across hops
	KindObject // arbitrary local object; never allowed on the wire
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindStr:
		return "str"
	case KindBytes:
		return "bytes"
	case KindHandle:
		return "handle"
	case KindModule:
		return "module"
	case KindDevice:
		return "device"
	case KindDType:
		return "dtype"
	case KindTensor:
		return "tensor"
	case KindRef:
		return "ref"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// refObjectTag is the fixed type tag written before the handle of a remote
// object reference. Decoders reject any other tag, and always re-wrap the
// handle in a Ref value so it can be forwarded through further hops without
// resolving what it names.
const refObjectTag uint32 = 0x52ef

// Value is one tagged element of a packed argument sequence. Exactly the
// fields relevant to its Kind are meaningful.
type Value struct {
	Kind   Kind
	Int    int64
	Float  float64
	Str    string
	Data   []byte
	Handle uint64
	Owner  int64 // owning session id of a Ref
	Device protocol.Device
	DType  protocol.DataType
	Tensor *protocol.Tensor
	Obj    any // KindObject payload, local use only
}

func Nil() Value              { return Value{Kind: KindNil} }
func Int(v int64) Value       { return Value{Kind: KindInt, Int: v} }
func Float(v float64) Value   { return Value{Kind: KindFloat, Float: v} }
func Str(s string) Value      { return Value{Kind: KindStr, Str: s} }
func Bytes(p []byte) Value    { return Value{Kind: KindBytes, Data: p} }
func Handle(h uint64) Value   { return Value{Kind: KindHandle, Handle: h} }
func Module(h uint64) Value   { return Value{Kind: KindModule, Handle: h} }
func Object(obj any) Value    { return Value{Kind: KindObject, Obj: obj} }

func Bool(v bool) Value {
	var i int64
	if v {
		i = 1
	}
	return Value{Kind: KindBool, Int: i}
}

func DeviceVal(d protocol.Device) Value   { return Value{Kind: KindDevice, Device: d} }
func DTypeVal(t protocol.DataType) Value  { return Value{Kind: KindDType, DType: t} }
func TensorVal(t *protocol.Tensor) Value  { return Value{Kind: KindTensor, Tensor: t} }
func Ref(handle uint64, owner int64) Value {
	return Value{Kind: KindRef, Handle: handle, Owner: owner}
}

// AsBool interprets the value as a boolean.
func (v Value) AsBool() bool { return v.Int != 0 }

// ArgError reports an argument that cannot cross the RPC channel. It names
// the offending index and kind; hitting it is a programming-contract
// violation on the sending side, not a runtime condition of the peer.
type ArgError struct {
	Index int
	Kind  Kind
}

func (e *ArgError) Error() string {
	return fmt.Sprintf("unsupported type for argument %d: %v cannot be sent over RPC", e.Index, e.Kind)
}

// ValidateArgs checks that every argument is a primitive, a device
// descriptor, a tensor descriptor, a module handle or a remote object
// reference. Session-remapped devices are rejected too: they are meaningful
// only inside the session that minted them.
func ValidateArgs(args []Value) error {
	for i, a := range args {
		switch a.Kind {
		case KindNil, KindBool, KindInt, KindFloat, KindStr, KindBytes,
			KindHandle, KindModule, KindDType, KindTensor, KindRef:
		case KindDevice:
			if a.Device.IsSessionDevice() {
				return fmt.Errorf("argument %d: session-local device %v cannot be sent over RPC", i, a.Device)
			}
		default:
			return &ArgError{Index: i, Kind: a.Kind}
		}
	}
	return nil
}

// valueBytes returns the wire size of one value's payload (excluding its
// kind tag).
func valueBytes(v Value) (uint64, error) {
	switch v.Kind {
	case KindNil:
		return 0, nil
	case KindBool, KindInt, KindFloat, KindHandle, KindModule:
		return 8, nil
	case KindStr:
		return StringBytes(len(v.Str)), nil
	case KindBytes:
		return StringBytes(len(v.Data)), nil
	case KindDevice:
		return protocol.DeviceBytes, nil
	case KindDType:
		return protocol.DataTypeBytes, nil
	case KindTensor:
		return v.Tensor.DescriptorBytes(), nil
	case KindRef:
		return 4 + 8, nil // fixed object tag + handle
	default:
		return 0, &ArgError{Kind: v.Kind}
	}
}

// SeqBytes computes the exact number of bytes WriteSeq will produce for
// args, without encoding anything. The packet length prefix depends on this
// being exact.
func SeqBytes(args []Value) (uint64, error) {
	total := uint64(protocol.LenBytes) // argument count
	for i, a := range args {
		n, err := valueBytes(a)
		if err != nil {
			if argErr, ok := err.(*ArgError); ok {
				argErr.Index = i
			}
			return 0, err
		}
		total += 4 + n // kind tag + payload
	}
	return total, nil
}

// WriteSeq encodes args as a packed sequence: a u64 count, one i32 kind tag
// per argument, then each argument's payload.
func (e *Encoder) WriteSeq(args []Value) error {
	if err := ValidateArgs(args); err != nil {
		return err
	}
	if err := e.Uint64(uint64(len(args))); err != nil {
		return err
	}
	for _, a := range args {
		if err := e.Int32(int32(a.Kind)); err != nil {
			return err
		}
		switch a.Kind {
		case KindNil:
		case KindBool, KindInt:
			if err := e.Int64(a.Int); err != nil {
				return err
			}
		case KindFloat:
			if err := e.Float64(a.Float); err != nil {
				return err
			}
		case KindStr:
			if err := e.String(a.Str); err != nil {
				return err
			}
		case KindBytes:
			if err := e.Bytes(a.Data); err != nil {
				return err
			}
		case KindHandle, KindModule:
			if err := e.Uint64(a.Handle); err != nil {
				return err
			}
		case KindDevice:
			if err := e.Device(a.Device); err != nil {
				return err
			}
		case KindDType:
			if err := e.DataType(a.DType); err != nil {
				return err
			}
		case KindTensor:
			if err := e.Tensor(a.Tensor); err != nil {
				return err
			}
		case KindRef:
			if err := e.Uint32(refObjectTag); err != nil {
				return err
			}
			if err := e.Int64(int64(a.Handle)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadSeq decodes a packed sequence. Remote object references are always
// re-wrapped as Ref values rather than bare handles, so a received handle
// can be forwarded onward through a further hop untouched.
func (d *Decoder) ReadSeq() ([]Value, error) {
	count, err := d.Uint64()
	if err != nil {
		return nil, err
	}
	args := make([]Value, count)
	for i := range args {
		kind, err := d.Int32()
		if err != nil {
			return nil, err
		}
		v := Value{Kind: Kind(kind)}
		switch v.Kind {
		case KindNil:
		case KindBool, KindInt:
			if v.Int, err = d.Int64(); err != nil {
				return nil, err
			}
		case KindFloat:
			if v.Float, err = d.Float64(); err != nil {
				return nil, err
			}
		case KindStr:
			if v.Str, err = d.String(); err != nil {
				return nil, err
			}
		case KindBytes:
			if v.Data, err = d.Bytes(); err != nil {
				return nil, err
			}
		case KindHandle, KindModule:
			if v.Handle, err = d.Uint64(); err != nil {
				return nil, err
			}
		case KindDevice:
			if v.Device, err = d.Device(); err != nil {
				return nil, err
			}
		case KindDType:
			if v.DType, err = d.DataType(); err != nil {
				return nil, err
			}
		case KindTensor:
			if v.Tensor, err = d.Tensor(); err != nil {
				return nil, err
			}
		case KindRef:
			tag, err := d.Uint32()
			if err != nil {
				return nil, err
			}
			if tag != refObjectTag {
				return nil, fmt.Errorf("unsupported object tag %#x for argument %d", tag, i)
			}
			h, err := d.Int64()
			if err != nil {
				return nil, err
			}
			v.Handle = uint64(h)
		default:
			return nil, fmt.Errorf("unsupported kind tag %d for argument %d", kind, i)
		}
		args[i] = v
	}
	return args, nil
}
