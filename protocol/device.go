package protocol

import "fmt"

// DeviceType identifies the kind of compute device a tensor lives on.
type DeviceType int32

const (
	DeviceCPU    DeviceType = 1
	DeviceCUDA   DeviceType = 2
	DeviceOpenCL DeviceType = 4
	DeviceVulkan DeviceType = 7
	DeviceMetal  DeviceType = 8
	DeviceROCm   DeviceType = 10
)

// SessMask is the device-type stride used to remap remote devices into a
// client's local device space (remote type = original + session index *
// SessMask). Such remapped devices are meaningful only inside the session
// that created them and must never be sent over the channel.
const SessMask DeviceType = 128

// Device is a device descriptor: a device type plus an index among devices
// of that type. Wire layout: two int32 fields, 8 bytes total.
type Device struct {
	Type  DeviceType
	Index int32
}

// IsSessionDevice reports whether d is a session-remapped device that must
// not cross the channel.
func (d Device) IsSessionDevice() bool { return d.Type >= SessMask }

func (d Device) String() string {
	var name string
	switch d.Type {
	case DeviceCPU:
		name = "cpu"
	case DeviceCUDA:
		name = "cuda"
	case DeviceOpenCL:
		name = "opencl"
	case DeviceVulkan:
		name = "vulkan"
	case DeviceMetal:
		name = "metal"
	case DeviceROCm:
		name = "rocm"
	default:
		name = fmt.Sprintf("device(%d)", int32(d.Type))
	}
	return fmt.Sprintf("%s:%d", name, d.Index)
}

// DeviceBytes is the wire size of a device descriptor.
const DeviceBytes = 8

// AttrKind enumerates device attributes queryable through DevGetAttr.
type AttrKind int32

const (
	AttrExist AttrKind = iota
	AttrMaxThreadsPerBlock
	AttrWarpSize
	AttrMaxSharedMemoryPerBlock
	AttrComputeVersion
	AttrDeviceName
	AttrMaxClockRate
	AttrMultiProcessorCount
	AttrMaxThreadDimensions
	AttrMaxRegistersPerBlock
	AttrAPIVersion
	AttrDriverVersion
)

// TypeCode classifies the scalar interpretation of tensor elements.
type TypeCode uint8

const (
	TypeInt TypeCode = iota
	TypeUInt
	TypeFloat
	TypeHandle
	TypeBFloat
)

// DataType describes the element type of a tensor: scalar code, bit width
// and vector lane count. Wire layout: u8 code, u8 bits, u16 lanes, 4 bytes.
type DataType struct {
	Code  TypeCode
	Bits  uint8
	Lanes uint16
}

// ElemBytes returns the byte size of one element, rounding bit widths up to
// whole bytes. This is the swap unit for endianness normalization of bulk
// tensor payloads.
func (t DataType) ElemBytes() int {
	return (int(t.Bits)*int(t.Lanes) + 7) / 8
}

func (t DataType) String() string {
	var name string
	switch t.Code {
	case TypeInt:
		name = "int"
	case TypeUInt:
		name = "uint"
	case TypeFloat:
		name = "float"
	case TypeHandle:
		name = "handle"
	case TypeBFloat:
		name = "bfloat"
	default:
		name = fmt.Sprintf("code(%d)", t.Code)
	}
	if t.Lanes == 1 {
		return fmt.Sprintf("%s%d", name, t.Bits)
	}
	return fmt.Sprintf("%s%dx%d", name, t.Bits, t.Lanes)
}

// DataTypeBytes is the wire size of a data type descriptor.
const DataTypeBytes = 4

// Common element types.
var (
	Int32   = DataType{Code: TypeInt, Bits: 32, Lanes: 1}
	Int64   = DataType{Code: TypeInt, Bits: 64, Lanes: 1}
	UInt8   = DataType{Code: TypeUInt, Bits: 8, Lanes: 1}
	Float32 = DataType{Code: TypeFloat, Bits: 32, Lanes: 1}
	Float64 = DataType{Code: TypeFloat, Bits: 64, Lanes: 1}
)
