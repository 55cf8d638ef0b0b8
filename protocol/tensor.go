package protocol

import "fmt"

// Tensor describes an ndarray stored on one side of an RPC channel. Only the
// descriptor travels on the wire; the storage it names is moved separately by
// the copy-to-remote / copy-from-remote continuation protocol.
//
// Wire layout (in order): Data handle (u64), Device (2×i32), NDim (i32),
// DType (u8/u8/u16), Shape (NDim × i64), ByteOffset (u64).
type Tensor struct {
	// Data is an opaque storage handle meaningful to the owning side.
	Data       uint64
	Device     Device
	DType      DataType
	Shape      []int64
	ByteOffset uint64
}

// NDim returns the number of dimensions.
func (t *Tensor) NDim() int { return len(t.Shape) }

// DataSize returns the total storage size of the tensor in bytes.
func (t *Tensor) DataSize() uint64 {
	size := uint64(1)
	for _, dim := range t.Shape {
		size *= uint64(dim)
	}
	return size * uint64(t.DType.ElemBytes())
}

// CheckCopyRange validates that a copy of nbytes starting at the tensor's
// byte offset stays inside the tensor's storage. It runs on the sending side
// before any packet bytes are queued.
func (t *Tensor) CheckCopyRange(nbytes uint64) error {
	// compared without summing: byte_offset + nbytes can wrap uint64
	total := t.DataSize()
	if nbytes > total || t.ByteOffset > total-nbytes {
		return fmt.Errorf("copy overflows tensor storage: byte_offset=%d nbytes=%d total=%d",
			t.ByteOffset, nbytes, total)
	}
	return nil
}

// DescriptorBytes returns the exact wire size of the tensor descriptor.
func (t *Tensor) DescriptorBytes() uint64 {
	return HandleBytes + DeviceBytes + 4 + DataTypeBytes + uint64(t.NDim())*8 + 8
}

// CopyPacketOverhead returns the number of non-payload bytes in a
// copy-to-remote or copy-from-remote packet for this tensor: the opcode, the
// descriptor and the nbytes field. Callers add the raw payload size (for
// copy-to-remote) to produce the exact packet length prefix.
func (t *Tensor) CopyPacketOverhead() uint64 {
	return CodeBytes + t.DescriptorBytes() + LenBytes
}
