// Package codec implements byte-exact, endianness-normalized encoding of the
// scalars, strings, device descriptors, tensor descriptors and packed
// argument sequences that make up RPC packet payloads.
//
// The canonical wire order is little-endian. Every encode path has a paired
// size function that computes the exact number of bytes the encode will
// produce without performing it, so packet length prefixes can be written
// before any payload byte is queued.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/kp-forks/tvm/protocol"
)

// Encoder writes wire-format values to an underlying stream. Writes to the
// underlying stream are assumed to be buffered (the endpoint writes into a
// ring buffer); Encoder itself keeps only an 8-byte scratch area.
type Encoder struct {
	w       io.Writer
	scratch [8]byte
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) Uint64(v uint64) error {
	binary.LittleEndian.PutUint64(e.scratch[:8], v)
	_, err := e.w.Write(e.scratch[:8])
	return err
}

func (e *Encoder) Int64(v int64) error { return e.Uint64(uint64(v)) }

func (e *Encoder) Uint32(v uint32) error {
	binary.LittleEndian.PutUint32(e.scratch[:4], v)
	_, err := e.w.Write(e.scratch[:4])
	return err
}

func (e *Encoder) Int32(v int32) error { return e.Uint32(uint32(v)) }

func (e *Encoder) Float64(v float64) error { return e.Uint64(math.Float64bits(v)) }

func (e *Encoder) Code(c protocol.Code) error { return e.Int32(int32(c)) }

// Raw writes p with no length prefix.
func (e *Encoder) Raw(p []byte) error {
	_, err := e.w.Write(p)
	return err
}

// Bytes writes a u64 length prefix followed by the raw bytes.
func (e *Encoder) Bytes(p []byte) error {
	if err := e.Uint64(uint64(len(p))); err != nil {
		return err
	}
	return e.Raw(p)
}

// String writes a u64 length prefix followed by the raw bytes of s.
func (e *Encoder) String(s string) error {
	if err := e.Uint64(uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) Device(d protocol.Device) error {
	if err := e.Int32(int32(d.Type)); err != nil {
		return err
	}
	return e.Int32(d.Index)
}

func (e *Encoder) DataType(t protocol.DataType) error {
	e.scratch[0] = byte(t.Code)
	e.scratch[1] = t.Bits
	binary.LittleEndian.PutUint16(e.scratch[2:4], t.Lanes)
	_, err := e.w.Write(e.scratch[:4])
	return err
}

// Tensor writes a tensor descriptor. The storage the descriptor names never
// travels with it; only the copy continuation protocol moves the bytes.
func (e *Encoder) Tensor(t *protocol.Tensor) error {
	if err := e.Uint64(t.Data); err != nil {
		return err
	}
	if err := e.Device(t.Device); err != nil {
		return err
	}
	if err := e.Int32(int32(t.NDim())); err != nil {
		return err
	}
	if err := e.DataType(t.DType); err != nil {
		return err
	}
	for _, dim := range t.Shape {
		if err := e.Int64(dim); err != nil {
			return err
		}
	}
	return e.Uint64(t.ByteOffset)
}

// Decoder reads wire-format values from an underlying stream. Every read is
// exact: short reads surface as errors from the underlying stream.
type Decoder struct {
	r       io.Reader
	scratch [8]byte
}

// packetBudgeted is implemented by streams that know how many bytes remain
// in the current packet (the endpoint's inbound ring does). Decode paths
// that allocate from a wire-supplied length consult it first, so a corrupt
// length field fails as a decode error rather than an oversized allocation.
type packetBudgeted interface{ Remaining() int }

func (d *Decoder) checkBudget(n uint64) error {
	if b, ok := d.r.(packetBudgeted); ok && n > uint64(b.Remaining()) {
		return fmt.Errorf("length field %d exceeds the %d bytes left in the packet", n, b.Remaining())
	}
	return nil
}

func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: r} }

func (d *Decoder) Uint64() (uint64, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(d.scratch[:8]), nil
}

func (d *Decoder) Int64() (int64, error) {
	v, err := d.Uint64()
	return int64(v), err
}

func (d *Decoder) Uint32() (uint32, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:4]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(d.scratch[:4]), nil
}

func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

func (d *Decoder) Float64() (float64, error) {
	v, err := d.Uint64()
	return math.Float64frombits(v), err
}

func (d *Decoder) Code() (protocol.Code, error) {
	v, err := d.Int32()
	return protocol.Code(v), err
}

// Raw reads exactly len(p) bytes.
func (d *Decoder) Raw(p []byte) error {
	_, err := io.ReadFull(d.r, p)
	return err
}

// Bytes reads a u64 length prefix followed by that many raw bytes.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint64()
	if err != nil {
		return nil, err
	}
	if err := d.checkBudget(n); err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if err := d.Raw(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Decoder) String() (string, error) {
	p, err := d.Bytes()
	return string(p), err
}

func (d *Decoder) Device() (protocol.Device, error) {
	typ, err := d.Int32()
	if err != nil {
		return protocol.Device{}, err
	}
	idx, err := d.Int32()
	if err != nil {
		return protocol.Device{}, err
	}
	return protocol.Device{Type: protocol.DeviceType(typ), Index: idx}, nil
}

func (d *Decoder) DataType() (protocol.DataType, error) {
	if _, err := io.ReadFull(d.r, d.scratch[:4]); err != nil {
		return protocol.DataType{}, err
	}
	return protocol.DataType{
		Code:  protocol.TypeCode(d.scratch[0]),
		Bits:  d.scratch[1],
		Lanes: binary.LittleEndian.Uint16(d.scratch[2:4]),
	}, nil
}

func (d *Decoder) Tensor() (*protocol.Tensor, error) {
	t := &protocol.Tensor{}
	var err error
	if t.Data, err = d.Uint64(); err != nil {
		return nil, err
	}
	if t.Device, err = d.Device(); err != nil {
		return nil, err
	}
	ndim, err := d.Int32()
	if err != nil {
		return nil, err
	}
	if ndim < 0 {
		return nil, fmt.Errorf("negative tensor ndim %d", ndim)
	}
	if err := d.checkBudget(uint64(ndim) * 8); err != nil {
		return nil, err
	}
	if t.DType, err = d.DataType(); err != nil {
		return nil, err
	}
	t.Shape = make([]int64, ndim)
	for i := range t.Shape {
		if t.Shape[i], err = d.Int64(); err != nil {
			return nil, err
		}
	}
	if t.ByteOffset, err = d.Uint64(); err != nil {
		return nil, err
	}
	return t, nil
}

// StringBytes returns the wire size of a length-prefixed string or byte
// buffer of length n.
func StringBytes(n int) uint64 { return protocol.LenBytes + uint64(n) }
