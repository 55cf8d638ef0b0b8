package codec

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/kp-forks/tvm/protocol"
)

func TestScalarRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)

	if err := e.Uint64(0xdeadbeefcafe); err != nil {
		t.Fatal(err)
	}
	if err := e.Int32(-42); err != nil {
		t.Fatal(err)
	}
	if err := e.Float64(3.25); err != nil {
		t.Fatal(err)
	}
	if err := e.String("hello"); err != nil {
		t.Fatal(err)
	}
	if err := e.Code(protocol.CodeCallFunc); err != nil {
		t.Fatal(err)
	}

	d := NewDecoder(&buf)
	if v, _ := d.Uint64(); v != 0xdeadbeefcafe {
		t.Errorf("Uint64 = %x", v)
	}
	if v, _ := d.Int32(); v != -42 {
		t.Errorf("Int32 = %d", v)
	}
	if v, _ := d.Float64(); v != 3.25 {
		t.Errorf("Float64 = %v", v)
	}
	if v, _ := d.String(); v != "hello" {
		t.Errorf("String = %q", v)
	}
	if v, _ := d.Code(); v != protocol.CodeCallFunc {
		t.Errorf("Code = %v", v)
	}
}

func TestTensorRoundTrip(t *testing.T) {
	orig := &protocol.Tensor{
		Data:       0x1000,
		Device:     protocol.Device{Type: protocol.DeviceCUDA, Index: 1},
		DType:      protocol.Float32,
		Shape:      []int64{2, 3, 4},
		ByteOffset: 16,
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).Tensor(orig); err != nil {
		t.Fatal(err)
	}
	if got, want := uint64(buf.Len()), orig.DescriptorBytes(); got != want {
		t.Errorf("encoded %d bytes, DescriptorBytes says %d", got, want)
	}

	decoded, err := NewDecoder(&buf).Tensor()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(orig, decoded) {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, orig)
	}
}

func TestSeqRoundTrip(t *testing.T) {
	tensor := &protocol.Tensor{
		Device: protocol.Device{Type: protocol.DeviceCPU},
		DType:  protocol.UInt8,
		Shape:  []int64{10},
	}
	args := []Value{
		Nil(),
		Bool(true),
		Int(-7),
		Float(2.5),
		Str("global.func"),
		Bytes([]byte{1, 2, 3}),
		Handle(0xabc),
		Module(0xdef),
		DeviceVal(protocol.Device{Type: protocol.DeviceCUDA, Index: 2}),
		DTypeVal(protocol.Int64),
		TensorVal(tensor),
		Ref(0x1234, 0),
	}

	var buf bytes.Buffer
	if err := NewEncoder(&buf).WriteSeq(args); err != nil {
		t.Fatal(err)
	}
	decoded, err := NewDecoder(&buf).ReadSeq()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(args, decoded) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, args)
	}

	// A received reference must come back as a Ref value, not a bare handle,
	// so it can be forwarded through another hop.
	if decoded[11].Kind != KindRef || decoded[11].Handle != 0x1234 {
		t.Errorf("ref not re-wrapped: %+v", decoded[11])
	}
}

// The computed pre-encode size must equal the bytes actually written. The
// packet length prefix is only correct if this holds for every value shape.
func TestSeqBytesMatchesEncoding(t *testing.T) {
	cases := [][]Value{
		nil,
		{Nil()},
		{Int(1), Float(2), Str("abc")},
		{Bytes(make([]byte, 100)), Handle(5), Bool(false)},
		{DeviceVal(protocol.Device{Type: protocol.DeviceCPU}), DTypeVal(protocol.Float32)},
		{TensorVal(&protocol.Tensor{DType: protocol.Float64, Shape: []int64{3, 3}})},
		{Ref(9, 0), Module(3), Str("")},
	}
	for i, args := range cases {
		want, err := SeqBytes(args)
		if err != nil {
			t.Fatalf("case %d: SeqBytes: %v", i, err)
		}
		var buf bytes.Buffer
		if err := NewEncoder(&buf).WriteSeq(args); err != nil {
			t.Fatalf("case %d: WriteSeq: %v", i, err)
		}
		if got := uint64(buf.Len()); got != want {
			t.Errorf("case %d: SeqBytes = %d but encoding wrote %d bytes", i, want, got)
		}
	}
}

func TestValidateArgsRejectsObjects(t *testing.T) {
	args := []Value{Int(1), Object(struct{ x int }{1}), Str("x")}

	err := ValidateArgs(args)
	if err == nil {
		t.Fatal("expected validation error for object argument")
	}
	if !strings.Contains(err.Error(), "unsupported type") || !strings.Contains(err.Error(), "1") {
		t.Errorf("error should name the offending index and type, got: %v", err)
	}

	// Nothing may reach the wire for an invalid sequence.
	var buf bytes.Buffer
	if err := NewEncoder(&buf).WriteSeq(args); err == nil {
		t.Fatal("WriteSeq should reject object arguments")
	}
	if buf.Len() != 0 {
		t.Errorf("WriteSeq wrote %d bytes before rejecting", buf.Len())
	}
}

func TestValidateArgsRejectsSessionDevice(t *testing.T) {
	dev := protocol.Device{Type: protocol.DeviceCPU + protocol.SessMask}
	if err := ValidateArgs([]Value{DeviceVal(dev)}); err == nil {
		t.Fatal("expected rejection of session-local device")
	}
}

func TestSwapElems(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	swapElems(data, 4)
	want := []byte{4, 3, 2, 1, 8, 7, 6, 5}
	if !bytes.Equal(data, want) {
		t.Errorf("swapElems(4) = %v, want %v", data, want)
	}

	// Swapping twice restores the original.
	swapElems(data, 4)
	if !bytes.Equal(data, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("double swap is not identity: %v", data)
	}

	single := []byte{1, 2, 3}
	swapElems(single, 1)
	if !bytes.Equal(single, []byte{1, 2, 3}) {
		t.Errorf("1-byte elements must not move: %v", single)
	}
}
