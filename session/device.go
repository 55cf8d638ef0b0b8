package session

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/kp-forks/tvm/codec"
	"github.com/kp-forks/tvm/protocol"
)

// CPUDevice implements DeviceAPI with plain heap storage. Data handles name
// byte-slice buffers; streams are inert tokens since CPU work completes
// inline.
type CPUDevice struct {
	mu      sync.Mutex
	nextID  uint64
	buffers map[uint64][]byte
	streams map[uint64]bool
	current uint64
}

func NewCPUDevice() *CPUDevice {
	return &CPUDevice{
		buffers: make(map[uint64][]byte),
		streams: make(map[uint64]bool),
	}
}

func (c *CPUDevice) SetDevice(dev protocol.Device) error { return nil }

func (c *CPUDevice) GetAttr(dev protocol.Device, kind protocol.AttrKind) (codec.Value, error) {
	switch kind {
	case protocol.AttrExist:
		return codec.Int(1), nil
	case protocol.AttrDeviceName:
		return codec.Str(runtime.GOARCH), nil
	case protocol.AttrMultiProcessorCount:
		return codec.Int(int64(runtime.NumCPU())), nil
	default:
		return codec.Int(0), nil
	}
}

func (c *CPUDevice) AllocData(dev protocol.Device, nbytes, alignment uint64, typeHint protocol.DataType) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.buffers[c.nextID] = make([]byte, nbytes)
	return c.nextID, nil
}

func (c *CPUDevice) AllocDataWithScope(t *protocol.Tensor, scope string) (uint64, error) {
	if scope != "" && scope != "global" {
		return 0, fmt.Errorf("unsupported memory scope %q", scope)
	}
	return c.AllocData(t.Device, t.DataSize(), 0, t.DType)
}

func (c *CPUDevice) FreeData(dev protocol.Device, data uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buffers[data]; !ok {
		return fmt.Errorf("unknown data handle %#x", data)
	}
	delete(c.buffers, data)
	return nil
}

func (c *CPUDevice) buffer(handle uint64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.buffers[handle]
	if !ok {
		return nil, fmt.Errorf("unknown data handle %#x", handle)
	}
	return buf, nil
}

func (c *CPUDevice) writeAt(handle, offset uint64, p []byte) error {
	buf, err := c.buffer(handle)
	if err != nil {
		return err
	}
	if n := uint64(len(p)); n > uint64(len(buf)) || offset > uint64(len(buf))-n {
		return fmt.Errorf("write of %d bytes at offset %d exceeds buffer of %d", len(p), offset, len(buf))
	}
	copy(buf[offset:], p)
	return nil
}

func (c *CPUDevice) readAt(handle, offset uint64, p []byte) error {
	buf, err := c.buffer(handle)
	if err != nil {
		return err
	}
	if n := uint64(len(p)); n > uint64(len(buf)) || offset > uint64(len(buf))-n {
		return fmt.Errorf("read of %d bytes at offset %d exceeds buffer of %d", len(p), offset, len(buf))
	}
	copy(p, buf[offset:])
	return nil
}

func (c *CPUDevice) CopyDataFromTo(from, to *protocol.Tensor, stream uint64) error {
	if from.ByteOffset > from.DataSize() {
		return fmt.Errorf("source byte offset %d exceeds storage of %d", from.ByteOffset, from.DataSize())
	}
	if to.ByteOffset > to.DataSize() {
		return fmt.Errorf("destination byte offset %d exceeds storage of %d", to.ByteOffset, to.DataSize())
	}
	nbytes := from.DataSize() - from.ByteOffset
	if avail := to.DataSize() - to.ByteOffset; avail < nbytes {
		nbytes = avail
	}
	tmp := make([]byte, nbytes)
	if err := c.readAt(from.Data, from.ByteOffset, tmp); err != nil {
		return err
	}
	return c.writeAt(to.Data, to.ByteOffset, tmp)
}

func (c *CPUDevice) CreateStream(dev protocol.Device) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.streams[c.nextID] = true
	return c.nextID, nil
}

func (c *CPUDevice) FreeStream(dev protocol.Device, stream uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.streams[stream] {
		return fmt.Errorf("unknown stream handle %#x", stream)
	}
	delete(c.streams, stream)
	if c.current == stream {
		c.current = 0
	}
	return nil
}

func (c *CPUDevice) SetStream(dev protocol.Device, stream uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream != 0 && !c.streams[stream] {
		return fmt.Errorf("unknown stream handle %#x", stream)
	}
	c.current = stream
	return nil
}

func (c *CPUDevice) GetCurrentStream(dev protocol.Device) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, nil
}

// StreamSync is a no-op: CPU operations complete before returning.
func (c *CPUDevice) StreamSync(dev protocol.Device, stream uint64) error { return nil }
