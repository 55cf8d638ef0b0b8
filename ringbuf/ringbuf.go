// Package ringbuf provides a growable byte ring buffer with callback-driven
// fill and drain operations.
//
// An RPC endpoint owns two of these: an inbound buffer filled from the
// channel and consumed by the protocol state machine, and an outbound buffer
// filled by the state machine and drained to the channel. The callback forms
// let the channel read into / write out of the ring's own storage in
// contiguous spans, so partial sends and receives never copy twice.
package ringbuf

import "fmt"

const initCapacity = 4 << 10

// Buffer is a FIFO byte queue backed by a circular slice that grows on
// demand and never shrinks. It is not safe for concurrent use; the endpoint
// serializes access.
type Buffer struct {
	data []byte
	head int // read position
	n    int // bytes available
}

// New returns an empty buffer with the default initial capacity.
func New() *Buffer {
	return &Buffer{data: make([]byte, initCapacity)}
}

// BytesAvailable returns the number of unread bytes in the buffer.
func (b *Buffer) BytesAvailable() int { return b.n }

// Reserve grows the underlying storage so the buffer can hold at least n
// bytes in total without further allocation.
func (b *Buffer) Reserve(n int) {
	if n <= len(b.data) {
		return
	}
	capacity := len(b.data)
	if capacity == 0 {
		capacity = initCapacity
	}
	for capacity < n {
		capacity *= 2
	}
	b.regrow(capacity)
}

// regrow relocates the content into a fresh slice, linearizing it.
func (b *Buffer) regrow(capacity int) {
	fresh := make([]byte, capacity)
	tail := b.head + b.n
	if tail <= len(b.data) {
		copy(fresh, b.data[b.head:tail])
	} else {
		first := copy(fresh, b.data[b.head:])
		copy(fresh[first:], b.data[:tail-len(b.data)])
	}
	b.data = fresh
	b.head = 0
}

// Write appends p to the buffer, growing storage as needed.
func (b *Buffer) Write(p []byte) {
	b.Reserve(b.n + len(p))
	tail := (b.head + b.n) % len(b.data)
	first := copy(b.data[tail:], p)
	if first < len(p) {
		copy(b.data, p[first:])
	}
	b.n += len(p)
}

// Read removes exactly len(p) bytes from the buffer into p. The caller must
// have checked BytesAvailable first; asking for more than is buffered is a
// programming error.
func (b *Buffer) Read(p []byte) error {
	if len(p) > b.n {
		return fmt.Errorf("ringbuf: read of %d bytes exceeds %d available", len(p), b.n)
	}
	first := copy(p, b.data[b.head:min(b.head+len(p), len(b.data))])
	if first < len(p) {
		copy(p[first:], b.data)
	}
	b.head = (b.head + len(p)) % len(b.data)
	b.n -= len(p)
	if b.n == 0 {
		b.head = 0
	}
	return nil
}

// ReadWithCallback drains up to max buffered bytes by handing one contiguous
// span to send (typically a channel Send). send reports how many bytes it
// consumed; only those are removed. Returns the number of bytes drained.
func (b *Buffer) ReadWithCallback(send func(p []byte) (int, error), max int) (int, error) {
	if max > b.n {
		max = b.n
	}
	if max == 0 {
		return 0, nil
	}
	end := b.head + max
	if end > len(b.data) {
		end = len(b.data)
	}
	sent, err := send(b.data[b.head:end])
	if sent > 0 {
		b.head = (b.head + sent) % len(b.data)
		b.n -= sent
		if b.n == 0 {
			b.head = 0
		}
	}
	return sent, err
}

// WriteWithCallback fills up to max bytes by handing one contiguous free
// span to recv (typically a channel Recv). recv reports how many bytes it
// produced; only those become available. Returns the number of bytes filled.
func (b *Buffer) WriteWithCallback(recv func(p []byte) (int, error), max int) (int, error) {
	if max == 0 {
		return 0, nil
	}
	b.Reserve(b.n + max)
	tail := (b.head + b.n) % len(b.data)
	end := tail + max
	if end > len(b.data) {
		end = len(b.data)
	}
	got, err := recv(b.data[tail:end])
	if got > 0 {
		b.n += got
	}
	return got, err
}
