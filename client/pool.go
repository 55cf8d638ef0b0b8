package client

import (
	"fmt"
	"sync"

	"github.com/kp-forks/tvm/endpoint"
)

// SessionPool manages reusable client sessions to a single server. Sessions
// carry per-call state on the wire (one outstanding operation each), so they
// are lent out exclusively rather than multiplexed.
//
// A buffered channel holds idle sessions: it is a goroutine-safe FIFO and
// blocking on empty comes for free.
type SessionPool struct {
	mu      sync.Mutex
	idle    chan *PooledSession
	addr    string
	opts    Options
	maxSize int
	open    int // sessions created and not yet discarded
	closed  bool
}

// PooledSession wraps a client session with pool bookkeeping.
type PooledSession struct {
	*endpoint.ClientSession
	pool     *SessionPool
	unusable bool
}

// MarkUnusable flags the session for discard on return. Callers set it when
// a call failed in a way that poisons the underlying endpoint; remote
// exceptions do not require it.
func (p *PooledSession) MarkUnusable() { p.unusable = true }

// Release hands the session back to its pool.
func (p *PooledSession) Release() { p.pool.put(p) }

// NewSessionPool creates a pool of up to maxSize sessions to addr. Sessions
// are created lazily on first Get.
func NewSessionPool(addr string, maxSize int, opts Options) *SessionPool {
	return &SessionPool{
		idle:    make(chan *PooledSession, maxSize),
		addr:    addr,
		opts:    opts,
		maxSize: maxSize,
	}
}

// Get borrows a session: an idle one if available, a fresh one while under
// the size limit, otherwise it blocks until a session is released.
func (p *SessionPool) Get() (*PooledSession, error) {
	select {
	case sess, ok := <-p.idle:
		if !ok {
			return nil, fmt.Errorf("session pool is closed")
		}
		return sess, nil
	default:
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("session pool is closed")
	}
	if p.open < p.maxSize {
		p.open++
		p.mu.Unlock()
		sess, err := Connect(p.addr, p.opts)
		if err != nil {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			return nil, err
		}
		return &PooledSession{ClientSession: sess, pool: p}, nil
	}
	p.mu.Unlock()
	sess, ok := <-p.idle
	if !ok {
		return nil, fmt.Errorf("session pool is closed")
	}
	return sess, nil
}

func (p *SessionPool) put(sess *PooledSession) {
	p.mu.Lock()
	if p.closed || sess.unusable {
		p.open--
		p.mu.Unlock()
		sess.Shutdown()
		return
	}
	// Send under the lock: open never exceeds cap(idle), so this cannot
	// block, and Close cannot close the channel between the check and the
	// send.
	p.idle <- sess
	p.mu.Unlock()
}

// Close shuts down every idle session. Borrowed sessions are shut down as
// they are released.
func (p *SessionPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.idle)
	p.mu.Unlock()
	for sess := range p.idle {
		p.open--
		sess.Shutdown()
	}
}
