package session

import (
	"context"
	"sync"
	"time"

	"deribit-hedger/internal/deribit/rpc"
	"deribit-hedger/internal/deribit/ws"
)

// milestone is a one-shot signal.
type milestone struct {
	once sync.Once
	ch   chan struct{}
}

func newMilestone() *milestone {
	return &milestone{ch: make(chan struct{})}
}

func (m *milestone) fire() {
	m.once.Do(func() { close(m.ch) })
}

func (m *milestone) Done() <-chan struct{} { return m.ch }

func (m *milestone) fired() bool {
	select {
	case <-m.ch:
		return true
	default:
		return false
	}
}

// countdown fires once every armed call type has been answered the expected
// number of times. Replies before arm are ignored.
type countdown struct {
	mu        sync.Mutex
	armed     bool
	remaining map[rpc.Method]int
	done      *milestone
}

func newCountdown() *countdown {
	return &countdown{done: newMilestone()}
}

func (c *countdown) arm(expect map[rpc.Method]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
	c.remaining = make(map[rpc.Method]int, len(expect))
	for m, n := range expect {
		if n > 0 {
			c.remaining[m] = n
		}
	}
	if len(c.remaining) == 0 {
		c.done.fire()
	}
}

// resolve counts one reply and reports whether it was expected.
func (c *countdown) resolve(method rpc.Method) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return false
	}
	n, ok := c.remaining[method]
	if !ok {
		return false
	}
	if n <= 1 {
		delete(c.remaining, method)
	} else {
		c.remaining[method] = n - 1
	}
	if len(c.remaining) == 0 {
		c.done.fire()
	}
	return true
}

func (c *countdown) Done() <-chan struct{} { return c.done.Done() }

// segment is the per-connection state. It is discarded on disconnect, which
// also discards the request registry and restarts ids at 1.
type segment struct {
	conn      *ws.Conn
	registry  *rpc.Registry
	startedAt time.Time

	writeMu sync.Mutex
	nextID  uint64

	authenticated *milestone
	initialState  *countdown
	subscriptions *countdown

	failMu  sync.Mutex
	failErr error
	failed  *milestone
}

func newSegment(conn *ws.Conn, now time.Time) *segment {
	return &segment{
		conn:          conn,
		registry:      rpc.NewRegistry(),
		startedAt:     now,
		authenticated: newMilestone(),
		initialState:  newCountdown(),
		subscriptions: newCountdown(),
		failed:        newMilestone(),
	}
}

// send assigns the next id, records it in the registry and writes the
// request while holding the write lock, so ids hit the wire in order.
func (s *segment) send(ctx context.Context, method rpc.Method, params any) (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.nextID++
	id := s.nextID
	s.registry.Register(id, method)
	if err := s.conn.WriteJSON(ctx, rpc.NewRequest(id, method, params)); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *segment) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.failMu.Unlock()
	s.failed.fire()
}

func (s *segment) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}
