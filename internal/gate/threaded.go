package gate

import "sync"

// mutexCore keeps the gate state behind a single mutex. Each round owns a
// channel that is closed exactly once when the round opens, which wakes
// every waiter of that round at the same time.
type mutexCore struct {
	mu       sync.Mutex
	isOpen   bool
	waiting  int
	round    int
	released chan struct{}
}

func newMutexCore() *mutexCore {
	return &mutexCore{round: 1, released: make(chan struct{})}
}

func (c *mutexCore) arrive() (ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiting++
	return ticket{round: c.round, position: c.waiting, released: c.released}, nil
}

func (c *mutexCore) leave() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting > 0 {
		c.waiting--
	}
	return c.waiting, nil
}

func (c *mutexCore) open() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := State{Open: c.isOpen, Waiting: c.waiting, Round: c.round}
	if !c.isOpen {
		c.isOpen = true
		close(c.released)
	}
	return snapshot, nil
}

func (c *mutexCore) rearm(round int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// An overlapping release may already have re-armed this round.
	if !c.isOpen || c.round != round {
		return nil
	}
	c.isOpen = false
	c.round++
	c.released = make(chan struct{})
	return nil
}

func (c *mutexCore) state() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Open: c.isOpen, Waiting: c.waiting, Round: c.round}
}

func (c *mutexCore) close() error { return nil }
