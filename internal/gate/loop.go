package gate

import "sync"

// loopState is only ever touched by the loop goroutine.
type loopState struct {
	isOpen   bool
	waiting  int
	round    int
	released chan struct{}
}

// loopCore serializes every mutation through one owner goroutine, the way an
// event loop would: commands run one at a time and never interleave.
type loopCore struct {
	cmds     chan func(*loopState)
	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

func newLoopCore() *loopCore {
	c := &loopCore{
		cmds:    make(chan func(*loopState)),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *loopCore) run() {
	defer close(c.stopped)
	st := &loopState{round: 1, released: make(chan struct{})}
	for {
		select {
		case cmd := <-c.cmds:
			cmd(st)
		case <-c.done:
			return
		}
	}
}

// do hands fn to the loop and waits for it to run. A command accepted by the
// loop always runs to completion before the loop looks at done again.
func (c *loopCore) do(fn func(*loopState)) error {
	finished := make(chan struct{})
	cmd := func(st *loopState) {
		fn(st)
		close(finished)
	}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	}
	<-finished
	return nil
}

func (c *loopCore) arrive() (ticket, error) {
	var t ticket
	err := c.do(func(st *loopState) {
		st.waiting++
		t = ticket{round: st.round, position: st.waiting, released: st.released}
	})
	return t, err
}

func (c *loopCore) leave() (int, error) {
	var remaining int
	err := c.do(func(st *loopState) {
		if st.waiting > 0 {
			st.waiting--
		}
		remaining = st.waiting
	})
	return remaining, err
}

func (c *loopCore) open() (State, error) {
	var snapshot State
	err := c.do(func(st *loopState) {
		snapshot = State{Open: st.isOpen, Waiting: st.waiting, Round: st.round}
		if !st.isOpen {
			st.isOpen = true
			close(st.released)
		}
	})
	return snapshot, err
}

func (c *loopCore) rearm(round int) error {
	return c.do(func(st *loopState) {
		if !st.isOpen || st.round != round {
			return
		}
		st.isOpen = false
		st.round++
		st.released = make(chan struct{})
	})
}

func (c *loopCore) state() State {
	var snapshot State
	if err := c.do(func(st *loopState) {
		snapshot = State{Open: st.isOpen, Waiting: st.waiting, Round: st.round}
	}); err != nil {
		return State{}
	}
	return snapshot
}

func (c *loopCore) close() error {
	c.stopOnce.Do(func() { close(c.done) })
	<-c.stopped
	return nil
}
