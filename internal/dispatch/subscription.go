package dispatch

import "sync"

// Change is one broadcast: the snapshot before and after an operation.
type Change[S any] struct {
	Prev S
	Next S
}

// Subscription delivers changes in commit order. Its mailbox is unbounded so
// a slow consumer never stalls the loop and never misses a change.
type Subscription[S any] struct {
	C <-chan Change[S]

	out     chan Change[S]
	mu      sync.Mutex
	pending []Change[S]
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Subscribe adds a listener for snapshot changes. Call Unsubscribe when done.
func (d *Dispatcher[S]) Subscribe() *Subscription[S] {
	s := &Subscription[S]{
		out:    make(chan Change[S]),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.C = s.out
	go s.pump()

	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
	return s
}

// Unsubscribe removes a listener and closes its channel.
func (d *Dispatcher[S]) Unsubscribe(s *Subscription[S]) {
	d.mu.Lock()
	for i, sub := range d.subs {
		if sub == s {
			subs := make([]*Subscription[S], 0, len(d.subs)-1)
			subs = append(subs, d.subs[:i]...)
			d.subs = append(subs, d.subs[i+1:]...)
			break
		}
	}
	d.mu.Unlock()
	s.close()
}

func (s *Subscription[S]) push(c Change[S]) {
	s.mu.Lock()
	s.pending = append(s.pending, c)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription[S]) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription[S]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		c := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- c:
		case <-s.done:
			return
		}
	}
}
