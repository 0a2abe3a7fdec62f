// Package dispatch runs the single-writer action loop that owns the
// application snapshot. Callers on any goroutine enqueue operations; one
// consumer applies them strictly in order and broadcasts every new snapshot.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrStopped is reported for operations still queued when the loop exits.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrAlreadyRunning is returned by a second concurrent call to Run.
	ErrAlreadyRunning = errors.New("dispatcher already running")
)

// DefaultTimeout bounds the asynchronous part of a Creator.
const DefaultTimeout = 30 * time.Second

// Action is a synchronous snapshot transform.
type Action[S any] interface {
	Reduce(s S) (S, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc[S any] func(S) (S, error)

func (f ActionFunc[S]) Reduce(s S) (S, error) { return f(s) }

// Creator is an asynchronous transform. Resolve runs on its own goroutine
// and hands zero or more snapshots to emit; it must not call emit after it
// returns. Resolve receives the snapshot current when it starts, and no other
// operation runs until it finishes.
type Creator[S any] interface {
	Resolve(ctx context.Context, s S, emit func(S)) error
}

// Preparer is implemented by creators with a cheap synchronous first step
// applied before Resolve starts.
type Preparer[S any] interface {
	Prepare(s S) S
}

// Superseder is implemented by creators of which only the newest matters.
// Dispatching one cancels queued or in-flight creators with the same key.
type Superseder interface {
	SupersedeKey() string
}

type entry[S any] struct {
	name    string
	action  Action[S]
	creator Creator[S]
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan error
}

// Dispatcher owns a snapshot of type S.
type Dispatcher[S any] struct {
	mu       sync.Mutex
	state    S
	equal    func(a, b S) bool
	queue    []*entry[S]
	inflight *entry[S]
	wake     chan struct{}
	subs     []*Subscription[S]
	running  bool
	onError  []func(name string, err error)

	timeout time.Duration
	logger  logrus.FieldLogger
}

// Option configures a Dispatcher.
type Option[S any] func(*Dispatcher[S])

// WithTimeout caps how long a Creator may take to resolve.
func WithTimeout[S any](d time.Duration) Option[S] {
	return func(disp *Dispatcher[S]) { disp.timeout = d }
}

// WithLogger sets the logger used for operation tracing.
func WithLogger[S any](logger logrus.FieldLogger) Option[S] {
	return func(disp *Dispatcher[S]) { disp.logger = logger }
}

// New creates a dispatcher holding initial. equal decides whether a produced
// snapshot differs from the held one; identical snapshots are not broadcast.
func New[S any](initial S, equal func(a, b S) bool, opts ...Option[S]) *Dispatcher[S] {
	d := &Dispatcher[S]{
		state:   initial,
		equal:   equal,
		wake:    make(chan struct{}, 1),
		timeout: DefaultTimeout,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current snapshot.
func (d *Dispatcher[S]) State() S {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// OnError registers a hook called on the loop goroutine for every failed
// operation.
func (d *Dispatcher[S]) OnError(fn func(name string, err error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = append(d.onError, fn)
}

// Dispatch enqueues a synchronous action. The returned channel yields the
// action's error (nil on success) once it has been applied.
func (d *Dispatcher[S]) Dispatch(a Action[S]) <-chan error {
	return d.enqueue(&entry[S]{name: opName(a), action: a})
}

// DispatchCreator enqueues an asynchronous creator.
func (d *Dispatcher[S]) DispatchCreator(c Creator[S]) <-chan error {
	e := &entry[S]{name: opName(c), creator: c}
	if s, ok := c.(Superseder); ok {
		e.key = s.SupersedeKey()
	}
	return d.enqueue(e)
}

func (d *Dispatcher[S]) enqueue(e *entry[S]) <-chan error {
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.done = make(chan error, 1)

	d.mu.Lock()
	if e.key != "" {
		if d.inflight != nil && d.inflight.key == e.key {
			d.inflight.cancel()
		}
		for _, queued := range d.queue {
			if queued.key == e.key {
				queued.cancel()
			}
		}
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return e.done
}

// Run drains the queue until ctx is cancelled. Operations left in the queue
// are completed with ErrStopped.
func (d *Dispatcher[S]) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		pending := d.queue
		d.queue = nil
		d.mu.Unlock()
		for _, e := range pending {
			e.cancel()
			e.done <- ErrStopped
			close(e.done)
		}
	}()

	for {
		e := d.pop()
		if e == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-d.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			d.requeue(e)
			return ctx.Err()
		}
		d.process(ctx, e)
	}
}

func (d *Dispatcher[S]) pop() *entry[S] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	e := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	d.inflight = e
	return e
}

func (d *Dispatcher[S]) requeue(e *entry[S]) {
	d.mu.Lock()
	d.inflight = nil
	d.queue = append([]*entry[S]{e}, d.queue...)
	d.mu.Unlock()
}

func (d *Dispatcher[S]) process(ctx context.Context, e *entry[S]) {
	start := time.Now()
	err := d.safely(e, func() error {
		if e.action != nil {
			return d.reduce(e.action)
		}
		return d.resolve(ctx, e)
	})

	d.mu.Lock()
	d.inflight = nil
	hooks := d.onError
	d.mu.Unlock()
	e.cancel()

	log := d.logger.WithFields(logrus.Fields{
		"op":       e.name,
		"duration": time.Since(start).Round(time.Microsecond),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Debug("Operation superseded")
		} else {
			log.WithError(err).Warn("Operation failed")
			for _, hook := range hooks {
				hook(e.name, err)
			}
		}
	} else {
		log.Debug("Operation applied")
	}

	e.done <- err
	close(e.done)
}

// safely keeps the loop alive when an operation panics.
func (d *Dispatcher[S]) safely(e *entry[S], fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", e.name, r)
		}
	}()
	return fn()
}

func (d *Dispatcher[S]) reduce(a Action[S]) error {
	next, err := a.Reduce(d.State())
	if err != nil {
		return err
	}
	d.commit(next)
	return nil
}

func (d *Dispatcher[S]) resolve(parent context.Context, e *entry[S]) error {
	if err := e.ctx.Err(); err != nil {
		return err // superseded while queued
	}
	if p, ok := e.creator.(Preparer[S]); ok {
		d.commit(p.Prepare(d.State()))
	}

	ctx, cancel := context.WithTimeout(e.ctx, d.timeout)
	defer cancel()
	stop := context.AfterFunc(parent, cancel)
	defer stop()

	values := make(chan S)
	errc := make(chan error, 1)
	emit := func(s S) {
		select {
		case values <- s:
		case <-ctx.Done():
		}
	}
	go func() {
		errc <- e.creator.Resolve(ctx, d.State(), emit)
	}()

	for {
		select {
		case s := <-values:
			if ctx.Err() == nil {
				d.commit(s)
			}
		case err := <-errc:
			if err == nil && e.ctx.Err() != nil {
				err = e.ctx.Err()
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// commit swaps in next and notifies subscribers unless nothing changed.
func (d *Dispatcher[S]) commit(next S) {
	d.mu.Lock()
	if d.equal(d.state, next) {
		d.mu.Unlock()
		return
	}
	prev := d.state
	d.state = next
	subs := d.subs
	d.mu.Unlock()

	for _, sub := range subs {
		sub.push(Change[S]{Prev: prev, Next: next})
	}
}

// Await blocks until an operation completes or ctx ends.
func Await(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func opName(op any) string {
	if n, ok := op.(interface{ Name() string }); ok {
		return n.Name()
	}
	name := fmt.Sprintf("%T", op)
	if i := strings.Index(name, "["); i >= 0 {
		name = name[:i]
	}
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimPrefix(name, "*")
}
