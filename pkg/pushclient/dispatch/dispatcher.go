// Package dispatch provides the single ordered lane through which every
// notification of a client instance is delivered.
package dispatch

import (
	"errors"
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Dispatcher runs queued tasks one at a time, in submission order, on a single
// background goroutine. The queue is unbounded so producers never wait on
// consumer code.
type Dispatcher struct {
	logger *zap.Logger

	mu     sync.Mutex
	queue  deque.Deque[func()]
	closed bool

	signal    chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a Dispatcher. Tasks may be queued right away but only run once
// Start has been called.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger: logger,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start begins processing tasks. Returns the same Dispatcher for chaining.
func (d *Dispatcher) Start() *Dispatcher {
	d.startOnce.Do(func() {
		d.wg.Add(1)
		go d.run()
	})
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case <-d.signal:
			d.drain()
		case <-d.done:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if d.queue.Len() == 0 {
			d.mu.Unlock()
			return
		}
		task := d.queue.PopFront()
		d.mu.Unlock()

		d.execute(task)
	}
}

func (d *Dispatcher) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Notification panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Dispatch queues task behind everything already queued.
func (d *Dispatcher) Dispatch(task func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.queue.PushBack(task)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
	return nil
}

// Barrier returns a channel that is closed once every task queued before the
// call has run. On a closed dispatcher the channel is already closed.
func (d *Dispatcher) Barrier() <-chan struct{} {
	ch := make(chan struct{})
	if err := d.Dispatch(func() { close(ch) }); err != nil {
		close(ch)
	}
	return ch
}

// Len returns the number of queued tasks.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Close stops accepting tasks, runs the ones still queued and waits for the
// background goroutine to exit. Must not be called from a task.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.Start()
		close(d.done)
		d.wg.Wait()
	})
	return nil
}

// IsClosed returns true if the dispatcher has been closed
func (d *Dispatcher) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

var shared = sync.OnceValue(func() *Dispatcher {
	return New(nil).Start()
})

// Shared returns the process-wide lane used for objects that are not attached
// to any client.
func Shared() *Dispatcher {
	return shared()
}
