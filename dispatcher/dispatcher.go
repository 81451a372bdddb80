// Package dispatcher runs application callbacks off the I/O goroutines.
//
// A Dispatcher bounds how many callbacks execute at once with a weighted
// semaphore; once the bound is reached, submitters block until a slot frees,
// which pushes back on the socket loop that produced the work. A Lane is a
// per-peer serial queue: callbacks submitted to the same Lane run one at a
// time, in submission order.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/cyberinferno/go-plebnet/logger"
)

var (
	// ErrClosed is returned when work is submitted to a closed Dispatcher or Lane.
	ErrClosed = errors.New("dispatcher closed")
	// ErrBusy is returned by the non-blocking submit variants when no
	// concurrency slot or lane buffer space is free.
	ErrBusy = errors.New("dispatcher busy")
)

// Config holds the callback execution settings shared by every transport
// component. The zero Config is valid: ordered delivery with default bounds.
type Config struct {
	// MaxConcurrency caps the number of callbacks executing at once.
	MaxConcurrency int64
	// Unordered runs each callback independently. By default every peer gets
	// its own Lane so its callbacks complete in arrival order.
	Unordered bool
	// LaneBuffer is how many callbacks a Lane queues before Submit blocks.
	LaneBuffer int
}

// DefaultConfig returns a Config with ordered delivery, 64 concurrent
// callbacks and 64 queued callbacks per lane.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 64,
		LaneBuffer:     64,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 64
	}
	if c.LaneBuffer <= 0 {
		c.LaneBuffer = 64
	}

	return c
}

// Dispatcher executes submitted callbacks with bounded concurrency. It is
// safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	logger logger.Logger
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a Dispatcher. Zero fields in cfg take their DefaultConfig
// values.
//
// Parameters:
//   - cfg: Concurrency and ordering settings
//   - log: Logger for recovered callback panics; nil discards
//
// Returns:
//   - A ready Dispatcher; call Close when the owning component stops
func New(cfg Config, log logger.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		logger: log,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs task on its own goroutine once a concurrency slot is available.
// It blocks while all slots are taken.
//
// Returns:
//   - ErrClosed if the Dispatcher was closed before the task was scheduled
func (d *Dispatcher) Go(task func()) error {
	if d.closed.Load() {
		return ErrClosed
	}

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return ErrClosed
	}

	if !d.track() {
		d.sem.Release(1)
		return ErrClosed
	}

	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		d.run(task)
	}()

	return nil
}

// TryGo is the non-blocking form of Go.
//
// Returns:
//   - ErrBusy if every concurrency slot is taken
//   - ErrClosed if the Dispatcher is closed
func (d *Dispatcher) TryGo(task func()) error {
	if d.closed.Load() {
		return ErrClosed
	}

	if !d.sem.TryAcquire(1) {
		return ErrBusy
	}

	if !d.track() {
		d.sem.Release(1)
		return ErrClosed
	}

	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		d.run(task)
	}()

	return nil
}

// NewLane creates a submission queue for one peer. With ordered delivery the
// Lane owns a goroutine that runs its callbacks serially; otherwise Submit
// is equivalent to Go.
func (d *Dispatcher) NewLane() *Lane {
	l := &Lane{d: d, done: make(chan struct{})}
	if d.cfg.Unordered {
		return l
	}

	l.tasks = make(chan func(), d.cfg.LaneBuffer)
	if !d.track() {
		l.Close()
		return l
	}

	go l.drain()
	return l
}

// Close stops the Dispatcher. Callbacks already executing finish; queued and
// future callbacks never run. Close is idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return
	}
	d.closed.Store(true)
	d.mu.Unlock()

	d.cancel()
}

// wait blocks until every executing callback and lane goroutine has exited.
// It is only meaningful after Close.
func (d *Dispatcher) wait() {
	d.wg.Wait()
}

// track registers a goroutine with the WaitGroup unless the Dispatcher is
// closed; the lock orders every Add before a post-Close Wait.
func (d *Dispatcher) track() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed.Load() {
		return false
	}

	d.wg.Add(1)
	return true
}

func (d *Dispatcher) run(task func()) {
	if d.closed.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	task()
}

// Lane is a per-peer submission queue created by Dispatcher.NewLane.
type Lane struct {
	d         *Dispatcher
	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// Submit queues task for execution. With ordered delivery it blocks while the
// lane buffer is full.
//
// Returns:
//   - ErrClosed if the Lane or its Dispatcher is closed
func (l *Lane) Submit(task func()) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	if l.tasks == nil {
		return l.d.Go(task)
	}

	select {
	case l.tasks <- task:
		return nil
	case <-l.done:
		return ErrClosed
	case <-l.d.ctx.Done():
		return ErrClosed
	}
}

// TrySubmit queues task without blocking. Datagram receive loops use it so a
// slow callback for one session never stalls the others.
//
// Returns:
//   - ErrBusy if the lane buffer (or, unordered, every slot) is full
//   - ErrClosed if the Lane or its Dispatcher is closed
func (l *Lane) TrySubmit(task func()) error {
	select {
	case <-l.done:
		return ErrClosed
	case <-l.d.ctx.Done():
		return ErrClosed
	default:
	}

	if l.tasks == nil {
		return l.d.TryGo(task)
	}

	select {
	case l.tasks <- task:
		return nil
	default:
		return ErrBusy
	}
}

// Close stops accepting work. Callbacks already queued still run unless the
// Dispatcher itself is closed. Close is idempotent.
func (l *Lane) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}

func (l *Lane) drain() {
	defer l.d.wg.Done()

	for {
		select {
		case task := <-l.tasks:
			if !l.exec(task) {
				return
			}
		case <-l.done:
			for {
				select {
				case task := <-l.tasks:
					if !l.exec(task) {
						return
					}
				default:
					return
				}
			}
		case <-l.d.ctx.Done():
			return
		}
	}
}

func (l *Lane) exec(task func()) bool {
	if err := l.d.sem.Acquire(l.d.ctx, 1); err != nil {
		return false
	}
	defer l.d.sem.Release(1)

	l.d.run(task)
	return true
}
