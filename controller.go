// Copyright 2024 The Go Sysfs GPIO Authors. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sysfsgpio

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"periph.io/x/conn/v3/gpio"
)

// DefaultRoot is the kernel's GPIO control surface.
const DefaultRoot = "/sys/class/gpio"

// DefaultPollTimeout bounds each blocking wait so the poll goroutine
// observes Close promptly. Shutdown is cooperative, not interrupt driven.
const DefaultPollTimeout = time.Second

// Option configures a Controller.
type Option func(*Controller)

// WithRoot points the controller at a different control tree. Tests use it
// to run against a scratch directory.
func WithRoot(path string) Option {
	return func(c *Controller) { c.root = path }
}

// WithWaiter replaces the readiness multiplexer. The default on Linux is an
// epoll instance armed for urgent-priority, edge-triggered wakeups.
func WithWaiter(w Waiter) Option {
	return func(c *Controller) { c.waiter = w }
}

// WithPollTimeout bounds the blocking wait in the poll goroutine, and with
// it the worst-case latency between Close and the poll goroutine exiting.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Controller) { c.pollTimeout = d }
}

// WithLogger attaches a structured logger. A nil logger is valid and logs
// nothing.
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(c *Controller) { c.logger = l }
}

// WithFatalHandler installs the function invoked when the multiplexer fails
// with a non-retryable error. The poll goroutine stops afterward; whether to
// shut the rest of the host down is the handler's decision.
func WithFatalHandler(fn func(error)) Option {
	return func(c *Controller) { c.onFatal = fn }
}

// PinOption configures a single allocation.
type PinOption func(*pinConfig)

type pinConfig struct {
	callback  Callback
	edge      gpio.Edge
	activeLow int
}

// WithCallback has the controller invoke cb with the pin number and the
// freshly read level for every transition on the pin. Requires WithEdge.
func WithCallback(cb Callback) PinOption {
	return func(cfg *pinConfig) { cfg.callback = cb }
}

// WithEdge selects which level transitions generate readiness wakeups.
func WithEdge(e gpio.Edge) PinOption {
	return func(cfg *pinConfig) { cfg.edge = e }
}

// WithActiveLow inverts the line's polarity at the driver level when v is 1.
// The only recognized values are 0 and 1.
func WithActiveLow(v int) PinOption {
	return func(cfg *pinConfig) { cfg.activeLow = v }
}

type task struct {
	fn  func() error
	err chan error
}

// Controller owns the export lifecycle and interrupt monitoring for a fixed
// set of GPIO pin numbers.
//
// A pin number may be allocated at most once concurrently, and every
// allocated pin holds exactly one open value descriptor. All state below is
// owned by the run loop; see do.
type Controller struct {
	root        string
	pollTimeout time.Duration
	logger      *logiface.Logger[logiface.Event]
	onFatal     func(error)

	exporter exporter
	waiter   Waiter

	available map[int]struct{}
	pins      map[int]*Pin

	tasks  chan task
	events chan []Event
	quit   chan struct{}
	wg     sync.WaitGroup

	running atomic.Bool
	loopID  atomic.Uint64
}

// New starts a controller for the given set of valid pin numbers. Alloc
// rejects any number outside available. Close must be called to release the
// multiplexer and the background goroutines.
func New(available []int, opts ...Option) (*Controller, error) {
	c := &Controller{
		root:        DefaultRoot,
		pollTimeout: DefaultPollTimeout,
		available:   make(map[int]struct{}, len(available)),
		pins:        map[int]*Pin{},
		tasks:       make(chan task),
		events:      make(chan []Event),
		quit:        make(chan struct{}),
	}
	for _, n := range available {
		c.available[n] = struct{}{}
	}
	for _, o := range opts {
		o(c)
	}
	c.exporter = exporter{root: c.root}
	if c.waiter == nil {
		w, err := newDefaultWaiter()
		if err != nil {
			return nil, err
		}
		c.waiter = w
	}
	c.running.Store(true)
	c.wg.Add(2)
	go c.run()
	go c.poll()
	return c, nil
}

// Alloc exports the pin if the kernel does not expose it yet, configures
// direction, edge and polarity, opens the value descriptor, and, for
// inputs, registers the descriptor for readiness wakeups.
func (c *Controller) Alloc(number int, direction Direction, opts ...PinOption) (*Pin, error) {
	cfg := pinConfig{edge: gpio.NoEdge}
	for _, o := range opts {
		o(&cfg)
	}
	var p *Pin
	err := c.do(func() error {
		var err error
		p, err = c.alloc(number, direction, cfg)
		return err
	})
	return p, err
}

// Dealloc releases an allocated pin: the descriptor leaves the readiness
// set, the pin is unexported, and the descriptor is closed, in that order.
func (c *Controller) Dealloc(number int) error {
	return c.do(func() error { return c.dealloc(number) })
}

// Get returns the allocated pin for number.
func (c *Controller) Get(number int) (*Pin, error) {
	var p *Pin
	err := c.do(func() error {
		var ok bool
		if p, ok = c.pins[number]; !ok {
			return fmt.Errorf("%w: %d", ErrNotAllocated, number)
		}
		return nil
	})
	return p, err
}

// Set drives an allocated pin high.
func (c *Controller) Set(number int) error {
	return c.do(func() error {
		p, ok := c.pins[number]
		if !ok {
			return fmt.Errorf("%w: %d", ErrNotAllocated, number)
		}
		return p.set()
	})
}

// Reset drives an allocated pin low.
func (c *Controller) Reset(number int) error {
	return c.do(func() error {
		p, ok := c.pins[number]
		if !ok {
			return fmt.Errorf("%w: %d", ErrNotAllocated, number)
		}
		return p.reset()
	})
}

// State reads the current level of an allocated pin: false for values <= 0,
// true otherwise.
//
// An input pin is taken out of the readiness set for the duration of the
// read and re-registered afterward. A synchronous read racing a wakeup on
// the same descriptor could otherwise dispatch a stale transition after the
// read already consumed it.
func (c *Controller) State(number int) (gpio.Level, error) {
	var state gpio.Level
	err := c.do(func() error {
		p, ok := c.pins[number]
		if !ok {
			return fmt.Errorf("%w: %d", ErrNotAllocated, number)
		}
		if p.direction == In {
			if err := c.waiter.Unregister(p.fd()); err != nil {
				return p.wrap(err)
			}
		}
		v, rerr := p.read()
		if p.direction == In {
			if err := c.waiter.Register(p.fd()); err != nil {
				c.logger.Err().Stringer("pin", p).Err(err).Log("re-register after synchronous read")
				if rerr == nil {
					rerr = p.wrap(err)
				}
			}
		}
		if rerr != nil {
			return rerr
		}
		state = gpio.Level(v > 0)
		return nil
	})
	return state, err
}

// AvailablePins returns the sorted domain of valid pin numbers.
func (c *Controller) AvailablePins() []int {
	out := make([]int, 0, len(c.available))
	for n := range c.available {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Allocated returns a sorted snapshot of the allocated pin numbers, or nil
// after Close.
func (c *Controller) Allocated() []int {
	var out []int
	if err := c.do(func() error {
		out = c.allocated()
		return nil
	}); err != nil {
		return nil
	}
	return out
}

// Close deallocates every pin and stops the background goroutines. Each
// deallocation runs to completion before the next begins. The first error
// encountered is returned; teardown continues regardless. Subsequent calls
// return ErrClosed.
func (c *Controller) Close() error {
	if c.isLoopThread() {
		return ErrReentrantClose
	}
	if !c.running.CompareAndSwap(true, false) {
		return ErrClosed
	}
	err := c.do(func() error {
		var first error
		for _, n := range c.allocated() {
			if derr := c.dealloc(n); derr != nil && first == nil {
				first = derr
			}
		}
		return first
	})
	close(c.quit)
	c.wg.Wait()
	if cerr := c.waiter.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// alloc runs on the run loop.
func (c *Controller) alloc(number int, direction Direction, cfg pinConfig) (*Pin, error) {
	if _, ok := c.available[number]; !ok {
		return nil, fmt.Errorf("%w: %d", ErrOutOfRange, number)
	}
	if _, ok := c.pins[number]; ok {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyAllocated, number)
	}
	if direction != In && direction != Out {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDirection, int(direction))
	}
	switch cfg.edge {
	case gpio.NoEdge, gpio.RisingEdge, gpio.FallingEdge, gpio.BothEdges:
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidEdge, int(cfg.edge))
	}
	if cfg.callback != nil && cfg.edge == gpio.NoEdge {
		return nil, fmt.Errorf("%w: pin %d", ErrMissingEdge, number)
	}
	if cfg.activeLow != 0 && cfg.activeLow != 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPolarity, cfg.activeLow)
	}

	exported := c.exporter.exported(number)
	if exported {
		c.logger.Debug().Int("pin", number).Log("already exported")
	} else if err := c.exporter.export(number); err != nil {
		return nil, err
	}

	p := &Pin{
		number:    number,
		name:      "GPIO" + strconv.Itoa(number),
		root:      c.exporter.pinRoot(number),
		direction: direction,
		edge:      cfg.edge,
		activeLow: cfg.activeLow == 1,
		ctrl:      c,
		cb:        cfg.callback,
	}
	f, err := os.OpenFile(filepath.Join(p.root, "value"), os.O_RDWR, 0)
	if err != nil {
		c.undoExport(number, exported)
		return nil, p.wrap(err)
	}
	p.fValue = f
	if err := p.configure(); err != nil {
		_ = p.close()
		c.undoExport(number, exported)
		return nil, err
	}
	if direction == In {
		if err := c.waiter.Register(p.fd()); err != nil {
			_ = p.close()
			c.undoExport(number, exported)
			return nil, p.wrap(err)
		}
	}
	c.pins[number] = p
	c.logger.Debug().Int("pin", number).Stringer("direction", direction).Stringer("edge", cfg.edge).Log("allocated")
	return p, nil
}

// undoExport reverts the export performed by a failed allocation. Pins that
// were already exported before the allocation are left alone.
func (c *Controller) undoExport(number int, wasExported bool) {
	if wasExported {
		return
	}
	if err := c.exporter.unexport(number); err != nil {
		c.logger.Err().Int("pin", number).Err(err).Log("unexport after failed allocation")
	}
}

// dealloc runs on the run loop. Strict order: unregister, unexport, release.
// The poller must never observe a descriptor the kernel already unexported.
func (c *Controller) dealloc(number int) error {
	p, ok := c.pins[number]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotAllocated, number)
	}
	var first error
	if p.direction == In {
		if err := c.waiter.Unregister(p.fd()); err != nil {
			first = p.wrap(err)
		}
	}
	if err := c.exporter.unexport(number); err != nil && first == nil {
		first = err
	}
	delete(c.pins, number)
	if err := p.close(); err != nil && first == nil {
		first = p.wrap(err)
	}
	c.logger.Debug().Int("pin", number).Log("deallocated")
	return first
}

func (c *Controller) allocated() []int {
	out := make([]int, 0, len(c.pins))
	for n := range c.pins {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// run is the host execution context: the single goroutine owning all pin
// state. Tasks and poller batches interleave here, which is what makes
// every pin mutation totally ordered without a lock on the hot path.
func (c *Controller) run() {
	defer c.wg.Done()
	c.loopID.Store(goroutineID())
	defer c.loopID.Store(0)
	for {
		select {
		case t := <-c.tasks:
			t.err <- t.fn()
		case batch := <-c.events:
			c.handleEvents(batch)
		case <-c.quit:
			// Serve tasks that won the race against quit.
			for {
				select {
				case t := <-c.tasks:
					t.err <- t.fn()
				default:
					return
				}
			}
		}
	}
}

// poll blocks on the multiplexer and marshals ready batches into the run
// loop. It never touches pin state itself.
func (c *Controller) poll() {
	defer c.wg.Done()
	for c.running.Load() {
		batch, err := c.waiter.Wait(c.pollTimeout)
		if err != nil {
			// The wait primitive is broken; polling a possibly corrupt
			// descriptor set would be worse than stopping.
			err = fmt.Errorf("sysfs-gpio: readiness wait: %w", err)
			c.logger.Err().Err(err).Log("poller stopped")
			if fn := c.onFatal; fn != nil {
				fn(err)
			}
			return
		}
		if len(batch) == 0 {
			continue
		}
		select {
		case c.events <- batch:
		case <-c.quit:
			return
		}
	}
}

// handleEvents runs on the run loop. Each urgent event is matched to its
// owning pin by descriptor, the pin's fresh value is read, and the callback
// dispatched. One descriptor per allocated pin, so at most one match.
func (c *Controller) handleEvents(batch []Event) {
	for _, ev := range batch {
		if ev.Mask&EventUrgent == 0 {
			continue
		}
		var hit *Pin
		for _, p := range c.pins {
			if p.fd() == ev.Fd {
				hit = p
				break
			}
		}
		if hit == nil {
			// Deallocated between the wakeup and the dispatch.
			continue
		}
		v, err := hit.read()
		if err != nil {
			c.logger.Err().Stringer("pin", hit).Err(err).Log("read after wakeup")
			continue
		}
		hit.dispatch(gpio.Level(v > 0))
	}
}

// do marshals fn onto the run loop and waits for it. Calls made from the
// run loop itself, such as a callback releasing its own pin, execute
// inline.
func (c *Controller) do(fn func() error) error {
	if c.isLoopThread() {
		return fn()
	}
	t := task{fn: fn, err: make(chan error, 1)}
	select {
	case c.tasks <- t:
	case <-c.quit:
		return ErrClosed
	}
	return <-t.err
}

// isLoopThread checks if we're on the run loop goroutine.
func (c *Controller) isLoopThread() bool {
	id := c.loopID.Load()
	return id != 0 && goroutineID() == id
}

// goroutineID parses the current goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
