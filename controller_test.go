// Copyright 2024 The Go Sysfs GPIO Authors. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sysfsgpio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

// fakeWaiter is a scriptable readiness multiplexer, so the controller can be
// exercised without a kernel that delivers GPIO interrupts.
type fakeWaiter struct {
	mu          sync.Mutex
	registered  map[int]bool
	ops         []string // "+fd" / "-fd", for asserting registration order
	batches     chan []Event
	waitErr     chan error
	closed      bool
	registerErr error
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{
		registered: map[int]bool{},
		batches:    make(chan []Event, 4),
		waitErr:    make(chan error, 1),
	}
}

func (w *fakeWaiter) Register(fd int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.registerErr != nil {
		return w.registerErr
	}
	if w.registered[fd] {
		return fmt.Errorf("fd %d registered twice", fd)
	}
	w.registered[fd] = true
	w.ops = append(w.ops, fmt.Sprintf("+%d", fd))
	return nil
}

func (w *fakeWaiter) Unregister(fd int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.registered[fd] {
		return fmt.Errorf("fd %d not registered", fd)
	}
	delete(w.registered, fd)
	w.ops = append(w.ops, fmt.Sprintf("-%d", fd))
	return nil
}

func (w *fakeWaiter) Wait(timeout time.Duration) ([]Event, error) {
	select {
	case b := <-w.batches:
		return b, nil
	case err := <-w.waitErr:
		return nil, err
	case <-time.After(timeout):
		return nil, nil
	}
}

func (w *fakeWaiter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWaiter) isRegistered(fd int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.registered[fd]
}

func (w *fakeWaiter) opLog() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.ops...)
}

// newTestTree builds a scratch control tree. Pins listed are pre-exported:
// their per-pin directories exist, the way a kernel materializes them after
// an export write.
func newTestTree(t *testing.T, pins ...int) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "export"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "unexport"), nil, 0o644))
	for _, n := range pins {
		dir := filepath.Join(root, fmt.Sprintf("gpio%d", n))
		require.NoError(t, os.Mkdir(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "value"), []byte("0\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "direction"), []byte("in\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "edge"), []byte("none\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "active_low"), []byte("0\n"), 0o644))
	}
	return root
}

func newTestController(t *testing.T, w Waiter, available []int, exported ...int) (*Controller, string) {
	t.Helper()
	root := newTestTree(t, exported...)
	c, err := New(available,
		WithRoot(root),
		WithWaiter(w),
		WithPollTimeout(10*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, root
}

func readToken(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}

func TestAllocOutOfRange(t *testing.T) {
	c, _ := newTestController(t, newFakeWaiter(), []int{1, 2})
	_, err := c.Alloc(17, In)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestAllocAlreadyAllocated(t *testing.T) {
	c, _ := newTestController(t, newFakeWaiter(), []int{17}, 17)
	_, err := c.Alloc(17, In)
	require.NoError(t, err)
	_, err = c.Alloc(17, In)
	require.ErrorIs(t, err, ErrAlreadyAllocated)
}

func TestAllocCallbackRequiresEdge(t *testing.T) {
	c, _ := newTestController(t, newFakeWaiter(), []int{17}, 17)
	cb := func(int, gpio.Level) {}
	_, err := c.Alloc(17, In, WithCallback(cb))
	require.ErrorIs(t, err, ErrMissingEdge)
	_, err = c.Alloc(17, In, WithCallback(cb), WithEdge(gpio.RisingEdge))
	require.NoError(t, err)
}

func TestAllocPolarityValidation(t *testing.T) {
	c, _ := newTestController(t, newFakeWaiter(), []int{17}, 17)
	_, err := c.Alloc(17, In, WithActiveLow(2))
	require.ErrorIs(t, err, ErrInvalidPolarity)
	_, err = c.Alloc(17, In, WithActiveLow(1))
	require.NoError(t, err)
	require.NoError(t, c.Dealloc(17))
	_, err = c.Alloc(17, In, WithActiveLow(0))
	require.NoError(t, err)
}

func TestAllocInvalidTags(t *testing.T) {
	c, _ := newTestController(t, newFakeWaiter(), []int{17}, 17)
	_, err := c.Alloc(17, Direction(9))
	require.ErrorIs(t, err, ErrInvalidDirection)
	_, err = c.Alloc(17, In, WithEdge(gpio.Edge(42)))
	require.ErrorIs(t, err, ErrInvalidEdge)
}

func TestAllocWritesConfiguration(t *testing.T) {
	w := newFakeWaiter()
	c, root := newTestController(t, w, []int{17}, 17)
	p, err := c.Alloc(17, In,
		WithEdge(gpio.BothEdges),
		WithActiveLow(1),
		WithCallback(func(int, gpio.Level) {}),
	)
	require.NoError(t, err)

	dir := filepath.Join(root, "gpio17")
	assert.Equal(t, "in", readToken(t, filepath.Join(dir, "direction")))
	assert.Equal(t, "both", readToken(t, filepath.Join(dir, "edge")))
	assert.Equal(t, "1", readToken(t, filepath.Join(dir, "active_low")))
	assert.True(t, w.isRegistered(p.fd()))
	assert.True(t, p.ActiveLow())
	assert.Equal(t, gpio.BothEdges, p.Edge())
	assert.Equal(t, In, p.Direction())
}

func TestAllocSkipsEdgeAndPolarityWritesByDefault(t *testing.T) {
	c, root := newTestController(t, newFakeWaiter(), []int{17}, 17)
	_, err := c.Alloc(17, In)
	require.NoError(t, err)
	dir := filepath.Join(root, "gpio17")
	// The pre-existing tokens are untouched: nothing was written.
	assert.Equal(t, "none", readToken(t, filepath.Join(dir, "edge")))
	assert.Equal(t, "0", readToken(t, filepath.Join(dir, "active_low")))
}

func TestAllocExportsWhenMissing(t *testing.T) {
	c, root := newTestController(t, newFakeWaiter(), []int{23}) // no gpio23 dir
	_, err := c.Alloc(23, In)
	// No kernel materializes gpio23/ in a scratch tree, so the allocation
	// fails at the value descriptor, but the export protocol ran first and
	// the failed allocation was unexported again.
	require.Error(t, err)
	assert.Equal(t, "23", readToken(t, filepath.Join(root, "export")))
	assert.Equal(t, "23", readToken(t, filepath.Join(root, "unexport")))
}

func TestAllocSkipsExportWhenPresent(t *testing.T) {
	c, root := newTestController(t, newFakeWaiter(), []int{17}, 17)
	_, err := c.Alloc(17, Out)
	require.NoError(t, err)
	assert.Empty(t, readToken(t, filepath.Join(root, "export")))
}

func TestOutputPinNotRegistered(t *testing.T) {
	w := newFakeWaiter()
	c, _ := newTestController(t, w, []int{4}, 4)
	p, err := c.Alloc(4, Out)
	require.NoError(t, err)
	assert.False(t, w.isRegistered(p.fd()))
	assert.Empty(t, w.opLog())
}

func TestAccessorsNotAllocated(t *testing.T) {
	c, _ := newTestController(t, newFakeWaiter(), []int{17}, 17)
	_, err := c.Get(17)
	require.ErrorIs(t, err, ErrNotAllocated)
	require.ErrorIs(t, c.Set(17), ErrNotAllocated)
	require.ErrorIs(t, c.Reset(17), ErrNotAllocated)
	_, err = c.State(17)
	require.ErrorIs(t, err, ErrNotAllocated)
	require.ErrorIs(t, c.Dealloc(17), ErrNotAllocated)
}

func TestOutputScenario(t *testing.T) {
	c, _ := newTestController(t, newFakeWaiter(), []int{4}, 4)
	p, err := c.Alloc(4, Out)
	require.NoError(t, err)

	require.NoError(t, c.Set(4))
	v, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	state, err := c.State(4)
	require.NoError(t, err)
	assert.Equal(t, gpio.High, state)

	require.NoError(t, c.Reset(4))
	v, err = p.Read()
	require.NoError(t, err)
	assert.Equal(t, 0, v)
	state, err = c.State(4)
	require.NoError(t, err)
	assert.Equal(t, gpio.Low, state)

	require.NoError(t, c.Dealloc(4))
	_, err = c.Get(4)
	require.ErrorIs(t, err, ErrNotAllocated)
}

func TestDeallocThenReallocate(t *testing.T) {
	c, root := newTestController(t, newFakeWaiter(), []int{17}, 17)
	_, err := c.Alloc(17, In)
	require.NoError(t, err)
	require.NoError(t, c.Dealloc(17))
	assert.Equal(t, "17", readToken(t, filepath.Join(root, "unexport")))
	_, err = c.Alloc(17, In)
	require.NoError(t, err)
}

func TestDeallocUnregistersInput(t *testing.T) {
	w := newFakeWaiter()
	c, _ := newTestController(t, w, []int{17}, 17)
	p, err := c.Alloc(17, In)
	require.NoError(t, err)
	fd := p.fd()
	require.NoError(t, c.Dealloc(17))
	assert.False(t, w.isRegistered(fd))
	assert.Equal(t, []string{fmt.Sprintf("+%d", fd), fmt.Sprintf("-%d", fd)}, w.opLog())
}

func TestStateTemporarilyUnregistersInput(t *testing.T) {
	w := newFakeWaiter()
	c, _ := newTestController(t, w, []int{17}, 17)
	p, err := c.Alloc(17, In)
	require.NoError(t, err)
	fd := p.fd()

	_, err = c.State(17)
	require.NoError(t, err)
	assert.Equal(t, []string{
		fmt.Sprintf("+%d", fd),
		fmt.Sprintf("-%d", fd),
		fmt.Sprintf("+%d", fd),
	}, w.opLog())
	assert.True(t, w.isRegistered(fd))
}

type transition struct {
	number int
	state  gpio.Level
}

func TestDispatchInvokesCallbackOnce(t *testing.T) {
	w := newFakeWaiter()
	c, root := newTestController(t, w, []int{17}, 17)
	got := make(chan transition, 4)
	p, err := c.Alloc(17, In,
		WithEdge(gpio.BothEdges),
		WithCallback(func(n int, s gpio.Level) { got <- transition{n, s} }),
	)
	require.NoError(t, err)

	// The line went high; wake the poller for its descriptor.
	require.NoError(t, os.WriteFile(filepath.Join(root, "gpio17", "value"), []byte("1\n"), 0o644))
	w.batches <- []Event{{Fd: p.fd(), Mask: EventUrgent}}

	select {
	case tr := <-got:
		assert.Equal(t, transition{17, gpio.High}, tr)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	select {
	case tr := <-got:
		t.Fatalf("unexpected second dispatch: %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchIgnoresNonUrgentAndUnknown(t *testing.T) {
	w := newFakeWaiter()
	c, _ := newTestController(t, w, []int{17}, 17)
	got := make(chan transition, 4)
	p, err := c.Alloc(17, In,
		WithEdge(gpio.BothEdges),
		WithCallback(func(n int, s gpio.Level) { got <- transition{n, s} }),
	)
	require.NoError(t, err)

	w.batches <- []Event{
		{Fd: p.fd(), Mask: EventError},
		{Fd: p.fd() + 1000, Mask: EventUrgent},
	}

	select {
	case tr := <-got:
		t.Fatalf("unexpected dispatch: %+v", tr)
	case <-time.After(100 * time.Millisecond):
	}
	// The controller is still healthy.
	_, err = c.State(17)
	require.NoError(t, err)
}

func TestCallbackPanicContained(t *testing.T) {
	w := newFakeWaiter()
	c, _ := newTestController(t, w, []int{17}, 17)
	calls := make(chan int, 4)
	p, err := c.Alloc(17, In,
		WithEdge(gpio.BothEdges),
		WithCallback(func(n int, _ gpio.Level) {
			calls <- n
			panic("callback exploded")
		}),
	)
	require.NoError(t, err)

	w.batches <- []Event{{Fd: p.fd(), Mask: EventUrgent}}
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}

	// The run loop survived and keeps serving both tasks and events.
	_, err = c.State(17)
	require.NoError(t, err)
	w.batches <- []Event{{Fd: p.fd(), Mask: EventUrgent}}
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not survive the panic")
	}
}

func TestCallbackMayDeallocate(t *testing.T) {
	w := newFakeWaiter()
	c, _ := newTestController(t, w, []int{17}, 17)
	done := make(chan error, 1)
	p, err := c.Alloc(17, In,
		WithEdge(gpio.BothEdges),
		WithCallback(func(n int, _ gpio.Level) { done <- c.Dealloc(n) }),
	)
	require.NoError(t, err)

	w.batches <- []Event{{Fd: p.fd(), Mask: EventUrgent}}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	_, err = c.Get(17)
	require.ErrorIs(t, err, ErrNotAllocated)
}

func TestCloseFromCallbackRefused(t *testing.T) {
	w := newFakeWaiter()
	c, _ := newTestController(t, w, []int{17}, 17)
	done := make(chan error, 1)
	p, err := c.Alloc(17, In,
		WithEdge(gpio.BothEdges),
		WithCallback(func(int, gpio.Level) { done <- c.Close() }),
	)
	require.NoError(t, err)

	w.batches <- []Event{{Fd: p.fd(), Mask: EventUrgent}}
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrReentrantClose)
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestCloseDeallocatesEverything(t *testing.T) {
	w := newFakeWaiter()
	c, root := newTestController(t, w, []int{4, 17}, 4, 17)
	_, err := c.Alloc(17, In, WithEdge(gpio.RisingEdge))
	require.NoError(t, err)
	_, err = c.Alloc(4, Out)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Empty(t, c.pins)
	assert.True(t, w.closed)
	// Last unexport write wins; both pins went through the protocol.
	assert.Contains(t, []string{"4", "17"}, readToken(t, filepath.Join(root, "unexport")))

	require.ErrorIs(t, c.Close(), ErrClosed)
	_, err = c.Alloc(17, In)
	require.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, c.Allocated())
}

func TestAllocatedSnapshot(t *testing.T) {
	c, _ := newTestController(t, newFakeWaiter(), []int{4, 17, 23}, 4, 17, 23)
	assert.Empty(t, c.Allocated())
	for _, n := range []int{23, 4, 17} {
		_, err := c.Alloc(n, Out)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{4, 17, 23}, c.Allocated())
	assert.Equal(t, []int{4, 17, 23}, c.AvailablePins())
}

func TestPollerFatalEscalates(t *testing.T) {
	w := newFakeWaiter()
	root := newTestTree(t)
	fatal := make(chan error, 1)
	c, err := New(nil,
		WithRoot(root),
		WithWaiter(w),
		WithPollTimeout(10*time.Millisecond),
		WithFatalHandler(func(err error) { fatal <- err }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	broken := errors.New("epoll gone")
	w.waitErr <- broken
	select {
	case err := <-fatal:
		require.ErrorIs(t, err, broken)
		assert.Contains(t, err.Error(), "readiness wait")
	case <-time.After(2 * time.Second):
		t.Fatal("fatal handler not invoked")
	}
	// The registry is still operable for synchronous work.
	require.ErrorIs(t, c.Dealloc(17), ErrNotAllocated)
}
