// Copyright 2024 The Go Sysfs GPIO Authors. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sysfsgpio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Direction selects whether a pin drives its line or senses it.
type Direction int

const (
	// In configures a pin as an input.
	In Direction = iota + 1
	// Out configures a pin as an output.
	Out
)

// String returns the token the kernel's direction file accepts.
func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	default:
		return "direction(" + strconv.Itoa(int(d)) + ")"
	}
}

// Callback receives level transitions observed on an input pin. It is
// invoked on the controller's run loop, so it may call back into the
// controller, but it must not block for long: every other pin operation
// waits behind it.
type Callback func(number int, state gpio.Level)

// Pin is one exported GPIO line.
//
// A Pin holds exactly one open descriptor on its value file for its entire
// allocated lifetime: opened when the controller allocates it, closed when
// the controller deallocates it. Direction, edge and polarity are fixed at
// allocation; only the callback can be replaced afterward.
type Pin struct {
	number    int
	name      string
	root      string // Something like /sys/class/gpio/gpio17
	direction Direction
	edge      gpio.Edge
	activeLow bool

	// Owned by the controller's run loop.
	ctrl   *Controller
	cb     Callback
	fValue *os.File // handle to gpio*/value; open for the allocated lifetime
	buf    [4]byte  // scratch buffer for read(), set() and reset()
}

// String implements conn.Resource.
func (p *Pin) String() string {
	return p.name
}

// Halt implements conn.Resource.
//
// It clears the callback so no further transitions are dispatched.
func (p *Pin) Halt() error {
	return p.ctrl.do(func() error {
		p.cb = nil
		return nil
	})
}

// Name returns the pin name, something like "GPIO17".
func (p *Pin) Name() string {
	return p.name
}

// Number returns the kernel pin number.
func (p *Pin) Number() int {
	return p.number
}

// Direction returns the direction the pin was allocated with.
func (p *Pin) Direction() Direction {
	return p.direction
}

// Edge returns the edge the pin was allocated with.
func (p *Pin) Edge() gpio.Edge {
	return p.edge
}

// ActiveLow reports whether the pin was allocated with inverted polarity.
func (p *Pin) ActiveLow() bool {
	return p.activeLow
}

// Set drives the line high.
func (p *Pin) Set() error {
	return p.ctrl.do(p.set)
}

// Reset drives the line low.
func (p *Pin) Reset() error {
	return p.ctrl.do(p.reset)
}

// Read returns the current value of the line, 0 or 1.
func (p *Pin) Read() (int, error) {
	var v int
	err := p.ctrl.do(func() error {
		var err error
		v, err = p.read()
		return err
	})
	return v, err
}

// SetCallback replaces the transition callback. A non-nil callback requires
// the pin to have been allocated with an edge; nil disables dispatch.
func (p *Pin) SetCallback(cb Callback) error {
	return p.ctrl.do(func() error {
		if cb != nil && p.edge == gpio.NoEdge {
			return fmt.Errorf("%w: pin %d", ErrMissingEdge, p.number)
		}
		p.cb = cb
		return nil
	})
}

// configure writes the pin's settings to its control files. Runs once during
// allocation, after the value descriptor is opened. A failed write aborts
// the allocation; a pin is never left half configured without the caller
// knowing.
func (p *Pin) configure() error {
	var d []byte
	switch p.direction {
	case In:
		d = bIn
	case Out:
		d = bOut
	default:
		return p.wrap(fmt.Errorf("%w: %d", ErrInvalidDirection, int(p.direction)))
	}
	if err := writeFile(filepath.Join(p.root, "direction"), d); err != nil {
		return p.wrap(err)
	}
	if p.edge != gpio.NoEdge {
		var b []byte
		switch p.edge {
		case gpio.RisingEdge:
			b = bRising
		case gpio.FallingEdge:
			b = bFalling
		case gpio.BothEdges:
			b = bBoth
		}
		if err := writeFile(filepath.Join(p.root, "edge"), b); err != nil {
			return p.wrap(err)
		}
	}
	if p.activeLow {
		if err := writeFile(filepath.Join(p.root, "active_low"), bHigh); err != nil {
			return p.wrap(err)
		}
	}
	return nil
}

// set and reset write the value token and leave the descriptor rewound.
// Run loop only.
func (p *Pin) set() error {
	p.buf[0] = '1'
	if err := seekWrite(p.fValue, p.buf[:1]); err != nil {
		return p.wrap(err)
	}
	return nil
}

func (p *Pin) reset() error {
	p.buf[0] = '0'
	if err := seekWrite(p.fValue, p.buf[:1]); err != nil {
		return p.wrap(err)
	}
	return nil
}

// read parses the current textual token on the value descriptor and rewinds
// it so the next read observes fresh kernel state. Run loop only.
func (p *Pin) read() (int, error) {
	n, err := seekRead(p.fValue, p.buf[:])
	if err != nil {
		return 0, p.wrap(err)
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(p.buf[:n])))
	if err != nil {
		return 0, p.wrap(err)
	}
	return v, nil
}

// dispatch invokes the callback for a level transition. Panics are contained
// here; a misbehaving callback must not unwind the run loop.
func (p *Pin) dispatch(state gpio.Level) {
	cb := p.cb
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.ctrl.logger.Err().Stringer("pin", p).Interface("panic", r).Log("transition callback panicked")
		}
	}()
	cb(p.number, state)
}

func (p *Pin) fd() int {
	return int(p.fValue.Fd())
}

func (p *Pin) close() error {
	return p.fValue.Close()
}

func (p *Pin) wrap(err error) error {
	return fmt.Errorf("sysfs-gpio (%s): %w", p, err)
}

var (
	bIn      = []byte("in")
	bOut     = []byte("out")
	bRising  = []byte("rising")
	bFalling = []byte("falling")
	bBoth    = []byte("both")
	bHigh    = []byte("1")
)

// seekRead rewinds f before reading so successive reads observe fresh
// kernel state rather than a stale offset.
func seekRead(f *os.File, b []byte) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return f.Read(b)
}

func seekWrite(f *os.File, b []byte) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := f.Write(b)
	return err
}

// writeFile writes one configuration token to a sysfs control file.
func writeFile(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.Write(b)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

var _ conn.Resource = &Pin{}
