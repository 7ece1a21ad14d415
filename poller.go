// Copyright 2024 The Go Sysfs GPIO Authors. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sysfsgpio

import "time"

// Events is a bitmask of readiness conditions reported for a registered
// descriptor.
type Events uint32

const (
	// EventUrgent is an exceptional condition on the descriptor, which is
	// how the kernel signals a level transition on a sysfs GPIO value file.
	EventUrgent Events = 1 << iota
	// EventError is an error condition on the descriptor.
	EventError
	// EventHangup means the descriptor was hung up, typically because the
	// pin was unexported behind our back.
	EventHangup
)

// Event pairs a ready descriptor with the conditions observed on it.
type Event struct {
	Fd   int
	Mask Events
}

// Waiter is a readiness multiplexer: it blocks a goroutine until one or more
// registered descriptors report an urgent condition.
//
// The controller calls Register and Unregister only from its run loop and
// Wait only from its poll goroutine. Implementations must tolerate
// registration changes while a Wait is in flight; epoll does.
type Waiter interface {
	// Register adds a descriptor to the readiness set, armed for
	// urgent-priority, edge-triggered wakeups.
	Register(fd int) error
	// Unregister removes a descriptor from the readiness set.
	Unregister(fd int) error
	// Wait blocks until a registered descriptor becomes ready or the
	// timeout elapses. An interrupted wait returns an empty batch and a nil
	// error so the caller simply retries; any non-nil error is fatal.
	Wait(timeout time.Duration) ([]Event, error)
	// Close releases the multiplexer. No Wait may be in flight.
	Close() error
}
