// Copyright 2024 The Go Sysfs GPIO Authors. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package sysfsgpio

import "errors"

// Standard errors. Validation failures wrap these with the offending value,
// so test against them with errors.Is.
var (
	// ErrOutOfRange is returned by Alloc when the pin number is not part of
	// the available set the controller was constructed with.
	ErrOutOfRange = errors.New("sysfs-gpio: pin number out of range")

	// ErrAlreadyAllocated is returned by Alloc when the pin number is
	// already allocated and has not been deallocated since.
	ErrAlreadyAllocated = errors.New("sysfs-gpio: pin already allocated")

	// ErrNotAllocated is returned by accessors when the pin number has no
	// live allocation.
	ErrNotAllocated = errors.New("sysfs-gpio: pin not allocated")

	// ErrMissingEdge is returned when a callback is requested without an
	// edge to trigger it on.
	ErrMissingEdge = errors.New("sysfs-gpio: callback requires an edge")

	// ErrInvalidPolarity is returned when the active-low value is neither 0
	// nor 1.
	ErrInvalidPolarity = errors.New("sysfs-gpio: active-low must be 0 or 1")

	// ErrInvalidDirection is returned when the direction is neither In nor
	// Out.
	ErrInvalidDirection = errors.New("sysfs-gpio: invalid direction")

	// ErrInvalidEdge is returned when the edge is not one of the recognized
	// edge tags.
	ErrInvalidEdge = errors.New("sysfs-gpio: invalid edge")

	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("sysfs-gpio: controller closed")

	// ErrReentrantClose is returned when Close is called from a transition
	// callback, which runs on the loop Close needs to stop.
	ErrReentrantClose = errors.New("sysfs-gpio: cannot close from the run loop")
)
