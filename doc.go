// Copyright 2024 The Go Sysfs GPIO Authors. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package sysfsgpio drives GPIO lines through the Linux GPIO sysfs class as
// described at https://www.kernel.org/doc/Documentation/gpio/sysfs.txt
//
// A Controller owns the export/unexport lifecycle for a configured set of
// pin numbers and monitors input pins for level transitions. Transitions are
// detected with an epoll instance armed for urgent-priority, edge-triggered
// wakeups on each pin's value file, which is the only interrupt mechanism
// sysfs GPIO offers.
//
// All pin state is owned by a single run loop goroutine. Public operations
// marshal onto it, and transition callbacks are invoked from it, so
// allocation, deallocation, writes, synchronous reads and poll-driven reads
// are totally ordered with respect to one another. Callbacks may call back
// into the controller; such calls execute inline.
//
// GPIO sysfs is deprecated in favor of the GPIO character device but remains
// the portable option on older kernels and is often the only way to get
// edge interrupts without a chardev-aware userspace.
package sysfsgpio
