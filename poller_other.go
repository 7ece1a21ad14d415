// Copyright 2024 The Go Sysfs GPIO Authors. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

//go:build !linux

package sysfsgpio

import "errors"

// GPIO sysfs only exists on Linux. Other platforms can still construct a
// Controller for testing by supplying a Waiter with WithWaiter.
func newDefaultWaiter() (Waiter, error) {
	return nil, errors.New("sysfs-gpio: no readiness multiplexer on this platform, supply one with WithWaiter")
}
