// Copyright 2024 The Go Sysfs GPIO Authors. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

//go:build linux

package sysfsgpio

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollWaiter arms descriptors with EPOLLPRI|EPOLLET so only true level
// transitions wake the loop, not ordinary readability. A sysfs value file is
// always readable; the urgent flag is what carries the interrupt.
type epollWaiter struct {
	epfd   int
	events [16]unix.EpollEvent
}

// NewEpollWaiter returns the epoll backed Waiter used by default on Linux.
func NewEpollWaiter() (Waiter, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("sysfs-gpio: epoll_create1: %w", err)
	}
	return &epollWaiter{epfd: epfd}, nil
}

func newDefaultWaiter() (Waiter, error) {
	return NewEpollWaiter()
}

func (w *epollWaiter) Register(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLPRI | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (w *epollWaiter) Unregister(fd int) error {
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (w *epollWaiter) Wait(timeout time.Duration) ([]Event, error) {
	n, err := unix.EpollWait(w.epfd, w.events[:], int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			// A signal occurred.
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	batch := make([]Event, 0, n)
	for _, ev := range w.events[:n] {
		batch = append(batch, Event{Fd: int(ev.Fd), Mask: epollToEvents(ev.Events)})
	}
	return batch, nil
}

func (w *epollWaiter) Close() error {
	return unix.Close(w.epfd)
}

func epollToEvents(raw uint32) Events {
	var m Events
	if raw&unix.EPOLLPRI != 0 {
		m |= EventUrgent
	}
	if raw&unix.EPOLLERR != 0 {
		m |= EventError
	}
	if raw&unix.EPOLLHUP != 0 {
		m |= EventHangup
	}
	return m
}
