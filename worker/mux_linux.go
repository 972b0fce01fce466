// Copyright (c) 2021 The FlashMQ Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package worker

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

const epollMaxEvents = 1024

// EpollMux is the kernel-backed Multiplexer: an epoll instance plus an
// eventfd as the wakeup handle. The eventfd's counter semantics give the
// required coalescing for free.
type EpollMux struct {
	epfd   int
	wakefd int

	events []unix.EpollEvent
}

func NewEpollMux() (*EpollMux, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	this := &EpollMux{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, epollMaxEvents),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		this.Close()
		return nil, err
	}

	return this, nil
}

func epollFlags(interest Interest) uint32 {
	var flags uint32
	if interest&InterestRead != 0 {
		flags |= unix.EPOLLIN
	}
	if interest&InterestWrite != 0 {
		flags |= unix.EPOLLOUT
	}
	return flags
}

func (this *EpollMux) Register(h Handle, interest Interest) error {
	ev := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(h)}

	err := unix.EpollCtl(this.epfd, unix.EPOLL_CTL_ADD, int(h), &ev)
	if err == unix.EEXIST {
		return ErrDuplicateHandle
	}
	if err != nil {
		return err
	}

	return nil
}

func (this *EpollMux) Modify(h Handle, interest Interest) error {
	ev := unix.EpollEvent{Events: epollFlags(interest), Fd: int32(h)}
	return unix.EpollCtl(this.epfd, unix.EPOLL_CTL_MOD, int(h), &ev)
}

func (this *EpollMux) Deregister(h Handle) error {
	err := unix.EpollCtl(this.epfd, unix.EPOLL_CTL_DEL, int(h), nil)
	if err == unix.ENOENT || err == unix.EBADF {
		// Already gone; removal must be idempotent.
		return nil
	}
	return err
}

func (this *EpollMux) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)

	_, err := unix.Write(this.wakefd, buf[:])
	if err == unix.EAGAIN {
		// Counter saturated; a wakeup is already pending.
		return nil
	}
	return err
}

func (this *EpollMux) Wait(timeout time.Duration) ([]Event, error) {
	msec := -1
	if timeout > 0 {
		msec = int(timeout / time.Millisecond)
		if msec == 0 {
			msec = 1
		}
	}

	var n int
	var err error
	for {
		n, err = unix.EpollWait(this.epfd, this.events, msec)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	var evs []Event
	for i := 0; i < n; i++ {
		ee := this.events[i]

		if int(ee.Fd) == this.wakefd {
			// Drain the counter; signals coalesce into this one read.
			var b [8]byte
			unix.Read(this.wakefd, b[:])
			continue
		}

		evs = append(evs, Event{
			Handle:   Handle(ee.Fd),
			Readable: ee.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Writable: ee.Events&unix.EPOLLOUT != 0,
			Error:    ee.Events&unix.EPOLLERR != 0,
		})
	}

	return evs, nil
}

func (this *EpollMux) Close() error {
	unix.Close(this.wakefd)
	return unix.Close(this.epfd)
}
