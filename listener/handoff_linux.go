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

package listener

import (
	"io"
	"net"
	"os"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/TrueBrain/FlashMQ/worker"
)

// handOff picks the path by what the fleet's workers run on. Epoll workers
// get a raw non-blocking file descriptor and the fd-based ClientIO; a
// fleet on channel multiplexers (custom factory, or the epoll fallback)
// takes the portable path.
func (this *Acceptor) handOff(conn net.Conn) {
	workers := this.fleet.Workers()
	if len(workers) > 0 {
		if _, ok := workers[0].Mux().(*worker.EpollMux); ok {
			this.handOffFd(conn)
			return
		}
	}

	this.handOffConn(conn)
}

// handOffFd turns the connection into a non-blocking descriptor owned by
// the worker. TCP sockets hand over their own (duplicated) fd; wrapped
// connections like websockets go through a socketpair bridge so the
// kernel multiplexer still drives them.
func (this *Acceptor) handOffFd(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	fd, closer, err := connFd(conn)
	if err != nil {
		this.log.Warn("fd hand-off failed", zap.String("remote", remote), zap.Error(err))
		conn.Close()
		return
	}

	c, err := worker.NewClient(worker.ClientConfig{
		Handle:     worker.Handle(fd),
		Conn:       closer,
		RemoteAddr: remote,
		IO:         &worker.FdIO{Codec: this.codec},
		BufferSize: this.settings.ClientBufferSize,
	})
	if err != nil {
		this.log.Warn("client setup failed", zap.Error(err))
		closer.Close()
		return
	}

	if _, err := this.fleet.Assign(c); err != nil {
		this.log.Warn("no worker available", zap.Error(err))
		closer.Close()
		return
	}
}

type fdCloser struct{ fd int }

func (this fdCloser) Close() error {
	return unix.Close(this.fd)
}

// connFd extracts a descriptor the worker can own. For real sockets the
// fd is duplicated and the net.Conn closed; its socket stays open through
// the duplicate. Everything else is bridged over a socketpair.
func connFd(conn net.Conn) (int, io.Closer, error) {
	if sc, ok := conn.(syscall.Conn); ok {
		raw, err := sc.SyscallConn()
		if err == nil {
			dup := -1
			cerr := raw.Control(func(fd uintptr) {
				d, derr := unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
				if derr == nil {
					dup = d
				}
			})
			if cerr == nil && dup >= 0 {
				unix.SetNonblock(dup, true)
				conn.Close()
				return dup, fdCloser{fd: dup}, nil
			}
		}
		// Fall through to the bridge on any extraction failure.
	}

	return bridgeConn(conn)
}

// bridgeConn pumps a non-fd connection through a socketpair. The worker
// owns one non-blocking end; two copier goroutines tie the other end to
// the connection and tear both down when either side goes away.
func bridgeConn(conn net.Conn) (int, io.Closer, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, nil, err
	}

	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return 0, nil, err
	}

	f := os.NewFile(uintptr(fds[0]), "conn-bridge")

	go func() {
		io.Copy(f, conn)
		f.Close()
	}()

	go func() {
		io.Copy(conn, f)
		conn.Close()
	}()

	return fds[1], fdCloser{fd: fds[1]}, nil
}
