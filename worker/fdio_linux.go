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
	"time"

	"golang.org/x/sys/unix"

	"github.com/TrueBrain/FlashMQ/message"
)

// FdIO is the ClientIO for non-blocking file descriptors under the epoll
// multiplexer: no goroutine per connection, the kernel's readiness drives
// everything. The client's Handle is the fd.
type FdIO struct {
	Codec PacketCodec

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (this *FdIO) nowFunc() func() time.Time {
	if this.Now != nil {
		return this.Now
	}
	return time.Now
}

func (this *FdIO) OnReadable(c *Client) IOResult {
	fd := int(c.handle)

	// Pull until EAGAIN or until the ring hits its watermark. Leaving
	// bytes in the kernel under backpressure is deliberate: level-
	// triggered epoll re-reports them once we drain.
	for !c.in.AboveHighWatermark() {
		n, err := c.in.ReadFrom(fdReader{fd})

		if err == errWouldBlock {
			break
		}
		if err == ErrBufferFull {
			break
		}
		if err != nil || n == 0 {
			// Peer hung up or the socket errored. Step any complete
			// frames first so a final publish isn't lost.
			if res := stepFrames(c, this.Codec, this.nowFunc()); res.Status == IODisconnect {
				return res
			}
			return IOResult{Status: IODisconnect, Reason: message.ReasonUnspecifiedError}
		}
	}

	res := stepFrames(c, this.Codec, this.nowFunc())
	if res.Status == IODisconnect {
		return res
	}

	if flushRes := this.flush(c); flushRes.Status != IOIdle {
		return flushRes
	}

	return res
}

func (this *FdIO) OnWritable(c *Client) IOResult {
	return this.flush(c)
}

func (this *FdIO) flush(c *Client) IOResult {
	fd := int(c.handle)

	for c.out.Len() > 0 {
		n, err := c.out.WriteTo(fdWriter{fd})

		if err == errWouldBlock || (err == nil && n == 0) {
			return IOResult{Status: IONeedsWrite}
		}
		if err != nil {
			return IOResult{Status: IODisconnect, Reason: message.ReasonUnspecifiedError}
		}
	}

	return IOResult{Status: IOIdle}
}

func (this *FdIO) PendingWill(c *Client) *message.WillMessage {
	return c.will
}

func (this *FdIO) LastActivity(c *Client) time.Time {
	return c.LastActivity()
}

func (this *FdIO) SendDisconnect(c *Client, d *message.DisconnectMessage) {
	frame := this.Codec.EncodeDisconnect(c, d)
	if len(frame) == 0 {
		return
	}

	// Best effort; a blocked socket just doesn't get one.
	unix.Write(int(c.handle), frame)
}

func (this *FdIO) DeliverPublish(c *Client, msg *message.PublishMessage) IOResult {
	frame, err := this.Codec.EncodePublish(c, msg)
	if err != nil {
		return IOResult{Status: IOIdle}
	}

	if err := c.BufferWrite(frame); err != nil {
		return IOResult{Status: IODisconnect, Reason: message.ReasonReceiveMaximumExceeded}
	}

	return this.flush(c)
}

var errWouldBlock = unix.EAGAIN

type fdReader struct{ fd int }

func (this fdReader) Read(p []byte) (int, error) {
	n, err := unix.Read(this.fd, p)
	if n < 0 {
		n = 0
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return n, errWouldBlock
	}
	return n, err
}

type fdWriter struct{ fd int }

func (this fdWriter) Write(p []byte) (int, error) {
	n, err := unix.Write(this.fd, p)
	if n < 0 {
		n = 0
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return n, errWouldBlock
	}
	return n, err
}
