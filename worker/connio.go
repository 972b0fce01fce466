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

package worker

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/TrueBrain/FlashMQ/message"
)

// PacketCodec is the parsing/encoding collaborator. The worker core splits
// the byte stream into MQTT frames and hands each complete frame over; the
// codec owns everything inside the frame.
type PacketCodec interface {
	// OnPacket processes one complete inbound frame. Responses go into
	// the client's write buffer via Client.BufferWrite. Runs on the
	// owning loop.
	OnPacket(c *Client, frame []byte) IOResult

	EncodePublish(c *Client, msg *message.PublishMessage) ([]byte, error)
	EncodeDisconnect(c *Client, d *message.DisconnectMessage) []byte
}

// BufferWrite appends encoded bytes to the client's write buffer. Codec
// use only, on the owning loop. A peer too slow to drain its buffer gets
// disconnected rather than allowed to wedge the worker.
func (this *Client) BufferWrite(p []byte) error {
	for len(p) > 0 {
		n, err := this.out.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]

		if len(p) > 0 {
			return ErrBufferFull
		}
	}

	return nil
}

// peekFrameSize reads the fixed header out of the input ring: packet type
// byte plus the varint remaining length. Returns the total frame size, or
// ok=false when the buffer doesn't hold a full header yet.
func peekFrameSize(in *buffer) (total int, ok bool, err error) {
	cnt := 2

	var header []byte
	for {
		// 4 remaining-length bytes with continuation set is malformed.
		if cnt > 5 {
			return 0, false, message.ErrMalformedRemainingLength
		}

		header, err = in.ReadPeek(cnt)
		if err != nil && err != ErrBufferInsufficientData {
			return 0, false, err
		}

		if len(header) < cnt {
			return 0, false, nil
		}

		if header[cnt-1] >= 0x80 {
			cnt++
		} else {
			break
		}
	}

	remlen, m := binary.Uvarint(header[1:])

	return int(remlen) + 1 + m, true, nil
}

// stepFrames extracts every complete frame from the input ring and feeds
// the codec. Stops early if the codec asks for a disconnect.
func stepFrames(c *Client, codec PacketCodec, now func() time.Time) IOResult {
	for {
		total, ok, err := peekFrameSize(c.in)
		if err != nil {
			return IOResult{Status: IODisconnect, Reason: message.ReasonMalformedPacket}
		}
		if !ok {
			return IOResult{Status: IOIdle}
		}

		if total > c.in.Cap() {
			return IOResult{Status: IODisconnect, Reason: message.ReasonPacketTooLarge}
		}

		frame, err := c.in.ReadPeek(total)
		if err == ErrBufferInsufficientData {
			return IOResult{Status: IOIdle}
		}
		if err != nil {
			return IOResult{Status: IODisconnect, Reason: message.ReasonMalformedPacket}
		}

		c.Touch(now())
		if c.owner != nil {
			c.owner.Counters().ReceivedMessages.Inc()
		}

		res := codec.OnPacket(c, frame)

		c.in.ReadCommit(total)

		if res.Status == IODisconnect {
			return res
		}
	}
}

// ConnIO is the portable ClientIO over a net.Conn: a reader goroutine per
// connection blocks on the socket, fills the input ring and posts
// readiness to the worker's channel multiplexer. The loop side then steps
// frames and flushes writes, exactly like the raw-fd path.
type ConnIO struct {
	Codec PacketCodec

	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (this *ConnIO) nowFunc() func() time.Time {
	if this.Now != nil {
		return this.Now
	}
	return time.Now
}

// StartReader launches the reader goroutine for a client whose worker uses
// a ChanMux. When the input ring is full it stops reading the socket and
// retries every millisecond until the worker has drained room, so a client
// flooding faster than its worker drains stalls at the socket.
func (this *ConnIO) StartReader(c *Client, conn net.Conn, mux *ChanMux) {
	go func() {
		tmp := make([]byte, 8192)

		for {
			n, err := conn.Read(tmp)

			if n > 0 {
				p := tmp[:n]
				for len(p) > 0 {
					if c.Closed() {
						return
					}

					w, werr := c.in.Write(p)
					p = p[w:]

					if werr == ErrBufferFull || len(p) > 0 {
						// Ring full: let the worker drain, then retry.
						mux.Post(Event{Handle: c.handle, Readable: true})
						time.Sleep(time.Millisecond)
						continue
					}
				}

				mux.Post(Event{Handle: c.handle, Readable: true})
			}

			if err != nil {
				if err == io.EOF {
					// Let the loop step whatever complete frames are
					// still buffered before it sees the hangup.
					mux.Post(Event{Handle: c.handle, Readable: true})
				}
				mux.Post(Event{Handle: c.handle, Error: true})
				return
			}
		}
	}()
}

func (this *ConnIO) OnReadable(c *Client) IOResult {
	res := stepFrames(c, this.Codec, this.nowFunc())
	if res.Status == IODisconnect {
		return res
	}

	if flushRes := this.flush(c); flushRes.Status != IOIdle {
		return flushRes
	}

	return res
}

func (this *ConnIO) OnWritable(c *Client) IOResult {
	return this.flush(c)
}

func (this *ConnIO) flush(c *Client) IOResult {
	conn, ok := c.conn.(net.Conn)
	if !ok {
		return IOResult{Status: IOIdle}
	}

	for c.out.Len() > 0 {
		if _, err := c.out.WriteTo(conn); err != nil {
			return IOResult{Status: IODisconnect, Reason: message.ReasonUnspecifiedError}
		}
	}

	return IOResult{Status: IOIdle}
}

func (this *ConnIO) PendingWill(c *Client) *message.WillMessage {
	return c.will
}

func (this *ConnIO) LastActivity(c *Client) time.Time {
	return c.LastActivity()
}

func (this *ConnIO) SendDisconnect(c *Client, d *message.DisconnectMessage) {
	conn, ok := c.conn.(net.Conn)
	if !ok {
		return
	}

	frame := this.Codec.EncodeDisconnect(c, d)
	if len(frame) == 0 {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.Write(frame)
}

func (this *ConnIO) DeliverPublish(c *Client, msg *message.PublishMessage) IOResult {
	frame, err := this.Codec.EncodePublish(c, msg)
	if err != nil {
		return IOResult{Status: IOIdle}
	}

	if err := c.BufferWrite(frame); err != nil {
		// The peer isn't draining; cut it loose instead of buffering
		// without bound.
		return IOResult{Status: IODisconnect, Reason: message.ReasonReceiveMaximumExceeded}
	}

	if res := this.flush(c); res.Status == IODisconnect {
		return res
	}

	if c.out.Len() > 0 {
		return IOResult{Status: IONeedsWrite}
	}

	return IOResult{Status: IOIdle}
}
