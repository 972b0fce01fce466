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
	"io"
	"sync/atomic"
	"time"

	"github.com/TrueBrain/FlashMQ/message"
	"github.com/TrueBrain/FlashMQ/sessions"
)

// IOStatus is the outcome of one I/O step on a client.
type IOStatus int

const (
	IOIdle IOStatus = iota
	IONeedsWrite
	IODisconnect
)

// IOResult carries the status plus, for IODisconnect, the reason.
type IOResult struct {
	Status IOStatus
	Reason message.ReasonCode
}

// ClientIO is the connection/protocol collaborator the loop drives. The
// worker core doesn't read sockets or parse packets itself; it reacts to
// readiness and lets the ClientIO do the stepping.
type ClientIO interface {
	OnReadable(c *Client) IOResult
	OnWritable(c *Client) IOResult

	PendingWill(c *Client) *message.WillMessage
	LastActivity(c *Client) time.Time

	// SendDisconnect makes a best effort at putting a protocol-level
	// DISCONNECT in front of the connection teardown. v3 clients get
	// nothing on the wire; the reason still drives logs and counters.
	SendDisconnect(c *Client, d *message.DisconnectMessage)

	// DeliverPublish encodes a routed message into the client's write
	// buffer. Runs on the owning loop.
	DeliverPublish(c *Client, msg *message.PublishMessage) IOResult
}

// Client is one connected peer. It is owned by exactly one worker for its
// whole connected lifetime; its handle appears in exactly one registry.
// Everything except the atomics is loop-thread only.
type Client struct {
	handle     Handle
	conn       io.Closer
	remoteAddr string

	io ClientIO

	proto     message.ProtocolVersion
	keepAlive uint16
	username  string
	clientId  string

	in  *buffer
	out *buffer

	will *message.WillMessage
	sess *sessions.Session

	// Unix nanos of the last received packet. Written by the ClientIO
	// (possibly from a reader goroutine), read lazily by the keep-alive
	// scheduler.
	lastActivity atomic.Int64

	// Flipped once the connection is torn down; reader goroutines check
	// it to stop retrying into a ring nobody will drain.
	closed atomic.Bool

	owner *ThreadCore

	disconnectReason message.ReasonCode
	disconnected     bool
	willQueued       bool
	writeArmed       bool
	kaArmed          bool
}

// ClientConfig is what the acceptor knows about a connection when it hands
// it to a worker.
type ClientConfig struct {
	Handle     Handle
	Conn       io.Closer
	RemoteAddr string
	IO         ClientIO

	Proto     message.ProtocolVersion
	KeepAlive uint16
	Username  string
	ClientId  string

	Will    *message.WillMessage
	Session *sessions.Session

	BufferSize int64
}

// NewClient builds an unregistered client. It only becomes live once a
// worker accepts it through GiveClient.
func NewClient(cfg ClientConfig) (*Client, error) {
	in, err := newBuffer(cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	out, err := newBuffer(cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	this := &Client{
		handle:     cfg.Handle,
		conn:       cfg.Conn,
		remoteAddr: cfg.RemoteAddr,
		io:         cfg.IO,
		proto:      cfg.Proto,
		keepAlive:  cfg.KeepAlive,
		username:   cfg.Username,
		clientId:   cfg.ClientId,
		will:       cfg.Will,
		sess:       cfg.Session,
		in:         in,
		out:        out,
	}

	this.Touch(time.Now())

	return this, nil
}

func (this *Client) Handle() Handle                    { return this.handle }
func (this *Client) RemoteAddr() string                { return this.remoteAddr }
func (this *Client) Proto() message.ProtocolVersion    { return this.proto }
func (this *Client) KeepAlive() uint16                 { return this.keepAlive }
func (this *Client) Username() string                  { return this.username }
func (this *Client) ClientId() string                  { return this.clientId }
func (this *Client) Will() *message.WillMessage        { return this.will }
func (this *Client) Session() *sessions.Session        { return this.sess }
func (this *Client) DisconnectReason() message.ReasonCode { return this.disconnectReason }

// Touch records packet activity. Called by the ClientIO on every received
// packet; the keep-alive scheduler observes it lazily at bucket fire time.
func (this *Client) Touch(now time.Time) {
	this.lastActivity.Store(now.UnixNano())
}

func (this *Client) LastActivity() time.Time {
	return time.Unix(0, this.lastActivity.Load())
}

// SetUsername is for extended auth, which may settle the username after the
// client was created.
func (this *Client) SetUsername(username string) {
	this.username = username
}

// Closed reports whether the connection has been torn down.
func (this *Client) Closed() bool {
	return this.closed.Load()
}

// ClearWill drops the pending will. A graceful DISCONNECT does this, as
// does a v5 DISCONNECT with reason 0x00.
func (this *Client) ClearWill() {
	this.will = nil
}

// Deliver routes an application message to this client from any goroutine.
// Cross-worker delivery goes through the owner's task queue; the actual
// encode-and-write happens on the owning loop.
func (this *Client) Deliver(msg *message.PublishMessage) {
	owner := this.owner
	if owner == nil {
		return
	}

	owner.Post(func() {
		owner.deliverLocal(this, msg)
	})
}
