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

// Package sessions keeps the persistable per-client-id state: the
// subscriptions, the queued QoS>0 messages and the packet-id counter. A
// session outlives any single connection; it is shared between clients of
// the same client-id across time, never simultaneously. The worker core
// only drives one lifecycle event, expiration.
package sessions

import (
	"sync"
	"time"

	"github.com/TrueBrain/FlashMQ/message"
)

// Session is the state behind one client-id.
type Session struct {
	mu sync.Mutex

	id       string
	username string

	// Clean marks a v3.1.1 clean-session=true (or v5 expiry=0) session:
	// it dies with the connection.
	clean bool

	// Expiry is how long the session survives after disconnect. Zero with
	// clean=false means it never expires on its own.
	expiry time.Duration

	subscriptions map[string]byte

	pending *pendingQueue

	pktid uint16

	connected      bool
	disconnectedAt time.Time
}

func newSession(id string) *Session {
	return &Session{
		id:            id,
		subscriptions: make(map[string]byte),
		pending:       newPendingQueue(defaultPendingSize),
		connected:     true,
	}
}

func (this *Session) Id() string { return this.id }

func (this *Session) Username() string {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.username
}

func (this *Session) SetUsername(u string) {
	this.mu.Lock()
	this.username = u
	this.mu.Unlock()
}

func (this *Session) Clean() bool {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.clean
}

func (this *Session) SetClean(clean bool) {
	this.mu.Lock()
	this.clean = clean
	this.mu.Unlock()
}

func (this *Session) Expiry() time.Duration {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.expiry
}

func (this *Session) SetExpiry(d time.Duration) {
	this.mu.Lock()
	this.expiry = d
	this.mu.Unlock()
}

// AddTopic records a subscription, updating the QoS when it exists.
func (this *Session) AddTopic(filter string, qos byte) {
	this.mu.Lock()
	this.subscriptions[filter] = qos
	this.mu.Unlock()
}

func (this *Session) RemoveTopic(filter string) {
	this.mu.Lock()
	delete(this.subscriptions, filter)
	this.mu.Unlock()
}

// Topics returns a copy of the subscriptions.
func (this *Session) Topics() map[string]byte {
	this.mu.Lock()
	defer this.mu.Unlock()

	out := make(map[string]byte, len(this.subscriptions))
	for k, v := range this.subscriptions {
		out[k] = v
	}
	return out
}

// NextPacketId hands out packet ids for outgoing QoS>0 publishes. Zero is
// not a valid id and is skipped on wrap.
func (this *Session) NextPacketId() uint16 {
	this.mu.Lock()
	defer this.mu.Unlock()

	this.pktid++
	if this.pktid == 0 {
		this.pktid = 1
	}
	return this.pktid
}

// QueuePending stores a QoS>0 message for an offline client.
func (this *Session) QueuePending(msg *message.PublishMessage) {
	this.mu.Lock()
	this.pending.push(msg)
	this.mu.Unlock()
}

// DrainPending hands back the queued messages in arrival order.
func (this *Session) DrainPending() []*message.PublishMessage {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.pending.popAll()
}

func (this *Session) PendingCount() int {
	this.mu.Lock()
	defer this.mu.Unlock()
	return this.pending.len()
}

// MarkConnected is called on connect/takeover.
func (this *Session) MarkConnected() {
	this.mu.Lock()
	this.connected = true
	this.disconnectedAt = time.Time{}
	this.mu.Unlock()
}

// MarkDisconnected starts the expiry clock.
func (this *Session) MarkDisconnected(now time.Time) {
	this.mu.Lock()
	this.connected = false
	this.disconnectedAt = now
	this.mu.Unlock()
}

// ExpiredAt reports whether the session should be reaped at the given
// time. Connected sessions never expire; clean sessions expire the moment
// they disconnect.
func (this *Session) ExpiredAt(now time.Time) bool {
	this.mu.Lock()
	defer this.mu.Unlock()

	if this.connected {
		return false
	}

	if this.clean {
		return true
	}

	if this.expiry == 0 {
		return false
	}

	return !this.disconnectedAt.IsZero() && now.Sub(this.disconnectedAt) >= this.expiry
}
