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

package sessions

import "github.com/TrueBrain/FlashMQ/message"

const (
	defaultPendingSize = 16

	// Hard cap on queued messages per session. When full, the oldest is
	// dropped; a returning client prefers fresh state over ancient
	// backlog.
	maxPendingSize = 1024
)

// pendingQueue is a growing ring buffer of messages waiting for a
// returning client. Not locked; the owning Session serializes access.
type pendingQueue struct {
	size  int64
	mask  int64
	count int64
	head  int64
	tail  int64

	ring []*message.PublishMessage
}

func newPendingQueue(n int) *pendingQueue {
	m := int64(n)
	if !powerOfTwo64(m) {
		m = roundUpPowerOfTwo64(m)
	}

	return &pendingQueue{
		size: m,
		mask: m - 1,
		ring: make([]*message.PublishMessage, m),
	}
}

func (this *pendingQueue) push(msg *message.PublishMessage) {
	if this.full() {
		if int(this.size) >= maxPendingSize {
			// Drop the oldest.
			this.head++
			this.count--
		} else {
			this.grow()
		}
	}

	this.ring[this.tail&this.mask] = msg
	this.tail++
	this.count++
}

func (this *pendingQueue) popAll() []*message.PublishMessage {
	out := make([]*message.PublishMessage, 0, this.count)

	for this.count > 0 {
		i := this.head & this.mask
		out = append(out, this.ring[i])
		this.ring[i] = nil
		this.head++
		this.count--
	}

	return out
}

func (this *pendingQueue) len() int {
	return int(this.count)
}

func (this *pendingQueue) full() bool {
	return this.count == this.size
}

func (this *pendingQueue) grow() {
	bigger := make([]*message.PublishMessage, this.size*2)

	for i := int64(0); i < this.count; i++ {
		bigger[i] = this.ring[(this.head+i)&this.mask]
	}

	this.ring = bigger
	this.head = 0
	this.tail = this.count
	this.size *= 2
	this.mask = this.size - 1
}

func powerOfTwo64(n int64) bool {
	return n != 0 && (n&(n-1)) == 0
}

func roundUpPowerOfTwo64(n int64) int64 {
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++

	return n
}
