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
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/TrueBrain/FlashMQ/config"
	"github.com/TrueBrain/FlashMQ/message"
)

// fakeIO is a recording ClientIO for loop tests.
type fakeIO struct {
	mu sync.Mutex

	will *message.WillMessage

	delivered   []*message.PublishMessage
	disconnects []message.ReasonCode

	onReadable func(c *Client) IOResult
	onWritable func(c *Client) IOResult
}

func (this *fakeIO) OnReadable(c *Client) IOResult {
	if this.onReadable != nil {
		return this.onReadable(c)
	}
	return IOResult{Status: IOIdle}
}

func (this *fakeIO) OnWritable(c *Client) IOResult {
	if this.onWritable != nil {
		return this.onWritable(c)
	}
	return IOResult{Status: IOIdle}
}

func (this *fakeIO) PendingWill(c *Client) *message.WillMessage {
	return this.will
}

func (this *fakeIO) LastActivity(c *Client) time.Time {
	return c.LastActivity()
}

func (this *fakeIO) SendDisconnect(c *Client, d *message.DisconnectMessage) {
	this.mu.Lock()
	this.disconnects = append(this.disconnects, d.Reason)
	this.mu.Unlock()
}

func (this *fakeIO) DeliverPublish(c *Client, msg *message.PublishMessage) IOResult {
	this.mu.Lock()
	this.delivered = append(this.delivered, msg)
	this.mu.Unlock()
	return IOResult{Status: IOIdle}
}

func (this *fakeIO) deliveredTopics() []string {
	this.mu.Lock()
	defer this.mu.Unlock()

	var out []string
	for _, msg := range this.delivered {
		out = append(out, msg.Topic)
	}
	return out
}

func (this *fakeIO) disconnectReasons() []message.ReasonCode {
	this.mu.Lock()
	defer this.mu.Unlock()

	return append([]message.ReasonCode(nil), this.disconnects...)
}

// fakeStore records what got routed.
type fakeStore struct {
	mu        sync.Mutex
	published []*message.PublishMessage
}

func (this *fakeStore) Publish(msg *message.PublishMessage) error {
	this.mu.Lock()
	this.published = append(this.published, msg)
	this.mu.Unlock()
	return nil
}

func (this *fakeStore) topics() []string {
	this.mu.Lock()
	defer this.mu.Unlock()

	var out []string
	for _, msg := range this.published {
		out = append(out, msg.Topic)
	}
	return out
}

// fakeClock is a controllable clock anchored to the real one, so real
// multiplexer timeouts stay short while timer math can jump forward.
type fakeClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (this *fakeClock) Now() time.Time {
	this.mu.Lock()
	defer this.mu.Unlock()
	return time.Now().Add(this.offset)
}

func (this *fakeClock) Advance(d time.Duration) {
	this.mu.Lock()
	this.offset += d
	this.mu.Unlock()
}

func testCore(t *testing.T, opts Options) *ThreadCore {
	t.Helper()

	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Settings == nil {
		opts.Settings = config.Default()
	}

	w, err := NewThreadCore(opts)
	if err != nil {
		t.Fatalf("NewThreadCore: %v", err)
	}

	return w
}

func testClient(t *testing.T, h Handle, id string, fio *fakeIO) *Client {
	t.Helper()

	c, err := NewClient(ClientConfig{
		Handle:   h,
		IO:       fio,
		ClientId: id,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	return c
}

// eventually polls until the condition holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}

	t.Fatal(msg)
}
