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

import "sync"

// clientRegistry maps connection handle to client. The mutex makes
// insertion (a task from the acceptor) safe against concurrent external
// lookups for stats and administration; mutation otherwise happens on the
// owning loop only.
type clientRegistry struct {
	mu         sync.RWMutex
	byHandle   map[Handle]*Client
	byClientId map[string]*Client
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{
		byHandle:   make(map[Handle]*Client),
		byClientId: make(map[string]*Client),
	}
}

func (this *clientRegistry) insert(c *Client) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	if _, dup := this.byHandle[c.handle]; dup {
		return ErrDuplicateHandle
	}

	this.byHandle[c.handle] = c
	if c.clientId != "" {
		this.byClientId[c.clientId] = c
	}

	return nil
}

func (this *clientRegistry) get(h Handle) *Client {
	this.mu.RLock()
	defer this.mu.RUnlock()

	return this.byHandle[h]
}

func (this *clientRegistry) getByClientId(id string) *Client {
	this.mu.RLock()
	defer this.mu.RUnlock()

	return this.byClientId[id]
}

// contains is the weak-reference resolution: a held *Client counts as live
// only while the registry still maps its handle to that same client.
func (this *clientRegistry) contains(c *Client) bool {
	this.mu.RLock()
	defer this.mu.RUnlock()

	return this.byHandle[c.handle] == c
}

func (this *clientRegistry) remove(c *Client) bool {
	this.mu.Lock()
	defer this.mu.Unlock()

	if this.byHandle[c.handle] != c {
		return false
	}

	delete(this.byHandle, c.handle)
	if cur, ok := this.byClientId[c.clientId]; ok && cur == c {
		delete(this.byClientId, c.clientId)
	}

	return true
}

// reindexClientId moves a client's id index after the CONNECT settles the
// real client-id.
func (this *clientRegistry) reindexClientId(c *Client, old string) {
	this.mu.Lock()
	defer this.mu.Unlock()

	if old != "" {
		if cur, ok := this.byClientId[old]; ok && cur == c {
			delete(this.byClientId, old)
		}
	}

	if c.clientId != "" {
		this.byClientId[c.clientId] = c
	}
}

func (this *clientRegistry) count() int {
	this.mu.RLock()
	defer this.mu.RUnlock()

	return len(this.byHandle)
}

// snapshot returns the current clients. Iteration over a snapshot keeps the
// loop free to mutate the registry while callers walk the fleet.
func (this *clientRegistry) snapshot() []*Client {
	this.mu.RLock()
	defer this.mu.RUnlock()

	out := make([]*Client, 0, len(this.byHandle))
	for _, c := range this.byHandle {
		out = append(out, c)
	}

	return out
}
