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
	"time"
)

// keepAliveCheck is a weak reference to a client plus the re-arm flag. The
// reference resolves at fire time: if the client left the registry in the
// meantime, the check is discarded.
type keepAliveCheck struct {
	client  *Client
	recheck bool
}

// keepAliveScheduler buckets checks by absolute deadline rounded up to whole
// seconds, so a check never fires early. Packet arrival does NOT reschedule anything; the updated
// last-activity timestamp is observed lazily when the bucket fires. That
// keeps packet handling at O(1) with no map mutation per received byte.
type keepAliveScheduler struct {
	mu      sync.Mutex
	buckets map[int64][]keepAliveCheck
}

func newKeepAliveScheduler() *keepAliveScheduler {
	return &keepAliveScheduler{
		buckets: make(map[int64][]keepAliveCheck),
	}
}

// keepAliveDeadline is when a client with keep-alive k (seconds), last
// active at 'last', must be considered dead: the protocol-mandated 1.5x.
func keepAliveDeadline(last time.Time, k uint16) time.Time {
	return last.Add(time.Duration(k) * 1500 * time.Millisecond)
}

// add enqueues a check at the given absolute deadline. A zero keep-alive
// never gets here; GiveClient skips the insert entirely.
func (this *keepAliveScheduler) add(c *Client, deadline time.Time, recheck bool) {
	key := deadline.Unix()
	if deadline.Truncate(time.Second).Before(deadline) {
		// Round up so a check never fires early.
		key++
	}

	this.mu.Lock()
	this.buckets[key] = append(this.buckets[key], keepAliveCheck{client: c, recheck: recheck})
	this.mu.Unlock()
}

// next returns the earliest bucket deadline, or false when empty.
func (this *keepAliveScheduler) next() (time.Time, bool) {
	this.mu.Lock()
	defer this.mu.Unlock()

	if len(this.buckets) == 0 {
		return time.Time{}, false
	}

	var min int64
	first := true
	for key := range this.buckets {
		if first || key < min {
			min = key
			first = false
		}
	}

	return time.Unix(min, 0), true
}

// fire pops every due bucket and resolves its checks. resolve reports
// whether the client is still live in the registry; expire disconnects it.
func (this *keepAliveScheduler) fire(now time.Time, resolve func(*Client) bool, expire func(*Client)) {
	this.mu.Lock()
	var due []keepAliveCheck
	nowKey := now.Unix()
	for key, checks := range this.buckets {
		if key <= nowKey {
			due = append(due, checks...)
			delete(this.buckets, key)
		}
	}
	this.mu.Unlock()

	for _, check := range due {
		c := check.client

		if !resolve(c) {
			continue
		}

		k := c.KeepAlive()
		if k == 0 {
			continue
		}

		deadline := keepAliveDeadline(c.LastActivity(), k)
		if now.Before(deadline) {
			// Not actually idle long enough. Re-arm at the moment it
			// would expire, if this check re-arms at all.
			if check.recheck {
				this.add(c, deadline, true)
			}
			continue
		}

		expire(c)
	}
}
