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

package topics

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/TrueBrain/FlashMQ/message"
)

const (
	// Retained messages live until replaced or cleared; MQTT 5 message
	// expiry shortens that per message.
	retainedDefaultExpiration = gocache.NoExpiration
	retainedSweepInterval     = 5 * time.Minute
)

// retainedStore keeps the last retained message per topic. go-cache gives
// the concurrent map plus per-entry TTL for v5 message expiry.
type retainedStore struct {
	c *gocache.Cache
}

func newRetainedStore() *retainedStore {
	return &retainedStore{
		c: gocache.New(retainedDefaultExpiration, retainedSweepInterval),
	}
}

// set stores or clears the retained slot for the message's topic. An empty
// payload clears, per protocol.
func (this *retainedStore) set(msg *message.PublishMessage) {
	if len(msg.Payload) == 0 {
		this.c.Delete(msg.Topic)
		return
	}

	keep := *msg
	keep.Retain = true
	this.c.SetDefault(msg.Topic, &keep)
}

// match returns the retained messages whose topics match the filter.
func (this *retainedStore) match(filter string) []*message.PublishMessage {
	var out []*message.PublishMessage

	for topic, item := range this.c.Items() {
		if filterMatches(filter, topic) {
			out = append(out, item.Object.(*message.PublishMessage))
		}
	}

	return out
}

// filterMatches applies the wildcard rules of a subscription filter to a
// concrete topic.
func filterMatches(filter, topic string) bool {
	if strings.HasPrefix(topic, SYS) && (strings.HasPrefix(filter, MWC) || strings.HasPrefix(filter, SWC)) {
		return false
	}

	for {
		flevel, frest := nextLevel(filter)

		if flevel == MWC {
			return true
		}

		tlevel, trest := nextLevel(topic)

		if flevel != SWC && flevel != tlevel {
			return false
		}

		if frest == "" && trest == "" {
			return true
		}

		if frest == "" || (trest == "" && frest != MWC) {
			return false
		}

		filter, topic = frest, trest
	}
}
