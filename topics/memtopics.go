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
	"fmt"
	"strings"
	"sync"

	"github.com/TrueBrain/FlashMQ/message"
)

var _ Provider = (*MemTopics)(nil)

func init() {
	Register("mem", NewMemTopics())
}

// MemTopics is the in-memory subscription trie. The mutex covers the whole
// tree: subscription changes are rare next to matches, and matches take the
// read lock only.
type MemTopics struct {
	smu  sync.RWMutex
	root *snode
}

func NewMemTopics() *MemTopics {
	return &MemTopics{
		root: newSNode(),
	}
}

func (this *MemTopics) Subscribe(filter string, qos byte, sub Subscriber) (byte, error) {
	if qos > message.QosExactlyOnce {
		return message.QosFailure, ErrInvalidQos
	}

	if sub == nil {
		return message.QosFailure, fmt.Errorf("topics: nil subscriber")
	}

	if err := validateFilter(filter); err != nil {
		return message.QosFailure, err
	}

	this.smu.Lock()
	defer this.smu.Unlock()

	if err := this.root.insert(filter, qos, sub); err != nil {
		return message.QosFailure, err
	}

	return qos, nil
}

func (this *MemTopics) Unsubscribe(filter string, sub Subscriber) error {
	this.smu.Lock()
	defer this.smu.Unlock()

	return this.root.remove(filter, sub)
}

func (this *MemTopics) Subscribers(topic string, subs *[]Subscriber, qoss *[]byte) error {
	if strings.ContainsAny(topic, MWC+SWC) {
		return fmt.Errorf("%w: publish topic contains wildcards", ErrInvalidTopic)
	}

	this.smu.RLock()
	defer this.smu.RUnlock()

	*subs = (*subs)[0:0]
	*qoss = (*qoss)[0:0]

	// Wildcards starting at the first level must not match $ topics.
	sys := strings.HasPrefix(topic, SYS)

	this.root.match(topic, sys, subs, qoss)
	return nil
}

func (this *MemTopics) Close() error {
	this.root = newSNode()
	return nil
}

// validateFilter checks the wildcard rules: # only as the final whole
// level, + only as a whole level.
func validateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidTopic)
	}

	levels := strings.Split(filter, SEP)
	for i, level := range levels {
		if level == MWC {
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q has # before the last level", ErrInvalidTopic, filter)
			}
			continue
		}

		if strings.Contains(level, MWC) || (strings.Contains(level, SWC) && level != SWC) {
			return fmt.Errorf("%w: %q has a wildcard inside a level", ErrInvalidTopic, filter)
		}
	}

	return nil
}

// subscription trie node
type snode struct {
	subs []Subscriber
	qos  []byte

	children map[string]*snode
}

func newSNode() *snode {
	return &snode{
		children: make(map[string]*snode),
	}
}

func (this *snode) insert(filter string, qos byte, sub Subscriber) error {
	// The leaf holds the subscribers.
	if filter == "" {
		for i, s := range this.subs {
			if s == sub {
				// Re-subscribing updates the granted QoS.
				this.qos[i] = qos
				return nil
			}
		}

		this.subs = append(this.subs, sub)
		this.qos = append(this.qos, qos)
		return nil
	}

	level, rest := nextLevel(filter)

	child, ok := this.children[level]
	if !ok {
		child = newSNode()
		this.children[level] = child
	}

	return child.insert(rest, qos, sub)
}

func (this *snode) remove(filter string, sub Subscriber) error {
	if filter == "" {
		// A nil subscriber removes everyone on this leaf.
		if sub == nil {
			this.subs = nil
			this.qos = nil
			return nil
		}

		for i, s := range this.subs {
			if s == sub {
				this.subs = append(this.subs[:i], this.subs[i+1:]...)
				this.qos = append(this.qos[:i], this.qos[i+1:]...)
				return nil
			}
		}

		return fmt.Errorf("topics: no subscription to remove")
	}

	level, rest := nextLevel(filter)

	child, ok := this.children[level]
	if !ok {
		return fmt.Errorf("topics: no subscription to remove")
	}

	if err := child.remove(rest, sub); err != nil {
		return err
	}

	if len(child.subs) == 0 && len(child.children) == 0 {
		delete(this.children, level)
	}

	return nil
}

// match walks the topic and the wildcard branches in parallel. sysFirst
// marks a $ topic at the first level, which wildcards must not match.
func (this *snode) match(topic string, sysFirst bool, subs *[]Subscriber, qoss *[]byte) {
	if topic == "" {
		this.appendMatches(subs, qoss)

		// "a/#" also matches "a" (the parent level itself).
		if child, ok := this.children[MWC]; ok {
			child.appendMatches(subs, qoss)
		}
		return
	}

	level, rest := nextLevel(topic)

	if child, ok := this.children[level]; ok {
		child.match(rest, false, subs, qoss)
	}

	if !sysFirst {
		if child, ok := this.children[SWC]; ok {
			child.match(rest, false, subs, qoss)
		}

		if child, ok := this.children[MWC]; ok {
			child.appendMatches(subs, qoss)
		}
	}
}

func (this *snode) appendMatches(subs *[]Subscriber, qoss *[]byte) {
	for i, sub := range this.subs {
		*subs = append(*subs, sub)
		*qoss = append(*qoss, this.qos[i])
	}
}

func nextLevel(topic string) (string, string) {
	if i := strings.Index(topic, SEP); i >= 0 {
		return topic[:i], topic[i+1:]
	}
	return topic, ""
}
