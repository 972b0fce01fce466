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

// Package topics is the subscription store: topic filters, matching, and
// the routing of publishes to subscribers. Delivery to a subscriber on a
// peer worker happens via that worker's task queue, inside the
// subscriber's Deliver implementation; Publish itself is synchronous.
//
// Topic grammar:
//   - / separates topic levels
//   - # is a multi-level wildcard and must be the last level
//   - + is a single-level wildcard and must be a whole level
//   - topics starting with $ are system topics; wildcards starting at the
//     first level don't match them
package topics

import (
	"errors"
	"fmt"

	"github.com/TrueBrain/FlashMQ/message"
)

const (
	// Multi-level wildcard
	MWC = "#"

	// Single level wildcard
	SWC = "+"

	// Topic level separator
	SEP = "/"

	// System level topic prefix
	SYS = "$"
)

// Retained $SYS stat topics the workers publish under.
const (
	SysClientsConnected      = "$SYS/broker/clients/connected"
	SysMessagesReceived      = "$SYS/broker/messages/received"
	SysMessagesSent          = "$SYS/broker/messages/sent"
	SysConnectsTotal         = "$SYS/broker/connects/total"
	SysLoadReceivedPerSecond = "$SYS/broker/load/messages/received/persecond"
)

var (
	ErrProviderNotFound = errors.New("topics: provider not found")
	ErrInvalidTopic     = errors.New("topics: invalid topic")
	ErrInvalidQos       = errors.New("topics: invalid QoS")

	providers = make(map[string]Provider)
)

// Subscriber receives matched publishes. Implementations must be safe to
// call from any worker; the broker's clients post a task to their owning
// worker from Deliver.
type Subscriber interface {
	Deliver(msg *message.PublishMessage)
}

// Provider is a pluggable subscription store backend.
type Provider interface {
	Subscribe(filter string, qos byte, sub Subscriber) (byte, error)
	Unsubscribe(filter string, sub Subscriber) error
	Subscribers(topic string, subs *[]Subscriber, qoss *[]byte) error
	Close() error
}

// Register makes a provider available by name. Registering twice for one
// name, or a nil provider, panics.
func Register(name string, p Provider) {
	if p == nil {
		panic("topics: Register provider is nil")
	}

	if _, dup := providers[name]; dup {
		panic("topics: Register called twice for provider " + name)
	}

	providers[name] = p
}

func Unregister(name string) {
	delete(providers, name)
}

// Manager fronts a provider with retained-message handling and the
// publish fan-out.
type Manager struct {
	p        Provider
	retained *retainedStore
}

func NewManager(providerName string) (*Manager, error) {
	p, ok := providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, providerName)
	}

	return &Manager{
		p:        p,
		retained: newRetainedStore(),
	}, nil
}

// Subscribe adds a subscription and replays any retained messages matching
// the filter.
func (this *Manager) Subscribe(filter string, qos byte, sub Subscriber) (byte, error) {
	granted, err := this.p.Subscribe(filter, qos, sub)
	if err != nil {
		return message.QosFailure, err
	}

	for _, msg := range this.retained.match(filter) {
		sub.Deliver(msg)
	}

	return granted, nil
}

func (this *Manager) Unsubscribe(filter string, sub Subscriber) error {
	return this.p.Unsubscribe(filter, sub)
}

// Publish routes a message to every matching subscriber. A retained
// publish is stored first (an empty retained payload clears the slot, per
// protocol).
func (this *Manager) Publish(msg *message.PublishMessage) error {
	if msg.Retain {
		this.retained.set(msg)
	}

	var subs []Subscriber
	var qoss []byte

	if err := this.p.Subscribers(msg.Topic, &subs, &qoss); err != nil {
		return err
	}

	for i, sub := range subs {
		out := *msg

		// Delivery QoS is capped at the granted subscription QoS.
		if out.QoS > qoss[i] {
			out.QoS = qoss[i]
		}

		// Live routing always clears the retain flag for existing
		// subscribers; only replay-on-subscribe keeps it set.
		out.Retain = false

		sub.Deliver(&out)
	}

	return nil
}

func (this *Manager) Close() error {
	return this.p.Close()
}
