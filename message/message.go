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

// Package message holds the in-broker representation of MQTT application
// messages and protocol-level disconnects. Encoding and decoding of the wire
// format is the business of the connection layer; the worker core, the topic
// store and the auth plugins only ever see these value types.
package message

import (
	"errors"
	"strings"
)

// ErrMalformedRemainingLength is returned when a fixed header's 4th
// remaining-length byte still has the continuation bit set.
var ErrMalformedRemainingLength = errors.New("message: malformed remaining length")

// ProtocolVersion is the protocol level from the CONNECT packet.
type ProtocolVersion byte

const (
	ProtocolV31  ProtocolVersion = 3
	ProtocolV311 ProtocolVersion = 4
	ProtocolV5   ProtocolVersion = 5
)

func (this ProtocolVersion) String() string {
	switch this {
	case ProtocolV31:
		return "3.1"
	case ProtocolV311:
		return "3.1.1"
	case ProtocolV5:
		return "5.0"
	}

	return "unknown"
}

// QoS levels.
const (
	QosAtMostOnce byte = iota
	QosAtLeastOnce
	QosExactlyOnce

	// QosFailure is a return value for a subscription if there's a problem
	// while subscribing to a specific topic.
	QosFailure = 0x80
)

// UserProperty is a single MQTT 5 user property. Order is significant and
// keys may repeat, so this is a slice element, not a map entry.
type UserProperty struct {
	Key   string
	Value string
}

// PublishMessage is an application message flowing through the broker.
type PublishMessage struct {
	Topic          string
	Payload        []byte
	QoS            byte
	Retain         bool
	UserProperties []UserProperty
}

// Subtopics returns the topic split on the level separator. The split is
// computed anew on every call.
func (this *PublishMessage) Subtopics() []string {
	return strings.Split(this.Topic, "/")
}

// WillMessage is the last-will a client supplied at CONNECT time. The broker
// publishes it when the client disconnects ungracefully, or at shutdown.
type WillMessage struct {
	Topic          string
	Payload        []byte
	QoS            byte
	Retain         bool
	UserProperties []UserProperty

	// DelaySeconds is the MQTT 5 will delay. Zero means publish immediately.
	DelaySeconds uint32
}

// ToPublish converts the will into the message that actually gets routed.
func (this *WillMessage) ToPublish() *PublishMessage {
	return &PublishMessage{
		Topic:          this.Topic,
		Payload:        this.Payload,
		QoS:            this.QoS,
		Retain:         this.Retain,
		UserProperties: this.UserProperties,
	}
}

// DisconnectMessage is the protocol-level DISCONNECT the broker sends before
// closing a connection. For v3.1 and v3.1.1 clients the connection layer
// encodes nothing and just closes; the reason still drives logging and
// counters.
type DisconnectMessage struct {
	Reason ReasonCode
}
