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

package main

import (
	"github.com/TrueBrain/FlashMQ/message"
	"github.com/TrueBrain/FlashMQ/worker"
)

// MQTT control packet types, from the fixed header's high nibble.
const (
	packetPingreq    = 0xC0
	packetPingresp   = 0xD0
	packetDisconnect = 0xE0
)

// frameCodec is the built-in packet collaborator: it answers pings and
// honors DISCONNECT at the framing level, and encodes the outbound frames
// the core needs. Everything further (CONNECT negotiation, SUBSCRIBE,
// QoS flows) is the business of the embedding application's codec; this
// binary exists to exercise the worker core.
type frameCodec struct{}

func (frameCodec) OnPacket(c *worker.Client, frame []byte) worker.IOResult {
	if len(frame) == 0 {
		return worker.IOResult{Status: worker.IODisconnect, Reason: message.ReasonMalformedPacket}
	}

	switch frame[0] & 0xF0 {
	case packetPingreq:
		if err := c.BufferWrite([]byte{packetPingresp, 0x00}); err != nil {
			return worker.IOResult{Status: worker.IODisconnect, Reason: message.ReasonReceiveMaximumExceeded}
		}
		return worker.IOResult{Status: worker.IONeedsWrite}

	case packetDisconnect:
		// Graceful: the will is discarded, per protocol.
		c.ClearWill()
		return worker.IOResult{Status: worker.IODisconnect, Reason: message.ReasonNormalDisconnection}
	}

	return worker.IOResult{Status: worker.IOIdle}
}

func (frameCodec) EncodePublish(c *worker.Client, msg *message.PublishMessage) ([]byte, error) {
	// PUBLISH QoS 0, v3-style: topic length + topic + payload.
	remlen := 2 + len(msg.Topic) + len(msg.Payload)

	frame := make([]byte, 0, 5+remlen)
	frame = append(frame, 0x30)
	frame = appendUvarint(frame, uint64(remlen))
	frame = append(frame, byte(len(msg.Topic)>>8), byte(len(msg.Topic)))
	frame = append(frame, msg.Topic...)
	frame = append(frame, msg.Payload...)

	return frame, nil
}

func (frameCodec) EncodeDisconnect(c *worker.Client, d *message.DisconnectMessage) []byte {
	if c.Proto() == message.ProtocolV5 {
		return []byte{packetDisconnect, 0x01, byte(d.Reason)}
	}

	// Older protocol versions have no server-to-client DISCONNECT.
	return nil
}

func appendUvarint(b []byte, v uint64) []byte {
	for {
		digit := byte(v % 128)
		v /= 128
		if v > 0 {
			digit |= 0x80
		}
		b = append(b, digit)
		if v == 0 {
			return b
		}
	}
}
