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

package listener

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TrueBrain/FlashMQ/config"
	"github.com/TrueBrain/FlashMQ/message"
	"github.com/TrueBrain/FlashMQ/worker"
)

// pingCodec answers PINGREQ at the framing level.
type pingCodec struct{}

func (pingCodec) OnPacket(c *worker.Client, frame []byte) worker.IOResult {
	if len(frame) > 0 && frame[0]&0xF0 == 0xC0 {
		if err := c.BufferWrite([]byte{0xD0, 0x00}); err != nil {
			return worker.IOResult{Status: worker.IODisconnect, Reason: message.ReasonReceiveMaximumExceeded}
		}
		return worker.IOResult{Status: worker.IONeedsWrite}
	}
	return worker.IOResult{Status: worker.IOIdle}
}

func (pingCodec) EncodePublish(c *worker.Client, msg *message.PublishMessage) ([]byte, error) {
	return append([]byte{0x30, byte(len(msg.Payload))}, msg.Payload...), nil
}

func (pingCodec) EncodeDisconnect(c *worker.Client, d *message.DisconnectMessage) []byte {
	return []byte{0xE0, 0x01, byte(d.Reason)}
}

func testFleet(t *testing.T) *worker.Fleet {
	t.Helper()

	s := config.Default()
	s.ThreadCount = 1

	// Pin the channel multiplexer so these tests cover the portable
	// ConnIO path on every platform; the fd path has its own test.
	fleet, err := worker.NewFleet(worker.FleetOptions{
		Settings:   s,
		Log:        zap.NewNop(),
		MuxFactory: func() (worker.Multiplexer, error) { return worker.NewChanMux(), nil },
	})
	require.NoError(t, err)
	fleet.Start()

	return fleet
}

func waitFor(t *testing.T, cond func() bool, msg string) {
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

func TestHandOffServesPing(t *testing.T) {
	fleet := testFleet(t)
	defer fleet.Stop()

	acceptor := NewAcceptor(fleet, pingCodec{}, config.Default(), zap.NewNop())

	server, client := net.Pipe()
	defer client.Close()

	acceptor.handOff(server)
	waitFor(t, func() bool { return fleet.Count() == 1 }, "connection not handed to a worker")

	_, err := client.Write([]byte{0xC0, 0x00})
	require.NoError(t, err)

	resp := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)
	require.Equal(t, []byte{0xD0, 0x00}, resp)
}

func TestPeerCloseRemovesClient(t *testing.T) {
	fleet := testFleet(t)
	defer fleet.Stop()

	acceptor := NewAcceptor(fleet, pingCodec{}, config.Default(), zap.NewNop())

	server, client := net.Pipe()
	acceptor.handOff(server)
	waitFor(t, func() bool { return fleet.Count() == 1 }, "connection not handed to a worker")

	client.Close()
	waitFor(t, func() bool { return fleet.Count() == 0 }, "closed connection must leave the registry")
}

func TestAcceptorOverTCP(t *testing.T) {
	fleet := testFleet(t)
	defer fleet.Stop()

	acceptor := NewAcceptor(fleet, pingCodec{}, config.Default(), zap.NewNop())
	defer acceptor.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	go acceptor.ListenAndServe(addr)

	var conn net.Conn
	waitFor(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, "listener never came up")
	defer conn.Close()

	_, err = conn.Write([]byte{0xC0, 0x00})
	require.NoError(t, err)

	resp := make([]byte, 2)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(conn, resp)
	require.NoError(t, err)
	require.Equal(t, []byte{0xD0, 0x00}, resp)
}
