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

// Package listener accepts TCP and websocket connections and hands them to
// the worker fleet. It owns no client state: once Assign succeeds, the
// connection belongs to its worker.
package listener

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/TrueBrain/FlashMQ/commons"
	"github.com/TrueBrain/FlashMQ/config"
	"github.com/TrueBrain/FlashMQ/worker"
)

// Acceptor feeds accepted connections to the fleet round-robin.
type Acceptor struct {
	fleet *worker.Fleet
	codec worker.PacketCodec
	log   *zap.Logger

	settings *config.Settings

	// Synthetic handles for clients on channel multiplexers. Real fds use
	// the fd itself; these start high to stay out of that range.
	nextHandle atomic.Int64

	closed atomic.Bool
	ln     net.Listener
	httpLn net.Listener
}

func NewAcceptor(fleet *worker.Fleet, codec worker.PacketCodec, s *config.Settings, log *zap.Logger) *Acceptor {
	if log == nil {
		log = commons.Log
	}

	this := &Acceptor{
		fleet:    fleet,
		codec:    codec,
		log:      log,
		settings: s,
	}
	this.nextHandle.Store(1 << 20)

	return this
}

// ListenAndServe accepts plain TCP connections until Close.
func (this *Acceptor) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	this.ln = ln

	this.log.Info("listening", zap.String("addr", ln.Addr().String()))

	var tempDelay time.Duration // how long to sleep on accept failure

	for {
		conn, err := ln.Accept()
		if err != nil {
			if this.closed.Load() {
				return nil
			}

			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				this.log.Error("accept error, retrying", zap.Error(err), zap.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		this.handOff(conn)
	}
}

// handOffConn is the portable hand-off: a Client over the net.Conn with a
// reader goroutine feeding the worker's channel multiplexer.
func (this *Acceptor) handOffConn(conn net.Conn) {
	handle := worker.Handle(this.nextHandle.Add(1))

	connio := &worker.ConnIO{Codec: this.codec}

	c, err := worker.NewClient(worker.ClientConfig{
		Handle:     handle,
		Conn:       conn,
		RemoteAddr: conn.RemoteAddr().String(),
		IO:         connio,
		BufferSize: this.settings.ClientBufferSize,
	})
	if err != nil {
		this.log.Warn("client setup failed", zap.Error(err))
		conn.Close()
		return
	}

	w, err := this.fleet.Assign(c)
	if err != nil {
		this.log.Warn("no worker available", zap.Error(err))
		conn.Close()
		return
	}

	mux, ok := w.Mux().(*worker.ChanMux)
	if !ok {
		this.log.Warn("worker multiplexer cannot accept external connections")
		conn.Close()
		return
	}

	connio.StartReader(c, conn, mux)
}

var upgrader = websocket.Upgrader{
	Subprotocols: []string{"mqtt"},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

// ServeWebsocket upgrades HTTP connections and pushes them through the
// same hand-off as TCP ones.
func (this *Acceptor) ServeWebsocket(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/mqtt", func(rw http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			this.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		this.handOff(newWebsocketConn(ws))
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	this.httpLn = ln

	this.log.Info("websocket listening", zap.String("addr", addr))

	err = http.Serve(ln, mux)
	if this.closed.Load() {
		return nil
	}
	return err
}

func (this *Acceptor) Close() error {
	this.closed.Store(true)

	if this.ln != nil {
		this.ln.Close()
	}
	if this.httpLn != nil {
		this.httpLn.Close()
	}

	return nil
}
