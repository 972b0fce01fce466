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
	"bytes"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocketConn wraps a websocket.Conn to satisfy the net.Conn and
// io.ReadWriteCloser interfaces, so a websocket client flows through the
// exact same worker path as a TCP one.
type websocketConn struct {
	buf        *bytes.Buffer
	readMutex  sync.Mutex
	writeMutex sync.Mutex
	*websocket.Conn
}

func newWebsocketConn(ws *websocket.Conn) *websocketConn {
	return &websocketConn{
		buf:  bytes.NewBuffer(nil),
		Conn: ws,
	}
}

func (w *websocketConn) Read(p []byte) (n int, err error) {
	// If the buffer is empty, fill it from the socket
	if w.buf.Len() == 0 {
		w.readMutex.Lock()
		_, msg, err := w.ReadMessage()
		w.readMutex.Unlock()
		if err != nil {
			return 0, err
		}
		if _, err = w.buf.Write(msg); err != nil {
			return 0, err
		}
	}
	// Read bytes from the buffer
	return w.buf.Read(p)
}

func (w *websocketConn) Write(p []byte) (n int, err error) {
	w.writeMutex.Lock()
	err = w.WriteMessage(websocket.BinaryMessage, p)
	w.writeMutex.Unlock()
	return len(p), err
}

func (w *websocketConn) SetReadDeadline(t time.Time) (err error) {
	w.readMutex.Lock()
	err = w.Conn.SetReadDeadline(t)
	w.readMutex.Unlock()
	return err
}

func (w *websocketConn) SetWriteDeadline(t time.Time) (err error) {
	w.writeMutex.Lock()
	err = w.Conn.SetWriteDeadline(t)
	w.writeMutex.Unlock()
	return err
}

func (w *websocketConn) SetDeadline(t time.Time) error {
	if err := w.SetReadDeadline(t); err != nil {
		return err
	}
	return w.SetWriteDeadline(t)
}
