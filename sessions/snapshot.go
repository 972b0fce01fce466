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

package sessions

import (
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/TrueBrain/FlashMQ/message"
)

// sessionRecord is the serialized form of a session: only the persistable
// state, nothing about a live connection.
type sessionRecord struct {
	Id             string
	Username       string
	Clean          bool
	ExpirySeconds  int64
	Subscriptions  map[string]byte
	Pending        []pendingRecord
	PacketId       uint16
	DisconnectedAt int64
}

type pendingRecord struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

func (this *Session) record() *sessionRecord {
	this.mu.Lock()
	defer this.mu.Unlock()

	r := &sessionRecord{
		Id:            this.id,
		Username:      this.username,
		Clean:         this.clean,
		ExpirySeconds: int64(this.expiry / time.Second),
		Subscriptions: make(map[string]byte, len(this.subscriptions)),
		PacketId:      this.pktid,
	}

	for k, v := range this.subscriptions {
		r.Subscriptions[k] = v
	}

	for i := int64(0); i < this.pending.count; i++ {
		msg := this.pending.ring[(this.pending.head+i)&this.pending.mask]
		r.Pending = append(r.Pending, pendingRecord{
			Topic:   msg.Topic,
			Payload: msg.Payload,
			QoS:     msg.QoS,
			Retain:  msg.Retain,
		})
	}

	if !this.disconnectedAt.IsZero() {
		r.DisconnectedAt = this.disconnectedAt.UnixNano()
	}

	return r
}

func sessionFromRecord(r *sessionRecord) *Session {
	sess := newSession(r.Id)
	sess.username = r.Username
	sess.clean = r.Clean
	sess.expiry = time.Duration(r.ExpirySeconds) * time.Second
	sess.pktid = r.PacketId

	for k, v := range r.Subscriptions {
		sess.subscriptions[k] = v
	}

	for _, p := range r.Pending {
		sess.pending.push(&message.PublishMessage{
			Topic:   p.Topic,
			Payload: p.Payload,
			QoS:     p.QoS,
			Retain:  p.Retain,
		})
	}

	if r.DisconnectedAt != 0 {
		sess.connected = false
		sess.disconnectedAt = time.Unix(0, r.DisconnectedAt)
	} else {
		// A snapshot only exists across a restart; whatever was connected
		// then isn't anymore.
		sess.connected = false
		sess.disconnectedAt = time.Now()
	}

	return sess
}

// Snapshotter persists sessions into a Badger database. It is the optional
// external persistence: the broker itself stays in-memory, the snapshotter
// writes at shutdown (or on demand) and loads at boot.
type Snapshotter struct {
	db *badger.DB
}

func NewSnapshotter(dir string) (*Snapshotter, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Snapshotter{db: db}, nil
}

// Save writes every non-clean session. Clean sessions die with the
// connection, so persisting them would only resurrect garbage.
func (this *Snapshotter) Save(p Provider) error {
	return this.db.Update(func(txn *badger.Txn) error {
		for _, sess := range p.All() {
			if sess.Clean() {
				continue
			}

			buf, err := msgpack.Marshal(sess.record())
			if err != nil {
				return err
			}

			if err := txn.Set([]byte("session/"+sess.Id()), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load restores all snapshotted sessions into the in-memory provider's
// store, given directly or behind a Manager. Other providers keep nothing
// from the snapshot; the returned count still includes every decoded record.
func (this *Snapshotter) Load(p Provider) (int, error) {
	n := 0

	err := this.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("session/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var r sessionRecord
				if err := msgpack.Unmarshal(val, &r); err != nil {
					return err
				}

				sess := sessionFromRecord(&r)

				if err := restoreSession(p, sess); err != nil {
					return err
				}

				n++
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})

	return n, err
}

func (this *Snapshotter) Close() error {
	return this.db.Close()
}

// restoreSession places a restored session into the provider.
func restoreSession(p Provider, sess *Session) error {
	if m, ok := p.(*Manager); ok {
		p = m.p
	}

	mem, ok := p.(*memProvider)
	if !ok {
		// Foreign providers (redis) persist on their own; a snapshot
		// restore into them is not supported.
		return nil
	}

	mem.mu.Lock()
	mem.st[sess.Id()] = sess
	mem.mu.Unlock()

	return nil
}
