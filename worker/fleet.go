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
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/TrueBrain/FlashMQ/commons"
	"github.com/TrueBrain/FlashMQ/config"
	"github.com/TrueBrain/FlashMQ/message"
)

var ErrNoLiveWorker = errors.New("worker: no live worker to assign to")

// Fleet is the fixed set of workers started at boot. There is no resizing
// after startup; a dead worker's share of new connections shifts to the
// survivors.
type Fleet struct {
	workers []*ThreadCore
	log     *zap.Logger

	next atomic.Uint32
}

// FleetOptions configures NewFleet. MuxFactory defaults to the platform
// multiplexer: epoll on linux, channels elsewhere. Tests that inject
// readiness pass a ChanMux factory explicitly.
type FleetOptions struct {
	Settings   *config.Settings
	Store      SubscriptionStore
	Sessions   SessionReaper
	Log        *zap.Logger
	MuxFactory func() (Multiplexer, error)
}

func NewFleet(opts FleetOptions) (*Fleet, error) {
	s := opts.Settings
	if s == nil {
		s = config.Default()
	}

	log := opts.Log
	if log == nil {
		log = commons.Log
	}

	this := &Fleet{log: log}

	factory := opts.MuxFactory
	if factory == nil {
		factory = NewPlatformMux
	}

	for i := 0; i < s.ThreadCount; i++ {
		mux, err := factory()
		if err != nil {
			return nil, err
		}

		w, err := NewThreadCore(Options{
			WorkerId: i,
			Mux:      mux,
			Log:      log,
			Settings: s,
			Store:    opts.Store,
			Sessions: opts.Sessions,
		})
		if err != nil {
			return nil, err
		}

		this.workers = append(this.workers, w)
	}

	stats := NewStatsPublisher(this.workers, opts.Store)
	for _, w := range this.workers {
		w.stats = stats
	}

	return this, nil
}

func (this *Fleet) Workers() []*ThreadCore {
	return this.workers
}

func (this *Fleet) Start() {
	for _, w := range this.workers {
		w.Start()
	}
}

// Assign hands an accepted connection to a worker, round-robin over the
// live ones. The insertion is a posted task; the acceptor never touches a
// foreign worker's clients directly.
func (this *Fleet) Assign(c *Client) (*ThreadCore, error) {
	for range this.workers {
		i := int(this.next.Add(1)) % len(this.workers)
		w := this.workers[i]

		if !w.Running() || w.Finished() {
			continue
		}

		w.QueueGiveClient(c)
		return w, nil
	}

	return nil, ErrNoLiveWorker
}

// Takeover disconnects whichever live client currently holds the given
// client-id, via a task on its owning worker. The new connection's worker
// calls this before inserting its own client.
func (this *Fleet) Takeover(clientId string, except *Client) {
	for _, w := range this.workers {
		old := w.GetByClientId(clientId)
		if old == nil || old == except {
			continue
		}

		owner := w
		owner.Post(func() {
			if cur := owner.GetByClientId(clientId); cur != nil && cur != except {
				// Session moves with the id; the evicted client keeps no
				// claim on it, and its will is suppressed.
				cur.ClearWill()
				cur.io.SendDisconnect(cur, &message.DisconnectMessage{Reason: message.ReasonSessionTakenOver})
				owner.Disconnect(cur, message.ReasonSessionTakenOver)
			}
		})
	}
}

// QueueReload fans new settings out to every worker. Each applies them
// atomically at its next loop iteration.
func (this *Fleet) QueueReload(s *config.Settings) {
	for _, w := range this.workers {
		w.QueueReload(s)
	}
}

// QueueAuthOptsReload fans a password-file style refresh out to every
// worker's plugin binding.
func (this *Fleet) QueueAuthOptsReload(opts map[string]string) {
	for _, w := range this.workers {
		w.QueueAuthOptsReload(opts)
	}
}

// Stop is the graceful shutdown: quit all workers, then the two fleet-wide
// barriers. Wills are queued on every worker before any worker sends a
// single DISCONNECT, so a will reaches subscribers that are themselves
// about to be disconnected.
func (this *Fleet) Stop() {
	for _, w := range this.workers {
		w.QueueQuit()
	}

	var wills sync.WaitGroup
	wills.Add(len(this.workers))
	for _, w := range this.workers {
		w.QueueSendWills(&wills)
	}
	wills.Wait()

	var disconnects sync.WaitGroup
	disconnects.Add(len(this.workers))
	for _, w := range this.workers {
		w.QueueSendDisconnects(&disconnects)
	}
	disconnects.Wait()

	for _, w := range this.workers {
		w.WaitForQuit()
	}

	this.log.Info("all workers stopped")
}

// WaitAll blocks until every worker loop has exited.
func (this *Fleet) WaitAll() {
	for _, w := range this.workers {
		w.WaitForQuit()
	}
}

// Count sums the client count across workers.
func (this *Fleet) Count() int {
	total := 0
	for _, w := range this.workers {
		total += w.Count()
	}
	return total
}
