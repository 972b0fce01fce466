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
	"sync"
	"time"
)

const chanMuxBacklog = 4096

// ChanMux is a channel-backed Multiplexer. Readiness is produced by the
// per-connection reader goroutines (and by tests) through Post. It is the
// portable implementation; on linux the epoll multiplexer is preferred for
// plain TCP listeners.
type ChanMux struct {
	mu        sync.Mutex
	interests map[Handle]Interest
	closed    bool

	ready chan Event

	// Capacity 1 gives the coalescing wakeup-handle semantics: any number
	// of Wake calls between two Waits produce one wakeup.
	wake chan struct{}
}

func NewChanMux() *ChanMux {
	return &ChanMux{
		interests: make(map[Handle]Interest),
		ready:     make(chan Event, chanMuxBacklog),
		wake:      make(chan struct{}, 1),
	}
}

func (this *ChanMux) Register(h Handle, interest Interest) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	if this.closed {
		return ErrMuxClosed
	}

	if _, dup := this.interests[h]; dup {
		return ErrDuplicateHandle
	}

	this.interests[h] = interest
	return nil
}

func (this *ChanMux) Modify(h Handle, interest Interest) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	if this.closed {
		return ErrMuxClosed
	}

	if _, ok := this.interests[h]; !ok {
		return ErrRegistrationFailed
	}

	this.interests[h] = interest
	return nil
}

func (this *ChanMux) Deregister(h Handle) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	delete(this.interests, h)
	return nil
}

// Post injects a readiness event. Producers outside the loop (reader
// goroutines, tests) call this; events for handles whose interest doesn't
// match are filtered at Wait time, mirroring how a kernel multiplexer only
// reports requested readiness.
func (this *ChanMux) Post(ev Event) {
	select {
	case this.ready <- ev:
	default:
		// Backlog full. The handle stays ready at the source, so dropping
		// the edge is safe as long as we force another wakeup.
		this.Wake()
	}
}

func (this *ChanMux) Wake() error {
	select {
	case this.wake <- struct{}{}:
	default:
	}
	return nil
}

func (this *ChanMux) Wait(timeout time.Duration) ([]Event, error) {
	this.mu.Lock()
	if this.closed {
		this.mu.Unlock()
		return nil, ErrMuxClosed
	}
	this.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var first *Event

	select {
	case ev := <-this.ready:
		first = &ev
	case <-this.wake:
	case <-timer:
		return nil, nil
	}

	var evs []Event
	if first != nil {
		if ev, ok := this.filter(*first); ok {
			evs = append(evs, ev)
		}
	}

	// Gather whatever else is already pending without blocking again.
	for {
		select {
		case ev := <-this.ready:
			if ev, ok := this.filter(ev); ok {
				evs = append(evs, ev)
			}
		case <-this.wake:
		default:
			return evs, nil
		}
	}
}

func (this *ChanMux) filter(ev Event) (Event, bool) {
	this.mu.Lock()
	interest, ok := this.interests[ev.Handle]
	this.mu.Unlock()

	if !ok {
		return Event{}, false
	}

	ev.Readable = ev.Readable && interest&InterestRead != 0
	ev.Writable = ev.Writable && interest&InterestWrite != 0

	if !ev.Readable && !ev.Writable && !ev.Error {
		return Event{}, false
	}

	return ev, true
}

func (this *ChanMux) Close() error {
	this.mu.Lock()
	defer this.mu.Unlock()

	this.closed = true
	return nil
}
