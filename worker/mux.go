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

// Package worker contains the per-worker event loop and its client
// lifecycle management: the multiplexer, the task queue, the keep-alive
// scheduler, the removal queue, the stats publisher and the will
// orchestration that together make up one broker worker, plus the Fleet
// that runs N of them.
package worker

import (
	"errors"
	"time"
)

var (
	ErrRegistrationFailed = errors.New("worker: handle registration failed")
	ErrDuplicateHandle    = errors.New("worker: handle already registered")
	ErrMuxClosed          = errors.New("worker: multiplexer closed")
)

// Handle identifies a registered connection within one worker's
// multiplexer. On linux it is the file descriptor.
type Handle int

// Interest is the readiness a handle is registered for.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Event is one readiness notification out of a Wait call.
type Event struct {
	Handle   Handle
	Readable bool
	Writable bool
	Error    bool
}

// Multiplexer is the readiness primitive a worker loop blocks on. Register,
// Modify, Deregister and Wait are loop-thread only. Wake is safe from any
// goroutine and coalesces: any number of signals between two Waits produces
// at most one extra wakeup.
type Multiplexer interface {
	Register(h Handle, interest Interest) error
	Modify(h Handle, interest Interest) error
	Deregister(h Handle) error

	// Wait blocks until a registered handle is ready, the timeout expires,
	// or Wake is called. A zero or negative timeout means wait forever.
	Wait(timeout time.Duration) ([]Event, error)

	Wake() error
	Close() error
}
