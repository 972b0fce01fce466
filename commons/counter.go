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

package commons

import (
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing event counter. The hot path only
// does an atomic add; any thread may read the value. Rate derivation keeps
// its bookkeeping in the counter itself, unsynchronized, so Derive is for
// one goroutine at a time.
type Counter struct {
	value atomic.Uint64

	// Only touched from Derive, which runs on one goroutine.
	prevValue uint64
	prevTime  time.Time
}

func (this *Counter) Inc() {
	this.value.Add(1)
}

func (this *Counter) Add(n uint64) {
	this.value.Add(n)
}

// Value is safe from any goroutine.
func (this *Counter) Value() uint64 {
	return this.value.Load()
}

// Derive returns events per second since the previous Derive call and
// advances the sample point. The first call returns 0.
func (this *Counter) Derive(now time.Time) float64 {
	cur := this.value.Load()

	defer func() {
		this.prevValue = cur
		this.prevTime = now
	}()

	if this.prevTime.IsZero() {
		return 0
	}

	elapsed := now.Sub(this.prevTime).Seconds()
	if elapsed <= 0 {
		return 0
	}

	return float64(cur-this.prevValue) / elapsed
}
