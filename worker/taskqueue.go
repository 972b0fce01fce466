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

import "sync"

// taskQueue is the sole cross-thread write channel into a worker: a
// mutex-protected list of closures, drained only on the owning loop.
// FIFO holds per producer; no ordering across producers.
type taskQueue struct {
	mu    sync.Mutex
	tasks []func()
}

func (this *taskQueue) post(f func()) {
	this.mu.Lock()
	this.tasks = append(this.tasks, f)
	this.mu.Unlock()
}

func (this *taskQueue) len() int {
	this.mu.Lock()
	defer this.mu.Unlock()
	return len(this.tasks)
}

// drain swaps the list out under the mutex and runs the closures without
// holding it. Tasks posted by a running closure land in the fresh list and
// run next iteration, bounding per-iteration work.
func (this *taskQueue) drain() int {
	this.mu.Lock()
	tasks := this.tasks
	this.tasks = nil
	this.mu.Unlock()

	for _, f := range tasks {
		f()
	}

	return len(tasks)
}
