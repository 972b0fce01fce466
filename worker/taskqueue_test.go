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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTaskQueueFIFO(t *testing.T) {
	var q taskQueue
	var got []int

	for i := 0; i < 100; i++ {
		i := i
		q.post(func() { got = append(got, i) })
	}

	require.Equal(t, 100, q.drain())

	for i, v := range got {
		require.Equal(t, i, v, "single-producer order must hold")
	}
}

func TestTaskQueueRepostRunsNextDrain(t *testing.T) {
	var q taskQueue
	ran := 0

	q.post(func() {
		ran++
		q.post(func() { ran++ })
	})

	require.Equal(t, 1, q.drain(), "the reposted task must not run in the same drain")
	require.Equal(t, 1, ran)

	require.Equal(t, 1, q.drain())
	require.Equal(t, 2, ran)
}

func TestTaskQueueConcurrentProducers(t *testing.T) {
	var q taskQueue
	var mu sync.Mutex
	perProducer := make(map[int][]int)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				i := i
				q.post(func() {
					mu.Lock()
					perProducer[p] = append(perProducer[p], i)
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()

	total := 0
	for q.len() > 0 {
		total += q.drain()
	}
	require.Equal(t, 8*200, total)

	// No global order across producers, but FIFO per producer.
	for p, seq := range perProducer {
		for i, v := range seq {
			require.Equal(t, i, v, "producer %d out of order", p)
		}
	}
}

func TestPostCoalescesWakeups(t *testing.T) {
	w := testCore(t, Options{})
	defer func() {
		w.QueueQuit()
		var wg sync.WaitGroup
		wg.Add(2)
		w.QueueSendWills(&wg)
		w.QueueSendDisconnects(&wg)
		wg.Wait()
		w.WaitForQuit()
	}()
	w.Start()

	// A tight burst of cross-thread posts: all of them must execute, and
	// the coalescing wakeup means the loop isn't pounded once per post.
	var mu sync.Mutex
	ran := 0

	for i := 0; i < 10000; i++ {
		w.Post(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 10000
	}, "all posted tasks must run")
}
