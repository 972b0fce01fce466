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
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TrueBrain/FlashMQ/message"
	"github.com/TrueBrain/FlashMQ/topics"
)

// StatsPublisher publishes broker counters as retained $SYS messages.
// Every worker's stats timer fires; the tick counter designates one worker
// as lead per tick, which aggregates peer counters (plain atomic reads, no
// further synchronization) and enqueues the publishes.
type StatsPublisher struct {
	peers []*ThreadCore
	store SubscriptionStore

	tick atomic.Uint64

	// Fleet-wide rate derivation state. The lead rotates, so the sample
	// point is shared rather than per-worker.
	deriveMu     sync.Mutex
	prevReceived uint64
	prevTime     time.Time
}

func NewStatsPublisher(peers []*ThreadCore, store SubscriptionStore) *StatsPublisher {
	return &StatsPublisher{
		peers: peers,
		store: store,
	}
}

func (this *StatsPublisher) publishOnTick(w *ThreadCore, now time.Time) {
	if len(this.peers) == 0 {
		return
	}

	n := this.tick.Add(1)
	// Each run of len(peers) ticks is one round; the round number picks
	// the lead, so one worker per round publishes.
	lead := this.peers[int((n-1)/uint64(len(this.peers)))%len(this.peers)]
	if lead != w {
		return
	}

	var received, sent, connects uint64
	clients := 0

	for _, peer := range this.peers {
		c := peer.Counters()
		received += c.ReceivedMessages.Value()
		sent += c.SentMessages.Value()
		connects += c.MqttConnects.Value()
		clients += peer.Count()
	}

	this.publishStat(topics.SysClientsConnected, uint64(clients))
	this.publishStat(topics.SysMessagesReceived, received)
	this.publishStat(topics.SysMessagesSent, sent)
	this.publishStat(topics.SysConnectsTotal, connects)

	rate := this.deriveReceivedRate(received, now)
	this.publishStatPayload(topics.SysLoadReceivedPerSecond, strconv.FormatFloat(rate, 'f', 2, 64))
}

// deriveReceivedRate turns the aggregate received count into a per-second
// rate across the whole fleet, sampled at stats-tick boundaries. The first
// tick has no baseline and reports 0.
func (this *StatsPublisher) deriveReceivedRate(total uint64, now time.Time) float64 {
	this.deriveMu.Lock()
	defer this.deriveMu.Unlock()

	defer func() {
		this.prevReceived = total
		this.prevTime = now
	}()

	if this.prevTime.IsZero() {
		return 0
	}

	elapsed := now.Sub(this.prevTime).Seconds()
	if elapsed <= 0 {
		return 0
	}

	return float64(total-this.prevReceived) / elapsed
}

func (this *StatsPublisher) publishStat(topic string, n uint64) {
	this.publishStatPayload(topic, strconv.FormatUint(n, 10))
}

func (this *StatsPublisher) publishStatPayload(topic, payload string) {
	if this.store == nil {
		return
	}

	this.store.Publish(&message.PublishMessage{
		Topic:   topic,
		Payload: []byte(payload),
		Retain:  true,
	})
}
