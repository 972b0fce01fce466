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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TrueBrain/FlashMQ/config"
	"github.com/TrueBrain/FlashMQ/message"
)

func stopCore(w *ThreadCore) {
	w.QueueQuit()

	var wg sync.WaitGroup
	wg.Add(2)
	w.QueueSendWills(&wg)
	w.QueueSendDisconnects(&wg)
	wg.Wait()

	w.WaitForQuit()
}

func TestGiveClientAndLookup(t *testing.T) {
	w := testCore(t, Options{})

	fio := &fakeIO{}
	c := testClient(t, 5, "c1", fio)

	require.NoError(t, w.GiveClient(c))
	require.Equal(t, 1, w.Count())
	require.Equal(t, c, w.Get(5))
	require.Equal(t, c, w.GetByClientId("c1"))
	require.EqualValues(t, 1, w.Counters().MqttConnects.Value())

	// Every registered handle must be known to the multiplexer: a
	// second registration for it fails there.
	require.Error(t, w.Mux().Register(5, InterestRead))
}

func TestGiveClientDuplicateHandle(t *testing.T) {
	w := testCore(t, Options{})

	c1 := testClient(t, 5, "c1", &fakeIO{})
	c2 := testClient(t, 5, "c2", &fakeIO{})

	require.NoError(t, w.GiveClient(c1))
	require.Equal(t, ErrDuplicateHandle, w.GiveClient(c2))

	// The live entry wins; the refused client is not indexed.
	require.Equal(t, c1, w.Get(5))
	require.Nil(t, w.GetByClientId("c2"))
	require.Equal(t, 1, w.Count())
}

func TestRemoveIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	w := testCore(t, Options{Store: store})

	fio := &fakeIO{will: &message.WillMessage{Topic: "will/t", Payload: []byte("gone")}}
	c := testClient(t, 5, "c1", fio)
	require.NoError(t, w.GiveClient(c))

	w.removeClient(c)
	w.removeClient(c)

	require.Equal(t, 0, w.Count())
	require.EqualValues(t, 1, w.Counters().Disconnects.Value())
	require.Equal(t, []string{"will/t"}, store.topics(), "the will publishes exactly once")

	// The handle is free again.
	require.NoError(t, w.Mux().Register(5, InterestRead))
}

func TestDisconnectTwiceQueuesOnce(t *testing.T) {
	w := testCore(t, Options{})

	c := testClient(t, 5, "c1", &fakeIO{})
	require.NoError(t, w.GiveClient(c))

	w.Disconnect(c, message.ReasonKeepAliveTimeout)
	w.Disconnect(c, message.ReasonNormalDisconnection)

	require.Equal(t, message.ReasonKeepAliveTimeout, c.DisconnectReason(), "first reason sticks")

	w.drainRemovals()
	require.Equal(t, 0, w.Count())
	require.EqualValues(t, 1, w.Counters().Disconnects.Value())
}

func TestKeepAliveTimeoutDisconnectsAndPublishesWill(t *testing.T) {
	clock := &fakeClock{}
	store := &fakeStore{}
	w := testCore(t, Options{Store: store, Now: clock.Now})
	w.Start()
	defer stopCore(w)

	fio := &fakeIO{will: &message.WillMessage{Topic: "will/t", Payload: []byte("gone")}}
	c, err := NewClient(ClientConfig{
		Handle:    Handle(9),
		IO:        fio,
		ClientId:  "lazy",
		KeepAlive: 10,
	})
	require.NoError(t, err)
	c.Touch(clock.Now())

	w.QueueGiveClient(c)
	eventually(t, func() bool { return w.Count() == 1 }, "client not accepted")

	// Quiet for more than 1.5x keep-alive.
	clock.Advance(16 * time.Second)
	w.Post(func() {})

	eventually(t, func() bool { return w.Count() == 0 }, "client not disconnected after 1.5x keep-alive")
	require.Equal(t, message.ReasonKeepAliveTimeout, c.DisconnectReason())
	require.Equal(t, []string{"will/t"}, store.topics())
	require.EqualValues(t, 1, w.Counters().Disconnects.Value())
}

func TestKeepAliveZeroNeverExpires(t *testing.T) {
	clock := &fakeClock{}
	w := testCore(t, Options{Now: clock.Now})
	w.Start()
	defer stopCore(w)

	c := testClient(t, 9, "forever", &fakeIO{})
	w.QueueGiveClient(c)
	eventually(t, func() bool { return w.Count() == 1 }, "client not accepted")

	clock.Advance(24 * time.Hour)
	w.Post(func() {})

	// Give the loop a couple of iterations to (not) act.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, w.Count())
}

func TestActivityPreventsKeepAliveTimeout(t *testing.T) {
	clock := &fakeClock{}
	w := testCore(t, Options{Now: clock.Now})
	w.Start()
	defer stopCore(w)

	c, err := NewClient(ClientConfig{
		Handle:    Handle(9),
		IO:        &fakeIO{},
		ClientId:  "chatty",
		KeepAlive: 10,
	})
	require.NoError(t, err)
	c.Touch(clock.Now())

	w.QueueGiveClient(c)
	eventually(t, func() bool { return w.Count() == 1 }, "client not accepted")

	// Keep touching before each bucket fires; the lazy check re-arms.
	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		c.Touch(clock.Now())
		w.Post(func() {})
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, 1, w.Count())
}

func TestReloadLastWriteWins(t *testing.T) {
	w := testCore(t, Options{})
	w.Start()
	defer stopCore(w)

	s1 := config.Default()
	s1.StatsInterval = 11 * time.Second
	s2 := config.Default()
	s2.StatsInterval = 22 * time.Second

	// Both posted before the loop can drain: the later one must stick.
	w.QueueReload(s1)
	w.QueueReload(s2)

	eventually(t, func() bool {
		return w.Settings().StatsInterval == 22*time.Second
	}, "second reload must win")
}

func TestPerClientIOErrorDoesNotKillLoop(t *testing.T) {
	w := testCore(t, Options{})
	w.Start()
	defer stopCore(w)

	// The failure only arms after admission, so the initial read step at
	// registration doesn't trip it.
	var armed atomic.Bool
	bad := &fakeIO{onReadable: func(c *Client) IOResult {
		if !armed.Load() {
			return IOResult{Status: IOIdle}
		}
		return IOResult{Status: IODisconnect, Reason: message.ReasonMalformedPacket}
	}}
	c := testClient(t, 3, "bad", bad)
	good := testClient(t, 4, "good", &fakeIO{})

	w.QueueGiveClient(c)
	w.QueueGiveClient(good)
	eventually(t, func() bool { return w.Count() == 2 }, "clients not accepted")

	armed.Store(true)
	mux := w.Mux().(*ChanMux)
	mux.Post(Event{Handle: 3, Readable: true})

	eventually(t, func() bool { return w.Count() == 1 }, "bad client must be removed")
	require.False(t, w.Finished(), "a per-client failure never exits the loop")
	require.Equal(t, good, w.Get(4))
}

func TestFinishConnectIndexesAndArmsKeepAlive(t *testing.T) {
	clock := &fakeClock{}
	w := testCore(t, Options{Now: clock.Now})

	c := testClient(t, 6, "", &fakeIO{})
	require.NoError(t, w.GiveClient(c))
	require.Nil(t, w.GetByClientId("settled"))

	w.FinishConnect(c, ConnectInfo{
		ClientId:  "settled",
		Username:  "user",
		Proto:     message.ProtocolV5,
		KeepAlive: 10,
	})

	require.Equal(t, c, w.GetByClientId("settled"))
	require.Equal(t, uint16(10), c.KeepAlive())

	next, ok := w.keepAlive.next()
	require.True(t, ok)
	want := keepAliveDeadline(clock.Now(), 10)
	wantKey := want.Unix()
	if want.Truncate(time.Second).Before(want) {
		wantKey++ // buckets round a fractional deadline up
	}
	require.Equal(t, wantKey, next.Unix())
}

func TestQuitBarriers(t *testing.T) {
	store := &fakeStore{}
	w := testCore(t, Options{Store: store})
	w.Start()

	fio := &fakeIO{will: &message.WillMessage{Topic: "will/quit", Payload: []byte("bye")}}
	c := testClient(t, 8, "c1", fio)
	w.QueueGiveClient(c)
	eventually(t, func() bool { return w.Count() == 1 }, "client not accepted")

	w.QueueQuit()

	var wills sync.WaitGroup
	wills.Add(1)
	w.QueueSendWills(&wills)
	wills.Wait()

	require.True(t, w.AllWillsQueued())
	require.False(t, w.Finished(), "loop must outlive the first barrier")
	require.Equal(t, []string{"will/quit"}, store.topics())

	var disc sync.WaitGroup
	disc.Add(1)
	w.QueueSendDisconnects(&disc)
	disc.Wait()

	require.True(t, w.AllDisconnectsSent())
	require.Equal(t, []message.ReasonCode{message.ReasonServerShuttingDown}, fio.disconnectReasons())

	w.WaitForQuit()
	require.True(t, w.Finished())
	require.Equal(t, 0, w.Count())

	// The will queued in the first barrier must not publish again in the
	// second.
	require.Equal(t, []string{"will/quit"}, store.topics())
}
