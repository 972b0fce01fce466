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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TrueBrain/FlashMQ/message"
)

func TestSessionTopics(t *testing.T) {
	sess := newSession("c1")

	sess.AddTopic("a/b", 1)
	sess.AddTopic("a/b", 2)
	sess.AddTopic("c/#", 0)

	topics := sess.Topics()
	require.Len(t, topics, 2)
	require.Equal(t, byte(2), topics["a/b"], "re-adding updates the QoS")

	sess.RemoveTopic("a/b")
	require.Len(t, sess.Topics(), 1)
}

func TestPacketIdSkipsZero(t *testing.T) {
	sess := newSession("c1")

	require.Equal(t, uint16(1), sess.NextPacketId())

	sess.pktid = 0xFFFF
	require.Equal(t, uint16(1), sess.NextPacketId(), "wraps past zero")
}

func TestPendingQueueOrder(t *testing.T) {
	sess := newSession("c1")

	for i := 0; i < 40; i++ {
		sess.QueuePending(&message.PublishMessage{Topic: fmt.Sprintf("t/%d", i)})
	}
	require.Equal(t, 40, sess.PendingCount())

	out := sess.DrainPending()
	require.Len(t, out, 40)
	for i, msg := range out {
		require.Equal(t, fmt.Sprintf("t/%d", i), msg.Topic)
	}

	require.Equal(t, 0, sess.PendingCount())
}

func TestPendingQueueDropsOldestAtCap(t *testing.T) {
	q := newPendingQueue(16)

	for i := 0; i < maxPendingSize+10; i++ {
		q.push(&message.PublishMessage{Topic: fmt.Sprintf("t/%d", i)})
	}

	require.Equal(t, maxPendingSize, q.len())

	out := q.popAll()
	require.Equal(t, "t/10", out[0].Topic, "the oldest entries fall off")
	require.Equal(t, fmt.Sprintf("t/%d", maxPendingSize+9), out[len(out)-1].Topic)
}

func TestSessionExpiry(t *testing.T) {
	now := time.Unix(1000, 0)

	sess := newSession("c1")
	sess.SetExpiry(60 * time.Second)

	require.False(t, sess.ExpiredAt(now), "connected sessions never expire")

	sess.MarkDisconnected(now)
	require.False(t, sess.ExpiredAt(now.Add(59*time.Second)))
	require.True(t, sess.ExpiredAt(now.Add(61*time.Second)))

	sess.MarkConnected()
	require.False(t, sess.ExpiredAt(now.Add(time.Hour)))
}

func TestCleanSessionExpiresImmediately(t *testing.T) {
	now := time.Unix(1000, 0)

	sess := newSession("c1")
	sess.SetClean(true)
	sess.MarkDisconnected(now)

	require.True(t, sess.ExpiredAt(now))
}

func TestZeroExpiryPersists(t *testing.T) {
	now := time.Unix(1000, 0)

	sess := newSession("c1")
	sess.MarkDisconnected(now)

	require.False(t, sess.ExpiredAt(now.Add(1000*time.Hour)))
}

func TestMemProviderLifecycle(t *testing.T) {
	p := NewMemProvider()

	sess, err := p.New("c1")
	require.NoError(t, err)
	require.Equal(t, "c1", sess.Id())
	require.Equal(t, 1, p.Count())

	got, err := p.Get("c1")
	require.NoError(t, err)
	require.Same(t, sess, got)

	_, err = p.Get("missing")
	require.Error(t, err)

	p.Del("c1")
	require.Equal(t, 0, p.Count())
}

func TestMemProviderRemoveExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	p := NewMemProvider()

	keep, err := p.New("keep")
	require.NoError(t, err)
	keep.SetExpiry(time.Hour)
	keep.MarkDisconnected(now)

	gone, err := p.New("gone")
	require.NoError(t, err)
	gone.SetExpiry(time.Second)
	gone.MarkDisconnected(now)

	require.Equal(t, 1, p.RemoveExpired(now.Add(time.Minute)))
	require.Equal(t, 1, p.Count())

	_, err = p.Get("keep")
	require.NoError(t, err)
	_, err = p.Get("gone")
	require.Error(t, err)
}

func TestManagerGeneratesIds(t *testing.T) {
	name := "mem-" + t.Name()
	Register(name, NewMemProvider())
	t.Cleanup(func() { Unregister(name) })

	mgr, err := NewManager(name)
	require.NoError(t, err)

	s1, err := mgr.New("")
	require.NoError(t, err)
	s2, err := mgr.New("")
	require.NoError(t, err)

	require.NotEmpty(t, s1.Id())
	require.NotEqual(t, s1.Id(), s2.Id())
}
