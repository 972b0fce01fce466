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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TrueBrain/FlashMQ/message"
)

func TestSnapshotSaveLoad(t *testing.T) {
	dir := t.TempDir()

	src := NewMemProvider()

	sess, err := src.New("persist-me")
	require.NoError(t, err)
	sess.SetUsername("alice")
	sess.SetExpiry(time.Hour)
	sess.AddTopic("a/#", 1)
	sess.QueuePending(&message.PublishMessage{Topic: "q/1", Payload: []byte("one"), QoS: 1})
	sess.NextPacketId()
	sess.MarkDisconnected(time.Now())

	clean, err := src.New("ephemeral")
	require.NoError(t, err)
	clean.SetClean(true)

	snap, err := NewSnapshotter(dir)
	require.NoError(t, err)
	require.NoError(t, snap.Save(src))
	require.NoError(t, snap.Close())

	snap, err = NewSnapshotter(dir)
	require.NoError(t, err)
	defer snap.Close()

	dst := NewMemProvider()
	n, err := snap.Load(dst)
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the durable session comes back")

	got, err := dst.Get("persist-me")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username())
	require.Equal(t, time.Hour, got.Expiry())
	require.Equal(t, byte(1), got.Topics()["a/#"])

	pending := got.DrainPending()
	require.Len(t, pending, 1)
	require.Equal(t, "q/1", pending[0].Topic)
	require.Equal(t, []byte("one"), pending[0].Payload)

	// The packet-id counter continues, no reuse of live ids.
	require.Equal(t, uint16(2), got.NextPacketId())

	_, err = dst.Get("ephemeral")
	require.Error(t, err)
}
