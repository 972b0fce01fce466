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

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := Default()

	require.Equal(t, ":1883", s.ListenAddr)
	require.Equal(t, runtime.NumCPU(), s.ThreadCount)
	require.Equal(t, "mem", s.SessionsProvider)
	require.Equal(t, "mem", s.TopicsProvider)
	require.Equal(t, 10*time.Second, s.StatsInterval)
	require.Equal(t, 60*time.Second, s.PluginTimerPeriod)
	require.EqualValues(t, 64*1024, s.ClientBufferSize)
}

func TestLoadYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flashmq.yaml")

	body := `
listen_addr: ":2883"
thread_count: 2
auth_plugin: allowAll
auth_opts:
  passwd_file: /etc/flashmq/passwd
auth_plugin_serialize_init: true
stats_interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":2883", s.ListenAddr)
	require.Equal(t, 2, s.ThreadCount)
	require.Equal(t, "allowAll", s.AuthPlugin)
	require.Equal(t, "/etc/flashmq/passwd", s.AuthOpts["passwd_file"])
	require.True(t, s.AuthPluginSerializeInit)
	require.Equal(t, 30*time.Second, s.StatsInterval)

	// Unset values still normalize.
	require.Equal(t, "mem", s.SessionsProvider)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/no/such/file.yaml")
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flashmq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":2883\"\n"), 0o644))

	t.Setenv("FLASHMQ_LISTEN_ADDR", ":3883")
	t.Setenv("FLASHMQ_THREAD_COUNT", "5")

	s, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":3883", s.ListenAddr, "environment beats the file")
	require.Equal(t, 5, s.ThreadCount)
}

func TestLoadNoFile(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":1883", s.ListenAddr)
}
