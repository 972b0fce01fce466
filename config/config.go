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

// Package config holds the broker settings. A Settings value is immutable
// once handed to the workers; a reload builds a fresh value and fans it
// out, each worker swapping its local copy at the next loop iteration.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	// ListenAddr is the plain TCP listener, e.g. ":1883".
	ListenAddr string `yaml:"listen_addr" env:"FLASHMQ_LISTEN_ADDR"`

	// WebsocketListenAddr serves MQTT over websockets, e.g. ":8080".
	// Empty disables it.
	WebsocketListenAddr string `yaml:"websocket_listen_addr" env:"FLASHMQ_WS_LISTEN_ADDR"`

	// ThreadCount is the number of workers. Zero means one per CPU.
	// Fixed at startup; reloads ignore it.
	ThreadCount int `yaml:"thread_count" env:"FLASHMQ_THREAD_COUNT"`

	SessionsProvider string `yaml:"sessions_provider" env:"FLASHMQ_SESSIONS_PROVIDER"`
	TopicsProvider   string `yaml:"topics_provider" env:"FLASHMQ_TOPICS_PROVIDER"`

	// SnapshotDir enables the Badger session snapshotter when non-empty.
	SnapshotDir string `yaml:"snapshot_dir" env:"FLASHMQ_SNAPSHOT_DIR"`

	// RedisAddr switches the sessions provider to Redis when non-empty.
	RedisAddr string `yaml:"redis_addr" env:"FLASHMQ_REDIS_ADDR"`

	// AuthPlugin selects the registered auth plugin. Empty runs without
	// authentication.
	AuthPlugin string            `yaml:"auth_plugin" env:"FLASHMQ_AUTH_PLUGIN"`
	AuthOpts   map[string]string `yaml:"auth_opts"`

	AuthPluginSerializeInit       bool `yaml:"auth_plugin_serialize_init" env:"FLASHMQ_AUTH_PLUGIN_SERIALIZE_INIT"`
	AuthPluginSerializeAuthChecks bool `yaml:"auth_plugin_serialize_auth_checks" env:"FLASHMQ_AUTH_PLUGIN_SERIALIZE_AUTH_CHECKS"`

	// PluginTimerPeriod is the interval of the plugin's periodic event.
	PluginTimerPeriod time.Duration `yaml:"auth_plugin_timer_period" env:"FLASHMQ_AUTH_PLUGIN_TIMER_PERIOD"`

	// StatsInterval is how often the $SYS counters get published.
	StatsInterval time.Duration `yaml:"stats_interval" env:"FLASHMQ_STATS_INTERVAL"`

	// SessionExpirySweepInterval is how often each worker reaps expired
	// sessions.
	SessionExpirySweepInterval time.Duration `yaml:"session_expiry_sweep_interval" env:"FLASHMQ_SESSION_EXPIRY_SWEEP_INTERVAL"`

	// ClientBufferSize is the per-direction ring buffer size per client.
	// Must be a power of two.
	ClientBufferSize int64 `yaml:"client_buffer_size" env:"FLASHMQ_CLIENT_BUFFER_SIZE"`
}

// Default returns the settings the broker runs with when no file and no
// environment say otherwise.
func Default() *Settings {
	s := &Settings{}
	s.normalize()
	return s
}

func (this *Settings) normalize() {
	if this.ListenAddr == "" {
		this.ListenAddr = ":1883"
	}
	if this.ThreadCount <= 0 {
		this.ThreadCount = runtime.NumCPU()
	}
	if this.SessionsProvider == "" {
		this.SessionsProvider = "mem"
	}
	if this.TopicsProvider == "" {
		this.TopicsProvider = "mem"
	}
	if this.PluginTimerPeriod <= 0 {
		this.PluginTimerPeriod = 60 * time.Second
	}
	if this.StatsInterval <= 0 {
		this.StatsInterval = 10 * time.Second
	}
	if this.SessionExpirySweepInterval <= 0 {
		this.SessionExpirySweepInterval = 30 * time.Second
	}
	if this.ClientBufferSize <= 0 {
		this.ClientBufferSize = 64 * 1024
	}
}

// Load reads the YAML file (optional), applies environment overrides, and
// normalizes. path may be empty.
func Load(path string) (*Settings, error) {
	s := &Settings{}

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}

		if err := yaml.Unmarshal(buf, s); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(s); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("config: environment: %w", err)
	}

	s.normalize()
	return s, nil
}
