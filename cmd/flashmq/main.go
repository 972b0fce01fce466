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

package main

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TrueBrain/FlashMQ/commons"
	"github.com/TrueBrain/FlashMQ/config"
	"github.com/TrueBrain/FlashMQ/listener"
	"github.com/TrueBrain/FlashMQ/sessions"
	"github.com/TrueBrain/FlashMQ/topics"
	"github.com/TrueBrain/FlashMQ/worker"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "flashmq",
		Short: "Multi-core MQTT broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	if err := root.Execute(); err != nil {
		commons.Log.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}

	os.Exit(commons.ExitCode())
}

func run() error {
	log := commons.Log

	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	topicsMgr, err := topics.NewManager(settings.TopicsProvider)
	if err != nil {
		return err
	}

	sessionsProvider := settings.SessionsProvider
	if settings.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
		sessions.Register("redis", sessions.NewRedisProvider(client, "flashmq"))
		sessionsProvider = "redis"
	}

	sessMgr, err := sessions.NewManager(sessionsProvider)
	if err != nil {
		return err
	}

	var snapshotter *sessions.Snapshotter
	if settings.SnapshotDir != "" {
		snapshotter, err = sessions.NewSnapshotter(settings.SnapshotDir)
		if err != nil {
			return err
		}

		// Providers persist through the snapshotter only across restarts;
		// load what the previous run left behind.
		if n, err := snapshotter.Load(providerOf(sessMgr)); err != nil {
			log.Warn("session snapshot load failed", zap.Error(err))
		} else if n > 0 {
			log.Info("sessions restored from snapshot", zap.Int("count", n))
		}
	}

	fleet, err := worker.NewFleet(worker.FleetOptions{
		Settings: settings,
		Store:    topicsMgr,
		Sessions: sessMgr,
		Log:      log,
	})
	if err != nil {
		return err
	}
	fleet.Start()

	acceptor := listener.NewAcceptor(fleet, frameCodec{}, settings, log)

	if settings.WebsocketListenAddr != "" {
		go func() {
			if err := acceptor.ServeWebsocket(settings.WebsocketListenAddr); err != nil {
				log.Error("websocket listener failed", zap.Error(err))
				commons.Unhealthy.Store(true)
			}
		}()
	}

	if configPath != "" {
		watcher, err := config.Watch(configPath, log, func(s *config.Settings) {
			fleet.QueueReload(s)
		})
		if err != nil {
			log.Warn("config watch unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	commons.CaptureSignals(ctx,
		func() {
			// SIGHUP: re-push auth options without a full file reload.
			fleet.QueueAuthOptsReload(fleet.Workers()[0].Settings().AuthOpts)
		},
		func() {
			acceptor.Close()
			fleet.Stop()

			if snapshotter != nil {
				if err := snapshotter.Save(providerOf(sessMgr)); err != nil {
					log.Warn("session snapshot save failed", zap.Error(err))
				}
				snapshotter.Close()
			}

			cancel()
		})

	if err := acceptor.ListenAndServe(settings.ListenAddr); err != nil {
		return err
	}

	fleet.WaitAll()

	return nil
}

// providerOf adapts the manager to the snapshotter, which wants the raw
// provider surface.
func providerOf(m *sessions.Manager) sessions.Provider {
	return m
}
