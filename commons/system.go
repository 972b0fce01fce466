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
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// Unhealthy is set when a worker hits a fatal error (multiplexer failure,
// lost wakeup handle). Health checks and the exit code read it.
var Unhealthy atomic.Bool

// CaptureSignals runs stop() once when SIGTERM/SIGINT arrives or ctx is
// cancelled. SIGHUP runs reload() and keeps listening.
func CaptureSignals(ctx context.Context, reload func(), stop func()) {
	sigs := make(chan os.Signal, 10)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if sig == syscall.SIGHUP {
					Log.Info("caught SIGHUP, reloading")
					if reload != nil {
						reload()
					}
					continue
				}

				Log.Info("caught signal, shutting down", zap.Any("signal", sig))

			case <-ctx.Done():
				Log.Info("context cancelled, shutting down")
			}

			if stop != nil {
				stop()
			}

			Log.Sync()
			return
		}
	}()
}

// ExitCode returns the process exit code reflecting worker health.
func ExitCode() int {
	if Unhealthy.Load() {
		return 1
	}
	return 0
}
