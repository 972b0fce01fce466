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
	"log"
	"os"

	"go.uber.org/zap"
)

var (
	SystemDebug bool
	Log         *zap.Logger
)

func init() {
	var err error

	if os.Getenv("FLASHMQ_DEBUG") == "1" {
		SystemDebug = true
	} else {
		SystemDebug = false
	}

	if !SystemDebug {
		Log, err = zap.NewProduction()
	} else {
		Log, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatal(err)
	}
}
