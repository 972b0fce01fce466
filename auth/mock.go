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

package auth

import "github.com/TrueBrain/FlashMQ/message"

func init() {
	Register("allowAll", allowAllPlugin{})
	Register("denyAll", denyAllPlugin{})
}

// NopThreadData is what the built-in plugins hand out as thread memory.
type NopThreadData struct{}

type allowAllPlugin struct{}

func (allowAllPlugin) Version() int { return PluginVersion }

func (allowAllPlugin) ThreadInit(opts map[string]string, log Logf) (interface{}, error) {
	return &NopThreadData{}, nil
}

func (allowAllPlugin) ThreadCleanup(threadData interface{}, opts map[string]string) error {
	return nil
}

func (allowAllPlugin) Init(threadData interface{}, opts map[string]string, reloading bool) error {
	return nil
}

func (allowAllPlugin) Deinit(threadData interface{}, opts map[string]string, reloading bool) error {
	return nil
}

func (allowAllPlugin) PeriodicEvent(threadData interface{}) {}

func (allowAllPlugin) LoginCheck(threadData interface{}, username, password string, userProperties []message.UserProperty) Result {
	return ResultSuccess
}

func (allowAllPlugin) AclCheck(threadData interface{}, access Access, clientId, username string, msg *message.PublishMessage) Result {
	return ResultSuccess
}

func (allowAllPlugin) ExtendedAuth(threadData interface{}, req *ExtendedAuthRequest) ExtendedAuthReply {
	return ExtendedAuthReply{Result: ResultAuthMethodNotSupported}
}

type denyAllPlugin struct{}

func (denyAllPlugin) Version() int { return PluginVersion }

func (denyAllPlugin) ThreadInit(opts map[string]string, log Logf) (interface{}, error) {
	return &NopThreadData{}, nil
}

func (denyAllPlugin) ThreadCleanup(threadData interface{}, opts map[string]string) error {
	return nil
}

func (denyAllPlugin) Init(threadData interface{}, opts map[string]string, reloading bool) error {
	return nil
}

func (denyAllPlugin) Deinit(threadData interface{}, opts map[string]string, reloading bool) error {
	return nil
}

func (denyAllPlugin) PeriodicEvent(threadData interface{}) {}

func (denyAllPlugin) LoginCheck(threadData interface{}, username, password string, userProperties []message.UserProperty) Result {
	return ResultLoginDenied
}

func (denyAllPlugin) AclCheck(threadData interface{}, access Access, clientId, username string, msg *message.PublishMessage) Result {
	return ResultAclDenied
}

func (denyAllPlugin) ExtendedAuth(threadData interface{}, req *ExtendedAuthRequest) ExtendedAuthReply {
	return ExtendedAuthReply{Result: ResultAuthMethodNotSupported}
}
