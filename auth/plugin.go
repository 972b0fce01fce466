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

// Package auth defines the authentication plugin contract and the per-worker
// binding that drives it. Each worker gets its own plugin thread memory;
// every login, ACL and extended-auth call runs on the worker that owns the
// client.
package auth

import "github.com/TrueBrain/FlashMQ/message"

// PluginVersion is the contract version. A plugin whose Version() differs
// is refused at startup.
const PluginVersion = 1

// Result values are a stable contract, compatible with Mosquitto's auth
// result numbers. Do not renumber.
type Result int

const (
	ResultSuccess                Result = 0
	ResultAuthMethodNotSupported Result = 10
	ResultLoginDenied            Result = 11
	ResultAclDenied              Result = 12
	ResultError                  Result = 13
	ResultAuthContinue           Result = -4
)

func (this Result) String() string {
	switch this {
	case ResultSuccess:
		return "success"
	case ResultAuthMethodNotSupported:
		return "auth method not supported"
	case ResultLoginDenied:
		return "login denied"
	case ResultAclDenied:
		return "acl denied"
	case ResultError:
		return "error"
	case ResultAuthContinue:
		return "auth continue"
	}

	return "unknown"
}

// Access is the kind of operation an ACL check covers. The numbers are
// compatible with Mosquitto's 'int access'.
type Access int

const (
	AccessNone      Access = 0
	AccessRead      Access = 1
	AccessWrite     Access = 2
	AccessSubscribe Access = 4
)

func (this Access) String() string {
	switch this {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessSubscribe:
		return "subscribe"
	}

	return "none"
}

// ExtendedAuthStage tells the plugin where in the MQTT 5 AUTH handshake a
// call sits.
type ExtendedAuthStage int

const (
	StageNone     ExtendedAuthStage = 0
	StageAuth     ExtendedAuthStage = 10
	StageReauth   ExtendedAuthStage = 20
	StageContinue ExtendedAuthStage = 30
)

// Plugin log levels, compatible with Mosquitto's.
const (
	LogNone        = 0x00
	LogInfo        = 0x01
	LogNotice      = 0x02
	LogWarning     = 0x04
	LogErr         = 0x08
	LogDebug       = 0x10
	LogSubscribe   = 0x20
	LogUnsubscribe = 0x40
)

// Logf is handed to plugins so they log through the broker's logger.
type Logf func(level int, format string, args ...interface{})

// ExtendedAuthRequest carries one step of an extended-auth handshake.
type ExtendedAuthRequest struct {
	ClientId       string
	Stage          ExtendedAuthStage
	Method         string
	Data           []byte
	UserProperties []message.UserProperty
}

// ExtendedAuthReply is what the plugin hands back. Username, if modified,
// applies to subsequent ACL checks and shows up in the logs.
type ExtendedAuthReply struct {
	Result     Result
	ReturnData []byte
	Username   string
}

// Plugin is the authentication plugin contract.
//
// ThreadInit and ThreadCleanup bracket a worker's use of the plugin and run
// exactly once per worker, even when the worker dies on a fatal error.
// Init/Deinit run on worker start/stop and again on every config reload,
// with reloading=true, without re-allocating thread memory. All other
// methods receive the opaque value ThreadInit returned.
//
// Plugins may panic; the binding converts a panic into ResultError for that
// single check. Plugins needing I/O beyond what a synchronous call affords
// are expected to spawn their own goroutines.
type Plugin interface {
	Version() int

	ThreadInit(opts map[string]string, log Logf) (interface{}, error)
	ThreadCleanup(threadData interface{}, opts map[string]string) error

	Init(threadData interface{}, opts map[string]string, reloading bool) error
	Deinit(threadData interface{}, opts map[string]string, reloading bool) error

	PeriodicEvent(threadData interface{})

	LoginCheck(threadData interface{}, username, password string, userProperties []message.UserProperty) Result
	AclCheck(threadData interface{}, access Access, clientId, username string, msg *message.PublishMessage) Result
	ExtendedAuth(threadData interface{}, req *ExtendedAuthRequest) ExtendedAuthReply
}
