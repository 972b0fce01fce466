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

import (
	"sync"

	"go.uber.org/zap"

	"github.com/TrueBrain/FlashMQ/message"
)

// Process-wide mutexes backing the two serialization modes. They are shared
// across all workers on purpose: the modes exist for plugins whose init or
// check code is not thread-safe.
var (
	serializeInitMu  sync.Mutex
	serializeCheckMu sync.Mutex
)

// BindingOptions select the serialization modes from the config.
type BindingOptions struct {
	// SerializeInit holds a process-wide mutex across Init/Deinit.
	SerializeInit bool

	// SerializeAuthChecks holds a process-wide mutex across every login
	// and ACL call. Negates the multi-core model; last resort.
	SerializeAuthChecks bool
}

// Binding is one worker's handle on the plugin. It owns the plugin's
// per-thread memory and guarantees the alloc/init/deinit/cleanup pairing:
// ThreadInit exactly once before the first Init, ThreadCleanup exactly once
// after the last Deinit, matched even when the worker dies on a fatal error.
//
// A Binding is not safe for concurrent use; it lives on its worker's loop.
type Binding struct {
	plugin Plugin
	opts   map[string]string
	bopts  BindingOptions
	log    *zap.Logger

	threadData  interface{}
	allocated   bool
	initialized bool
}

// NewBinding resolves the named plugin. No plugin memory is touched yet;
// the worker calls Start from its own goroutine so thread-affine plugins
// see the right caller.
func NewBinding(pluginName string, opts map[string]string, bopts BindingOptions, log *zap.Logger) (*Binding, error) {
	p, err := Lookup(pluginName)
	if err != nil {
		return nil, err
	}

	return &Binding{
		plugin: p,
		opts:   opts,
		bopts:  bopts,
		log:    log,
	}, nil
}

// Start allocates the plugin's thread memory and runs Init(reloading=false).
func (this *Binding) Start() error {
	if this.allocated {
		return ErrAlreadyBound
	}

	td, err := this.plugin.ThreadInit(this.opts, this.logf)
	if err != nil {
		return err
	}

	this.threadData = td
	this.allocated = true

	return this.init(false)
}

// Stop runs Deinit(reloading=false) and releases the thread memory. Safe to
// call on a binding that never started; the worker calls it from a defer so
// the pairing holds on fatal loop exit too.
func (this *Binding) Stop() {
	if !this.allocated {
		return
	}

	if this.initialized {
		if err := this.deinit(false); err != nil {
			this.log.Error("plugin deinit failed", zap.Error(err))
		}
	}

	if err := this.plugin.ThreadCleanup(this.threadData, this.opts); err != nil {
		this.log.Error("plugin thread cleanup failed", zap.Error(err))
	}

	this.threadData = nil
	this.allocated = false
}

// Reload runs Deinit(true) then Init(true) with fresh options, without
// touching the thread memory.
func (this *Binding) Reload(opts map[string]string) error {
	if !this.allocated {
		return ErrNotBound
	}

	if err := this.deinit(true); err != nil {
		return err
	}

	this.opts = opts

	return this.init(true)
}

func (this *Binding) init(reloading bool) error {
	if this.bopts.SerializeInit {
		serializeInitMu.Lock()
		defer serializeInitMu.Unlock()
	}

	if err := this.plugin.Init(this.threadData, this.opts, reloading); err != nil {
		return err
	}

	this.initialized = true
	return nil
}

func (this *Binding) deinit(reloading bool) error {
	if this.bopts.SerializeInit {
		serializeInitMu.Lock()
		defer serializeInitMu.Unlock()
	}

	this.initialized = false
	return this.plugin.Deinit(this.threadData, this.opts, reloading)
}

// PeriodicEvent runs the plugin's periodic hook. Panics are logged and
// swallowed; a misbehaving plugin must not take the loop down.
func (this *Binding) PeriodicEvent() {
	defer this.recoverCheck("periodic event", nil)
	this.plugin.PeriodicEvent(this.threadData)
}

// LoginCheck authenticates a connecting client. A panicking or erroring
// plugin yields ResultError, which callers treat as denied.
func (this *Binding) LoginCheck(username, password string, userProperties []message.UserProperty) (result Result) {
	if this.bopts.SerializeAuthChecks {
		serializeCheckMu.Lock()
		defer serializeCheckMu.Unlock()
	}

	defer this.recoverCheck("login check", &result)

	return this.plugin.LoginCheck(this.threadData, username, password, userProperties)
}

// AclCheck authorizes a publish, deliver or subscribe.
func (this *Binding) AclCheck(access Access, clientId, username string, msg *message.PublishMessage) (result Result) {
	if this.bopts.SerializeAuthChecks {
		serializeCheckMu.Lock()
		defer serializeCheckMu.Unlock()
	}

	defer this.recoverCheck("acl check", &result)

	return this.plugin.AclCheck(this.threadData, access, clientId, username, msg)
}

// ExtendedAuth drives one step of the MQTT 5 AUTH handshake. ResultAuthContinue
// is only valid from here.
func (this *Binding) ExtendedAuth(req *ExtendedAuthRequest) (reply ExtendedAuthReply) {
	defer func() {
		if r := recover(); r != nil {
			this.log.Error("plugin panicked", zap.String("call", "extended auth"), zap.Any("panic", r))
			reply = ExtendedAuthReply{Result: ResultError}
		}
	}()

	return this.plugin.ExtendedAuth(this.threadData, req)
}

func (this *Binding) recoverCheck(call string, result *Result) {
	if r := recover(); r != nil {
		this.log.Error("plugin panicked", zap.String("call", call), zap.Any("panic", r))
		if result != nil {
			*result = ResultError
		}
	}
}

func (this *Binding) logf(level int, format string, args ...interface{}) {
	switch level {
	case LogErr:
		this.log.Sugar().Errorf(format, args...)
	case LogWarning:
		this.log.Sugar().Warnf(format, args...)
	case LogDebug:
		this.log.Sugar().Debugf(format, args...)
	default:
		this.log.Sugar().Infof(format, args...)
	}
}
