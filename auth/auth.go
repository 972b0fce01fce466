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
	"errors"
	"fmt"
)

var (
	ErrPluginNotFound    = errors.New("auth: plugin not found")
	ErrVersionMismatch   = errors.New("auth: plugin version mismatch")
	ErrAlreadyBound      = errors.New("auth: thread memory already allocated")
	ErrNotBound          = errors.New("auth: thread memory not allocated")

	providers = make(map[string]Plugin)
)

// Register makes a plugin available by the provided name. If Register is
// called twice with the same name or if the plugin is nil, it panics.
func Register(name string, plugin Plugin) {
	if plugin == nil {
		panic("auth: Register plugin is nil")
	}

	if _, dup := providers[name]; dup {
		panic("auth: Register called twice for plugin " + name)
	}

	providers[name] = plugin
}

func Unregister(name string) {
	delete(providers, name)
}

// Lookup resolves a registered plugin and checks its contract version.
func Lookup(name string) (Plugin, error) {
	p, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPluginNotFound, name)
	}

	if v := p.Version(); v != PluginVersion {
		return nil, fmt.Errorf("%w: plugin %q has version %d, want %d", ErrVersionMismatch, name, v, PluginVersion)
	}

	return p, nil
}
