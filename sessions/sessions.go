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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProviderNotFound = errors.New("sessions: provider not found")
	ErrNotFound         = errors.New("sessions: no session for id")

	providers = make(map[string]Provider)
)

// Provider is a pluggable session store backend.
type Provider interface {
	New(id string) (*Session, error)
	Get(id string) (*Session, error)
	Del(id string)
	Save(id string) error
	All() []*Session
	Count() int

	// RemoveExpired reaps sessions whose expiry has passed. The worker
	// core calls this on its periodic sweep.
	RemoveExpired(now time.Time) int

	Close() error
}

// Register makes a session provider available by the provided name.
// Registering twice for one name, or a nil provider, panics.
func Register(name string, provider Provider) {
	if provider == nil {
		panic("sessions: Register provider is nil")
	}

	if _, dup := providers[name]; dup {
		panic("sessions: Register called twice for provider " + name)
	}

	providers[name] = provider
}

func Unregister(name string) {
	delete(providers, name)
}

// Manager fronts the chosen provider.
type Manager struct {
	p Provider
}

func NewManager(providerName string) (*Manager, error) {
	p, ok := providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, providerName)
	}

	return &Manager{p: p}, nil
}

// New creates a session. An empty id gets a generated one; the caller then
// treats the session as clean.
func (this *Manager) New(id string) (*Session, error) {
	if id == "" {
		id = "auto-" + uuid.NewString()
	}
	return this.p.New(id)
}

func (this *Manager) Get(id string) (*Session, error) {
	return this.p.Get(id)
}

func (this *Manager) Del(id string) {
	this.p.Del(id)
}

func (this *Manager) Save(id string) error {
	return this.p.Save(id)
}

func (this *Manager) All() []*Session {
	return this.p.All()
}

func (this *Manager) Count() int {
	return this.p.Count()
}

func (this *Manager) RemoveExpired(now time.Time) int {
	return this.p.RemoveExpired(now)
}

func (this *Manager) Close() error {
	return this.p.Close()
}
