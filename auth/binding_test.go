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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TrueBrain/FlashMQ/message"
)

// recordingPlugin tracks lifecycle calls per thread-memory instance.
type recordingPlugin struct {
	mu sync.Mutex

	allocs   int
	cleanups int
	inits    []bool
	deinits  []bool

	version int

	loginResult Result
	panicLogin  bool
}

type recordingThreadData struct {
	id int
}

func (this *recordingPlugin) Version() int {
	if this.version != 0 {
		return this.version
	}
	return PluginVersion
}

func (this *recordingPlugin) ThreadInit(opts map[string]string, log Logf) (interface{}, error) {
	this.mu.Lock()
	defer this.mu.Unlock()

	this.allocs++
	return &recordingThreadData{id: this.allocs}, nil
}

func (this *recordingPlugin) ThreadCleanup(threadData interface{}, opts map[string]string) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	this.cleanups++
	return nil
}

func (this *recordingPlugin) Init(threadData interface{}, opts map[string]string, reloading bool) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	this.inits = append(this.inits, reloading)
	return nil
}

func (this *recordingPlugin) Deinit(threadData interface{}, opts map[string]string, reloading bool) error {
	this.mu.Lock()
	defer this.mu.Unlock()

	this.deinits = append(this.deinits, reloading)
	return nil
}

func (this *recordingPlugin) PeriodicEvent(threadData interface{}) {}

func (this *recordingPlugin) LoginCheck(threadData interface{}, username, password string, userProperties []message.UserProperty) Result {
	if this.panicLogin {
		panic("plugin blew up")
	}
	return this.loginResult
}

func (this *recordingPlugin) AclCheck(threadData interface{}, access Access, clientId, username string, msg *message.PublishMessage) Result {
	return ResultSuccess
}

func (this *recordingPlugin) ExtendedAuth(threadData interface{}, req *ExtendedAuthRequest) ExtendedAuthReply {
	if req.Stage == StageAuth {
		return ExtendedAuthReply{Result: ResultAuthContinue, ReturnData: []byte("challenge")}
	}
	return ExtendedAuthReply{Result: ResultSuccess, Username: "settled"}
}

func newTestBinding(t *testing.T, p Plugin, bopts BindingOptions) *Binding {
	t.Helper()

	name := "test-" + t.Name()
	Register(name, p)
	t.Cleanup(func() { Unregister(name) })

	b, err := NewBinding(name, map[string]string{"k": "v"}, bopts, zap.NewNop())
	require.NoError(t, err)
	return b
}

func TestBindingLifecyclePairing(t *testing.T) {
	p := &recordingPlugin{}
	b := newTestBinding(t, p, BindingOptions{})

	require.NoError(t, b.Start())
	require.Equal(t, 1, p.allocs)
	require.Equal(t, []bool{false}, p.inits)

	// Double start is refused; the allocator runs exactly once.
	require.Equal(t, ErrAlreadyBound, b.Start())
	require.Equal(t, 1, p.allocs)

	b.Stop()
	require.Equal(t, 1, p.cleanups)
	require.Equal(t, []bool{false}, p.deinits)

	// Stop is idempotent.
	b.Stop()
	require.Equal(t, 1, p.cleanups)
}

func TestBindingReloadKeepsThreadMemory(t *testing.T) {
	p := &recordingPlugin{}
	b := newTestBinding(t, p, BindingOptions{})

	require.NoError(t, b.Start())
	require.NoError(t, b.Reload(map[string]string{"k": "v2"}))

	require.Equal(t, 1, p.allocs, "reload must not re-allocate thread memory")
	require.Equal(t, []bool{false, true}, p.inits)
	require.Equal(t, []bool{true}, p.deinits)

	b.Stop()
	require.Equal(t, []bool{true, false}, p.deinits)
}

func TestBindingReloadBeforeStart(t *testing.T) {
	b := newTestBinding(t, &recordingPlugin{}, BindingOptions{})
	require.Equal(t, ErrNotBound, b.Reload(nil))
}

func TestBindingPanicBecomesError(t *testing.T) {
	p := &recordingPlugin{panicLogin: true}
	b := newTestBinding(t, p, BindingOptions{})
	require.NoError(t, b.Start())
	defer b.Stop()

	require.Equal(t, ResultError, b.LoginCheck("u", "p", nil))
}

func TestBindingIsolationAcrossWorkers(t *testing.T) {
	// Worker 1's plugin panics, worker 2's doesn't. Each worker has its
	// own binding and thread memory; the failure stays put.
	p1 := &recordingPlugin{panicLogin: true}
	p2 := &recordingPlugin{loginResult: ResultSuccess}

	b1 := newTestBinding(t, p1, BindingOptions{})
	require.NoError(t, b1.Start())
	defer b1.Stop()

	Register("test-other-"+t.Name(), p2)
	t.Cleanup(func() { Unregister("test-other-" + t.Name()) })
	b2, err := NewBinding("test-other-"+t.Name(), nil, BindingOptions{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, b2.Start())
	defer b2.Stop()

	var wg sync.WaitGroup
	results := make([]Result, 2)

	wg.Add(2)
	go func() { defer wg.Done(); results[0] = b1.LoginCheck("u", "p", nil) }()
	go func() { defer wg.Done(); results[1] = b2.LoginCheck("u", "p", nil) }()
	wg.Wait()

	require.Equal(t, ResultError, results[0])
	require.Equal(t, ResultSuccess, results[1])
}

func TestBindingSerializedChecks(t *testing.T) {
	p := &recordingPlugin{loginResult: ResultLoginDenied}
	b := newTestBinding(t, p, BindingOptions{SerializeAuthChecks: true})
	require.NoError(t, b.Start())
	defer b.Stop()

	// Serialized checks still return the plugin's verdict.
	require.Equal(t, ResultLoginDenied, b.LoginCheck("u", "p", nil))
}

func TestExtendedAuthHandshake(t *testing.T) {
	p := &recordingPlugin{}
	b := newTestBinding(t, p, BindingOptions{})
	require.NoError(t, b.Start())
	defer b.Stop()

	reply := b.ExtendedAuth(&ExtendedAuthRequest{ClientId: "c", Stage: StageAuth, Method: "SCRAM"})
	require.Equal(t, ResultAuthContinue, reply.Result)
	require.Equal(t, []byte("challenge"), reply.ReturnData)

	reply = b.ExtendedAuth(&ExtendedAuthRequest{ClientId: "c", Stage: StageContinue, Method: "SCRAM"})
	require.Equal(t, ResultSuccess, reply.Result)
	require.Equal(t, "settled", reply.Username)
}

func TestVersionMismatchRefused(t *testing.T) {
	p := &recordingPlugin{version: 99}

	name := "test-ver-" + t.Name()
	Register(name, p)
	t.Cleanup(func() { Unregister(name) })

	_, err := NewBinding(name, nil, BindingOptions{}, zap.NewNop())
	require.True(t, errors.Is(err, ErrVersionMismatch))
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("no-such-plugin")
	require.True(t, errors.Is(err, ErrPluginNotFound))
}

func TestResultValuesAreStable(t *testing.T) {
	// Wire-compatible contract values. Do not renumber.
	require.Equal(t, 0, int(ResultSuccess))
	require.Equal(t, 10, int(ResultAuthMethodNotSupported))
	require.Equal(t, 11, int(ResultLoginDenied))
	require.Equal(t, 12, int(ResultAclDenied))
	require.Equal(t, 13, int(ResultError))
	require.Equal(t, -4, int(ResultAuthContinue))

	require.Equal(t, 1, int(AccessRead))
	require.Equal(t, 2, int(AccessWrite))
	require.Equal(t, 4, int(AccessSubscribe))
}
