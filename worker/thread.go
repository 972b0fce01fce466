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

package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/TrueBrain/FlashMQ/auth"
	"github.com/TrueBrain/FlashMQ/commons"
	"github.com/TrueBrain/FlashMQ/config"
	"github.com/TrueBrain/FlashMQ/message"
	"github.com/TrueBrain/FlashMQ/sessions"
)

// The loop never sleeps longer than this, so external state changes are
// picked up within a bounded interval even with no timers armed.
const maxLoopWait = time.Second

// SubscriptionStore is the routing path. Publish is synchronous from the
// caller's point of view; delivery to clients on peer workers happens via
// tasks inside the store.
type SubscriptionStore interface {
	Publish(msg *message.PublishMessage) error
}

// SessionReaper is the slice of the session store the worker core drives:
// expiration. Everything else about sessions belongs to the store.
type SessionReaper interface {
	RemoveExpired(now time.Time) int
}

// Counters are the per-worker monotonic counters. They are safe to read
// from any goroutine; the stats lead sums them across workers.
type Counters struct {
	ReceivedMessages commons.Counter
	SentMessages     commons.Counter
	MqttConnects     commons.Counter
	Disconnects      commons.Counter
}

type queuedWill struct {
	will *message.WillMessage
	due  time.Time
}

// Options configures one ThreadCore.
type Options struct {
	WorkerId int
	Mux      Multiplexer
	Log      *zap.Logger
	Settings *config.Settings
	Store    SubscriptionStore
	Sessions SessionReaper

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// ThreadCore is one worker: an event loop owning a set of clients, a task
// queue for cross-thread injection, the keep-alive scheduler, the removal
// queue and the worker's plugin binding. A client is pinned to its
// ThreadCore for its entire connected lifetime.
type ThreadCore struct {
	workerId int
	mux      Multiplexer
	log      *zap.Logger
	store    SubscriptionStore
	reaper   SessionReaper

	settings atomic.Pointer[config.Settings]

	registry  *clientRegistry
	tasks     taskQueue
	keepAlive *keepAliveScheduler

	removalMu sync.Mutex
	removals  []*Client

	// Delayed wills (v5 will delay). Loop-local.
	queuedWills []queuedWill

	binding *auth.Binding

	counters Counters

	stats *StatsPublisher

	running            atomic.Bool
	allWillsQueued     atomic.Bool
	allDisconnectsSent atomic.Bool
	finished           atomic.Bool

	now  func() time.Time
	done chan struct{}

	nextPluginPeriodic time.Time
	nextSessionSweep   time.Time
	nextStatsTick      time.Time
}

func NewThreadCore(opts Options) (*ThreadCore, error) {
	s := opts.Settings
	if s == nil {
		s = config.Default()
	}

	log := opts.Log
	if log == nil {
		log = commons.Log
	}
	log = log.With(zap.Int("worker", opts.WorkerId))

	mux := opts.Mux
	if mux == nil {
		mux = NewChanMux()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	this := &ThreadCore{
		workerId:  opts.WorkerId,
		mux:       mux,
		log:       log,
		store:     opts.Store,
		reaper:    opts.Sessions,
		registry:  newClientRegistry(),
		keepAlive: newKeepAliveScheduler(),
		now:       now,
		done:      make(chan struct{}),
	}
	this.settings.Store(s)
	this.running.Store(true)

	if s.AuthPlugin != "" {
		b, err := auth.NewBinding(s.AuthPlugin, s.AuthOpts, auth.BindingOptions{
			SerializeInit:       s.AuthPluginSerializeInit,
			SerializeAuthChecks: s.AuthPluginSerializeAuthChecks,
		}, log)
		if err != nil {
			return nil, err
		}
		this.binding = b
	}

	return this, nil
}

func (this *ThreadCore) WorkerId() int       { return this.workerId }
func (this *ThreadCore) Counters() *Counters { return &this.counters }
func (this *ThreadCore) Mux() Multiplexer    { return this.mux }

// Auth exposes the worker's plugin binding to the connection layer so
// login/ACL/extended-auth checks run on the owning worker.
func (this *ThreadCore) Auth() *auth.Binding { return this.binding }

// Settings returns the worker's local settings copy. It is replaced
// atomically by a reload task at the next loop iteration.
func (this *ThreadCore) Settings() *config.Settings {
	return this.settings.Load()
}

// Count is the number of clients currently owned by this worker. Safe from
// any goroutine.
func (this *ThreadCore) Count() int {
	return this.registry.count()
}

// Get looks a client up by handle. Safe from any goroutine.
func (this *ThreadCore) Get(h Handle) *Client {
	return this.registry.get(h)
}

// GetByClientId supports session takeover lookups across the fleet.
func (this *ThreadCore) GetByClientId(id string) *Client {
	return this.registry.getByClientId(id)
}

// Post enqueues a closure for the next loop iteration and wakes the loop.
// Safe from any goroutine; FIFO per posting goroutine.
func (this *ThreadCore) Post(f func()) {
	if this.finished.Load() {
		f()
		return
	}

	this.tasks.post(f)
	if err := this.mux.Wake(); err != nil {
		this.log.Error("wakeup handle lost", zap.Error(err))
		commons.Unhealthy.Store(true)
	}
}

// Start runs the loop in its own goroutine.
func (this *ThreadCore) Start() {
	go this.run()
}

// WaitForQuit blocks until the loop has fully exited.
func (this *ThreadCore) WaitForQuit() {
	<-this.done
}

// Finished reports whether the loop has exited.
func (this *ThreadCore) Finished() bool {
	return this.finished.Load()
}

func (this *ThreadCore) run() {
	defer func() {
		if this.binding != nil {
			this.binding.Stop()
		}
		this.finished.Store(true)
		// Run whatever made it into the queue before the flag flipped, so
		// shutdown barriers posted against a dying worker still resolve.
		this.tasks.drain()
		close(this.done)
	}()

	if this.binding != nil {
		if err := this.binding.Start(); err != nil {
			this.log.Error("auth plugin start failed", zap.Error(err))
			commons.Unhealthy.Store(true)
			return
		}
	}

	this.armPeriodicTimers(this.now())

	for {
		evs, err := this.mux.Wait(this.nextTimeout(this.now()))
		if err != nil {
			// Multiplexer failure is fatal for the worker, never for the
			// process's other workers.
			this.log.Error("multiplexer failure", zap.Error(err))
			commons.Unhealthy.Store(true)
			return
		}

		// Tasks first: they may register clients that should be visible
		// within this same iteration.
		this.tasks.drain()

		// Reads before writes, for fairness under load.
		for _, ev := range evs {
			if ev.Readable || ev.Error {
				this.handleReadable(ev)
			}
		}
		for _, ev := range evs {
			if ev.Writable {
				this.handleWritable(ev)
			}
		}

		this.fireTimers(this.now())

		this.drainRemovals()

		if !this.running.Load() && this.allWillsQueued.Load() && this.allDisconnectsSent.Load() {
			return
		}
	}
}

func (this *ThreadCore) armPeriodicTimers(now time.Time) {
	s := this.Settings()

	if s.PluginTimerPeriod > 0 {
		this.nextPluginPeriodic = now.Add(s.PluginTimerPeriod)
	}
	if s.SessionExpirySweepInterval > 0 {
		this.nextSessionSweep = now.Add(s.SessionExpirySweepInterval)
	}
	if s.StatsInterval > 0 {
		this.nextStatsTick = now.Add(s.StatsInterval)
	}
}

// nextTimeout computes the multiplexer wait: time to the nearest timer,
// capped at one second.
func (this *ThreadCore) nextTimeout(now time.Time) time.Duration {
	next := now.Add(maxLoopWait)

	if t, ok := this.keepAlive.next(); ok && t.Before(next) {
		next = t
	}
	if !this.nextPluginPeriodic.IsZero() && this.nextPluginPeriodic.Before(next) {
		next = this.nextPluginPeriodic
	}
	if !this.nextSessionSweep.IsZero() && this.nextSessionSweep.Before(next) {
		next = this.nextSessionSweep
	}
	if !this.nextStatsTick.IsZero() && this.nextStatsTick.Before(next) {
		next = this.nextStatsTick
	}
	for _, qw := range this.queuedWills {
		if qw.due.Before(next) {
			next = qw.due
		}
	}

	d := next.Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (this *ThreadCore) handleReadable(ev Event) {
	c := this.registry.get(ev.Handle)
	if c == nil || c.disconnected {
		return
	}

	if ev.Error {
		this.Disconnect(c, message.ReasonUnspecifiedError)
		return
	}

	res := c.io.OnReadable(c)
	this.applyIOResult(c, res)
}

func (this *ThreadCore) handleWritable(ev Event) {
	c := this.registry.get(ev.Handle)
	if c == nil || c.disconnected {
		return
	}

	res := c.io.OnWritable(c)

	if res.Status == IOIdle && c.writeArmed {
		// Write buffer drained; stop asking for write readiness.
		c.writeArmed = false
		if err := this.mux.Modify(c.handle, InterestRead); err != nil {
			this.Disconnect(c, message.ReasonUnspecifiedError)
		}
		return
	}

	this.applyIOResult(c, res)
}

func (this *ThreadCore) applyIOResult(c *Client, res IOResult) {
	switch res.Status {
	case IONeedsWrite:
		this.armWrite(c)

	case IODisconnect:
		this.Disconnect(c, res.Reason)
	}
}

func (this *ThreadCore) armWrite(c *Client) {
	if c.writeArmed || c.disconnected {
		return
	}

	c.writeArmed = true
	if err := this.mux.Modify(c.handle, InterestRead|InterestWrite); err != nil {
		this.log.Warn("modify interest failed",
			zap.Int("handle", int(c.handle)), zap.Error(err))
		this.Disconnect(c, message.ReasonUnspecifiedError)
	}
}

func (this *ThreadCore) fireTimers(now time.Time) {
	this.keepAlive.fire(now,
		func(c *Client) bool {
			return !c.disconnected && this.registry.contains(c)
		},
		func(c *Client) {
			this.log.Info("keep alive timeout",
				zap.String("clientid", c.clientId),
				zap.Uint16("keepalive", c.keepAlive))
			this.Disconnect(c, message.ReasonKeepAliveTimeout)
		})

	this.sendQueuedWills(now)

	s := this.Settings()

	if !this.nextPluginPeriodic.IsZero() && !now.Before(this.nextPluginPeriodic) {
		if this.binding != nil {
			this.binding.PeriodicEvent()
		}
		this.nextPluginPeriodic = now.Add(s.PluginTimerPeriod)
	}

	if !this.nextSessionSweep.IsZero() && !now.Before(this.nextSessionSweep) {
		if this.reaper != nil {
			if n := this.reaper.RemoveExpired(now); n > 0 {
				this.log.Info("expired sessions removed", zap.Int("count", n))
			}
		}
		this.nextSessionSweep = now.Add(s.SessionExpirySweepInterval)
	}

	if !this.nextStatsTick.IsZero() && !now.Before(this.nextStatsTick) {
		if this.stats != nil {
			this.stats.publishOnTick(this, now)
		}
		this.nextStatsTick = now.Add(s.StatsInterval)
	}
}

// GiveClient inserts a client into this worker. It must run on the loop;
// the acceptor posts it via QueueGiveClient. The registration order keeps
// the two invariant sets (registry entries, multiplexer handles) equal
// except inside this call and inside removeClient.
func (this *ThreadCore) GiveClient(c *Client) error {
	c.owner = this

	if err := this.registry.insert(c); err != nil {
		// Re-registering a live handle is refused, never silently
		// replaced; the later task's client loses.
		this.log.Warn("duplicate handle refused", zap.Int("handle", int(c.handle)))
		this.closeConn(c)
		return err
	}

	if err := this.mux.Register(c.handle, InterestRead); err != nil {
		this.registry.remove(c)
		this.closeConn(c)
		this.log.Warn("registration failed", zap.Int("handle", int(c.handle)), zap.Error(err))
		return ErrRegistrationFailed
	}

	if c.keepAlive > 0 {
		this.keepAlive.add(c, keepAliveDeadline(this.now(), c.keepAlive), true)
		c.kaArmed = true
	}

	this.counters.MqttConnects.Inc()

	this.log.Debug("client accepted",
		zap.Int("handle", int(c.handle)),
		zap.String("clientid", c.clientId),
		zap.String("remote", c.remoteAddr))

	// The connection was live before this handle had any registered
	// interest, so readiness edges posted in that window were dropped.
	// Step once now; bytes already sitting in the input ring must not
	// wait for the next edge that may never come.
	this.handleReadable(Event{Handle: c.handle, Readable: true})

	return nil
}

// QueueGiveClient is the acceptor-facing entry: posts the insertion as a
// task and wakes the worker.
func (this *ThreadCore) QueueGiveClient(c *Client) {
	this.Post(func() {
		this.GiveClient(c)
	})
}

// ConnectInfo is what the codec learned from a CONNECT packet.
type ConnectInfo struct {
	ClientId  string
	Username  string
	Proto     message.ProtocolVersion
	KeepAlive uint16
	Will      *message.WillMessage
	Session   *sessions.Session
}

// FinishConnect settles a client's identity once the codec has parsed its
// CONNECT. Runs on the owning loop. The keep-alive check is armed here at
// the latest; a client keeps at most one active check either way.
func (this *ThreadCore) FinishConnect(c *Client, info ConnectInfo) {
	old := c.clientId

	c.clientId = info.ClientId
	c.username = info.Username
	c.proto = info.Proto
	c.keepAlive = info.KeepAlive
	if info.Will != nil {
		c.will = info.Will
	}
	if info.Session != nil {
		c.sess = info.Session
		c.sess.MarkConnected()
	}

	this.registry.reindexClientId(c, old)

	if !c.kaArmed && c.keepAlive > 0 {
		this.keepAlive.add(c, keepAliveDeadline(this.now(), c.keepAlive), true)
		c.kaArmed = true
	}
}

// Disconnect marks the client as going away and defers the teardown to the
// removal queue, so the client is never destroyed while the loop may still
// hold readiness events or iterators referring to it.
func (this *ThreadCore) Disconnect(c *Client, reason message.ReasonCode) {
	if c.disconnected {
		return
	}

	c.disconnected = true
	c.disconnectReason = reason

	if !reason.Graceful() {
		this.log.Info("client disconnecting",
			zap.String("clientid", c.clientId),
			zap.String("reason", reason.String()))
	}

	this.QueueRemoval(c)
}

// QueueRemoval puts a client on the removal queue. Safe from any
// goroutine; draining an already-removed client is a no-op.
func (this *ThreadCore) QueueRemoval(c *Client) {
	this.removalMu.Lock()
	this.removals = append(this.removals, c)
	this.removalMu.Unlock()

	this.mux.Wake()
}

// QueueRemovalByHandle is the handle-keyed variant for callers that never
// held the client itself.
func (this *ThreadCore) QueueRemovalByHandle(h Handle) {
	if c := this.registry.get(h); c != nil {
		this.QueueRemoval(c)
	}
}

func (this *ThreadCore) drainRemovals() {
	this.removalMu.Lock()
	removals := this.removals
	this.removals = nil
	this.removalMu.Unlock()

	for _, c := range removals {
		this.removeClient(c)
	}
}

// removeClient finishes a client: out of the registry, out of the
// multiplexer, will published if one is pending, connection closed.
// Idempotent.
func (this *ThreadCore) removeClient(c *Client) {
	if !this.registry.remove(c) {
		return
	}

	if err := this.mux.Deregister(c.handle); err != nil {
		this.log.Warn("deregister failed", zap.Int("handle", int(c.handle)), zap.Error(err))
	}

	this.publishWill(c, false)
	this.closeConn(c)

	this.counters.Disconnects.Inc()

	if c.sess != nil {
		c.sess.MarkDisconnected(this.now())
	}
}

func (this *ThreadCore) closeConn(c *Client) {
	c.closed.Store(true)
	if c.conn != nil {
		c.conn.Close()
	}
}

// publishWill routes the client's will, once. ACL-checked like any other
// publish. Outside shutdown, a v5 will delay defers it to the loop's
// queued-wills timer.
func (this *ThreadCore) publishWill(c *Client, shutdown bool) {
	will := c.io.PendingWill(c)
	if will == nil || c.willQueued {
		return
	}
	c.willQueued = true

	if this.binding != nil {
		r := this.binding.AclCheck(auth.AccessWrite, c.clientId, c.username, will.ToPublish())
		if r != auth.ResultSuccess {
			this.log.Info("will denied by acl",
				zap.String("clientid", c.clientId), zap.String("topic", will.Topic))
			return
		}
	}

	if !shutdown && will.DelaySeconds > 0 {
		this.queuedWills = append(this.queuedWills, queuedWill{
			will: will,
			due:  this.now().Add(time.Duration(will.DelaySeconds) * time.Second),
		})
		return
	}

	this.routePublish(will.ToPublish())
}

func (this *ThreadCore) sendQueuedWills(now time.Time) {
	if len(this.queuedWills) == 0 {
		return
	}

	remaining := this.queuedWills[:0]
	for _, qw := range this.queuedWills {
		if now.Before(qw.due) {
			remaining = append(remaining, qw)
			continue
		}
		this.routePublish(qw.will.ToPublish())
	}
	this.queuedWills = remaining
}

func (this *ThreadCore) routePublish(msg *message.PublishMessage) {
	if this.store == nil {
		return
	}

	if err := this.store.Publish(msg); err != nil {
		this.log.Warn("publish failed", zap.String("topic", msg.Topic), zap.Error(err))
	}
}

// deliverLocal writes a routed message to a client owned by this worker.
// Runs on the loop (posted by Client.Deliver).
func (this *ThreadCore) deliverLocal(c *Client, msg *message.PublishMessage) {
	if c.disconnected || !this.registry.contains(c) {
		return
	}

	// ACL on deliver ("read" access), on the worker that owns the
	// receiving client.
	if this.binding != nil {
		if r := this.binding.AclCheck(auth.AccessRead, c.clientId, c.username, msg); r != auth.ResultSuccess {
			return
		}
	}

	res := c.io.DeliverPublish(c, msg)
	this.counters.SentMessages.Inc()
	this.applyIOResult(c, res)
}

// QueueReload applies new settings at the next loop iteration. Last write
// wins when several reloads arrive before the drain.
func (this *ThreadCore) QueueReload(s *config.Settings) {
	this.Post(func() {
		this.settings.Store(s)

		if this.binding != nil {
			if err := this.binding.Reload(s.AuthOpts); err != nil {
				this.log.Error("plugin reload failed", zap.Error(err))
			}
		}

		this.armPeriodicTimers(this.now())

		this.log.Info("settings reloaded")
	})
}

// QueueAuthOptsReload re-pushes auth options to the plugin without a full
// settings reload (password-file style refresh).
func (this *ThreadCore) QueueAuthOptsReload(opts map[string]string) {
	this.Post(func() {
		if this.binding == nil {
			return
		}
		if err := this.binding.Reload(opts); err != nil {
			this.log.Error("auth opts reload failed", zap.Error(err))
		}
	})
}

// QueueQuit begins shutdown: the worker stops prolonging its life but its
// loop keeps running until the will and disconnect barriers complete.
func (this *ThreadCore) QueueQuit() {
	this.Post(func() {
		this.running.Store(false)
	})
}

// Running reports whether the worker is accepting new work. The acceptor
// checks it as worker health.
func (this *ThreadCore) Running() bool {
	return this.running.Load()
}

// QueueSendWills queues every owned client's will to the routing path and
// then latches the first shutdown barrier.
func (this *ThreadCore) QueueSendWills(wg *sync.WaitGroup) {
	this.Post(func() {
		for _, c := range this.registry.snapshot() {
			this.publishWill(c, true)
		}
		this.allWillsQueued.Store(true)
		wg.Done()
	})
}

// QueueSendDisconnects sends protocol DISCONNECTs to every still-connected
// client, closes them, and latches the second shutdown barrier.
func (this *ThreadCore) QueueSendDisconnects(wg *sync.WaitGroup) {
	this.Post(func() {
		for _, c := range this.registry.snapshot() {
			c.io.SendDisconnect(c, &message.DisconnectMessage{Reason: message.ReasonServerShuttingDown})
			c.disconnected = true
			c.disconnectReason = message.ReasonServerShuttingDown
			this.removeClient(c)
		}
		this.allDisconnectsSent.Store(true)
		wg.Done()
	})
}

// AllWillsQueued reports the first shutdown barrier.
func (this *ThreadCore) AllWillsQueued() bool {
	return this.allWillsQueued.Load()
}

// AllDisconnectsSent reports the second shutdown barrier.
func (this *ThreadCore) AllDisconnectsSent() bool {
	return this.allDisconnectsSent.Load()
}
