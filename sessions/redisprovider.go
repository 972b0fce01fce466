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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

var _ Provider = (*redisProvider)(nil)

// redisProvider keeps live sessions in memory (a session in use must stay
// pointer-shared) and mirrors their persistable state into Redis on Save.
// Restarts and sibling brokers pick sessions up from there on Get. Redis
// TTLs expire stored keys; the local sweep drops expired sessions from
// memory and deletes their Redis keys.
//
// Register it once a client is configured:
//
//	sessions.Register("redis", sessions.NewRedisProvider(client, "flashmq"))
type redisProvider struct {
	client *redis.Client
	prefix string

	st map[string]*Session
	mu sync.RWMutex
}

func NewRedisProvider(client *redis.Client, prefix string) *redisProvider {
	if prefix == "" {
		prefix = "flashmq"
	}

	return &redisProvider{
		client: client,
		prefix: prefix,
		st:     make(map[string]*Session),
	}
}

func (this *redisProvider) key(id string) string {
	return this.prefix + ":session:" + id
}

func (this *redisProvider) New(id string) (*Session, error) {
	this.mu.Lock()
	defer this.mu.Unlock()

	sess := newSession(id)
	this.st[id] = sess
	return sess, nil
}

func (this *redisProvider) Get(id string) (*Session, error) {
	this.mu.RLock()
	sess, ok := this.st[id]
	this.mu.RUnlock()

	if ok {
		return sess, nil
	}

	buf, err := this.client.Get(context.Background(), this.key(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var r sessionRecord
	if err := msgpack.Unmarshal(buf, &r); err != nil {
		return nil, err
	}

	sess = sessionFromRecord(&r)

	this.mu.Lock()
	// Someone may have raced us here; the stored one wins.
	if cur, ok := this.st[id]; ok {
		sess = cur
	} else {
		this.st[id] = sess
	}
	this.mu.Unlock()

	return sess, nil
}

func (this *redisProvider) Del(id string) {
	this.mu.Lock()
	delete(this.st, id)
	this.mu.Unlock()

	this.client.Del(context.Background(), this.key(id))
}

func (this *redisProvider) Save(id string) error {
	this.mu.RLock()
	sess, ok := this.st[id]
	this.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if sess.Clean() {
		return nil
	}

	buf, err := msgpack.Marshal(sess.record())
	if err != nil {
		return err
	}

	return this.client.Set(context.Background(), this.key(id), buf, sess.Expiry()).Err()
}

func (this *redisProvider) All() []*Session {
	this.mu.RLock()
	defer this.mu.RUnlock()

	out := make([]*Session, 0, len(this.st))
	for _, sess := range this.st {
		out = append(out, sess)
	}
	return out
}

func (this *redisProvider) Count() int {
	this.mu.RLock()
	defer this.mu.RUnlock()
	return len(this.st)
}

func (this *redisProvider) RemoveExpired(now time.Time) int {
	this.mu.Lock()
	defer this.mu.Unlock()

	n := 0
	for id, sess := range this.st {
		if sess.ExpiredAt(now) {
			delete(this.st, id)
			this.client.Del(context.Background(), this.key(id))
			n++
		}
	}

	return n
}

func (this *redisProvider) Close() error {
	this.mu.Lock()
	this.st = make(map[string]*Session)
	this.mu.Unlock()

	return this.client.Close()
}
