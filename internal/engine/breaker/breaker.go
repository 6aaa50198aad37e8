// Copyright 2026 fanjia1024
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

// Package breaker 按 key 维护 closed/open/half-open 熔断状态机。
// open 状态由访问时惰性推进到 half-open，无后台定时器。
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State 熔断状态
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half-open"
)

// ErrOpen 熔断打开时的拒绝错误
var ErrOpen = errors.New("circuit breaker is open")

// Config 单 key 配置
type Config struct {
	Threshold        int           // closed 态连续失败数达到即打开；<=0 按 5
	ResetTimeout     time.Duration // open 态持续该时长后进入 half-open；<=0 按 30s
	SuccessThreshold int           // half-open 态连续成功数达到即关闭；<=0 按 1
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// StateChange 状态迁移事件（仅迁移时回调）
type StateChange struct {
	Key  string
	From State
	To   State
	At   time.Time
}

// ObserverFunc 状态迁移观察者
type ObserverFunc func(StateChange)

// Stats 单 key 状态快照
type Stats struct {
	Key          string    `json:"key"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	OpenedAt     time.Time `json:"opened_at,omitzero"`
}

type entry struct {
	cfg          Config
	state        State
	failureCount int
	successCount int
	openedAt     time.Time
}

// Registry 进程级熔断注册表，由 Manager 创建并注入执行器
type Registry struct {
	mu        sync.Mutex
	def       Config
	keys      map[string]*entry
	observers []ObserverFunc
}

// NewRegistry 创建注册表，def 为未单独配置 key 的默认配置
func NewRegistry(def Config) *Registry {
	return &Registry{
		def:  def.withDefaults(),
		keys: make(map[string]*entry),
	}
}

// Configure 设置单 key 配置（重置该 key 的计数与状态）
func (r *Registry) Configure(key string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key] = &entry{cfg: cfg.withDefaults(), state: Closed}
}

// OnStateChange 注册状态迁移观察者
func (r *Registry) OnStateChange(fn ObserverFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) entryLocked(key string) *entry {
	e, ok := r.keys[key]
	if !ok {
		e = &entry{cfg: r.def, state: Closed}
		r.keys[key] = e
	}
	return e
}

// advanceLocked 惰性推进 open -> half-open
func (r *Registry) advanceLocked(key string, e *entry, now time.Time, changes *[]StateChange) {
	if e.state == Open && now.Sub(e.openedAt) >= e.cfg.ResetTimeout {
		e.state = HalfOpen
		e.successCount = 0
		*changes = append(*changes, StateChange{Key: key, From: Open, To: HalfOpen, At: now})
	}
}

func (r *Registry) notify(changes []StateChange) {
	for _, c := range changes {
		for _, fn := range r.observers {
			fn(c)
		}
	}
}

// GetState 返回 key 当前状态（驱动 open 超时推进）
func (r *Registry) GetState(key string) State {
	r.mu.Lock()
	var changes []StateChange
	e := r.entryLocked(key)
	r.advanceLocked(key, e, time.Now(), &changes)
	st := e.state
	r.mu.Unlock()
	r.notify(changes)
	return st
}

// CanExecute 当前是否允许放行调用
func (r *Registry) CanExecute(key string) bool {
	return r.GetState(key) != Open
}

// RecordSuccess 记录一次成功
func (r *Registry) RecordSuccess(key string) {
	now := time.Now()
	r.mu.Lock()
	var changes []StateChange
	e := r.entryLocked(key)
	r.advanceLocked(key, e, now, &changes)
	switch e.state {
	case Closed:
		e.failureCount = 0
	case HalfOpen:
		e.successCount++
		if e.successCount >= e.cfg.SuccessThreshold {
			e.state = Closed
			e.failureCount = 0
			e.successCount = 0
			changes = append(changes, StateChange{Key: key, From: HalfOpen, To: Closed, At: now})
		}
	}
	r.mu.Unlock()
	r.notify(changes)
}

// RecordFailure 记录一次失败
func (r *Registry) RecordFailure(key string) {
	now := time.Now()
	r.mu.Lock()
	var changes []StateChange
	e := r.entryLocked(key)
	r.advanceLocked(key, e, now, &changes)
	switch e.state {
	case Closed:
		e.failureCount++
		if e.failureCount >= e.cfg.Threshold {
			e.state = Open
			e.openedAt = now
			changes = append(changes, StateChange{Key: key, From: Closed, To: Open, At: now})
		}
	case HalfOpen:
		e.state = Open
		e.openedAt = now
		e.successCount = 0
		changes = append(changes, StateChange{Key: key, From: HalfOpen, To: Open, At: now})
	}
	r.mu.Unlock()
	r.notify(changes)
}

// Reset 将 key 重置为 closed 并清零计数
func (r *Registry) Reset(key string) {
	now := time.Now()
	r.mu.Lock()
	var changes []StateChange
	e := r.entryLocked(key)
	if e.state != Closed {
		changes = append(changes, StateChange{Key: key, From: e.state, To: Closed, At: now})
	}
	e.state = Closed
	e.failureCount = 0
	e.successCount = 0
	e.openedAt = time.Time{}
	r.mu.Unlock()
	r.notify(changes)
}

// Execute 经熔断放行执行 fn：open 态直接拒绝 ErrOpen，不调用 fn；
// 成功/失败分别计入状态机。
func (r *Registry) Execute(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	if !r.CanExecute(key) {
		return nil, ErrOpen
	}
	value, err := fn(ctx)
	if err != nil {
		r.RecordFailure(key)
		return nil, err
	}
	r.RecordSuccess(key)
	return value, nil
}

// Snapshot 返回 key 的状态快照
func (r *Registry) Snapshot(key string) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(key)
	return Stats{
		Key:          key,
		State:        e.state,
		FailureCount: e.failureCount,
		SuccessCount: e.successCount,
		OpenedAt:     e.openedAt,
	}
}

// SnapshotAll 返回全部 key 的状态快照
func (r *Registry) SnapshotAll() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.keys))
	for key, e := range r.keys {
		out = append(out, Stats{
			Key:          key,
			State:        e.state,
			FailureCount: e.failureCount,
			SuccessCount: e.successCount,
			OpenedAt:     e.openedAt,
		})
	}
	return out
}
