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

// Package ratelimit 为触发器入口提供按 key 的准入控制。
// 令牌桶实现基于 golang.org/x/time/rate，滑动窗口实现基于时间戳序列。
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config 单 key 限流配置
type Config struct {
	Capacity int           // 窗口内配额；<=0 按 60
	Window   time.Duration // 补充窗口；<=0 按 1m
	Burst    int           // 突发上限，<=0 或 >Capacity 时取 Capacity
}

func (c Config) withDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = 60
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Burst <= 0 || c.Burst > c.Capacity {
		c.Burst = c.Capacity
	}
	return c
}

// Decision 限流判定结果
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // Allowed=false 时的建议重试间隔
}

// Limiter 按 key 的准入控制接口
type Limiter interface {
	// Consume 尝试消耗 cost 个配额（cost<=0 按 1）
	Consume(key string, cost int) Decision
	// Reset 清除 key 的限流状态
	Reset(key string)
	// Dispose 停止后台清理，释放资源
	Dispose()
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// TokenBucket 令牌桶限流器：补充速率 = Capacity/Window，突发上限 Burst
type TokenBucket struct {
	mu       sync.Mutex
	def      Config
	perKey   map[string]Config
	buckets  map[string]*bucketEntry
	stop     chan struct{}
	stopOnce sync.Once
}

// NewTokenBucket 创建令牌桶限流器，def 为未单独配置 key 的默认配置
func NewTokenBucket(def Config) *TokenBucket {
	b := &TokenBucket{
		def:     def.withDefaults(),
		perKey:  make(map[string]Config),
		buckets: make(map[string]*bucketEntry),
		stop:    make(chan struct{}),
	}
	go b.sweep()
	return b
}

// Configure 设置单 key 配置（重建该 key 的桶）
func (b *TokenBucket) Configure(key string, cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.perKey[key] = cfg.withDefaults()
	delete(b.buckets, key)
}

func (b *TokenBucket) entryLocked(key string, now time.Time) (*bucketEntry, Config) {
	cfg, ok := b.perKey[key]
	if !ok {
		cfg = b.def
	}
	e, ok := b.buckets[key]
	if !ok {
		refill := rate.Limit(float64(cfg.Capacity) / cfg.Window.Seconds())
		e = &bucketEntry{limiter: rate.NewLimiter(refill, cfg.Burst)}
		b.buckets[key] = e
	}
	e.lastSeen = now
	return e, cfg
}

// Consume 尝试消耗 cost 个令牌
func (b *TokenBucket) Consume(key string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now()

	b.mu.Lock()
	e, cfg := b.entryLocked(key, now)
	b.mu.Unlock()

	if e.limiter.AllowN(now, cost) {
		return Decision{Allowed: true, Remaining: int(e.limiter.TokensAt(now))}
	}

	// Reserve+Cancel 只为拿到等待时长，不真正占用令牌
	r := e.limiter.ReserveN(now, cost)
	var retry time.Duration
	if r.OK() {
		retry = r.DelayFrom(now)
		r.CancelAt(now)
	} else {
		// cost 超过突发上限，单个窗口内不可能满足
		retry = cfg.Window
	}
	return Decision{Allowed: false, Remaining: int(e.limiter.TokensAt(now)), RetryAfter: retry}
}

// Reset 清除 key 的桶（下次访问满额重建）
func (b *TokenBucket) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buckets, key)
}

// Dispose 停止后台清理
func (b *TokenBucket) Dispose() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// sweep 定期淘汰长期未访问的桶，避免 key 无界增长
func (b *TokenBucket) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			b.mu.Lock()
			for key, e := range b.buckets {
				if e.lastSeen.Before(cutoff) {
					delete(b.buckets, key)
				}
			}
			b.mu.Unlock()
		case <-b.stop:
			return
		}
	}
}
