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

package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow 滑动窗口限流器：保留每个 key 最近的命中时间戳，
// 窗口 [now-window, now] 内命中数达到 limit 即拒绝。
type SlidingWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	hits     map[string][]time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSlidingWindow 创建滑动窗口限流器
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	s := &SlidingWindow{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		stop:   make(chan struct{}),
	}
	go s.sweep()
	return s
}

// pruneLocked 去除窗口之外的时间戳
func (s *SlidingWindow) pruneLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-s.window)
	ts := s.hits[key]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]
	if len(ts) == 0 {
		delete(s.hits, key)
	} else {
		s.hits[key] = ts
	}
	return ts
}

// Consume 尝试记录 cost 次命中
func (s *SlidingWindow) Consume(key string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.pruneLocked(key, now)
	if len(ts)+cost > s.limit {
		var retry time.Duration
		if len(ts) > 0 {
			// 最老的命中滑出窗口后才有空位
			retry = ts[0].Add(s.window).Sub(now)
			if retry < 0 {
				retry = 0
			}
		} else {
			retry = s.window
		}
		return Decision{Allowed: false, Remaining: s.limit - len(ts), RetryAfter: retry}
	}

	for i := 0; i < cost; i++ {
		ts = append(ts, now)
	}
	s.hits[key] = ts
	return Decision{Allowed: true, Remaining: s.limit - len(ts)}
}

// Reset 清除 key 的命中记录
func (s *SlidingWindow) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hits, key)
}

// Dispose 停止后台清理
func (s *SlidingWindow) Dispose() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// sweep 定期清理空窗口，避免 key 无界增长
func (s *SlidingWindow) sweep() {
	ticker := time.NewTicker(s.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key := range s.hits {
				s.pruneLocked(key, now)
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
