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

package dlq

import (
	"context"
	"sync"
	"time"

	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/metrics"
)

// MemoryStore 内存死信存储，后台定期清理过期条目
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]*Entry
	ttl       time.Duration
	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore 创建内存死信存储
func NewMemoryStore(ttl, sweepInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	s := &MemoryStore{
		items: make(map[string]*Entry),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s
}

// Add 写入条目
func (s *MemoryStore) Add(ctx context.Context, e *Entry) (string, error) {
	cp := cloneEntry(e)
	if err := normalize(cp, s.ttl); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.items[cp.ID] = cp
	metrics.DLQSize.Set(float64(len(s.items)))
	s.mu.Unlock()
	return cp.ID, nil
}

// Get 按 ID 读取条目，过期视同不存在
func (s *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	e, ok := s.items[id]
	s.mu.RUnlock()
	if !ok || expired(e, time.Now()) {
		return nil, perrors.Wrapf(perrors.ErrNotFound, "死信条目 %s", id)
	}
	return cloneEntry(e), nil
}

func (s *MemoryStore) liveEntries(f Filter) []*Entry {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.items))
	for _, e := range s.items {
		if expired(e, now) || !matches(e, f) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	return out
}

// List 过滤列出条目，按 CreatedAt 降序
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	return window(s.liveEntries(f), f), nil
}

// Count 过滤计数
func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	return len(s.liveEntries(f)), nil
}

// Retry 记录一次重投
func (s *MemoryStore) Retry(ctx context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[id]
	if !ok || expired(e, time.Now()) {
		return nil, perrors.Wrapf(perrors.ErrNotFound, "死信条目 %s", id)
	}
	e.Attempts++
	e.LastAttempt = time.Now()
	return cloneEntry(e), nil
}

// Remove 删除条目
func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return perrors.Wrapf(perrors.ErrNotFound, "死信条目 %s", id)
	}
	delete(s.items, id)
	metrics.DLQSize.Set(float64(len(s.items)))
	return nil
}

// Clear 清空队列
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*Entry)
	metrics.DLQSize.Set(0)
	return nil
}

// Close 停止后台清理
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// sweep 定期删除过期条目
func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, e := range s.items {
				if expired(e, now) {
					delete(s.items, id)
				}
			}
			metrics.DLQSize.Set(float64(len(s.items)))
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
