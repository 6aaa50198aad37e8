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

package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 内存幂等存储实现，过期记录在读取时惰性淘汰
type MemoryStore struct {
	items map[string]*Record
	mu    sync.RWMutex
}

// NewMemoryStore 创建新的内存幂等存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Record),
	}
}

// Check 查询记录
func (s *MemoryStore) Check(ctx context.Context, key string) (*Record, bool, error) {
	s.mu.RLock()
	rec, exists := s.items[key]
	s.mu.RUnlock()
	if !exists {
		return nil, false, nil
	}
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

// Put 写入记录
func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.items[rec.Key] = &cp
	return nil
}

// Delete 删除记录
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

// Clear 清除所有记录
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*Record)
	return nil
}

// Close 关闭存储连接
func (s *MemoryStore) Close() error {
	return nil
}
