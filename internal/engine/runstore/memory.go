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

package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	perrors "flow-platform/pkg/errors"
)

// MemoryStore 内存 Run 存储：map + 互斥锁，读写都做拷贝
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Run
}

// NewMemoryStore 创建内存 Run 存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Run)}
}

// Save 写入新 Run
func (s *MemoryStore) Save(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = "run-" + uuid.New().String()
	}
	if _, exists := s.byID[run.ID]; exists {
		return perrors.Wrapf(perrors.ErrConflict, "run %s 已存在", run.ID)
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = StatusPending
	}
	s.byID[run.ID] = run.Clone()
	return nil
}

// Get 按 ID 读取
func (s *MemoryStore) Get(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, perrors.Wrapf(perrors.ErrNotFound, "run %s", id)
	}
	return r.Clone(), nil
}

// Update 局部更新
func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, perrors.Wrapf(perrors.ErrNotFound, "run %s", id)
	}
	if patch.Status != nil && r.Status.Terminal() && *patch.Status != r.Status {
		return nil, perrors.Wrapf(perrors.ErrConflict, "run %s 已是终态 %s", id, r.Status)
	}
	applyPatch(r, patch)
	return r.Clone(), nil
}

func (s *MemoryStore) filtered(f Filter) []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Run, 0, len(s.byID))
	for _, r := range s.byID {
		if matchesFilter(r, f) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// List 过滤列出，按 CreatedAt 降序
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*Run, error) {
	runs := s.filtered(f)
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(runs) {
			return []*Run{}, nil
		}
		runs = runs[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(runs) {
		runs = runs[:f.Limit]
	}
	return runs, nil
}

// Count 过滤计数
func (s *MemoryStore) Count(ctx context.Context, f Filter) (int, error) {
	return len(s.filtered(f)), nil
}

// Stats 汇总统计
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Stats{ByStatus: make(map[Status]int)}
	var totalDur time.Duration
	var completed int
	for _, r := range s.byID {
		stats.Total++
		stats.ByStatus[r.Status]++
		if r.Status == StatusCompleted && !r.StartedAt.IsZero() && !r.CompletedAt.IsZero() {
			totalDur += r.CompletedAt.Sub(r.StartedAt)
			completed++
		}
	}
	if completed > 0 {
		stats.AvgDurationMs = float64(totalDur.Milliseconds()) / float64(completed)
	}
	return stats, nil
}

// Cleanup 删除过期终态 Run
func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.byID {
		if r.Status.Terminal() && !r.CompletedAt.IsZero() && r.CompletedAt.Before(cutoff) {
			delete(s.byID, id)
			removed++
		}
	}
	return removed, nil
}

// Close 释放资源
func (s *MemoryStore) Close() error {
	return nil
}
