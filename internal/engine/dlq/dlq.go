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

// Package dlq 保存不可恢复的节点失败现场（死信），供人工排查与重投。
// 条目带 TTL，过期后由后台清理删除。
package dlq

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"flow-platform/pkg/config"
)

const (
	defaultTTL           = 7 * 24 * time.Hour
	defaultSweepInterval = time.Minute
)

// NewStore 根据配置创建死信存储
func NewStore(cfg config.DLQConfig) (Store, error) {
	ttl, err := parseDuration(cfg.DefaultTTL, defaultTTL)
	if err != nil {
		return nil, fmt.Errorf("解析 dlq.default_ttl 失败: %w", err)
	}
	sweep, err := parseDuration(cfg.SweepInterval, defaultSweepInterval)
	if err != nil {
		return nil, fmt.Errorf("解析 dlq.sweep_interval 失败: %w", err)
	}
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(ttl, sweep), nil
	case "file":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("file 死信存储需要配置 dir")
		}
		return NewFileStore(cfg.Dir, ttl, sweep)
	default:
		return nil, fmt.Errorf("unsupported dlq store type: %s", cfg.Type)
	}
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// normalize 填充缺省字段并校验不变量
func normalize(e *Entry, ttl time.Duration) error {
	if e.ID == "" {
		e.ID = fmt.Sprintf("dlq-%s", uuid.New().String())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.ExpiresAt.IsZero() {
		e.ExpiresAt = e.CreatedAt.Add(ttl)
	}
	if !e.ExpiresAt.After(e.CreatedAt) {
		return fmt.Errorf("死信条目过期时间必须晚于创建时间: %s", e.ID)
	}
	return nil
}

// expired 条目是否已过保留期
func expired(e *Entry, now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// matches 条目是否满足过滤条件
func matches(e *Entry, f Filter) bool {
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	if f.WorkflowName != "" && e.WorkflowName != f.WorkflowName {
		return false
	}
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if f.MinAttempts > 0 && e.Attempts < f.MinAttempts {
		return false
	}
	if f.MaxAttempts > 0 && e.Attempts > f.MaxAttempts {
		return false
	}
	if !f.CreatedAfter.IsZero() && !e.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !e.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range e.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// window 按 CreatedAt 降序排序并截取 Offset/Limit
func window(entries []*Entry, f Filter) []*Entry {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(entries) {
			return []*Entry{}
		}
		entries = entries[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(entries) {
		entries = entries[:f.Limit]
	}
	return entries
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	if e.State != nil {
		cp.State = e.State.Clone()
	}
	if e.Input != nil {
		cp.Input = e.Input.Clone()
	}
	if e.Tags != nil {
		cp.Tags = append([]string(nil), e.Tags...)
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
