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

// Package runstore 持久化 Run 元数据与状态流转，供 API 与引擎共享。
package runstore

import (
	"context"
	"fmt"
	"time"

	"flow-platform/pkg/config"
	"flow-platform/pkg/workflow"
)

// Status Run 状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal 是否终态（终态只写一次，不可再迁移）
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Run 一次工作流执行的元数据记录
type Run struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	Status       Status         `json:"status"`
	State        workflow.State `json:"state,omitempty"`
	// InitialState 创建时刻的初始状态快照，保存后不再变化；重试新 Run 从它起步
	InitialState   workflow.State `json:"initial_state,omitempty"`
	CurrentNodes   []string       `json:"current_nodes,omitempty"`
	CompletedNodes []string       `json:"completed_nodes,omitempty"`
	FailedNodes    []string       `json:"failed_nodes,omitempty"`
	Priority       int            `json:"priority"`
	ScheduledFor   time.Time      `json:"scheduled_for,omitzero"`
	Tags           []string       `json:"tags,omitempty"`
	StartedAt      time.Time      `json:"started_at,omitzero"`
	CompletedAt    time.Time      `json:"completed_at,omitzero"`
	Error          string         `json:"error,omitempty"`
	ParentRunID    string         `json:"parent_run_id,omitempty"`
	ParentNodeID   string         `json:"parent_node_id,omitempty"`
	Depth          int            `json:"depth,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone 深拷贝（State 为顶层拷贝，切片复制）
func (r *Run) Clone() *Run {
	cp := *r
	if r.State != nil {
		cp.State = r.State.Clone()
	}
	if r.InitialState != nil {
		cp.InitialState = r.InitialState.Clone()
	}
	cp.CurrentNodes = append([]string(nil), r.CurrentNodes...)
	cp.CompletedNodes = append([]string(nil), r.CompletedNodes...)
	cp.FailedNodes = append([]string(nil), r.FailedNodes...)
	cp.Tags = append([]string(nil), r.Tags...)
	return &cp
}

// Patch 局部更新；nil 字段不修改，非 nil 切片整体替换
type Patch struct {
	Status         *Status
	State          workflow.State
	CurrentNodes   []string
	CompletedNodes []string
	FailedNodes    []string
	Priority       *int
	ScheduledFor   *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Error          *string
}

// Filter 列表过滤条件，零值字段不参与过滤；
// Statuses 任一命中即可，Tags 要求全部命中
type Filter struct {
	Statuses      []Status
	WorkflowName  string
	Tags          []string
	ParentRunID   string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Offset        int
	Limit         int
}

// Stats 汇总统计；平均时长只统计 completed 状态的 Run
type Stats struct {
	Total         int            `json:"total"`
	ByStatus      map[Status]int `json:"by_status"`
	AvgDurationMs float64        `json:"avg_duration_ms"`
}

// Store Run 存储接口
type Store interface {
	// Save 写入新 Run；ID 为空时生成，重复 ID 返回 ErrConflict
	Save(ctx context.Context, run *Run) error
	// Get 按 ID 读取
	Get(ctx context.Context, id string) (*Run, error)
	// Update 局部更新并返回更新后的 Run；向终态 Run 写状态返回 ErrConflict
	Update(ctx context.Context, id string, patch Patch) (*Run, error)
	// List 过滤列出，按 CreatedAt 降序
	List(ctx context.Context, f Filter) ([]*Run, error)
	// Count 过滤计数（不受 Offset/Limit 影响）
	Count(ctx context.Context, f Filter) (int, error)
	// Stats 汇总统计
	Stats(ctx context.Context) (*Stats, error)
	// Cleanup 删除 completedAt 早于 now-olderThan 的终态 Run，返回删除数
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
	// Close 释放资源
	Close() error
}

// NewStore 根据配置创建 Run 存储
func NewStore(ctx context.Context, cfg config.RunStoreConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres run 存储需要配置 dsn")
		}
		return NewPgStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported run store type: %s", cfg.Type)
	}
}

// matchesFilter Run 是否满足过滤条件
func matchesFilter(r *Run, f Filter) bool {
	if len(f.Statuses) > 0 {
		hit := false
		for _, s := range f.Statuses {
			if r.Status == s {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if f.WorkflowName != "" && r.WorkflowName != f.WorkflowName {
		return false
	}
	if f.ParentRunID != "" && r.ParentRunID != f.ParentRunID {
		return false
	}
	if !f.CreatedAfter.IsZero() && !r.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range r.Tags {
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

// applyPatch 在内存对象上套用 Patch；状态校验由调用方完成
func applyPatch(r *Run, patch Patch) {
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.State != nil {
		r.State = patch.State.Clone()
	}
	if patch.CurrentNodes != nil {
		r.CurrentNodes = append([]string(nil), patch.CurrentNodes...)
	}
	if patch.CompletedNodes != nil {
		r.CompletedNodes = append([]string(nil), patch.CompletedNodes...)
	}
	if patch.FailedNodes != nil {
		r.FailedNodes = append([]string(nil), patch.FailedNodes...)
	}
	if patch.Priority != nil {
		r.Priority = *patch.Priority
	}
	if patch.ScheduledFor != nil {
		r.ScheduledFor = *patch.ScheduledFor
	}
	if patch.StartedAt != nil {
		r.StartedAt = *patch.StartedAt
	}
	if patch.CompletedAt != nil {
		r.CompletedAt = *patch.CompletedAt
	}
	if patch.Error != nil {
		r.Error = *patch.Error
	}
	r.UpdatedAt = time.Now()
}
