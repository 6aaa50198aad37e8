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

// Package checkpoint 在节点边界持久化执行器进度，供 Run 恢复时跳过
// 已完成节点并重建补偿登记。
package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flow-platform/pkg/config"
	"flow-platform/pkg/workflow"
)

// Checkpoint 一个 Run 的执行进度快照，按 RunID 保存（后写覆盖）
type Checkpoint struct {
	RunID          string         `json:"run_id"`
	WorkflowName   string         `json:"workflow_name"`
	State          workflow.State `json:"state"`
	CompletedNodes []string       `json:"completed_nodes"`
	ExecutionOrder []string       `json:"execution_order"`
	// Results 已完成节点的返回 patch，恢复时重建补偿登记
	Results map[string]workflow.State `json:"results,omitempty"`
	// 子工作流的检查点带父 Run 定位信息
	ParentRunID  string    `json:"parent_run_id,omitempty"`
	ParentNodeID string    `json:"parent_node_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Clone 返回副本，避免外部修改
func (c *Checkpoint) Clone() *Checkpoint {
	cp := *c
	if c.State != nil {
		cp.State = c.State.Clone()
	}
	cp.CompletedNodes = append([]string(nil), c.CompletedNodes...)
	cp.ExecutionOrder = append([]string(nil), c.ExecutionOrder...)
	if c.Results != nil {
		cp.Results = make(map[string]workflow.State, len(c.Results))
		for k, v := range c.Results {
			if v != nil {
				cp.Results[k] = v.Clone()
			} else {
				cp.Results[k] = nil
			}
		}
	}
	return &cp
}

// Store 检查点存储接口
type Store interface {
	// Put 保存检查点（同 RunID 覆盖）
	Put(ctx context.Context, cp *Checkpoint) error
	// Get 读取检查点，无则返回 nil, nil
	Get(ctx context.Context, runID string) (*Checkpoint, error)
	// Delete 删除检查点（Run 终结后清理）
	Delete(ctx context.Context, runID string) error
	// Close 释放资源
	Close() error
}

// NewStore 根据配置创建检查点存储
func NewStore(cfg config.CheckpointConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint store type: %s", cfg.Type)
	}
}

// memoryStore 内存实现
type memoryStore struct {
	mu      sync.RWMutex
	byRunID map[string]*Checkpoint
}

// NewMemoryStore 创建内存检查点存储
func NewMemoryStore() Store {
	return &memoryStore{byRunID: make(map[string]*Checkpoint)}
}

func (s *memoryStore) Put(ctx context.Context, cp *Checkpoint) error {
	if cp.RunID == "" {
		return fmt.Errorf("checkpoint 缺少 run id")
	}
	stored := cp.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRunID[cp.RunID] = stored
	return nil
}

func (s *memoryStore) Get(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byRunID[runID]
	if !ok {
		return nil, nil
	}
	return cp.Clone(), nil
}

func (s *memoryStore) Delete(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRunID, runID)
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
