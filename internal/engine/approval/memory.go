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

package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/metrics"
)

// memoryStore 内存审批存储
type memoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
	watchers map[string][]func(*Response)
}

// NewMemoryStore 创建内存审批存储
func NewMemoryStore() Store {
	return &memoryStore{
		requests: make(map[string]*Request),
		watchers: make(map[string][]func(*Response)),
	}
}

func (m *memoryStore) CreateRequest(ctx context.Context, req *Request) (string, error) {
	if req == nil {
		return "", perrors.Wrap(perrors.ErrInvalidArg, "审批请求为空")
	}
	if req.RunID == "" || req.NodeID == "" {
		return "", perrors.Wrap(perrors.ErrInvalidArg, "审批请求缺少 run id 或 node id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneRequest(req)
	if cp.ID == "" {
		cp.ID = "apr-" + uuid.NewString()
	} else if _, exists := m.requests[cp.ID]; exists {
		return "", perrors.Wrapf(perrors.ErrConflict, "审批请求 %s 已存在", cp.ID)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.Resolved = false
	cp.Response = nil
	m.requests[cp.ID] = cp
	m.updateGaugeLocked()
	return cp.ID, nil
}

func (m *memoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, perrors.Wrapf(perrors.ErrNotFound, "审批请求 %s", id)
	}
	return cloneRequest(req), nil
}

func (m *memoryStore) GetPendingRequests(ctx context.Context, workflowName, assignee string) ([]*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Request
	for _, req := range m.requests {
		if req.Resolved {
			continue
		}
		if workflowName != "" && req.WorkflowName != workflowName {
			continue
		}
		if assignee != "" && req.Assignee != assignee {
			continue
		}
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) FindByNode(ctx context.Context, runID, nodeID string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var resolved *Request
	for _, req := range m.requests {
		if req.RunID != runID || req.NodeID != nodeID {
			continue
		}
		if !req.Resolved {
			return cloneRequest(req), nil
		}
		if resolved == nil || req.CreatedAt.After(resolved.CreatedAt) {
			resolved = req
		}
	}
	return cloneRequest(resolved), nil
}

func (m *memoryStore) SubmitResponse(ctx context.Context, resp *Response) error {
	if resp == nil || resp.RequestID == "" {
		return perrors.Wrap(perrors.ErrInvalidArg, "审批响应缺少 request id")
	}

	m.mu.Lock()
	req, ok := m.requests[resp.RequestID]
	if !ok {
		m.mu.Unlock()
		return perrors.Wrapf(perrors.ErrNotFound, "审批请求 %s", resp.RequestID)
	}
	if req.Resolved {
		m.mu.Unlock()
		return perrors.Wrapf(perrors.ErrConflict, "审批请求 %s 已有最终响应", resp.RequestID)
	}

	cp := cloneResponse(resp)
	if cp.RespondedAt.IsZero() {
		cp.RespondedAt = time.Now()
	}
	req.Resolved = true
	req.Response = cp
	watchers := m.watchers[req.ID]
	delete(m.watchers, req.ID)
	m.updateGaugeLocked()
	m.mu.Unlock()

	// 锁外通知：观察者可以安全回调本存储
	for _, cb := range watchers {
		cb(cloneResponse(cp))
	}
	return nil
}

func (m *memoryStore) OnResponse(id string, cb func(*Response)) error {
	if cb == nil {
		return perrors.Wrap(perrors.ErrInvalidArg, "审批观察者为空")
	}

	m.mu.Lock()
	req, ok := m.requests[id]
	if !ok {
		m.mu.Unlock()
		return perrors.Wrapf(perrors.ErrNotFound, "审批请求 %s", id)
	}
	if req.Resolved {
		resp := cloneResponse(req.Response)
		m.mu.Unlock()
		// 迟到的观察者异步补通知，避免在登记调用栈内重入
		go cb(resp)
		return nil
	}
	m.watchers[id] = append(m.watchers[id], cb)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Reassign(ctx context.Context, id, assignee string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, perrors.Wrapf(perrors.ErrNotFound, "审批请求 %s", id)
	}
	if req.Resolved {
		return nil, perrors.Wrapf(perrors.ErrConflict, "审批请求 %s 已有最终响应", id)
	}
	req.Assignee = assignee
	return cloneRequest(req), nil
}

func (m *memoryStore) DeleteRequest(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return perrors.Wrapf(perrors.ErrNotFound, "审批请求 %s", id)
	}
	delete(m.requests, id)
	delete(m.watchers, id)
	m.updateGaugeLocked()
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make(map[string]*Request)
	m.watchers = make(map[string][]func(*Response))
	m.updateGaugeLocked()
	return nil
}

func (m *memoryStore) updateGaugeLocked() {
	n := 0
	for _, req := range m.requests {
		if !req.Resolved {
			n++
		}
	}
	metrics.ApprovalPending.Set(float64(n))
}
