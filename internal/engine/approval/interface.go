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
	"time"

	"flow-platform/pkg/workflow"
)

// Request 审批请求。Run 在人工门节点挂起后创建，等待外部响应。
type Request struct {
	ID            string                 `json:"id"`
	WorkflowName  string                 `json:"workflow_name"`
	RunID         string                 `json:"run_id"`
	NodeID        string                 `json:"node_id"`
	Type          workflow.GateType      `json:"type"`
	Title         string                 `json:"title,omitempty"`
	Description   string                 `json:"description,omitempty"`
	Assignee      string                 `json:"assignee,omitempty"`
	Choices       []string               `json:"choices,omitempty"`
	Chain         []string               `json:"chain,omitempty"`
	StateKey      string                 `json:"state_key,omitempty"`
	Timeout       time.Duration          `json:"timeout,omitempty"`
	TimeoutAction workflow.TimeoutAction `json:"timeout_action,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	Resolved      bool                   `json:"resolved"`
	Response      *Response              `json:"response,omitempty"`
}

// Response 审批响应。Decision 为 bool | string | float64 | nil；
// nil 且 DelegatedTo 非空表示改派而非决策，nil 且 TimedOut 表示取消/超时合成响应。
type Response struct {
	RequestID        string    `json:"request_id"`
	Decision         any       `json:"decision"`
	RespondedBy      string    `json:"responded_by,omitempty"`
	RespondedAt      time.Time `json:"responded_at"`
	Comment          string    `json:"comment,omitempty"`
	DelegatedTo      string    `json:"delegated_to,omitempty"`
	DelegationReason string    `json:"delegation_reason,omitempty"`
	TimedOut         bool      `json:"timed_out,omitempty"`
}

// Store 审批存储。每个请求只接受一个最终响应；
// 响应写入与 resolved 标记、观察者通知在同一临界区内决定。
type Store interface {
	// CreateRequest 创建请求并返回 id（缺省生成）
	CreateRequest(ctx context.Context, req *Request) (string, error)

	// Get 按 id 取请求
	Get(ctx context.Context, id string) (*Request, error)

	// GetPendingRequests 列出未决请求；workflowName、assignee 为空表示不过滤
	GetPendingRequests(ctx context.Context, workflowName, assignee string) ([]*Request, error)

	// FindByNode 查找 (runID, nodeID) 的请求（已决或未决，未决优先）；
	// 未找到返回 (nil, nil)。恢复执行时据此复用已存在的请求而非重复创建。
	FindByNode(ctx context.Context, runID, nodeID string) (*Request, error)

	// SubmitResponse 写入最终响应并通知全部观察者。
	// 已决请求再次提交返回 ErrConflict（每个请求只有一个胜出响应）。
	SubmitResponse(ctx context.Context, resp *Response) error

	// OnResponse 登记响应观察者。若响应已存在，观察者在新 goroutine 中
	// 补通知，不在本调用栈内同步执行。
	OnResponse(id string, cb func(*Response)) error

	// Reassign 改写未决请求的 assignee
	Reassign(ctx context.Context, id, assignee string) (*Request, error)

	// DeleteRequest 删除请求并丢弃其观察者
	DeleteRequest(ctx context.Context, id string) error

	// Close 释放资源
	Close() error
}

func cloneRequest(req *Request) *Request {
	if req == nil {
		return nil
	}
	cp := *req
	if req.Choices != nil {
		cp.Choices = append([]string(nil), req.Choices...)
	}
	if req.Chain != nil {
		cp.Chain = append([]string(nil), req.Chain...)
	}
	cp.Response = cloneResponse(req.Response)
	return &cp
}

func cloneResponse(resp *Response) *Response {
	if resp == nil {
		return nil
	}
	cp := *resp
	return &cp
}
