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

// Package approval 提供人工审批存储：Run 在人工门挂起时创建请求，
// 外部系统提交响应后通过观察者回调恢复执行。超时由执行器负责计时，
// 到期以 timeoutAction 合成响应提交（escalate 除外，只发升级事件不关闭请求）。
package approval

import (
	"context"
	"sync"
)

// DelegationHook 改派发生后的回调，用于通知新 assignee
type DelegationHook func(req *Request, resp *Response)

// DelegatingStore 在 SubmitResponse 上拦截改派响应：
// decision 为 nil 且 delegatedTo 非空时改写请求的 assignee 并重新通知，
// 请求保持未决。其余响应原样透传。
type DelegatingStore struct {
	Store

	mu    sync.Mutex
	hooks []DelegationHook
}

// WithDelegation 包装存储，开启改派拦截
func WithDelegation(s Store, hooks ...DelegationHook) *DelegatingStore {
	return &DelegatingStore{Store: s, hooks: hooks}
}

// OnDelegate 追加改派回调
func (d *DelegatingStore) OnDelegate(h DelegationHook) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// SubmitResponse 改派响应只改 assignee，不写最终响应。
// TimedOut 的 nil 决策是取消/超时合成响应，不视为改派。
func (d *DelegatingStore) SubmitResponse(ctx context.Context, resp *Response) error {
	if resp == nil || resp.Decision != nil || resp.DelegatedTo == "" || resp.TimedOut {
		return d.Store.SubmitResponse(ctx, resp)
	}

	req, err := d.Store.Reassign(ctx, resp.RequestID, resp.DelegatedTo)
	if err != nil {
		return err
	}

	d.mu.Lock()
	hooks := append([]DelegationHook(nil), d.hooks...)
	d.mu.Unlock()
	for _, h := range hooks {
		h(req, cloneResponse(resp))
	}
	return nil
}
