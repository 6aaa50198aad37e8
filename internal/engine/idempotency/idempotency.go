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

// Package idempotency 为节点执行提供内容寻址的结果缓存：
// 同一 (workflow, node, input) 在 TTL 内只执行一次，后续命中直接
// 返回缓存结果（或重放缓存的失败）。
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"flow-platform/pkg/config"
	"flow-platform/pkg/metrics"
	"flow-platform/pkg/workflow"
)

// NewStore 根据配置创建幂等存储
func NewStore(cfg config.IdempotencyConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg)
	default:
		return nil, fmt.Errorf("unsupported idempotency store type: %s", cfg.Type)
	}
}

// KeyFor 计算 (workflow, node, input) 的 64 位内容摘要（16 进制）。
// encoding/json 对 map 键做字典序输出，序列化结果即 canonical 形式。
func KeyFor(workflowName, nodeID string, input workflow.State) string {
	data, err := json.Marshal(input)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", input))
	}
	h := xxhash.New()
	_, _ = h.WriteString(workflowName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(nodeID)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(data)
	return fmt.Sprintf("%016x", h.Sum64())
}

// KeyForRep 以节点自报的稳定表示计算摘要。节点通过 IdempotencyKeyFunc
// 给出输入的稳定文本时走此入口，语义与 KeyFor 一致。
func KeyForRep(workflowName, nodeID, rep string) string {
	h := xxhash.New()
	_, _ = h.WriteString(workflowName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(nodeID)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(rep)
	return fmt.Sprintf("%016x", h.Sum64())
}

// ReplayedFailure 幂等命中时重放的失败结果。原始错误类型无法跨序列化
// 保留，仅保留消息文本。
type ReplayedFailure struct {
	Message string
}

func (e *ReplayedFailure) Error() string {
	return e.Message
}

// Do 以幂等方式执行 fn：命中返回缓存结果或重放缓存的失败；未命中则
// 执行 fn 并把结果（成功值或错误文本）写入存储。key 为空表示该节点
// 未启用幂等，直接执行。返回值第二项表示是否命中缓存。
func Do(ctx context.Context, store Store, key string, ttl time.Duration, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	if key == "" || store == nil {
		v, err := fn(ctx)
		return v, false, err
	}

	rec, hit, err := store.Check(ctx, key)
	if err == nil && hit {
		metrics.IdempotencyHitTotal.Inc()
		if rec.Failure != "" {
			return nil, true, &ReplayedFailure{Message: rec.Failure}
		}
		return rec.Result, true, nil
	}

	v, fnErr := fn(ctx)
	now := time.Now()
	out := &Record{Key: key, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	if fnErr != nil {
		out.Failure = fnErr.Error()
	} else {
		out.Result = v
	}
	// 缓存写失败不影响节点结果
	_ = store.Put(ctx, out)
	return v, false, fnErr
}
