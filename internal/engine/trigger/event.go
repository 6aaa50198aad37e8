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

package trigger

import (
	"context"
	"sort"
	"time"
)

// EventConfig 事件订阅配置
type EventConfig struct {
	// EventType 订阅的事件类型
	EventType string `json:"event_type"`
	// Source 可选的来源过滤；非空时仅匹配 payload.source 相同的事件
	Source string `json:"source,omitempty"`
}

// EmitEvent 向所有订阅 eventType 的启用触发器扇出事件。
// 每个匹配触发器独立走统一触发路径，单个失败不影响其余；
// 结果按触发器注册时间排序。
func (d *Dispatcher) EmitEvent(ctx context.Context, eventType string, payload map[string]any) []FireResult {
	source, _ := payload["source"].(string)

	type match struct {
		id        string
		createdAt time.Time
	}
	d.mu.Lock()
	var matches []match
	for id, reg := range d.regs {
		if reg.t.Type != TypeEvent || !reg.t.Enabled {
			continue
		}
		ec := reg.t.Event
		if ec.EventType != eventType {
			continue
		}
		if ec.Source != "" && ec.Source != source {
			continue
		}
		matches = append(matches, match{id: id, createdAt: reg.t.CreatedAt})
	}
	d.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].createdAt.Equal(matches[j].createdAt) {
			return matches[i].id < matches[j].id
		}
		return matches[i].createdAt.Before(matches[j].createdAt)
	})

	results := make([]FireResult, 0, len(matches))
	for _, m := range matches {
		fireCtx := Context{
			"trigger_type": string(TypeEvent),
			"trigger_id":   m.id,
			"event_type":   eventType,
			"payload":      payload,
		}
		runID, fired, err := d.fireOne(ctx, m.id, payload, fireCtx)
		results = append(results, FireResult{
			TriggerID: m.id,
			RunID:     runID,
			Triggered: fired,
			Err:       err,
		})
	}
	return results
}
