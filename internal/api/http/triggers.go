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

package http

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"flow-platform/internal/engine/trigger"
)

type emitEventRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type fireResultView struct {
	TriggerID string `json:"trigger_id"`
	Triggered bool   `json:"triggered"`
	RunID     string `json:"run_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ListTriggers 列出已注册的触发器
// GET /api/triggers
func (h *Handler) ListTriggers(c context.Context, ctx *app.RequestContext) {
	triggers := h.mgr.Triggers().List()
	ctx.JSON(consts.StatusOK, map[string]any{
		"triggers": triggers,
		"count":    len(triggers),
	})
}

// EnableTrigger 启用触发器
// POST /api/triggers/:id/enable
func (h *Handler) EnableTrigger(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if err := h.mgr.Triggers().Enable(id); err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"id": id, "enabled": true})
}

// DisableTrigger 停用触发器；已停用的触发器不再产生 Run
// POST /api/triggers/:id/disable
func (h *Handler) DisableTrigger(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if err := h.mgr.Triggers().Disable(id); err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{"id": id, "enabled": false})
}

// RemoveTrigger 注销触发器
// DELETE /api/triggers/:id
func (h *Handler) RemoveTrigger(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if err := h.mgr.Triggers().Remove(id); err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{
		"id":     id,
		"status": "removed",
	})
}

// EmitEvent 向事件触发器广播一个事件，返回每个匹配触发器的结果
// POST /api/events
func (h *Handler) EmitEvent(c context.Context, ctx *app.RequestContext) {
	var req emitEventRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}
	if req.Type == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "type is required",
		})
		return
	}

	results := h.mgr.EmitEvent(c, req.Type, req.Payload)
	views := make([]fireResultView, 0, len(results))
	for _, r := range results {
		v := fireResultView{
			TriggerID: r.TriggerID,
			Triggered: r.Triggered,
			RunID:     r.RunID,
		}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		views = append(views, v)
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"results": views,
		"count":   len(views),
	})
}

// Webhook 接收 /hooks 下任意路径的外部回调，交给触发器分发器处理。
// 认证、限流、去重错误由 writeError 映射为对应状态码。
// ANY /hooks/*path
func (h *Handler) Webhook(c context.Context, ctx *app.RequestContext) {
	req := &trigger.WebhookRequest{
		Method:  string(ctx.Method()),
		Path:    string(ctx.Path()),
		Headers: make(map[string]string),
	}
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		req.Headers[string(key)] = string(value)
	})
	if body := ctx.Request.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req.Payload); err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{
				"error": "invalid JSON payload",
			})
			return
		}
	}

	res, err := h.mgr.HandleWebhook(c, req)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	switch {
	case res.Deduplicated:
		ctx.JSON(consts.StatusOK, map[string]string{
			"status":     "duplicate",
			"trigger_id": res.TriggerID,
		})
	case !res.Triggered:
		ctx.JSON(consts.StatusOK, map[string]string{
			"status":     "skipped",
			"trigger_id": res.TriggerID,
		})
	default:
		ctx.JSON(consts.StatusAccepted, map[string]string{
			"status":     "fired",
			"trigger_id": res.TriggerID,
			"run_id":     res.RunID,
		})
	}
}
