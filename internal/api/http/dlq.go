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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"flow-platform/internal/engine/dlq"
)

// ListDeadLetters 过滤列出死信条目
// GET /api/dlq?workflow=inventory-sync&node=charge&limit=50&offset=0
func (h *Handler) ListDeadLetters(c context.Context, ctx *app.RequestContext) {
	if h.deadLetters == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
			"error": "dead letter store not configured",
		})
		return
	}

	f := dlq.Filter{
		WorkflowName: ctx.Query("workflow"),
		NodeID:       ctx.Query("node"),
		Offset:       queryInt(ctx, "offset", 0),
		Limit:        queryInt(ctx, "limit", 50),
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	entries, err := h.deadLetters.List(c, f)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	total, err := h.deadLetters.Count(c, f)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"entries": entries,
		"total":   total,
		"offset":  f.Offset,
		"limit":   f.Limit,
	})
}

// GetDeadLetter 查询单个死信条目
// GET /api/dlq/:id
func (h *Handler) GetDeadLetter(c context.Context, ctx *app.RequestContext) {
	if h.deadLetters == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
			"error": "dead letter store not configured",
		})
		return
	}
	e, err := h.deadLetters.Get(c, ctx.Param("id"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, e)
}

// RetryDeadLetter 按死信条目重试来源 Run：从失败 Run 的初始快照派生新
// Run，并在条目上记一次重投。来源 Run 已被清理时返回 404。
// POST /api/dlq/:id/retry
func (h *Handler) RetryDeadLetter(c context.Context, ctx *app.RequestContext) {
	if h.deadLetters == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
			"error": "dead letter store not configured",
		})
		return
	}
	id := ctx.Param("id")
	e, err := h.deadLetters.Get(c, id)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}

	fresh, err := h.mgr.Retry(c, e.WorkflowID)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	if _, err := h.deadLetters.Retry(c, id); err != nil {
		h.logger.Warn("record dead letter retry failed", "entry_id", id, "error", err)
	}
	ctx.JSON(consts.StatusAccepted, map[string]any{
		"run":      fresh,
		"entry_id": id,
	})
}

// RemoveDeadLetter 删除死信条目
// DELETE /api/dlq/:id
func (h *Handler) RemoveDeadLetter(c context.Context, ctx *app.RequestContext) {
	if h.deadLetters == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
			"error": "dead letter store not configured",
		})
		return
	}
	id := ctx.Param("id")
	if err := h.deadLetters.Remove(c, id); err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{
		"id":     id,
		"status": "removed",
	})
}
