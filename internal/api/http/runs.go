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
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"flow-platform/internal/engine/manager"
	"flow-platform/internal/engine/runstore"
	"flow-platform/pkg/workflow"
)

type scheduleRunRequest struct {
	Workflow string         `json:"workflow"`
	Input    map[string]any `json:"input,omitempty"`
	Priority int            `json:"priority,omitempty"`
	StartAt  *time.Time     `json:"start_at,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	// Wait 为 true 时同步等待 Run 终态后返回（适合短工作流与脚本调用）
	Wait bool `json:"wait,omitempty"`
}

type cancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ScheduleRun 创建 Run
// POST /api/runs
func (h *Handler) ScheduleRun(c context.Context, ctx *app.RequestContext) {
	var req scheduleRunRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}
	if req.Workflow == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "workflow is required",
		})
		return
	}

	var opts []manager.ScheduleOption
	if req.Priority != 0 {
		opts = append(opts, manager.WithPriority(req.Priority))
	}
	if req.StartAt != nil {
		opts = append(opts, manager.WithStartAt(*req.StartAt))
	}
	if len(req.Tags) > 0 {
		opts = append(opts, manager.WithTags(req.Tags...))
	}

	if req.Wait {
		run, err := h.mgr.Execute(c, req.Workflow, workflow.State(req.Input), opts...)
		if err != nil {
			h.writeError(c, ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, run)
		return
	}

	run, err := h.mgr.Schedule(c, req.Workflow, workflow.State(req.Input), opts...)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, run)
}

// GetRun 查询单个 Run
// GET /api/runs/:id
func (h *Handler) GetRun(c context.Context, ctx *app.RequestContext) {
	run, err := h.mgr.GetRun(c, ctx.Param("id"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, run)
}

// ListRuns 过滤列出 Run
// GET /api/runs?status=failed,running&workflow=order&tag=batch&limit=50&offset=0
func (h *Handler) ListRuns(c context.Context, ctx *app.RequestContext) {
	f := runstore.Filter{
		WorkflowName: ctx.Query("workflow"),
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
	if s := ctx.Query("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Statuses = append(f.Statuses, runstore.Status(part))
			}
		}
	}
	if tag := ctx.Query("tag"); tag != "" {
		f.Tags = []string{tag}
	}

	runs, err := h.mgr.ListRuns(c, f)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	total, err := h.mgr.Store().Count(c, f)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"runs":   runs,
		"total":  total,
		"offset": f.Offset,
		"limit":  f.Limit,
	})
}

// PauseRun 暂停 Run
// POST /api/runs/:id/pause
func (h *Handler) PauseRun(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if err := h.mgr.Pause(c, id); err != nil {
		h.writeError(c, ctx, err)
		return
	}
	run, err := h.mgr.GetRun(c, id)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, run)
}

// ResumeRun 恢复已暂停的 Run
// POST /api/runs/:id/resume
func (h *Handler) ResumeRun(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if err := h.mgr.Resume(c, id); err != nil {
		h.writeError(c, ctx, err)
		return
	}
	run, err := h.mgr.GetRun(c, id)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, run)
}

// CancelRun 取消 Run；body 可选 {"reason": "..."}
// POST /api/runs/:id/cancel
func (h *Handler) CancelRun(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	var req cancelRunRequest
	_ = ctx.BindJSON(&req) // body 可省略
	if err := h.mgr.Cancel(c, id, req.Reason); err != nil {
		h.writeError(c, ctx, err)
		return
	}
	run, err := h.mgr.GetRun(c, id)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, run)
}

// RetryRun 从失败 Run 的初始状态快照派生新 Run
// POST /api/runs/:id/retry
func (h *Handler) RetryRun(c context.Context, ctx *app.RequestContext) {
	fresh, err := h.mgr.Retry(c, ctx.Param("id"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, fresh)
}
