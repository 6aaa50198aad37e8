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

// Package http 管理面 HTTP API：Run 的创建与生命周期操作、审批、
// 死信队列、触发器管理、/hooks 下的 webhook 接入，以及
// /metrics、/healthz。错误统一经 writeError 映射为状态码。
package http

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"flow-platform/internal/engine/approval"
	"flow-platform/internal/engine/dlq"
	"flow-platform/internal/engine/manager"
	"flow-platform/internal/engine/trigger"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/log"
	"flow-platform/pkg/metrics"
)

// Handler HTTP 处理器；审批与死信存储为可选协作方
type Handler struct {
	mgr         *manager.Manager
	approvals   approval.Store
	deadLetters dlq.Store
	logger      *log.Logger
	startedAt   time.Time
}

// NewHandler 创建 HTTP 处理器
func NewHandler(mgr *manager.Manager, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Discard()
	}
	return &Handler{
		mgr:       mgr,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// SetApprovalStore 设置审批存储（可选）；未设置时审批接口返回 503
func (h *Handler) SetApprovalStore(s approval.Store) {
	h.approvals = s
}

// SetDeadLetterStore 设置死信存储（可选）；未设置时 DLQ 接口返回 503
func (h *Handler) SetDeadLetterStore(s dlq.Store) {
	h.deadLetters = s
}

// Healthz 健康检查
// GET /healthz
func (h *Handler) Healthz(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "coflow",
		"uptime_s":  int64(time.Since(h.startedAt).Seconds()),
		"timestamp": time.Now().Unix(),
	})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(c, "encode metrics: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{
			"error": "failed to encode metrics",
		})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// GetStats 引擎汇总统计（Run、在执行数、队列深度、触发器）
// GET /api/stats
func (h *Handler) GetStats(c context.Context, ctx *app.RequestContext) {
	st, err := h.mgr.GetStats(c)
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, st)
}

// ListWorkflows 已注册工作流名
// GET /api/workflows
func (h *Handler) ListWorkflows(c context.Context, ctx *app.RequestContext) {
	names := h.mgr.Workflows()
	ctx.JSON(consts.StatusOK, map[string]any{
		"workflows": names,
		"count":     len(names),
	})
}

// writeError 将引擎错误映射为 HTTP 状态码。
// 限流错误附带 Retry-After（秒，向上取整）。
func (h *Handler) writeError(c context.Context, ctx *app.RequestContext, err error) {
	status := consts.StatusInternalServerError
	var rl *trigger.RateLimitedError
	switch {
	case errors.As(err, &rl):
		ctx.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		status = consts.StatusTooManyRequests
	case errors.Is(err, trigger.ErrUnauthorized):
		status = consts.StatusUnauthorized
	case errors.Is(err, perrors.ErrNotFound):
		status = consts.StatusNotFound
	case errors.Is(err, perrors.ErrInvalidArg):
		status = consts.StatusBadRequest
	case errors.Is(err, perrors.ErrConflict):
		status = consts.StatusConflict
	case errors.Is(err, perrors.ErrUnavailable):
		status = consts.StatusServiceUnavailable
	default:
		hlog.CtxErrorf(c, "internal error: %v", err)
	}
	ctx.JSON(status, map[string]string{"error": err.Error()})
}

// queryInt 解析整数查询参数，缺失或非法时返回 def
func queryInt(ctx *app.RequestContext, key string, def int) int {
	raw := ctx.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
