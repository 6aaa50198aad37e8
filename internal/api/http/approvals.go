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

	"flow-platform/internal/engine/approval"
)

type respondApprovalRequest struct {
	Decision    any    `json:"decision,omitempty"`
	Comment     string `json:"comment,omitempty"`
	RespondedBy string `json:"responded_by,omitempty"`
	// DelegatedTo 非空且 decision 为空时改派请求而非作出决定
	DelegatedTo      string `json:"delegated_to,omitempty"`
	DelegationReason string `json:"delegation_reason,omitempty"`
}

// ListApprovals 列出未决审批请求
// GET /api/approvals?workflow=deploy&assignee=alice
func (h *Handler) ListApprovals(c context.Context, ctx *app.RequestContext) {
	if h.approvals == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
			"error": "approval store is not configured",
		})
		return
	}
	reqs, err := h.approvals.GetPendingRequests(c, ctx.Query("workflow"), ctx.Query("assignee"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]any{
		"approvals": reqs,
		"count":     len(reqs),
	})
}

// GetApproval 查询单个审批请求
// GET /api/approvals/:id
func (h *Handler) GetApproval(c context.Context, ctx *app.RequestContext) {
	if h.approvals == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
			"error": "approval store is not configured",
		})
		return
	}
	req, err := h.approvals.Get(c, ctx.Param("id"))
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, req)
}

// RespondApproval 提交审批决定或改派。
// 请求一经决定即恢复对应 Run 的执行；重复决定返回 409。
// POST /api/approvals/:id/respond
func (h *Handler) RespondApproval(c context.Context, ctx *app.RequestContext) {
	if h.approvals == nil {
		ctx.JSON(consts.StatusServiceUnavailable, map[string]string{
			"error": "approval store is not configured",
		})
		return
	}
	id := ctx.Param("id")
	var req respondApprovalRequest
	if err := ctx.BindJSON(&req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}
	if req.Decision == nil && req.DelegatedTo == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{
			"error": "decision or delegated_to is required",
		})
		return
	}

	err := h.approvals.SubmitResponse(c, &approval.Response{
		RequestID:        id,
		Decision:         req.Decision,
		Comment:          req.Comment,
		RespondedBy:      req.RespondedBy,
		DelegatedTo:      req.DelegatedTo,
		DelegationReason: req.DelegationReason,
	})
	if err != nil {
		h.writeError(c, ctx, err)
		return
	}
	h.logger.Info("审批已提交",
		"request_id", id, "responded_by", req.RespondedBy, "delegated_to", req.DelegatedTo)
	ctx.JSON(consts.StatusOK, map[string]any{
		"id":       id,
		"resolved": req.DelegatedTo == "",
	})
}
