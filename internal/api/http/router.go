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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"flow-platform/internal/api/http/middleware"
)

// Router 组装管理面路由
type Router struct {
	handler *Handler
	mw      *middleware.Middleware
}

// NewRouter 创建路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, mw: mw}
}

// Build 构建 hertz server 并注册全部路由。
// opts 追加到监听地址之后，用于注入 tracer 等服务器级配置。
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	options := append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(options...)

	h.Use(r.mw.CORS(), r.mw.AccessLog())

	h.GET("/healthz", r.handler.Healthz)
	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	{
		api.POST("/runs", r.handler.ScheduleRun)
		api.GET("/runs", r.handler.ListRuns)
		api.GET("/runs/:id", r.handler.GetRun)
		api.POST("/runs/:id/pause", r.handler.PauseRun)
		api.POST("/runs/:id/resume", r.handler.ResumeRun)
		api.POST("/runs/:id/cancel", r.handler.CancelRun)
		api.POST("/runs/:id/retry", r.handler.RetryRun)

		api.GET("/workflows", r.handler.ListWorkflows)
		api.GET("/stats", r.handler.GetStats)

		api.GET("/approvals", r.handler.ListApprovals)
		api.GET("/approvals/:id", r.handler.GetApproval)
		api.POST("/approvals/:id/respond", r.handler.RespondApproval)

		api.GET("/dlq", r.handler.ListDeadLetters)
		api.GET("/dlq/:id", r.handler.GetDeadLetter)
		api.POST("/dlq/:id/retry", r.handler.RetryDeadLetter)
		api.DELETE("/dlq/:id", r.handler.RemoveDeadLetter)

		api.GET("/triggers", r.handler.ListTriggers)
		api.POST("/triggers/:id/enable", r.handler.EnableTrigger)
		api.POST("/triggers/:id/disable", r.handler.DisableTrigger)
		api.DELETE("/triggers/:id", r.handler.RemoveTrigger)

		api.POST("/events", r.handler.EmitEvent)
	}

	// webhook 触发器注册的是完整路径（如 /hooks/push），这里整段交给分发器
	h.Any("/hooks/*path", r.handler.Webhook)

	return h
}
