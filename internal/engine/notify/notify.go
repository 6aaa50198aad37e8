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

// Package notify 将 Run 终态事件 POST 到配置的回调地址。
// 投递在独立 goroutine 上进行，不阻塞状态写入方；单地址失败
// 只影响该地址，按客户端重试配置重试后放弃并记日志。
package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"flow-platform/internal/engine/runstore"
	"flow-platform/pkg/config"
	"flow-platform/pkg/log"
	"flow-platform/pkg/metrics"
	"flow-platform/pkg/secrets"
	"flow-platform/pkg/workflow"
)

// Event 回调载荷。event 形如 run.completed / run.failed / run.cancelled。
type Event struct {
	Event        string         `json:"event"`
	RunID        string         `json:"run_id"`
	WorkflowName string         `json:"workflow_name"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
	State        workflow.State `json:"state,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	CompletedAt  time.Time      `json:"completed_at,omitzero"`
	DurationMs   int64          `json:"duration_ms,omitempty"`
}

// Notifier 终态回调发送器
type Notifier struct {
	endpoints  []string
	authSecret string
	secrets    secrets.Store
	client     *resty.Client
	logger     *log.Logger

	wg sync.WaitGroup
}

// New 创建 Notifier。endpoints 为空时 Enabled 返回 false，调用方可不挂观察者。
// 认证 token 在每次投递时从 secrets 解析，轮转后无需重启。
func New(cfg config.NotifierConfig, sec secrets.Store, logger *log.Logger) (*Notifier, error) {
	if logger == nil {
		logger = log.Discard()
	}
	timeout := 10 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("notifier timeout 无效: %w", err)
		}
		timeout = d
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = 2
	}

	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(retryMax)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(5 * time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})

	return &Notifier{
		endpoints:  cfg.Endpoints,
		authSecret: cfg.AuthSecret,
		secrets:    sec,
		client:     client,
		logger:     logger,
	}, nil
}

// Enabled 是否配置了回调地址
func (n *Notifier) Enabled() bool {
	return len(n.endpoints) > 0
}

// OnRunChange 供 manager.OnRunStateChange 挂载的观察者。
// 只处理根 Run 的终态（子 Run 不单独回调），并立即把投递交接到
// 独立 goroutine——观察者栈上不做网络 IO。
func (n *Notifier) OnRunChange(run *runstore.Run) {
	if !n.Enabled() || run == nil || !run.Status.Terminal() || run.ParentRunID != "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(run)
	}()
}

// Close 等待在途投递结束。每次尝试受客户端超时约束，等待有界。
func (n *Notifier) Close() {
	n.wg.Wait()
}

func (n *Notifier) deliver(run *runstore.Run) {
	ctx := context.Background()
	token := ""
	if n.authSecret != "" {
		v, err := n.secrets.Get(ctx, n.authSecret)
		if err != nil {
			// 解析失败不降级为匿名投递，本轮放弃
			n.logger.Warn("回调 token 解析失败，放弃投递",
				"run_id", run.ID, "secret", n.authSecret, "error", err)
			metrics.NotifyTotal.WithLabelValues("failed").Add(float64(len(n.endpoints)))
			return
		}
		token = v
	}

	ev := buildEvent(run)
	for _, url := range n.endpoints {
		if err := n.post(ctx, url, token, ev); err != nil {
			n.logger.Warn("终态回调投递失败",
				"run_id", run.ID, "endpoint", url, "error", err)
			metrics.NotifyTotal.WithLabelValues("failed").Inc()
			continue
		}
		n.logger.Debug("终态回调已投递",
			"run_id", run.ID, "endpoint", url, "event", ev.Event)
		metrics.NotifyTotal.WithLabelValues("ok").Inc()
	}
}

func (n *Notifier) post(ctx context.Context, url, token string, ev *Event) error {
	req := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(ev)
	if token != "" {
		req.SetHeader("Authorization", "Bearer "+token)
	}
	resp, err := req.Post(url)
	if err != nil {
		return fmt.Errorf("POST %s: %w", url, err)
	}
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		return fmt.Errorf("POST %s 返回 %d", url, resp.StatusCode())
	}
	return nil
}

func buildEvent(run *runstore.Run) *Event {
	ev := &Event{
		Event:        "run." + string(run.Status),
		RunID:        run.ID,
		WorkflowName: run.WorkflowName,
		Status:       string(run.Status),
		Error:        run.Error,
		State:        run.State,
		Tags:         run.Tags,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
	if !run.StartedAt.IsZero() && !run.CompletedAt.IsZero() {
		ev.DurationMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	}
	return ev
}
