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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"flow-platform/internal/engine/ratelimit"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/metrics"
)

// ErrUnauthorized webhook 认证失败
var ErrUnauthorized = errors.New("webhook authentication failed")

// RateLimitedError webhook 被限流拒绝；RetryAfter 为建议重试间隔
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("webhook rate limited, retry after %s", e.RetryAfter)
}

// AuthScheme webhook 认证方式
type AuthScheme string

const (
	AuthBearer AuthScheme = "bearer"  // Authorization: Bearer <token>
	AuthAPIKey AuthScheme = "api-key" // 自定义头携带 key
)

// WebhookAuth 认证配置。SecretRef 优先从密钥存储解析期望值，
// 否则使用 Token 字面量。
type WebhookAuth struct {
	Scheme    AuthScheme `json:"scheme"`
	Header    string     `json:"header,omitempty"` // api-key 头名；空按 X-API-Key
	SecretRef string     `json:"secret_ref,omitempty"`
	Token     string     `json:"-"`
}

// WebhookConfig webhook 触发配置
type WebhookConfig struct {
	Method string       `json:"method"` // 空按 POST
	Path   string       `json:"path"`   // 必须以 / 开头
	Auth   *WebhookAuth `json:"auth,omitempty"`

	// RateLimit 单触发器限流配置；nil 时使用分发器缺省桶配置
	RateLimit *ratelimit.Config `json:"rate_limit,omitempty"`

	// Validator 载荷校验；返回错误时拒绝触发
	Validator func(payload map[string]any) error `json:"-"`

	// DedupWindow 去重窗口；>0 时窗口内相同载荷只触发一次
	DedupWindow time.Duration `json:"dedup_window,omitempty"`
	// DedupKeyFunc 自定义去重 key；nil 时对载荷做规范化 JSON 摘要
	DedupKeyFunc func(payload map[string]any) string `json:"-"`

	// Transform 触发前的载荷变换
	Transform func(payload map[string]any) map[string]any `json:"-"`
}

// WebhookRequest HTTP 层转交的请求切面
type WebhookRequest struct {
	Method  string
	Path    string
	Headers map[string]string
	Payload map[string]any
}

// FireResult 一次触发的结果
type FireResult struct {
	TriggerID    string `json:"trigger_id"`
	RunID        string `json:"run_id,omitempty"`
	Triggered    bool   `json:"triggered"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Err          error  `json:"-"`
}

// HandleWebhook 处理一次 webhook 请求：认证 → 限流 → 载荷校验 → 去重 →
// 变换 → 触发。错误按类别区分：未注册路由 ErrNotFound、认证失败
// ErrUnauthorized、限流 *RateLimitedError、校验失败 ErrInvalidArg。
// 去重命中返回 Deduplicated=true 且不触发。
func (d *Dispatcher) HandleWebhook(ctx context.Context, req *WebhookRequest) (*FireResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: 空请求", perrors.ErrInvalidArg)
	}

	d.mu.Lock()
	id, ok := d.hooks[hookKey(req.Method, req.Path)]
	if !ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: 未注册 %s %s 的 webhook 触发器",
			perrors.ErrNotFound, strings.ToUpper(req.Method), req.Path)
	}
	cfg := *d.regs[id].t.Webhook
	d.mu.Unlock()

	if err := d.authenticate(ctx, cfg.Auth, req); err != nil {
		return nil, err
	}

	if dec := d.buckets.Consume(id, 1); !dec.Allowed {
		return nil, &RateLimitedError{RetryAfter: dec.RetryAfter}
	}

	if cfg.Validator != nil {
		if err := cfg.Validator(req.Payload); err != nil {
			return nil, fmt.Errorf("%w: 载荷校验失败: %v", perrors.ErrInvalidArg, err)
		}
	}

	if cfg.DedupWindow > 0 {
		key := dedupKey(&cfg, req.Payload)
		if d.seenWithinWindow(id, key, cfg.DedupWindow) {
			metrics.TriggerFireTotal.WithLabelValues(string(TypeWebhook), "deduped").Inc()
			d.logger.Info("webhook 去重命中", "trigger_id", id, "dedup_key", key)
			return &FireResult{TriggerID: id, Deduplicated: true}, nil
		}
	}

	payload := req.Payload
	if cfg.Transform != nil {
		payload = cfg.Transform(payload)
	}

	fireCtx := Context{
		"trigger_type": string(TypeWebhook),
		"trigger_id":   id,
		"method":       strings.ToUpper(req.Method),
		"path":         req.Path,
		"payload":      payload,
	}
	runID, fired, err := d.fireOne(ctx, id, payload, fireCtx)
	if err != nil {
		return nil, err
	}
	return &FireResult{TriggerID: id, RunID: runID, Triggered: fired}, nil
}

func normalizeWebhook(cfg *WebhookConfig) error {
	if cfg.Method == "" {
		cfg.Method = "POST"
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("%w: webhook 路径 %q 必须以 / 开头", perrors.ErrInvalidArg, cfg.Path)
	}
	if cfg.Auth != nil {
		switch cfg.Auth.Scheme {
		case AuthBearer, AuthAPIKey:
		default:
			return fmt.Errorf("%w: 未知认证方式 %q", perrors.ErrInvalidArg, cfg.Auth.Scheme)
		}
		if cfg.Auth.SecretRef == "" && cfg.Auth.Token == "" {
			return fmt.Errorf("%w: 认证配置缺少 SecretRef 或 Token", perrors.ErrInvalidArg)
		}
		if cfg.Auth.Scheme == AuthAPIKey && cfg.Auth.Header == "" {
			cfg.Auth.Header = "X-API-Key"
		}
	}
	return nil
}

// authenticate 校验请求凭据。期望值优先从密钥存储解析；
// 解析失败按认证失败处理（宁可拒绝，不可放行）。
func (d *Dispatcher) authenticate(ctx context.Context, auth *WebhookAuth, req *WebhookRequest) error {
	if auth == nil {
		return nil
	}
	expected := auth.Token
	if auth.SecretRef != "" {
		if d.secrets == nil {
			d.logger.Error("webhook 认证引用密钥但未配置密钥存储", "secret_ref", auth.SecretRef)
			return ErrUnauthorized
		}
		v, err := d.secrets.Get(ctx, auth.SecretRef)
		if err != nil {
			d.logger.Error("webhook 认证密钥解析失败", "secret_ref", auth.SecretRef, "error", err)
			return ErrUnauthorized
		}
		expected = v
	}

	var presented string
	switch auth.Scheme {
	case AuthBearer:
		raw := headerValue(req.Headers, "Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) {
			return ErrUnauthorized
		}
		presented = raw[len(prefix):]
	case AuthAPIKey:
		presented = headerValue(req.Headers, auth.Header)
	}
	if presented == "" ||
		subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// seenWithinWindow 查并记录去重 key；过期条目顺带清理
func (d *Dispatcher) seenWithinWindow(id, key string, window time.Duration) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[id]
	if !ok || reg.dedup == nil {
		return false
	}
	for k, at := range reg.dedup {
		if now.Sub(at) >= window {
			delete(reg.dedup, k)
		}
	}
	if at, hit := reg.dedup[key]; hit && now.Sub(at) < window {
		return true
	}
	reg.dedup[key] = now
	return false
}

// dedupKey 计算去重 key：自定义函数优先，否则取载荷规范化 JSON 的
// xxhash 摘要（Go 的 map 序列化按键名排序，天然规范）。
func dedupKey(cfg *WebhookConfig, payload map[string]any) string {
	if cfg.DedupKeyFunc != nil {
		return cfg.DedupKeyFunc(payload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprint(payload))
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
