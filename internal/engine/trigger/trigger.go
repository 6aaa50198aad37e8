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

// Package trigger 管理三类触发器（cron、webhook、event）并通过统一的
// 触发路径创建新 Run：复查 enabled 与条件谓词、递增计数，然后交给
// 注入的 FireFunc。cron 由内部轮询循环驱动，webhook 由 HTTP 层转交，
// event 由 EmitEvent 扇出。
package trigger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"flow-platform/internal/engine/ratelimit"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/log"
	"flow-platform/pkg/metrics"
	"flow-platform/pkg/secrets"
	"flow-platform/pkg/tracing"
)

// Type 触发器类型
type Type string

const (
	TypeCron    Type = "cron"
	TypeWebhook Type = "webhook"
	TypeEvent   Type = "event"
)

// Context 触发上下文，FireFunc 将其并入新 Run 的初始状态
type Context map[string]any

// FireFunc 触发回调：按工作流名创建 Run 并返回 runID。
// cron 触发在独立 goroutine 中调用，回调耗时计入该触发器的在途数。
type FireFunc func(ctx context.Context, workflowName string, fireCtx Context) (string, error)

// Condition 载荷谓词；返回 false 时本次触发被放弃
type Condition func(payload map[string]any) bool

// Trigger 触发器声明与运行计数
type Trigger struct {
	ID           string    `json:"id"`
	WorkflowName string    `json:"workflow_name"`
	Type         Type      `json:"type"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`

	// Condition 与 ConditionExpr 二选一；ConditionExpr 为 expr 表达式，
	// 求值环境为 {payload: ...}，注册时编译
	Condition     Condition `json:"-"`
	ConditionExpr string    `json:"condition_expr,omitempty"`

	Cron    *CronConfig    `json:"cron,omitempty"`
	Webhook *WebhookConfig `json:"webhook,omitempty"`
	Event   *EventConfig   `json:"event,omitempty"`

	RunCount    int64     `json:"run_count"`
	LastFiredAt time.Time `json:"last_fired_at,omitempty"`
	NextFireAt  time.Time `json:"next_fire_at,omitempty"`
}

// Stats 触发器统计
type Stats struct {
	Total        int          `json:"total"`
	Enabled      int          `json:"enabled"`
	Disabled     int          `json:"disabled"`
	ByType       map[Type]int `json:"by_type"`
	TotalFirings int64        `json:"total_firings"`
}

// Config 分发器配置
type Config struct {
	CronPollInterval time.Duration // cron 轮询间隔；<=0 按 1s
}

func (c Config) withDefaults() Config {
	if c.CronPollInterval <= 0 {
		c.CronPollInterval = time.Second
	}
	return c
}

// registration 注册内部态：元数据 + 编译产物 + 运行计数
type registration struct {
	t        Trigger
	cond     Condition
	sched    cron.Schedule
	loc      *time.Location
	inflight int
	dedup    map[string]time.Time
}

// Dispatcher 触发器分发器。持有全部注册并驱动 cron 轮询；
// webhook 限流使用内部的按 key 令牌桶，在 Stop 时释放。
type Dispatcher struct {
	mu    sync.Mutex
	regs  map[string]*registration
	hooks map[string]string // "METHOD path" -> trigger id

	fire    FireFunc
	buckets *ratelimit.TokenBucket
	secrets secrets.Store
	logger  *log.Logger
	cfg     Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher 创建分发器。fire 必选；logger 为 nil 时丢弃日志。
func NewDispatcher(fire FireFunc, logger *log.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = log.Discard()
	}
	return &Dispatcher{
		regs:    make(map[string]*registration),
		hooks:   make(map[string]string),
		fire:    fire,
		buckets: ratelimit.NewTokenBucket(ratelimit.Config{}),
		logger:  logger,
		cfg:     cfg.withDefaults(),
		stopCh:  make(chan struct{}),
	}
}

// SetSecrets 设置密钥存储（可选）；webhook 认证配置引用 SecretRef 时必须设置
func (d *Dispatcher) SetSecrets(s secrets.Store) {
	d.secrets = s
}

// Register 注册触发器并返回 id。注册即启用；需要停用调用 Disable。
// 校验按类型进行：cron 解析表达式与时区，webhook 要求 path 以 / 开头
// 且 (method, path) 未被占用，event 要求事件类型非空。
func (d *Dispatcher) Register(t *Trigger) (string, error) {
	if t == nil || t.WorkflowName == "" {
		return "", fmt.Errorf("%w: 触发器缺少工作流名", perrors.ErrInvalidArg)
	}
	if t.Condition != nil && t.ConditionExpr != "" {
		return "", fmt.Errorf("%w: Condition 与 ConditionExpr 只能设置其一", perrors.ErrInvalidArg)
	}

	reg := &registration{t: *t, cond: t.Condition}
	if t.Cron != nil {
		c := *t.Cron
		reg.t.Cron = &c
	}
	if t.Webhook != nil {
		w := *t.Webhook
		reg.t.Webhook = &w
	}
	if t.Event != nil {
		e := *t.Event
		reg.t.Event = &e
	}
	if t.ConditionExpr != "" {
		cond, err := compileCondition(t.ConditionExpr)
		if err != nil {
			return "", fmt.Errorf("%w: 条件表达式编译失败: %v", perrors.ErrInvalidArg, err)
		}
		reg.cond = cond
	}

	switch t.Type {
	case TypeCron:
		if t.Cron == nil {
			return "", fmt.Errorf("%w: cron 触发器缺少调度配置", perrors.ErrInvalidArg)
		}
		sched, loc, err := parseCronSchedule(t.Cron)
		if err != nil {
			return "", fmt.Errorf("%w: %v", perrors.ErrInvalidArg, err)
		}
		reg.sched = sched
		reg.loc = loc
		reg.t.NextFireAt = sched.Next(time.Now().In(loc))
	case TypeWebhook:
		if t.Webhook == nil {
			return "", fmt.Errorf("%w: webhook 触发器缺少路由配置", perrors.ErrInvalidArg)
		}
		if err := normalizeWebhook(reg.t.Webhook); err != nil {
			return "", err
		}
		if reg.t.Webhook.DedupWindow > 0 {
			reg.dedup = make(map[string]time.Time)
		}
	case TypeEvent:
		if t.Event == nil || t.Event.EventType == "" {
			return "", fmt.Errorf("%w: event 触发器缺少事件类型", perrors.ErrInvalidArg)
		}
	default:
		return "", fmt.Errorf("%w: 未知触发器类型 %q", perrors.ErrInvalidArg, t.Type)
	}

	id := t.ID
	if id == "" {
		id = "trg-" + uuid.NewString()
	}
	reg.t.ID = id
	reg.t.Enabled = true
	reg.t.CreatedAt = time.Now()
	reg.t.RunCount = 0
	reg.t.LastFiredAt = time.Time{}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.regs[id]; exists {
		return "", fmt.Errorf("%w: 触发器 %s 已注册", perrors.ErrConflict, id)
	}
	if t.Type == TypeWebhook {
		key := hookKey(reg.t.Webhook.Method, reg.t.Webhook.Path)
		if owner, taken := d.hooks[key]; taken {
			return "", fmt.Errorf("%w: 路由 %s 已被触发器 %s 占用", perrors.ErrConflict, key, owner)
		}
		d.hooks[key] = id
		if reg.t.Webhook.RateLimit != nil {
			d.buckets.Configure(id, *reg.t.Webhook.RateLimit)
		}
	}
	d.regs[id] = reg

	d.logger.Info("触发器已注册",
		"trigger_id", id, "type", string(reg.t.Type), "workflow", reg.t.WorkflowName)
	return id, nil
}

// Get 返回触发器元数据副本
func (d *Dispatcher) Get(id string) (*Trigger, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[id]
	if !ok {
		return nil, fmt.Errorf("%w: 触发器 %s", perrors.ErrNotFound, id)
	}
	t := reg.t
	return &t, nil
}

// List 返回全部触发器副本，按创建时间升序
func (d *Dispatcher) List() []*Trigger {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Trigger, 0, len(d.regs))
	for _, reg := range d.regs {
		t := reg.t
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Enable 启用触发器；cron 触发器从当前时刻重算下次触发时间
func (d *Dispatcher) Enable(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[id]
	if !ok {
		return fmt.Errorf("%w: 触发器 %s", perrors.ErrNotFound, id)
	}
	reg.t.Enabled = true
	if reg.t.Type == TypeCron && reg.sched != nil {
		reg.t.NextFireAt = reg.sched.Next(time.Now().In(reg.loc))
	}
	return nil
}

// Disable 停用触发器；已在途的触发不受影响
func (d *Dispatcher) Disable(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[id]
	if !ok {
		return fmt.Errorf("%w: 触发器 %s", perrors.ErrNotFound, id)
	}
	reg.t.Enabled = false
	return nil
}

// Remove 注销触发器
func (d *Dispatcher) Remove(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[id]
	if !ok {
		return fmt.Errorf("%w: 触发器 %s", perrors.ErrNotFound, id)
	}
	if reg.t.Type == TypeWebhook {
		delete(d.hooks, hookKey(reg.t.Webhook.Method, reg.t.Webhook.Path))
		d.buckets.Reset(id)
	}
	delete(d.regs, id)
	return nil
}

// Stats 返回按类型与启停状态的统计
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{ByType: make(map[Type]int)}
	for _, reg := range d.regs {
		s.Total++
		s.ByType[reg.t.Type]++
		if reg.t.Enabled {
			s.Enabled++
		} else {
			s.Disabled++
		}
		s.TotalFirings += reg.t.RunCount
	}
	return s
}

// Start 启动 cron 轮询循环
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.CronPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.pollCron(ctx, time.Now())
			}
		}
	}()
}

// Stop 停止轮询并释放限流器；不等待在途触发完成
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
	d.buckets.Dispose()
}

// fireOne 统一触发路径：复查 enabled 与条件，计数后交给 FireFunc。
// 返回 fired=false 且 err=nil 表示本次触发被条件放弃。
func (d *Dispatcher) fireOne(ctx context.Context, id string, payload map[string]any, fireCtx Context) (string, bool, error) {
	d.mu.Lock()
	reg, ok := d.regs[id]
	if !ok {
		d.mu.Unlock()
		return "", false, fmt.Errorf("%w: 触发器 %s", perrors.ErrNotFound, id)
	}
	typeLabel := string(reg.t.Type)
	if !reg.t.Enabled || (reg.cond != nil && !reg.cond(payload)) {
		d.mu.Unlock()
		metrics.TriggerFireTotal.WithLabelValues(typeLabel, "skipped").Inc()
		d.logger.Debug("触发被条件放弃", "trigger_id", id)
		return "", false, nil
	}
	reg.t.RunCount++
	reg.t.LastFiredAt = time.Now()
	workflowName := reg.t.WorkflowName
	d.mu.Unlock()

	ctx, span := tracing.StartTriggerSpan(ctx, id, typeLabel)
	defer span.End()

	runID, err := d.fire(ctx, workflowName, fireCtx)
	if err != nil {
		metrics.TriggerFireTotal.WithLabelValues(typeLabel, "error").Inc()
		d.logger.Warn("触发回调失败",
			"trigger_id", id, "workflow", workflowName, "error", err)
		return "", false, err
	}
	metrics.TriggerFireTotal.WithLabelValues(typeLabel, "fired").Inc()
	d.logger.Info("触发器已触发",
		"trigger_id", id, "workflow", workflowName, "run_id", runID)
	return runID, true, nil
}

func hookKey(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// compileCondition 编译 payload 谓词表达式；非 bool 结果或求值失败视为 false
func compileCondition(src string) (Condition, error) {
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	return func(payload map[string]any) bool {
		out, err := runCondition(program, payload)
		if err != nil {
			return false
		}
		b, ok := out.(bool)
		return ok && b
	}, nil
}

func runCondition(program *vm.Program, payload map[string]any) (any, error) {
	env := map[string]any{"payload": payload}
	return expr.Run(program, env)
}
