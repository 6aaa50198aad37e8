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

// Package manager 汇聚引擎控制面：接收工作流注册，创建 Run 并放入
// 优先级队列，按全局并发上限派发给执行器；对外提供暂停、恢复、
// 取消、重试等操作，并驱动触发器分发与终态 Run 清理。
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/google/uuid"

	"flow-platform/internal/engine/executor"
	"flow-platform/internal/engine/queue"
	"flow-platform/internal/engine/runstore"
	"flow-platform/internal/engine/trigger"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/log"
	"flow-platform/pkg/workflow"
)

// Config 管理器配置
type Config struct {
	MaxConcurrency   int           // 同时执行的 Run 上限；<=0 按 10
	PollInterval     time.Duration // 派发轮询间隔；<=0 按 10ms
	CronPollInterval time.Duration // cron 触发轮询间隔，透传触发器分发器；<=0 按其缺省
	RunTTL           time.Duration // 终态 Run 保留时长；<=0 不自动清理
	CleanupInterval  time.Duration // 终态清理轮询间隔；<=0 按 1h
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	return c
}

// Stats 管理面汇总统计
type Stats struct {
	Runs       *runstore.Stats `json:"runs"`
	ActiveRuns int             `json:"active_runs"`
	QueueDepth int             `json:"queue_depth"`
	Triggers   trigger.Stats   `json:"triggers"`
}

// Manager 工作流管理器。Run 的创建、排队与派发都经过它；
// 执行期的状态写入走 Store() 返回的存储，使观察者能按写入顺序
// 收到每次变更。
type Manager struct {
	runs     runstore.Store // observedStore 包装，写路径带观察回调
	exec     *executor.Executor
	queue    *queue.Queue
	triggers *trigger.Dispatcher
	logger   *log.Logger
	cfg      Config
	sem      *semaphore.Weighted

	mu     sync.Mutex
	defs   map[string]*workflow.Definition
	active map[string]context.CancelCauseFunc // 在执行的根 Run -> 其执行 context 的取消
	paused map[string]bool                    // 待执行器在批间探测的暂停请求

	notifyMu  sync.Mutex
	observers []func(*runstore.Run)
	waiters   map[string][]chan *runstore.Run

	stopCh chan struct{}
	wg     sync.WaitGroup // 派发与清理循环
	runWg  sync.WaitGroup // 在执行的 Run
}

// New 创建管理器。runs 必选；logger 为 nil 时丢弃日志。
// 创建后需用 SetExecutor 注入以 Store() 存储构建的执行器。
func New(runs runstore.Store, logger *log.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = log.Discard()
	}
	m := &Manager{
		queue:   queue.New(),
		logger:  logger,
		cfg:     cfg.withDefaults(),
		defs:    make(map[string]*workflow.Definition),
		active:  make(map[string]context.CancelCauseFunc),
		paused:  make(map[string]bool),
		waiters: make(map[string][]chan *runstore.Run),
		stopCh:  make(chan struct{}),
	}
	m.sem = semaphore.NewWeighted(int64(m.cfg.MaxConcurrency))
	m.runs = &observedStore{inner: runs, m: m}
	m.triggers = trigger.NewDispatcher(m.fireTrigger, logger,
		trigger.Config{CronPollInterval: cfg.CronPollInterval})
	return m
}

// SetExecutor 注入执行器并接管其恢复与暂停探测回调。
// 执行器必须以 Store() 返回的存储构建，否则观察者看不到执行期写入。
func (m *Manager) SetExecutor(exec *executor.Executor) {
	m.exec = exec
	if exec != nil {
		exec.SetResumeHook(m.resumeFromApproval)
		exec.SetPauseCheck(m.pauseRequested)
	}
}

// Store 返回带观察回调的 Run 存储，供执行器与 API 共用
func (m *Manager) Store() runstore.Store {
	return m.runs
}

// Triggers 返回触发器分发器，供 API 层注册与管理触发器
func (m *Manager) Triggers() *trigger.Dispatcher {
	return m.triggers
}

// RegisterWorkflow 注册工作流定义；同名重复注册返回 ErrConflict
func (m *Manager) RegisterWorkflow(def *workflow.Definition) error {
	if def == nil || def.Name == "" {
		return perrors.Wrap(perrors.ErrInvalidArg, "缺少工作流定义")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.defs[def.Name]; exists {
		return perrors.Wrapf(perrors.ErrConflict, "工作流 %s 已注册", def.Name)
	}
	m.defs[def.Name] = def
	m.logger.Info("工作流已注册", "workflow", def.Name, "nodes", len(def.Nodes))
	return nil
}

// Workflow 按名取已注册的工作流定义
func (m *Manager) Workflow(name string) (*workflow.Definition, error) {
	return m.definition(name)
}

// Workflows 已注册工作流名，按字典序
func (m *Manager) Workflows() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.defs))
	for name := range m.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) definition(name string) (*workflow.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[name]
	if !ok {
		return nil, perrors.Wrapf(perrors.ErrNotFound, "工作流 %s 未注册", name)
	}
	return def, nil
}

// ScheduleOption 排期可选参数
type ScheduleOption func(*scheduleOptions)

type scheduleOptions struct {
	priority int
	startAt  time.Time
	tags     []string
}

// WithPriority 设置优先级；同一派发时刻数值大者先执行
func WithPriority(p int) ScheduleOption {
	return func(o *scheduleOptions) { o.priority = p }
}

// WithStartAt 设置最早派发时刻；缺省立即可派发
func WithStartAt(at time.Time) ScheduleOption {
	return func(o *scheduleOptions) { o.startAt = at }
}

// WithTags 追加标签
func WithTags(tags ...string) ScheduleOption {
	return func(o *scheduleOptions) { o.tags = append(o.tags, tags...) }
}

// Schedule 为已注册的工作流创建 Run 并入队，返回待派发的 Run。
// initial 合并在工作流 InitialState 之上，合并结果同时成为
// Run 的初始状态快照。
func (m *Manager) Schedule(ctx context.Context, workflowName string, initial workflow.State, opts ...ScheduleOption) (*runstore.Run, error) {
	def, err := m.definition(workflowName)
	if err != nil {
		return nil, err
	}
	var o scheduleOptions
	for _, opt := range opts {
		opt(&o)
	}
	at := o.startAt
	if at.IsZero() {
		at = time.Now()
	}

	merged := workflow.Merge(def.InitialState, initial)
	run := &runstore.Run{
		ID:           "run-" + uuid.NewString(),
		WorkflowName: workflowName,
		Status:       runstore.StatusScheduled,
		State:        merged,
		InitialState: merged.Clone(),
		Priority:     o.priority,
		ScheduledFor: at,
		Tags:         o.tags,
	}
	if err := m.runs.Save(ctx, run); err != nil {
		return nil, err
	}
	if err := m.queue.Enqueue(queue.Entry{
		RunID:        run.ID,
		WorkflowName: workflowName,
		Priority:     o.priority,
		ScheduledFor: at,
	}); err != nil {
		return nil, err
	}
	m.logger.Info("run 已排期", "run_id", run.ID, "workflow", workflowName,
		"scheduled_for", at, "priority", o.priority)
	return run, nil
}

// Execute 排期并阻塞等待终态，要求派发循环已启动（Start）。
// 挂起的 Run 会一直等到外部输入使其到达终态、ctx 取消或 Stop。
func (m *Manager) Execute(ctx context.Context, workflowName string, initial workflow.State, opts ...ScheduleOption) (*runstore.Run, error) {
	run, err := m.Schedule(ctx, workflowName, initial, opts...)
	if err != nil {
		return nil, err
	}
	return m.waitTerminal(ctx, run.ID)
}

// Retry 为 failed 终态的 Run 创建新 Run，复用其初始状态快照、
// 优先级与标签；其余状态的 Run 返回 ErrConflict。
func (m *Manager) Retry(ctx context.Context, runID string) (*runstore.Run, error) {
	old, err := m.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if old.Status != runstore.StatusFailed {
		return nil, perrors.Wrapf(perrors.ErrConflict, "run %s 状态为 %s，仅 failed 可重试", runID, old.Status)
	}
	fresh, err := m.Schedule(ctx, old.WorkflowName, old.InitialState,
		WithPriority(old.Priority), WithTags(old.Tags...))
	if err != nil {
		return nil, err
	}
	m.logger.Info("failed run 重试", "run_id", runID, "new_run_id", fresh.ID)
	return fresh, nil
}

// Pause 暂停 Run。排队中的直接摘出队列落 paused；执行中的置
// 暂停请求，执行器在下一批节点前挂起并写检查点；终态返回 ErrConflict。
func (m *Manager) Pause(ctx context.Context, runID string) error {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	switch {
	case run.Status.Terminal():
		return perrors.Wrapf(perrors.ErrConflict, "run %s 已是终态 %s", runID, run.Status)
	case run.Status == runstore.StatusPaused:
		return nil
	case run.Status == runstore.StatusRunning:
		m.mu.Lock()
		m.paused[runID] = true
		m.mu.Unlock()
		// 置位后复查：执行器可能恰在此刻收尾
		if cur, err := m.runs.Get(ctx, runID); err == nil && cur.Status.Terminal() {
			m.mu.Lock()
			delete(m.paused, runID)
			m.mu.Unlock()
			return perrors.Wrapf(perrors.ErrConflict, "run %s 已是终态 %s", runID, cur.Status)
		}
		m.logger.Info("请求暂停执行中的 run", "run_id", runID)
		return nil
	default: // scheduled / pending
		m.queue.Remove(runID)
		status := runstore.StatusPaused
		_, err := m.runs.Update(ctx, runID, runstore.Patch{Status: &status})
		return err
	}
}

// Resume 恢复 paused 的 Run：置回 scheduled 并立即入队；
// 其余状态返回 ErrConflict。
func (m *Manager) Resume(ctx context.Context, runID string) error {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != runstore.StatusPaused {
		return perrors.Wrapf(perrors.ErrConflict, "run %s 状态为 %s，仅 paused 可恢复", runID, run.Status)
	}
	m.enqueueResume(ctx, run)
	m.logger.Info("run 恢复入队", "run_id", runID)
	return nil
}

// Cancel 取消 Run。执行中的取消其执行 context，由执行器收尾；
// 排队或挂起的走执行器的停态取消路径（补偿已完成节点、关闭审批、
// 清检查点）。对终态 Run 是幂等空操作。
func (m *Manager) Cancel(ctx context.Context, runID string, reason string) error {
	run, err := m.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	m.queue.Remove(runID)

	m.mu.Lock()
	cancel, running := m.active[runID]
	delete(m.paused, runID)
	m.mu.Unlock()
	if running {
		if reason == "" {
			reason = "cancelled"
		}
		cancel(errors.New(reason))
		m.logger.Info("取消执行中的 run", "run_id", runID, "reason", reason)
		return nil
	}

	if m.exec == nil {
		now := time.Now()
		status := runstore.StatusCancelled
		msg := reason
		if msg == "" {
			msg = "cancelled"
		}
		_, err := m.runs.Update(ctx, runID, runstore.Patch{Status: &status, CompletedAt: &now, Error: &msg})
		return err
	}
	def, err := m.definition(run.WorkflowName)
	if err != nil {
		return err
	}
	if _, err := m.exec.Cancel(ctx, def, runID, reason); err != nil {
		return err
	}
	m.logger.Info("取消未执行的 run", "run_id", runID, "status", run.Status, "reason", reason)
	return nil
}

// GetRun 按 ID 读取 Run
func (m *Manager) GetRun(ctx context.Context, runID string) (*runstore.Run, error) {
	return m.runs.Get(ctx, runID)
}

// ListRuns 过滤列出 Run，按创建时间降序
func (m *Manager) ListRuns(ctx context.Context, f runstore.Filter) ([]*runstore.Run, error) {
	return m.runs.List(ctx, f)
}

// GetStats 汇总 Run、队列与触发器统计
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	rs, err := m.runs.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Runs:       rs,
		ActiveRuns: m.ActiveCount(),
		QueueDepth: m.queue.Size(),
		Triggers:   m.triggers.Stats(),
	}, nil
}

// ActiveCount 当前在执行的 Run 数
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Cleanup 立即清理保留期外的终态 Run；RunTTL<=0 时为空操作
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	if m.cfg.RunTTL <= 0 {
		return 0, nil
	}
	return m.runs.Cleanup(ctx, m.cfg.RunTTL)
}

// RegisterTrigger 注册触发器（委托触发器分发器）
func (m *Manager) RegisterTrigger(t *trigger.Trigger) (string, error) {
	return m.triggers.Register(t)
}

// HandleWebhook 处理入站 webhook 请求（委托触发器分发器）
func (m *Manager) HandleWebhook(ctx context.Context, req *trigger.WebhookRequest) (*trigger.FireResult, error) {
	return m.triggers.HandleWebhook(ctx, req)
}

// FireCron 立即触发一个 cron 触发器（委托触发器分发器）
func (m *Manager) FireCron(ctx context.Context, id string) (string, error) {
	return m.triggers.FireCron(ctx, id)
}

// EmitEvent 向事件触发器广播（委托触发器分发器）
func (m *Manager) EmitEvent(ctx context.Context, eventType string, payload map[string]any) []trigger.FireResult {
	return m.triggers.EmitEvent(ctx, eventType, payload)
}

// Start 启动派发循环、触发器轮询与终态清理。
// 取消 ctx 会使在执行的 Run 走取消收尾；Stop 则等它们自然结束。
func (m *Manager) Start(ctx context.Context) error {
	if m.exec == nil {
		return perrors.Wrap(perrors.ErrInvalidArg, "manager 未注入执行器")
	}
	m.wg.Add(1)
	go m.dispatchLoop(ctx)
	if m.cfg.RunTTL > 0 {
		m.wg.Add(1)
		go m.cleanupLoop(ctx)
	}
	m.triggers.Start(ctx)
	m.logger.Info("manager 启动",
		"max_concurrency", m.cfg.MaxConcurrency, "poll_interval", m.cfg.PollInterval)
	return nil
}

// Stop 停止派发并等待在执行的 Run 收尾。先释放终态等待者，
// 再停触发器轮询与各清理循环；只可调用一次。
func (m *Manager) Stop() {
	close(m.stopCh)
	m.triggers.Stop()
	m.wg.Wait()
	m.runWg.Wait()
	m.logger.Info("manager 停止")
}
