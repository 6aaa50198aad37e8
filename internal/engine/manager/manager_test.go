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

package manager

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flow-platform/internal/engine/approval"
	"flow-platform/internal/engine/checkpoint"
	"flow-platform/internal/engine/executor"
	"flow-platform/internal/engine/retry"
	"flow-platform/internal/engine/runstore"
	"flow-platform/internal/engine/trigger"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/log"
	"flow-platform/pkg/workflow"
)

type env struct {
	m   *Manager
	apr approval.Store
	cps checkpoint.Store
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	m := New(runstore.NewMemoryStore(), log.Discard(), cfg)

	apr := approval.NewMemoryStore()
	cps := checkpoint.NewMemoryStore()
	exec := executor.New(m.Store(), nil, log.Discard(), executor.Config{})
	exec.SetCheckpointStore(cps)
	exec.SetApprovalStore(apr)
	m.SetExecutor(exec)

	t.Cleanup(func() {
		_ = m.Store().Close()
		_ = apr.Close()
		_ = cps.Close()
	})
	return &env{m: m, apr: apr, cps: cps}
}

func (v *env) start(t *testing.T) {
	t.Helper()
	if err := v.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(v.m.Stop)
}

func mustBuild(t *testing.T, b *workflow.Builder) *workflow.Definition {
	t.Helper()
	def, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return def
}

func setKey(key string, value any) workflow.NodeFunc {
	return func(ctx context.Context, state workflow.State) (workflow.State, error) {
		return workflow.State{key: value}, nil
	}
}

func register(t *testing.T, m *Manager, def *workflow.Definition) {
	t.Helper()
	if err := m.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow %s: %v", def.Name, err)
	}
}

func waitStatus(t *testing.T, m *Manager, runID string, want runstore.Status) *runstore.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := m.GetRun(context.Background(), runID)
		if err == nil && run.Status == want {
			return run
		}
		time.Sleep(3 * time.Millisecond)
	}
	run, err := m.GetRun(context.Background(), runID)
	t.Fatalf("run %s 未达到 %s：run=%+v err=%v", runID, want, run, err)
	return nil
}

func waitAllTerminal(t *testing.T, m *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := m.Store().Count(context.Background(), runstore.Filter{
			Statuses: []runstore.Status{runstore.StatusCompleted, runstore.StatusFailed, runstore.StatusCancelled},
		})
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n >= want {
			return
		}
		time.Sleep(3 * time.Millisecond)
	}
	t.Fatalf("%d 个 run 未在时限内到达终态", want)
}

func TestRegisterWorkflow_Validation(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("order").AddNode("a", setKey("a", true)))

	register(t, v.m, def)
	if err := v.m.RegisterWorkflow(def); !errors.Is(err, perrors.ErrConflict) {
		t.Errorf("duplicate register err = %v, want ErrConflict", err)
	}
	if err := v.m.RegisterWorkflow(nil); !errors.Is(err, perrors.ErrInvalidArg) {
		t.Errorf("nil register err = %v, want ErrInvalidArg", err)
	}
	if _, err := v.m.Schedule(context.Background(), "ghost", nil); !errors.Is(err, perrors.ErrNotFound) {
		t.Errorf("unknown workflow err = %v, want ErrNotFound", err)
	}
	if got := v.m.Workflows(); !reflect.DeepEqual(got, []string{"order"}) {
		t.Errorf("Workflows() = %v", got)
	}
	if got, err := v.m.Workflow("order"); err != nil || got != def {
		t.Errorf("Workflow() = %v err=%v", got, err)
	}
}

func TestSchedule_OptionsAndSnapshot(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("etl").
		InitialState(workflow.State{"source": "s3", "rows": 0}).
		AddNode("load", setKey("loaded", true)))
	register(t, v.m, def)

	at := time.Now().Add(time.Hour)
	run, err := v.m.Schedule(context.Background(), "etl", workflow.State{"rows": 10},
		WithPriority(7), WithStartAt(at), WithTags("nightly", "etl"))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if run.Status != runstore.StatusScheduled {
		t.Errorf("status = %s, want scheduled", run.Status)
	}
	if run.Priority != 7 || !run.ScheduledFor.Equal(at) {
		t.Errorf("priority/scheduled_for = %d/%v", run.Priority, run.ScheduledFor)
	}
	if !reflect.DeepEqual(run.Tags, []string{"nightly", "etl"}) {
		t.Errorf("tags = %v", run.Tags)
	}
	// initial 合并在工作流 InitialState 之上并固化为快照
	if run.State.GetString("source") != "s3" || run.State.GetInt("rows") != 10 {
		t.Errorf("state = %v", run.State)
	}
	if !reflect.DeepEqual(run.InitialState, run.State) {
		t.Errorf("initial snapshot = %v, state = %v", run.InitialState, run.State)
	}

	got, err := v.m.GetRun(context.Background(), run.ID)
	if err != nil || got.Status != runstore.StatusScheduled {
		t.Fatalf("GetRun = %+v err=%v", got, err)
	}
}

func TestExecute_RunsToCompletion(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("order").
		AddNode("validate", setKey("validated", true)).
		AddNode("confirm", setKey("confirmed", true)).
		AddEdge("validate", "confirm"))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Execute(context.Background(), "order", workflow.State{"order_id": "o-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != runstore.StatusCompleted {
		t.Fatalf("status = %s (error=%s)", run.Status, run.Error)
	}
	if !run.State.GetBool("validated") || !run.State.GetBool("confirmed") {
		t.Errorf("state = %v", run.State)
	}
	if run.State.GetString("order_id") != "o-1" {
		t.Errorf("initial state lost: %v", run.State)
	}
	if run.CompletedAt.IsZero() || run.StartedAt.IsZero() {
		t.Errorf("timestamps missing: started=%v completed=%v", run.StartedAt, run.CompletedAt)
	}
}

func TestDispatch_ConcurrencyCap(t *testing.T) {
	v := newEnv(t, Config{MaxConcurrency: 2})
	var cur, peak atomic.Int32
	def := mustBuild(t, workflow.NewBuilder("busy").
		AddNode("work", func(ctx context.Context, s workflow.State) (workflow.State, error) {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			cur.Add(-1)
			return nil, nil
		}))
	register(t, v.m, def)
	v.start(t)

	for i := 0; i < 6; i++ {
		if _, err := v.m.Schedule(context.Background(), "busy", nil); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	waitAllTerminal(t, v.m, 6)
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestDispatch_PriorityBreaksTies(t *testing.T) {
	v := newEnv(t, Config{MaxConcurrency: 1})
	var mu sync.Mutex
	var order []string
	def := mustBuild(t, workflow.NewBuilder("record").
		AddNode("mark", func(ctx context.Context, s workflow.State) (workflow.State, error) {
			mu.Lock()
			order = append(order, s.GetString("who"))
			mu.Unlock()
			return nil, nil
		}))
	register(t, v.m, def)
	v.start(t)

	// 同一派发时刻，优先级高者先执行
	at := time.Now().Add(30 * time.Millisecond)
	for _, w := range []struct {
		who  string
		prio int
	}{{"low", 0}, {"mid", 3}, {"high", 9}} {
		if _, err := v.m.Schedule(context.Background(), "record", workflow.State{"who": w.who},
			WithPriority(w.prio), WithStartAt(at)); err != nil {
			t.Fatalf("Schedule %s: %v", w.who, err)
		}
	}
	waitAllTerminal(t, v.m, 3)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(order, []string{"high", "mid", "low"}) {
		t.Errorf("execution order = %v", order)
	}
}

func TestPauseResume_RunningRun(t *testing.T) {
	v := newEnv(t, Config{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var bCalls atomic.Int32
	def := mustBuild(t, workflow.NewBuilder("steps").
		AddNode("a", func(ctx context.Context, s workflow.State) (workflow.State, error) {
			close(entered)
			<-release
			return workflow.State{"a": true}, nil
		}).
		AddNode("b", func(ctx context.Context, s workflow.State) (workflow.State, error) {
			bCalls.Add(1)
			return workflow.State{"b": true}, nil
		}).
		AddEdge("a", "b"))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Schedule(context.Background(), "steps", nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-entered
	// a 执行中请求暂停：在 a 与 b 的批间生效
	if err := v.m.Pause(context.Background(), run.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)
	waitStatus(t, v.m, run.ID, runstore.StatusPaused)
	if bCalls.Load() != 0 {
		t.Fatal("b ran before resume")
	}

	if err := v.m.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got := waitStatus(t, v.m, run.ID, runstore.StatusCompleted)
	if !got.State.GetBool("a") || !got.State.GetBool("b") || bCalls.Load() != 1 {
		t.Errorf("state = %v, b calls = %d", got.State, bCalls.Load())
	}
}

func TestPauseResume_ScheduledRun(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("once").AddNode("step", setKey("done", true)))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Schedule(context.Background(), "once", nil, WithStartAt(time.Now().Add(time.Hour)))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := v.m.Pause(context.Background(), run.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got, _ := v.m.GetRun(context.Background(), run.ID); got.Status != runstore.StatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}
	if err := v.m.Pause(context.Background(), run.ID); err != nil {
		t.Errorf("repeat Pause on paused run = %v, want nil", err)
	}

	// 恢复后立即派发，无需等到原定时刻
	if err := v.m.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got := waitStatus(t, v.m, run.ID, runstore.StatusCompleted)
	if !got.State.GetBool("done") {
		t.Errorf("state = %v", got.State)
	}

	if err := v.m.Resume(context.Background(), run.ID); !errors.Is(err, perrors.ErrConflict) {
		t.Errorf("Resume after terminal = %v, want ErrConflict", err)
	}
	if err := v.m.Pause(context.Background(), run.ID); !errors.Is(err, perrors.ErrConflict) {
		t.Errorf("Pause after terminal = %v, want ErrConflict", err)
	}
}

func TestCancel_RunningRunCompensates(t *testing.T) {
	v := newEnv(t, Config{})
	entered := make(chan struct{})
	var released atomic.Bool
	def := mustBuild(t, workflow.NewBuilder("order").
		AddNode("reserve", setKey("reserved", true),
			workflow.WithCompensation(workflow.Compensation{
				Fn: func(ctx context.Context, s, original workflow.State) error {
					released.Store(true)
					return nil
				},
			})).
		AddNode("hold", func(ctx context.Context, s workflow.State) (workflow.State, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		AddEdge("reserve", "hold"))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Schedule(context.Background(), "order", nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	<-entered
	if err := v.m.Cancel(context.Background(), run.ID, "user abort"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := waitStatus(t, v.m, run.ID, runstore.StatusCancelled)
	if got.Error != "user abort" {
		t.Errorf("run error = %q, want cancel reason", got.Error)
	}
	if !released.Load() {
		t.Error("cancel must compensate completed nodes")
	}
}

func TestCancel_PausedRunClosesGate(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("deploy").
		AddNode("prepare", setKey("prepared", true)).
		AddNode("approve", nil, workflow.WithHumanGate(workflow.HumanGate{Assignee: "ops"})).
		AddNode("rollout", setKey("deployed", true)).
		AddEdge("prepare", "approve").
		AddEdge("approve", "rollout"))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Schedule(context.Background(), "deploy", nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitStatus(t, v.m, run.ID, runstore.StatusPaused)

	if err := v.m.Cancel(context.Background(), run.ID, "superseded"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := waitStatus(t, v.m, run.ID, runstore.StatusCancelled)
	if got.Error != "superseded" || got.State.GetBool("deployed") {
		t.Errorf("run = %+v", got)
	}
	if req, _ := v.apr.FindByNode(context.Background(), run.ID, "approve"); req != nil {
		t.Errorf("pending gate must be closed, got %+v", req)
	}
	if cp, _ := v.cps.Get(context.Background(), run.ID); cp != nil {
		t.Error("checkpoint must be cleared after cancel")
	}
}

func TestCancel_TerminalIsNoop(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("once").AddNode("step", setKey("done", true)))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Execute(context.Background(), "once", nil)
	if err != nil || run.Status != runstore.StatusCompleted {
		t.Fatalf("Execute = %+v err=%v", run, err)
	}
	if err := v.m.Cancel(context.Background(), run.ID, "too late"); err != nil {
		t.Fatalf("Cancel after terminal: %v", err)
	}
	got, _ := v.m.GetRun(context.Background(), run.ID)
	if got.Status != runstore.StatusCompleted || got.Error != "" {
		t.Errorf("terminal run mutated by cancel: %+v", got)
	}
	if _, err := v.m.Retry(context.Background(), run.ID); !errors.Is(err, perrors.ErrConflict) {
		t.Errorf("Retry on completed run = %v, want ErrConflict", err)
	}
}

func TestRetry_CopiesSnapshotPriorityTags(t *testing.T) {
	v := newEnv(t, Config{})
	var failNow atomic.Bool
	failNow.Store(true)
	def := mustBuild(t, workflow.NewBuilder("flaky").
		AddNode("call", func(ctx context.Context, s workflow.State) (workflow.State, error) {
			if failNow.Load() {
				return nil, retry.MarkPermanent(errors.New("boom"))
			}
			return workflow.State{"ok": true}, nil
		}))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Execute(context.Background(), "flaky", workflow.State{"input": 1},
		WithPriority(4), WithTags("batch"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != runstore.StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}

	failNow.Store(false)
	fresh, err := v.m.Retry(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if fresh.ID == run.ID {
		t.Fatal("retry must create a new run")
	}
	if fresh.Priority != 4 || !reflect.DeepEqual(fresh.Tags, []string{"batch"}) {
		t.Errorf("priority/tags = %d/%v", fresh.Priority, fresh.Tags)
	}
	if fresh.State.GetInt("input") != 1 {
		t.Errorf("initial snapshot not reused: %v", fresh.State)
	}
	got := waitStatus(t, v.m, fresh.ID, runstore.StatusCompleted)
	if !got.State.GetBool("ok") {
		t.Errorf("state = %v", got.State)
	}
}

func TestOnRunStateChange_MutationOrder(t *testing.T) {
	v := newEnv(t, Config{})
	var mu sync.Mutex
	var seen []runstore.Status
	v.m.OnRunStateChange(func(r *runstore.Run) {
		mu.Lock()
		seen = append(seen, r.Status)
		mu.Unlock()
		// 回调拿到的是快照，改动不应渗回存储
		r.State["hacked"] = true
	})

	def := mustBuild(t, workflow.NewBuilder("steps").
		AddNode("a", setKey("a", true)).
		AddNode("b", setKey("b", true)).
		AddEdge("a", "b"))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Execute(context.Background(), "steps", workflow.State{"base": 1})
	if err != nil || run.Status != runstore.StatusCompleted {
		t.Fatalf("Execute = %+v err=%v", run, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 {
		t.Fatalf("observer saw %d mutations, want >= 3: %v", len(seen), seen)
	}
	if seen[0] != runstore.StatusScheduled {
		t.Errorf("first observed status = %s, want scheduled", seen[0])
	}
	if seen[len(seen)-1] != runstore.StatusCompleted {
		t.Errorf("last observed status = %s, want completed", seen[len(seen)-1])
	}
	sawRunning := false
	for _, s := range seen[:len(seen)-1] {
		if s == runstore.StatusRunning {
			sawRunning = true
		}
		if s.Terminal() {
			t.Errorf("terminal status before the last mutation: %v", seen)
		}
	}
	if !sawRunning {
		t.Errorf("running never observed: %v", seen)
	}
	if _, ok := run.State["hacked"]; ok {
		t.Error("observer mutation leaked into the store")
	}
}

func TestApprovalResponse_ReenqueuesWithoutManualResume(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("deploy").
		AddNode("prepare", setKey("prepared", true)).
		AddNode("approve", nil, workflow.WithHumanGate(workflow.HumanGate{
			Assignee: "alice",
			StateKey: "ok",
		})).
		AddNode("rollout", setKey("deployed", true)).
		AddEdge("prepare", "approve").
		AddEdge("approve", "rollout"))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Schedule(context.Background(), "deploy", nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitStatus(t, v.m, run.ID, runstore.StatusPaused)

	req, err := v.apr.FindByNode(context.Background(), run.ID, "approve")
	if err != nil || req == nil {
		t.Fatalf("FindByNode: req=%v err=%v", req, err)
	}
	if err := v.apr.SubmitResponse(context.Background(), &approval.Response{
		RequestID:   req.ID,
		Decision:    true,
		RespondedBy: "alice",
	}); err != nil {
		t.Fatalf("SubmitResponse: %v", err)
	}

	got := waitStatus(t, v.m, run.ID, runstore.StatusCompleted)
	if got.State["ok"] != true || !got.State.GetBool("deployed") {
		t.Errorf("state = %v", got.State)
	}
}

func TestApprovalResponse_NestedGateReenqueuesRoot(t *testing.T) {
	v := newEnv(t, Config{})
	child := mustBuild(t, workflow.NewBuilder("child-approval").
		AddNode("ask", nil, workflow.WithHumanGate(workflow.HumanGate{Assignee: "lead", StateKey: "ok"})).
		AddNode("apply", func(ctx context.Context, s workflow.State) (workflow.State, error) {
			return workflow.State{"applied": s["ok"] == true}, nil
		}).
		AddEdge("ask", "apply"))
	def := mustBuild(t, workflow.NewBuilder("parent").
		AddNode("pre", setKey("pre", true)).
		AddNode("sub", nil, workflow.WithSubWorkflow(workflow.SubWorkflow{Definition: child})).
		AddNode("post", setKey("post", true)).
		AddEdge("pre", "sub").
		AddEdge("sub", "post"))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Schedule(context.Background(), "parent", nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitStatus(t, v.m, run.ID, runstore.StatusPaused)

	// 审批挂在子 Run 上；响应后沿 ParentRunID 重新派发根 Run
	req, err := v.apr.FindByNode(context.Background(), run.ID+".sub", "ask")
	if err != nil || req == nil {
		t.Fatalf("child gate request: req=%v err=%v", req, err)
	}
	if err := v.apr.SubmitResponse(context.Background(), &approval.Response{
		RequestID:   req.ID,
		Decision:    true,
		RespondedBy: "lead",
	}); err != nil {
		t.Fatalf("SubmitResponse: %v", err)
	}

	got := waitStatus(t, v.m, run.ID, runstore.StatusCompleted)
	if !got.State.GetBool("applied") || !got.State.GetBool("post") {
		t.Errorf("state = %v", got.State)
	}
}

func TestHandleWebhook_CreatesRunWithPayload(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("ingest").
		AddNode("record", func(ctx context.Context, s workflow.State) (workflow.State, error) {
			return workflow.State{"seen_branch": s.GetString("branch")}, nil
		}))
	register(t, v.m, def)
	v.start(t)

	id, err := v.m.RegisterTrigger(&trigger.Trigger{
		WorkflowName: "ingest",
		Type:         trigger.TypeWebhook,
		Webhook:      &trigger.WebhookConfig{Path: "/hooks/push"},
	})
	if err != nil {
		t.Fatalf("RegisterTrigger: %v", err)
	}

	res, err := v.m.HandleWebhook(context.Background(), &trigger.WebhookRequest{
		Method:  "POST",
		Path:    "/hooks/push",
		Payload: map[string]any{"branch": "main"},
	})
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !res.Triggered || res.RunID == "" || res.TriggerID != id {
		t.Fatalf("result = %+v", res)
	}

	got := waitStatus(t, v.m, res.RunID, runstore.StatusCompleted)
	if got.State.GetString("seen_branch") != "main" {
		t.Errorf("payload not merged into state: %v", got.State)
	}
	meta, ok := got.State["trigger"].(map[string]any)
	if !ok || meta["trigger_id"] != id || meta["trigger_type"] != string(trigger.TypeWebhook) {
		t.Errorf("trigger metadata = %v", got.State["trigger"])
	}
}

func TestFireCron_WaitsForTerminal(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("nightly").AddNode("tick", setKey("ticked", true)))
	register(t, v.m, def)
	v.start(t)

	id, err := v.m.RegisterTrigger(&trigger.Trigger{
		WorkflowName: "nightly",
		Type:         trigger.TypeCron,
		Cron:         &trigger.CronConfig{Expression: "0 0 * * *", MaxConcurrent: 1},
	})
	if err != nil {
		t.Fatalf("RegisterTrigger: %v", err)
	}

	runID, err := v.m.FireCron(context.Background(), id)
	if err != nil {
		t.Fatalf("FireCron: %v", err)
	}
	// cron 路径同步等待：返回时 Run 已是终态
	got, err := v.m.GetRun(context.Background(), runID)
	if err != nil || got.Status != runstore.StatusCompleted {
		t.Fatalf("run = %+v err=%v, want completed", got, err)
	}
	if !got.State.GetBool("ticked") {
		t.Errorf("state = %v", got.State)
	}
}

func TestEmitEvent_AndStats(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("audit").AddNode("log", setKey("logged", true)))
	register(t, v.m, def)
	v.start(t)

	if _, err := v.m.RegisterTrigger(&trigger.Trigger{
		WorkflowName: "audit",
		Type:         trigger.TypeEvent,
		Event:        &trigger.EventConfig{EventType: "user.created"},
	}); err != nil {
		t.Fatalf("RegisterTrigger: %v", err)
	}

	results := v.m.EmitEvent(context.Background(), "user.created", map[string]any{"user_id": "u-1"})
	if len(results) != 1 || !results[0].Triggered || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	got := waitStatus(t, v.m, results[0].RunID, runstore.StatusCompleted)
	if got.State.GetString("user_id") != "u-1" || !got.State.GetBool("logged") {
		t.Errorf("state = %v", got.State)
	}

	// 等 runOne 清场后统计才稳定
	deadline := time.Now().Add(2 * time.Second)
	for v.m.ActiveCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	st, err := v.m.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if st.Runs.Total != 1 || st.Runs.ByStatus[runstore.StatusCompleted] != 1 {
		t.Errorf("run stats = %+v", st.Runs)
	}
	if st.ActiveRuns != 0 || st.QueueDepth != 0 {
		t.Errorf("active/queue = %d/%d", st.ActiveRuns, st.QueueDepth)
	}
	if st.Triggers.Total != 1 || st.Triggers.Enabled != 1 || st.Triggers.TotalFirings != 1 {
		t.Errorf("trigger stats = %+v", st.Triggers)
	}
}

func TestStop_ReleasesTerminalWaiters(t *testing.T) {
	v := newEnv(t, Config{})
	def := mustBuild(t, workflow.NewBuilder("once").AddNode("step", setKey("done", true)))
	register(t, v.m, def)
	if err := v.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := v.m.Execute(context.Background(), "once", nil, WithStartAt(time.Now().Add(time.Hour)))
		errCh <- err
	}()

	waiterRegistered := func() bool {
		v.m.notifyMu.Lock()
		defer v.m.notifyMu.Unlock()
		return len(v.m.waiters) == 1
	}
	deadline := time.Now().Add(2 * time.Second)
	for !waiterRegistered() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	v.m.Stop()
	select {
	case err := <-errCh:
		if !errors.Is(err, perrors.ErrUnavailable) {
			t.Fatalf("Execute err = %v, want ErrUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute not released by Stop")
	}
}

func TestCleanup_RemovesExpiredTerminalRuns(t *testing.T) {
	v := newEnv(t, Config{RunTTL: time.Hour})
	def := mustBuild(t, workflow.NewBuilder("once").AddNode("step", setKey("done", true)))
	register(t, v.m, def)
	v.start(t)

	run, err := v.m.Execute(context.Background(), "once", nil)
	if err != nil || run.Status != runstore.StatusCompleted {
		t.Fatalf("Execute = %+v err=%v", run, err)
	}
	// 回填完成时间到保留期外
	old := time.Now().Add(-2 * time.Hour)
	if _, err := v.m.Store().Update(context.Background(), run.ID, runstore.Patch{CompletedAt: &old}); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	n, err := v.m.Cleanup(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Cleanup = %d err=%v, want 1", n, err)
	}
	if _, err := v.m.GetRun(context.Background(), run.ID); !errors.Is(err, perrors.ErrNotFound) {
		t.Errorf("GetRun after cleanup = %v, want ErrNotFound", err)
	}

	// 未配置保留期时 Cleanup 是空操作
	v2 := newEnv(t, Config{})
	if n, err := v2.m.Cleanup(context.Background()); err != nil || n != 0 {
		t.Errorf("Cleanup without TTL = %d err=%v", n, err)
	}
}
