package compensation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"flow-platform/pkg/workflow"
)

// recorder 记录补偿调用顺序，并发安全
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, id)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func compFn(rec *recorder, id string) workflow.CompensationFunc {
	return func(ctx context.Context, state, original workflow.State) error {
		rec.record(id)
		return nil
	}
}

func TestCompensate_ReverseByDefault(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	for _, id := range []string{"reserve", "charge", "ship"} {
		reg.Register(id, workflow.Compensation{Fn: compFn(rec, id)})
		reg.MarkCompleted(id, workflow.State{"done": id})
	}

	report := reg.Compensate(context.Background(), workflow.State{}, "notify", errors.New("boom"))

	want := []string{"ship", "charge", "reserve"}
	got := rec.got()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d = %s, want %s (reverse completion order)", i, got[i], want[i])
		}
	}
	if !report.AllSuccessful {
		t.Error("AllSuccessful = false, want true")
	}
	if report.TriggeredBy != "notify" {
		t.Errorf("TriggeredBy = %s, want notify", report.TriggeredBy)
	}
	if report.Cause != "boom" {
		t.Errorf("Cause = %s, want boom", report.Cause)
	}
	if len(report.Compensated) != 3 {
		t.Errorf("Compensated = %v, want 3 entries", report.Compensated)
	}
}

func TestCompensate_OnlyRegisteredAndCompleted(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}

	// 已完成但未登记补偿
	reg.MarkCompleted("fetch", nil)
	// 已登记但从未完成
	reg.Register("send", workflow.Compensation{Fn: compFn(rec, "send")})
	// 两者兼备
	reg.Register("charge", workflow.Compensation{Fn: compFn(rec, "charge")})
	reg.MarkCompleted("charge", nil)

	report := reg.Compensate(context.Background(), workflow.State{}, "send", nil)

	got := rec.got()
	if len(got) != 1 || got[0] != "charge" {
		t.Fatalf("calls = %v, want [charge]", got)
	}
	if len(report.Compensated) != 1 || report.Compensated[0] != "charge" {
		t.Errorf("Compensated = %v, want [charge]", report.Compensated)
	}
}

func TestCompensate_FailedNodeExcluded(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	reg.Register("charge", workflow.Compensation{Fn: compFn(rec, "charge")})
	reg.MarkCompleted("charge", nil)

	// 失败节点即使被误登记为已完成也不参与清扫
	reg.Register("ship", workflow.Compensation{Fn: compFn(rec, "ship")})
	reg.MarkCompleted("ship", nil)

	reg.Compensate(context.Background(), workflow.State{}, "ship", errors.New("carrier down"))

	got := rec.got()
	if len(got) != 1 || got[0] != "charge" {
		t.Fatalf("calls = %v, want [charge]", got)
	}
}

func TestCompensate_OrderPartitions(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}

	reg.Register("audit-a", workflow.Compensation{Fn: compFn(rec, "audit-a"), Order: workflow.CompensateForward})
	reg.Register("cache-a", workflow.Compensation{Fn: compFn(rec, "cache-a"), Order: workflow.CompensateParallel})
	reg.Register("step-1", workflow.Compensation{Fn: compFn(rec, "step-1")})
	reg.Register("step-2", workflow.Compensation{Fn: compFn(rec, "step-2")})
	reg.Register("audit-b", workflow.Compensation{Fn: compFn(rec, "audit-b"), Order: workflow.CompensateForward})

	for _, id := range []string{"audit-a", "cache-a", "step-1", "step-2", "audit-b"} {
		reg.MarkCompleted(id, nil)
	}

	reg.Compensate(context.Background(), workflow.State{}, "end", nil)

	got := rec.got()
	if len(got) != 5 {
		t.Fatalf("calls = %v, want 5 entries", got)
	}
	// parallel 先行，然后 reverse 逆序，最后 forward 顺序
	if got[0] != "cache-a" {
		t.Errorf("call 0 = %s, want cache-a (parallel first)", got[0])
	}
	if got[1] != "step-2" || got[2] != "step-1" {
		t.Errorf("calls 1-2 = %v, want [step-2 step-1] (reverse)", got[1:3])
	}
	if got[3] != "audit-a" || got[4] != "audit-b" {
		t.Errorf("calls 3-4 = %v, want [audit-a audit-b] (forward)", got[3:5])
	}
}

func TestCompensate_ConditionSkips(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}

	reg.Register("refund", workflow.Compensation{
		Fn:        compFn(rec, "refund"),
		Condition: func(state workflow.State) bool { return state.GetBool("charged") },
	})
	reg.MarkCompleted("refund", nil)
	reg.Register("release", workflow.Compensation{Fn: compFn(rec, "release")})
	reg.MarkCompleted("release", nil)

	report := reg.Compensate(context.Background(), workflow.State{"charged": false}, "x", nil)

	got := rec.got()
	if len(got) != 1 || got[0] != "release" {
		t.Fatalf("calls = %v, want [release]", got)
	}
	if len(report.Skipped) != 1 || report.Skipped[0] != "refund" {
		t.Errorf("Skipped = %v, want [refund]", report.Skipped)
	}
	if !report.AllSuccessful {
		t.Error("条件跳过不算失败")
	}
}

func TestCompensate_RetriesThenSucceeds(t *testing.T) {
	reg := NewRegistry()
	attempts := 0
	reg.Register("flaky", workflow.Compensation{
		Fn: func(ctx context.Context, state, original workflow.State) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Retries: 3,
	})
	reg.MarkCompleted("flaky", nil)

	report := reg.Compensate(context.Background(), workflow.State{}, "x", nil)

	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if !report.AllSuccessful {
		t.Errorf("report = %+v, want success after retries", report)
	}
}

func TestCompensate_FailureNeverAbortsSweep(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}

	reg.Register("first", workflow.Compensation{Fn: compFn(rec, "first")})
	reg.MarkCompleted("first", nil)
	reg.Register("broken", workflow.Compensation{
		Fn: func(ctx context.Context, state, original workflow.State) error {
			return errors.New("undo failed")
		},
	})
	reg.MarkCompleted("broken", nil)
	reg.Register("last", workflow.Compensation{Fn: compFn(rec, "last")})
	reg.MarkCompleted("last", nil)

	report := reg.Compensate(context.Background(), workflow.State{}, "x", nil)

	// reverse 清扫：last → broken（失败）→ first，失败不阻断后续
	got := rec.got()
	if len(got) != 2 || got[0] != "last" || got[1] != "first" {
		t.Fatalf("calls = %v, want [last first]", got)
	}
	if report.AllSuccessful {
		t.Error("AllSuccessful = true, want false")
	}
	if len(report.PartialFailures) != 1 || report.PartialFailures[0].NodeID != "broken" {
		t.Fatalf("PartialFailures = %v, want [broken]", report.PartialFailures)
	}
	if report.PartialFailures[0].Error != "undo failed" {
		t.Errorf("failure error = %s, want undo failed", report.PartialFailures[0].Error)
	}
	if len(report.Compensated) != 2 {
		t.Errorf("Compensated = %v, want 2 entries", report.Compensated)
	}
}

func TestCompensate_StepTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.Register("slow", workflow.Compensation{
		Fn: func(ctx context.Context, state, original workflow.State) error {
			select {
			case <-time.After(time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Timeout: 20 * time.Millisecond,
	})
	reg.MarkCompleted("slow", nil)

	start := time.Now()
	report := reg.Compensate(context.Background(), workflow.State{}, "x", nil)

	if report.AllSuccessful {
		t.Error("超时步骤应计为失败")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("elapsed = %v, timeout did not cut the step short", elapsed)
	}
}

func TestCompensate_CancelStopsRetries(t *testing.T) {
	reg := NewRegistry()
	attempts := 0
	ctx, cancel := context.WithCancel(context.Background())
	reg.Register("noisy", workflow.Compensation{
		Fn: func(ctx context.Context, state, original workflow.State) error {
			attempts++
			cancel()
			return errors.New("still failing")
		},
		Retries: 10,
	})
	reg.MarkCompleted("noisy", nil)

	report := reg.Compensate(ctx, workflow.State{}, "x", nil)

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (cancel aborts pending retries)", attempts)
	}
	if report.AllSuccessful {
		t.Error("cancelled step should count as failed")
	}
}

func TestCompensate_OriginalResultPassed(t *testing.T) {
	reg := NewRegistry()
	var seen workflow.State
	reg.Register("charge", workflow.Compensation{
		Fn: func(ctx context.Context, state, original workflow.State) error {
			seen = original
			return nil
		},
	})
	reg.MarkCompleted("charge", workflow.State{"txn": "txn-42", "amount": 100})

	reg.Compensate(context.Background(), workflow.State{"phase": "failed"}, "x", nil)

	if seen.GetString("txn") != "txn-42" {
		t.Errorf("original.txn = %v, want txn-42", seen["txn"])
	}
	if seen.GetInt("amount") != 100 {
		t.Errorf("original.amount = %v, want 100", seen["amount"])
	}
}

func TestMarkCompleted_LoopRefreshesPosition(t *testing.T) {
	reg := NewRegistry()
	rec := &recorder{}
	for _, id := range []string{"a", "b"} {
		reg.Register(id, workflow.Compensation{Fn: compFn(rec, id)})
	}
	reg.MarkCompleted("a", workflow.State{"round": 1})
	reg.MarkCompleted("b", nil)
	// 回环让 a 再次完成：a 的完成序刷新到末尾，结果取最新一轮
	reg.MarkCompleted("a", workflow.State{"round": 2})

	order := reg.Completed()
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("Completed = %v, want [b a]", order)
	}

	reg.Compensate(context.Background(), workflow.State{}, "x", nil)
	got := rec.got()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("calls = %v, want [a b] (reverse of refreshed order)", got)
	}
	if reg.Results()["a"].GetInt("round") != 2 {
		t.Errorf("results[a] = %v, want latest round", reg.Results()["a"])
	}
}

func TestCompensate_ParallelStepsRunConcurrently(t *testing.T) {
	reg := NewRegistry()
	var active, peak int
	var mu sync.Mutex
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("p%d", i)
		reg.Register(id, workflow.Compensation{
			Order: workflow.CompensateParallel,
			Fn: func(ctx context.Context, state, original workflow.State) error {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()
				time.Sleep(30 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			},
		})
		reg.MarkCompleted(id, nil)
	}

	report := reg.Compensate(context.Background(), workflow.State{}, "x", nil)

	if peak < 2 {
		t.Errorf("peak concurrency = %d, want >= 2", peak)
	}
	if len(report.Compensated) != 4 {
		t.Errorf("Compensated = %v, want 4 entries", report.Compensated)
	}
	// 并发段结果按登记顺序折叠，报告顺序可复现
	for i, id := range report.Compensated {
		if id != fmt.Sprintf("p%d", i) {
			t.Errorf("Compensated[%d] = %s, want p%d", i, id, i)
			break
		}
	}
}

func TestRegister_NilFnIgnored(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ghost", workflow.Compensation{})
	reg.MarkCompleted("ghost", nil)

	report := reg.Compensate(context.Background(), workflow.State{}, "x", nil)
	if len(report.Compensated)+len(report.Skipped)+len(report.PartialFailures) != 0 {
		t.Errorf("report = %+v, want empty sweep", report)
	}
	if !report.AllSuccessful {
		t.Error("empty sweep should be successful")
	}
}
