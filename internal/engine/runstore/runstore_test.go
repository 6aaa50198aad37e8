package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/workflow"
)

func TestMemoryStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	run := &Run{
		WorkflowName: "order",
		State:        workflow.State{"amount": 100},
		Priority:     5,
		Tags:         []string{"batch"},
	}
	if err := s.Save(ctx, run); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if run.ID == "" {
		t.Fatal("Save should assign an id")
	}
	got, err := s.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WorkflowName != "order" || got.Status != StatusPending || got.Priority != 5 {
		t.Errorf("Get = %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
}

func TestMemoryStore_SaveDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := &Run{ID: "run-x", WorkflowName: "order"}
	_ = s.Save(ctx, run)
	err := s.Save(ctx, &Run{ID: "run-x", WorkflowName: "order"})
	if !errors.Is(err, perrors.ErrConflict) {
		t.Errorf("duplicate Save err = %v, want ErrConflict", err)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.Get(ctx, "run-missing"); !errors.Is(err, perrors.ErrNotFound) {
		t.Errorf("Get missing err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UpdatePatch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := &Run{WorkflowName: "order"}
	_ = s.Save(ctx, run)

	running := StatusRunning
	started := time.Now()
	updated, err := s.Update(ctx, run.ID, Patch{
		Status:       &running,
		StartedAt:    &started,
		State:        workflow.State{"step": 1},
		CurrentNodes: []string{"charge"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != StatusRunning || len(updated.CurrentNodes) != 1 {
		t.Errorf("Update = %+v", updated)
	}
	if updated.State["step"] != 1 {
		t.Errorf("state = %v", updated.State)
	}
	// 未触及的字段保持不变
	if updated.WorkflowName != "order" {
		t.Errorf("workflow name changed: %s", updated.WorkflowName)
	}
}

func TestMemoryStore_TerminalIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := &Run{WorkflowName: "order"}
	_ = s.Save(ctx, run)

	completed := StatusCompleted
	if _, err := s.Update(ctx, run.ID, Patch{Status: &completed}); err != nil {
		t.Fatalf("Update to completed: %v", err)
	}
	running := StatusRunning
	if _, err := s.Update(ctx, run.ID, Patch{Status: &running}); !errors.Is(err, perrors.ErrConflict) {
		t.Errorf("terminal overwrite err = %v, want ErrConflict", err)
	}
	// 同值幂等写不报错
	if _, err := s.Update(ctx, run.ID, Patch{Status: &completed}); err != nil {
		t.Errorf("idempotent terminal write: %v", err)
	}
}

func TestMemoryStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Now().Add(-time.Hour)

	seed := []struct {
		name   string
		status Status
		tags   []string
	}{
		{"order", StatusCompleted, []string{"batch"}},
		{"order", StatusRunning, []string{"online"}},
		{"report", StatusFailed, []string{"batch", "nightly"}},
	}
	for i, sp := range seed {
		run := &Run{WorkflowName: sp.name, Status: sp.status, Tags: sp.tags, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Save(ctx, run); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	all, _ := s.List(ctx, Filter{})
	if len(all) != 3 {
		t.Fatalf("List len = %d, want 3", len(all))
	}
	// CreatedAt 降序
	if all[0].WorkflowName != "report" {
		t.Errorf("first = %s, want report", all[0].WorkflowName)
	}

	byStatus, _ := s.List(ctx, Filter{Statuses: []Status{StatusRunning}})
	if len(byStatus) != 1 || byStatus[0].WorkflowName != "order" {
		t.Errorf("status filter = %+v", byStatus)
	}
	multiStatus, _ := s.List(ctx, Filter{Statuses: []Status{StatusRunning, StatusFailed}})
	if len(multiStatus) != 2 {
		t.Errorf("multi-status filter len = %d, want 2", len(multiStatus))
	}
	byName, _ := s.List(ctx, Filter{WorkflowName: "order"})
	if len(byName) != 2 {
		t.Errorf("name filter len = %d, want 2", len(byName))
	}
	byTags, _ := s.List(ctx, Filter{Tags: []string{"batch", "nightly"}})
	if len(byTags) != 1 || byTags[0].WorkflowName != "report" {
		t.Errorf("tags filter = %+v", byTags)
	}
	windowed, _ := s.List(ctx, Filter{Offset: 1, Limit: 1})
	if len(windowed) != 1 {
		t.Errorf("window len = %d, want 1", len(windowed))
	}
	n, _ := s.Count(ctx, Filter{WorkflowName: "order"})
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	started := time.Now().Add(-time.Minute)

	for i, d := range []time.Duration{100 * time.Millisecond, 300 * time.Millisecond} {
		run := &Run{
			ID:           "run-c" + string(rune('1'+i)),
			WorkflowName: "order",
			Status:       StatusCompleted,
			StartedAt:    started,
			CompletedAt:  started.Add(d),
		}
		_ = s.Save(ctx, run)
	}
	// failed 的不计入平均时长
	_ = s.Save(ctx, &Run{ID: "run-f", WorkflowName: "order", Status: StatusFailed, StartedAt: started, CompletedAt: started.Add(time.Hour)})

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.ByStatus[StatusCompleted] != 2 || stats.ByStatus[StatusFailed] != 1 {
		t.Errorf("ByStatus = %v", stats.ByStatus)
	}
	if stats.AvgDurationMs != 200 {
		t.Errorf("AvgDurationMs = %v, want 200", stats.AvgDurationMs)
	}
}

func TestMemoryStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	old := time.Now().Add(-2 * time.Hour)

	_ = s.Save(ctx, &Run{ID: "run-old", Status: StatusCompleted, CompletedAt: old})
	_ = s.Save(ctx, &Run{ID: "run-new", Status: StatusCompleted, CompletedAt: time.Now()})
	_ = s.Save(ctx, &Run{ID: "run-live", Status: StatusRunning})

	removed, err := s.Cleanup(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.Get(ctx, "run-old"); !errors.Is(err, perrors.ErrNotFound) {
		t.Error("old terminal run should be removed")
	}
	if _, err := s.Get(ctx, "run-live"); err != nil {
		t.Error("non-terminal run should survive cleanup")
	}
}

func TestMemoryStore_CopyOut(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := &Run{WorkflowName: "order", State: workflow.State{"n": 1}}
	_ = s.Save(ctx, run)

	got, _ := s.Get(ctx, run.ID)
	got.State["n"] = 99
	got.WorkflowName = "tampered"

	again, _ := s.Get(ctx, run.ID)
	if again.State["n"] != 1 || again.WorkflowName != "order" {
		t.Error("mutating a returned run should not affect the store")
	}
}
