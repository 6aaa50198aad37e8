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

package runstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"flow-platform/pkg/config"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/workflow"
)

func newTestPgStore(t *testing.T, ctx context.Context) (*PgStore, func()) {
	dsn := os.Getenv("TEST_RUNSTORE_DSN")
	if dsn == "" {
		t.Skip("TEST_RUNSTORE_DSN not set, skipping Postgres run store tests")
	}
	store, err := NewPgStore(ctx, config.RunStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("NewPgStore: %v", err)
	}
	_, _ = store.pool.Exec(ctx, `DELETE FROM runs`)
	return store, func() { _ = store.Close() }
}

func TestPgStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestPgStore(t, ctx)
	defer cleanup()

	run := &Run{
		WorkflowName: "order",
		State:        workflow.State{"amount": float64(100)},
		Priority:     3,
		Tags:         []string{"batch"},
	}
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.WorkflowName != "order" || got.Status != StatusPending || got.Priority != 3 {
		t.Errorf("Get = %+v", got)
	}
	if got.State["amount"] != float64(100) {
		t.Errorf("state = %v", got.State)
	}
}

func TestPgStore_UpdateAndTerminal(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestPgStore(t, ctx)
	defer cleanup()

	run := &Run{WorkflowName: "order"}
	_ = store.Save(ctx, run)

	completed := StatusCompleted
	now := time.Now()
	updated, err := store.Update(ctx, run.ID, Patch{
		Status:         &completed,
		CompletedAt:    &now,
		CompletedNodes: []string{"a", "b"},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != StatusCompleted || len(updated.CompletedNodes) != 2 {
		t.Errorf("Update = %+v", updated)
	}

	running := StatusRunning
	if _, err := store.Update(ctx, run.ID, Patch{Status: &running}); !errors.Is(err, perrors.ErrConflict) {
		t.Errorf("terminal overwrite err = %v, want ErrConflict", err)
	}
}

func TestPgStore_ListCountStats(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestPgStore(t, ctx)
	defer cleanup()

	started := time.Now().Add(-time.Minute)
	_ = store.Save(ctx, &Run{WorkflowName: "order", Status: StatusCompleted, StartedAt: started, CompletedAt: started.Add(200 * time.Millisecond), Tags: []string{"batch"}})
	_ = store.Save(ctx, &Run{WorkflowName: "order", Status: StatusRunning})
	_ = store.Save(ctx, &Run{WorkflowName: "report", Status: StatusFailed})

	list, err := store.List(ctx, Filter{WorkflowName: "order"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List len = %d, want 2", len(list))
	}
	byTag, _ := store.List(ctx, Filter{Tags: []string{"batch"}})
	if len(byTag) != 1 {
		t.Errorf("tag filter len = %d, want 1", len(byTag))
	}
	n, _ := store.Count(ctx, Filter{Statuses: []Status{StatusFailed, StatusCancelled}})
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 || stats.ByStatus[StatusCompleted] != 1 {
		t.Errorf("Stats = %+v", stats)
	}
	if stats.AvgDurationMs <= 0 {
		t.Errorf("AvgDurationMs = %v, want > 0", stats.AvgDurationMs)
	}
}

func TestPgStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	store, cleanup := newTestPgStore(t, ctx)
	defer cleanup()

	old := time.Now().Add(-2 * time.Hour)
	_ = store.Save(ctx, &Run{ID: "run-old", WorkflowName: "order", Status: StatusCompleted, CompletedAt: old})
	_ = store.Save(ctx, &Run{ID: "run-live", WorkflowName: "order", Status: StatusRunning})

	removed, err := store.Cleanup(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := store.Get(ctx, "run-live"); err != nil {
		t.Errorf("live run should survive: %v", err)
	}
}
