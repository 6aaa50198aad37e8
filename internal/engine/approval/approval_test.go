package approval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/workflow"
)

func newRequest(runID, nodeID string) *Request {
	return &Request{
		WorkflowName: "order-flow",
		RunID:        runID,
		NodeID:       nodeID,
		Type:         workflow.GateApproveReject,
		Title:        "confirm refund",
		Assignee:     "alice",
	}
}

func TestCreateRequest_GeneratesID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.CreateRequest(ctx, newRequest("run-1", "gate"))
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if !strings.HasPrefix(id, "apr-") {
		t.Errorf("id = %s, want apr- prefix", id)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Resolved || got.Response != nil {
		t.Error("new request should be unresolved without response")
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}
}

func TestCreateRequest_Validation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.CreateRequest(ctx, nil); !errors.Is(err, perrors.ErrInvalidArg) {
		t.Errorf("nil request err = %v, want ErrInvalidArg", err)
	}
	if _, err := s.CreateRequest(ctx, &Request{RunID: "run-1"}); !errors.Is(err, perrors.ErrInvalidArg) {
		t.Errorf("missing node id err = %v, want ErrInvalidArg", err)
	}

	req := newRequest("run-1", "gate")
	req.ID = "apr-fixed"
	if _, err := s.CreateRequest(ctx, req); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if _, err := s.CreateRequest(ctx, req); !errors.Is(err, perrors.ErrConflict) {
		t.Errorf("duplicate id err = %v, want ErrConflict", err)
	}
}

func TestGetPendingRequests_Filters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := newRequest("run-1", "gate-a")
	a.CreatedAt = time.Now().Add(-2 * time.Hour)
	b := newRequest("run-2", "gate-b")
	b.Assignee = "bob"
	b.CreatedAt = time.Now().Add(-time.Hour)
	c := newRequest("run-3", "gate-c")
	c.WorkflowName = "other-flow"

	idA, _ := s.CreateRequest(ctx, a)
	_, _ = s.CreateRequest(ctx, b)
	_, _ = s.CreateRequest(ctx, c)

	all, err := s.GetPendingRequests(ctx, "", "")
	if err != nil {
		t.Fatalf("GetPendingRequests: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("pending = %d, want 3", len(all))
	}
	if all[0].ID != idA {
		t.Errorf("pending[0] = %s, want oldest first", all[0].ID)
	}

	byFlow, _ := s.GetPendingRequests(ctx, "order-flow", "")
	if len(byFlow) != 2 {
		t.Errorf("order-flow pending = %d, want 2", len(byFlow))
	}
	byAssignee, _ := s.GetPendingRequests(ctx, "", "bob")
	if len(byAssignee) != 1 || byAssignee[0].RunID != "run-2" {
		t.Errorf("bob pending = %v, want run-2 only", byAssignee)
	}

	// 已决请求不再出现在待办中
	_ = s.SubmitResponse(ctx, &Response{RequestID: idA, Decision: true, RespondedBy: "alice"})
	left, _ := s.GetPendingRequests(ctx, "order-flow", "")
	if len(left) != 1 {
		t.Errorf("pending after resolve = %d, want 1", len(left))
	}
}

func TestFindByNode(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, _ := s.CreateRequest(ctx, newRequest("run-1", "gate"))

	got, err := s.FindByNode(ctx, "run-1", "gate")
	if err != nil || got == nil || got.ID != id {
		t.Fatalf("FindByNode = (%v, %v), want request %s", got, err, id)
	}
	miss, err := s.FindByNode(ctx, "run-1", "other")
	if err != nil || miss != nil {
		t.Errorf("FindByNode miss = (%v, %v), want (nil, nil)", miss, err)
	}

	// 已决请求仍可定位：恢复执行时读取决策
	_ = s.SubmitResponse(ctx, &Response{RequestID: id, Decision: true})
	resolved, err := s.FindByNode(ctx, "run-1", "gate")
	if err != nil || resolved == nil || !resolved.Resolved {
		t.Fatalf("FindByNode resolved = (%v, %v), want resolved request", resolved, err)
	}
	if resolved.Response.Decision != true {
		t.Errorf("decision = %v, want true", resolved.Response.Decision)
	}
}

func TestSubmitResponse_NotifiesWatchers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, _ := s.CreateRequest(ctx, newRequest("run-1", "gate"))

	got := make(chan *Response, 2)
	for i := 0; i < 2; i++ {
		if err := s.OnResponse(id, func(r *Response) { got <- r }); err != nil {
			t.Fatalf("OnResponse: %v", err)
		}
	}

	if err := s.SubmitResponse(ctx, &Response{RequestID: id, Decision: "ship-now", RespondedBy: "alice"}); err != nil {
		t.Fatalf("SubmitResponse: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case r := <-got:
			if r.Decision != "ship-now" || r.RespondedBy != "alice" {
				t.Errorf("watcher got %+v", r)
			}
			if r.RespondedAt.IsZero() {
				t.Error("RespondedAt not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("watcher not notified")
		}
	}

	req, _ := s.Get(ctx, id)
	if !req.Resolved || req.Response == nil {
		t.Error("request should be resolved with stored response")
	}
}

func TestSubmitResponse_OneWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, _ := s.CreateRequest(ctx, newRequest("run-1", "gate"))

	if err := s.SubmitResponse(ctx, &Response{RequestID: id, Decision: true}); err != nil {
		t.Fatalf("first SubmitResponse: %v", err)
	}
	err := s.SubmitResponse(ctx, &Response{RequestID: id, Decision: false})
	if !errors.Is(err, perrors.ErrConflict) {
		t.Errorf("second SubmitResponse err = %v, want ErrConflict", err)
	}

	req, _ := s.Get(ctx, id)
	if req.Response.Decision != true {
		t.Errorf("stored decision = %v, first response must win", req.Response.Decision)
	}
}

func TestSubmitResponse_UnknownRequest(t *testing.T) {
	s := NewMemoryStore()
	err := s.SubmitResponse(context.Background(), &Response{RequestID: "apr-ghost", Decision: true})
	if !errors.Is(err, perrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOnResponse_LateWatcherNotifiedAsync(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, _ := s.CreateRequest(ctx, newRequest("run-1", "gate"))
	_ = s.SubmitResponse(ctx, &Response{RequestID: id, Decision: 4.0})

	got := make(chan *Response, 1)
	if err := s.OnResponse(id, func(r *Response) { got <- r }); err != nil {
		t.Fatalf("OnResponse after resolve: %v", err)
	}
	select {
	case r := <-got:
		if r.Decision != 4.0 {
			t.Errorf("late watcher decision = %v, want 4.0", r.Decision)
		}
	case <-time.After(time.Second):
		t.Fatal("late watcher never notified")
	}
}

func TestOnResponse_ReentrantRegistration(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, _ := s.CreateRequest(ctx, newRequest("run-1", "gate"))

	second := make(chan *Response, 1)
	first := make(chan struct{}, 1)
	_ = s.OnResponse(id, func(r *Response) {
		// 观察者回调内再登记：响应已存在，走异步补通知，不得死锁
		if err := s.OnResponse(id, func(r2 *Response) { second <- r2 }); err != nil {
			t.Errorf("reentrant OnResponse: %v", err)
		}
		first <- struct{}{}
	})

	if err := s.SubmitResponse(ctx, &Response{RequestID: id, Decision: true}); err != nil {
		t.Fatalf("SubmitResponse: %v", err)
	}
	select {
	case <-first:
	case <-time.After(time.Second):
		t.Fatal("first watcher not notified")
	}
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("reentrant watcher not notified")
	}
}

func TestDelegation_RewritesAssignee(t *testing.T) {
	base := NewMemoryStore()
	s := WithDelegation(base)
	ctx := context.Background()
	id, _ := s.CreateRequest(ctx, newRequest("run-1", "gate"))

	notified := make(chan string, 1)
	s.OnDelegate(func(req *Request, resp *Response) { notified <- req.Assignee })

	watcherFired := false
	_ = s.OnResponse(id, func(*Response) { watcherFired = true })

	err := s.SubmitResponse(ctx, &Response{
		RequestID:        id,
		Decision:         nil,
		DelegatedTo:      "bob",
		DelegationReason: "on leave",
	})
	if err != nil {
		t.Fatalf("delegation SubmitResponse: %v", err)
	}

	select {
	case assignee := <-notified:
		if assignee != "bob" {
			t.Errorf("hook assignee = %s, want bob", assignee)
		}
	case <-time.After(time.Second):
		t.Fatal("delegation hook not called")
	}

	req, _ := s.Get(ctx, id)
	if req.Assignee != "bob" {
		t.Errorf("assignee = %s, want bob", req.Assignee)
	}
	if req.Resolved {
		t.Error("delegated request must stay pending")
	}
	if watcherFired {
		t.Error("delegation must not fire response watchers")
	}

	// 新 assignee 的真实决策正常落盘
	if err := s.SubmitResponse(ctx, &Response{RequestID: id, Decision: true, RespondedBy: "bob"}); err != nil {
		t.Fatalf("final SubmitResponse: %v", err)
	}
	req, _ = s.Get(ctx, id)
	if !req.Resolved || req.Response.RespondedBy != "bob" {
		t.Errorf("request = %+v, want resolved by bob", req)
	}
}

func TestDelegation_TimedOutNilDecisionPassesThrough(t *testing.T) {
	s := WithDelegation(NewMemoryStore())
	ctx := context.Background()
	id, _ := s.CreateRequest(ctx, newRequest("run-1", "gate"))

	// 取消/超时合成响应：decision 为 nil 但 TimedOut，照常落盘
	err := s.SubmitResponse(ctx, &Response{RequestID: id, Decision: nil, TimedOut: true})
	if err != nil {
		t.Fatalf("SubmitResponse: %v", err)
	}
	req, _ := s.Get(ctx, id)
	if !req.Resolved || !req.Response.TimedOut {
		t.Errorf("request = %+v, want resolved with timed-out response", req)
	}
}

func TestReassign_ResolvedConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, _ := s.CreateRequest(ctx, newRequest("run-1", "gate"))
	_ = s.SubmitResponse(ctx, &Response{RequestID: id, Decision: false})

	if _, err := s.Reassign(ctx, id, "bob"); !errors.Is(err, perrors.ErrConflict) {
		t.Errorf("Reassign resolved err = %v, want ErrConflict", err)
	}
}

func TestDeleteRequest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, _ := s.CreateRequest(ctx, newRequest("run-1", "gate"))

	if err := s.DeleteRequest(ctx, id); err != nil {
		t.Fatalf("DeleteRequest: %v", err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, perrors.ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteRequest(ctx, id); !errors.Is(err, perrors.ErrNotFound) {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestRequest_CopyOut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	req := newRequest("run-1", "gate")
	req.Choices = []string{"ship", "hold"}
	id, _ := s.CreateRequest(ctx, req)

	got, _ := s.Get(ctx, id)
	got.Choices[0] = "mutated"
	got.Assignee = "mutated"

	again, _ := s.Get(ctx, id)
	if again.Choices[0] != "ship" || again.Assignee != "alice" {
		t.Error("store must not observe caller mutations")
	}
}
