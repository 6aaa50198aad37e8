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

package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"flow-platform/pkg/workflow"
)

func TestExecute_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := workflow.RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		Strategy:     workflow.BackoffExponential,
	}
	res := Execute(context.Background(), cfg, func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return "done", nil
	}, nil)

	if !res.OK {
		t.Fatalf("res = %+v", res)
	}
	if res.Attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d calls = %d, want 3", res.Attempts, calls)
	}
	if res.Value != "done" {
		t.Errorf("value = %v", res.Value)
	}
	if len(res.Delays) != 2 {
		t.Errorf("delays = %v", res.Delays)
	}
}

func TestExecute_PermanentErrorStopsImmediately(t *testing.T) {
	calls := 0
	cfg := workflow.RetryPolicy{MaxRetries: 5, InitialDelay: time.Millisecond}
	res := Execute(context.Background(), cfg, func(ctx context.Context) (any, error) {
		calls++
		return nil, MarkPermanent(errors.New("business rule violated"))
	}, nil)

	if res.OK || calls != 1 {
		t.Fatalf("calls = %d res = %+v", calls, res)
	}
	if !errors.Is(res.Err, ErrPermanent) {
		t.Errorf("err = %v", res.Err)
	}
}

func TestExecute_ExhaustsBudget(t *testing.T) {
	calls := 0
	cfg := workflow.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond}
	res := Execute(context.Background(), cfg, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("timeout while dialing")
	}, nil)

	if res.OK {
		t.Fatal("should fail")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want maxRetries+1 = 3", calls)
	}
}

func TestExecute_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := workflow.RetryPolicy{MaxRetries: 3, InitialDelay: time.Second}
	done := make(chan Result, 1)
	go func() {
		done <- Execute(ctx, cfg, func(ctx context.Context) (any, error) {
			return nil, errors.New("connection refused")
		}, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.OK {
			t.Fatal("should not succeed")
		}
		if !errors.Is(res.Err, ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not abort backoff sleep")
	}
}

func TestExecute_Hooks(t *testing.T) {
	var attempts, retries, failures int
	hooks := &Hooks{
		OnAttempt: func(a Attempt) { attempts++ },
		OnRetry:   func(a Attempt) { retries++ },
		OnFailure: func(a Attempt) { failures++ },
	}
	cfg := workflow.RetryPolicy{MaxRetries: 1, InitialDelay: time.Millisecond}
	Execute(context.Background(), cfg, func(ctx context.Context) (any, error) {
		return nil, errors.New("timeout")
	}, hooks)

	if attempts != 2 || retries != 1 || failures != 1 {
		t.Errorf("attempts=%d retries=%d failures=%d", attempts, retries, failures)
	}
}

func TestDelay_Strategies(t *testing.T) {
	base := 100 * time.Millisecond
	tests := []struct {
		strategy workflow.BackoffStrategy
		attempt  int
		want     time.Duration
	}{
		{workflow.BackoffConstant, 1, base},
		{workflow.BackoffConstant, 4, base},
		{workflow.BackoffLinear, 1, base},
		{workflow.BackoffLinear, 3, 3 * base},
		{workflow.BackoffExponential, 1, base},
		{workflow.BackoffExponential, 3, 4 * base},
	}
	for _, tc := range tests {
		cfg := workflow.RetryPolicy{InitialDelay: base, Multiplier: 2, Strategy: tc.strategy}
		if got := Delay(cfg, tc.attempt); got != tc.want {
			t.Errorf("%s attempt %d: got %v want %v", tc.strategy, tc.attempt, got, tc.want)
		}
	}
}

func TestDelay_CapAndJitterFloor(t *testing.T) {
	cfg := workflow.RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Second,
		Multiplier:   10,
		Strategy:     workflow.BackoffExponential,
	}
	if got := Delay(cfg, 5); got != 2*time.Second {
		t.Errorf("cap: got %v", got)
	}

	cfg.Jitter = 1.0
	for i := 0; i < 50; i++ {
		if got := Delay(cfg, 5); got < 0 || got > 4*time.Second {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestIsRetryable_Classification(t *testing.T) {
	cfg := workflow.RetryPolicy{}
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("connection refused"), true},
		{errors.New("HTTP 503 Service Unavailable"), true},
		{errors.New("no such host"), true},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), true},
		{errors.New("validation failed"), false},
		{MarkRetryable(errors.New("custom transient")), true},
		{MarkPermanent(errors.New("timeout")), false},
		{context.Canceled, false},
	}
	for _, tc := range tests {
		if got := IsRetryable(cfg, tc.err); got != tc.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsRetryable_CustomList(t *testing.T) {
	cfg := workflow.RetryPolicy{RetryableErrors: []string{"flaky-dep"}}
	if !IsRetryable(cfg, errors.New("call to flaky-dep failed")) {
		t.Error("custom substring should match")
	}
	if IsRetryable(cfg, errors.New("connection refused")) {
		t.Error("custom list replaces the default classifier")
	}
}
