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

// Package retry 按策略重试一次调用：退避、抖动、错误分类与钩子。
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"flow-platform/pkg/workflow"
)

// 分类哨兵：节点函数可用 Mark* 包装错误，显式声明可否重试
var (
	ErrRetryable = errors.New("retryable failure")
	ErrPermanent = errors.New("permanent failure")
	ErrCancelled = errors.New("cancelled")
)

// MarkRetryable 显式标记错误为可重试
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{sentinel: ErrRetryable, inner: err}
}

// MarkPermanent 显式标记错误为不可重试
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &marked{sentinel: ErrPermanent, inner: err}
}

type marked struct {
	sentinel error
	inner    error
}

func (m *marked) Error() string { return m.sentinel.Error() + ": " + m.inner.Error() }

func (m *marked) Unwrap() []error { return []error{m.sentinel, m.inner} }

// defaultRetryableMatches 默认分类器识别的网络类瞬时错误消息片段
var defaultRetryableMatches = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"timed out",
	"no such host",
	"temporarily unavailable",
	"too many requests",
	"429",
	"500",
	"502",
	"503",
	"504",
	"internal server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

// IsRetryable 判定错误可否重试。
// 优先级：显式哨兵 > ctx 取消（不重试）> 策略白名单 > 默认网络类分类器。
func IsRetryable(cfg workflow.RetryPolicy, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrRetryable) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	matches := cfg.RetryableErrors
	if len(matches) == 0 {
		matches = defaultRetryableMatches
	}
	for _, m := range matches {
		if strings.Contains(msg, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

// Delay 第 attempt 次（1 起）失败后、下一次尝试前的等待时长
func Delay(cfg workflow.RetryPolicy, attempt int) time.Duration {
	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	var d time.Duration
	switch cfg.Strategy {
	case workflow.BackoffConstant:
		d = initial
	case workflow.BackoffLinear:
		d = time.Duration(attempt) * initial
	default: // exponential
		d = time.Duration(float64(initial) * math.Pow(multiplier, float64(attempt-1)))
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + cfg.Jitter*(rand.Float64()*2-1)))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Func 被重试的调用
type Func func(ctx context.Context) (any, error)

// Attempt 钩子回调携带的单次尝试信息
type Attempt struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	Err         error
	StartTime   time.Time
	Duration    time.Duration
}

// Hooks 重试过程观察钩子，任意字段可为 nil
type Hooks struct {
	OnAttempt func(Attempt)
	OnRetry   func(Attempt)
	OnSuccess func(Attempt)
	OnFailure func(Attempt)
}

// Result 一次带重试调用的结果
type Result struct {
	OK       bool
	Value    any
	Err      error
	Attempts int
	Delays   []time.Duration
	Duration time.Duration
}

// Execute 以策略 cfg 执行 fn。每次尝试前检查 ctx；退避睡眠可被 ctx 打断，
// 取消返回 ErrCancelled。
func Execute(ctx context.Context, cfg workflow.RetryPolicy, fn Func, hooks *Hooks) Result {
	if hooks == nil {
		hooks = &Hooks{}
	}
	maxAttempts := cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	start := time.Now()
	res := Result{}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = errors.Join(ErrCancelled, err)
			res.Duration = time.Since(start)
			return res
		}

		attemptStart := time.Now()
		if hooks.OnAttempt != nil {
			hooks.OnAttempt(Attempt{Attempt: attempt, MaxAttempts: maxAttempts, StartTime: attemptStart})
		}
		value, err := fn(ctx)
		elapsed := time.Since(attemptStart)
		res.Attempts = attempt

		if err == nil {
			res.OK = true
			res.Value = value
			res.Duration = time.Since(start)
			if hooks.OnSuccess != nil {
				hooks.OnSuccess(Attempt{Attempt: attempt, MaxAttempts: maxAttempts, StartTime: attemptStart, Duration: elapsed})
			}
			return res
		}

		res.Err = err
		if attempt == maxAttempts || !IsRetryable(cfg, err) {
			res.Duration = time.Since(start)
			if hooks.OnFailure != nil {
				hooks.OnFailure(Attempt{Attempt: attempt, MaxAttempts: maxAttempts, Err: err, StartTime: attemptStart, Duration: elapsed})
			}
			return res
		}

		delay := Delay(cfg, attempt)
		res.Delays = append(res.Delays, delay)
		if hooks.OnRetry != nil {
			hooks.OnRetry(Attempt{Attempt: attempt, MaxAttempts: maxAttempts, Delay: delay, Err: err, StartTime: attemptStart, Duration: elapsed})
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				res.Err = errors.Join(ErrCancelled, ctx.Err())
				res.Duration = time.Since(start)
				return res
			case <-timer.C:
			}
		}
	}
	res.Duration = time.Since(start)
	return res
}
