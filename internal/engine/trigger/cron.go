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
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/metrics"
)

// CronConfig 定时触发配置
type CronConfig struct {
	// Expression 五段 POSIX crontab（分 时 日 月 周）
	Expression string `json:"expression"`
	// Timezone IANA 时区名；空按系统本地时区
	Timezone string `json:"timezone,omitempty"`
	// MaxConcurrent 单触发器最大在途触发数；<=0 不限制。
	// 在途指 FireFunc 尚未返回的触发；达到上限的到期触发被跳过。
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

func parseCronSchedule(cfg *CronConfig) (cron.Schedule, *time.Location, error) {
	sched, err := cron.ParseStandard(cfg.Expression)
	if err != nil {
		return nil, nil, fmt.Errorf("cron 表达式 %q 解析失败: %v", cfg.Expression, err)
	}
	loc := time.Local
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("时区 %q 加载失败: %v", cfg.Timezone, err)
		}
	}
	return sched, loc, nil
}

// pollCron 扫描到期的 cron 触发器。到期即重算 NextFireAt（跳过也重算，
// 否则下个 tick 会重复到期）；超过 MaxConcurrent 的到期触发记为跳过。
func (d *Dispatcher) pollCron(ctx context.Context, now time.Time) {
	type firing struct {
		id   string
		next time.Time
	}
	var due []firing

	d.mu.Lock()
	for id, reg := range d.regs {
		if reg.t.Type != TypeCron || !reg.t.Enabled || reg.sched == nil {
			continue
		}
		if reg.t.NextFireAt.IsZero() || reg.t.NextFireAt.After(now) {
			continue
		}
		next := reg.sched.Next(now.In(reg.loc))
		reg.t.NextFireAt = next

		if max := reg.t.Cron.MaxConcurrent; max > 0 && reg.inflight >= max {
			metrics.TriggerFireTotal.WithLabelValues(string(TypeCron), "skipped").Inc()
			d.logger.Warn("cron 触发重叠，跳过本次",
				"trigger_id", id, "inflight", reg.inflight, "max_concurrent", max)
			continue
		}
		reg.inflight++
		due = append(due, firing{id: id, next: next})
	}
	d.mu.Unlock()

	for _, f := range due {
		go func(f firing) {
			defer d.releaseCron(f.id)
			fireCtx := Context{
				"trigger_type": string(TypeCron),
				"trigger_id":   f.id,
				"next_fire_at": f.next.Format(time.RFC3339),
			}
			if _, _, err := d.fireOne(ctx, f.id, nil, fireCtx); err != nil {
				d.logger.Warn("cron 触发失败", "trigger_id", f.id, "error", err)
			}
		}(f)
	}
}

// FireCron 立即触发一个 cron 触发器（外部调度源或手工触发）。
// 与轮询路径共享在途计数；达到 MaxConcurrent 时返回 ErrUnavailable。
func (d *Dispatcher) FireCron(ctx context.Context, id string) (string, error) {
	d.mu.Lock()
	reg, ok := d.regs[id]
	if !ok {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: 触发器 %s", perrors.ErrNotFound, id)
	}
	if reg.t.Type != TypeCron {
		d.mu.Unlock()
		return "", fmt.Errorf("%w: 触发器 %s 不是 cron 类型", perrors.ErrInvalidArg, id)
	}
	if max := reg.t.Cron.MaxConcurrent; max > 0 && reg.inflight >= max {
		d.mu.Unlock()
		metrics.TriggerFireTotal.WithLabelValues(string(TypeCron), "skipped").Inc()
		return "", fmt.Errorf("%w: 触发器 %s 已有 %d 次触发在途", perrors.ErrUnavailable, id, reg.inflight)
	}
	reg.inflight++
	next := reg.t.NextFireAt
	d.mu.Unlock()
	defer d.releaseCron(id)

	fireCtx := Context{
		"trigger_type": string(TypeCron),
		"trigger_id":   id,
	}
	if !next.IsZero() {
		fireCtx["next_fire_at"] = next.Format(time.RFC3339)
	}
	runID, fired, err := d.fireOne(ctx, id, nil, fireCtx)
	if err != nil {
		return "", err
	}
	if !fired {
		return "", fmt.Errorf("%w: 触发器 %s 的触发条件未满足", perrors.ErrUnavailable, id)
	}
	return runID, nil
}

func (d *Dispatcher) releaseCron(id string) {
	d.mu.Lock()
	if reg, ok := d.regs[id]; ok && reg.inflight > 0 {
		reg.inflight--
	}
	d.mu.Unlock()
}
