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

package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"flow-platform/internal/engine/trigger"
	"flow-platform/pkg/config"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/workflow"
)

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	b, err := NewBootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewBootstrap: %v", err)
	}
	a, err := NewApp(b)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return a
}

func TestNewApp_WiresEngineEndToEnd(t *testing.T) {
	a := newTestApp(t, nil)

	def, err := workflow.NewBuilder("greet").
		AddNode("say", func(ctx context.Context, s workflow.State) (workflow.State, error) {
			return workflow.State{"greeting": "hello"}, nil
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := a.Manager().RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}

	if err := a.Manager().Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Manager().Stop()

	run, err := a.Manager().Execute(context.Background(), "greet", workflow.State{"name": "ada"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.State["greeting"] != "hello" || run.State["name"] != "ada" {
		t.Errorf("state = %v", run.State)
	}
}

func TestRegisterTrigger_ConfigGatesAndDefaults(t *testing.T) {
	cfg := &config.Config{}
	cfg.Triggers.Webhook.Enable = false
	a := newTestApp(t, cfg)

	_, err := a.RegisterTrigger(&trigger.Trigger{
		WorkflowName: "ingest",
		Type:         trigger.TypeWebhook,
		Webhook:      &trigger.WebhookConfig{Path: "/hooks/push"},
	})
	if !errors.Is(err, perrors.ErrUnavailable) {
		t.Fatalf("disabled webhook err = %v, want ErrUnavailable", err)
	}
	_, err = a.RegisterTrigger(&trigger.Trigger{
		WorkflowName: "nightly",
		Type:         trigger.TypeCron,
		Cron:         &trigger.CronConfig{Expression: "0 3 * * *"},
	})
	if !errors.Is(err, perrors.ErrUnavailable) {
		t.Fatalf("disabled cron err = %v, want ErrUnavailable", err)
	}

	cfg2 := &config.Config{}
	cfg2.Triggers.Webhook.Enable = true
	cfg2.Triggers.Webhook.DedupWindow = "2m"
	cfg2.Triggers.Webhook.RateLimits = map[string]config.RateLimitConfig{
		"/hooks/pay": {Capacity: 5, Window: "30s", Burst: 2},
	}
	a2 := newTestApp(t, cfg2)

	id, err := a2.RegisterTrigger(&trigger.Trigger{
		WorkflowName: "billing",
		Type:         trigger.TypeWebhook,
		Webhook:      &trigger.WebhookConfig{Path: "/hooks/pay"},
	})
	if err != nil {
		t.Fatalf("RegisterTrigger: %v", err)
	}
	got, err := a2.Manager().Triggers().Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Webhook.DedupWindow != 2*time.Minute {
		t.Errorf("DedupWindow = %s, want 2m", got.Webhook.DedupWindow)
	}
	if got.Webhook.RateLimit == nil || got.Webhook.RateLimit.Capacity != 5 {
		t.Errorf("RateLimit = %+v", got.Webhook.RateLimit)
	}

	// 触发器自带配置优先于配置缺省
	id2, err := a2.RegisterTrigger(&trigger.Trigger{
		WorkflowName: "billing",
		Type:         trigger.TypeWebhook,
		Webhook:      &trigger.WebhookConfig{Path: "/hooks/refund", DedupWindow: 10 * time.Second},
	})
	if err != nil {
		t.Fatalf("RegisterTrigger: %v", err)
	}
	got2, _ := a2.Manager().Triggers().Get(id2)
	if got2.Webhook.DedupWindow != 10*time.Second {
		t.Errorf("DedupWindow = %s, want 10s", got2.Webhook.DedupWindow)
	}
}

func TestParseDuration(t *testing.T) {
	if d := parseDuration("", 5*time.Second); d != 5*time.Second {
		t.Errorf("empty = %s", d)
	}
	if d := parseDuration("250ms", 0); d != 250*time.Millisecond {
		t.Errorf("250ms = %s", d)
	}
	if d := parseDuration("bogus", time.Minute); d != time.Minute {
		t.Errorf("bogus = %s", d)
	}
}
