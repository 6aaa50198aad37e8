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
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"flow-platform/internal/api/http"
	"flow-platform/internal/api/http/middleware"
	"flow-platform/internal/engine/breaker"
	"flow-platform/internal/engine/executor"
	"flow-platform/internal/engine/manager"
	"flow-platform/internal/engine/notify"
	"flow-platform/internal/engine/ratelimit"
	"flow-platform/internal/engine/trigger"
	"flow-platform/pkg/config"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/metrics"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用：装配引擎（执行器、管理器、触发器、终态回调）与 HTTP 路由
type App struct {
	bootstrap    *Bootstrap
	manager      *manager.Manager
	notifier     *notify.Notifier
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(b *Bootstrap) (*App, error) {
	if b == nil {
		return nil, perrors.Wrap(perrors.ErrInvalidArg, "bootstrap 为空")
	}
	cfg := b.Config

	var mgrCfg manager.Config
	var execCfg executor.Config
	if cfg != nil {
		mgrCfg = manager.Config{
			MaxConcurrency:   cfg.Engine.MaxConcurrency,
			PollInterval:     parseDuration(cfg.Engine.PollInterval, 0),
			CronPollInterval: parseDuration(cfg.Triggers.Cron.PollInterval, 0),
			RunTTL:           parseDuration(cfg.Engine.RunTTL, 0),
			CleanupInterval:  parseDuration(cfg.Engine.CleanupInterval, 0),
		}
		execCfg = executor.Config{
			DefaultNodeTimeout: parseDuration(cfg.Engine.NodeTimeout, 0),
			MaxSubDepth:        cfg.Engine.MaxSubDepth,
			IdempotencyTTL:     parseDuration(cfg.Idempotency.TTL, 0),
		}
		if cfg.Engine.CompensateOnCancel != nil && !*cfg.Engine.CompensateOnCancel {
			execCfg.DisableCancelCompensation = true
		}
	}

	mgr := manager.New(b.Runs, b.Logger, mgrCfg)

	breakers := breaker.NewRegistry(breaker.Config{})
	breakers.OnStateChange(func(ch breaker.StateChange) {
		metrics.BreakerTransitionTotal.WithLabelValues(ch.Key, string(ch.To)).Inc()
	})

	exec := executor.New(mgr.Store(), breakers, b.Logger, execCfg)
	exec.SetCheckpointStore(b.Checkpoints)
	exec.SetIdempotencyStore(b.Idempotency)
	exec.SetDeadLetterStore(b.DeadLetters)
	exec.SetApprovalStore(b.Approvals)
	mgr.SetExecutor(exec)
	mgr.Triggers().SetSecrets(b.Secrets)

	var notifier *notify.Notifier
	if cfg != nil {
		n, err := notify.New(cfg.Notifier, b.Secrets, b.Logger)
		if err != nil {
			return nil, fmt.Errorf("初始化终态回调失败: %w", err)
		}
		if n.Enabled() {
			mgr.OnRunStateChange(n.OnRunChange)
		}
		notifier = n
	}

	handler := http.NewHandler(mgr, b.Logger)
	handler.SetApprovalStore(b.Approvals)
	handler.SetDeadLetterStore(b.DeadLetters)
	var corsCfg config.CORSConfig
	if cfg != nil {
		corsCfg = cfg.API.CORS
	}
	router := http.NewRouter(handler, middleware.NewMiddleware(b.Logger, corsCfg))

	return &App{
		bootstrap: b,
		manager:   mgr,
		notifier:  notifier,
		router:    router,
	}, nil
}

// Manager 返回工作流管理器，供嵌入方注册工作流与触发器
func (a *App) Manager() *manager.Manager {
	return a.manager
}

// RegisterTrigger 注册触发器并套用配置侧缺省：cron 与 webhook 类型
// 受各自的 enable 开关约束；webhook 未声明去重窗口时取
// triggers.webhook.dedup_window，路径命中 rate_limits 时附加对应限流。
func (a *App) RegisterTrigger(t *trigger.Trigger) (string, error) {
	cfg := a.bootstrap.Config
	if cfg != nil && t != nil {
		switch t.Type {
		case trigger.TypeCron:
			if !cfg.Triggers.Cron.Enable {
				return "", perrors.Wrap(perrors.ErrUnavailable, "cron 触发器在配置中停用")
			}
		case trigger.TypeWebhook:
			if !cfg.Triggers.Webhook.Enable {
				return "", perrors.Wrap(perrors.ErrUnavailable, "webhook 触发器在配置中停用")
			}
			if t.Webhook != nil {
				wh := cfg.Triggers.Webhook
				if t.Webhook.DedupWindow <= 0 {
					t.Webhook.DedupWindow = parseDuration(wh.DedupWindow, time.Minute)
				}
				if t.Webhook.RateLimit == nil {
					if rl, ok := wh.RateLimits[t.Webhook.Path]; ok {
						t.Webhook.RateLimit = &ratelimit.Config{
							Capacity: rl.Capacity,
							Window:   parseDuration(rl.Window, 0),
							Burst:    rl.Burst,
						}
					}
				}
			}
		}
	}
	return a.manager.RegisterTrigger(t)
}

// Run 启动管理器与 HTTP 服务（阻塞在 hertz.Run 上）。
// 调用方负责在收到退出信号后调用 Shutdown。
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config

	// hertz 框架日志与业务日志走同一 slog 后端
	var output io.Writer = os.Stdout
	if cfg != nil && cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	if cfg != nil && cfg.Log.Level != "" {
		switch cfg.Log.Level {
		case "debug":
			levelVar.Set(slog.LevelDebug)
		case "warn":
			levelVar.Set(slog.LevelWarn)
		case "error":
			levelVar.Set(slog.LevelError)
		default:
			levelVar.Set(slog.LevelInfo)
		}
	} else {
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	if cfg != nil && cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "coflow-api"
		}
		exportEndpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.bootstrap.Logger.Info("链路追踪已启用",
				"service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	if err := a.manager.Start(context.Background()); err != nil {
		return fmt.Errorf("启动管理器失败: %w", err)
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	a.manager.Stop()
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	return a.bootstrap.Close()
}

// parseDuration 解析时长字符串，无效或空时返回 defaultVal
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
