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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Engine      EngineConfig      `mapstructure:"engine"`
	RunStore    RunStoreConfig    `mapstructure:"runstore"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	DLQ         DLQConfig         `mapstructure:"dlq"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Triggers    TriggersConfig    `mapstructure:"triggers"`
	Notifier    NotifierConfig    `mapstructure:"notifier"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
	Log         LogConfig         `mapstructure:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Port    int        `mapstructure:"port"`
	Host    string     `mapstructure:"host"`
	Timeout string     `mapstructure:"timeout"`
	CORS    CORSConfig `mapstructure:"cors"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	Enable       bool     `mapstructure:"enable"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// EngineConfig 引擎调度与执行配置
type EngineConfig struct {
	MaxConcurrency     int    `mapstructure:"max_concurrency"`      // 同时在执行的 Run 上限，<=0 使用默认 10
	PollInterval       string `mapstructure:"poll_interval"`        // 派发轮询间隔，如 "10ms"，空则默认 10ms
	NodeTimeout        string `mapstructure:"node_timeout"`         // 节点默认超时，空则不限制
	MaxSubDepth        int    `mapstructure:"max_sub_depth"`        // 子工作流最大嵌套深度，<=0 使用默认 5
	CompensateOnCancel *bool  `mapstructure:"compensate_on_cancel"` // 取消时是否执行补偿；未配置时默认 true
	RunTTL             string `mapstructure:"run_ttl"`              // 终态 Run 保留时长，如 "720h"，空则不清理
	CleanupInterval    string `mapstructure:"cleanup_interval"`     // 过期 Run 清理间隔，空则默认 1h
}

// RunStoreConfig Run 存储配置
type RunStoreConfig struct {
	Type     string `mapstructure:"type"`      // memory | postgres
	DSN      string `mapstructure:"dsn"`       // Postgres 连接串，type=postgres 时必填
	PoolSize int    `mapstructure:"pool_size"` // 连接池大小，<=0 使用驱动默认
}

// IdempotencyConfig 幂等存储配置
type IdempotencyConfig struct {
	Type     string `mapstructure:"type"`     // memory | redis
	Addr     string `mapstructure:"addr"`     // Redis 地址，type=redis 时必填
	DB       int    `mapstructure:"db"`       // Redis DB 编号
	Password string `mapstructure:"password"` // Redis 密码，可选
	TTL      string `mapstructure:"ttl"`      // 记录保留时长，如 "10m"，空则默认 10m
}

// DLQConfig 死信队列配置
type DLQConfig struct {
	Type          string `mapstructure:"type"`           // memory | file
	Dir           string `mapstructure:"dir"`            // type=file 时的目录
	DefaultTTL    string `mapstructure:"default_ttl"`    // 条目保留时长，如 "168h"，空则默认 7 天
	SweepInterval string `mapstructure:"sweep_interval"` // 过期清理间隔，如 "1m"，空则默认 1m
}

// CheckpointConfig Checkpoint 存储配置
type CheckpointConfig struct {
	Enable bool   `mapstructure:"enable"`
	Type   string `mapstructure:"type"` // memory（预留 postgres/redis）
}

// TriggersConfig 触发器配置
type TriggersConfig struct {
	Cron    CronTriggerConfig    `mapstructure:"cron"`
	Webhook WebhookTriggerConfig `mapstructure:"webhook"`
}

// CronTriggerConfig Cron 触发器配置
type CronTriggerConfig struct {
	Enable       bool   `mapstructure:"enable"`
	PollInterval string `mapstructure:"poll_interval"` // 到期扫描间隔，如 "1s"，空则默认 1s
}

// WebhookTriggerConfig Webhook 触发器配置
type WebhookTriggerConfig struct {
	Enable      bool                       `mapstructure:"enable"`
	DedupWindow string                     `mapstructure:"dedup_window"` // 去重窗口，如 "1m"，空则默认 1m
	RateLimits  map[string]RateLimitConfig `mapstructure:"rate_limits"`  // 按 path 的限流
}

// RateLimitConfig 单个 key 的令牌桶限流配置
type RateLimitConfig struct {
	Capacity int    `mapstructure:"capacity"`
	Window   string `mapstructure:"window"` // 如 "1m"
	Burst    int    `mapstructure:"burst"`
}

// NotifierConfig Run 终态回调配置
type NotifierConfig struct {
	Endpoints  []string `mapstructure:"endpoints"`   // 回调 URL 列表，空则关闭
	AuthSecret string   `mapstructure:"auth_secret"` // secrets.Store 中的 key，解析为 Bearer token
	Timeout    string   `mapstructure:"timeout"`     // 单次回调超时，空则默认 10s
	RetryMax   int      `mapstructure:"retry_max"`   // 回调失败重试次数，<=0 使用默认 2
}

// SecretsConfig Secret 提供方配置
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // memory | env | vault
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 配置
type VaultConfig struct {
	Address string `mapstructure:"address"`
	Token   string `mapstructure:"token"`
	Mount   string `mapstructure:"mount"` // KV v2 挂载点，空则按 "secret"
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	return &config, nil
}

// replaceEnvVars 替换配置中的 ${VAR} 环境变量引用（DSN、密码等敏感项）
func replaceEnvVars(config *Config) {
	config.RunStore.DSN = expandEnv(config.RunStore.DSN)
	config.Idempotency.Password = expandEnv(config.Idempotency.Password)
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
}

func expandEnv(v string) string {
	if !strings.HasPrefix(v, "$") {
		return v
	}
	envVar := strings.TrimPrefix(strings.TrimSuffix(v, "}"), "${")
	envVar = strings.TrimPrefix(envVar, "$")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return v
}

// LoadAPIConfig 加载 API 配置（仅 configs/api.yaml）
func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}
