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

// Package app 进程级装配：配置、日志、存储与引擎的统一初始化，
// 供 cmd/api 与嵌入方复用，避免在 cmd 内散落装配代码。
package app

import (
	"context"
	"fmt"

	"flow-platform/internal/engine/approval"
	"flow-platform/internal/engine/checkpoint"
	"flow-platform/internal/engine/dlq"
	"flow-platform/internal/engine/idempotency"
	"flow-platform/internal/engine/runstore"
	"flow-platform/pkg/config"
	"flow-platform/pkg/log"
	"flow-platform/pkg/secrets"
)

// Bootstrap 统一初始化：日志、密钥与各存储，供 App 装配引擎时复用
type Bootstrap struct {
	Config      *config.Config
	Logger      *log.Logger
	Secrets     secrets.Store
	Runs        runstore.Store
	Idempotency idempotency.Store
	DeadLetters dlq.Store
	Checkpoints checkpoint.Store
	Approvals   approval.Store
}

// NewBootstrap 根据配置创建 Bootstrap。cfg 为 nil 时全部使用内存实现。
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
	}
	logger, err := log.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	var secCfg secrets.Config
	if cfg != nil {
		secCfg = secrets.Config{
			Provider: cfg.Secrets.Provider,
			Vault: secrets.VaultConfig{
				Address: cfg.Secrets.Vault.Address,
				Token:   cfg.Secrets.Vault.Token,
				Mount:   cfg.Secrets.Vault.Mount,
			},
		}
	}
	sec, err := secrets.NewStore(secCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化密钥存储失败: %w", err)
	}

	var runCfg config.RunStoreConfig
	var idemCfg config.IdempotencyConfig
	var dlqCfg config.DLQConfig
	var cpCfg config.CheckpointConfig
	if cfg != nil {
		runCfg = cfg.RunStore
		idemCfg = cfg.Idempotency
		dlqCfg = cfg.DLQ
		cpCfg = cfg.Checkpoint
	}

	runs, err := runstore.NewStore(ctx, runCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化 Run 存储失败: %w", err)
	}
	idem, err := idempotency.NewStore(idemCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化幂等存储失败: %w", err)
	}
	deadLetters, err := dlq.NewStore(dlqCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化死信存储失败: %w", err)
	}
	checkpoints, err := checkpoint.NewStore(cpCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化检查点存储失败: %w", err)
	}

	return &Bootstrap{
		Config:      cfg,
		Logger:      logger,
		Secrets:     sec,
		Runs:        runs,
		Idempotency: idem,
		DeadLetters: deadLetters,
		Checkpoints: checkpoints,
		Approvals:   approval.WithDelegation(approval.NewMemoryStore()),
	}, nil
}

// Close 逆序释放存储资源
func (b *Bootstrap) Close() error {
	var first error
	closers := []func() error{
		b.Approvals.Close,
		b.Checkpoints.Close,
		b.DeadLetters.Close,
		b.Idempotency.Close,
		b.Runs.Close,
	}
	for _, c := range closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
