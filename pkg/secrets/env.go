// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envPrefix 环境变量命名空间，与配置的 COFLOW_ 前缀约定一致
const envPrefix = "COFLOW_SECRET_"

type envStore struct{}

// NewEnvStore 创建环境变量 secret store。
// 引用名映射到环境变量：大写化并把 / . - 换成下划线，再加 COFLOW_SECRET_
// 前缀，如 "hooks/deploy-key" 读取 COFLOW_SECRET_HOOKS_DEPLOY_KEY。
func NewEnvStore() Store {
	return &envStore{}
}

// envName 引用名 -> 环境变量名
func envName(key string) string {
	mapped := strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(key)
	return envPrefix + strings.ToUpper(mapped)
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	name := envName(key)
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("environment variable not set: %s (secret %q)", name, key)
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(envName(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(envName(key))
}

// List 返回命中前缀的环境变量名（映射不可逆，不还原引用名）
func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	want := envName(prefix)
	if prefix == "" {
		want = envPrefix
	}
	var keys []string
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) > 0 && strings.HasPrefix(parts[0], want) {
			keys = append(keys, parts[0])
		}
	}
	return keys, nil
}
