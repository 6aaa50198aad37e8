// Copyright 2026 fanjia1024
// HashiCorp Vault secret store

package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address string `mapstructure:"address"` // Vault 服务地址（如 http://vault:8200）
	Token   string `mapstructure:"token"`   // Vault token
	Mount   string `mapstructure:"mount"`   // KV v2 挂载点，空则按 "secret"
}

// vaultStore 基于 KV v2 引擎。每次 Get 直读 Vault，轮换后的值
// 下一次解析即生效，不做进程内缓存。
type vaultStore struct {
	client *vault.Client
	kv     *vault.KVv2
	mount  string
}

// NewVaultStore 创建 Vault secret store
func NewVaultStore(config VaultConfig) (Store, error) {
	if config.Address == "" {
		config.Address = "http://localhost:8200"
	}

	cfg := vault.DefaultConfig()
	cfg.Address = config.Address

	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	if config.Token != "" {
		client.SetToken(config.Token)
	}

	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}

	mount := config.Mount
	if mount == "" {
		mount = "secret"
	}

	return &vaultStore{
		client: client,
		kv:     client.KVv2(mount),
		mount:  mount,
	}, nil
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", fmt.Errorf("secret not found: %s", key)
		}
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}

	if data, ok := secret.Data["value"].(string); ok {
		return data, nil
	}
	// 无 "value" 字段时取首个字符串字段，兼容手工写入的条目
	for _, val := range secret.Data {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}
	return "", fmt.Errorf("secret value not found: %s", key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	_, err := v.kv.Put(ctx, key, map[string]interface{}{"value": value})
	if err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if err := v.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	searchPath := fmt.Sprintf("%s/metadata", v.mount)
	if prefix != "" {
		searchPath = fmt.Sprintf("%s/metadata/%s", v.mount, prefix)
	}

	secret, err := v.client.Logical().ListWithContext(ctx, searchPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}

	keys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return nil, nil
	}

	var result []string
	for _, k := range keys {
		str, ok := k.(string)
		if !ok {
			continue
		}
		if prefix == "" || strings.HasPrefix(str, prefix) {
			result = append(result, str)
		} else {
			result = append(result, prefix+"/"+str)
		}
	}
	return result, nil
}
