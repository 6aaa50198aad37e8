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

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"flow-platform/pkg/config"
)

const redisKeyPrefix = "coflow:idem:"

// RedisStore Redis 幂等存储实现，TTL 由 Redis 过期机制承担
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建 Redis 幂等存储并验证连通性
func NewRedisStore(cfg config.IdempotencyConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Check 查询记录
func (s *RedisStore) Check(ctx context.Context, key string) (*Record, bool, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取幂等记录失败: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("解析幂等记录失败: %w", err)
	}
	return &rec, true, nil
}

// Put 写入记录，过期时间交由 Redis TTL
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化幂等记录失败: %w", err)
	}
	var ttl time.Duration
	if !rec.ExpiresAt.IsZero() {
		ttl = time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	if err := s.client.Set(ctx, redisKeyPrefix+rec.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("写入幂等记录失败: %w", err)
	}
	return nil
}

// Delete 删除记录
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("删除幂等记录失败: %w", err)
	}
	return nil
}

// Clear 清除所有记录（按前缀扫描）
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("清除幂等记录失败: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("扫描幂等记录失败: %w", err)
	}
	return nil
}

// Close 关闭存储连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}
