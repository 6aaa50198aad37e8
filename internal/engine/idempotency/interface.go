package idempotency

import (
	"context"
	"time"
)

// Record 幂等记录：同一 (workflow, node, input) 的历史执行结果
type Record struct {
	Key       string    `json:"key"`
	Result    any       `json:"result,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store 幂等存储接口
type Store interface {
	// Check 查询记录，未命中或已过期返回 (nil, false, nil)
	Check(ctx context.Context, key string) (*Record, bool, error)
	// Put 写入记录，同 key 覆盖（last-writer-wins）
	Put(ctx context.Context, rec *Record) error
	// Delete 删除记录
	Delete(ctx context.Context, key string) error
	// Clear 清除所有记录
	Clear(ctx context.Context) error
	// Close 关闭存储连接
	Close() error
}
