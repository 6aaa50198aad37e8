package dlq

import (
	"context"
	"time"

	"flow-platform/pkg/workflow"
)

// ErrorInfo 捕获的失败现场
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Entry 死信条目。创建后除 Attempts/LastAttempt 外不再修改。
type Entry struct {
	ID           string            `json:"id"`
	WorkflowID   string            `json:"workflow_id"`
	WorkflowName string            `json:"workflow_name"`
	NodeID       string            `json:"node_id"`
	State        workflow.State    `json:"state,omitempty"`
	Input        workflow.State    `json:"input,omitempty"`
	Error        ErrorInfo         `json:"error"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"max_attempts"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAttempt  time.Time         `json:"last_attempt,omitzero"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Filter 列表过滤条件，零值字段不参与过滤；Tags 要求全部命中
type Filter struct {
	WorkflowID    string
	WorkflowName  string
	NodeID        string
	MinAttempts   int
	MaxAttempts   int
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Tags          []string
	Offset        int
	Limit         int
}

// Store 死信存储接口
type Store interface {
	// Add 写入条目并返回生成的 ID
	Add(ctx context.Context, e *Entry) (string, error)
	// Get 按 ID 读取条目
	Get(ctx context.Context, id string) (*Entry, error)
	// List 过滤列出条目，按 CreatedAt 降序
	List(ctx context.Context, f Filter) ([]*Entry, error)
	// Count 过滤计数（不受 Offset/Limit 影响）
	Count(ctx context.Context, f Filter) (int, error)
	// Retry 记录一次重投：Attempts+1、LastAttempt=now，返回更新后的条目
	Retry(ctx context.Context, id string) (*Entry, error)
	// Remove 删除条目
	Remove(ctx context.Context, id string) error
	// Clear 清空队列
	Clear(ctx context.Context) error
	// Close 停止后台清理并释放资源
	Close() error
}
