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

package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"flow-platform/pkg/config"
	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/workflow"
)

// runs 表结构随连接建立，多进程共享同一张表
const runSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	workflow_name   TEXT NOT NULL,
	status          TEXT NOT NULL,
	state           JSONB,
	initial_state   JSONB,
	current_nodes   TEXT[],
	completed_nodes TEXT[],
	failed_nodes    TEXT[],
	priority        INT NOT NULL DEFAULT 0,
	scheduled_for   TIMESTAMPTZ,
	tags            TEXT[],
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	error           TEXT,
	parent_run_id   TEXT,
	parent_node_id  TEXT,
	depth           INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status);
CREATE INDEX IF NOT EXISTS runs_workflow_idx ON runs (workflow_name);
CREATE INDEX IF NOT EXISTS runs_created_idx ON runs (created_at DESC);
`

const runColumns = `id, workflow_name, status, COALESCE(state, 'null'::jsonb), COALESCE(initial_state, 'null'::jsonb), COALESCE(current_nodes, '{}'), COALESCE(completed_nodes, '{}'), COALESCE(failed_nodes, '{}'), priority, scheduled_for, COALESCE(tags, '{}'), started_at, completed_at, error, parent_run_id, parent_node_id, depth, created_at, updated_at`

// PgStore Postgres Run 存储：runs 表，供 API 与引擎共享
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 创建基于 PostgreSQL 的 Run 存储并初始化表结构
func NewPgStore(ctx context.Context, cfg config.RunStoreConfig) (*PgStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, runSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("初始化 runs 表失败: %w", err)
	}
	return &PgStore{pool: pool}, nil
}

// Close 关闭连接池
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func marshalState(st workflow.State) (interface{}, error) {
	if st == nil {
		return nil, nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("序列化 run state 失败: %w", err)
	}
	return raw, nil
}

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var status string
	var stateRaw, initialRaw []byte
	var scheduledFor, startedAt, completedAt *time.Time
	var errMsg, parentRunID, parentNodeID *string
	err := row.Scan(&r.ID, &r.WorkflowName, &status, &stateRaw, &initialRaw,
		&r.CurrentNodes, &r.CompletedNodes, &r.FailedNodes, &r.Priority,
		&scheduledFor, &r.Tags, &startedAt, &completedAt,
		&errMsg, &parentRunID, &parentNodeID, &r.Depth, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if len(stateRaw) > 0 {
		var st workflow.State
		if err := json.Unmarshal(stateRaw, &st); err != nil {
			return nil, fmt.Errorf("解析 run state 失败: %w", err)
		}
		r.State = st
	}
	if len(initialRaw) > 0 {
		var st workflow.State
		if err := json.Unmarshal(initialRaw, &st); err != nil {
			return nil, fmt.Errorf("解析 run initial state 失败: %w", err)
		}
		r.InitialState = st
	}
	if scheduledFor != nil {
		r.ScheduledFor = *scheduledFor
	}
	if startedAt != nil {
		r.StartedAt = *startedAt
	}
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	if parentRunID != nil {
		r.ParentRunID = *parentRunID
	}
	if parentNodeID != nil {
		r.ParentNodeID = *parentNodeID
	}
	return &r, nil
}

// Save 写入新 Run
func (s *PgStore) Save(ctx context.Context, run *Run) error {
	if run == nil {
		return errors.New("run is nil")
	}
	if run.ID == "" {
		run.ID = "run-" + uuid.New().String()
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = StatusPending
	}
	stateRaw, err := marshalState(run.State)
	if err != nil {
		return err
	}
	initialRaw, err := marshalState(run.InitialState)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, workflow_name, status, state, initial_state, current_nodes, completed_nodes, failed_nodes, priority, scheduled_for, tags, started_at, completed_at, error, parent_run_id, parent_node_id, depth, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		run.ID, run.WorkflowName, string(run.Status), stateRaw, initialRaw,
		run.CurrentNodes, run.CompletedNodes, run.FailedNodes, run.Priority,
		nullTime(run.ScheduledFor), run.Tags, nullTime(run.StartedAt), nullTime(run.CompletedAt),
		nullStr(run.Error), nullStr(run.ParentRunID), nullStr(run.ParentNodeID), run.Depth,
		run.CreatedAt, run.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return perrors.Wrapf(perrors.ErrConflict, "run %s 已存在", run.ID)
		}
		return err
	}
	return nil
}

// Get 按 ID 读取
func (s *PgStore) Get(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, perrors.Wrapf(perrors.ErrNotFound, "run %s", id)
	}
	return r, err
}

// Update 局部更新
func (s *PgStore) Update(ctx context.Context, id string, patch Patch) (*Run, error) {
	var cur string
	err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, perrors.Wrapf(perrors.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return nil, err
	}
	if patch.Status != nil && Status(cur).Terminal() && *patch.Status != Status(cur) {
		return nil, perrors.Wrapf(perrors.ErrConflict, "run %s 已是终态 %s", id, cur)
	}

	set := []string{"updated_at = now()"}
	var args []interface{}
	n := 1
	add := func(col string, v interface{}) {
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.State != nil {
		raw, err := marshalState(patch.State)
		if err != nil {
			return nil, err
		}
		add("state", raw)
	}
	if patch.CurrentNodes != nil {
		add("current_nodes", patch.CurrentNodes)
	}
	if patch.CompletedNodes != nil {
		add("completed_nodes", patch.CompletedNodes)
	}
	if patch.FailedNodes != nil {
		add("failed_nodes", patch.FailedNodes)
	}
	if patch.Priority != nil {
		add("priority", *patch.Priority)
	}
	if patch.ScheduledFor != nil {
		add("scheduled_for", nullTime(*patch.ScheduledFor))
	}
	if patch.StartedAt != nil {
		add("started_at", nullTime(*patch.StartedAt))
	}
	if patch.CompletedAt != nil {
		add("completed_at", nullTime(*patch.CompletedAt))
	}
	if patch.Error != nil {
		add("error", nullStr(*patch.Error))
	}

	query := fmt.Sprintf(`UPDATE runs SET %s WHERE id = $%d RETURNING `+runColumns, strings.Join(set, ", "), n)
	args = append(args, id)
	return scanRun(s.pool.QueryRow(ctx, query, args...))
}

func buildWhere(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	n := 1
	add := func(cond string, v interface{}) {
		conds = append(conds, fmt.Sprintf(cond, n))
		args = append(args, v)
		n++
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ss[i] = string(st)
		}
		add("status = ANY($%d)", ss)
	}
	if f.WorkflowName != "" {
		add("workflow_name = $%d", f.WorkflowName)
	}
	if f.ParentRunID != "" {
		add("parent_run_id = $%d", f.ParentRunID)
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at > $%d", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", f.Tags)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// List 过滤列出，按 CreatedAt 降序
func (s *PgStore) List(ctx context.Context, f Filter) ([]*Run, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + runColumns + ` FROM runs` + where + ` ORDER BY created_at DESC`
	n := len(args) + 1
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
		n++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// Count 过滤计数
func (s *PgStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := buildWhere(f)
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM runs`+where, args...).Scan(&n)
	return n, err
}

// Stats 汇总统计
func (s *PgStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[Status]int)}
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ByStatus[Status(status)] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)) * 1000), 0)
		 FROM runs WHERE status = $1 AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		string(StatusCompleted)).Scan(&stats.AvgDurationMs)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Cleanup 删除过期终态 Run
func (s *PgStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	cmd, err := s.pool.Exec(ctx,
		`DELETE FROM runs WHERE status = ANY($1) AND completed_at IS NOT NULL AND completed_at < $2`,
		[]string{string(StatusCompleted), string(StatusFailed), string(StatusCancelled)}, cutoff)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}
