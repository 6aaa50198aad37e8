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

package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/metrics"
)

// FileStore 文件死信存储：每个条目对应目录下一个 <id>.json 文件，
// 进程重启后条目仍在。
type FileStore struct {
	mu        sync.Mutex
	dir       string
	ttl       time.Duration
	stop      chan struct{}
	closeOnce sync.Once
}

// NewFileStore 创建文件死信存储，目录不存在时自动创建
func NewFileStore(dir string, ttl, sweepInterval time.Duration) (*FileStore, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建死信目录失败: %w", err)
	}
	s := &FileStore{
		dir:  dir,
		ttl:  ttl,
		stop: make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s, nil
}

func (s *FileStore) pathFor(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", perrors.Wrapf(perrors.ErrInvalidArg, "非法死信 ID %q", id)
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *FileStore) write(e *Entry) error {
	path, err := s.pathFor(e.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("序列化死信条目失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入死信文件失败: %w", err)
	}
	return nil
}

func (s *FileStore) load(id string) (*Entry, error) {
	path, err := s.pathFor(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, perrors.Wrapf(perrors.ErrNotFound, "死信条目 %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("读取死信文件失败: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("解析死信文件失败: %w", err)
	}
	return &e, nil
}

func (s *FileStore) countLocked() int {
	names, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, d := range names {
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".json") {
			n++
		}
	}
	return n
}

// Add 写入条目
func (s *FileStore) Add(ctx context.Context, e *Entry) (string, error) {
	cp := cloneEntry(e)
	if err := normalize(cp, s.ttl); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(cp); err != nil {
		return "", err
	}
	metrics.DLQSize.Set(float64(s.countLocked()))
	return cp.ID, nil
}

// Get 按 ID 读取条目，过期条目当场删除并视同不存在
func (s *FileStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if expired(e, time.Now()) {
		path, _ := s.pathFor(id)
		_ = os.Remove(path)
		return nil, perrors.Wrapf(perrors.ErrNotFound, "死信条目 %s", id)
	}
	return e, nil
}

func (s *FileStore) liveEntriesLocked(f Filter) ([]*Entry, error) {
	names, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("读取死信目录失败: %w", err)
	}
	now := time.Now()
	out := make([]*Entry, 0, len(names))
	for _, d := range names {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(d.Name(), ".json")
		e, err := s.load(id)
		if err != nil {
			// 坏文件不阻塞整个列表
			continue
		}
		if expired(e, now) {
			path, _ := s.pathFor(id)
			_ = os.Remove(path)
			continue
		}
		if matches(e, f) {
			out = append(out, e)
		}
	}
	return out, nil
}

// List 过滤列出条目，按 CreatedAt 降序
func (s *FileStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.liveEntriesLocked(f)
	if err != nil {
		return nil, err
	}
	return window(entries, f), nil
}

// Count 过滤计数
func (s *FileStore) Count(ctx context.Context, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.liveEntriesLocked(f)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Retry 记录一次重投
func (s *FileStore) Retry(ctx context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if expired(e, time.Now()) {
		path, _ := s.pathFor(id)
		_ = os.Remove(path)
		return nil, perrors.Wrapf(perrors.ErrNotFound, "死信条目 %s", id)
	}
	e.Attempts++
	e.LastAttempt = time.Now()
	if err := s.write(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Remove 删除条目
func (s *FileStore) Remove(ctx context.Context, id string) error {
	path, err := s.pathFor(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return perrors.Wrapf(perrors.ErrNotFound, "死信条目 %s", id)
		}
		return fmt.Errorf("删除死信文件失败: %w", err)
	}
	metrics.DLQSize.Set(float64(s.countLocked()))
	return nil
}

// Clear 清空队列
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("读取死信目录失败: %w", err)
	}
	for _, d := range names {
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			continue
		}
		_ = os.Remove(filepath.Join(s.dir, d.Name()))
	}
	metrics.DLQSize.Set(0)
	return nil
}

// Close 停止后台清理
func (s *FileStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// sweep 定期删除过期条目
func (s *FileStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			_, _ = s.liveEntriesLocked(Filter{})
			metrics.DLQSize.Set(float64(s.countLocked()))
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
