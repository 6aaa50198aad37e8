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

// Package queue 提供 Run 派发用的优先级队列：
// 按 (scheduledFor 升序, priority 降序) 出队，支持按 runID 摘除。
package queue

import (
	"container/heap"
	"sync"
	"time"

	perrors "flow-platform/pkg/errors"
	"flow-platform/pkg/metrics"
)

// Entry 队列条目
type Entry struct {
	RunID        string
	WorkflowName string
	Priority     int       // 越大越优先（同一时刻）
	ScheduledFor time.Time // 最早可派发时刻
	seq          uint64    // 同 key 时保持入队顺序
}

type entryHeap struct {
	entries []*Entry
	index   map[string]int // runID -> 堆下标
}

func (h *entryHeap) Len() int { return len(h.entries) }

func (h *entryHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

func (h *entryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.index[h.entries[i].RunID] = i
	h.index[h.entries[j].RunID] = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*Entry)
	h.index[e.RunID] = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *entryHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	delete(h.index, e.RunID)
	return e
}

// Queue 并发安全的优先级队列
type Queue struct {
	mu  sync.Mutex
	h   entryHeap
	seq uint64
}

// New 创建空队列
func New() *Queue {
	q := &Queue{h: entryHeap{index: make(map[string]int)}}
	heap.Init(&q.h)
	return q
}

// Enqueue 入队；同 runID 重复入队返回 ErrConflict
func (q *Queue) Enqueue(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.h.index[e.RunID]; exists {
		return perrors.Wrapf(perrors.ErrConflict, "run %s 已在队列中", e.RunID)
	}
	q.seq++
	e.seq = q.seq
	heap.Push(&q.h, &e)
	metrics.QueueDepth.Set(float64(q.h.Len()))
	return nil
}

// Dequeue 弹出队首条目
func (q *Queue) Dequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return Entry{}, false
	}
	e := heap.Pop(&q.h).(*Entry)
	metrics.QueueDepth.Set(float64(q.h.Len()))
	return *e, true
}

// Peek 查看队首条目但不出队
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return Entry{}, false
	}
	return *q.h.entries[0], true
}

// GetReady 弹出所有 scheduledFor <= now 的条目，保持出队顺序
func (q *Queue) GetReady(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ready []Entry
	for q.h.Len() > 0 && !q.h.entries[0].ScheduledFor.After(now) {
		e := heap.Pop(&q.h).(*Entry)
		ready = append(ready, *e)
	}
	if len(ready) > 0 {
		metrics.QueueDepth.Set(float64(q.h.Len()))
	}
	return ready
}

// Remove 按 runID 摘除条目，不存在返回 false
func (q *Queue) Remove(runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx, ok := q.h.index[runID]
	if !ok {
		return false
	}
	heap.Remove(&q.h, idx)
	metrics.QueueDepth.Set(float64(q.h.Len()))
	return true
}

// Size 当前队列长度
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Clear 清空队列
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.h.entries = nil
	q.h.index = make(map[string]int)
	metrics.QueueDepth.Set(0)
}
