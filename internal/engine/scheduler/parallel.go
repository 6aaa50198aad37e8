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

package scheduler

import (
	"context"
	"sync"

	"flow-platform/pkg/workflow"
)

const defaultMaxConcurrency = 4

// Task 一个可并行执行的单元，产出状态 patch
type Task struct {
	Name string
	Fn   func(ctx context.Context) (workflow.State, error)
}

// Result 任务结果；Results 切片顺序与输入 tasks 一致
type Result struct {
	Name  string
	Patch workflow.State
	Err   error
}

// RunParallel 按固定大小分片执行任务：每片并发跑满后在片界合流，
// 再启动下一片。结果顺序与输入一致。片间检查 ctx，
// 取消后剩余任务直接记 ctx 错误，不再启动。
func RunParallel(ctx context.Context, tasks []Task, maxConcurrency int) []Result {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	results := make([]Result, len(tasks))

	for start := 0; start < len(tasks); start += maxConcurrency {
		end := start + maxConcurrency
		if end > len(tasks) {
			end = len(tasks)
		}

		if err := ctx.Err(); err != nil {
			for i := start; i < len(tasks); i++ {
				results[i] = Result{Name: tasks[i].Name, Err: err}
			}
			return results
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				patch, err := tasks[i].Fn(ctx)
				results[i] = Result{Name: tasks[i].Name, Patch: patch, Err: err}
			}(i)
		}
		wg.Wait()
	}
	return results
}
