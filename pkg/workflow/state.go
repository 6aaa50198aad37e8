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

package workflow

// State 工作流运行状态：非结构化 key/value。节点返回 patch，按浅层 key 覆盖合并。
type State map[string]any

// Clone 复制顶层 key（patch 合并为浅合并，顶层复制即可保证观察者不见撕裂记录）
func (s State) Clone() State {
	if s == nil {
		return State{}
	}
	cp := make(State, len(s))
	for k, v := range s {
		cp[k] = v
	}
	return cp
}

// Merge 将 patch 按浅层 key 覆盖进 base 并返回新 State。
// 未出现的 key 保留；数组整体替换而非合并。
func Merge(base State, patch State) State {
	out := base.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// GetString 取字符串字段，缺失或类型不符返回空串
func (s State) GetString(key string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return ""
}

// GetInt 取整数字段，兼容 JSON 反序列化产生的 float64
func (s State) GetInt(key string) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// GetBool 取布尔字段，缺失返回 false
func (s State) GetBool(key string) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return false
}
