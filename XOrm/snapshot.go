// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"cmp"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Snapshot 是数据行在某一时刻的不可变副本，列按固定顺序排列。
// 快照发布到共享缓存后会被赋予版本号，版本号用于判断数据是否已被其他会话修改。
type Snapshot struct {
	columns []string
	values  map[string]any
	version uint64
}

// NewSnapshot 创建快照。
// columns 指定列顺序，values 中不在 columns 内的列将被忽略，缺失的列取值为 nil。
func NewSnapshot(columns []string, values map[string]any) Snapshot {
	snap := Snapshot{columns: make([]string, 0, len(columns)), values: make(map[string]any, len(columns))}
	for _, col := range columns {
		if _, dup := snap.values[col]; dup {
			continue
		}
		snap.columns = append(snap.columns, col)
		snap.values[col] = normalizeValue(values[col])
	}
	return snap
}

// SnapshotOf 使用映射创建快照，列按名称排序。
func SnapshotOf(values map[string]any) Snapshot {
	columns := make([]string, 0, len(values))
	for k := range values {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return NewSnapshot(columns, values)
}

// IsZero 返回快照是否为空。
func (s Snapshot) IsZero() bool { return s.values == nil }

// Version 返回快照在共享缓存中的版本号，未发布的快照为 0。
func (s Snapshot) Version() uint64 { return s.version }

// Columns 返回列名副本。
func (s Snapshot) Columns() []string { return append([]string(nil), s.columns...) }

// Len 返回列数量。
func (s Snapshot) Len() int { return len(s.columns) }

// Has 返回是否包含指定列。
func (s Snapshot) Has(column string) bool {
	_, ok := s.values[column]
	return ok
}

// Get 返回指定列的取值及是否存在。
func (s Snapshot) Get(column string) (any, bool) {
	v, ok := s.values[column]
	return v, ok
}

// Value 返回指定列的取值，不存在时返回 nil。
func (s Snapshot) Value(column string) any { return s.values[column] }

// Map 返回列到取值的映射副本。
func (s Snapshot) Map() map[string]any {
	ret := make(map[string]any, len(s.values))
	for k, v := range s.values {
		ret[k] = v
	}
	return ret
}

// With 返回在当前快照上覆盖部分列后的新快照，新增的列追加到末尾。
func (s Snapshot) With(values map[string]any) Snapshot {
	columns := append([]string(nil), s.columns...)
	merged := s.Map()
	extra := make([]string, 0)
	for k, v := range values {
		if _, ok := merged[k]; !ok {
			extra = append(extra, k)
		}
		merged[k] = v
	}
	sort.Strings(extra)
	return NewSnapshot(append(columns, extra...), merged)
}

// Equals 判断两个快照的列与取值是否相同（忽略版本号）。
func (s Snapshot) Equals(other Snapshot) bool {
	if len(s.values) != len(other.values) {
		return false
	}
	for k, v := range s.values {
		ov, ok := other.values[k]
		if !ok || !valuesEqual(v, ov) {
			return false
		}
	}
	return true
}

func (s Snapshot) withVersion(version uint64) Snapshot {
	s.version = version
	return s
}

func (s Snapshot) String() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, col := range s.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(col)
		sb.WriteString(": ")
		sb.WriteString(fmt.Sprint(s.values[col]))
	}
	sb.WriteString("}")
	return sb.String()
}

// normalizeValue 规范化存储层返回的取值。
func normalizeValue(v any) any {
	switch nv := v.(type) {
	case []byte:
		return string(nv)
	default:
		return v
	}
}

// valuesEqual 比较两个取值。
// 两个字符串按文本比较；至少一方为数值类型时按数值比较（整数按 int64，其余按 float64），其余按文本比较。
func valuesEqual(a, b any) bool {
	a = normalizeValue(a)
	b = normalizeValue(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareTimes(a, b); ok {
		return c == 0
	}
	if c, ok := compareNumbers(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues 比较两个取值的大小，返回 -1、0、1，无法比较时 ok 为 false。
func compareValues(a, b any) (result int, ok bool) {
	a = normalizeValue(a)
	b = normalizeValue(b)
	if a == nil || b == nil {
		return 0, false
	}
	if c, ok := compareTimes(a, b); ok {
		return c, true
	}
	if c, ok := compareNumbers(a, b); ok {
		return c, true
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

// compareTimes 比较两个时间，与时区无关。
func compareTimes(a, b any) (int, bool) {
	ta, ok := a.(time.Time)
	if !ok {
		return 0, false
	}
	tb, ok := b.(time.Time)
	if !ok {
		return 0, false
	}
	return ta.Compare(tb), true
}

// compareNumbers 在至少一方为数值类型时按数值比较，两个字符串不参与数值比较。
func compareNumbers(a, b any) (int, bool) {
	if !isNumber(a) && !isNumber(b) {
		return 0, false
	}
	if ia, ok := toInt64(a); ok {
		if ib, ok := toInt64(b); ok {
			return cmp.Compare(ia, ib), true
		}
	}
	if fa, ok := toFloat64(a); ok {
		if fb, ok := toFloat64(b); ok {
			return cmp.Compare(fa, fb), true
		}
	}
	return 0, false
}

// isNumber 返回取值是否为数值类型（不包括数值字符串）。
func isNumber(v any) bool {
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// toInt64 是 Int64 类型转换辅助函数。
func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case nil:
		return 0, false
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		return n, err == nil
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), true
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int64(rv.Uint()), true
		}
		return 0, false
	}
}

// toFloat64 是 Float64 类型转换辅助函数，字符串仅在可完整解析为数值时转换。
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case nil:
		return 0, false
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case bool:
		return 0, false
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		if n, ok := toInt64(v); ok {
			return float64(n), true
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Float32 || rv.Kind() == reflect.Float64 {
			return rv.Float(), true
		}
		return 0, false
	}
}
