// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// memoryTable 是内存中的数据表，数据行按插入顺序保存。
type memoryTable struct {
	name      string
	columns   []string
	keys      []string
	generated string
	auto      int64
	rows      []map[string]any
}

func (mt *memoryTable) clone() *memoryTable {
	ret := *mt
	ret.rows = make([]map[string]any, len(mt.rows))
	for i, row := range mt.rows {
		nrow := make(map[string]any, len(row))
		for k, v := range row {
			nrow[k] = v
		}
		ret.rows[i] = nrow
	}
	return &ret
}

func (mt *memoryTable) snapshot(row map[string]any, columns []string) Snapshot {
	if len(columns) == 0 {
		columns = mt.columns
	}
	return NewSnapshot(columns, row)
}

func (mt *memoryTable) keyOf(row map[string]any) string {
	return NewObjectId(mt.name, pick(row, mt.keys)).Unique()
}

func (mt *memoryTable) matches(row map[string]any, where Snapshot) bool {
	for _, col := range where.columns {
		if !valuesEqual(row[col], where.values[col]) {
			return false
		}
	}
	return true
}

func (mt *memoryTable) execute(op *Operation) (OperationResult, error) {
	result := OperationResult{}
	switch op.Type {
	case OperationInsert:
		row := op.Values.Map()
		if mt.generated != "" {
			if v := row[mt.generated]; v == nil {
				mt.auto++
				row[mt.generated] = mt.auto
				result.Generated = map[string]any{mt.generated: mt.auto}
			} else if n, ok := toInt64(v); ok && n > mt.auto {
				mt.auto = n
			}
		}
		for _, key := range mt.keys {
			if row[key] == nil {
				return result, errors.Wrapf(ErrConstraintViolation, "null primary key %v of %v", key, mt.name)
			}
		}
		key := mt.keyOf(row)
		for _, other := range mt.rows {
			if mt.keyOf(other) == key {
				return result, errors.Wrapf(ErrConstraintViolation, "duplicate entry %v", key)
			}
		}
		for _, col := range mt.columns {
			if _, ok := row[col]; !ok {
				row[col] = nil
			}
		}
		mt.rows = append(mt.rows, row)
		result.Rows = 1
	case OperationUpdate:
		for _, row := range mt.rows {
			if !mt.matches(row, op.Where) {
				continue
			}
			for k, v := range op.Values.values {
				row[k] = v
			}
			result.Rows++
		}
	case OperationDelete:
		kept := mt.rows[:0]
		for _, row := range mt.rows {
			if mt.matches(row, op.Where) {
				result.Rows++
				continue
			}
			kept = append(kept, row)
		}
		mt.rows = kept
	}
	return result, nil
}

// MemoryStorage 是线程安全的内存存储，表结构由映射元数据生成。
// 可作为测试替身，也可作为纯缓存场景下的存储层。
type MemoryStorage struct {
	mutex    sync.Mutex
	tables   map[string]*memoryTable
	journal  []*Operation
	executed []*Operation
	selects  int64
	begins   int64

	// FailOn 在执行每个写操作前被调用，返回错误时该操作失败。
	FailOn func(op *Operation) error

	// FailBegin 在开始事务时被调用，返回错误时事务开始失败。
	FailBegin func() error
}

// NewMemoryStorage 根据映射元数据创建内存存储，包括实体表和中间表。
func NewMemoryStorage(dm *DataMap) *MemoryStorage {
	ms := &MemoryStorage{tables: make(map[string]*memoryTable)}
	for _, entity := range dm.Entities() {
		table := &memoryTable{name: entity.Table, columns: entity.Columns(), keys: entity.PrimaryKeys}
		if entity.GeneratedKey && len(entity.PrimaryKeys) == 1 {
			table.generated = entity.PrimaryKeys[0]
		}
		ms.tables[entity.Table] = table
	}
	for _, entity := range dm.Entities() {
		for _, rel := range entity.Relationships {
			if rel.Through == nil {
				continue
			}
			if _, ok := ms.tables[rel.Through.Table]; ok {
				continue
			}
			columns := make([]string, 0)
			for _, join := range rel.Through.SourceJoins {
				columns = append(columns, join.Target)
			}
			for _, join := range rel.Through.TargetJoins {
				columns = append(columns, join.Source)
			}
			ms.tables[rel.Through.Table] = &memoryTable{name: rel.Through.Table, columns: columns, keys: columns}
		}
	}
	return ms
}

// Insert 直接写入数据行（不经过事务），用于准备数据。
func (ms *MemoryStorage) Insert(table string, rows ...map[string]any) error {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	mt := ms.tables[table]
	if mt == nil {
		return errors.Errorf("XOrm.MemoryStorage: unknown table %v", table)
	}
	for _, row := range rows {
		if _, err := mt.execute(&Operation{Type: OperationInsert, Table: table, Values: mt.snapshot(row, nil)}); err != nil {
			return err
		}
	}
	return nil
}

// Rows 返回表中的全部数据行。
func (ms *MemoryStorage) Rows(table string) []Snapshot {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	mt := ms.tables[table]
	if mt == nil {
		return nil
	}
	ret := make([]Snapshot, 0, len(mt.rows))
	for _, row := range mt.rows {
		ret = append(ret, mt.snapshot(row, nil))
	}
	return ret
}

// Journal 返回已提交的写操作。
func (ms *MemoryStorage) Journal() []*Operation {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	return append([]*Operation(nil), ms.journal...)
}

// Executed 返回已尝试执行的写操作（包括失败及回滚的事务）。
func (ms *MemoryStorage) Executed() []*Operation {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	return append([]*Operation(nil), ms.executed...)
}

// Selects 返回查询次数。
func (ms *MemoryStorage) Selects() int64 { return atomic.LoadInt64(&ms.selects) }

// Begins 返回开始事务的尝试次数。
func (ms *MemoryStorage) Begins() int64 { return atomic.LoadInt64(&ms.begins) }

// ResetCounters 重置查询次数与操作记录。
func (ms *MemoryStorage) ResetCounters() {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	atomic.StoreInt64(&ms.selects, 0)
	atomic.StoreInt64(&ms.begins, 0)
	ms.journal = nil
	ms.executed = nil
}

func (ms *MemoryStorage) Select(ctx context.Context, spec *FetchSpec) ([]Snapshot, error) {
	atomic.AddInt64(&ms.selects, 1)
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	mt := ms.tables[spec.Table]
	if mt == nil {
		return nil, errors.Errorf("XOrm.MemoryStorage: unknown table %v", spec.Table)
	}
	rows := ms.filter(mt, spec)
	ret := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		ret = append(ret, mt.snapshot(row, spec.Columns))
	}
	return ret, nil
}

func (ms *MemoryStorage) Count(ctx context.Context, spec *FetchSpec) (int, error) {
	atomic.AddInt64(&ms.selects, 1)
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	mt := ms.tables[spec.Table]
	if mt == nil {
		return 0, errors.Errorf("XOrm.MemoryStorage: unknown table %v", spec.Table)
	}
	count := 0
	for _, row := range mt.rows {
		if spec.Where.Match(mt.snapshot(row, nil)) {
			count++
		}
	}
	return count, nil
}

func (ms *MemoryStorage) filter(mt *memoryTable, spec *FetchSpec) []map[string]any {
	rows := make([]map[string]any, 0)
	for _, row := range mt.rows {
		if spec.Where.Match(mt.snapshot(row, nil)) {
			rows = append(rows, row)
		}
	}
	if len(spec.Orderings) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, ordering := range spec.Orderings {
				cmp, ok := compareValues(rows[i][ordering.Column], rows[j][ordering.Column])
				if !ok {
					switch {
					case rows[i][ordering.Column] == nil && rows[j][ordering.Column] != nil:
						cmp = -1
					case rows[i][ordering.Column] != nil && rows[j][ordering.Column] == nil:
						cmp = 1
					}
				}
				if cmp == 0 {
					continue
				}
				if ordering.Descending {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}
	if spec.Offset > 0 {
		if spec.Offset >= len(rows) {
			return nil
		}
		rows = rows[spec.Offset:]
	}
	if spec.Limit > 0 && spec.Limit < len(rows) {
		rows = rows[:spec.Limit]
	}
	return rows
}

func (ms *MemoryStorage) Begin(ctx context.Context) (Transaction, error) {
	atomic.AddInt64(&ms.begins, 1)
	if ms.FailBegin != nil {
		if err := ms.FailBegin(); err != nil {
			return nil, err
		}
	}
	return &memoryTransaction{storage: ms, tables: make(map[string]*memoryTable)}, nil
}

// MaxKey 返回指定列的最大数值。
func (ms *MemoryStorage) MaxKey(ctx context.Context, table, column string) (int64, error) {
	ms.mutex.Lock()
	defer ms.mutex.Unlock()
	mt := ms.tables[table]
	if mt == nil {
		return 0, errors.Errorf("XOrm.MemoryStorage: unknown table %v", table)
	}
	var maxKey int64
	for _, row := range mt.rows {
		if n, ok := toInt64(row[column]); ok && n > maxKey {
			maxKey = n
		}
	}
	return maxKey, nil
}

// memoryTransaction 在表的副本上执行操作，提交时在存储上重放全部操作（自增列使用事务内已生成的值）。
type memoryTransaction struct {
	storage *MemoryStorage
	tables  map[string]*memoryTable
	ops     []*Operation
	done    bool
}

func (mt *memoryTransaction) table(name string) (*memoryTable, error) {
	if t, ok := mt.tables[name]; ok {
		return t, nil
	}
	src := mt.storage.tables[name]
	if src == nil {
		return nil, errors.Errorf("XOrm.MemoryStorage: unknown table %v", name)
	}
	t := src.clone()
	mt.tables[name] = t
	return t, nil
}

func (mt *memoryTransaction) ExecuteBatch(ctx context.Context, ops []*Operation) ([]OperationResult, error) {
	if mt.done {
		return nil, errors.New("XOrm.MemoryStorage: transaction is finished")
	}
	ms := mt.storage
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	results := make([]OperationResult, 0, len(ops))
	for _, op := range ops {
		ms.executed = append(ms.executed, op)
		if ms.FailOn != nil {
			if err := ms.FailOn(op); err != nil {
				return results, err
			}
		}
		t, err := mt.table(op.Table)
		if err != nil {
			return results, err
		}
		result, err := t.execute(op)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if len(result.Generated) > 0 {
			replay := *op
			replay.Values = op.Values.With(result.Generated)
			op = &replay
		}
		mt.ops = append(mt.ops, op)
	}
	return results, nil
}

func (mt *memoryTransaction) Commit() error {
	if mt.done {
		return errors.New("XOrm.MemoryStorage: transaction is finished")
	}
	mt.done = true
	ms := mt.storage
	ms.mutex.Lock()
	defer ms.mutex.Unlock()

	// 在最新的表上重放，避免覆盖并发事务已提交的数据。
	staged := make(map[string]*memoryTable)
	for _, op := range mt.ops {
		t, ok := staged[op.Table]
		if !ok {
			t = ms.tables[op.Table].clone()
			staged[op.Table] = t
		}
		if _, err := t.execute(op); err != nil {
			return err
		}
	}
	for name, t := range staged {
		ms.tables[name] = t
	}
	ms.journal = append(ms.journal, mt.ops...)
	return nil
}

func (mt *memoryTransaction) Rollback() error {
	mt.done = true
	mt.tables = nil
	mt.ops = nil
	return nil
}

func pick(row map[string]any, columns []string) map[string]any {
	ret := make(map[string]any, len(columns))
	for _, col := range columns {
		ret[col] = row[col]
	}
	return ret
}
