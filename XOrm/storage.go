// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"fmt"
)

// Ordering 描述了查询的排序列。
type Ordering struct {
	Column     string // 列名
	Descending bool   // 是否降序
}

// FetchSpec 是发送给存储层的查询描述。
type FetchSpec struct {
	Table     string     // 表名
	Columns   []string   // 需要返回的列，为空时返回全部列
	Where     *Condition // 过滤条件
	Orderings []Ordering // 排序
	Limit     int        // 返回数量上限，0 表示不限制
	Offset    int        // 跳过的行数
}

// OperationType 定义了写操作的类型。
type OperationType int

const (
	// OperationInsert 插入数据行。
	OperationInsert OperationType = iota

	// OperationUpdate 更新数据行。
	OperationUpdate

	// OperationDelete 删除数据行。
	OperationDelete
)

func (t OperationType) String() string {
	switch t {
	case OperationInsert:
		return "Insert"
	case OperationUpdate:
		return "Update"
	case OperationDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Operation 是一个写操作。
type Operation struct {
	Type      OperationType
	Entity    string   // 实体名称，中间表操作为空
	Table     string   // 表名
	ID        ObjectId // 对象标识，中间表操作为空
	Values    Snapshot // 插入或更新的列
	Where     Snapshot // 更新或删除时匹配的列
	Generated []string // 由存储层生成的列（自增主键）
}

func (op *Operation) String() string {
	switch op.Type {
	case OperationInsert:
		return fmt.Sprintf("%v %v %v", op.Type, op.Table, op.Values)
	case OperationUpdate:
		return fmt.Sprintf("%v %v %v where %v", op.Type, op.Table, op.Values, op.Where)
	default:
		return fmt.Sprintf("%v %v where %v", op.Type, op.Table, op.Where)
	}
}

// OperationResult 是写操作的结果。
type OperationResult struct {
	Rows      int64          // 影响的行数
	Generated map[string]any // 由存储层生成的列值
}

// Storage 是存储层适配器，负责执行查询与事务。
// 存储层与 SQL 方言无关，核心只依赖这些操作。
type Storage interface {
	// Select 执行查询并返回数据行。
	Select(ctx context.Context, spec *FetchSpec) ([]Snapshot, error)

	// Count 返回满足条件的数据行数量。
	Count(ctx context.Context, spec *FetchSpec) (int, error)

	// Begin 开始一个事务。
	Begin(ctx context.Context) (Transaction, error)
}

// Transaction 是存储层事务。
type Transaction interface {
	// ExecuteBatch 按顺序执行一批写操作，任意操作失败时返回错误，已执行的结果仍然返回。
	ExecuteBatch(ctx context.Context, ops []*Operation) ([]OperationResult, error)

	// Commit 提交事务。
	Commit() error

	// Rollback 回滚事务。
	Rollback() error
}

// KeyStorage 是可以返回列最大值的存储层，用于自增主键生成。
type KeyStorage interface {
	MaxKey(ctx context.Context, table, column string) (int64, error)
}
