// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownEntity 表示实体未在映射元数据中注册。
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrUnknownProperty 表示实体中不存在指定的属性或关系。
	ErrUnknownProperty = errors.New("unknown property")

	// ErrInvalidState 表示对象当前的持久化状态不允许该操作。
	ErrInvalidState = errors.New("invalid persistence state")

	// ErrObjectNotFound 表示存储中不存在对象对应的数据行。
	ErrObjectNotFound = errors.New("object not found")

	// ErrReadOnlyEntity 表示尝试提交只读实体的修改。
	ErrReadOnlyEntity = errors.New("entity is read only")

	// ErrNoRowsAffected 表示更新操作未影响任何数据行。
	ErrNoRowsAffected = errors.New("no rows affected")

	// ErrTransientStorage 标记可重试的存储错误（如连接暂时不可用）。
	ErrTransientStorage = errors.New("transient storage failure")

	// ErrConstraintViolation 标记违反数据库约束的存储错误。
	ErrConstraintViolation = errors.New("constraint violation")
)

// DuplicateIdentityError 表示同一标识下已注册了另一个存活的对象实例。
type DuplicateIdentityError struct {
	ID ObjectId
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("duplicate identity: %v is already registered", e.ID)
}

// MissingPrimaryKeyError 表示快照中缺少构建 ObjectId 所需的主键列。
type MissingPrimaryKeyError struct {
	Entity  string
	Columns []string
}

func (e *MissingPrimaryKeyError) Error() string {
	return fmt.Sprintf("missing primary key of %v: %v", e.Entity, strings.Join(e.Columns, ", "))
}

// DeleteDeniedError 表示 Deny 删除规则阻止了删除。
type DeleteDeniedError struct {
	ID           ObjectId
	Relationship string
}

func (e *DeleteDeniedError) Error() string {
	return fmt.Sprintf("delete of %v denied by relationship %v", e.ID, e.Relationship)
}

// CommitFailureError 表示提交失败，事务已回滚，Cause 为底层错误。
type CommitFailureError struct {
	Cause error
}

func (e *CommitFailureError) Error() string {
	return fmt.Sprintf("commit failed: %v", e.Cause)
}

func (e *CommitFailureError) Unwrap() error { return e.Cause }

// StaleSnapshotWarning 在合并时发现本地修改覆盖了已刷新的数据，仅用于观测，不会中断操作。
type StaleSnapshotWarning struct {
	ID         ObjectId
	Attributes []string
}

func (e *StaleSnapshotWarning) Error() string {
	return fmt.Sprintf("stale snapshot of %v, local modification kept for: %v", e.ID, strings.Join(e.Attributes, ", "))
}

// IndexOutOfRangeError 表示列表访问越界。
type IndexOutOfRangeError struct {
	Index int
	Size  int
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("index %v out of range [0, %v)", e.Index, e.Size)
}

// FaultFailureError 表示延迟加载（对象或关系）失败。
type FaultFailureError struct {
	ID       ObjectId
	Property string
	Cause    error
}

func (e *FaultFailureError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("fault of %v failed: %v", e.ID, e.Cause)
	}
	return fmt.Sprintf("fault of %v.%v failed: %v", e.ID, e.Property, e.Cause)
}

func (e *FaultFailureError) Unwrap() error { return e.Cause }
