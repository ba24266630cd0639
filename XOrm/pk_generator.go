// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"fmt"
	"sync"

	"github.com/eframework-org/GO.UTIL/XCollect"
	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// pkBlockPrefs 定义了自增主键每次预留数量的偏好设置键。
	pkBlockPrefs = "Orm/Pk/Block"

	// defaultPkBlock 是自增主键默认的预留数量。
	defaultPkBlock = 20
)

// PkGenerator 是主键生成策略。
type PkGenerator interface {
	// GenerateKey 为实体的指定主键列生成一个新值。
	GenerateKey(ctx context.Context, entity *EntityMeta, column string) (any, error)
}

// increCounter 记录一个主键列已预留的区间 [next, limit)。
type increCounter struct {
	mutex sync.Mutex
	next  int64
	limit int64
}

// IncrePkGenerator 基于列最大值的自增主键生成器。
// 首次使用时从存储层读取 MAX(column)，之后在内存中递增；每次预留 block 个值，
// 预留区间耗尽时再次读取最大值，以便感知其他节点写入的数据。
// 该生成器是线程安全的，可以确保单实例内的主键唯一性。
type IncrePkGenerator struct {
	source   KeyStorage
	block    int64
	counters *XCollect.Map
}

// NewIncrePkGenerator 创建自增主键生成器，block 小于等于 0 时使用默认值。
func NewIncrePkGenerator(source KeyStorage, block int) *IncrePkGenerator {
	if block <= 0 {
		block = defaultPkBlock
	}
	return &IncrePkGenerator{source: source, block: int64(block), counters: XCollect.NewMap()}
}

func (ig *IncrePkGenerator) GenerateKey(ctx context.Context, entity *EntityMeta, column string) (any, error) {
	if ig.source == nil {
		return nil, errors.Errorf("XOrm.IncrePkGenerator: no key source for %v", entity.Name)
	}
	key := fmt.Sprintf("%v_%v", entity.Table, column)
	val, _ := ig.counters.LoadOrStore(key, &increCounter{})
	counter := val.(*increCounter)

	counter.mutex.Lock()
	defer counter.mutex.Unlock()
	if counter.next >= counter.limit {
		maxKey, err := ig.source.MaxKey(ctx, entity.Table, column)
		if err != nil {
			return nil, errors.Wrapf(err, "XOrm.IncrePkGenerator: load max of %v", key)
		}
		counter.next = max(maxKey+1, counter.limit)
		counter.limit = counter.next + ig.block
		XLog.Info("XOrm.IncrePkGenerator: reserved [%v, %v) for %v.", counter.next, counter.limit, key)
	}
	value := counter.next
	counter.next++
	return value, nil
}

// Reset 清除已预留的区间，下次生成时重新读取最大值。
func (ig *IncrePkGenerator) Reset() {
	ig.counters.Range(func(k, v any) bool {
		ig.counters.Delete(k)
		return true
	})
}

// UUIDPkGenerator 生成 UUID 字符串主键。
type UUIDPkGenerator struct{}

func (UUIDPkGenerator) GenerateKey(ctx context.Context, entity *EntityMeta, column string) (any, error) {
	return uuid.NewString(), nil
}
