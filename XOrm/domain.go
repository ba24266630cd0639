// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"sync/atomic"

	"github.com/eframework-org/GO.UTIL/XLog"
	"golang.org/x/sync/singleflight"
)

// Options 定义了数据域的运行参数。
// 除 CommitRetry 外，小于等于 0 的参数使用默认值；DefaultOptions 与 OptionsFromPrefs 的重试次数默认为 3。
type Options struct {
	CacheSize     int // 快照缓存容量
	PageSize      int // 分页列表的默认页大小
	PrefetchChunk int // 预取时单个 IN 查询的最大键数量
	CommitRetry   int // 开始事务遇到瞬时错误时的重试次数，0 表示不重试
	PkBlock       int // 自增主键每次预留的数量
}

// DefaultOptions 返回默认的运行参数。
func DefaultOptions() Options {
	return Options{
		CacheSize:     defaultCacheSize,
		PageSize:      defaultPageSize,
		PrefetchChunk: defaultPrefetchChunk,
		CommitRetry:   defaultCommitRetry,
		PkBlock:       defaultPkBlock,
	}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.CacheSize <= 0 {
		o.CacheSize = def.CacheSize
	}
	if o.PageSize <= 0 {
		o.PageSize = def.PageSize
	}
	if o.PrefetchChunk <= 0 {
		o.PrefetchChunk = def.PrefetchChunk
	}
	if o.CommitRetry < 0 {
		o.CommitRetry = 0
	}
	if o.PkBlock <= 0 {
		o.PkBlock = def.PkBlock
	}
	return o
}

// DataDomain 组合了映射元数据、存储层、共享快照缓存和主键生成器，是创建会话的入口。
// 共享同一个 SnapshotCache 的多个数据域（或同一数据域的多个会话）会互相感知提交的变更。
type DataDomain struct {
	dataMap *DataMap
	storage Storage
	cache   *SnapshotCache
	pkgen   PkGenerator
	options Options
	fetches singleflight.Group
}

// NewDataDomain 创建数据域，cache 为空时创建独立的快照缓存。
// 存储层实现了 KeyStorage 时默认使用自增主键生成器，否则使用 UUID 主键生成器。
func NewDataDomain(dataMap *DataMap, storage Storage, cache *SnapshotCache, options Options) *DataDomain {
	options = options.normalize()
	if cache == nil {
		cache = NewSnapshotCache(options.CacheSize)
	}
	var pkgen PkGenerator = UUIDPkGenerator{}
	if ks, ok := storage.(KeyStorage); ok {
		pkgen = NewIncrePkGenerator(ks, options.PkBlock)
	}
	return &DataDomain{dataMap: dataMap, storage: storage, cache: cache, pkgen: pkgen, options: options}
}

// SetPkGenerator 设置主键生成器。
func (d *DataDomain) SetPkGenerator(pkgen PkGenerator) { d.pkgen = pkgen }

// DataMap 返回映射元数据。
func (d *DataDomain) DataMap() *DataMap { return d.dataMap }

// Storage 返回存储层。
func (d *DataDomain) Storage() Storage { return d.storage }

// Cache 返回共享快照缓存。
func (d *DataDomain) Cache() *SnapshotCache { return d.cache }

// Options 返回运行参数。
func (d *DataDomain) Options() Options { return d.options }

// contextID 是会话 ID 的原子计数器。
var contextID int64

// NewContext 创建会话。
func (d *DataDomain) NewContext() *DataContext {
	dc := &DataContext{
		id:             atomic.AddInt64(&contextID, 1),
		domain:         d,
		store:          NewObjectStore(d.cache),
		flattenedIndex: make(map[flattenedKey]*flattenedChange),
	}
	XLog.Info("XOrm.DataDomain: context %v has been created.", dc.id)
	return dc
}

// Close 关闭共享缓存的事件桥。
func (d *DataDomain) Close() error {
	return d.cache.Close()
}

// fetchSnapshot 按主键读取数据行，相同标识的并发读取合并为一次查询。
func (d *DataDomain) fetchSnapshot(ctx context.Context, entity *EntityMeta, id ObjectId) (Snapshot, bool, error) {
	val, err, _ := d.fetches.Do(id.Unique(), func() (any, error) {
		snaps, err := d.storage.Select(ctx, &FetchSpec{
			Table:   entity.Table,
			Columns: entity.Columns(),
			Where:   keyCondition(entity.PrimaryKeys, [][]any{idValues(id, entity.PrimaryKeys)}),
		})
		if err != nil {
			return nil, err
		}
		if len(snaps) == 0 {
			return nil, nil
		}
		return snaps[0], nil
	})
	if err != nil || val == nil {
		return Snapshot{}, false, err
	}
	return val.(Snapshot), true, nil
}

func idValues(id ObjectId, columns []string) []any {
	values := make([]any, len(columns))
	for i, col := range columns {
		values[i] = id.Value(col)
	}
	return values
}

// keyCondition 构建多组键值的匹配条件：单列使用 IN，多列使用 OR 连接的 AND 条件。
func keyCondition(columns []string, tuples [][]any) *Condition {
	cond := NewCondition()
	if len(columns) == 1 {
		values := make([]any, len(tuples))
		for i, tuple := range tuples {
			values[i] = tuple[0]
		}
		return cond.In(columns[0], values...)
	}
	if len(tuples) == 0 {
		return cond.In(columns[0])
	}
	for _, tuple := range tuples {
		sub := NewCondition()
		for i, col := range columns {
			sub = sub.And(col, "==", tuple[i])
		}
		cond = cond.OrCond(sub)
	}
	return cond
}
