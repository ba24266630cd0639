// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"sync"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/pkg/errors"
)

const (
	// faultPagePrefs 定义了分页列表默认页大小的偏好设置键。
	faultPagePrefs = "Orm/Fault/Page"

	// defaultPageSize 是分页列表的默认页大小。
	defaultPageSize = 50
)

// IncrementalFaultList 是按页加载的查询结果。
// 创建时只查询主键列以确定数量与顺序，访问未加载的元素时一次加载其所在的整页。
// 与 Select 一致，创建时会话中已标记删除的对象不计入列表；创建后再删除的对象仍保留在原位置。
type IncrementalFaultList struct {
	mutex    sync.Mutex
	dc       *DataContext
	entity   *EntityMeta
	query    *Query
	pageSize int
	ids      []ObjectId
	elements []*DataObject
}

// SelectPaged 执行查询并返回分页列表。
func (dc *DataContext) SelectPaged(ctx context.Context, q *Query) (*IncrementalFaultList, error) {
	dc.processEvents()
	entity, err := dc.entity(q.Entity)
	if err != nil {
		return nil, err
	}
	spec := q.fetchSpec(entity)
	spec.Columns = append([]string(nil), entity.PrimaryKeys...)
	snaps, err := dc.domain.storage.Select(ctx, spec)
	if err != nil {
		return nil, errors.Wrapf(err, "XOrm.DataContext: select paged %v", entity.Name)
	}
	ids := make([]ObjectId, 0, len(snaps))
	for _, snap := range snaps {
		id, err := dc.manager.ObjectIdFromSnapshot(entity, snap)
		if err != nil {
			return nil, err
		}
		if obj := dc.store.GetObject(id); obj != nil && obj.state == Deleted {
			continue
		}
		ids = append(ids, id)
	}
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = dc.domain.options.PageSize
	}
	return &IncrementalFaultList{
		dc:       dc,
		entity:   entity,
		query:    q,
		pageSize: pageSize,
		ids:      ids,
		elements: make([]*DataObject, len(ids)),
	}, nil
}

// Size 返回元素总数，不加载任何页。
func (fl *IncrementalFaultList) Size() int { return len(fl.ids) }

// PageSize 返回页大小。
func (fl *IncrementalFaultList) PageSize() int { return fl.pageSize }

// IsResolved 返回指定位置的元素是否已加载。
func (fl *IncrementalFaultList) IsResolved(index int) bool {
	fl.mutex.Lock()
	defer fl.mutex.Unlock()
	return index >= 0 && index < len(fl.elements) && fl.elements[index] != nil
}

// UnresolvedCount 返回尚未加载的元素数量。
func (fl *IncrementalFaultList) UnresolvedCount() int {
	fl.mutex.Lock()
	defer fl.mutex.Unlock()
	count := 0
	for _, element := range fl.elements {
		if element == nil {
			count++
		}
	}
	return count
}

// Get 返回指定位置的元素，未加载时加载其所在的整页。
func (fl *IncrementalFaultList) Get(ctx context.Context, index int) (*DataObject, error) {
	fl.mutex.Lock()
	defer fl.mutex.Unlock()
	if index < 0 || index >= len(fl.ids) {
		return nil, &IndexOutOfRangeError{Index: index, Size: len(fl.ids)}
	}
	if fl.elements[index] == nil {
		if err := fl.resolvePage(ctx, index/fl.pageSize); err != nil {
			return nil, err
		}
	}
	return fl.elements[index], nil
}

// ResolveInterval 加载 [from, to) 范围内的元素所在的全部页。
func (fl *IncrementalFaultList) ResolveInterval(ctx context.Context, from, to int) error {
	fl.mutex.Lock()
	defer fl.mutex.Unlock()
	if from < 0 || from > len(fl.ids) {
		return &IndexOutOfRangeError{Index: from, Size: len(fl.ids)}
	}
	if to < from || to > len(fl.ids) {
		return &IndexOutOfRangeError{Index: to, Size: len(fl.ids)}
	}
	for page := from / fl.pageSize; page*fl.pageSize < to; page++ {
		if err := fl.resolvePage(ctx, page); err != nil {
			return err
		}
	}
	return nil
}

// ResolveAll 加载全部元素。
func (fl *IncrementalFaultList) ResolveAll(ctx context.Context) error {
	return fl.ResolveInterval(ctx, 0, fl.Size())
}

// Objects 返回已加载的元素，未加载的位置为 nil。
func (fl *IncrementalFaultList) Objects() []*DataObject {
	fl.mutex.Lock()
	defer fl.mutex.Unlock()
	return append([]*DataObject(nil), fl.elements...)
}

// resolvePage 使用一次 IN 查询加载整页中未加载的元素，会话中已加载的对象直接复用。
func (fl *IncrementalFaultList) resolvePage(ctx context.Context, page int) error {
	dc := fl.dc
	dc.processEvents()
	from := page * fl.pageSize
	to := min(from+fl.pageSize, len(fl.ids))

	tuples := make([][]any, 0, to-from)
	for i := from; i < to; i++ {
		if fl.elements[i] != nil {
			continue
		}
		if obj := dc.store.GetObject(fl.ids[i]); obj != nil && obj.state != Hollow {
			continue
		}
		tuples = append(tuples, idValues(fl.ids[i], fl.entity.PrimaryKeys))
	}
	if len(tuples) > 0 {
		snaps, err := dc.domain.storage.Select(ctx, &FetchSpec{
			Table:   fl.entity.Table,
			Columns: fl.entity.Columns(),
			Where:   keyCondition(fl.entity.PrimaryKeys, tuples),
		})
		if err != nil {
			return errors.Wrapf(err, "XOrm.IncrementalFaultList: resolve page %v", page)
		}
		if _, err := dc.objectsFromSnapshots(fl.entity, snaps); err != nil {
			return err
		}
		faultTotal.WithLabelValues("page").Inc()
	}

	resolved := make([]*DataObject, 0, to-from)
	for i := from; i < to; i++ {
		if fl.elements[i] != nil {
			continue
		}
		obj, err := dc.LocalObject(fl.ids[i])
		if err != nil {
			return err
		}
		if obj.state == Hollow {
			XLog.Warn("XOrm.IncrementalFaultList: %v was removed after the list was created.", fl.ids[i])
		}
		fl.elements[i] = obj
		resolved = append(resolved, obj)
	}
	if len(fl.query.Prefetches) > 0 && len(resolved) > 0 {
		if err := dc.prefetch(ctx, fl.entity, resolved, fl.query.Prefetches); err != nil {
			return err
		}
	}
	return nil
}
