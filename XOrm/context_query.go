// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"slices"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XTime"
	"github.com/pkg/errors"
)

// Query 描述了一次对象查询。
type Query struct {
	Entity     string     // 实体名称
	Where      *Condition // 过滤条件，其中的 limit/offset 在 Limit/Offset 为 0 时生效
	Orderings  []Ordering // 排序
	Limit      int        // 返回数量上限
	Offset     int        // 跳过的行数
	Prefetches []string   // 预取路径，如 "Paintings.Gallery"
	PageSize   int        // 分页列表的页大小，0 表示使用数据域的默认值
}

func (q *Query) fetchSpec(entity *EntityMeta) *FetchSpec {
	limit, offset := q.Limit, q.Offset
	if q.Where != nil {
		if limit == 0 {
			limit = q.Where.Limit
		}
		if offset == 0 {
			offset = q.Where.Offset
		}
	}
	return &FetchSpec{
		Table:     entity.Table,
		Columns:   entity.Columns(),
		Where:     q.Where,
		Orderings: q.Orderings,
		Limit:     limit,
		Offset:    offset,
	}
}

// Select 执行查询并返回对象，已注册的对象会与查询到的快照合并，已标记删除的对象不会返回。
// 预取路径按声明顺序解析，之后访问这些关系不再访问存储层。
func (dc *DataContext) Select(ctx context.Context, q *Query) ([]*DataObject, error) {
	dc.processEvents()
	entity, err := dc.entity(q.Entity)
	if err != nil {
		return nil, err
	}
	startTime := XTime.GetMicrosecond()
	snaps, err := dc.domain.storage.Select(ctx, q.fetchSpec(entity))
	if err != nil {
		return nil, errors.Wrapf(err, "XOrm.DataContext: select %v", entity.Name)
	}
	objs, err := dc.objectsFromSnapshots(entity, snaps)
	if err != nil {
		return nil, err
	}
	if len(q.Prefetches) > 0 {
		if err := dc.prefetch(ctx, entity, objs, q.Prefetches); err != nil {
			return nil, err
		}
	}
	XLog.Info("XOrm.DataContext: selected %v %v object(s) with %v prefetch(es), elapsed %.2fms.",
		len(objs), entity.Name, len(q.Prefetches), float64(XTime.GetMicrosecond()-startTime)/1e3)
	return objs, nil
}

// SelectOne 执行查询并返回唯一的对象，没有结果时返回 nil，结果多于一个时返回错误。
func (dc *DataContext) SelectOne(ctx context.Context, q *Query) (*DataObject, error) {
	objs, err := dc.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	switch len(objs) {
	case 0:
		return nil, nil
	case 1:
		return objs[0], nil
	default:
		return nil, errors.Errorf("XOrm.DataContext: select one of %v matched %v objects", q.Entity, len(objs))
	}
}

// Count 返回满足查询条件的数据行数量，不加载对象，会话中未提交的变更不计入结果。
func (dc *DataContext) Count(ctx context.Context, q *Query) (int, error) {
	dc.processEvents()
	entity, err := dc.entity(q.Entity)
	if err != nil {
		return 0, err
	}
	count, err := dc.domain.storage.Count(ctx, &FetchSpec{Table: entity.Table, Where: q.Where})
	if err != nil {
		return 0, errors.Wrapf(err, "XOrm.DataContext: count %v", entity.Name)
	}
	return count, nil
}

// objectsFromSnapshots 将查询到的快照转换为会话中的对象，并将快照发布到共享缓存。
func (dc *DataContext) objectsFromSnapshots(entity *EntityMeta, snaps []Snapshot) ([]*DataObject, error) {
	updates := make([]SnapshotUpdate, 0, len(snaps))
	for _, snap := range snaps {
		id, err := dc.manager.ObjectIdFromSnapshot(entity, snap)
		if err != nil {
			return nil, err
		}
		updates = append(updates, SnapshotUpdate{ID: id, Snapshot: snap})
	}
	if !entity.NoCache && len(updates) > 0 {
		updates = dc.domain.cache.RegisterSnapshotChanges(dc.store, updates, nil)
	}
	objs := make([]*DataObject, 0, len(updates))
	for _, update := range updates {
		obj := dc.objectFromSnapshot(entity, update.ID, update.Snapshot)
		if obj.state == Deleted {
			continue
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func (dc *DataContext) objectFromSnapshot(entity *EntityMeta, id ObjectId, snap Snapshot) *DataObject {
	obj := dc.store.GetObject(id)
	if obj == nil {
		obj = newDataObject(entity, id, Committed)
		obj.resetRelations(false)
		obj.dc = dc
		dc.manager.fillObject(obj, snap)
		dc.store.objects[id.Unique()] = obj
		dc.store.setSnapshot(id, snap)
		return obj
	}
	switch obj.state {
	case Hollow:
		dc.manager.fillObject(obj, snap)
		obj.state = Committed
		dc.store.setSnapshot(id, snap)
	case Committed, Modified:
		stored, _ := dc.store.GetSnapshot(id)
		dc.manager.MergeObjectWithSnapshot(entity, obj, stored, snap)
		dc.store.setSnapshot(id, snap)
		if obj.state == Modified && len(dc.manager.DiffObject(obj, snap)) == 0 {
			obj.state = Committed
			dc.store.clearDirty(obj)
		}
	case Deleted:
		dc.store.setSnapshot(id, snap)
	}
	return obj
}

// resolveToOne 加载对一关系：持有外键时直接根据快照定位目标，否则查询目标表。
func (dc *DataContext) resolveToOne(ctx context.Context, obj *DataObject, rel *RelationshipMeta) (*DataObject, error) {
	dc.processEvents()
	if obj.state == New || obj.state == Transient {
		obj.relations[rel.Name] = toOneRelation{}
		return nil, nil
	}
	if err := obj.resolveFault(ctx); err != nil {
		return nil, err
	}
	if slot, ok := obj.relations[rel.Name].(toOneRelation); ok {
		return slot.target, nil
	}
	faultTotal.WithLabelValues("to-one").Inc()
	if rel.OwnsForeignKey() {
		snap, _ := dc.store.GetSnapshot(obj.id)
		var target *DataObject
		if tid, ok := dc.manager.TargetIdFromSnapshot(rel, snap); ok {
			var err error
			if target, err = dc.LocalObject(tid); err != nil {
				return nil, &FaultFailureError{ID: obj.id, Property: rel.Name, Cause: err}
			}
		}
		obj.relations[rel.Name] = toOneRelation{target: target}
		return target, nil
	}
	if err := dc.prefetchRelationship(ctx, rel, []*DataObject{obj}); err != nil {
		return nil, &FaultFailureError{ID: obj.id, Property: rel.Name, Cause: err}
	}
	slot, _ := obj.relations[rel.Name].(toOneRelation)
	return slot.target, nil
}

// resolveToMany 加载对多关系，加载前记录的增删会合并到结果中。
func (dc *DataContext) resolveToMany(ctx context.Context, obj *DataObject, rel *RelationshipMeta) ([]*DataObject, error) {
	dc.processEvents()
	if obj.state == New || obj.state == Transient {
		resolveToManySlot(obj, rel, nil)
		slot := obj.relations[rel.Name].(toManyRelation)
		return slot.targets, nil
	}
	if err := obj.resolveFault(ctx); err != nil {
		return nil, err
	}
	if slot, ok := obj.relations[rel.Name].(toManyRelation); ok {
		return slot.targets, nil
	}
	faultTotal.WithLabelValues("to-many").Inc()
	if err := dc.prefetchRelationship(ctx, rel, []*DataObject{obj}); err != nil {
		return nil, &FaultFailureError{ID: obj.id, Property: rel.Name, Cause: err}
	}
	slot, _ := obj.relations[rel.Name].(toManyRelation)
	return slot.targets, nil
}

// resolveToManySlot 将查询到的成员写入对多关系，已解析的关系保持不变。
func resolveToManySlot(obj *DataObject, rel *RelationshipMeta, fetched []*DataObject) {
	targets := make([]*DataObject, 0, len(fetched))
	for _, target := range fetched {
		if target.state != Deleted && !slices.Contains(targets, target) {
			targets = append(targets, target)
		}
	}
	switch slot := obj.relations[rel.Name].(type) {
	case toManyRelation:
		return
	case unresolvedRelation:
		targets = slices.DeleteFunc(targets, func(x *DataObject) bool { return slices.Contains(slot.removed, x) })
		for _, added := range slot.added {
			if !slices.Contains(targets, added) {
				targets = append(targets, added)
			}
		}
	}
	obj.relations[rel.Name] = toManyRelation{targets: targets}
}
