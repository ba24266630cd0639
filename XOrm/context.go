// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/pkg/errors"
)

// flattenedKey 唯一标识一条待提交的中间表变更。
type flattenedKey struct {
	rel    *RelationshipMeta
	source *DataObject
	target *DataObject
}

// flattenedChange 是一条待提交的中间表变更，insert 为 false 时表示删除。
type flattenedChange struct {
	rel    *RelationshipMeta
	source *DataObject
	target *DataObject
	insert bool
}

// DataContext 是工作单元会话：跟踪对象的变更，负责查询、延迟加载、提交与回滚。
// 会话不支持多个协程同时使用，不同会话之间通过共享的 SnapshotCache 同步已提交的数据。
//
// 使用示例：
//
//	dc := domain.NewContext()
//	defer dc.Close()
//	artist, _ := dc.CreateObject("Artist")
//	artist.Set(ctx, "Name", "Monet")
//	if err := dc.Commit(ctx); err != nil {
//		dc.RollbackChanges()
//	}
type DataContext struct {
	id             int64
	domain         *DataDomain
	store          *ObjectStore
	manager        SnapshotManager
	flattened      []*flattenedChange
	flattenedIndex map[flattenedKey]*flattenedChange
}

// ID 返回会话的唯一编号。
func (dc *DataContext) ID() int64 { return dc.id }

// Domain 返回会话所属的数据域。
func (dc *DataContext) Domain() *DataDomain { return dc.domain }

// Store 返回会话的对象存储。
func (dc *DataContext) Store() *ObjectStore { return dc.store }

// Close 取消会话对共享缓存的订阅，之后会话不再感知其他会话的提交。
func (dc *DataContext) Close() {
	dc.store.Close()
	XLog.Info("XOrm.DataContext: context %v has been closed.", dc.id)
}

// CreateObject 创建并注册一个 New 对象。
func (dc *DataContext) CreateObject(entityName string) (*DataObject, error) {
	entity, err := dc.entity(entityName)
	if err != nil {
		return nil, err
	}
	obj := NewDataObject(entity)
	if err := dc.RegisterNewObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// RegisterNewObject 将 Transient 对象注册为 New，已解析的关系中可达的 Transient 对象会一并注册。
func (dc *DataContext) RegisterNewObject(obj *DataObject) error {
	if obj == nil {
		return errors.Wrap(ErrInvalidState, "register nil object")
	}
	if obj.dc == dc && obj.state != Transient {
		return nil
	}
	if obj.state != Transient || obj.dc != nil {
		return errors.Wrapf(ErrInvalidState, "register %v of state %v", obj.id, obj.state)
	}
	if entity := dc.domain.dataMap.Entity(obj.entity.Name); entity != obj.entity {
		return errors.Wrapf(ErrUnknownEntity, "%v", obj.entity.Name)
	}
	if err := dc.store.RegisterObject(obj); err != nil {
		return err
	}
	obj.dc = dc
	obj.state = New
	dc.store.markDirty(obj)

	for _, rel := range obj.entity.Relationships {
		members := make([]*DataObject, 0)
		switch slot := obj.relations[rel.Name].(type) {
		case toOneRelation:
			if slot.target != nil {
				members = append(members, slot.target)
			}
		case toManyRelation:
			members = append(members, slot.targets...)
		}
		for _, member := range members {
			if member.state == Transient && member.dc == nil {
				if err := dc.RegisterNewObject(member); err != nil {
					return err
				}
			}
			if rel.IsFlattened() && member.dc == dc {
				dc.recordFlattened(rel, obj, member, true)
			}
		}
	}
	return nil
}

// LocalObject 返回标识对应的对象，不存在时注册一个 Hollow 对象，不访问存储层。
func (dc *DataContext) LocalObject(id ObjectId) (*DataObject, error) {
	if obj := dc.store.GetObject(id); obj != nil {
		return obj, nil
	}
	entity, err := dc.entity(id.Entity())
	if err != nil {
		return nil, err
	}
	if id.IsTemporary() {
		return nil, errors.Wrapf(ErrObjectNotFound, "%v", id)
	}
	obj := newDataObject(entity, id, Hollow)
	obj.resetRelations(false)
	obj.dc = dc
	if err := dc.store.RegisterObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// ObjectForId 返回标识对应的已加载对象，必要时依次从共享缓存和存储层读取。
func (dc *DataContext) ObjectForId(ctx context.Context, id ObjectId) (*DataObject, error) {
	dc.processEvents()
	existed := dc.store.GetObject(id) != nil
	obj, err := dc.LocalObject(id)
	if err != nil {
		return nil, err
	}
	if err := obj.resolveFault(ctx); err != nil {
		if !existed {
			dc.store.ObjectsUnregistered([]*DataObject{obj})
		}
		return nil, err
	}
	return obj, nil
}

// InvalidateObjects 丢弃对象的快照与未提交的修改，对象转为 Hollow 并在下次访问时重新加载。
// 共享缓存中对应的快照也会被移除，其他会话中的对象同样会失效。
func (dc *DataContext) InvalidateObjects(objs ...*DataObject) {
	dc.processEvents()
	ids := make([]ObjectId, 0, len(objs))
	for _, obj := range objs {
		if obj == nil || obj.dc != dc || obj.state == New {
			continue
		}
		dc.dropFlattened(obj)
		if !obj.entity.NoCache {
			ids = append(ids, obj.id)
		}
	}
	dc.store.ObjectsInvalidated(objs)
	if len(ids) > 0 {
		dc.domain.cache.Forget(dc.store, ids)
	}
}

// RollbackChanges 丢弃全部未提交的变更：New 对象被移除，Modified 和 Deleted 对象恢复为最近的快照。
func (dc *DataContext) RollbackChanges() {
	dc.processEvents()
	dropped := make([]*DataObject, 0)
	for _, obj := range dc.store.Objects() {
		if obj.state == New {
			dropped = append(dropped, obj)
		}
	}
	dc.store.ObjectsUnregistered(dropped)

	for _, obj := range dc.store.Objects() {
		if obj.state == Modified || obj.state == Deleted {
			snap, ok := dc.store.GetSnapshot(obj.id)
			if !ok {
				obj.state = Committed
				dc.store.ObjectsInvalidated([]*DataObject{obj})
				continue
			}
			obj.values = make(map[string]any, len(obj.entity.Attributes))
			obj.state = Committed
			obj.preDelete = Transient
			dc.manager.fillObject(obj, snap)
		}
		for _, rel := range obj.entity.Relationships {
			if !rel.OwnsForeignKey() {
				obj.relations[rel.Name] = unresolvedRelation{}
				continue
			}
			if slot, ok := obj.relations[rel.Name].(toOneRelation); ok && slot.target != nil && slot.target.dc != dc {
				obj.relations[rel.Name] = unresolvedRelation{}
			}
		}
	}
	dc.store.resetDirty(nil)
	dc.clearFlattened()
	XLog.Info("XOrm.DataContext: changes of context %v have been rolled back.", dc.id)
}

// HasChanges 返回是否存在未提交的变更。
func (dc *DataContext) HasChanges() bool {
	return len(dc.store.dirty) > 0 || len(dc.flattened) > 0
}

func (dc *DataContext) entity(name string) (*EntityMeta, error) {
	entity := dc.domain.dataMap.Entity(name)
	if entity == nil {
		return nil, errors.Wrapf(ErrUnknownEntity, "%v", name)
	}
	return entity, nil
}

// processEvents 应用共享缓存中排队的变更事件，每个公开操作开始时调用。
func (dc *DataContext) processEvents() {
	dc.store.processSnapshotEvents()
}

// resolveHollow 加载 Hollow 对象：依次读取会话快照、共享缓存、存储层。
func (dc *DataContext) resolveHollow(ctx context.Context, obj *DataObject) error {
	snap, ok := dc.store.GetSnapshot(obj.id)
	if !ok && !obj.entity.NoCache {
		snap, ok = dc.domain.cache.GetCachedSnapshot(obj.id)
	}
	if !ok {
		fetched, found, err := dc.domain.fetchSnapshot(ctx, obj.entity, obj.id)
		if err != nil {
			return &FaultFailureError{ID: obj.id, Cause: err}
		}
		if !found {
			return &FaultFailureError{ID: obj.id, Cause: ErrObjectNotFound}
		}
		snap = fetched
		if !obj.entity.NoCache {
			stamped := dc.domain.cache.RegisterSnapshotChanges(dc.store, []SnapshotUpdate{{ID: obj.id, Snapshot: snap}}, nil)
			snap = stamped[0].Snapshot
		}
	}
	dc.store.setSnapshot(obj.id, snap)
	dc.manager.fillObject(obj, snap)
	obj.state = Committed
	faultTotal.WithLabelValues("object").Inc()
	return nil
}

// columnValue 返回对象在指定列上的当前取值：主键列取标识，其余优先取属性值，再取快照。
func (dc *DataContext) columnValue(obj *DataObject, column string) any {
	if obj.entity.IsPrimaryKey(column) {
		if id := obj.currentId(); !id.IsTemporary() {
			return id.Value(column)
		}
	}
	if attr := obj.entity.AttributeForColumn(column); attr != nil {
		if v, ok := obj.values[attr.Name]; ok || obj.state != Hollow {
			return v
		}
	}
	if snap, ok := dc.store.GetSnapshot(obj.id); ok {
		return snap.Value(column)
	}
	return nil
}

// recordFlattened 记录扁平化关系的中间表变更。
// 互为反向的两个关系使用同一条记录，相反的变更互相抵消，涉及 New 对象的删除被忽略。
func (dc *DataContext) recordFlattened(rel *RelationshipMeta, source, target *DataObject, insert bool) {
	if rel.reverse != nil && relationKey(rel.reverse) < relationKey(rel) {
		rel, source, target = rel.reverse, target, source
	}
	key := flattenedKey{rel: rel, source: source, target: target}
	if existing := dc.flattenedIndex[key]; existing != nil {
		if existing.insert != insert {
			dc.removeFlattened(existing)
		}
		return
	}
	if !insert && (source.state == New || target.state == New) {
		return
	}
	change := &flattenedChange{rel: rel, source: source, target: target, insert: insert}
	dc.flattened = append(dc.flattened, change)
	dc.flattenedIndex[key] = change
}

func (dc *DataContext) removeFlattened(change *flattenedChange) {
	delete(dc.flattenedIndex, flattenedKey{rel: change.rel, source: change.source, target: change.target})
	for i, c := range dc.flattened {
		if c == change {
			dc.flattened = append(dc.flattened[:i], dc.flattened[i+1:]...)
			break
		}
	}
}

// dropFlattened 移除与对象相关的全部中间表变更。
func (dc *DataContext) dropFlattened(obj *DataObject) {
	for _, change := range append([]*flattenedChange(nil), dc.flattened...) {
		if change.source == obj || change.target == obj {
			dc.removeFlattened(change)
		}
	}
}

func (dc *DataContext) clearFlattened() {
	dc.flattened = nil
	dc.flattenedIndex = make(map[flattenedKey]*flattenedChange)
}

func relationKey(rel *RelationshipMeta) string {
	return rel.source.Name + "." + rel.Name
}
