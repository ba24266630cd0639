// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"github.com/eframework-org/GO.UTIL/XLog"
)

// ObjectStore 是会话的标识映射：每个标识最多对应一个存活的对象实例。
// ObjectStore 仅由所属会话使用，不支持并发访问；共享缓存的事件先进入订阅队列，
// 由会话在下一次操作开始时调用 processSnapshotEvents 应用。
type ObjectStore struct {
	objects   map[string]*DataObject
	snapshots map[string]Snapshot
	dirty     []*DataObject
	dirtySet  map[*DataObject]struct{}
	cache     *SnapshotCache
	sub       *SnapshotSubscription
	manager   SnapshotManager
}

// NewObjectStore 创建对象存储，cache 可为空。
func NewObjectStore(cache *SnapshotCache) *ObjectStore {
	st := &ObjectStore{
		objects:   make(map[string]*DataObject),
		snapshots: make(map[string]Snapshot),
		dirtySet:  make(map[*DataObject]struct{}),
		cache:     cache,
	}
	if cache != nil {
		st.sub = cache.Subscribe()
	}
	return st
}

// RegisterObject 以对象的标识注册对象，同一标识下已存在其他实例时返回 DuplicateIdentityError。
func (st *ObjectStore) RegisterObject(obj *DataObject) error {
	key := obj.id.Unique()
	if existing, ok := st.objects[key]; ok && existing != obj {
		return &DuplicateIdentityError{ID: obj.id}
	}
	st.objects[key] = obj
	return nil
}

// GetObject 返回标识对应的对象，不存在时返回 nil。
func (st *ObjectStore) GetObject(id ObjectId) *DataObject {
	return st.objects[id.Unique()]
}

// GetSnapshot 返回该存储最近一次已知的快照，可能与共享缓存暂时不一致。
func (st *ObjectStore) GetSnapshot(id ObjectId) (Snapshot, bool) {
	snap, ok := st.snapshots[id.Unique()]
	return snap, ok
}

// ObjectsInvalidated 清除对象的快照并将其转为 Hollow，下次访问时重新加载，对象实例保持注册。
// New 对象不受影响。
func (st *ObjectStore) ObjectsInvalidated(objs []*DataObject) {
	for _, obj := range objs {
		if obj == nil || st.objects[obj.id.Unique()] != obj {
			continue
		}
		delete(st.snapshots, obj.id.Unique())
		switch obj.state {
		case Committed, Modified, Deleted, Hollow:
			obj.state = Hollow
			obj.values = make(map[string]any, len(obj.entity.Attributes))
			obj.resetRelations(false)
			st.clearDirty(obj)
		}
	}
}

// ObjectsUnregistered 移除对象及其快照，对象转为 Transient。
func (st *ObjectStore) ObjectsUnregistered(objs []*DataObject) {
	for _, obj := range objs {
		if obj == nil {
			continue
		}
		key := obj.id.Unique()
		if st.objects[key] == obj {
			delete(st.objects, key)
			delete(st.snapshots, key)
		}
		st.clearDirty(obj)
		obj.dc = nil
		obj.state = Transient
	}
}

// Objects 返回全部已注册的对象。
func (st *ObjectStore) Objects() []*DataObject {
	ret := make([]*DataObject, 0, len(st.objects))
	for _, obj := range st.objects {
		ret = append(ret, obj)
	}
	return ret
}

// Len 返回已注册的对象数量。
func (st *ObjectStore) Len() int { return len(st.objects) }

// DirtyObjects 返回有待提交变更的对象，按首次变更的顺序排列。
func (st *ObjectStore) DirtyObjects() []*DataObject {
	return append([]*DataObject(nil), st.dirty...)
}

// Close 取消对共享缓存的订阅。
func (st *ObjectStore) Close() {
	if st.sub != nil {
		st.sub.Close()
		st.sub = nil
	}
}

func (st *ObjectStore) setSnapshot(id ObjectId, snap Snapshot) {
	st.snapshots[id.Unique()] = snap
}

func (st *ObjectStore) markDirty(obj *DataObject) {
	if _, ok := st.dirtySet[obj]; ok {
		return
	}
	st.dirtySet[obj] = struct{}{}
	st.dirty = append(st.dirty, obj)
}

func (st *ObjectStore) clearDirty(obj *DataObject) {
	if _, ok := st.dirtySet[obj]; !ok {
		return
	}
	delete(st.dirtySet, obj)
	for i, d := range st.dirty {
		if d == obj {
			st.dirty = append(st.dirty[:i], st.dirty[i+1:]...)
			break
		}
	}
}

func (st *ObjectStore) resetDirty(dirty []*DataObject) {
	st.dirty = append([]*DataObject(nil), dirty...)
	st.dirtySet = make(map[*DataObject]struct{}, len(dirty))
	for _, obj := range dirty {
		st.dirtySet[obj] = struct{}{}
	}
}

// objectIdChanged 将对象从临时标识迁移到永久标识。
func (st *ObjectStore) objectIdChanged(obj *DataObject, id ObjectId) error {
	if other := st.objects[id.Unique()]; other != nil && other != obj {
		return &DuplicateIdentityError{ID: id}
	}
	oldKey := obj.id.Unique()
	if st.objects[oldKey] == obj {
		delete(st.objects, oldKey)
	}
	if snap, ok := st.snapshots[oldKey]; ok {
		delete(st.snapshots, oldKey)
		st.snapshots[id.Unique()] = snap
	}
	obj.id = id
	st.objects[id.Unique()] = obj
	return nil
}

// processSnapshotEvents 应用其他会话（或其他进程）提交的快照变更。
func (st *ObjectStore) processSnapshotEvents() {
	if st.sub == nil {
		return
	}
	for _, event := range st.sub.Drain() {
		if event.Source == st {
			continue
		}
		st.applyUpdated(event.Updated)
		st.applyDeleted(event.Deleted)
		st.applyInvalidated(event.Invalidated)
	}
}

func (st *ObjectStore) applyUpdated(updated []SnapshotUpdate) {
	for _, update := range updated {
		key := update.ID.Unique()
		obj := st.objects[key]
		if obj == nil {
			if _, ok := st.snapshots[key]; ok {
				st.snapshots[key] = update.Snapshot
			}
			continue
		}
		stored := st.snapshots[key]
		switch obj.state {
		case Committed, Modified:
			st.manager.MergeObjectWithSnapshot(obj.entity, obj, stored, update.Snapshot)
			st.snapshots[key] = update.Snapshot
			if obj.state == Modified && len(st.manager.DiffObject(obj, update.Snapshot)) == 0 {
				obj.state = Committed
				st.clearDirty(obj)
			}
		case Hollow:
			delete(st.snapshots, key)
		default:
			st.snapshots[key] = update.Snapshot
		}
	}
}

func (st *ObjectStore) applyDeleted(deleted []ObjectId) {
	for _, id := range deleted {
		key := id.Unique()
		obj := st.objects[key]
		if obj == nil {
			delete(st.snapshots, key)
			continue
		}
		switch obj.state {
		case Committed, Hollow, Deleted:
			st.ObjectsUnregistered([]*DataObject{obj})
		case Modified:
			delete(st.snapshots, key)
			obj.state = New
			st.markDirty(obj)
			XLog.Warn("XOrm.ObjectStore: %v was deleted elsewhere while modified, it will be inserted again.", id)
		}
	}
}

func (st *ObjectStore) applyInvalidated(invalidated []ObjectId) {
	objs := make([]*DataObject, 0, len(invalidated))
	for _, id := range invalidated {
		obj := st.objects[id.Unique()]
		if obj == nil {
			delete(st.snapshots, id.Unique())
			continue
		}
		if obj.state == Committed || obj.state == Hollow {
			objs = append(objs, obj)
		}
	}
	st.ObjectsInvalidated(objs)
}
