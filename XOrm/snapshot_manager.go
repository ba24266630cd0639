// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"sort"

	"github.com/eframework-org/GO.UTIL/XLog"
)

// SnapshotManager 提供快照与对象之间的合并、比较、标识解析算法，不持有任何状态。
type SnapshotManager struct{}

// MergeObjectWithSnapshot 将新快照合并到对象中。
// 对于每个属性：若对象当前值等于上次快照中的值（未被本地修改），则使用新快照的值；否则保留本地修改。
// 外键发生变化且本地未修改对应关系时，对一关系将被重置为未解析。
// 若本地修改覆盖了外部的新值，返回 StaleSnapshotWarning，该警告不影响合并结果。
func (sm SnapshotManager) MergeObjectWithSnapshot(entity *EntityMeta, obj *DataObject, stored, fresh Snapshot) *StaleSnapshotWarning {
	stale := make([]string, 0)
	for _, attr := range entity.Attributes {
		nv, ok := fresh.Get(attr.Column)
		if !ok {
			continue
		}
		current := obj.values[attr.Name]
		last, known := stored.Get(attr.Column)
		if !known || valuesEqual(current, last) {
			obj.values[attr.Name] = nv
			continue
		}
		if !valuesEqual(current, nv) && !valuesEqual(last, nv) {
			stale = append(stale, attr.Name)
		}
	}

	for _, rel := range entity.Relationships {
		if !rel.OwnsForeignKey() {
			continue
		}
		if _, resolved := obj.relations[rel.Name].(toOneRelation); !resolved {
			continue
		}
		if sm.IsJoinAttributesModified(rel, stored, fresh) && !sm.IsToOneTargetModified(rel, obj, stored) {
			obj.relations[rel.Name] = unresolvedRelation{}
		}
	}

	if len(stale) == 0 {
		return nil
	}
	sort.Strings(stale)
	staleMerges.Inc()
	warning := &StaleSnapshotWarning{ID: obj.id, Attributes: stale}
	XLog.Warn("XOrm.SnapshotManager: %v", warning)
	return warning
}

// IsToOneTargetModified 返回对象当前的对一目标是否与已存快照中的外键不一致。
// 未解析的关系视为未修改。
func (SnapshotManager) IsToOneTargetModified(rel *RelationshipMeta, obj *DataObject, stored Snapshot) bool {
	slot, ok := obj.relations[rel.Name].(toOneRelation)
	if !ok {
		return false
	}
	if slot.target == nil {
		for _, join := range rel.Joins {
			if stored.Value(join.Source) != nil {
				return true
			}
		}
		return false
	}
	id := slot.target.currentId()
	if id.IsTemporary() {
		return true
	}
	for _, join := range rel.Joins {
		if !valuesEqual(id.Value(join.Target), stored.Value(join.Source)) {
			return true
		}
	}
	return false
}

// IsJoinAttributesModified 返回两个快照在关系连接列上的取值是否不同。
func (SnapshotManager) IsJoinAttributesModified(rel *RelationshipMeta, stored, fresh Snapshot) bool {
	for _, join := range rel.Joins {
		if !valuesEqual(stored.Value(join.Source), fresh.Value(join.Source)) {
			return true
		}
	}
	return false
}

// ObjectIdFromSnapshot 提取快照中的主键列并构建标识，缺少主键列或主键为空时返回 MissingPrimaryKeyError。
func (SnapshotManager) ObjectIdFromSnapshot(entity *EntityMeta, snap Snapshot) (ObjectId, error) {
	keys := make(map[string]any, len(entity.PrimaryKeys))
	missing := make([]string, 0)
	for _, pk := range entity.PrimaryKeys {
		v, ok := snap.Get(pk)
		if !ok || v == nil {
			missing = append(missing, pk)
			continue
		}
		keys[pk] = v
	}
	if len(missing) > 0 {
		return ObjectId{}, &MissingPrimaryKeyError{Entity: entity.Name, Columns: missing}
	}
	return NewObjectId(entity.Name, keys), nil
}

// TargetIdFromSnapshot 根据快照中的外键构建对一关系目标的标识，外键为空时返回 false。
func (SnapshotManager) TargetIdFromSnapshot(rel *RelationshipMeta, snap Snapshot) (ObjectId, bool) {
	if !rel.OwnsForeignKey() {
		return ObjectId{}, false
	}
	keys := make(map[string]any, len(rel.Joins))
	for _, join := range rel.Joins {
		v := snap.Value(join.Source)
		if v == nil {
			return ObjectId{}, false
		}
		keys[join.Target] = v
	}
	return NewObjectId(rel.Target, keys), true
}

// SnapshotForObject 构建对象当前的数据行：主键列、属性列和外键列。
// stored 为对象上次的快照，未解析的对一关系使用其中的外键值。
func (SnapshotManager) SnapshotForObject(obj *DataObject, stored Snapshot) Snapshot {
	entity := obj.entity
	values := make(map[string]any, len(entity.columns))
	for _, attr := range entity.Attributes {
		values[attr.Column] = obj.values[attr.Name]
	}
	for _, rel := range entity.Relationships {
		if !rel.OwnsForeignKey() {
			continue
		}
		switch slot := obj.relations[rel.Name].(type) {
		case toOneRelation:
			for _, join := range rel.Joins {
				if slot.target == nil {
					values[join.Source] = nil
				} else {
					values[join.Source] = slot.target.currentId().Value(join.Target)
				}
			}
		default:
			for _, join := range rel.Joins {
				values[join.Source] = stored.Value(join.Source)
			}
		}
	}
	if id := obj.currentId(); !id.IsTemporary() {
		for _, pk := range entity.PrimaryKeys {
			values[pk] = id.Value(pk)
		}
	}
	return NewSnapshot(entity.columns, values)
}

// DiffObject 返回对象相对于上次快照发生变化的列，主键列不参与比较。
func (sm SnapshotManager) DiffObject(obj *DataObject, stored Snapshot) map[string]any {
	current := sm.SnapshotForObject(obj, stored)
	diff := make(map[string]any)
	for _, col := range current.columns {
		if obj.entity.IsPrimaryKey(col) {
			continue
		}
		nv := current.values[col]
		if ov, ok := stored.Get(col); !ok || !valuesEqual(ov, nv) {
			diff[col] = nv
		}
	}
	return diff
}

// fillObject 使用快照覆盖对象的全部属性，外键与快照不一致的已解析对一关系被重置为未解析。
func (sm SnapshotManager) fillObject(obj *DataObject, snap Snapshot) {
	for _, attr := range obj.entity.Attributes {
		if v, ok := snap.Get(attr.Column); ok {
			obj.values[attr.Name] = v
		}
	}
	for _, rel := range obj.entity.Relationships {
		if _, ok := obj.relations[rel.Name]; !ok {
			obj.relations[rel.Name] = unresolvedRelation{}
			continue
		}
		if rel.OwnsForeignKey() && sm.IsToOneTargetModified(rel, obj, snap) {
			obj.relations[rel.Name] = unresolvedRelation{}
		}
	}
}
