// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/pkg/errors"
)

// deleteEdit 是删除规则对关联对象的一处修改。
type deleteEdit struct {
	obj    *DataObject
	rel    *RelationshipMeta
	member *DataObject
}

// denyCheck 在遍历结束后检查的 Deny 关系。
type denyCheck struct {
	obj     *DataObject
	rel     *RelationshipMeta
	members []*DataObject
}

// deletePlan 是删除规则解析的结果，计算阶段不修改任何对象的状态。
type deletePlan struct {
	order   []*DataObject
	visited map[*DataObject]struct{}
	nullify []deleteEdit
	unlinks []deleteEdit
	denies  []denyCheck
}

// DeleteObjects 标记对象删除，并按关系的删除规则处理关联对象。
// 全部 Deny 检查先于任何状态变化执行，被拒绝时返回 DeleteDeniedError，对象保持不变。
// New 对象直接转为 Transient 并从会话中移除。
func (dc *DataContext) DeleteObjects(ctx context.Context, objs ...*DataObject) error {
	dc.processEvents()
	for _, obj := range objs {
		if obj == nil || obj.dc != dc {
			return errors.Wrapf(ErrInvalidState, "delete object not registered in context %v", dc.id)
		}
	}
	plan, err := dc.planDelete(ctx, objs)
	if err != nil {
		return err
	}
	plan.apply(dc)
	XLog.Info("XOrm.DataContext: %v object(s) have been marked deleted.", len(plan.order))
	return nil
}

// planDelete 计算删除闭包：每个对象只访问一次，因此循环与自引用都会终止。
func (dc *DataContext) planDelete(ctx context.Context, objs []*DataObject) (*deletePlan, error) {
	plan := &deletePlan{visited: make(map[*DataObject]struct{})}
	queue := append([]*DataObject(nil), objs...)
	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]
		if _, ok := plan.visited[obj]; ok {
			continue
		}
		plan.visited[obj] = struct{}{}
		plan.order = append(plan.order, obj)

		for _, rel := range obj.entity.Relationships {
			if rel.DeleteRule == NoAction {
				if members := resolvedMembers(obj, rel); len(members) > 0 {
					XLog.Warn("XOrm.DataContext: %v.%v uses no-action delete rule with %v related object(s).", obj.id, rel.Name, len(members))
				}
				continue
			}
			members, err := dc.relatedObjects(ctx, obj, rel)
			if err != nil {
				return nil, err
			}
			switch rel.DeleteRule {
			case Deny:
				if len(members) > 0 {
					plan.denies = append(plan.denies, denyCheck{obj: obj, rel: rel, members: members})
				}
				if rel.IsFlattened() {
					for _, member := range members {
						plan.unlinks = append(plan.unlinks, deleteEdit{obj: obj, rel: rel, member: member})
					}
				}
			case Cascade:
				for _, member := range members {
					if rel.IsFlattened() {
						plan.unlinks = append(plan.unlinks, deleteEdit{obj: obj, rel: rel, member: member})
					}
					queue = append(queue, member)
				}
			case Nullify:
				for _, member := range members {
					if rel.IsFlattened() {
						plan.unlinks = append(plan.unlinks, deleteEdit{obj: obj, rel: rel, member: member})
						continue
					}
					if err := member.resolveFault(ctx); err != nil {
						return nil, err
					}
					plan.nullify = append(plan.nullify, deleteEdit{obj: obj, rel: rel, member: member})
				}
			}
		}
	}

	for _, check := range plan.denies {
		for _, member := range check.members {
			if _, ok := plan.visited[member]; !ok && member.state != Deleted {
				return nil, &DeleteDeniedError{ID: check.obj.id, Relationship: check.rel.Name}
			}
		}
	}
	return plan, nil
}

// relatedObjects 返回关系的当前成员，必要时加载关系。
func (dc *DataContext) relatedObjects(ctx context.Context, obj *DataObject, rel *RelationshipMeta) ([]*DataObject, error) {
	if rel.ToMany {
		return obj.ToMany(ctx, rel.Name)
	}
	target, err := obj.ToOne(ctx, rel.Name)
	if err != nil || target == nil {
		return nil, err
	}
	return []*DataObject{target}, nil
}

// resolvedMembers 返回已解析关系的成员，不触发加载。
func resolvedMembers(obj *DataObject, rel *RelationshipMeta) []*DataObject {
	switch slot := obj.relations[rel.Name].(type) {
	case toOneRelation:
		if slot.target != nil {
			return []*DataObject{slot.target}
		}
	case toManyRelation:
		return slot.targets
	}
	return nil
}

// apply 应用删除计划：清除关联对象的引用，删除中间表记录，更新对象状态。
func (plan *deletePlan) apply(dc *DataContext) {
	for _, edit := range plan.nullify {
		if _, ok := plan.visited[edit.member]; ok {
			continue
		}
		reverse := edit.rel.reverse
		if edit.rel.ToMany {
			edit.obj.removeFromRelation(edit.rel, edit.member)
		}
		if reverse == nil {
			continue
		}
		if reverse.OwnsForeignKey() {
			edit.member.relations[reverse.Name] = toOneRelation{}
			edit.member.markModified()
		} else {
			edit.member.removeFromRelation(reverse, edit.obj)
		}
	}

	for _, edit := range plan.unlinks {
		edit.obj.removeFromRelation(edit.rel, edit.member)
		if edit.rel.reverse != nil {
			edit.member.removeFromRelation(edit.rel.reverse, edit.obj)
		}
		dc.recordFlattened(edit.rel, edit.obj, edit.member, false)
	}

	for _, obj := range plan.order {
		for _, rel := range obj.entity.Relationships {
			if rel.ToMany || rel.reverse == nil || !rel.reverse.ToMany {
				continue
			}
			if slot, ok := obj.relations[rel.Name].(toOneRelation); ok && slot.target != nil {
				slot.target.removeFromRelation(rel.reverse, obj)
			}
		}
		switch obj.state {
		case New:
			dc.dropFlattened(obj)
			dc.store.ObjectsUnregistered([]*DataObject{obj})
		case Deleted, Transient:
		default:
			obj.preDelete = obj.state
			obj.state = Deleted
			dc.store.markDirty(obj)
		}
	}
}
