// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"slices"

	"github.com/pkg/errors"
)

// PersistenceState 定义了对象的持久化状态。
type PersistenceState int

const (
	// Transient 未注册到任何会话。
	Transient PersistenceState = iota

	// New 已注册，数据库中尚无对应的数据行。
	New

	// Hollow 已注册，标识已知但属性尚未加载。
	Hollow

	// Committed 属性已加载且与最近的快照一致。
	Committed

	// Modified 属性已加载且与最近的快照不一致。
	Modified

	// Deleted 已标记删除，尚未提交。
	Deleted
)

func (s PersistenceState) String() string {
	switch s {
	case Transient:
		return "TRANSIENT"
	case New:
		return "NEW"
	case Hollow:
		return "HOLLOW"
	case Committed:
		return "COMMITTED"
	case Modified:
		return "MODIFIED"
	case Deleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// relationValue 是关系槽位的取值：未解析、已解析的对一、已解析的对多。
// 槽位只会被整体替换，不会原地修改。
type relationValue interface {
	resolved() bool
}

// unresolvedRelation 表示尚未加载的关系，对多关系可能携带加载前的增删。
type unresolvedRelation struct {
	added   []*DataObject
	removed []*DataObject
}

func (unresolvedRelation) resolved() bool { return false }

type toOneRelation struct {
	target *DataObject
}

func (toOneRelation) resolved() bool { return true }

type toManyRelation struct {
	targets []*DataObject
}

func (toManyRelation) resolved() bool { return true }

// DataObject 是数据行在内存中的表示。
// 对象只属于一个会话，不同会话中相同标识的对象是不同的实例。
type DataObject struct {
	id        ObjectId
	permanent ObjectId
	state     PersistenceState
	preDelete PersistenceState
	dc        *DataContext
	entity    *EntityMeta
	values    map[string]any
	relations map[string]relationValue
}

// NewDataObject 创建一个未注册的对象，关系均为已解析的空值。
func NewDataObject(entity *EntityMeta) *DataObject {
	obj := newDataObject(entity, NewTempObjectId(entity.Name), Transient)
	obj.resetRelations(true)
	return obj
}

func newDataObject(entity *EntityMeta, id ObjectId, state PersistenceState) *DataObject {
	return &DataObject{
		id:        id,
		state:     state,
		entity:    entity,
		values:    make(map[string]any, len(entity.Attributes)),
		relations: make(map[string]relationValue, len(entity.Relationships)),
	}
}

// ObjectId 返回对象的标识。
func (o *DataObject) ObjectId() ObjectId { return o.id }

// State 返回对象的持久化状态。
func (o *DataObject) State() PersistenceState { return o.state }

// Entity 返回对象的实体元数据。
func (o *DataObject) Entity() *EntityMeta { return o.entity }

// Context 返回对象所属的会话。
func (o *DataObject) Context() *DataContext { return o.dc }

// Get 读取属性或关系，Hollow 对象和未解析的关系会在首次访问时加载。
// 对一关系返回 *DataObject，对多关系返回 []*DataObject。
func (o *DataObject) Get(ctx context.Context, name string) (any, error) {
	if rel := o.entity.Relationship(name); rel != nil {
		if rel.ToMany {
			return o.ToMany(ctx, name)
		}
		return o.ToOne(ctx, name)
	}
	if o.entity.Attribute(name) == nil {
		return nil, errors.Wrapf(ErrUnknownProperty, "%v.%v", o.entity.Name, name)
	}
	if err := o.resolveFault(ctx); err != nil {
		return nil, err
	}
	return o.values[name], nil
}

// Set 写入属性，Committed 对象将变为 Modified。
func (o *DataObject) Set(ctx context.Context, name string, value any) error {
	if o.entity.Attribute(name) == nil {
		return errors.Wrapf(ErrUnknownProperty, "%v.%v", o.entity.Name, name)
	}
	if o.state == Deleted {
		return errors.Wrapf(ErrInvalidState, "set %v on deleted %v", name, o.id)
	}
	if err := o.resolveFault(ctx); err != nil {
		return err
	}
	o.values[name] = value
	o.markModified()
	return nil
}

// ToOne 读取对一关系。
func (o *DataObject) ToOne(ctx context.Context, name string) (*DataObject, error) {
	rel, err := o.relationship(name, false)
	if err != nil {
		return nil, err
	}
	if v, ok := o.relations[name].(toOneRelation); ok {
		return v.target, nil
	}
	if o.dc == nil {
		return nil, nil
	}
	return o.dc.resolveToOne(ctx, o, rel)
}

// ToMany 读取对多关系，返回的切片为副本。
func (o *DataObject) ToMany(ctx context.Context, name string) ([]*DataObject, error) {
	rel, err := o.relationship(name, true)
	if err != nil {
		return nil, err
	}
	if v, ok := o.relations[name].(toManyRelation); ok {
		return append([]*DataObject(nil), v.targets...), nil
	}
	if o.dc == nil {
		return nil, nil
	}
	targets, err := o.dc.resolveToMany(ctx, o, rel)
	if err != nil {
		return nil, err
	}
	return append([]*DataObject(nil), targets...), nil
}

// IsFaulted 返回关系是否尚未解析。
func (o *DataObject) IsFaulted(name string) bool {
	v, ok := o.relations[name]
	return !ok || !v.resolved()
}

// SetToOne 设置对一关系，并维护内存中的反向关系。
func (o *DataObject) SetToOne(ctx context.Context, name string, target *DataObject) error {
	rel, err := o.relationship(name, false)
	if err != nil {
		return err
	}
	if err := o.checkRelated(target, rel); err != nil {
		return err
	}
	if err := o.adopt(target); err != nil {
		return err
	}
	return o.setToOne(ctx, rel, target)
}

// AddToMany 向对多关系中添加对象。
func (o *DataObject) AddToMany(ctx context.Context, name string, target *DataObject) error {
	rel, err := o.relationship(name, true)
	if err != nil {
		return err
	}
	if target == nil {
		return errors.Wrapf(ErrInvalidState, "add nil to %v.%v", o.entity.Name, name)
	}
	if err := o.checkRelated(target, rel); err != nil {
		return err
	}
	if err := o.adopt(target); err != nil {
		return err
	}
	if rel.IsFlattened() {
		o.addToRelation(rel, target)
		if rel.reverse != nil {
			target.addToRelation(rel.reverse, o)
		}
		if o.dc != nil {
			o.dc.recordFlattened(rel, o, target, true)
		}
		o.markModified()
		return nil
	}
	return target.setToOne(ctx, rel.reverse, o)
}

// RemoveToMany 从对多关系中移除对象。
func (o *DataObject) RemoveToMany(ctx context.Context, name string, target *DataObject) error {
	rel, err := o.relationship(name, true)
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	if rel.IsFlattened() {
		o.removeFromRelation(rel, target)
		if rel.reverse != nil {
			target.removeFromRelation(rel.reverse, o)
		}
		if o.dc != nil {
			o.dc.recordFlattened(rel, o, target, false)
		}
		o.markModified()
		return nil
	}
	current, err := target.ToOne(ctx, rel.reverse.Name)
	if err != nil {
		return err
	}
	if current != o {
		return nil
	}
	return target.setToOne(ctx, rel.reverse, nil)
}

func (o *DataObject) setToOne(ctx context.Context, rel *RelationshipMeta, target *DataObject) error {
	if o.state == Deleted {
		return errors.Wrapf(ErrInvalidState, "set %v on deleted %v", rel.Name, o.id)
	}
	old, err := o.ToOne(ctx, rel.Name)
	if err != nil {
		return err
	}
	if old == target {
		return nil
	}
	o.relations[rel.Name] = toOneRelation{target: target}
	if rel.reverse != nil {
		if old != nil {
			old.removeFromRelation(rel.reverse, o)
		}
		if target != nil {
			target.addToRelation(rel.reverse, o)
		}
	}
	if rel.OwnsForeignKey() {
		o.markModified()
	}
	return nil
}

// addToRelation 在内存中添加关系成员，不触发加载。
func (o *DataObject) addToRelation(rel *RelationshipMeta, member *DataObject) {
	switch v := o.relations[rel.Name].(type) {
	case toManyRelation:
		if !slices.Contains(v.targets, member) {
			o.relations[rel.Name] = toManyRelation{targets: append(slices.Clone(v.targets), member)}
		}
	case toOneRelation:
		if v.target != member {
			o.relations[rel.Name] = toOneRelation{target: member}
			if rel.OwnsForeignKey() {
				o.markModified()
			}
		}
	case unresolvedRelation:
		if rel.ToMany {
			removed := slices.DeleteFunc(slices.Clone(v.removed), func(x *DataObject) bool { return x == member })
			added := v.added
			if !slices.Contains(added, member) {
				added = append(slices.Clone(added), member)
			}
			o.relations[rel.Name] = unresolvedRelation{added: added, removed: removed}
		} else {
			o.relations[rel.Name] = toOneRelation{target: member}
			if rel.OwnsForeignKey() {
				o.markModified()
			}
		}
	default:
		if rel.ToMany {
			o.relations[rel.Name] = unresolvedRelation{added: []*DataObject{member}}
		} else {
			o.relations[rel.Name] = toOneRelation{target: member}
		}
	}
}

// removeFromRelation 在内存中移除关系成员，不触发加载。
func (o *DataObject) removeFromRelation(rel *RelationshipMeta, member *DataObject) {
	switch v := o.relations[rel.Name].(type) {
	case toManyRelation:
		if slices.Contains(v.targets, member) {
			o.relations[rel.Name] = toManyRelation{targets: slices.DeleteFunc(slices.Clone(v.targets), func(x *DataObject) bool { return x == member })}
		}
	case toOneRelation:
		if v.target == member {
			o.relations[rel.Name] = toOneRelation{}
			if rel.OwnsForeignKey() {
				o.markModified()
			}
		}
	case unresolvedRelation:
		if rel.ToMany {
			added := slices.DeleteFunc(slices.Clone(v.added), func(x *DataObject) bool { return x == member })
			removed := v.removed
			if !slices.Contains(removed, member) {
				removed = append(slices.Clone(removed), member)
			}
			o.relations[rel.Name] = unresolvedRelation{added: added, removed: removed}
		}
	}
}

// resetRelations 重置全部关系槽位，resolved 为 true 时置为已解析的空值（用于新建对象）。
func (o *DataObject) resetRelations(resolved bool) {
	for _, rel := range o.entity.Relationships {
		switch {
		case !resolved:
			o.relations[rel.Name] = unresolvedRelation{}
		case rel.ToMany:
			o.relations[rel.Name] = toManyRelation{}
		default:
			o.relations[rel.Name] = toOneRelation{}
		}
	}
}

// markModified 标记对象已被修改。
func (o *DataObject) markModified() {
	switch o.state {
	case Committed:
		o.state = Modified
		if o.dc != nil {
			o.dc.store.markDirty(o)
		}
	case New, Modified:
		if o.dc != nil {
			o.dc.store.markDirty(o)
		}
	}
}

// resolveFault 加载 Hollow 对象的属性。
func (o *DataObject) resolveFault(ctx context.Context) error {
	if o.state != Hollow || o.dc == nil {
		return nil
	}
	return o.dc.resolveHollow(ctx, o)
}

func (o *DataObject) relationship(name string, toMany bool) (*RelationshipMeta, error) {
	rel := o.entity.Relationship(name)
	if rel == nil || rel.ToMany != toMany {
		return nil, errors.Wrapf(ErrUnknownProperty, "%v.%v", o.entity.Name, name)
	}
	return rel, nil
}

func (o *DataObject) checkRelated(target *DataObject, rel *RelationshipMeta) error {
	if target == nil {
		return nil
	}
	if target.entity.Name != rel.Target {
		return errors.Wrapf(ErrUnknownEntity, "%v is not %v", target.id, rel.Target)
	}
	if o.dc != nil && target.dc != nil && o.dc != target.dc {
		return errors.Wrapf(ErrInvalidState, "%v and %v belong to different contexts", o.id, target.id)
	}
	return nil
}

// adopt 在关联双方只有一方已注册时，将未注册的 Transient 对象注册到同一会话。
func (o *DataObject) adopt(target *DataObject) error {
	if target == nil {
		return nil
	}
	switch {
	case o.dc != nil && target.dc == nil && target.state == Transient:
		return o.dc.RegisterNewObject(target)
	case o.dc == nil && o.state == Transient && target.dc != nil:
		return target.dc.RegisterNewObject(o)
	}
	return nil
}

// currentId 返回对象在提交过程中应使用的标识：已生成的永久标识优先。
func (o *DataObject) currentId() ObjectId {
	if !o.permanent.IsZero() {
		return o.permanent
	}
	return o.id
}
