// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"slices"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/pkg/errors"
)

// DeleteRule 定义了删除对象时对关联对象的处理策略。
type DeleteRule int

const (
	// NoAction 忽略该关系，不做任何完整性检查。
	NoAction DeleteRule = iota

	// Nullify 清除关联对象一侧的引用，但不删除关联对象。
	Nullify

	// Cascade 级联删除关联对象。
	Cascade

	// Deny 存在关联对象时拒绝删除。
	Deny
)

func (r DeleteRule) String() string {
	switch r {
	case NoAction:
		return "NoAction"
	case Nullify:
		return "Nullify"
	case Cascade:
		return "Cascade"
	case Deny:
		return "Deny"
	default:
		return "Unknown"
	}
}

// AttributeMeta 描述了实体的持久化属性。
type AttributeMeta struct {
	Name   string // 属性名称
	Column string // 列名
}

// JoinMeta 描述了关系的一组连接列。
type JoinMeta struct {
	Source string // 源表列名
	Target string // 目标表列名
}

// ThroughMeta 描述了多对多（扁平化）关系经过的中间表。
type ThroughMeta struct {
	Table       string     // 中间表名
	SourceJoins []JoinMeta // 源实体列 -> 中间表列
	TargetJoins []JoinMeta // 中间表列 -> 目标实体列
}

// RelationshipMeta 描述了实体之间的关系。
type RelationshipMeta struct {
	Name       string       // 关系名称
	Target     string       // 目标实体名称
	ToMany     bool         // 是否为对多关系
	DeleteRule DeleteRule   // 删除规则
	Joins      []JoinMeta   // 连接列（非扁平化关系）
	Reverse    string       // 反向关系名称，可为空
	Through    *ThroughMeta // 中间表（扁平化关系）

	source  *EntityMeta
	target  *EntityMeta
	reverse *RelationshipMeta
}

// SourceEntity 返回关系所属的实体。
func (r *RelationshipMeta) SourceEntity() *EntityMeta { return r.source }

// TargetEntity 返回关系的目标实体。
func (r *RelationshipMeta) TargetEntity() *EntityMeta { return r.target }

// ReverseRelationship 返回反向关系，不存在时返回 nil。
func (r *RelationshipMeta) ReverseRelationship() *RelationshipMeta { return r.reverse }

// IsFlattened 返回是否为经过中间表的扁平化关系。
func (r *RelationshipMeta) IsFlattened() bool { return r.Through != nil }

// OwnsForeignKey 返回外键是否位于源表：对一关系，目标列为目标实体主键且源列不是源实体主键。
func (r *RelationshipMeta) OwnsForeignKey() bool {
	if r.ToMany || r.Through != nil || r.target == nil || len(r.Joins) == 0 {
		return false
	}
	for _, join := range r.Joins {
		if !r.target.IsPrimaryKey(join.Target) || r.source.IsPrimaryKey(join.Source) {
			return false
		}
	}
	return len(r.Joins) == len(r.target.PrimaryKeys)
}

// EntityMeta 描述了一个持久化实体。
type EntityMeta struct {
	Name          string              // 实体名称
	Table         string              // 表名
	PrimaryKeys   []string            // 主键列名
	Attributes    []*AttributeMeta    // 持久化属性
	Relationships []*RelationshipMeta // 关系
	ReadOnly      bool                // 是否只读，只读实体的修改无法提交
	NoCache       bool                // 是否禁用共享缓存
	GeneratedKey  bool                // 主键是否由存储层生成（自增列）

	attrs     map[string]*AttributeMeta
	attrByCol map[string]*AttributeMeta
	rels      map[string]*RelationshipMeta
	columns   []string
}

// Attribute 返回指定名称的属性。
func (e *EntityMeta) Attribute(name string) *AttributeMeta { return e.attrs[name] }

// AttributeForColumn 返回映射到指定列的属性。
func (e *EntityMeta) AttributeForColumn(column string) *AttributeMeta { return e.attrByCol[column] }

// Relationship 返回指定名称的关系。
func (e *EntityMeta) Relationship(name string) *RelationshipMeta { return e.rels[name] }

// Columns 返回数据行的全部列：主键列、属性列、外键列。
func (e *EntityMeta) Columns() []string { return append([]string(nil), e.columns...) }

// IsPrimaryKey 返回指定列是否为主键列。
func (e *EntityMeta) IsPrimaryKey(column string) bool { return slices.Contains(e.PrimaryKeys, column) }

func (e *EntityMeta) hasColumn(column string) bool { return slices.Contains(e.columns, column) }

// DataMap 是只读的映射元数据，创建后不可修改，可被多个会话共享。
type DataMap struct {
	entities map[string]*EntityMeta
	names    []string
	sorter   *entitySorter
}

// NewDataMap 索引并校验实体元数据。
func NewDataMap(entities ...*EntityMeta) (*DataMap, error) {
	dm := &DataMap{entities: make(map[string]*EntityMeta, len(entities))}
	for _, entity := range entities {
		if entity == nil || entity.Name == "" {
			return nil, errors.New("XOrm.DataMap: entity name is empty")
		}
		if _, ok := dm.entities[entity.Name]; ok {
			return nil, errors.Errorf("XOrm.DataMap: duplicated entity %v", entity.Name)
		}
		if len(entity.PrimaryKeys) == 0 {
			return nil, errors.Errorf("XOrm.DataMap: entity %v has no primary key", entity.Name)
		}
		if entity.Table == "" {
			entity.Table = entity.Name
		}
		entity.attrs = make(map[string]*AttributeMeta, len(entity.Attributes))
		entity.attrByCol = make(map[string]*AttributeMeta, len(entity.Attributes))
		entity.rels = make(map[string]*RelationshipMeta, len(entity.Relationships))
		for _, attr := range entity.Attributes {
			if attr.Column == "" {
				attr.Column = attr.Name
			}
			if _, ok := entity.attrs[attr.Name]; ok {
				return nil, errors.Errorf("XOrm.DataMap: duplicated attribute %v.%v", entity.Name, attr.Name)
			}
			entity.attrs[attr.Name] = attr
			entity.attrByCol[attr.Column] = attr
		}
		for _, rel := range entity.Relationships {
			if _, ok := entity.rels[rel.Name]; ok {
				return nil, errors.Errorf("XOrm.DataMap: duplicated relationship %v.%v", entity.Name, rel.Name)
			}
			if _, ok := entity.attrs[rel.Name]; ok {
				return nil, errors.Errorf("XOrm.DataMap: relationship %v.%v conflicts with attribute", entity.Name, rel.Name)
			}
			rel.source = entity
			entity.rels[rel.Name] = rel
		}
		dm.entities[entity.Name] = entity
		dm.names = append(dm.names, entity.Name)
	}

	for _, entity := range entities {
		for _, rel := range entity.Relationships {
			target := dm.entities[rel.Target]
			if target == nil {
				return nil, errors.Wrapf(ErrUnknownEntity, "XOrm.DataMap: target %v of %v.%v", rel.Target, entity.Name, rel.Name)
			}
			rel.target = target
		}
	}

	for _, entity := range entities {
		entity.columns = append([]string(nil), entity.PrimaryKeys...)
		for _, attr := range entity.Attributes {
			if !slices.Contains(entity.columns, attr.Column) {
				entity.columns = append(entity.columns, attr.Column)
			}
		}
		for _, rel := range entity.Relationships {
			if !rel.OwnsForeignKey() {
				continue
			}
			for _, join := range rel.Joins {
				if !slices.Contains(entity.columns, join.Source) {
					entity.columns = append(entity.columns, join.Source)
				}
			}
		}
	}

	for _, entity := range entities {
		for _, rel := range entity.Relationships {
			if err := dm.validateRelationship(rel); err != nil {
				return nil, err
			}
			if rel.DeleteRule == NoAction {
				XLog.Warn("XOrm.DataMap: relationship %v.%v uses no-action delete rule, referential integrity won't be checked.", entity.Name, rel.Name)
			}
		}
	}

	dm.sorter = newEntitySorter(dm)
	return dm, nil
}

func (dm *DataMap) validateRelationship(rel *RelationshipMeta) error {
	source, target := rel.source, rel.target
	if rel.Through != nil {
		if !rel.ToMany {
			return errors.Errorf("XOrm.DataMap: flattened relationship %v.%v must be to-many", source.Name, rel.Name)
		}
		if rel.Through.Table == "" || len(rel.Through.SourceJoins) == 0 || len(rel.Through.TargetJoins) == 0 {
			return errors.Errorf("XOrm.DataMap: flattened relationship %v.%v has incomplete joins", source.Name, rel.Name)
		}
		for _, join := range rel.Through.SourceJoins {
			if !source.hasColumn(join.Source) {
				return errors.Errorf("XOrm.DataMap: unknown column %v of %v", join.Source, source.Name)
			}
		}
		for _, join := range rel.Through.TargetJoins {
			if !target.hasColumn(join.Target) {
				return errors.Errorf("XOrm.DataMap: unknown column %v of %v", join.Target, target.Name)
			}
		}
	} else {
		if len(rel.Joins) == 0 {
			return errors.Errorf("XOrm.DataMap: relationship %v.%v has no joins", source.Name, rel.Name)
		}
		for _, join := range rel.Joins {
			if !source.hasColumn(join.Source) {
				return errors.Errorf("XOrm.DataMap: unknown column %v of %v", join.Source, source.Name)
			}
			if !target.hasColumn(join.Target) {
				return errors.Errorf("XOrm.DataMap: unknown column %v of %v", join.Target, target.Name)
			}
		}
	}

	if rel.Reverse != "" {
		reverse := target.rels[rel.Reverse]
		if reverse == nil || reverse.Target != source.Name {
			return errors.Wrapf(ErrUnknownProperty, "XOrm.DataMap: reverse %v of %v.%v", rel.Reverse, source.Name, rel.Name)
		}
		rel.reverse = reverse
	}
	if rel.ToMany && rel.Through == nil {
		if rel.reverse == nil || !rel.reverse.OwnsForeignKey() {
			return errors.Errorf("XOrm.DataMap: to-many relationship %v.%v requires a reverse to-one owning the foreign key", source.Name, rel.Name)
		}
	}
	return nil
}

// Entity 返回指定名称的实体，不存在时返回 nil。
func (dm *DataMap) Entity(name string) *EntityMeta { return dm.entities[name] }

// Entities 返回全部实体，顺序与注册顺序一致。
func (dm *DataMap) Entities() []*EntityMeta {
	ret := make([]*EntityMeta, 0, len(dm.names))
	for _, name := range dm.names {
		ret = append(ret, dm.entities[name])
	}
	return ret
}
