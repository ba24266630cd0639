// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const (
	// prefetchChunkPrefs 定义了预取时单个 IN 查询最大键数量的偏好设置键。
	prefetchChunkPrefs = "Orm/Prefetch/Chunk"

	// defaultPrefetchChunk 是预取时单个 IN 查询的默认最大键数量。
	defaultPrefetchChunk = 1000
)

// prefetch 按声明顺序解析预取路径，共享前缀的路径复用已查询的中间结果。
func (dc *DataContext) prefetch(ctx context.Context, entity *EntityMeta, roots []*DataObject, paths []string) error {
	results := map[string][]*DataObject{"": roots}
	for _, path := range paths {
		current := roots
		owner := entity
		prefix := ""
		for _, name := range strings.Split(path, ".") {
			rel := owner.Relationship(name)
			if rel == nil {
				return errors.Wrapf(ErrUnknownProperty, "prefetch %v of %v", path, entity.Name)
			}
			if prefix != "" {
				prefix += "."
			}
			prefix += name
			if objs, ok := results[prefix]; ok {
				current, owner = objs, rel.target
				continue
			}
			if err := dc.prefetchRelationship(ctx, rel, current); err != nil {
				return errors.Wrapf(err, "XOrm.DataContext: prefetch %v", prefix)
			}
			next := relatedMembers(current, rel)
			results[prefix] = next
			current, owner = next, rel.target
		}
	}
	return nil
}

// relatedMembers 收集对象在已解析关系上的全部成员（去重）。
func relatedMembers(objs []*DataObject, rel *RelationshipMeta) []*DataObject {
	seen := make(map[*DataObject]struct{})
	ret := make([]*DataObject, 0)
	add := func(member *DataObject) {
		if member == nil {
			return
		}
		if _, ok := seen[member]; ok {
			return
		}
		seen[member] = struct{}{}
		ret = append(ret, member)
	}
	for _, obj := range objs {
		switch slot := obj.relations[rel.Name].(type) {
		case toOneRelation:
			add(slot.target)
		case toManyRelation:
			for _, target := range slot.targets {
				add(target)
			}
		}
	}
	return ret
}

// prefetchRelationship 为一批源对象解析同一个关系，每批键只发起一次 IN 查询。
func (dc *DataContext) prefetchRelationship(ctx context.Context, rel *RelationshipMeta, objs []*DataObject) error {
	sources := make([]*DataObject, 0, len(objs))
	for _, obj := range objs {
		if !obj.IsFaulted(rel.Name) {
			continue
		}
		switch obj.state {
		case New, Transient:
			if rel.ToMany {
				resolveToManySlot(obj, rel, nil)
			} else {
				obj.relations[rel.Name] = toOneRelation{}
			}
			continue
		case Hollow:
			if err := obj.resolveFault(ctx); err != nil {
				return err
			}
		}
		sources = append(sources, obj)
	}
	if len(sources) == 0 {
		return nil
	}
	switch {
	case rel.IsFlattened():
		return dc.prefetchFlattened(ctx, rel, sources)
	case rel.OwnsForeignKey():
		return dc.prefetchOwningToOne(ctx, rel, sources)
	default:
		return dc.prefetchByJoin(ctx, rel, sources)
	}
}

// prefetchOwningToOne 根据源对象快照中的外键定位目标，已加载的目标不再查询。
func (dc *DataContext) prefetchOwningToOne(ctx context.Context, rel *RelationshipMeta, sources []*DataObject) error {
	target := rel.target
	targetIds := make([]ObjectId, len(sources))
	tuples := make([][]any, 0)
	for i, source := range sources {
		snap, _ := dc.store.GetSnapshot(source.id)
		tid, ok := dc.manager.TargetIdFromSnapshot(rel, snap)
		if !ok {
			continue
		}
		targetIds[i] = tid
		if obj := dc.store.GetObject(tid); obj != nil && obj.state != Hollow {
			continue
		}
		if !target.NoCache {
			if cached, ok := dc.domain.cache.GetCachedSnapshot(tid); ok {
				dc.objectFromSnapshot(target, tid, cached)
				continue
			}
		}
		tuples = append(tuples, idValues(tid, target.PrimaryKeys))
	}
	if len(tuples) > 0 {
		snaps, err := dc.selectChunked(ctx, target, target.PrimaryKeys, tuples)
		if err != nil {
			return err
		}
		if _, err := dc.objectsFromSnapshots(target, snaps); err != nil {
			return err
		}
	}
	for i, source := range sources {
		var obj *DataObject
		if !targetIds[i].IsZero() {
			var err error
			if obj, err = dc.LocalObject(targetIds[i]); err != nil {
				return err
			}
		}
		source.relations[rel.Name] = toOneRelation{target: obj}
	}
	return nil
}

// prefetchByJoin 通过目标表上的连接列查询目标（对多关系或不持有外键的对一关系），
// 并将源对象缝合到目标的反向对一关系中。
func (dc *DataContext) prefetchByJoin(ctx context.Context, rel *RelationshipMeta, sources []*DataObject) error {
	target := rel.target
	sourceCols := make([]string, len(rel.Joins))
	targetCols := make([]string, len(rel.Joins))
	for i, join := range rel.Joins {
		sourceCols[i], targetCols[i] = join.Source, join.Target
	}

	keys := make([]string, len(sources))
	tuples := make([][]any, 0, len(sources))
	for i, source := range sources {
		tuple := make([]any, len(sourceCols))
		for j, col := range sourceCols {
			tuple[j] = dc.columnValue(source, col)
		}
		keys[i] = tupleKey(tuple)
		tuples = append(tuples, tuple)
	}

	snaps, err := dc.selectChunked(ctx, target, targetCols, tuples)
	if err != nil {
		return err
	}
	fetched, err := dc.objectsFromSnapshots(target, snaps)
	if err != nil {
		return err
	}

	groups := make(map[string][]*DataObject)
	for _, obj := range fetched {
		snap, _ := dc.store.GetSnapshot(obj.id)
		tuple := make([]any, len(targetCols))
		for j, col := range targetCols {
			tuple[j] = snap.Value(col)
		}
		key := tupleKey(tuple)
		groups[key] = append(groups[key], obj)
	}

	for i, source := range sources {
		members := make([]*DataObject, 0, len(groups[keys[i]]))
		for _, member := range groups[keys[i]] {
			if rel.reverse != nil && !rel.reverse.ToMany {
				if slot, ok := member.relations[rel.reverse.Name].(toOneRelation); ok {
					if slot.target != source {
						continue
					}
				} else {
					member.relations[rel.reverse.Name] = toOneRelation{target: source}
				}
			}
			members = append(members, member)
		}
		if rel.ToMany {
			resolveToManySlot(source, rel, members)
			continue
		}
		var member *DataObject
		if len(members) > 0 {
			member = members[0]
		}
		source.relations[rel.Name] = toOneRelation{target: member}
	}
	return nil
}

// prefetchFlattened 先查询中间表，再按目标列查询目标对象。
func (dc *DataContext) prefetchFlattened(ctx context.Context, rel *RelationshipMeta, sources []*DataObject) error {
	through := rel.Through
	target := rel.target

	linkSourceCols := make([]string, len(through.SourceJoins))
	for i, join := range through.SourceJoins {
		linkSourceCols[i] = join.Target
	}
	linkTargetCols := make([]string, len(through.TargetJoins))
	targetCols := make([]string, len(through.TargetJoins))
	for i, join := range through.TargetJoins {
		linkTargetCols[i], targetCols[i] = join.Source, join.Target
	}

	keys := make([]string, len(sources))
	tuples := make([][]any, 0, len(sources))
	for i, source := range sources {
		tuple := make([]any, len(through.SourceJoins))
		for j, join := range through.SourceJoins {
			tuple[j] = dc.columnValue(source, join.Source)
		}
		keys[i] = tupleKey(tuple)
		tuples = append(tuples, tuple)
	}

	links, err := dc.selectTableChunked(ctx, through.Table, nil, linkSourceCols, tuples)
	if err != nil {
		return err
	}
	linked := make(map[string][]string)
	targetTuples := make([][]any, 0, len(links))
	for _, link := range links {
		stuple := make([]any, len(linkSourceCols))
		for j, col := range linkSourceCols {
			stuple[j] = link.Value(col)
		}
		ttuple := make([]any, len(linkTargetCols))
		for j, col := range linkTargetCols {
			ttuple[j] = link.Value(col)
		}
		skey := tupleKey(stuple)
		linked[skey] = append(linked[skey], tupleKey(ttuple))
		targetTuples = append(targetTuples, ttuple)
	}

	index := make(map[string]*DataObject)
	if len(targetTuples) > 0 {
		snaps, err := dc.selectChunked(ctx, target, targetCols, targetTuples)
		if err != nil {
			return err
		}
		fetched, err := dc.objectsFromSnapshots(target, snaps)
		if err != nil {
			return err
		}
		for _, obj := range fetched {
			snap, _ := dc.store.GetSnapshot(obj.id)
			tuple := make([]any, len(targetCols))
			for j, col := range targetCols {
				tuple[j] = snap.Value(col)
			}
			index[tupleKey(tuple)] = obj
		}
	}

	for i, source := range sources {
		members := make([]*DataObject, 0, len(linked[keys[i]]))
		for _, tkey := range linked[keys[i]] {
			if member := index[tkey]; member != nil {
				members = append(members, member)
			}
		}
		resolveToManySlot(source, rel, members)
	}
	return nil
}

// selectChunked 按 keyColumns 上的多组键值查询实体的数据行，键值数量超过分块大小时拆分为多次查询。
func (dc *DataContext) selectChunked(ctx context.Context, entity *EntityMeta, keyColumns []string, tuples [][]any) ([]Snapshot, error) {
	return dc.selectTableChunked(ctx, entity.Table, entity.Columns(), keyColumns, tuples)
}

func (dc *DataContext) selectTableChunked(ctx context.Context, table string, columns, keyColumns []string, tuples [][]any) ([]Snapshot, error) {
	distinct := make([][]any, 0, len(tuples))
	seen := make(map[string]struct{}, len(tuples))
	for _, tuple := range tuples {
		if hasNil(tuple) {
			continue
		}
		key := tupleKey(tuple)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		distinct = append(distinct, tuple)
	}
	ret := make([]Snapshot, 0)
	chunk := dc.domain.options.PrefetchChunk
	for from := 0; from < len(distinct); from += chunk {
		to := min(from+chunk, len(distinct))
		snaps, err := dc.domain.storage.Select(ctx, &FetchSpec{
			Table:   table,
			Columns: columns,
			Where:   keyCondition(keyColumns, distinct[from:to]),
		})
		if err != nil {
			return nil, err
		}
		ret = append(ret, snaps...)
	}
	return ret, nil
}

func tupleKey(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(normalizeValue(v))
	}
	return strings.Join(parts, "|")
}

func hasNil(values []any) bool {
	for _, v := range values {
		if v == nil {
			return true
		}
	}
	return false
}
