// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"sort"

	"github.com/eframework-org/GO.UTIL/XLog"
)

// entitySorter 根据外键依赖计算实体的提交顺序：被引用的实体（父）先于引用它的实体（子）。
type entitySorter struct {
	order     map[string]int
	reflexive map[string][]*RelationshipMeta
}

func newEntitySorter(dm *DataMap) *entitySorter {
	s := &entitySorter{order: make(map[string]int), reflexive: make(map[string][]*RelationshipMeta)}

	parents := make(map[string]map[string]struct{})
	children := make(map[string][]string)
	for _, entity := range dm.Entities() {
		parents[entity.Name] = make(map[string]struct{})
	}
	for _, entity := range dm.Entities() {
		for _, rel := range entity.Relationships {
			if !rel.OwnsForeignKey() {
				continue
			}
			if rel.Target == entity.Name {
				s.reflexive[entity.Name] = append(s.reflexive[entity.Name], rel)
				continue
			}
			if _, ok := parents[entity.Name][rel.Target]; !ok {
				parents[entity.Name][rel.Target] = struct{}{}
				children[rel.Target] = append(children[rel.Target], entity.Name)
			}
		}
	}

	indegree := make(map[string]int, len(parents))
	ready := make([]string, 0)
	for name, ps := range parents {
		indegree[name] = len(ps)
		if len(ps) == 0 {
			ready = append(ready, name)
		}
	}

	sorted := make([]string, 0, len(parents))
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		sorted = append(sorted, name)
		for _, child := range children[name] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(sorted) < len(parents) {
		remaining := make([]string, 0)
		for name, degree := range indegree {
			if degree > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		XLog.Warn("XOrm.EntitySorter: cyclic foreign key dependency among %v, falling back to name order.", remaining)
		sorted = append(sorted, remaining...)
	}

	for i, name := range sorted {
		s.order[name] = i
	}
	return s
}

// sortEntities 返回排序后的实体名称，deleted 为 true 时子实体在前。
func (s *entitySorter) sortEntities(names []string, deleted bool) []string {
	ret := append([]string(nil), names...)
	sort.SliceStable(ret, func(i, j int) bool {
		if deleted {
			return s.order[ret[i]] > s.order[ret[j]]
		}
		return s.order[ret[i]] < s.order[ret[j]]
	})
	return ret
}

// sortObjects 对同一实体内存在自引用关系的对象排序，parentOf 返回对象在指定关系上的父对象标识。
// 插入时父对象在前，删除时子对象在前。
func (s *entitySorter) sortObjects(entity string, objs []*DataObject, deleted bool, parentOf func(obj *DataObject, rel *RelationshipMeta) string) []*DataObject {
	rels := s.reflexive[entity]
	if len(rels) == 0 || len(objs) < 2 {
		return objs
	}

	index := make(map[string]*DataObject, len(objs))
	for _, obj := range objs {
		index[obj.id.Unique()] = obj
	}

	visited := make(map[string]bool, len(objs))
	ret := make([]*DataObject, 0, len(objs))
	var visit func(obj *DataObject)
	visit = func(obj *DataObject) {
		key := obj.id.Unique()
		if visited[key] {
			return
		}
		visited[key] = true
		for _, rel := range rels {
			if parent := index[parentOf(obj, rel)]; parent != nil {
				visit(parent)
			}
		}
		ret = append(ret, obj)
	}
	for _, obj := range objs {
		visit(obj)
	}

	if deleted {
		for i, j := 0, len(ret)-1; i < j; i, j = i+1, j-1 {
			ret[i], ret[j] = ret[j], ret[i]
		}
	}
	return ret
}
