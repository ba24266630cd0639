// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XString"
	"github.com/eframework-org/GO.UTIL/XTime"
	"github.com/petermattis/goid"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"
)

const (
	// commitRetryPrefs 定义了开始事务遇到瞬时错误时重试次数的偏好设置键。
	commitRetryPrefs = "Orm/Commit/Retry"

	// defaultCommitRetry 是开始事务的默认重试次数。
	defaultCommitRetry = 3

	// commitRetryBase 是重试的初始等待时间，之后按指数增长。
	commitRetryBase = 20 * time.Millisecond
)

// objectJournal 记录对象在提交前的状态，提交失败时用于恢复。
type objectJournal struct {
	obj       *DataObject
	id        ObjectId
	state     PersistenceState
	preDelete PersistenceState
	dc        *DataContext
	values    map[string]any
	relations map[string]relationValue
}

// commitJournal 记录会话在提交前的完整状态。
type commitJournal struct {
	objects   map[string]*DataObject
	entries   []objectJournal
	dirty     []*DataObject
	flattened []*flattenedChange
}

func (dc *DataContext) journal() *commitJournal {
	j := &commitJournal{
		objects:   maps.Clone(dc.store.objects),
		entries:   make([]objectJournal, 0, len(dc.store.objects)),
		dirty:     dc.store.DirtyObjects(),
		flattened: append([]*flattenedChange(nil), dc.flattened...),
	}
	for _, obj := range dc.store.objects {
		j.entries = append(j.entries, objectJournal{
			obj:       obj,
			id:        obj.id,
			state:     obj.state,
			preDelete: obj.preDelete,
			dc:        obj.dc,
			values:    maps.Clone(obj.values),
			relations: maps.Clone(obj.relations),
		})
	}
	return j
}

func (j *commitJournal) restore(dc *DataContext) {
	dc.store.objects = j.objects
	for _, entry := range j.entries {
		obj := entry.obj
		obj.id = entry.id
		obj.state = entry.state
		obj.preDelete = entry.preDelete
		obj.dc = entry.dc
		obj.values = entry.values
		obj.relations = entry.relations
	}
	dc.store.resetDirty(j.dirty)
	dc.clearFlattened()
	for _, change := range j.flattened {
		dc.flattened = append(dc.flattened, change)
		dc.flattenedIndex[flattenedKey{rel: change.rel, source: change.source, target: change.target}] = change
	}
}

// Commit 在一个事务中提交会话的全部变更。
//
// 提交流程：
//  1. 对已标记删除的对象重新执行删除规则，Deny 被触发时直接返回 DeleteDeniedError；
//  2. 按状态将变更对象划分为插入、更新、删除三组，只读实体的变更使提交失败；
//  3. 为缺少永久标识的 New 对象生成主键，生成的主键在提交失败后仍然保留；
//  4. 开始事务（瞬时错误按指数退避重试），按实体依赖顺序依次执行插入、中间表插入、更新、中间表删除、删除；
//  5. 成功后将全部快照一次性写入共享缓存，对象转为 Committed，已删除的对象从会话中移除。
//
// 任何失败都会回滚事务并恢复全部对象在提交前的状态，共享缓存保持不变，返回 CommitFailureError。
func (dc *DataContext) Commit(ctx context.Context) error {
	dc.processEvents()
	if !dc.HasChanges() {
		return nil
	}
	startTime := XTime.GetMicrosecond()
	if tag := XLog.Tag(); tag != nil {
		tag.Set("Go", XString.ToString(int(goid.Get())))
		tag.Set("Context", XString.ToString(int(dc.id)))
	}

	var plan *deletePlan
	if deleted := dc.dirtyObjects(Deleted); len(deleted) > 0 {
		var err error
		if plan, err = dc.planDelete(ctx, deleted); err != nil {
			commitTotal.WithLabelValues("failure").Inc()
			XLog.Error("XOrm.DataContext.Commit: delete of context %v was denied: %v", dc.id, err)
			return err
		}
	}

	journal := dc.journal()
	if plan != nil {
		plan.apply(dc)
	}

	run := &commitRun{
		dc:      dc,
		inserts: make(map[string][]*DataObject),
		updates: make(map[string][]*DataObject),
		deletes: make(map[string][]*DataObject),
	}
	if err := run.run(ctx); err != nil {
		journal.restore(dc)
		run.discardGenerated()
		commitTotal.WithLabelValues("failure").Inc()
		XLog.Error("XOrm.DataContext.Commit: [Failed] [Cost:%.2fms] commit of context %v has been rolled back: %v",
			float64(XTime.GetMicrosecond()-startTime)/1e3, dc.id, err)
		return &CommitFailureError{Cause: err}
	}
	run.finish()

	commitTotal.WithLabelValues("success").Inc()
	XLog.Notice("XOrm.DataContext.Commit: [Finish] [Cost:%.2fms] inserted %v, updated %v, deleted %v object(s) of context %v.",
		float64(XTime.GetMicrosecond()-startTime)/1e3, run.inserted, run.updated, run.removed, dc.id)
	return nil
}

// dirtyObjects 返回指定状态的变更对象。
func (dc *DataContext) dirtyObjects(state PersistenceState) []*DataObject {
	ret := make([]*DataObject, 0)
	for _, obj := range dc.store.dirty {
		if obj.state == state {
			ret = append(ret, obj)
		}
	}
	return ret
}

// commitRun 是一次提交的执行过程。
type commitRun struct {
	dc        *DataContext
	inserts   map[string][]*DataObject
	updates   map[string][]*DataObject
	deletes   map[string][]*DataObject
	entities  []string
	generated []*DataObject
	tx        Transaction

	inserted int
	updated  int
	removed  int
}

func (cr *commitRun) run(ctx context.Context) (err error) {
	if err = cr.partition(); err != nil {
		return err
	}
	if err = cr.generateKeys(ctx); err != nil {
		return err
	}
	if err = cr.begin(ctx); err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		if err != nil {
			if rerr := cr.tx.Rollback(); rerr != nil {
				XLog.Error("XOrm.DataContext.Commit: rollback transaction failed: %v", rerr)
			}
		}
	}()

	phases := []func(ctx context.Context) error{
		cr.insertObjects,
		cr.insertLinks,
		cr.updateObjects,
		cr.deleteLinks,
		cr.deleteObjects,
	}
	for _, phase := range phases {
		if err = phase(ctx); err != nil {
			return err
		}
	}
	if err = cr.tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// partition 按持久化状态划分变更对象，并计算实体的提交顺序。
func (cr *commitRun) partition() error {
	names := make(map[string]struct{})
	for _, obj := range cr.dc.store.dirty {
		if obj.entity.ReadOnly {
			return errors.Wrapf(ErrReadOnlyEntity, "%v", obj.entity.Name)
		}
		name := obj.entity.Name
		switch obj.state {
		case New:
			cr.inserts[name] = append(cr.inserts[name], obj)
		case Modified:
			cr.updates[name] = append(cr.updates[name], obj)
		case Deleted:
			cr.deletes[name] = append(cr.deletes[name], obj)
		default:
			continue
		}
		names[name] = struct{}{}
	}
	for _, change := range cr.dc.flattened {
		if change.rel.source.ReadOnly {
			return errors.Wrapf(ErrReadOnlyEntity, "%v.%v", change.rel.source.Name, change.rel.Name)
		}
	}
	entities := make([]string, 0, len(names))
	for name := range names {
		entities = append(entities, name)
	}
	sort.Strings(entities)
	cr.entities = cr.dc.domain.dataMap.sorter.sortEntities(entities, false)
	return nil
}

// generateKeys 为缺少永久标识的 New 对象生成主键：优先使用主键属性的取值，
// 其次使用主键生成器，由存储层生成的主键在插入后回填。
func (cr *commitRun) generateKeys(ctx context.Context) error {
	for _, name := range cr.entities {
		entity := cr.dc.domain.dataMap.Entity(name)
		for _, obj := range cr.inserts[name] {
			if !obj.permanent.IsZero() || !obj.id.IsTemporary() {
				continue
			}
			keys := make(map[string]any, len(entity.PrimaryKeys))
			complete := true
			for _, pk := range entity.PrimaryKeys {
				if attr := entity.AttributeForColumn(pk); attr != nil && obj.values[attr.Name] != nil {
					keys[pk] = obj.values[attr.Name]
					continue
				}
				if entity.GeneratedKey {
					complete = false
					continue
				}
				value, err := cr.dc.domain.pkgen.GenerateKey(ctx, entity, pk)
				if err != nil {
					return errors.Wrapf(err, "generate key of %v", entity.Name)
				}
				keys[pk] = value
			}
			if complete {
				obj.permanent = NewObjectId(entity.Name, keys)
			}
		}
	}
	return nil
}

// begin 开始事务，存储层返回 ErrTransientStorage 时按指数退避重试。
func (cr *commitRun) begin(ctx context.Context) error {
	backoff := retry.WithMaxRetries(uint64(cr.dc.domain.options.CommitRetry), retry.NewExponential(commitRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		tx, err := cr.dc.domain.storage.Begin(ctx)
		if err != nil {
			if errors.Is(err, ErrTransientStorage) {
				XLog.Warn("XOrm.DataContext.Commit: begin transaction failed, will retry: %v", err)
				return retry.RetryableError(err)
			}
			return err
		}
		cr.tx = tx
		return nil
	})
}

func (cr *commitRun) execute(ctx context.Context, ops []*Operation) ([]OperationResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	results, err := cr.tx.ExecuteBatch(ctx, ops)
	if err != nil {
		failed := ops[min(len(results), len(ops)-1)]
		return nil, errors.Wrapf(err, "execute %v", failed)
	}
	operationTotal.WithLabelValues(ops[0].Type.String()).Add(float64(len(ops)))
	return results, nil
}

// parentOf 返回对象在自引用关系上的父对象标识。
func (cr *commitRun) parentOf(obj *DataObject, rel *RelationshipMeta) string {
	if slot, ok := obj.relations[rel.Name].(toOneRelation); ok {
		if slot.target == nil {
			return ""
		}
		return slot.target.id.Unique()
	}
	snap, _ := cr.dc.store.GetSnapshot(obj.id)
	if tid, ok := cr.dc.manager.TargetIdFromSnapshot(rel, snap); ok {
		return tid.Unique()
	}
	return ""
}

func (cr *commitRun) insertObjects(ctx context.Context) error {
	sorter := cr.dc.domain.dataMap.sorter
	for _, name := range cr.entities {
		objs := cr.inserts[name]
		if len(objs) == 0 {
			continue
		}
		entity := cr.dc.domain.dataMap.Entity(name)
		objs = sorter.sortObjects(name, objs, false, cr.parentOf)

		// 自引用实体的主键由存储层生成时，子对象的外键依赖父对象插入的结果，需要逐个执行。
		batches := [][]*DataObject{objs}
		if entity.GeneratedKey && len(sorter.reflexive[name]) > 0 {
			batches = make([][]*DataObject, 0, len(objs))
			for _, obj := range objs {
				batches = append(batches, []*DataObject{obj})
			}
		}

		for _, batch := range batches {
			ops := make([]*Operation, 0, len(batch))
			for _, obj := range batch {
				stored, _ := cr.dc.store.GetSnapshot(obj.id)
				op := &Operation{
					Type:   OperationInsert,
					Entity: name,
					Table:  entity.Table,
					ID:     obj.currentId(),
					Values: cr.dc.manager.SnapshotForObject(obj, stored),
				}
				if obj.currentId().IsTemporary() {
					op.Generated = entity.PrimaryKeys
				}
				ops = append(ops, op)
			}
			results, err := cr.execute(ctx, ops)
			if err != nil {
				return err
			}
			for i, op := range ops {
				if len(op.Generated) == 0 {
					continue
				}
				keys := make(map[string]any, len(entity.PrimaryKeys))
				for _, pk := range entity.PrimaryKeys {
					v := results[i].Generated[pk]
					if v == nil {
						v = op.Values.Value(pk)
					}
					if v == nil {
						return errors.Wrapf(ErrConstraintViolation, "no key generated for %v", op.ID)
					}
					keys[pk] = v
				}
				batch[i].permanent = NewObjectId(name, keys)
				cr.generated = append(cr.generated, batch[i])
			}
		}
		cr.inserted += len(objs)
	}
	return nil
}

// linkRow 构建中间表的数据行。
func (cr *commitRun) linkRow(change *flattenedChange) Snapshot {
	through := change.rel.Through
	columns := make([]string, 0, len(through.SourceJoins)+len(through.TargetJoins))
	values := make(map[string]any, cap(columns))
	for _, join := range through.SourceJoins {
		columns = append(columns, join.Target)
		values[join.Target] = cr.dc.columnValue(change.source, join.Source)
	}
	for _, join := range through.TargetJoins {
		columns = append(columns, join.Source)
		values[join.Source] = cr.dc.columnValue(change.target, join.Target)
	}
	return NewSnapshot(columns, values)
}

func (cr *commitRun) linkable(obj *DataObject) bool {
	return obj.dc == cr.dc && obj.state != Deleted && obj.state != Transient
}

func (cr *commitRun) insertLinks(ctx context.Context) error {
	ops := make([]*Operation, 0)
	for _, change := range cr.dc.flattened {
		if !change.insert || !cr.linkable(change.source) || !cr.linkable(change.target) {
			continue
		}
		ops = append(ops, &Operation{Type: OperationInsert, Table: change.rel.Through.Table, Values: cr.linkRow(change)})
	}
	_, err := cr.execute(ctx, ops)
	return err
}

func (cr *commitRun) updateObjects(ctx context.Context) error {
	for _, name := range cr.entities {
		objs := cr.updates[name]
		if len(objs) == 0 {
			continue
		}
		entity := cr.dc.domain.dataMap.Entity(name)
		ops := make([]*Operation, 0, len(objs))
		for _, obj := range objs {
			stored, _ := cr.dc.store.GetSnapshot(obj.id)
			diff := cr.dc.manager.DiffObject(obj, stored)
			if len(diff) == 0 {
				continue
			}
			columns := make([]string, 0, len(diff))
			for col := range diff {
				columns = append(columns, col)
			}
			sort.Strings(columns)
			ops = append(ops, &Operation{
				Type:   OperationUpdate,
				Entity: name,
				Table:  entity.Table,
				ID:     obj.id,
				Values: NewSnapshot(columns, diff),
				Where:  NewSnapshot(entity.PrimaryKeys, obj.id.Keys()),
			})
		}
		results, err := cr.execute(ctx, ops)
		if err != nil {
			return err
		}
		for i, result := range results {
			if result.Rows == 0 {
				return errors.Wrapf(ErrNoRowsAffected, "update %v", ops[i].ID)
			}
		}
		cr.updated += len(ops)
	}
	return nil
}

func (cr *commitRun) deleteLinks(ctx context.Context) error {
	ops := make([]*Operation, 0)
	for _, change := range cr.dc.flattened {
		if change.insert || change.source.state == New || change.target.state == New {
			continue
		}
		ops = append(ops, &Operation{Type: OperationDelete, Table: change.rel.Through.Table, Where: cr.linkRow(change)})
	}
	_, err := cr.execute(ctx, ops)
	return err
}

func (cr *commitRun) deleteObjects(ctx context.Context) error {
	sorter := cr.dc.domain.dataMap.sorter
	for _, name := range sorter.sortEntities(cr.entities, true) {
		objs := cr.deletes[name]
		if len(objs) == 0 {
			continue
		}
		entity := cr.dc.domain.dataMap.Entity(name)
		objs = sorter.sortObjects(name, objs, true, cr.parentOf)
		ops := make([]*Operation, 0, len(objs))
		for _, obj := range objs {
			ops = append(ops, &Operation{
				Type:   OperationDelete,
				Entity: name,
				Table:  entity.Table,
				ID:     obj.id,
				Where:  NewSnapshot(entity.PrimaryKeys, obj.id.Keys()),
			})
		}
		results, err := cr.execute(ctx, ops)
		if err != nil {
			return err
		}
		for i, result := range results {
			if result.Rows == 0 {
				XLog.Warn("XOrm.DataContext.Commit: %v was already removed from storage.", ops[i].ID)
			}
		}
		cr.removed += len(objs)
	}
	return nil
}

// discardGenerated 清除本次提交由存储层生成的主键，事务回滚后这些主键不再有效。
func (cr *commitRun) discardGenerated() {
	for _, obj := range cr.generated {
		obj.permanent = ObjectId{}
	}
}

// finish 构建新的快照并一次性写入共享缓存，更新对象状态。
func (cr *commitRun) finish() {
	dc := cr.dc
	updates := make([]SnapshotUpdate, 0)
	deleted := make([]ObjectId, 0)
	saved := make([]*DataObject, 0)
	for _, name := range cr.entities {
		saved = append(saved, cr.inserts[name]...)
		saved = append(saved, cr.updates[name]...)
	}

	snaps := make([]Snapshot, len(saved))
	for i, obj := range saved {
		stored, _ := dc.store.GetSnapshot(obj.id)
		snaps[i] = dc.manager.SnapshotForObject(obj, stored)
	}
	for i, obj := range saved {
		if !obj.permanent.IsZero() && !obj.permanent.Equals(obj.id) {
			if err := dc.store.objectIdChanged(obj, obj.permanent); err != nil {
				XLog.Critical("XOrm.DataContext.Commit: %v", err)
			}
		}
		obj.permanent = ObjectId{}
		for _, pk := range obj.entity.PrimaryKeys {
			if attr := obj.entity.AttributeForColumn(pk); attr != nil {
				obj.values[attr.Name] = obj.id.Value(pk)
			}
		}
		obj.state = Committed
		dc.store.setSnapshot(obj.id, snaps[i])
		if !obj.entity.NoCache {
			updates = append(updates, SnapshotUpdate{ID: obj.id, Snapshot: snaps[i]})
		}
	}

	for _, name := range cr.entities {
		for _, obj := range cr.deletes[name] {
			if !obj.entity.NoCache {
				deleted = append(deleted, obj.id)
			}
		}
		dc.store.ObjectsUnregistered(cr.deletes[name])
	}

	if len(updates) > 0 || len(deleted) > 0 {
		for _, stamped := range dc.domain.cache.RegisterSnapshotChanges(dc.store, updates, deleted) {
			dc.store.setSnapshot(stamped.ID, stamped.Snapshot)
		}
	}
	dc.store.resetDirty(nil)
	dc.clearFlattened()
}
