// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"sync"

	"github.com/eframework-org/GO.UTIL/XLog"
	lru "github.com/hashicorp/golang-lru"
)

const (
	// cacheSizePrefs 定义了快照缓存容量的偏好设置键。
	cacheSizePrefs = "Orm/Cache/Size"

	// defaultCacheSize 是快照缓存的默认容量。
	defaultCacheSize = 10000
)

// SnapshotUpdate 是一条快照更新。
type SnapshotUpdate struct {
	ID       ObjectId
	Snapshot Snapshot
}

// SnapshotEvent 描述了一批快照变更，由 SnapshotCache 广播给所有订阅者。
type SnapshotEvent struct {
	Source      any              // 变更来源，通常为提交变更的 ObjectStore
	Updated     []SnapshotUpdate // 内容发生变化的快照
	Deleted     []ObjectId       // 已删除的数据行
	Invalidated []ObjectId       // 已失效的快照
}

// IsEmpty 返回事件是否不包含任何变更。
func (e *SnapshotEvent) IsEmpty() bool {
	return e == nil || len(e.Updated) == 0 && len(e.Deleted) == 0 && len(e.Invalidated) == 0
}

type cacheEntry struct {
	id       ObjectId
	snapshot Snapshot
}

// SnapshotCache 是多个会话共享的快照缓存，记录每个数据行最近一次已知的内容。
// 缓存需要显式创建并注入到各个会话中，不存在进程级的单例。
//
// 批量更新在写锁内完成，读取在读锁内完成，因此读取方只会看到一批变更之前或之后的快照。
type SnapshotCache struct {
	mutex   sync.RWMutex
	entries *lru.Cache
	version uint64

	subMutex sync.Mutex
	subs     map[*SnapshotSubscription]struct{}
	bridge   EventBridge
}

// NewSnapshotCache 创建快照缓存，size 小于等于 0 时使用默认容量。
func NewSnapshotCache(size int) *SnapshotCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	entries, err := lru.New(size)
	if err != nil {
		XLog.Panic("XOrm.SnapshotCache: create lru of size %v failed: %v", size, err)
		return nil
	}
	return &SnapshotCache{entries: entries, subs: make(map[*SnapshotSubscription]struct{})}
}

// GetCachedSnapshot 返回共享的快照。
func (sc *SnapshotCache) GetCachedSnapshot(id ObjectId) (Snapshot, bool) {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	if val, ok := sc.entries.Get(id.Unique()); ok {
		cacheHits.Inc()
		return val.(*cacheEntry).snapshot, true
	}
	cacheMisses.Inc()
	return Snapshot{}, false
}

// RegisterSnapshotChanges 原子地替换或移除一批快照，并向订阅者广播实际发生变化的条目。
// 返回已写入缓存的快照（带版本号），内容未变化的快照返回缓存中已有的版本。
func (sc *SnapshotCache) RegisterSnapshotChanges(source any, updated []SnapshotUpdate, deleted []ObjectId) []SnapshotUpdate {
	stamped, event := sc.apply(source, updated, deleted, nil)
	sc.publish(event)
	return stamped
}

// Forget 移除指定的快照并广播失效事件，其他会话中的对象将在下次访问时重新加载。
func (sc *SnapshotCache) Forget(source any, ids []ObjectId) {
	_, event := sc.apply(source, nil, nil, ids)
	sc.publish(event)
}

func (sc *SnapshotCache) apply(source any, updated []SnapshotUpdate, deleted, invalidated []ObjectId) ([]SnapshotUpdate, *SnapshotEvent) {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()

	event := &SnapshotEvent{Source: source}
	stamped := make([]SnapshotUpdate, 0, len(updated))
	for _, update := range updated {
		key := update.ID.Unique()
		if val, ok := sc.entries.Peek(key); ok {
			if old := val.(*cacheEntry).snapshot; old.Equals(update.Snapshot) {
				stamped = append(stamped, SnapshotUpdate{ID: update.ID, Snapshot: old})
				continue
			}
		}
		sc.version++
		snap := update.Snapshot.withVersion(sc.version)
		sc.entries.Add(key, &cacheEntry{id: update.ID, snapshot: snap})
		stamped = append(stamped, SnapshotUpdate{ID: update.ID, Snapshot: snap})
		event.Updated = append(event.Updated, SnapshotUpdate{ID: update.ID, Snapshot: snap})
	}
	for _, id := range deleted {
		sc.entries.Remove(id.Unique())
		event.Deleted = append(event.Deleted, id)
	}
	for _, id := range invalidated {
		sc.entries.Remove(id.Unique())
		event.Invalidated = append(event.Invalidated, id)
	}
	cacheSize.Set(float64(sc.entries.Len()))

	if !event.IsEmpty() {
		sc.broadcast(event)
	}
	return stamped, event
}

// broadcast 将事件投递给本地订阅者，调用方需持有写锁以保证事件顺序与写入顺序一致。
func (sc *SnapshotCache) broadcast(event *SnapshotEvent) {
	sc.subMutex.Lock()
	defer sc.subMutex.Unlock()
	for sub := range sc.subs {
		sub.push(event)
	}
	cacheEvents.Inc()
}

func (sc *SnapshotCache) publish(event *SnapshotEvent) {
	if event.IsEmpty() {
		return
	}
	sc.subMutex.Lock()
	bridge := sc.bridge
	sc.subMutex.Unlock()
	if bridge == nil {
		return
	}
	if err := bridge.Publish(event); err != nil {
		XLog.Error("XOrm.SnapshotCache: publish event failed: %v", err)
	}
}

// receive 应用来自其他进程的事件，该事件不会被再次发布。
func (sc *SnapshotCache) receive(event *SnapshotEvent) {
	if event.IsEmpty() {
		return
	}
	sc.apply(event.Source, event.Updated, event.Deleted, event.Invalidated)
}

// SetEventBridge 设置跨进程的事件桥，传入 nil 时关闭现有的事件桥。
func (sc *SnapshotCache) SetEventBridge(bridge EventBridge) error {
	sc.subMutex.Lock()
	old := sc.bridge
	sc.bridge = nil
	sc.subMutex.Unlock()
	if old != nil {
		if err := old.Close(); err != nil {
			XLog.Warn("XOrm.SnapshotCache: close event bridge failed: %v", err)
		}
	}
	if bridge == nil {
		return nil
	}
	if err := bridge.Start(sc.receive); err != nil {
		return err
	}
	sc.subMutex.Lock()
	sc.bridge = bridge
	sc.subMutex.Unlock()
	return nil
}

// Subscribe 订阅快照变更事件。
func (sc *SnapshotCache) Subscribe() *SnapshotSubscription {
	sub := &SnapshotSubscription{cache: sc}
	sc.subMutex.Lock()
	sc.subs[sub] = struct{}{}
	sc.subMutex.Unlock()
	return sub
}

func (sc *SnapshotCache) unsubscribe(sub *SnapshotSubscription) {
	sc.subMutex.Lock()
	delete(sc.subs, sub)
	sc.subMutex.Unlock()
}

// Len 返回缓存的快照数量。
func (sc *SnapshotCache) Len() int {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return sc.entries.Len()
}

// Clear 清空缓存，不广播事件。
func (sc *SnapshotCache) Clear() {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	sc.entries.Purge()
	cacheSize.Set(0)
}

// Close 关闭事件桥并移除全部订阅。
func (sc *SnapshotCache) Close() error {
	sc.subMutex.Lock()
	bridge := sc.bridge
	sc.bridge = nil
	sc.subs = make(map[*SnapshotSubscription]struct{})
	sc.subMutex.Unlock()
	if bridge != nil {
		return bridge.Close()
	}
	return nil
}

// SnapshotSubscription 是快照事件的订阅，事件在队列中累积，由订阅方在自己的 goroutine 中取出。
type SnapshotSubscription struct {
	cache  *SnapshotCache
	mutex  sync.Mutex
	events []*SnapshotEvent
	closed bool
}

func (ss *SnapshotSubscription) push(event *SnapshotEvent) {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	if !ss.closed {
		ss.events = append(ss.events, event)
	}
}

// Drain 取出并清空已累积的事件。
func (ss *SnapshotSubscription) Drain() []*SnapshotEvent {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	events := ss.events
	ss.events = nil
	return events
}

// Pending 返回尚未取出的事件数量。
func (ss *SnapshotSubscription) Pending() int {
	ss.mutex.Lock()
	defer ss.mutex.Unlock()
	return len(ss.events)
}

// Close 取消订阅。
func (ss *SnapshotSubscription) Close() {
	ss.mutex.Lock()
	ss.closed = true
	ss.events = nil
	ss.mutex.Unlock()
	ss.cache.unsubscribe(ss)
}
