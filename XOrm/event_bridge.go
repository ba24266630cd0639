// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XLoom"
	"github.com/google/uuid"
	"github.com/illumitacit/gostd/quit"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// eventRedisPrefs 定义了 Redis 事件桥的偏好设置键，包含 Addr 和 Channel。
	eventRedisPrefs = "Orm/Event/Redis"

	// defaultEventChannel 是 Redis 事件桥的默认频道。
	defaultEventChannel = "XOrm.Snapshot"
)

// EventBridge 在多个进程（或多个缓存）之间转发快照事件。
// 没有订阅者不视为错误。
type EventBridge interface {
	// Start 启动事件桥，receive 用于接收其他节点发布的事件。
	Start(receive func(event *SnapshotEvent)) error

	// Publish 发布本地产生的事件。
	Publish(event *SnapshotEvent) error

	// Close 关闭事件桥。
	Close() error
}

// EventHub 是进程内的事件中心，连接到同一个中心的缓存会互相接收事件。
type EventHub struct {
	mutex   sync.RWMutex
	bridges []*hubBridge
}

// NewEventHub 创建进程内的事件中心。
func NewEventHub() *EventHub { return &EventHub{} }

// Bridge 创建一个连接到事件中心的事件桥。
func (eh *EventHub) Bridge() EventBridge {
	return &hubBridge{hub: eh}
}

type hubBridge struct {
	hub     *EventHub
	receive func(event *SnapshotEvent)
}

func (hb *hubBridge) Start(receive func(event *SnapshotEvent)) error {
	if receive == nil {
		return errors.New("XOrm.EventHub: receive is nil")
	}
	hb.hub.mutex.Lock()
	defer hb.hub.mutex.Unlock()
	hb.receive = receive
	hb.hub.bridges = append(hb.hub.bridges, hb)
	return nil
}

func (hb *hubBridge) Publish(event *SnapshotEvent) error {
	hb.hub.mutex.RLock()
	targets := make([]*hubBridge, 0, len(hb.hub.bridges))
	for _, other := range hb.hub.bridges {
		if other != hb {
			targets = append(targets, other)
		}
	}
	hb.hub.mutex.RUnlock()

	for _, target := range targets {
		target.receive(&SnapshotEvent{Source: hb, Updated: event.Updated, Deleted: event.Deleted, Invalidated: event.Invalidated})
	}
	return nil
}

func (hb *hubBridge) Close() error {
	hb.hub.mutex.Lock()
	defer hb.hub.mutex.Unlock()
	for i, other := range hb.hub.bridges {
		if other == hb {
			hb.hub.bridges = append(hb.hub.bridges[:i], hb.hub.bridges[i+1:]...)
			break
		}
	}
	return nil
}

// RedisEventBridge 基于 Redis 发布订阅转发快照事件，消息体为 JSON。
type RedisEventBridge struct {
	client  *redis.Client
	channel string
	node    string
	pubsub  *redis.PubSub
	closed  chan struct{}
	once    sync.Once
}

// NewRedisEventBridge 创建 Redis 事件桥，channel 为空时使用默认频道。
func NewRedisEventBridge(client *redis.Client, channel string) *RedisEventBridge {
	if channel == "" {
		channel = defaultEventChannel
	}
	return &RedisEventBridge{client: client, channel: channel, node: uuid.NewString(), closed: make(chan struct{})}
}

// Node 返回当前节点的标识，节点会忽略自己发布的消息。
func (rb *RedisEventBridge) Node() string { return rb.node }

func (rb *RedisEventBridge) Start(receive func(event *SnapshotEvent)) error {
	if receive == nil {
		return errors.New("XOrm.RedisEventBridge: receive is nil")
	}
	ps := rb.client.Subscribe(context.Background(), rb.channel)
	if _, err := ps.Receive(context.Background()); err != nil {
		ps.Close()
		return errors.Wrapf(err, "XOrm.RedisEventBridge: subscribe %v", rb.channel)
	}
	rb.pubsub = ps

	XLoom.RunAsyncT2(func(ps *redis.PubSub, receive func(event *SnapshotEvent)) {
		quit.GetWaiter().Add(1)
		defer quit.GetWaiter().Done()

		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				node, event, err := decodeSnapshotEvent([]byte(msg.Payload))
				if err != nil {
					XLog.Error("XOrm.RedisEventBridge: decode message failed: %v", err)
					continue
				}
				if node == rb.node {
					continue
				}
				receive(event)
			case <-rb.closed:
				return
			case <-quit.GetQuitChannel():
				XLog.Notice("XOrm.RedisEventBridge: receive signal of QUIT.")
				return
			}
		}
	}, ps, receive, true)

	XLog.Notice("XOrm.RedisEventBridge: node %v subscribed to %v.", rb.node, rb.channel)
	return nil
}

func (rb *RedisEventBridge) Publish(event *SnapshotEvent) error {
	data, err := encodeSnapshotEvent(rb.node, event)
	if err != nil {
		return err
	}
	return rb.client.Publish(context.Background(), rb.channel, data).Err()
}

func (rb *RedisEventBridge) Close() error {
	var err error
	rb.once.Do(func() {
		close(rb.closed)
		if rb.pubsub != nil {
			err = rb.pubsub.Close()
		}
	})
	return err
}

type eventPayload struct {
	Node        string            `json:"node"`
	Updated     []snapshotPayload `json:"updated,omitempty"`
	Deleted     []idPayload       `json:"deleted,omitempty"`
	Invalidated []idPayload       `json:"invalidated,omitempty"`
}

type idPayload struct {
	Entity string         `json:"entity"`
	Keys   map[string]any `json:"keys"`
}

type snapshotPayload struct {
	ID      idPayload      `json:"id"`
	Columns []string       `json:"columns"`
	Values  map[string]any `json:"values"`
	Times   []string       `json:"times,omitempty"` // 取值为 time.Time 的列
}

func encodeSnapshotEvent(node string, event *SnapshotEvent) ([]byte, error) {
	payload := eventPayload{Node: node}
	for _, update := range event.Updated {
		values := update.Snapshot.Map()
		var times []string
		for _, col := range update.Snapshot.Columns() {
			if _, ok := values[col].(time.Time); ok {
				times = append(times, col)
			}
		}
		payload.Updated = append(payload.Updated, snapshotPayload{
			ID:      idPayload{Entity: update.ID.Entity(), Keys: update.ID.Keys()},
			Columns: update.Snapshot.Columns(),
			Values:  values,
			Times:   times,
		})
	}
	for _, id := range event.Deleted {
		payload.Deleted = append(payload.Deleted, idPayload{Entity: id.Entity(), Keys: id.Keys()})
	}
	for _, id := range event.Invalidated {
		payload.Invalidated = append(payload.Invalidated, idPayload{Entity: id.Entity(), Keys: id.Keys()})
	}
	return json.Marshal(payload)
}

func decodeSnapshotEvent(data []byte) (string, *SnapshotEvent, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	payload := eventPayload{}
	if err := decoder.Decode(&payload); err != nil {
		return "", nil, errors.Wrap(err, "XOrm.RedisEventBridge: invalid payload")
	}

	event := &SnapshotEvent{Source: payload.Node}
	for _, update := range payload.Updated {
		values := decodeValues(update.Values)
		for _, col := range update.Times {
			if text, ok := values[col].(string); ok {
				tm, err := time.Parse(time.RFC3339Nano, text)
				if err != nil {
					return "", nil, errors.Wrapf(err, "XOrm.RedisEventBridge: invalid time of %v", col)
				}
				values[col] = tm
			}
		}
		event.Updated = append(event.Updated, SnapshotUpdate{
			ID:       NewObjectId(update.ID.Entity, decodeValues(update.ID.Keys)),
			Snapshot: NewSnapshot(update.Columns, values),
		})
	}
	for _, id := range payload.Deleted {
		event.Deleted = append(event.Deleted, NewObjectId(id.Entity, decodeValues(id.Keys)))
	}
	for _, id := range payload.Invalidated {
		event.Invalidated = append(event.Invalidated, NewObjectId(id.Entity, decodeValues(id.Keys)))
	}
	return payload.Node, event, nil
}

// decodeValues 将 json.Number 还原为 int64 或 float64。
func decodeValues(values map[string]any) map[string]any {
	for k, v := range values {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				values[k] = i
			} else if f, err := n.Float64(); err == nil {
				values[k] = f
			}
		}
	}
	return values
}
