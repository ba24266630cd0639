// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ObjectId 是持久化对象的标识，由实体名称和主键列的取值组成。
// 新建对象在生成主键前持有临时标识，临时标识只包含一个随机令牌。
// 标识的比较与哈希使用 Unique() 返回的规范化文本。
type ObjectId struct {
	entity string
	token  string
	keys   []string
	values []any
	unique string
}

// NewObjectId 创建永久标识。
// keys 为主键列名到取值的映射。
func NewObjectId(entity string, keys map[string]any) ObjectId {
	id := ObjectId{entity: entity}
	id.keys = make([]string, 0, len(keys))
	for k := range keys {
		id.keys = append(id.keys, k)
	}
	sort.Strings(id.keys)
	id.values = make([]any, len(id.keys))
	var sb strings.Builder
	sb.WriteString(entity)
	sb.WriteString("{")
	for i, k := range id.keys {
		v := normalizeValue(keys[k])
		id.values[i] = v
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(k)
		sb.WriteString(":")
		sb.WriteString(fmt.Sprint(v))
	}
	sb.WriteString("}")
	id.unique = sb.String()
	return id
}

// NewTempObjectId 创建临时标识。
func NewTempObjectId(entity string) ObjectId {
	token := uuid.NewString()
	return ObjectId{entity: entity, token: token, unique: entity + "#" + token}
}

// Entity 返回实体名称。
func (id ObjectId) Entity() string { return id.entity }

// IsTemporary 返回是否为临时标识。
func (id ObjectId) IsTemporary() bool { return id.token != "" }

// IsZero 返回是否为空标识。
func (id ObjectId) IsZero() bool { return id.unique == "" }

// Unique 返回标识的规范化文本，可用作映射键。
func (id ObjectId) Unique() string { return id.unique }

// Value 返回指定主键列的取值。
func (id ObjectId) Value(column string) any {
	for i, k := range id.keys {
		if k == column {
			return id.values[i]
		}
	}
	return nil
}

// KeyColumns 返回主键列名（已排序）。
func (id ObjectId) KeyColumns() []string {
	return append([]string(nil), id.keys...)
}

// Keys 返回主键列名到取值的映射副本。
func (id ObjectId) Keys() map[string]any {
	ret := make(map[string]any, len(id.keys))
	for i, k := range id.keys {
		ret[k] = id.values[i]
	}
	return ret
}

// Equals 判断两个标识是否相同。
func (id ObjectId) Equals(other ObjectId) bool { return id.unique == other.unique }

func (id ObjectId) String() string { return id.unique }
