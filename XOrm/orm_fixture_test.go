// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// testEntities 创建测试使用的实体元数据：
//
//	Artist 1-n Painting n-1 Gallery
//	Artist n-n Exhibit（中间表 ARTIST_EXHIBIT）
//	Category 自引用（PARENT_ID），主键由存储层生成
func testEntities() map[string]*EntityMeta {
	artist := &EntityMeta{
		Name:        "Artist",
		Table:       "ARTIST",
		PrimaryKeys: []string{"ARTIST_ID"},
		Attributes:  []*AttributeMeta{{Name: "Name", Column: "ARTIST_NAME"}},
		Relationships: []*RelationshipMeta{
			{
				Name: "Paintings", Target: "Painting", ToMany: true, DeleteRule: Cascade,
				Joins: []JoinMeta{{Source: "ARTIST_ID", Target: "ARTIST_ID"}}, Reverse: "Artist",
			},
			{
				Name: "Exhibits", Target: "Exhibit", ToMany: true, DeleteRule: Nullify, Reverse: "Artists",
				Through: &ThroughMeta{
					Table:       "ARTIST_EXHIBIT",
					SourceJoins: []JoinMeta{{Source: "ARTIST_ID", Target: "ARTIST_ID"}},
					TargetJoins: []JoinMeta{{Source: "EXHIBIT_ID", Target: "EXHIBIT_ID"}},
				},
			},
		},
	}
	painting := &EntityMeta{
		Name:        "Painting",
		Table:       "PAINTING",
		PrimaryKeys: []string{"PAINTING_ID"},
		Attributes: []*AttributeMeta{
			{Name: "Title", Column: "PAINTING_TITLE"},
			{Name: "Price", Column: "ESTIMATED_PRICE"},
		},
		Relationships: []*RelationshipMeta{
			{
				Name: "Artist", Target: "Artist", DeleteRule: Nullify,
				Joins: []JoinMeta{{Source: "ARTIST_ID", Target: "ARTIST_ID"}}, Reverse: "Paintings",
			},
			{
				Name: "Gallery", Target: "Gallery", DeleteRule: Nullify,
				Joins: []JoinMeta{{Source: "GALLERY_ID", Target: "GALLERY_ID"}}, Reverse: "Paintings",
			},
		},
	}
	gallery := &EntityMeta{
		Name:        "Gallery",
		Table:       "GALLERY",
		PrimaryKeys: []string{"GALLERY_ID"},
		Attributes:  []*AttributeMeta{{Name: "Name", Column: "GALLERY_NAME"}},
		Relationships: []*RelationshipMeta{
			{
				Name: "Paintings", Target: "Painting", ToMany: true, DeleteRule: Deny,
				Joins: []JoinMeta{{Source: "GALLERY_ID", Target: "GALLERY_ID"}}, Reverse: "Gallery",
			},
		},
	}
	exhibit := &EntityMeta{
		Name:        "Exhibit",
		Table:       "EXHIBIT",
		PrimaryKeys: []string{"EXHIBIT_ID"},
		Attributes:  []*AttributeMeta{{Name: "Title", Column: "EXHIBIT_TITLE"}},
		Relationships: []*RelationshipMeta{
			{
				Name: "Artists", Target: "Artist", ToMany: true, DeleteRule: Nullify, Reverse: "Exhibits",
				Through: &ThroughMeta{
					Table:       "ARTIST_EXHIBIT",
					SourceJoins: []JoinMeta{{Source: "EXHIBIT_ID", Target: "EXHIBIT_ID"}},
					TargetJoins: []JoinMeta{{Source: "ARTIST_ID", Target: "ARTIST_ID"}},
				},
			},
		},
	}
	category := &EntityMeta{
		Name:         "Category",
		Table:        "CATEGORY",
		PrimaryKeys:  []string{"CATEGORY_ID"},
		GeneratedKey: true,
		Attributes:   []*AttributeMeta{{Name: "Name", Column: "CATEGORY_NAME"}},
		Relationships: []*RelationshipMeta{
			{
				Name: "Parent", Target: "Category", DeleteRule: Nullify,
				Joins: []JoinMeta{{Source: "PARENT_ID", Target: "CATEGORY_ID"}}, Reverse: "Children",
			},
			{
				Name: "Children", Target: "Category", ToMany: true, DeleteRule: Cascade,
				Joins: []JoinMeta{{Source: "CATEGORY_ID", Target: "PARENT_ID"}}, Reverse: "Parent",
			},
		},
	}
	return map[string]*EntityMeta{
		"Artist":   artist,
		"Painting": painting,
		"Gallery":  gallery,
		"Exhibit":  exhibit,
		"Category": category,
	}
}

// newTestDataMap 创建测试映射元数据，tweaks 可在校验前修改实体定义。
func newTestDataMap(t *testing.T, tweaks ...func(entities map[string]*EntityMeta)) *DataMap {
	entities := testEntities()
	for _, tweak := range tweaks {
		tweak(entities)
	}
	dm, err := NewDataMap(entities["Artist"], entities["Painting"], entities["Gallery"], entities["Exhibit"], entities["Category"])
	require.NoError(t, err, "测试映射元数据应当校验通过。")
	return dm
}

// testFixture 是基于内存存储的测试环境。
type testFixture struct {
	dataMap *DataMap
	storage *MemoryStorage
	domain  *DataDomain
}

// newTestFixture 创建测试环境并写入初始数据：
//
//	ARTIST:         1 Monet, 2 Renoir, 3 Degas
//	GALLERY:        1 Louvre, 2 Orsay
//	PAINTING:       1 Water Lilies (1, 1), 2 Impression Sunrise (1, 2), 3 Bal du moulin (2, 2), 4 Dancers (3, nil)
//	EXHIBIT:        1 Spring, 2 Autumn
//	ARTIST_EXHIBIT: (1, 1), (2, 1), (1, 2)
//	CATEGORY:       1 Root -> 3, 2 Child -> 1, 3 Leaf -> 2（循环）
func newTestFixture(t *testing.T, tweaks ...func(entities map[string]*EntityMeta)) *testFixture {
	dm := newTestDataMap(t, tweaks...)
	storage := NewMemoryStorage(dm)
	seedTestStorage(t, storage)
	storage.ResetCounters()
	return &testFixture{
		dataMap: dm,
		storage: storage,
		domain:  NewDataDomain(dm, storage, nil, DefaultOptions()),
	}
}

func seedTestStorage(t *testing.T, storage *MemoryStorage) {
	require.NoError(t, storage.Insert("ARTIST",
		map[string]any{"ARTIST_ID": 1, "ARTIST_NAME": "Monet"},
		map[string]any{"ARTIST_ID": 2, "ARTIST_NAME": "Renoir"},
		map[string]any{"ARTIST_ID": 3, "ARTIST_NAME": "Degas"},
	))
	require.NoError(t, storage.Insert("GALLERY",
		map[string]any{"GALLERY_ID": 1, "GALLERY_NAME": "Louvre"},
		map[string]any{"GALLERY_ID": 2, "GALLERY_NAME": "Orsay"},
	))
	require.NoError(t, storage.Insert("PAINTING",
		map[string]any{"PAINTING_ID": 1, "PAINTING_TITLE": "Water Lilies", "ESTIMATED_PRICE": 100, "ARTIST_ID": 1, "GALLERY_ID": 1},
		map[string]any{"PAINTING_ID": 2, "PAINTING_TITLE": "Impression Sunrise", "ESTIMATED_PRICE": 200, "ARTIST_ID": 1, "GALLERY_ID": 2},
		map[string]any{"PAINTING_ID": 3, "PAINTING_TITLE": "Bal du moulin", "ESTIMATED_PRICE": 300, "ARTIST_ID": 2, "GALLERY_ID": 2},
		map[string]any{"PAINTING_ID": 4, "PAINTING_TITLE": "Dancers", "ESTIMATED_PRICE": 150, "ARTIST_ID": 3},
	))
	require.NoError(t, storage.Insert("EXHIBIT",
		map[string]any{"EXHIBIT_ID": 1, "EXHIBIT_TITLE": "Spring"},
		map[string]any{"EXHIBIT_ID": 2, "EXHIBIT_TITLE": "Autumn"},
	))
	require.NoError(t, storage.Insert("ARTIST_EXHIBIT",
		map[string]any{"ARTIST_ID": 1, "EXHIBIT_ID": 1},
		map[string]any{"ARTIST_ID": 2, "EXHIBIT_ID": 1},
		map[string]any{"ARTIST_ID": 1, "EXHIBIT_ID": 2},
	))
	require.NoError(t, storage.Insert("CATEGORY",
		map[string]any{"CATEGORY_ID": 1, "CATEGORY_NAME": "Root", "PARENT_ID": 3},
		map[string]any{"CATEGORY_ID": 2, "CATEGORY_NAME": "Child", "PARENT_ID": 1},
		map[string]any{"CATEGORY_ID": 3, "CATEGORY_NAME": "Leaf", "PARENT_ID": 2},
	))
}

func testId(entity, column string, value any) ObjectId {
	return NewObjectId(entity, map[string]any{column: value})
}

func artistId(n int) ObjectId   { return testId("Artist", "ARTIST_ID", n) }
func paintingId(n int) ObjectId { return testId("Painting", "PAINTING_ID", n) }
func galleryId(n int) ObjectId  { return testId("Gallery", "GALLERY_ID", n) }
func exhibitId(n int) ObjectId  { return testId("Exhibit", "EXHIBIT_ID", n) }
func categoryId(n int) ObjectId { return testId("Category", "CATEGORY_ID", n) }

// mustObject 加载对象，失败时终止测试。
func mustObject(t *testing.T, dc *DataContext, id ObjectId) *DataObject {
	obj, err := dc.ObjectForId(context.Background(), id)
	require.NoError(t, err, "加载对象 %v 应当成功。", id)
	return obj
}

// mustGet 读取属性，失败时终止测试。
func mustGet(t *testing.T, obj *DataObject, name string) any {
	v, err := obj.Get(context.Background(), name)
	require.NoError(t, err, "读取 %v.%v 应当成功。", obj.ObjectId(), name)
	return v
}

// rowsOf 返回表中指定列的取值。
func rowsOf(storage *MemoryStorage, table, column string) []any {
	ret := make([]any, 0)
	for _, row := range storage.Rows(table) {
		ret = append(ret, row.Value(column))
	}
	return ret
}

// findRow 返回表中主键列等于 key 的数据行。
func findRow(storage *MemoryStorage, table, column string, key any) (Snapshot, bool) {
	for _, row := range storage.Rows(table) {
		if valuesEqual(row.Value(column), key) {
			return row, true
		}
	}
	return Snapshot{}, false
}
