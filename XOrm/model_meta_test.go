// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestModelMeta(t *testing.T) {
	t.Run("Index", func(t *testing.T) {
		dm := newTestDataMap(t)
		assert.Len(t, dm.Entities(), 5, "映射元数据应当包含 5 个实体。")
		assert.Equal(t, "Artist", dm.Entities()[0].Name, "实体顺序应当和注册顺序一致。")
		assert.Nil(t, dm.Entity("Unknown"), "未注册的实体应当返回 nil。")

		painting := dm.Entity("Painting")
		assert.Equal(t, []string{"PAINTING_ID", "PAINTING_TITLE", "ESTIMATED_PRICE", "ARTIST_ID", "GALLERY_ID"}, painting.Columns(),
			"数据行的列应当依次为主键列、属性列、外键列。")
		assert.Equal(t, "Title", painting.AttributeForColumn("PAINTING_TITLE").Name, "应当可以根据列名查找属性。")
		assert.Nil(t, painting.Attribute("Artist"), "关系不应作为属性返回。")
		assert.True(t, painting.IsPrimaryKey("PAINTING_ID"), "PAINTING_ID 应当为主键列。")

		toArtist := painting.Relationship("Artist")
		paintings := dm.Entity("Artist").Relationship("Paintings")
		assert.True(t, toArtist.OwnsForeignKey(), "Painting.Artist 应当持有外键。")
		assert.False(t, paintings.OwnsForeignKey(), "对多关系不应持有外键。")
		assert.Same(t, paintings, toArtist.ReverseRelationship(), "反向关系应当互相关联。")
		assert.Same(t, toArtist, paintings.ReverseRelationship(), "反向关系应当互相关联。")
		assert.Same(t, painting, toArtist.SourceEntity(), "关系的源实体应当为 Painting。")
		assert.Same(t, dm.Entity("Artist"), toArtist.TargetEntity(), "关系的目标实体应当为 Artist。")

		exhibits := dm.Entity("Artist").Relationship("Exhibits")
		assert.True(t, exhibits.IsFlattened(), "经过中间表的关系应当为扁平化关系。")
		assert.False(t, exhibits.OwnsForeignKey(), "扁平化关系不应持有外键。")

		parent := dm.Entity("Category").Relationship("Parent")
		assert.True(t, parent.OwnsForeignKey(), "自引用的对一关系应当持有外键。")
		assert.Contains(t, dm.Entity("Category").Columns(), "PARENT_ID", "自引用的外键列应当包含在数据行中。")
	})

	t.Run("Defaults", func(t *testing.T) {
		entity := &EntityMeta{Name: "Tag", PrimaryKeys: []string{"ID"}, Attributes: []*AttributeMeta{{Name: "Label"}}}
		dm, err := NewDataMap(entity)
		assert.NoError(t, err, "最简实体应当校验通过。")
		assert.Equal(t, "Tag", dm.Entity("Tag").Table, "未指定表名时应当使用实体名称。")
		assert.Equal(t, "Label", dm.Entity("Tag").Attribute("Label").Column, "未指定列名时应当使用属性名称。")
	})

	t.Run("Invalid", func(t *testing.T) {
		tests := []struct {
			name  string
			tweak func(entities map[string]*EntityMeta)
			is    error
		}{
			{"NoPrimaryKey", func(e map[string]*EntityMeta) { e["Gallery"].PrimaryKeys = nil }, nil},
			{"DuplicateAttribute", func(e map[string]*EntityMeta) {
				e["Gallery"].Attributes = append(e["Gallery"].Attributes, &AttributeMeta{Name: "Name", Column: "OTHER"})
			}, nil},
			{"UnknownTarget", func(e map[string]*EntityMeta) { e["Painting"].Relationships[1].Target = "Museum" }, ErrUnknownEntity},
			{"UnknownReverse", func(e map[string]*EntityMeta) { e["Painting"].Relationships[1].Reverse = "Works" }, ErrUnknownProperty},
			{"UnknownColumn", func(e map[string]*EntityMeta) {
				e["Painting"].Relationships[1].Joins = []JoinMeta{{Source: "MUSEUM_ID", Target: "GALLERY_ID"}}
			}, nil},
			{"ToManyWithoutReverse", func(e map[string]*EntityMeta) { e["Gallery"].Relationships[0].Reverse = "" }, nil},
			{"FlattenedToOne", func(e map[string]*EntityMeta) { e["Exhibit"].Relationships[0].ToMany = false }, nil},
			{"NoJoins", func(e map[string]*EntityMeta) { e["Painting"].Relationships[1].Joins = nil }, nil},
		}
		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				entities := testEntities()
				test.tweak(entities)
				_, err := NewDataMap(entities["Artist"], entities["Painting"], entities["Gallery"], entities["Exhibit"], entities["Category"])
				assert.Error(t, err, "无效的映射元数据应当返回错误。")
				if test.is != nil {
					assert.True(t, errors.Is(err, test.is), "错误应当为 %v。", test.is)
				}
			})
		}

		entities := testEntities()
		_, err := NewDataMap(entities["Gallery"], entities["Gallery"])
		assert.Error(t, err, "重复的实体应当返回错误。")
		_, err = NewDataMap(nil)
		assert.Error(t, err, "空实体应当返回错误。")
	})

	t.Run("DeleteRule", func(t *testing.T) {
		assert.Equal(t, "NoAction", NoAction.String())
		assert.Equal(t, "Nullify", Nullify.String())
		assert.Equal(t, "Cascade", Cascade.String())
		assert.Equal(t, "Deny", Deny.String())
		assert.Equal(t, "Unknown", DeleteRule(99).String())
	})
}
