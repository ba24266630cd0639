// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextPrefetch(t *testing.T) {
	ctx := context.Background()
	artists := func(prefetches ...string) *Query {
		return &Query{Entity: "Artist", Orderings: []Ordering{{Column: "ARTIST_ID"}}, Prefetches: prefetches}
	}

	t.Run("ToMany", func(t *testing.T) {
		f := newTestFixture(t)
		dc := f.domain.NewContext()
		defer dc.Close()

		objs, err := dc.Select(ctx, artists("Paintings"))
		require.NoError(t, err)
		require.Len(t, objs, 3)
		assert.Equal(t, int64(2), f.storage.Selects(), "预取对多关系应当只增加一次查询。")

		counts := make([]int, 0)
		for _, artist := range objs {
			assert.False(t, artist.IsFaulted("Paintings"), "预取后关系应当已解析。")
			works, err := artist.ToMany(ctx, "Paintings")
			require.NoError(t, err)
			counts = append(counts, len(works))
			for _, work := range works {
				owner, err := work.ToOne(ctx, "Artist")
				require.NoError(t, err)
				assert.Same(t, artist, owner, "反向对一关系应当指向源对象。")
			}
		}
		assert.Equal(t, []int{2, 1, 1}, counts, "每位画家的画作数量应当正确。")
		assert.Equal(t, int64(2), f.storage.Selects(), "访问已预取的关系不应再查询。")
	})

	t.Run("Path", func(t *testing.T) {
		f := newTestFixture(t)
		dc := f.domain.NewContext()
		defer dc.Close()

		objs, err := dc.Select(ctx, artists("Paintings.Gallery"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), f.storage.Selects(), "两段预取路径应当各增加一次查询。")

		works, _ := objs[0].ToMany(ctx, "Paintings")
		gallery, err := works[1].ToOne(ctx, "Gallery")
		require.NoError(t, err)
		assert.Equal(t, "Orsay", mustGet(t, gallery, "Name"), "预取的画廊应当已加载。")
		works, _ = objs[2].ToMany(ctx, "Paintings")
		gallery, err = works[0].ToOne(ctx, "Gallery")
		require.NoError(t, err)
		assert.Nil(t, gallery, "外键为空的关系应当解析为 nil。")
		assert.Equal(t, int64(3), f.storage.Selects(), "访问已预取的关系不应再查询。")
	})

	t.Run("SharedPrefix", func(t *testing.T) {
		f := newTestFixture(t)
		dc := f.domain.NewContext()
		defer dc.Close()

		_, err := dc.Select(ctx, artists("Paintings", "Paintings.Artist"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), f.storage.Selects(), "已由反向关系解析的路径不应再查询。")
	})

	t.Run("Flattened", func(t *testing.T) {
		f := newTestFixture(t)
		dc := f.domain.NewContext()
		defer dc.Close()

		objs, err := dc.Select(ctx, artists("Exhibits"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), f.storage.Selects(), "预取多对多关系应当查询中间表和目标表。")

		shows, err := objs[0].ToMany(ctx, "Exhibits")
		require.NoError(t, err)
		assert.Len(t, shows, 2, "Monet 应当参加 2 个展览。")
		shows, _ = objs[1].ToMany(ctx, "Exhibits")
		assert.Len(t, shows, 1, "Renoir 应当参加 1 个展览。")
		shows, _ = objs[2].ToMany(ctx, "Exhibits")
		assert.Empty(t, shows, "Degas 没有参加展览。")
		assert.Equal(t, int64(3), f.storage.Selects(), "访问已预取的关系不应再查询。")
	})

	t.Run("Chunk", func(t *testing.T) {
		f := newTestFixture(t)
		domain := NewDataDomain(f.dataMap, f.storage, nil, Options{PrefetchChunk: 1})
		dc := domain.NewContext()
		defer dc.Close()

		_, err := dc.Select(ctx, artists("Paintings"))
		require.NoError(t, err)
		assert.Equal(t, int64(4), f.storage.Selects(), "每个分块应当各发起一次查询。")
	})

	t.Run("Cached", func(t *testing.T) {
		f := newTestFixture(t)
		warm := f.domain.NewContext()
		mustObject(t, warm, galleryId(1))
		mustObject(t, warm, galleryId(2))
		warm.Close()
		f.storage.ResetCounters()

		dc := f.domain.NewContext()
		defer dc.Close()
		objs, err := dc.Select(ctx, &Query{Entity: "Painting", Prefetches: []string{"Gallery"}})
		require.NoError(t, err)
		assert.Equal(t, int64(1), f.storage.Selects(), "共享缓存中的目标不应再查询。")
		gallery, err := objs[0].ToOne(ctx, "Gallery")
		require.NoError(t, err)
		assert.Equal(t, "Louvre", mustGet(t, gallery, "Name"), "目标应当从共享缓存加载。")
	})

	t.Run("UnknownPath", func(t *testing.T) {
		f := newTestFixture(t)
		dc := f.domain.NewContext()
		defer dc.Close()

		_, err := dc.Select(ctx, artists("Paintings.Frame"))
		assert.True(t, errors.Is(err, ErrUnknownProperty), "未知的预取路径应当返回 ErrUnknownProperty。")
	})
}
