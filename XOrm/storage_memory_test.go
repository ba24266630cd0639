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

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()

	t.Run("Select", func(t *testing.T) {
		f := newTestFixture(t)
		rows, err := f.storage.Select(ctx, &FetchSpec{
			Table:     "PAINTING",
			Columns:   []string{"PAINTING_ID", "ESTIMATED_PRICE"},
			Where:     Cond("ESTIMATED_PRICE >= {0}", 150),
			Orderings: []Ordering{{Column: "ESTIMATED_PRICE", Descending: true}},
		})
		require.NoError(t, err)
		ids := make([]any, 0)
		for _, row := range rows {
			ids = append(ids, row.Value("PAINTING_ID"))
			assert.Equal(t, 2, row.Len(), "应当只返回指定的列。")
		}
		assert.Equal(t, []any{3, 2, 4}, ids, "应当按价格降序返回。")

		rows, _ = f.storage.Select(ctx, &FetchSpec{Table: "PAINTING", Orderings: []Ordering{{Column: "PAINTING_ID"}}, Limit: 2, Offset: 1})
		require.Len(t, rows, 2, "分页应当生效。")
		assert.Equal(t, 2, rows[0].Value("PAINTING_ID"))

		rows, _ = f.storage.Select(ctx, &FetchSpec{Table: "PAINTING", Offset: 10})
		assert.Empty(t, rows, "偏移超出范围时应当返回空。")

		rows, _ = f.storage.Select(ctx, &FetchSpec{Table: "PAINTING", Orderings: []Ordering{{Column: "GALLERY_ID"}, {Column: "PAINTING_ID", Descending: true}}})
		assert.Equal(t, 4, rows[0].Value("PAINTING_ID"), "空值应当排在最前。")
		assert.Equal(t, 3, rows[2].Value("PAINTING_ID"), "相同的值应当按下一列排序。")

		_, err = f.storage.Select(ctx, &FetchSpec{Table: "MUSEUM"})
		assert.Error(t, err, "未知的表应当返回错误。")
		assert.Equal(t, int64(5), f.storage.Selects(), "每次查询都应当计数。")
	})

	t.Run("Count", func(t *testing.T) {
		f := newTestFixture(t)
		count, err := f.storage.Count(ctx, &FetchSpec{Table: "PAINTING", Where: Cond("ARTIST_ID == {0}", 1)})
		require.NoError(t, err)
		assert.Equal(t, 2, count, "Monet 应当有 2 幅画作。")
		count, _ = f.storage.Count(ctx, &FetchSpec{Table: "ARTIST"})
		assert.Equal(t, 3, count, "没有条件时应当返回全部数量。")
		_, err = f.storage.Count(ctx, &FetchSpec{Table: "MUSEUM"})
		assert.Error(t, err, "未知的表应当返回错误。")
	})

	t.Run("Insert", func(t *testing.T) {
		f := newTestFixture(t)
		err := f.storage.Insert("ARTIST", map[string]any{"ARTIST_ID": 1, "ARTIST_NAME": "Copy"})
		assert.True(t, errors.Is(err, ErrConstraintViolation), "重复的主键应当返回 ErrConstraintViolation。")
		err = f.storage.Insert("ARTIST", map[string]any{"ARTIST_NAME": "Anonymous"})
		assert.True(t, errors.Is(err, ErrConstraintViolation), "空的主键应当返回 ErrConstraintViolation。")
		assert.Error(t, f.storage.Insert("MUSEUM", map[string]any{"ID": 1}), "未知的表应当返回错误。")

		require.NoError(t, f.storage.Insert("PAINTING", map[string]any{"PAINTING_ID": 9, "PAINTING_TITLE": "Olympia"}))
		row, ok := findRow(f.storage, "PAINTING", "PAINTING_ID", 9)
		require.True(t, ok)
		assert.True(t, row.Has("ARTIST_ID"), "缺少的列应当补为空值。")
		assert.Nil(t, row.Value("ARTIST_ID"))
	})

	t.Run("Commit", func(t *testing.T) {
		f := newTestFixture(t)
		tx, err := f.storage.Begin(ctx)
		require.NoError(t, err)
		results, err := tx.ExecuteBatch(ctx, []*Operation{
			{Type: OperationInsert, Table: "CATEGORY", Values: NewSnapshot([]string{"CATEGORY_ID", "CATEGORY_NAME"}, map[string]any{"CATEGORY_NAME": "New"}), Generated: []string{"CATEGORY_ID"}},
			{Type: OperationUpdate, Table: "ARTIST", Values: SnapshotOf(map[string]any{"ARTIST_NAME": "Claude Monet"}), Where: SnapshotOf(map[string]any{"ARTIST_ID": 1})},
			{Type: OperationDelete, Table: "ARTIST_EXHIBIT", Where: SnapshotOf(map[string]any{"ARTIST_ID": 1, "EXHIBIT_ID": 2})},
		})
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, map[string]any{"CATEGORY_ID": int64(4)}, results[0].Generated, "自增列应当从最大值之后生成。")
		assert.Equal(t, int64(1), results[1].Rows, "更新应当影响 1 行。")
		assert.Equal(t, int64(1), results[2].Rows, "删除应当影响 1 行。")
		assert.Len(t, f.storage.Rows("CATEGORY"), 3, "提交前写操作不应可见。")
		assert.Empty(t, f.storage.Journal(), "提交前不应记录写操作。")

		require.NoError(t, tx.Commit())
		assert.Len(t, f.storage.Rows("CATEGORY"), 4, "提交后写操作应当可见。")
		row, _ := findRow(f.storage, "CATEGORY", "CATEGORY_ID", 4)
		assert.Equal(t, "New", row.Value("CATEGORY_NAME"), "重放时应当使用已生成的主键。")
		row, _ = findRow(f.storage, "ARTIST", "ARTIST_ID", 1)
		assert.Equal(t, "Claude Monet", row.Value("ARTIST_NAME"))
		assert.Len(t, f.storage.Rows("ARTIST_EXHIBIT"), 2)
		assert.Len(t, f.storage.Journal(), 3, "提交后应当记录写操作。")
		assert.Error(t, tx.Commit(), "重复提交应当返回错误。")
		_, err = tx.ExecuteBatch(ctx, nil)
		assert.Error(t, err, "结束的事务不应继续执行。")

		update, _ := f.storage.Begin(ctx)
		results, err = update.ExecuteBatch(ctx, []*Operation{
			{Type: OperationUpdate, Table: "ARTIST", Values: SnapshotOf(map[string]any{"ARTIST_NAME": "x"}), Where: SnapshotOf(map[string]any{"ARTIST_ID": 42})},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), results[0].Rows, "不匹配的更新应当影响 0 行。")
		require.NoError(t, update.Rollback())
	})

	t.Run("Rollback", func(t *testing.T) {
		f := newTestFixture(t)
		tx, err := f.storage.Begin(ctx)
		require.NoError(t, err)
		_, err = tx.ExecuteBatch(ctx, []*Operation{
			{Type: OperationDelete, Table: "ARTIST", Where: SnapshotOf(map[string]any{"ARTIST_ID": 3})},
		})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())
		assert.Len(t, f.storage.Rows("ARTIST"), 3, "回滚后数据不应变化。")
		assert.Empty(t, f.storage.Journal(), "回滚的操作不应记录。")
		assert.Len(t, f.storage.Executed(), 1, "回滚的操作仍应记录为已执行。")
	})

	t.Run("Fail", func(t *testing.T) {
		f := newTestFixture(t)
		f.storage.FailOn = func(op *Operation) error {
			if op.Table == "GALLERY" {
				return errors.New("disk full")
			}
			return nil
		}
		tx, _ := f.storage.Begin(ctx)
		results, err := tx.ExecuteBatch(ctx, []*Operation{
			{Type: OperationDelete, Table: "EXHIBIT", Where: SnapshotOf(map[string]any{"EXHIBIT_ID": 2})},
			{Type: OperationDelete, Table: "GALLERY", Where: SnapshotOf(map[string]any{"GALLERY_ID": 2})},
		})
		assert.EqualError(t, err, "disk full", "FailOn 返回的错误应当原样返回。")
		assert.Len(t, results, 1, "失败前的结果应当返回。")
		require.NoError(t, tx.Rollback())

		_, err = f.storage.Begin(ctx)
		require.NoError(t, err)
		f.storage.FailBegin = func() error { return ErrTransientStorage }
		_, err = f.storage.Begin(ctx)
		assert.True(t, errors.Is(err, ErrTransientStorage), "FailBegin 返回的错误应当原样返回。")
		assert.Equal(t, int64(3), f.storage.Begins(), "失败的开始事务也应当计数。")

		f.storage.ResetCounters()
		assert.Equal(t, int64(0), f.storage.Begins(), "重置后计数应当清零。")
		assert.Empty(t, f.storage.Executed(), "重置后操作记录应当清空。")
	})

	t.Run("MaxKey", func(t *testing.T) {
		f := newTestFixture(t)
		maxKey, err := f.storage.MaxKey(ctx, "PAINTING", "PAINTING_ID")
		require.NoError(t, err)
		assert.Equal(t, int64(4), maxKey, "应当返回主键的最大值。")

		empty := NewMemoryStorage(f.dataMap)
		maxKey, err = empty.MaxKey(ctx, "ARTIST", "ARTIST_ID")
		require.NoError(t, err)
		assert.Equal(t, int64(0), maxKey, "空表应当返回 0。")
		_, err = empty.MaxKey(ctx, "MUSEUM", "ID")
		assert.Error(t, err, "未知的表应当返回错误。")

		require.NoError(t, empty.Insert("CATEGORY", map[string]any{"CATEGORY_ID": 10, "CATEGORY_NAME": "Explicit"}))
		tx, _ := empty.Begin(ctx)
		results, err := tx.ExecuteBatch(ctx, []*Operation{
			{Type: OperationInsert, Table: "CATEGORY", Values: SnapshotOf(map[string]any{"CATEGORY_NAME": "Auto", "CATEGORY_ID": nil}), Generated: []string{"CATEGORY_ID"}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(11), results[0].Generated["CATEGORY_ID"], "自增列应当跟随显式写入的最大值。")
		require.NoError(t, tx.Commit())
	})
}
