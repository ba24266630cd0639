// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrmCond(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		wg := sync.WaitGroup{}
		for range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cond := Cond("name == {0} && age > {1}", "test", 18)
				assert.NotNil(t, cond, "创建的表达式实例应当不为空。")
				assert.False(t, cond.IsEmpty(), "创建的表达式实例不应为空条件。")
			}()
		}
		wg.Wait()

		assert.True(t, Cond("").IsEmpty(), "空表达式应当创建空条件。")
		assert.True(t, NewCondition().IsEmpty(), "NewCondition 应当创建空条件。")
		var nilCond *Condition
		assert.True(t, nilCond.IsEmpty(), "nil 条件应当视为空条件。")
	})

	t.Run("Parse", func(t *testing.T) {
		tests := []struct {
			expr string
			args []any
			fail bool
		}{
			{"age > {0}", []any{18}, false},
			{"age>{0}", []any{18}, false},
			{"age >= {0}", []any{18}, false},
			{"age<={0}", []any{30}, false},
			{"name=={0}", []any{"test"}, false},
			{"name != {0}", []any{"test"}, false},
			{"name contains {0}", []any{"test"}, false},
			{"name startswith {0}", []any{"test"}, false},
			{"name endswith {0}", []any{"test"}, false},
			{"name isnull {0}", []any{true}, false},
			{"id in {0}", []any{[]int{1, 2}}, false},
			{"!(age > {0})", []any{18}, false},
			{"(age > {0} || name == {1}) && id != {2}", []any{18, "x", 1}, false},
			{"age > {0} && limit = {1} && offset = {2}", []any{18, 10, 20}, false},
			{"age > {0}", []any{}, true},                           // 缺少参数
			{"age > {1}", []any{18}, true},                         // 参数索引越界
			{"(age > {0}", []any{18}, true},                        // 缺少右括号
			{"age {0}", []any{18}, true},                           // 缺少操作符
			{"age > ", []any{}, true},                              // 缺少参数占位
			{"age > {x}", []any{18}, true},                         // 无效的参数索引
			{"age > {0} && offset {1}", []any{1, 1}, true},         // offset 没有使用赋值符号
			{"age > {0} && limit = {1}", []any{18, "ten"}, true},   // 无效的 limit
			{"age > {0} ## name == {1}", []any{18, "x"}, true},     // 无效的字符
			{"age > {0} name == {1}", []any{18, "x"}, true},        // 缺少逻辑操作符
		}
		for _, test := range tests {
			t.Run(test.expr, func(t *testing.T) {
				cond, err := ParseCond(test.expr, test.args...)
				if test.fail {
					assert.Error(t, err, "错误的表达式应当返回错误。")
					assert.Panics(t, func() { Cond(test.expr, test.args...) }, "错误的表达式应当 panic。")
				} else {
					assert.NoError(t, err, "正常的表达式不应返回错误。")
					assert.NotNil(t, cond, "正常的表达式应当创建条件。")
				}
			})
		}
	})

	t.Run("LimitOffset", func(t *testing.T) {
		cond := Cond("age > {0} && limit = {1} && offset = {2}", 18, 10, 20)
		assert.Equal(t, 10, cond.Limit, "limit 应当为 10。")
		assert.Equal(t, 20, cond.Offset, "offset 应当为 20。")
		sql, args := cond.ToSQL(nil)
		assert.Equal(t, "age > ?", sql, "limit 与 offset 不应出现在条件中。")
		assert.Equal(t, []any{18}, args, "参数应当只包含条件的取值。")

		next := cond.And("name", "==", "x")
		assert.Equal(t, 10, next.Limit, "追加条件后应当保留 limit。")
		assert.Equal(t, 20, next.Offset, "追加条件后应当保留 offset。")
	})

	t.Run("Match", func(t *testing.T) {
		row := SnapshotOf(map[string]any{"age": 20, "name": "Monet", "note": nil})
		tests := []struct {
			cond  *Condition
			match bool
		}{
			{Cond("age > {0}", 18), true},
			{Cond("age >= {0}", 20), true},
			{Cond("age < {0}", 20), false},
			{Cond("age <= {0}", 20), true},
			{Cond("age == {0}", "20"), true},
			{Cond("name != {0}", "Monet"), false},
			{Cond("name contains {0}", "one"), true},
			{Cond("name startswith {0}", "Mo"), true},
			{Cond("name endswith {0}", "et"), true},
			{Cond("note isnull {0}", true), true},
			{Cond("name isnull {0}", true), false},
			{Cond("name isnull {0}", false), true},
			{Cond("age in {0}", []int{18, 20}), true},
			{Cond("age in {0}", []any{}), false},
			{Cond("!(age >= {0})", 30), true},
			{Cond("note > {0}", 1), false},
			{NewCondition().In("name", "Renoir", "Monet"), true},
			{NewCondition().In("name"), false},
			{NewCondition().And("age", ">", 10).OrNotCond(Cond("name == {0}", "Monet")), true},
			{NewCondition().And("age", ">", 10).AndNotCond(Cond("name == {0}", "Monet")), false},
			{NewCondition().Or("age", "=", 1).OrCond(Cond("name == {0}", "Monet")), true},
			{NewCondition().And("age", "<>", 20).AndCond(Cond("name == {0}", "Monet")), false},
			{Cond(""), true},
		}
		for i, test := range tests {
			assert.Equal(t, test.match, test.cond.Match(row), "条件 %v（%v）的匹配结果应当为 %v。", i, test.cond, test.match)
		}
	})

	t.Run("Precedence", func(t *testing.T) {
		row := SnapshotOf(map[string]any{"a": 1, "b": 2, "c": 3})
		// ((a == 1 || b == 0) && c == 0)
		assert.False(t, Cond("a == {0} || b == {1} && c == {2}", 1, 0, 0).Match(row), "&& 与 || 应当从左到右结合。")
		// (a == 1 || (b == 0 && c == 0))
		assert.True(t, Cond("a == {0} || (b == {1} && c == {2})", 1, 0, 0).Match(row), "括号应当改变结合顺序。")
	})

	t.Run("ToSQL", func(t *testing.T) {
		quote := func(s string) string { return "`" + s + "`" }
		tests := []struct {
			cond *Condition
			sql  string
			args []any
		}{
			{Cond("age > {0} && name contains {1}", 18, "50%"), "(`age` > ? AND `name` LIKE ?)", []any{18, `%50\%%`}},
			{Cond("(a == {0} || b != {1}) && !(c startswith {2})", 1, 2, "x_"), "((`a` = ? OR `b` <> ?) AND NOT (`c` LIKE ?))", []any{1, 2, `x\_%`}},
			{Cond("name endswith {0}", "et"), "`name` LIKE ?", []any{"%et"}},
			{Cond("a == {0}", nil), "`a` IS NULL", []any{}},
			{Cond("a != {0}", nil), "`a` IS NOT NULL", []any{}},
			{Cond("a isnull {0}", false), "`a` IS NOT NULL", []any{}},
			{NewCondition().In("id", 1, 2, 3), "`id` IN (?, ?, ?)", []any{1, 2, 3}},
			{NewCondition().In("id"), "1 = 0", []any{}},
		}
		for _, test := range tests {
			sql, args := test.cond.ToSQL(quote)
			assert.Equal(t, test.sql, sql, "条件应当渲染为预期的 SQL。")
			assert.Equal(t, test.args, args, "条件应当渲染出预期的参数。")
		}

		sql, args := Cond("").ToSQL(quote)
		assert.Equal(t, "", sql, "空条件应当渲染为空字符串。")
		assert.Nil(t, args, "空条件不应有参数。")
		assert.Equal(t, "{}", Cond("").String(), "空条件的文本应当为 {}。")
		assert.Equal(t, "a = ? [1]", Cond("a == {0}", 1).String(), "条件的文本应当包含 SQL 与参数。")
	})

	t.Run("Cache", func(t *testing.T) {
		a := Cond("x == {0}", 1)
		b := Cond("x == {0}", 2)
		assert.True(t, a.Match(SnapshotOf(map[string]any{"x": 1})), "缓存的表达式应当使用各自的参数。")
		assert.True(t, b.Match(SnapshotOf(map[string]any{"x": 2})), "缓存的表达式应当使用各自的参数。")
		cached, ok := condTemplates.cache.Load("x == {0}")
		assert.True(t, ok, "解析过的表达式应当被缓存。")
		assert.NotNil(t, cached, "缓存的表达式结构不应为空。")
	})
}
