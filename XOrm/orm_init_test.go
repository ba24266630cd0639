// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"testing"

	"github.com/eframework-org/GO.UTIL/XPrefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	TestOrmAddr = "root:123456@tcp(127.0.0.1:3306)/mysql?charset=utf8mb4&loc=Local"
)

func TestOrmInit(t *testing.T) {
	t.Run("Init", func(t *testing.T) {
		tests := []struct {
			name    string
			prefs   XPrefs.IBase
			wantErr bool
		}{
			{
				name:    "nil_config_test",
				prefs:   nil,
				wantErr: true,
			},
			{
				name: "invalid_key_test",
				prefs: XPrefs.New().Set("Orm/Source/MySQL", XPrefs.New().
					Set(prefsOrmAddr, TestOrmAddr)),
				wantErr: true,
			},
			{
				name:    "invalid_value_test",
				prefs:   XPrefs.New().Set("Orm/Source/MySQL/Broken", "not a config"),
				wantErr: false,
			},
			{
				name:    "empty_config_test",
				prefs:   XPrefs.New().Set("Orm/Cache/Size", 100),
				wantErr: false,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if tt.wantErr {
					assert.Panics(t, func() { initOrm(tt.prefs) }, "无效的配置应当触发 panic。")
				} else {
					assert.NotPanics(t, func() { initOrm(tt.prefs) }, "无需注册的配置不应触发 panic。")
				}
			})
		}
	})

	t.Run("Driver", func(t *testing.T) {
		prefs := XPrefs.New().
			Set("Orm/Source/MySQL/Main", XPrefs.New().Set(prefsOrmAddr, TestOrmAddr)).
			Set("Orm/Source/Postgres/Report", XPrefs.New().Set(prefsOrmAddr, "postgres://localhost/report"))
		assert.Equal(t, "mysql", sourceDriver(prefs, "Main"), "数据库类型应当转为小写。")
		assert.Equal(t, "postgres", sourceDriver(prefs, "Report"), "应当返回别名对应的数据库类型。")
		assert.Equal(t, "", sourceDriver(prefs, "Missing"), "未配置的别名应当返回空字符串。")
	})

	t.Run("Options", func(t *testing.T) {
		assert.Equal(t, DefaultOptions(), OptionsFromPrefs(nil), "未提供首选项时应当使用默认值。")
		assert.Equal(t, DefaultOptions(), OptionsFromPrefs(XPrefs.New()), "未配置的参数应当使用默认值。")

		prefs := XPrefs.New().
			Set(cacheSizePrefs, 64).
			Set(faultPagePrefs, 10).
			Set(prefetchChunkPrefs, 200).
			Set(commitRetryPrefs, -1).
			Set(pkBlockPrefs, 5)
		options := OptionsFromPrefs(prefs)
		assert.Equal(t, 64, options.CacheSize, "缓存容量应当读取首选项。")
		assert.Equal(t, 10, options.PageSize, "页大小应当读取首选项。")
		assert.Equal(t, 200, options.PrefetchChunk, "预取分块应当读取首选项。")
		assert.Equal(t, 0, options.CommitRetry, "负数的重试次数应当修正为 0。")
		assert.Equal(t, 5, options.PkBlock, "主键预留数量应当读取首选项。")
	})

	t.Run("OpenDomain", func(t *testing.T) {
		dm := newTestDataMap(t)

		_, err := OpenDomain(nil, dm)
		assert.Error(t, err, "首选项为空时应当返回错误。")
		_, err = OpenDomain(XPrefs.New(), nil)
		assert.Error(t, err, "映射元数据为空时应当返回错误。")

		prefs := XPrefs.New().
			Set("Orm/Source/MySQL/Main", XPrefs.New().Set(prefsOrmAddr, TestOrmAddr)).
			Set(domainAliasPrefs, "Main").
			Set(faultPagePrefs, 25)
		domain, err := OpenDomain(prefs, dm)
		require.NoError(t, err)
		defer domain.Close()
		storage, ok := domain.Storage().(*BeegoStorage)
		require.True(t, ok, "数据域应当使用 BeegoStorage 作为存储层。")
		assert.Equal(t, "Main", storage.alias, "存储层应当使用配置的数据库别名。")
		assert.Equal(t, "`ARTIST`", storage.quote("ARTIST"), "mysql 数据源应当使用反引号。")
		assert.Equal(t, 25, domain.Options().PageSize, "运行参数应当读取首选项。")
		assert.Same(t, dm, domain.DataMap(), "数据域应当使用传入的映射元数据。")

		fallback, err := OpenDomain(XPrefs.New(), dm)
		require.NoError(t, err)
		defer fallback.Close()
		assert.Equal(t, defaultDomainAlias, fallback.Storage().(*BeegoStorage).alias, "未配置别名时应当使用 default。")
	})
}
