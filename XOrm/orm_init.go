// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"strings"

	"github.com/beego/beego/v2/client/orm"
	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XPrefs"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	_ "github.com/go-sql-driver/mysql"
)

const (
	// sourcePrefsPrefix 是数据源配置键的前缀，完整格式为 Orm/Source/<数据库类型>/<数据库别名>。
	sourcePrefsPrefix = "Orm/Source/"

	prefsOrmAddr = "Addr"
	prefsOrmPool = "Pool"
	prefsOrmConn = "Conn"

	// domainAliasPrefs 定义了数据域使用的数据库别名的偏好设置键。
	domainAliasPrefs = "Orm/Domain/Alias"

	// defaultDomainAlias 是数据域默认使用的数据库别名。
	defaultDomainAlias = "default"

	prefsEventAddr    = "Addr"
	prefsEventChannel = "Channel"
)

func init() {
	initOrm(XPrefs.Asset())
}

// initOrm 注册首选项中配置的全部数据源。
func initOrm(prefs XPrefs.IBase) {
	if prefs == nil {
		XLog.Panic("XOrm.Init: prefs is nil.")
		return
	}

	for _, key := range prefs.Keys() {
		if !strings.HasPrefix(key, sourcePrefsPrefix) {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(key, sourcePrefsPrefix), "/")
		if len(parts) < 2 {
			XLog.Panic("XOrm.Init: invalid prefs key %v.", key)
			return
		}

		ormType := strings.ToLower(parts[0])
		ormAlias := parts[1]

		if base, ok := prefs.Get(key).(XPrefs.IBase); ok && base != nil {
			ormAddr := base.GetString(prefsOrmAddr)
			ormPool := base.GetInt(prefsOrmPool)
			ormConn := base.GetInt(prefsOrmConn)
			if err := orm.RegisterDataBase(ormAlias, ormType, ormAddr,
				orm.MaxIdleConnections(ormPool),
				orm.MaxOpenConnections(ormConn)); err != nil {
				XLog.Panic("XOrm.Init: register database %v failed, err: %v", ormAlias, err)
				return
			}
			XLog.Notice("XOrm.Init: database %v of %v has been registered.", ormAlias, ormType)
		} else {
			XLog.Error("XOrm.Init: invalid config for %v", key)
			continue
		}
	}
}

// sourceDriver 返回数据库别名对应的数据库类型，未配置时返回空字符串。
func sourceDriver(prefs XPrefs.IBase, alias string) string {
	for _, key := range prefs.Keys() {
		if !strings.HasPrefix(key, sourcePrefsPrefix) {
			continue
		}
		parts := strings.Split(strings.TrimPrefix(key, sourcePrefsPrefix), "/")
		if len(parts) >= 2 && parts[1] == alias {
			return strings.ToLower(parts[0])
		}
	}
	return ""
}

// OptionsFromPrefs 从首选项中读取运行参数，未配置的参数使用默认值。
func OptionsFromPrefs(prefs XPrefs.IBase) Options {
	def := DefaultOptions()
	if prefs == nil {
		return def
	}
	return Options{
		CacheSize:     prefs.GetInt(cacheSizePrefs, def.CacheSize),
		PageSize:      prefs.GetInt(faultPagePrefs, def.PageSize),
		PrefetchChunk: prefs.GetInt(prefetchChunkPrefs, def.PrefetchChunk),
		CommitRetry:   prefs.GetInt(commitRetryPrefs, def.CommitRetry),
		PkBlock:       prefs.GetInt(pkBlockPrefs, def.PkBlock),
	}.normalize()
}

// OpenDomain 根据首选项创建数据域：使用 Orm/Domain/Alias 指定的数据源作为存储层，
// 配置了 Orm/Event/Redis 时通过 Redis 在多个进程之间同步快照变更。
//
// 配置示例：
//
//	{
//	    "Orm/Source/MySQL/Main": {"Addr": "root:123456@tcp(127.0.0.1:3306)/db", "Pool": 1, "Conn": 10},
//	    "Orm/Domain/Alias": "Main",
//	    "Orm/Cache/Size": 10000,
//	    "Orm/Event/Redis": {"Addr": "127.0.0.1:6379", "Channel": "XOrm.Snapshot"}
//	}
func OpenDomain(prefs XPrefs.IBase, dataMap *DataMap) (*DataDomain, error) {
	if prefs == nil {
		return nil, errors.New("XOrm.OpenDomain: prefs is nil")
	}
	if dataMap == nil {
		return nil, errors.New("XOrm.OpenDomain: data map is nil")
	}
	alias := prefs.GetString(domainAliasPrefs)
	if alias == "" {
		alias = defaultDomainAlias
	}
	options := OptionsFromPrefs(prefs)
	cache := NewSnapshotCache(options.CacheSize)

	if base, ok := prefs.Get(eventRedisPrefs).(XPrefs.IBase); ok && base != nil {
		if addr := base.GetString(prefsEventAddr); addr != "" {
			client := redis.NewClient(&redis.Options{Addr: addr})
			bridge := NewRedisEventBridge(client, base.GetString(prefsEventChannel))
			if err := cache.SetEventBridge(bridge); err != nil {
				client.Close()
				return nil, errors.Wrapf(err, "XOrm.OpenDomain: connect event bridge %v", addr)
			}
		}
	}

	storage := NewBeegoStorage(alias, sourceDriver(prefs, alias))
	XLog.Notice("XOrm.OpenDomain: domain of %v has been opened with %v entities.", alias, len(dataMap.Entities()))
	return NewDataDomain(dataMap, storage, cache, options), nil
}
