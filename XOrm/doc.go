// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

/*
XOrm 实现了对象与关系数据之间的同步，提供了基于会话的工作单元、标识映射、共享快照缓存、延迟加载与批量提交。

功能特性

  - 映射元数据：以类型化的方式描述实体、属性、关系与删除规则，创建后不可修改
  - 会话与标识映射：每个会话中同一数据行最多只有一个对象实例
  - 共享快照缓存：多个会话共享已提交的数据行，变更通过事件同步，支持 Redis 跨进程同步
  - 延迟加载：Hollow 对象与未解析的关系在首次访问时加载，并发读取相同对象时合并查询
  - 批量提交：按外键依赖排序，在一个事务中执行插入、更新、删除，失败时完整回滚
  - 删除规则：支持 Cascade、Deny、Nullify、NoAction 四种策略
  - 预取与分页：一次 IN 查询解析整条关系路径，大结果集按页加载

使用手册

1. 数据源配置

配置说明：
  - 配置键名：Orm/Source/<数据库类型>/<数据库别名>
  - 支持 MySQL、PostgreSQL、SQLite3 等（Beego ORM 支持的类型）
  - 配置参数：
  - Addr：数据源地址
  - Pool：连接池大小
  - Conn：最大连接数

运行参数：
  - Orm/Domain/Alias：数据域使用的数据库别名，默认为 default
  - Orm/Cache/Size：快照缓存容量，默认为 10000
  - Orm/Fault/Page：分页列表的默认页大小，默认为 50
  - Orm/Prefetch/Chunk：预取时单个 IN 查询的最大键数量，默认为 1000
  - Orm/Commit/Retry：开始事务遇到瞬时错误时的重试次数，默认为 3
  - Orm/Pk/Block：自增主键每次预留的数量，默认为 20
  - Orm/Event/Redis：Redis 事件桥配置，包含 Addr 和 Channel

配置示例：

	{
	    "Orm/Source/MySQL/Main": {
	        "Addr": "root:123456@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&loc=Local",
	        "Pool": 1,
	        "Conn": 10
	    },
	    "Orm/Domain/Alias": "Main",
	    "Orm/Event/Redis": {
	        "Addr": "127.0.0.1:6379",
	        "Channel": "XOrm.Snapshot"
	    }
	}

2. 映射元数据

	artist := &XOrm.EntityMeta{
	    Name:        "Artist",
	    Table:       "ARTIST",
	    PrimaryKeys: []string{"ARTIST_ID"},
	    Attributes:  []*XOrm.AttributeMeta{{Name: "Name", Column: "ARTIST_NAME"}},
	    Relationships: []*XOrm.RelationshipMeta{{
	        Name: "Paintings", Target: "Painting", ToMany: true, DeleteRule: XOrm.Cascade,
	        Joins: []XOrm.JoinMeta{{Source: "ARTIST_ID", Target: "ARTIST_ID"}}, Reverse: "Artist",
	    }},
	}
	painting := &XOrm.EntityMeta{
	    Name:        "Painting",
	    Table:       "PAINTING",
	    PrimaryKeys: []string{"PAINTING_ID"},
	    Attributes:  []*XOrm.AttributeMeta{{Name: "Title", Column: "PAINTING_TITLE"}},
	    Relationships: []*XOrm.RelationshipMeta{{
	        Name: "Artist", Target: "Artist", DeleteRule: XOrm.Nullify,
	        Joins: []XOrm.JoinMeta{{Source: "ARTIST_ID", Target: "ARTIST_ID"}}, Reverse: "Paintings",
	    }},
	}
	dataMap, err := XOrm.NewDataMap(artist, painting)

3. 会话操作

	domain, _ := XOrm.OpenDomain(XPrefs.Asset(), dataMap)
	dc := domain.NewContext()
	defer dc.Close()

	// 创建并提交
	a, _ := dc.CreateObject("Artist")
	a.Set(ctx, "Name", "Monet")
	p, _ := dc.CreateObject("Painting")
	p.Set(ctx, "Title", "Water Lilies")
	p.SetToOne(ctx, "Artist", a)
	if err := dc.Commit(ctx); err != nil {
	    dc.RollbackChanges()
	}

	// 查询与预取
	artists, _ := dc.Select(ctx, &XOrm.Query{
	    Entity:     "Artist",
	    Where:      XOrm.Cond("ARTIST_NAME startswith {0}", "M"),
	    Prefetches: []string{"Paintings"},
	})

	// 分页加载
	list, _ := dc.SelectPaged(ctx, &XOrm.Query{Entity: "Painting", PageSize: 20})
	first, _ := list.Get(ctx, 0)

4. 条件表达式

	XOrm.Cond("age > {0} && name contains {1}", 18, "test")
	XOrm.Cond("(age >= {0} && age <= {1}) || name == {2}", 18, 30, "test")
	XOrm.Cond("!(age >= {0})", 30)
	XOrm.Cond("age > {0} && limit = {1} && offset = {2}", 18, 10, 20)

注意事项：
1. 条件表达式中的参数使用 {n} 形式引用，n 从 0 开始
2. && 与 || 优先级相同且左结合，复杂条件建议使用括号明确优先级
3. 条件会被缓存以提高性能，相同的表达式只会解析一次
4. 会话不支持多个协程同时使用，不同会话可以并发使用

更多信息请参考模块文档。
*/
package XOrm
