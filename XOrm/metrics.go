// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xorm_commit_total",
		Help: "会话提交次数，按结果（success/failure）区分。",
	}, []string{"result"})

	operationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xorm_operation_total",
		Help: "提交时下发的写操作数量，按类型区分。",
	}, []string{"type"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xorm_cache_hit_total",
		Help: "快照缓存命中次数。",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xorm_cache_miss_total",
		Help: "快照缓存未命中次数。",
	})

	cacheEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xorm_cache_event_total",
		Help: "快照缓存广播的事件数量。",
	})

	cacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xorm_cache_size",
		Help: "最近一次写入后快照缓存中的条目数量。",
	})

	faultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xorm_fault_total",
		Help: "延迟加载次数，按类型（object/to-one/to-many/page）区分。",
	}, []string{"kind"})

	staleMerges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xorm_stale_merge_total",
		Help: "合并快照时本地修改覆盖外部新值的次数。",
	})
)

// metricsInfo 定义了全局的统计信息。
type metricsInfo struct {
	CommitTotal    *prometheus.CounterVec
	OperationTotal *prometheus.CounterVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvents    prometheus.Counter
	CacheSize      prometheus.Gauge
	FaultTotal     *prometheus.CounterVec
	StaleMerges    prometheus.Counter
}

var sharedMetrics = &metricsInfo{
	CommitTotal:    commitTotal,
	OperationTotal: operationTotal,
	CacheHits:      cacheHits,
	CacheMisses:    cacheMisses,
	CacheEvents:    cacheEvents,
	CacheSize:      cacheSize,
	FaultTotal:     faultTotal,
	StaleMerges:    staleMerges,
}

// 提供了统计信息的全局访问点。
func Metrics() *metricsInfo {
	return sharedMetrics
}
