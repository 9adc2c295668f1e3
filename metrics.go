package offlineagent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Requests tracks served requests by routing branch and outcome
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_agent_requests_total",
			Help: "Total number of requests handled by the offline agent",
		},
		[]string{"branch", "result"}, // branch: app-shell, dynamic, generic, bypass; result: hit, network, fallback, offline, error
	)

	// CacheWrites tracks writes of network responses into stores
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_agent_cache_writes_total",
			Help: "Total number of cache writes by store",
		},
		[]string{"store", "result"}, // result: stored, failed, skipped
	)

	// Evictions tracks entries removed by the dynamic store size cap
	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_agent_evictions_total",
			Help: "Total number of entries evicted from the dynamic store",
		},
	)

	// InstalledAssets tracks shell assets precached during installation
	InstalledAssets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_agent_installed_assets_total",
			Help: "Total number of shell assets handled during installation",
		},
		[]string{"result"}, // bulk, stored, failed
	)

	// ReapedStores tracks stale store generations deleted on activation
	ReapedStores = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_agent_reaped_stores_total",
			Help: "Total number of stale stores deleted on activation",
		},
	)
)
