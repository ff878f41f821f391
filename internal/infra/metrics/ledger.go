package metrics

import "github.com/prometheus/client_golang/prometheus"

// Ledger backend metrics: read-through cache lookups in front of Postgres and
// the pgx pool behind it.

func init() { register(ledgerCacheLookups, ledgerPoolConns) }

var (
	ledgerCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_cache_lookups_total",
			Help: "Ledger cache lookups by key kind (entry|list) and result (hit|miss).",
		},
		[]string{"cache", "result"},
	)

	ledgerPoolConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_db_pool_connections",
			Help: "pgx pool connections of the ledger database by state.",
		},
		[]string{"state"},
	)
)

func IncCacheRequest(cacheName, result string) {
	ledgerCacheLookups.WithLabelValues(norm(cacheName), norm(result)).Inc()
}

func SetDBPoolStats(total, idle, inUse int32) {
	for state, n := range map[string]int32{"total": total, "idle": idle, "in_use": inUse} {
		ledgerPoolConns.WithLabelValues(state).Set(float64(n))
	}
}
