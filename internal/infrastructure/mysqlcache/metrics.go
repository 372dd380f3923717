package mysqlcache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mysqlcache_operations_total",
			Help: "The total number of cache operations by outcome",
		},
		[]string{"table", "op", "result"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "mysqlcache_operation_duration_seconds",
			Help: "Cache operation latencies in seconds",
		},
		[]string{"table", "op"},
	)

	culledRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mysqlcache_culled_rows_total",
			Help: "Rows removed by cull",
		},
		[]string{"table"},
	)
)

func init() {
	prometheus.MustRegister(operationsTotal)
	prometheus.MustRegister(operationDuration)
	prometheus.MustRegister(culledRows)
}

const (
	resultOK    = "ok"
	resultError = "error"
	resultHit   = "hit"
	resultMiss  = "miss"
)

func errResult(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}

func lookupResult(found bool, err error) string {
	switch {
	case err != nil:
		return resultError
	case found:
		return resultHit
	}
	return resultMiss
}

func (c *MySQLCache) observe(op string, start time.Time, result string) {
	operationsTotal.WithLabelValues(c.table, op, result).Inc()
	operationDuration.WithLabelValues(c.table, op).Observe(time.Since(start).Seconds())
}
