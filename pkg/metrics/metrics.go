// Package metrics holds the Prometheus collectors of KektorKV. They are
// registered with the default registry through promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorkv_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kektorkv_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method", "path"},
	)

	// CommandsTotal counts executed commands by name and outcome ("ok" or an
	// error kind such as "too_large").
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorkv_commands_total",
			Help: "Total number of string commands executed",
		},
		[]string{"command", "outcome"},
	)

	Keys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kektorkv_keys",
		Help: "Number of keys in the keyspace",
	})

	ExpiredKeysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kektorkv_expired_keys_total",
		Help: "Keys removed because their deadline passed",
	})

	// CopyOnWriteTotal counts values cloned before an in-place edit because
	// they were shared or integer encoded.
	CopyOnWriteTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kektorkv_copy_on_write_total",
		Help: "Values copied before an in-place edit",
	})

	// RewrittenPropagationsTotal counts commands written to the AOF in a
	// different form than they were received in.
	RewrittenPropagationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kektorkv_rewritten_propagations_total",
			Help: "Commands propagated to the AOF in rewritten form",
		},
		[]string{"command"},
	)

	AOFBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kektorkv_aof_bytes_total",
		Help: "Bytes flushed to the AOF",
	})

	RESPConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kektorkv_resp_connected_clients",
		Help: "Open RESP client connections",
	})
)
