// Package metrics exports pool.PoolMetrics snapshots as Prometheus
// collectors, labeled by block name and instance.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lattice-db/connpool/internal/pool"
)

var (
	// ConnectionsByState tracks the live count of connections in each
	// lifecycle variant, per block.
	ConnectionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections",
		Help: "Number of connections per block and lifecycle state",
	}, []string{"block", "state"})

	// ConnectionsTotal is the all-time count of transitions into each
	// lifecycle variant, per block.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_connections_total",
		Help: "Total transitions into each lifecycle state, per block",
	}, []string{"block", "state"})

	// BlockTarget tracks the current quota allocated to each block by
	// the adjustment algorithm.
	BlockTarget = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_block_target",
		Help: "Current connection quota allocated to a block",
	}, []string{"block"})

	// AvgDurationMS tracks the average residency duration (ms) a
	// connection spends in a given state, per block, taken over every
	// completed residency since the pool started.
	AvgDurationMS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_state_avg_duration_ms",
		Help: "Average milliseconds spent in a lifecycle state, per block",
	}, []string{"block", "state"})

	// InstanceUp marks the process as alive, labeled by instance ID.
	InstanceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_instance_up",
		Help: "1 if this instance is running",
	}, []string{"instance_id"})
)

var variantNames = []pool.MetricVariant{
	pool.Connecting, pool.Reconnecting, pool.Disconnecting,
	pool.Active, pool.Idle, pool.Failed, pool.Closed, pool.Waiting,
}

// lastAllTime tracks the previous all-time counter per block+state so
// ConnectionsTotal (a Prometheus Counter) only ever moves forward by the
// delta, since Snapshot.AllTime itself is cumulative from pool start.
var lastAllTime = make(map[string]uint64)

// Publish pushes one PoolMetrics snapshot to the registered collectors.
// It is called on every adjustment tick.
func Publish(m pool.PoolMetrics) {
	for name, snap := range m.Blocks {
		BlockTarget.WithLabelValues(string(name)).Set(float64(m.Targets[name]))
		for _, v := range variantNames {
			state := v.String()
			key := string(name) + "/" + state
			ConnectionsByState.WithLabelValues(string(name), state).Set(float64(snap.Current[v]))
			AvgDurationMS.WithLabelValues(string(name), state).Set(float64(snap.AvgMS[v]))

			total := snap.AllTime[v]
			if delta := total - lastAllTime[key]; delta > 0 {
				ConnectionsTotal.WithLabelValues(string(name), state).Add(float64(delta))
			}
			lastAllTime[key] = total
		}
	}
}
