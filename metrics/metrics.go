// Package metrics exposes counters and gauges for the transport and the tick
// loop over a prometheus registry. Metric handles are created lazily by name
// and group so call sites stay one-liners.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Value is the numeric type accepted by all metric updates.
type Value = float64

// Dimension is an optional set of label key-values attached to an update.
type Dimension = prometheus.Labels

// Metric name and group constants used across the server. Group maps to the
// prometheus namespace, name to the metric name.
const (
	GroupTransport = "transport"
	GroupLoop      = "loop"
	GroupStorage   = "storage"
	GroupGen       = "gen"
	GroupRuntime   = "runtime"

	DimPoolName = "pool"

	NameDatagramsInTotal    = "datagrams_in_total"
	NameDatagramsOutTotal   = "datagrams_out_total"
	NameDatagramsDropTotal  = "datagrams_drop_total"
	NameAuthFailTotal       = "auth_fail_total"
	NameRetransmitTotal     = "retransmit_total"
	NamePeersLive           = "peers_live"
	NamePeerMigrationsTotal = "peer_migrations_total"
	NameTickDurationMS      = "tick_duration_ms"
	NameTickSnapshot        = "tick_snapshot"
	NamePlayersLive         = "players_live"
	NameChunksActive        = "chunks_active"
	NameChunkLoadTotal      = "chunk_load_total"
	NameChunkGenTotal       = "chunk_gen_total"
	NameGenQueueDepth       = "gen_queue_depth"
	NameStorageWriteTotal   = "storage_write_total"
	NameStorageQueueDepth   = "storage_queue_depth"
	NamePoolCreateTotal     = "pool_create_total"
)

var (
	_registry = prometheus.NewRegistry()

	_counters     = map[string]*prometheus.CounterVec{}
	_lockCounters sync.Mutex
	_gauges       = map[string]*prometheus.GaugeVec{}
	_lockGauges   sync.Mutex
)

// Registry returns the registry all voxbrix metrics are registered on.
func Registry() *prometheus.Registry { return _registry }

// Handler returns an HTTP handler serving the metric registry, for mounting
// on a debug listener.
func Handler() http.Handler {
	return promhttp.HandlerFor(_registry, promhttp.HandlerOpts{})
}

func labelNames(dim Dimension) []string {
	names := make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, k)
	}
	return names
}

func getCounter(group, name string, dim Dimension) *prometheus.CounterVec {
	_lockCounters.Lock()
	defer _lockCounters.Unlock()
	key := group + "/" + name
	if c, ok := _counters[key]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voxbrix",
		Subsystem: group,
		Name:      name,
	}, labelNames(dim))
	if err := _registry.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			c = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil
		}
	}
	_counters[key] = c
	return c
}

func getGauge(group, name string, dim Dimension) *prometheus.GaugeVec {
	_lockGauges.Lock()
	defer _lockGauges.Unlock()
	key := group + "/" + name
	if g, ok := _gauges[key]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "voxbrix",
		Subsystem: group,
		Name:      name,
	}, labelNames(dim))
	if err := _registry.Register(g); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			g = are.ExistingCollector.(*prometheus.GaugeVec)
		} else {
			return nil
		}
	}
	_gauges[key] = g
	return g
}

// IncrCounter increments a counter in the given group by value.
func IncrCounter(group, name string, value Value) {
	if c := getCounter(group, name, nil); c != nil {
		c.With(nil).Add(value)
	}
}

// IncrCounterWithDim increments a dimensioned counter. The label set must be
// the same on every call for a given metric.
func IncrCounterWithDim(group, name string, value Value, dim Dimension) {
	if c := getCounter(group, name, dim); c != nil {
		c.With(dim).Add(value)
	}
}

// UpdateGauge sets a gauge in the given group to value.
func UpdateGauge(group, name string, value Value) {
	if g := getGauge(group, name, nil); g != nil {
		g.With(nil).Set(value)
	}
}

// UpdateGaugeWithDim sets a dimensioned gauge.
func UpdateGaugeWithDim(group, name string, value Value, dim Dimension) {
	if g := getGauge(group, name, dim); g != nil {
		g.With(dim).Set(value)
	}
}

// StopWatch measures one duration and records it into a gauge on Stop.
type StopWatch struct {
	group string
	name  string
	start time.Time
}

// NewStopWatch starts timing; Stop records milliseconds into group/name.
func NewStopWatch(group, name string) *StopWatch {
	return &StopWatch{group: group, name: name, start: time.Now()}
}

// Stop records the elapsed time and returns it.
func (s *StopWatch) Stop() time.Duration {
	d := time.Since(s.start)
	UpdateGauge(s.group, s.name, float64(d)/float64(time.Millisecond))
	return d
}
