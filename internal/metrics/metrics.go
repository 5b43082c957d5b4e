package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kiri"

var (
	Registry = prometheus.NewRegistry()

	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Protocol commands processed, by verb and result line.",
	}, []string{"verb", "result"})

	Forwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forwarded_total",
		Help:      "Requests relayed to another core, by outcome.",
	}, []string{"result"})

	CurrConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "curr_connections",
		Help:      "Open client connections.",
	})

	TotalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Client connections accepted.",
	})

	Swept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swept_items_total",
		Help:      "Expired items purged by the periodic sweeper.",
	})
)

func init() {
	Registry.MustRegister(
		Commands,
		Forwarded,
		CurrConnections,
		TotalConnections,
		Swept,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type SliceStat struct {
	Core      int
	Slice     int
	Items     int
	Bytes     int64
	Evictions uint64
	Reclaimed uint64
}

type sliceCollector struct {
	stats func() []SliceStat

	items     *prometheus.Desc
	bytes     *prometheus.Desc
	evictions *prometheus.Desc
	reclaimed *prometheus.Desc
}

// NewSliceCollector exports per-slice occupancy read from stats at scrape
// time.
func NewSliceCollector(stats func() []SliceStat) prometheus.Collector {
	labels := []string{"core", "slice"}
	return &sliceCollector{
		stats:     stats,
		items:     prometheus.NewDesc(namespace+"_slice_items", "Items held by the slice.", labels, nil),
		bytes:     prometheus.NewDesc(namespace+"_slice_bytes", "Accounted bytes held by the slice.", labels, nil),
		evictions: prometheus.NewDesc(namespace+"_slice_evictions_total", "Live items evicted for capacity.", labels, nil),
		reclaimed: prometheus.NewDesc(namespace+"_slice_reclaimed_total", "Expired items reclaimed.", labels, nil),
	}
}

func (c *sliceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.items
	ch <- c.bytes
	ch <- c.evictions
	ch <- c.reclaimed
}

func (c *sliceCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.stats() {
		core, slice := strconv.Itoa(st.Core), strconv.Itoa(st.Slice)
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(st.Items), core, slice)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(st.Bytes), core, slice)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(st.Evictions), core, slice)
		ch <- prometheus.MustNewConstMetric(c.reclaimed, prometheus.CounterValue, float64(st.Reclaimed), core, slice)
	}
}
