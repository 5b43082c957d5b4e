package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestSliceCollectorExportsEveryStat(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewSliceCollector(func() []SliceStat {
		return []SliceStat{
			{Core: 0, Slice: 0, Items: 3, Bytes: 120, Evictions: 1, Reclaimed: 2},
			{Core: 1, Slice: 0, Items: 5, Bytes: 200},
		}
	}))

	families, err := reg.Gather()
	require.NoError(t, err)

	got := make(map[string]int)
	for _, f := range families {
		got[f.GetName()] = len(f.GetMetric())
	}
	require.Equal(t, map[string]int{
		"kiri_slice_items":           2,
		"kiri_slice_bytes":           2,
		"kiri_slice_evictions_total": 2,
		"kiri_slice_reclaimed_total": 2,
	}, got)
}
