package mmstats

import (
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"kmem/kernel/mm"
	"kmem/kernel/mm/manager"
	"kmem/kernel/mm/pmm"
	"kmem/kernel/mm/vm"
)

func bootManager(t *testing.T) *manager.Manager {
	m, err := manager.Boot(manager.Config{
		Arch: "amd64",
		MemoryMap: []manager.MemoryRegion{
			{Address: 0, Length: 0x400000, Type: "available"},
			{Address: 0x400000, Length: 0x10000, Type: "reserved"},
		},
		KernelImage: manager.KernelImage{
			TextStart: 0x100000, TextEnd: 0x104000,
			DataStart: 0x104000, DataEnd: 0x106000,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func gather(t *testing.T, c prometheus.Collector) map[string]*dto.MetricFamily {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func label(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

func TestCollectorPhysicalMemory(t *testing.T) {
	m := bootManager(t)
	c := NewCollector(m, nil)
	stats := m.Stats()

	require.Equal(t, 4, testutil.CollectAndCount(c, "mm_physical_bytes"))

	families := gather(t, c)
	for _, metric := range families["mm_physical_bytes"].GetMetric() {
		var exp uint64
		switch state := label(metric, "state"); state {
		case "usable":
			exp = stats.UsableBytes
		case "free":
			exp = stats.FreeBytes
		case "used":
			exp = stats.UsedBytes
		case "reserved":
			exp = stats.ReservedBytes
		default:
			t.Fatalf("unexpected state %q", state)
		}
		if got := uint64(metric.GetGauge().GetValue()); got != exp {
			t.Errorf("expected %s bytes to be %d; got %d", label(metric, "state"), exp, got)
		}
	}

	// The free lists account for every free page.
	var freeBytes uint64
	for _, metric := range families["mm_free_blocks"].GetMetric() {
		require.NotEmpty(t, label(metric, "region"))

		order, err := strconv.Atoi(label(metric, "order"))
		require.NoError(t, err)
		require.True(t, order <= pmm.MaxOrder)
		freeBytes += uint64(metric.GetGauge().GetValue()) << uint(order) << mm.PageShift
	}
	require.Equal(t, stats.FreeBytes, freeBytes)
}

func TestCollectorVirtualMemory(t *testing.T) {
	m := bootManager(t)

	space, err := m.NewUserSpace("proc")
	require.NoError(t, err)
	defer func() { require.NoError(t, space.Destroy()) }()

	obj, err := vm.NewAnonymous(m.Context(), 3*mm.PageSize, "heap", true)
	require.NoError(t, err)
	_, err = space.MapObject(obj, mm.ProtRW, mm.VirtualRange{}, 0)
	obj.Release()
	require.NoError(t, err)

	c := NewCollector(m, func() []*vm.Space { return []*vm.Space{space} })

	expected := `
# HELP mm_shared_objects Number of live shared memory objects
# TYPE mm_shared_objects gauge
mm_shared_objects 0
# HELP mm_space_anonymous_bytes Resident private anonymous memory per address space
# TYPE mm_space_anonymous_bytes gauge
mm_space_anonymous_bytes{space="kernel"} 0
mm_space_anonymous_bytes{space="kernel-heap"} 0
mm_space_anonymous_bytes{space="proc"} 12288
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "mm_shared_objects", "mm_space_anonymous_bytes"))

	families := gather(t, c)
	used := make(map[string]float64)
	for _, metric := range families["mm_space_used_bytes"].GetMetric() {
		used[label(metric, "space")] = metric.GetGauge().GetValue()
	}
	require.Equal(t, float64(3*mm.PageSize), used["proc"])
	require.Equal(t, float64(m.KernelSpace().Used()), used["kernel"])
	require.Equal(t, float64(m.Stats().KernelVirtualBytes), families["mm_kernel_virtual_bytes"].GetMetric()[0].GetGauge().GetValue())
}
