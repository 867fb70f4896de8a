// Package mmstats exports memory manager statistics as Prometheus metrics.
package mmstats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"kmem/kernel/mm/manager"
	"kmem/kernel/mm/vm"
)

// Prometheus Metric descriptor indices and descriptor table
const (
	physicalBytesDesc = iota
	freeBlocksDesc
	kernelVirtualDesc
	sharedObjectsDesc
	spaceUsedDesc
	spaceAnonymousDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	physicalBytesDesc: prometheus.NewDesc(
		"mm_physical_bytes",
		"Physical memory in bytes by state",
		[]string{"state"}, nil,
	),
	freeBlocksDesc: prometheus.NewDesc(
		"mm_free_blocks",
		"Free buddy blocks per physical region and order",
		[]string{"region", "order"}, nil,
	),
	kernelVirtualDesc: prometheus.NewDesc(
		"mm_kernel_virtual_bytes",
		"Virtual memory in use by the kernel and kernel heap spaces",
		nil, nil,
	),
	sharedObjectsDesc: prometheus.NewDesc(
		"mm_shared_objects",
		"Number of live shared memory objects",
		nil, nil,
	),
	spaceUsedDesc: prometheus.NewDesc(
		"mm_space_used_bytes",
		"Virtual memory in use per address space",
		[]string{"space"}, nil,
	),
	spaceAnonymousDesc: prometheus.NewDesc(
		"mm_space_anonymous_bytes",
		"Resident private anonymous memory per address space",
		[]string{"space"}, nil,
	),
}

// SpaceLister returns the address spaces whose usage is exported in
// addition to the kernel spaces.
type SpaceLister func() []*vm.Space

type collector struct {
	m      *manager.Manager
	spaces SpaceLister
}

// NewCollector creates a collector for m. spaces may be nil.
func NewCollector(m *manager.Manager, spaces SpaceLister) prometheus.Collector {
	return &collector{m: m, spaces: spaces}
}

// Describe implements prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.m.Stats()

	for _, s := range []struct {
		state string
		value uint64
	}{
		{"usable", stats.UsableBytes},
		{"free", stats.FreeBytes},
		{"used", stats.UsedBytes},
		{"reserved", stats.ReservedBytes},
	} {
		ch <- prometheus.MustNewConstMetric(
			descriptors[physicalBytesDesc],
			prometheus.GaugeValue,
			float64(s.value),
			s.state,
		)
	}

	for _, r := range c.m.Allocator().Regions() {
		if r.Reserved() {
			continue
		}

		region := "0x" + strconv.FormatUint(uint64(r.StartFrame().Address()), 16)
		for order, n := range r.FreelistLens() {
			ch <- prometheus.MustNewConstMetric(
				descriptors[freeBlocksDesc],
				prometheus.GaugeValue,
				float64(n),
				region, strconv.Itoa(order),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(descriptors[kernelVirtualDesc], prometheus.GaugeValue, float64(stats.KernelVirtualBytes))
	ch <- prometheus.MustNewConstMetric(descriptors[sharedObjectsDesc], prometheus.GaugeValue, float64(stats.SharedObjects))

	spaces := []*vm.Space{c.m.KernelSpace(), c.m.HeapSpace()}
	if c.spaces != nil {
		spaces = append(spaces, c.spaces()...)
	}
	for _, s := range spaces {
		ch <- prometheus.MustNewConstMetric(descriptors[spaceUsedDesc], prometheus.GaugeValue, float64(s.Used()), s.Name())
		ch <- prometheus.MustNewConstMetric(descriptors[spaceAnonymousDesc], prometheus.GaugeValue, float64(s.RegularAnonymousTotal()), s.Name())
	}
}
