// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exports the state of the memory core as prometheus
// metrics.
package metrics

import (
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	logger "github.com/intel/kmem/pkg/log"
	"github.com/intel/kmem/pkg/metrics"

	"github.com/intel/kmem/pkg/kmem/kernel"
	"github.com/intel/kmem/pkg/kmem/memlimits"
)

// CollectorName is the name the collector is registered with.
const CollectorName = "kmem"

var log = logger.NewLogger("kmem-metrics")

// Prometheus Metric descriptor indices and descriptor table
const (
	pfaFreeBlocksDesc = iota
	pfaFreePagesDesc
	pfaTotalPagesDesc
	slabObjectsDesc
	slabSlabsDesc
	vmmapAreasDesc
	kmallocRecordsDesc
	numDescriptors
)

var descriptors = [numDescriptors]*prometheus.Desc{
	pfaFreeBlocksDesc: prometheus.NewDesc(
		"kmem_pfa_free_blocks",
		"Number of free buddy blocks of a given region and order.",
		[]string{"region", "order"}, nil,
	),
	pfaFreePagesDesc: prometheus.NewDesc(
		"kmem_pfa_free_pages",
		"Number of free pages in a given region.",
		[]string{"region"}, nil,
	),
	pfaTotalPagesDesc: prometheus.NewDesc(
		"kmem_pfa_total_pages",
		"Number of pages managed in a given region.",
		[]string{"region"}, nil,
	),
	slabObjectsDesc: prometheus.NewDesc(
		"kmem_slab_objects",
		"Number of active objects and object slots of a given cache.",
		[]string{"cache", "state"}, nil,
	),
	slabSlabsDesc: prometheus.NewDesc(
		"kmem_slab_slabs",
		"Number of slabs on a given list of a given cache.",
		[]string{"cache", "list"}, nil,
	),
	vmmapAreasDesc: prometheus.NewDesc(
		"kmem_vmmap_areas",
		"Number of areas mapped in a given address space.",
		[]string{"space"}, nil,
	),
	kmallocRecordsDesc: prometheus.NewDesc(
		"kmem_kmalloc_records",
		"Number of live kmalloc allocations.",
		nil, nil,
	),
}

type collector struct {
	k      *kernel.Kernel
	locked bool
}

// NewCollector creates a collector for the given kernel. The collector
// takes the kernel lock while collecting.
func NewCollector(k *kernel.Kernel) prometheus.Collector {
	return &collector{k: k}
}

// WriteText writes the current metrics of k in the text exposition format.
// The caller must hold the kernel lock.
func WriteText(w io.Writer, k *kernel.Kernel) error {
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(&collector{k: k, locked: true}); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// Register registers a collector for the given kernel with pkg/metrics.
func Register(k *kernel.Kernel) error {
	return metrics.RegisterCollector(CollectorName, func() (prometheus.Collector, error) {
		return NewCollector(k), nil
	})
}

// Describe implements prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect implements prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if !c.locked {
		c.k.Lock()
		defer c.k.Unlock()
	}

	gauge := func(desc int, value int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(descriptors[desc], prometheus.GaugeValue, float64(value), labels...)
	}

	stats := c.k.PFA.Stats()
	for _, r := range memlimits.Regions {
		rs := stats.Regions[r]
		region := r.String()
		gauge(pfaFreePagesDesc, rs.FreePages, region)
		gauge(pfaTotalPagesDesc, rs.TotalPages, region)
		for order, n := range rs.FreeBlocks {
			gauge(pfaFreeBlocksDesc, n, region, strconv.Itoa(order))
		}
	}

	for _, cs := range c.k.Slab.Stats() {
		gauge(slabObjectsDesc, cs.Active, cs.Name, "active")
		gauge(slabObjectsDesc, cs.Total, cs.Name, "total")
		gauge(slabSlabsDesc, cs.Full, cs.Name, "full")
		gauge(slabSlabsDesc, cs.Partial, cs.Name, "partial")
		gauge(slabSlabsDesc, cs.Empty, cs.Name, "empty")
	}

	for _, as := range c.k.AddressSpaces() {
		gauge(vmmapAreasDesc, as.Map.Len(), strconv.Itoa(as.ID))
	}

	gauge(kmallocRecordsDesc, c.k.Slab.KmallocRecords())

	log.Debug("collected kmem metrics")
}
