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

package metrics

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/intel/kmem/pkg/metrics"

	"github.com/intel/kmem/pkg/kmem/kernel"
	"github.com/intel/kmem/pkg/kmem/mem"
	"github.com/intel/kmem/pkg/kmem/memlimits"
	"github.com/intel/kmem/pkg/kmem/vmmap"
)

func setup(t *testing.T) *kernel.Kernel {
	k, err := kernel.Boot(kernel.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })

	as := k.NewAddressSpace()
	obj := k.NewObject(4*mem.PageSize, vmmap.ProtRead)
	require.NoError(t, as.Map.MapObjectAt(obj, 0, 0x10000, mem.PageSize))
	require.NoError(t, as.Map.MapObjectAt(obj, 0, 0x20000, mem.PageSize))
	obj.Release()

	for i := 0; i < 3; i++ {
		require.NotZero(t, k.Slab.Kmalloc(100, 0))
	}

	return k
}

// value returns the value of the gauge with the given name and labels.
func value(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if len(m.GetLabel()) != len(labels) {
				continue
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("no metric %s with labels %v", name, labels)
	return 0
}

func TestCollector(t *testing.T) {
	k := setup(t)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(k)))
	families, err := reg.Gather()
	require.NoError(t, err)

	require.Equal(t, 3.0, value(t, families, "kmem_kmalloc_records", nil))
	require.Equal(t, 2.0, value(t, families, "kmem_vmmap_areas", map[string]string{"space": "0"}))
	require.Equal(t, 2.0, value(t, families, "kmem_slab_objects",
		map[string]string{"cache": kernel.AreaCacheName, "state": "active"}))
	require.Equal(t, 1.0, value(t, families, "kmem_slab_slabs",
		map[string]string{"cache": "kmalloc-128", "list": "partial"}))
	require.Equal(t, 0.0, value(t, families, "kmem_slab_slabs",
		map[string]string{"cache": "kmalloc-8192", "list": "full"}))

	stats := k.PFA.Stats()
	for _, r := range memlimits.Regions {
		rs := stats.Regions[r]
		require.Equal(t, float64(rs.FreePages), value(t, families, "kmem_pfa_free_pages",
			map[string]string{"region": r.String()}))
		require.Equal(t, float64(rs.TotalPages), value(t, families, "kmem_pfa_total_pages",
			map[string]string{"region": r.String()}))
		require.Equal(t, float64(rs.FreeBlocks[10]), value(t, families, "kmem_pfa_free_blocks",
			map[string]string{"region": r.String(), "order": "10"}))
	}
}

func TestWriteText(t *testing.T) {
	k := setup(t)

	buf := &bytes.Buffer{}
	k.Lock()
	require.NoError(t, WriteText(buf, k))
	k.Unlock()

	require.Contains(t, buf.String(), "# TYPE kmem_pfa_free_pages gauge")
	require.Contains(t, buf.String(), "kmem_kmalloc_records 3")
	require.Contains(t, buf.String(), `kmem_vmmap_areas{space="0"} 2`)
}

func TestRegister(t *testing.T) {
	k := setup(t)

	require.NoError(t, Register(k))
	require.Error(t, Register(k))

	g, err := metrics.NewMetricGatherer()
	require.NoError(t, err)
	families, err := g.Gather()
	require.NoError(t, err)
	require.Equal(t, 3.0, value(t, families, "kmem_kmalloc_records", nil))
}
