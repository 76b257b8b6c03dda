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
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterCollector(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_events_total",
		Help: "Number of test events.",
	})
	counter.Add(3)

	require.NoError(t, RegisterCollector("test", func() (prometheus.Collector, error) {
		return counter, nil
	}))
	require.Error(t, RegisterCollector("test", nil), "duplicate name")
	require.NoError(t, RegisterCollector("broken", func() (prometheus.Collector, error) {
		return nil, fmt.Errorf("no data source")
	}))

	g, err := NewMetricGatherer()
	require.NoError(t, err)
	families, err := g.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Equal(t, "test_events_total", families[0].GetName())
	require.Equal(t, 3.0, families[0].GetMetric()[0].GetCounter().GetValue())

	g, err = NewMetricGatherer()
	require.NoError(t, err)
	families, err = g.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1, "collectors are initialized once")
}
