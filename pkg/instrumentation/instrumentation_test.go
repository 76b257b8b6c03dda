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

package instrumentation

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/intel/kmem/pkg/config"
)

func get(t *testing.T, url string) (int, string) {
	rsp, err := http.Get(url)
	require.NoError(t, err)
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	require.NoError(t, err)
	return rsp.StatusCode, string(body)
}

func TestMetricsExport(t *testing.T) {
	t.Cleanup(config.Reset)

	reg := prometheus.NewPedanticRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "A test gauge."})
	reg.MustRegister(gauge)
	gauge.Set(42)

	require.NoError(t, config.SetYAML([]byte("instrumentation:\n  HTTPEndpoint: 127.0.0.1:0\n")))

	s := NewService(reg)
	require.NoError(t, s.Start())
	addr := s.Address()
	require.NotEmpty(t, addr)
	require.Error(t, s.Start(), "already running")

	code, body := get(t, "http://"+addr+MetricsPath)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "test_gauge 42")
	s.Stop()
	require.Empty(t, s.Address())

	require.NoError(t, config.SetYAML([]byte("instrumentation:\n  HTTPEndpoint: 127.0.0.1:0\n  PrometheusExport: false\n")))
	require.NoError(t, s.Start())
	code, _ = get(t, "http://"+s.Address()+MetricsPath)
	require.Equal(t, http.StatusNotFound, code)
	s.Stop()
}

func TestDisabled(t *testing.T) {
	t.Cleanup(config.Reset)
	config.Reset()

	s := NewService(prometheus.NewRegistry())
	require.NoError(t, s.Start())
	require.Empty(t, s.Address())
	s.Stop()

	SetHTTPEndpoint("127.0.0.1:0")
	require.NoError(t, s.Start())
	require.NotEmpty(t, s.Address())
	s.Stop()
}
