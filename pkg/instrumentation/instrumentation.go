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

// Package instrumentation exports metrics over HTTP.
package instrumentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intel/kmem/pkg/config"
	logger "github.com/intel/kmem/pkg/log"
)

const (
	// MetricsPath is where Prometheus metrics are served.
	MetricsPath = "/metrics"
	// defaultHTTPEndpoint is the default HTTP endpoint, empty for disabled.
	defaultHTTPEndpoint = ""
)

var log logger.Logger = logger.NewLogger("instrumentation")

// options are the configurable instrumentation parameters.
type options struct {
	// HTTPEndpoint is the address of the HTTP server.
	HTTPEndpoint string
	// PrometheusExport enables serving metrics for Prometheus.
	PrometheusExport bool
}

var opt = &options{}

func (o *options) Reset() {
	*o = options{
		HTTPEndpoint:     defaultHTTPEndpoint,
		PrometheusExport: true,
	}
}

func (o *options) Describe() string {
	return `Instrumentation.

HTTPEndpoint is the address of the HTTP server, for instance ':8891'. An
empty endpoint disables the server. PrometheusExport serves metrics at
` + MetricsPath + ` for Prometheus.
`
}

// SetHTTPEndpoint overrides the configured HTTP endpoint.
func SetHTTPEndpoint(addr string) {
	opt.HTTPEndpoint = addr
}

// Service serves metrics collected by a gatherer.
type Service struct {
	http     *Server
	gatherer prometheus.Gatherer
}

// NewService creates a service exporting the metrics of the gatherer.
func NewService(gatherer prometheus.Gatherer) *Service {
	return &Service{
		http:     NewServer(),
		gatherer: gatherer,
	}
}

// Start starts the service with the current configuration.
func (s *Service) Start() error {
	if opt.PrometheusExport {
		s.http.Handle(MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorHandling: promhttp.ContinueOnError,
		}))
	} else {
		s.http.Unregister(MetricsPath)
	}
	return s.http.Start(opt.HTTPEndpoint)
}

// Address returns the address of the HTTP server, empty if disabled.
func (s *Service) Address() string {
	return s.http.GetAddress()
}

// Stop stops the service.
func (s *Service) Stop() {
	s.http.Stop()
}

func init() {
	opt.Reset()
	config.MustRegister("instrumentation", opt)
}
