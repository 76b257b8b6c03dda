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
	"net"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// Server is an HTTP server with a replaceable set of handlers.
type Server struct {
	sync.RWMutex
	server   *http.Server
	handlers map[string]http.Handler
	mux      *http.ServeMux
}

// NewServer creates a new server instance.
func NewServer() *Server {
	return &Server{
		handlers: map[string]http.Handler{},
		mux:      http.NewServeMux(),
	}
}

// Handle registers a handler for the given pattern, replacing any
// previously registered one.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.Lock()
	defer s.Unlock()

	log.Debug("registering handler for %q", pattern)

	s.handlers[pattern] = handler
	s.rebuild()
}

// Unregister removes the handler for the given pattern.
func (s *Server) Unregister(pattern string) bool {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.handlers[pattern]; !ok {
		return false
	}
	delete(s.handlers, pattern)
	s.rebuild()

	return true
}

func (s *Server) rebuild() {
	s.mux = http.NewServeMux()
	for pattern, handler := range s.handlers {
		s.mux.Handle(pattern, handler)
	}
}

// ServeHTTP serves an HTTP request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.RLock()
	mux := s.mux
	s.RUnlock()

	log.Debug("serving %s", r.URL)
	mux.ServeHTTP(w, r)
}

// GetAddress returns the address the server listens on.
func (s *Server) GetAddress() string {
	s.RLock()
	defer s.RUnlock()

	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Start starts serving on the given address. An empty address disables
// the server.
func (s *Server) Start(addr string) error {
	if addr == "" {
		log.Info("HTTP server is disabled")
		return nil
	}

	s.Lock()
	defer s.Unlock()

	if s.server != nil {
		return errors.Errorf("HTTP server already running on %s", s.server.Addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "can't listen on HTTP address %q", addr)
	}

	// Autobound ports are reported with the real address.
	s.server = &http.Server{Addr: ln.Addr().String(), Handler: s}
	go s.server.Serve(ln)

	log.Info("HTTP server listening on %s", s.server.Addr)

	return nil
}

// Stop closes the server immediately.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()

	if s.server == nil {
		return
	}

	log.Info("stopping HTTP server")
	s.server.Close()
	s.server = nil
}
