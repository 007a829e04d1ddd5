// Copyright (c) 2020 The Reactor Authors. All rights reserved.
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

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webreactor/reactor/pkg/confengine"
	"github.com/webreactor/reactor/pkg/logging"
)

type serverConfig struct {
	Enabled bool          `config:"enabled"`
	Address string        `config:"address"`
	Pprof   bool          `config:"pprof"`
	Timeout time.Duration `config:"timeout"`
}

// metricsServer exposes the prometheus metrics and, optionally, the pprof endpoints.
type metricsServer struct {
	config serverConfig
	router *mux.Router
	server *http.Server
}

// newMetricsServer returns nil when the server section is disabled, callers check it first.
func newMetricsServer(conf *confengine.Config) (*metricsServer, error) {
	config := serverConfig{Address: "127.0.0.1:9090", Timeout: 30 * time.Second}
	if err := conf.UnpackChild("server", &config); err != nil {
		return nil, err
	}
	if !config.Enabled {
		return nil, nil
	}

	router := mux.NewRouter()
	s := &metricsServer{
		config: config,
		router: router,
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
		},
	}
	s.registerGetRoute("/metrics", promhttp.Handler().ServeHTTP)
	if config.Pprof {
		s.registerPprofRoutes()
	}
	return s, nil
}

func (s *metricsServer) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	logging.Infof("metrics server listening on %s", l.Addr())
	if err = s.server.Serve(l); errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *metricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *metricsServer) registerGetRoute(path string, f http.HandlerFunc) {
	s.router.Methods(http.MethodGet).Path(path).HandlerFunc(f)
}

func (s *metricsServer) registerPprofRoutes() {
	s.registerGetRoute("/debug/pprof/cmdline", pprof.Cmdline)
	s.registerGetRoute("/debug/pprof/profile", pprof.Profile)
	s.registerGetRoute("/debug/pprof/symbol", pprof.Symbol)
	s.registerGetRoute("/debug/pprof/trace", pprof.Trace)
	s.registerGetRoute("/debug/pprof/{other}", pprof.Index)
}
