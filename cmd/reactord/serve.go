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
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/webreactor/reactor"
	"github.com/webreactor/reactor/internal/sigs"
	"github.com/webreactor/reactor/pkg/confengine"
	"github.com/webreactor/reactor/pkg/logging"
)

type logConfig struct {
	File  string `config:"file"`
	Level string `config:"level"`
}

type echoConfig struct {
	Address          string        `config:"address"`
	Port             int           `config:"port"`
	File             string        `config:"file"`
	ReusePort        bool          `config:"reuse_port"`
	KeepAlive        bool          `config:"keep_alive"`
	TLS              bool          `config:"tls"`
	CertFile         string        `config:"cert_file"`
	KeyFile          string        `config:"key_file"`
	HandshakeTimeout time.Duration `config:"handshake_timeout"`
	IdleTimeout      time.Duration `config:"idle_timeout"`
}

type serveConfig struct {
	Loop    reactor.Config `config:"loop"`
	Logging logConfig      `config:"logging"`
	Echo    []echoConfig   `config:"echo"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the configured echo listeners on an event-loop",
	Run: func(cmd *cobra.Command, args []string) {
		if err := serve(configPath); err != nil {
			fmt.Fprintf(os.Stderr, "reactord: %v\n", err)
			os.Exit(1)
		}
	},
}

var configPath string

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "reactord.yaml", "Configuration file path")
	rootCmd.AddCommand(serveCmd)
}

func loadServeConfig(conf *confengine.Config) (serveConfig, error) {
	var cfg serveConfig
	if err := conf.Unpack(&cfg); err != nil {
		return cfg, errors.Wrap(err, "unpack config")
	}
	if len(cfg.Echo) == 0 {
		return cfg, errors.New("no echo listener configured")
	}
	return cfg, nil
}

// setupLogging switches the default logger to a rotated file when one is configured.
func setupLogging(cfg logConfig) error {
	if cfg.File == "" && cfg.Level == "" {
		return nil
	}
	level := logging.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = logging.ParseLevel(cfg.Level); err != nil {
			return errors.Wrapf(err, "logging level %q", cfg.Level)
		}
	}
	if cfg.File == "" {
		logging.SetDefaultLoggerAndFlusher(logging.CreateConsoleLogger(level))
		return nil
	}
	logger, flush, err := logging.CreateLoggerAsLocalFile(cfg.File, level)
	if err != nil {
		return err
	}
	logging.SetDefaultLoggerAndFlusher(logger, flush)
	return nil
}

func newLoop(cfg reactor.Config) (*reactor.Loop, error) {
	options, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	options = append(options, reactor.WithLogger(logging.GetDefaultLogger()))
	return reactor.New(options...)
}

func echoRead(l *reactor.Loop, id reactor.ID, data []byte) error {
	return l.Write(id, data, nil)
}

func echoAccept(_ *reactor.Loop, id reactor.ID, listener reactor.ID) error {
	logging.Debugf("connection %d accepted by listener %d", id, listener)
	return nil
}

func echoError(_ *reactor.Loop, id reactor.ID, err error) error {
	logging.Warnf("connection %d failed: %v", id, err)
	return nil
}

func startEcho(l *reactor.Loop, cfg echoConfig) (reactor.ID, error) {
	id, err := l.Listen(reactor.ListenOptions{
		Address:          cfg.Address,
		Port:             cfg.Port,
		File:             cfg.File,
		ReusePort:        cfg.ReusePort,
		KeepAlive:        cfg.KeepAlive,
		TLS:              cfg.TLS,
		CertFile:         cfg.CertFile,
		KeyFile:          cfg.KeyFile,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		Handlers: reactor.Handlers{
			OnAccept: echoAccept,
			OnRead:   echoRead,
			OnError:  echoError,
		},
	})
	if err != nil {
		return 0, err
	}
	if info, ok := l.Info(id); ok {
		logging.Infof("echo listener %d on %s (tls=%v)", id, info.LocalAddr, info.TLS)
	}
	return id, nil
}

func serve(path string) error {
	conf, err := confengine.LoadConfigPath(path)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	cfg, err := loadServeConfig(conf)
	if err != nil {
		return err
	}
	if err = setupLogging(cfg.Logging); err != nil {
		return err
	}
	defer logging.Cleanup()

	l, err := newLoop(cfg.Loop)
	if err != nil {
		return err
	}
	defer l.Close() //nolint:errcheck
	for _, e := range cfg.Echo {
		if _, err = startEcho(l, e); err != nil {
			return err
		}
	}
	srv, err := newMetricsServer(conf)
	if err != nil {
		return err
	}

	var reload atomic.Bool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return l.Run()
	})
	g.Go(func() error {
		term, hup := sigs.Terminate(), sigs.Reload()
		defer sigs.Stop(term)
		defer sigs.Stop(hup)
		select {
		case sig := <-term:
			logging.Infof("received %v, stopping", sig)
		case <-hup:
			logging.Infof("received SIGHUP, handing the listeners over to a new process")
			reload.Store(true)
		case <-ctx.Done():
		}
		l.Stop()
		return nil
	})
	if srv != nil {
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	if reload.Load() {
		return reexec(l)
	}
	return nil
}

// reexec replaces the process with a fresh copy of itself that adopts the listening sockets.
func reexec(l *reactor.Loop) error {
	exported, err := l.ExportListeners()
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	env := append(os.Environ(), reactor.EnvInheritFDs+"="+exported)
	logging.Infof("re-executing %s with %s=%s", exe, reactor.EnvInheritFDs, exported)
	logging.Cleanup()
	return os.NewSyscallError("execve", unix.Exec(exe, os.Args, env))
}
