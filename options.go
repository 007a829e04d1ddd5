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
//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package reactor

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/webreactor/reactor/pkg/logging"
	"github.com/webreactor/reactor/pkg/netpoll"
	"github.com/webreactor/reactor/pkg/socket"
)

const (
	// DefaultTickTimeout bounds a single poll when Run drives the loop.
	DefaultTickTimeout = 10 * time.Millisecond
	// DefaultMaxConnections is the connection ceiling above which listeners stop accepting.
	DefaultMaxConnections = 10240
	// DefaultIdleTimeout hangs up connections without traffic for that long.
	DefaultIdleTimeout = 60 * time.Second
	// DefaultReadBufferCap is the most a single read hands to a ReadHandler.
	DefaultReadBufferCap = 64 * 1024
	// DefaultDNSTimeout bounds a DNS query.
	DefaultDNSTimeout = 5 * time.Second
)

// Environment knobs applied by New before the explicit options.
const (
	EnvPoller      = "REACTOR_POLLER"
	EnvDNSServer   = "REACTOR_DNS_SERVER"
	EnvDisableTLS  = "REACTOR_DISABLE_TLS"
	EnvTempDir     = "REACTOR_TMPDIR"
	EnvInheritFDs  = "REACTOR_INHERIT_FDS"
	resolvConfPath = "/etc/resolv.conf"
)

// Option is a function that will set up option.
type Option func(opts *Options)

func initOptions(options ...Option) (*Options, error) {
	opts := &Options{
		TickTimeout:    DefaultTickTimeout,
		MaxConnections: DefaultMaxConnections,
		IdleTimeout:    DefaultIdleTimeout,
		ReadBufferCap:  DefaultReadBufferCap,
		DNSTimeout:     DefaultDNSTimeout,
		TempDir:        os.TempDir(),
	}
	env, err := OptionsFromEnv()
	if err != nil {
		return nil, err
	}
	for _, option := range env {
		option(opts)
	}
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.DNSServer == "" {
		opts.DNSServer = systemNameserver(resolvConfPath)
	}
	if opts.ReadBufferCap <= 0 {
		opts.ReadBufferCap = DefaultReadBufferCap
	}
	return opts, nil
}

// Options are set when the loop is created.
type Options struct {
	// TickTimeout bounds every poll issued by Run.
	TickTimeout time.Duration

	// MaxConnections is the ceiling on live connections, listeners are unregistered while it is reached.
	// Setting it to 0 makes Run return once no connection is left.
	MaxConnections int

	// IdleTimeout hangs up connections without traffic, 0 disables it.
	IdleTimeout time.Duration

	// ReadBufferCap is the size of the buffer a single read fills.
	ReadBufferCap int

	// Logger is the customized logger for logging info, if it is not set,
	// then the default logger from pkg/logging is used.
	Logger logging.Logger

	// PollerBackend forces a poller backend, the best available one is probed otherwise.
	PollerBackend netpoll.Backend

	// DNSServer is the "ip[:port]" of the recursive resolver queried by Resolve and Lookup.
	DNSServer string

	// DNSTimeout bounds a single DNS query.
	DNSTimeout time.Duration

	// DisableTLS makes every TLS request fail with ErrTLSDisabled.
	DisableTLS bool

	// TempDir receives the generated self-signed certificate and key.
	TempDir string

	// InheritedFDs maps a port to a listening descriptor handed over by a parent process.
	InheritedFDs map[int]int

	// Lock and Unlock implement cross-process admission on shared listeners.
	Lock   LockHandler
	Unlock UnlockHandler
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithTickTimeout sets up the poll timeout of every tick issued by Run.
func WithTickTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.TickTimeout = d
	}
}

// WithMaxConnections sets up the connection ceiling.
func WithMaxConnections(n int) Option {
	return func(opts *Options) {
		opts.MaxConnections = n
	}
}

// WithIdleTimeout sets up the default idle timeout of connections.
func WithIdleTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.IdleTimeout = d
	}
}

// WithReadBufferCap sets up the size of the read buffer.
func WithReadBufferCap(n int) Option {
	return func(opts *Options) {
		opts.ReadBufferCap = n
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithPollerBackend forces a poller backend.
func WithPollerBackend(backend netpoll.Backend) Option {
	return func(opts *Options) {
		opts.PollerBackend = backend
	}
}

// WithDNSServer sets up the resolver address.
func WithDNSServer(server string) Option {
	return func(opts *Options) {
		opts.DNSServer = server
	}
}

// WithDNSTimeout sets up the DNS query timeout.
func WithDNSTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.DNSTimeout = d
	}
}

// WithDisableTLS turns TLS support off.
func WithDisableTLS(disable bool) Option {
	return func(opts *Options) {
		opts.DisableTLS = disable
	}
}

// WithTempDir sets up the directory receiving the generated certificate.
func WithTempDir(dir string) Option {
	return func(opts *Options) {
		opts.TempDir = dir
	}
}

// WithInheritedFDs sets up the port to descriptor mapping of inherited listeners.
func WithInheritedFDs(fds map[int]int) Option {
	return func(opts *Options) {
		opts.InheritedFDs = fds
	}
}

// WithLockHooks sets up the admission lock.
func WithLockHooks(lock LockHandler, unlock UnlockHandler) Option {
	return func(opts *Options) {
		opts.Lock = lock
		opts.Unlock = unlock
	}
}

// OptionsFromEnv translates the REACTOR_* environment knobs into options.
func OptionsFromEnv() ([]Option, error) {
	var options []Option
	if v := os.Getenv(EnvPoller); v != "" {
		backend, err := netpoll.ParseBackend(v)
		if err != nil {
			return nil, errors.Wrapf(err, "%s=%q", EnvPoller, v)
		}
		options = append(options, WithPollerBackend(backend))
	}
	if v := os.Getenv(EnvDNSServer); v != "" {
		options = append(options, WithDNSServer(v))
	}
	if v := os.Getenv(EnvDisableTLS); v != "" {
		disable, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrapf(err, "%s=%q", EnvDisableTLS, v)
		}
		options = append(options, WithDisableTLS(disable))
	}
	if v := os.Getenv(EnvTempDir); v != "" {
		options = append(options, WithTempDir(v))
	}
	if v := os.Getenv(EnvInheritFDs); v != "" {
		fds, err := socket.ParseInheritedFDs(v)
		if err != nil {
			return nil, errors.Wrapf(err, "%s=%q", EnvInheritFDs, v)
		}
		options = append(options, WithInheritedFDs(fds))
	}
	return options, nil
}

// Config is the file form of Options, zero fields keep their defaults.
type Config struct {
	// nil keeps the default, 0 means a non-blocking poll, the graceful stop and no idle
	// hangup respectively.
	TickTimeout    *time.Duration `config:"tick_timeout"`
	MaxConnections *int           `config:"max_connections"`
	IdleTimeout    *time.Duration `config:"idle_timeout"`
	ReadBufferCap  int            `config:"read_buffer_cap"`
	Poller         string         `config:"poller"`
	DNSServer      string         `config:"dns_server"`
	DNSTimeout     time.Duration  `config:"dns_timeout"`
	DisableTLS     bool           `config:"disable_tls"`
	TempDir        string         `config:"temp_dir"`
	InheritFDs     string         `config:"inherit_fds"`
}

// Options converts c into options.
func (c Config) Options() ([]Option, error) {
	var options []Option
	if c.TickTimeout != nil {
		options = append(options, WithTickTimeout(*c.TickTimeout))
	}
	if c.MaxConnections != nil {
		if *c.MaxConnections < 0 {
			return nil, errors.Errorf("max_connections: negative value %d", *c.MaxConnections)
		}
		options = append(options, WithMaxConnections(*c.MaxConnections))
	}
	if c.IdleTimeout != nil {
		options = append(options, WithIdleTimeout(*c.IdleTimeout))
	}
	if c.ReadBufferCap > 0 {
		options = append(options, WithReadBufferCap(c.ReadBufferCap))
	}
	if c.Poller != "" {
		backend, err := netpoll.ParseBackend(c.Poller)
		if err != nil {
			return nil, errors.Wrap(err, "poller")
		}
		options = append(options, WithPollerBackend(backend))
	}
	if c.DNSServer != "" {
		options = append(options, WithDNSServer(c.DNSServer))
	}
	if c.DNSTimeout > 0 {
		options = append(options, WithDNSTimeout(c.DNSTimeout))
	}
	if c.DisableTLS {
		options = append(options, WithDisableTLS(true))
	}
	if c.TempDir != "" {
		options = append(options, WithTempDir(c.TempDir))
	}
	if c.InheritFDs != "" {
		fds, err := socket.ParseInheritedFDs(c.InheritFDs)
		if err != nil {
			return nil, errors.Wrap(err, "inherit_fds")
		}
		options = append(options, WithInheritedFDs(fds))
	}
	return options, nil
}
