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
	"bufio"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/webreactor/reactor/pkg/dns"
	errorx "github.com/webreactor/reactor/pkg/errors"
)

const (
	fallbackNameserver = "8.8.8.8:53"
	localhostName      = "localhost"
)

// systemNameserver returns the first nameserver of a resolv.conf file, or a public fallback.
func systemNameserver(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return fallbackNameserver
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "nameserver" {
			continue
		}
		host := fields[1]
		if i := strings.IndexByte(host, '%'); i >= 0 {
			host = host[:i]
		}
		if net.ParseIP(host) != nil {
			return net.JoinHostPort(host, "53")
		}
	}
	return fallbackNameserver
}

// normalizeDNSServer turns "ip" or "ip:port" into "ip:port", the resolver must be an IP literal.
func normalizeDNSServer(server string) (string, error) {
	if net.ParseIP(server) != nil {
		return net.JoinHostPort(server, "53"), nil
	}
	host, port, err := net.SplitHostPort(server)
	if err != nil || net.ParseIP(host) == nil {
		return "", errors.Wrapf(errorx.ErrInvalidNetworkAddress, "dns server %q", server)
	}
	if _, err = strconv.ParseUint(port, 10, 16); err != nil {
		return "", errors.Wrapf(errorx.ErrInvalidNetworkAddress, "dns server %q", server)
	}
	return net.JoinHostPort(host, port), nil
}

func localhostRecords(qtype dns.Type) []dns.Record {
	rr := dns.Record{Name: localhostName, Type: qtype, Class: 1}
	switch qtype {
	case dns.TypeA:
		rr.Data = "127.0.0.1"
	case dns.TypeAAAA:
		rr.Data = "0:0:0:0:0:0:0:1"
	default:
		return nil
	}
	return []dns.Record{rr}
}

// query is one DNS question in flight: a UDP connection and a timeout timer,
// torn down together when the continuation fires.
type query struct {
	txid  uint16
	conn  ID
	timer ID
	fn    ResolveHandler
	done  bool
}

func (q *query) onRead(l *Loop, id ID, data []byte) error {
	if txid, ok := dns.ID(data); !ok || txid != q.txid {
		// Stray or spoofed reply, keep waiting for the real one or the timeout.
		l.logger.Debugf("dns: ignoring reply %d on %d, waiting for %d", txid, id, q.txid)
		return nil
	}
	resp, err := dns.Parse(data)
	if err != nil {
		l.logger.Warnf("dns: malformed reply on %d: %v", id, err)
		q.finish(l, "malformed", nil)
		return nil
	}
	q.finish(l, "answered", resp.Records)
	return nil
}

func (q *query) onError(l *Loop, id ID, err error) error {
	l.logger.Debugf("dns: query on %d failed: %v", id, err)
	q.finish(l, "error", nil)
	return nil
}

func (q *query) onHangup(l *Loop, _ ID) error {
	q.finish(l, "error", nil)
	return nil
}

func (q *query) onTimeout(l *Loop, _ ID) error {
	q.timer = 0
	q.finish(l, "timeout", nil)
	return nil
}

func (q *query) finish(l *Loop, result string, records []dns.Record) {
	if q.done {
		return
	}
	q.done = true
	l.cancelTimer(q.timer)
	if c, ok := l.conns[q.conn]; ok {
		l.destroy(c)
	}
	dnsQueries.WithLabelValues(result).Inc()
	_ = l.invoke("resolve", q.conn, func() error {
		q.fn(l, records)
		return nil
	})
}

// Resolve sends a recursive query for name to the configured resolver and passes the answers
// of supported types to fn. fn runs exactly once, with no record on timeout or failure.
// "localhost" is answered locally on the next tick.
func (l *Loop) Resolve(name string, qtype dns.Type, fn ResolveHandler) error {
	if l.closed {
		return errorx.ErrLoopClosed
	}
	name = strings.TrimSuffix(name, ".")
	if strings.EqualFold(name, localhostName) {
		records := localhostRecords(qtype)
		l.Timer(0, func(l *Loop, _ ID) error {
			fn(l, records)
			return nil
		})
		return nil
	}

	q := &query{txid: uint16(rand.Uint32()), fn: fn}
	msg, err := dns.BuildQuery(q.txid, name, qtype)
	if err != nil {
		return err
	}
	host, portStr, _ := net.SplitHostPort(l.dnsServer)
	port, _ := strconv.Atoi(portStr)
	q.conn, err = l.Connect(ConnectOptions{
		Address:     host,
		Port:        port,
		Proto:       "udp",
		IdleTimeout: -1,
		Handlers: Handlers{
			OnRead:   q.onRead,
			OnError:  q.onError,
			OnHangup: q.onHangup,
		},
	})
	if err != nil {
		dnsQueries.WithLabelValues("error").Inc()
		return err
	}
	if err = l.Write(q.conn, msg, nil); err != nil {
		l.Drop(q.conn)
		return err
	}
	q.timer = l.Timer(l.opts.DNSTimeout, q.onTimeout)
	return nil
}

// Lookup resolves name to one address: A records first, AAAA as the fallback.
// IP literals and "localhost" are answered without network traffic, on the next tick.
func (l *Loop) Lookup(name string, fn LookupHandler) {
	if net.ParseIP(name) != nil {
		l.Timer(0, func(l *Loop, _ ID) error {
			fn(l, name, nil)
			return nil
		})
		return
	}
	fail := func(err error) {
		l.Timer(0, func(l *Loop, _ ID) error {
			fn(l, "", err)
			return nil
		})
	}
	err := l.Resolve(name, dns.TypeA, func(l *Loop, records []dns.Record) {
		if addr := firstRecord(records, dns.TypeA); addr != "" {
			fn(l, addr, nil)
			return
		}
		err := l.Resolve(name, dns.TypeAAAA, func(l *Loop, records []dns.Record) {
			if addr := firstRecord(records, dns.TypeAAAA); addr != "" {
				fn(l, addr, nil)
				return
			}
			fn(l, "", errors.Wrap(errorx.ErrResolve, name))
		})
		if err != nil {
			fn(l, "", err)
		}
	})
	if err != nil {
		fail(err)
	}
}

func firstRecord(records []dns.Record, typ dns.Type) string {
	for _, rr := range records {
		if rr.Type == typ {
			return rr.Data
		}
	}
	return ""
}
