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
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/webreactor/reactor/pkg/dns"
	errorx "github.com/webreactor/reactor/pkg/errors"
)

// fakeResolver answers every query with the packets handle builds for it.
func fakeResolver(t *testing.T, handle func(q dnsmessage.Message) [][]byte) (addr string, queries *atomic.Int32) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	queries = new(atomic.Int32)
	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			var m dnsmessage.Message
			if err = m.Unpack(buf[:n]); err != nil || len(m.Questions) != 1 {
				continue
			}
			queries.Add(1)
			for _, reply := range handle(m) {
				_, _ = pc.WriteTo(reply, from)
			}
		}
	}()
	return pc.LocalAddr().String(), queries
}

// reply builds a response to q with id, answering A questions with a and AAAA questions with aaaa.
func reply(q dnsmessage.Message, id uint16, a *[4]byte, aaaa *[16]byte) []byte {
	b := dnsmessage.NewBuilder(nil, dnsmessage.Header{ID: id, Response: true, RecursionDesired: true, RecursionAvailable: true})
	b.EnableCompression()
	_ = b.StartQuestions()
	_ = b.Question(q.Questions[0])
	_ = b.StartAnswers()
	hdr := dnsmessage.ResourceHeader{Name: q.Questions[0].Name, Class: dnsmessage.ClassINET, TTL: 300}
	switch {
	case q.Questions[0].Type == dnsmessage.TypeA && a != nil:
		_ = b.AResource(hdr, dnsmessage.AResource{A: *a})
	case q.Questions[0].Type == dnsmessage.TypeAAAA && aaaa != nil:
		_ = b.AAAAResource(hdr, dnsmessage.AAAAResource{AAAA: *aaaa})
	}
	msg, _ := b.Finish()
	return msg
}

func TestResolveLocalhostWithoutTraffic(t *testing.T) {
	l := newTestLoop(t)
	var got []dns.Record
	calls := 0
	require.NoError(t, l.Resolve("localhost", dns.TypeA, func(_ *Loop, records []dns.Record) {
		calls++
		got = records
	}))
	assert.Zero(t, l.CountConnections())
	assert.Empty(t, l.conns)

	require.NoError(t, l.OneTick(0))
	require.Equal(t, 1, calls)
	require.Len(t, got, 1)
	assert.Equal(t, "127.0.0.1", got[0].Data)
	assert.Equal(t, dns.TypeA, got[0].Type)

	require.NoError(t, l.Resolve("LOCALHOST.", dns.TypeMX, func(_ *Loop, records []dns.Record) {
		calls++
		got = records
	}))
	require.NoError(t, l.OneTick(0))
	assert.Equal(t, 2, calls)
	assert.Empty(t, got)
}

func TestResolveIgnoresMismatchedReply(t *testing.T) {
	addr, queries := fakeResolver(t, func(q dnsmessage.Message) [][]byte {
		ip := [4]byte{10, 1, 2, 3}
		return [][]byte{
			reply(q, q.Header.ID+1, &[4]byte{6, 6, 6, 6}, nil),
			reply(q, q.Header.ID, &ip, nil),
		}
	})
	l := newTestLoop(t, WithDNSServer(addr))

	var got []dns.Record
	calls := 0
	require.NoError(t, l.Resolve("example.com", dns.TypeA, func(_ *Loop, records []dns.Record) {
		calls++
		got = records
	}))
	assert.Equal(t, 1, l.CountConnections())

	runUntil(t, l, func() bool { return calls > 0 })
	tick(t, l, 3)
	assert.Equal(t, 1, calls)
	require.Len(t, got, 1)
	assert.Equal(t, "10.1.2.3", got[0].Data)
	assert.Equal(t, "example.com", got[0].Name)
	assert.Equal(t, uint32(300), got[0].TTL)
	assert.Equal(t, int32(1), queries.Load())
	assert.Zero(t, l.CountConnections())
	assert.Empty(t, l.timerByID)
}

func TestResolveTimesOutWithEmptyResult(t *testing.T) {
	addr, _ := fakeResolver(t, func(q dnsmessage.Message) [][]byte {
		return [][]byte{reply(q, q.Header.ID^0xffff, &[4]byte{6, 6, 6, 6}, nil)}
	})
	l := newTestLoop(t, WithDNSServer(addr), WithDNSTimeout(100*time.Millisecond))

	var got []dns.Record
	calls := 0
	start := time.Now()
	require.NoError(t, l.Resolve("example.com", dns.TypeA, func(_ *Loop, records []dns.Record) {
		calls++
		got = records
	}))
	runUntil(t, l, func() bool { return calls > 0 })
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	tick(t, l, 3)
	assert.Equal(t, 1, calls)
	assert.Empty(t, got)
	assert.Zero(t, l.CountConnections())
}

func TestResolveMalformedReplyGivesEmptyResult(t *testing.T) {
	addr, _ := fakeResolver(t, func(q dnsmessage.Message) [][]byte {
		full := reply(q, q.Header.ID, &[4]byte{1, 2, 3, 4}, nil)
		return [][]byte{full[:len(full)-2]}
	})
	l := newTestLoop(t, WithDNSServer(addr))

	calls := 0
	var got []dns.Record
	require.NoError(t, l.Resolve("example.com", dns.TypeA, func(_ *Loop, records []dns.Record) {
		calls++
		got = records
	}))
	runUntil(t, l, func() bool { return calls > 0 })
	assert.Empty(t, got)
	assert.Zero(t, l.CountConnections())
}

func TestResolveRejectsInvalidName(t *testing.T) {
	l := newTestLoop(t)
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	err := l.Resolve(string(long)+".com", dns.TypeA, func(_ *Loop, _ []dns.Record) {})
	assert.Error(t, err)
	assert.Zero(t, l.CountConnections())
}

func TestLookupFallsBackToAAAA(t *testing.T) {
	addr, queries := fakeResolver(t, func(q dnsmessage.Message) [][]byte {
		ip := [16]byte{0xfd, 0x00, 15: 1}
		return [][]byte{reply(q, q.Header.ID, nil, &ip)}
	})
	l := newTestLoop(t, WithDNSServer(addr))

	var (
		gotAddr string
		gotErr  error
		calls   int
	)
	l.Lookup("v6only.example", func(_ *Loop, addr string, err error) {
		calls++
		gotAddr, gotErr = addr, err
	})
	runUntil(t, l, func() bool { return calls > 0 })
	require.NoError(t, gotErr)
	assert.Equal(t, "fd00:0:0:0:0:0:0:1", gotAddr)
	assert.Equal(t, int32(2), queries.Load())
	assert.Equal(t, 1, calls)
}

func TestLookupFailsWithoutAnswers(t *testing.T) {
	addr, _ := fakeResolver(t, func(q dnsmessage.Message) [][]byte {
		return [][]byte{reply(q, q.Header.ID, nil, nil)}
	})
	l := newTestLoop(t, WithDNSServer(addr))

	var gotErr error
	l.Lookup("nowhere.example", func(_ *Loop, _ string, err error) {
		gotErr = err
	})
	runUntil(t, l, func() bool { return gotErr != nil })
	assert.ErrorIs(t, gotErr, errorx.ErrResolve)
}

func TestLookupLiteralAndLocalhost(t *testing.T) {
	l := newTestLoop(t)
	got := map[string]string{}
	for _, name := range []string{"192.0.2.7", "::1", "localhost"} {
		l.Lookup(name, func(_ *Loop, addr string, err error) {
			assert.NoError(t, err)
			got[name] = addr
		})
	}
	assert.Empty(t, got)
	assert.Zero(t, l.CountConnections())
	require.NoError(t, l.OneTick(0))
	assert.Equal(t, map[string]string{"192.0.2.7": "192.0.2.7", "::1": "::1", "localhost": "127.0.0.1"}, got)
}

func TestConnectByHostName(t *testing.T) {
	addr, _ := fakeResolver(t, func(q dnsmessage.Message) [][]byte {
		return [][]byte{reply(q, q.Header.ID, &[4]byte{127, 0, 0, 1}, nil)}
	})
	l := newTestLoop(t, WithDNSServer(addr))

	var serverGot string
	lid, err := l.Listen(ListenOptions{
		Address: "127.0.0.1",
		Handlers: Handlers{OnRead: func(_ *Loop, _ ID, data []byte) error {
			serverGot += string(data)
			return nil
		}},
	})
	require.NoError(t, err)

	for _, host := range []string{"localhost", "service.internal"} {
		serverGot = ""
		cid, err := l.Connect(ConnectOptions{Address: host, Port: listenerPort(t, l, lid)})
		require.NoError(t, err)
		info, ok := l.Info(cid)
		require.True(t, ok)
		assert.True(t, info.Connecting)
		// Writes queued while resolving go out once connected.
		require.NoError(t, l.Write(cid, []byte(host), nil))
		runUntil(t, l, func() bool { return serverGot == host })
	}
}

func TestConnectToUnresolvableHost(t *testing.T) {
	addr, _ := fakeResolver(t, func(q dnsmessage.Message) [][]byte {
		return [][]byte{reply(q, q.Header.ID, nil, nil)}
	})
	l := newTestLoop(t, WithDNSServer(addr))

	var gotErr error
	_, err := l.Connect(ConnectOptions{
		Address: "missing.example",
		Port:    80,
		Handlers: Handlers{OnError: func(_ *Loop, _ ID, err error) error {
			gotErr = err
			return nil
		}},
	})
	require.NoError(t, err)
	runUntil(t, l, func() bool { return gotErr != nil })
	assert.ErrorIs(t, gotErr, errorx.ErrResolve)
	runUntil(t, l, func() bool { return l.CountConnections() == 0 })
}

func TestNormalizeDNSServer(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"8.8.4.4", "8.8.4.4:53", true},
		{"127.0.0.1:5353", "127.0.0.1:5353", true},
		{"::1", "[::1]:53", true},
		{"[::1]:5353", "[::1]:5353", true},
		{"dns.example:53", "", false},
		{"127.0.0.1:99999", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, err := normalizeDNSServer(c.in)
		if !c.ok {
			assert.ErrorIs(t, err, errorx.ErrInvalidNetworkAddress, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got)
	}
}

func TestSystemNameserver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(`# generated
search example.com
nameserver resolver.example
nameserver fe80::1%eth0
nameserver 10.0.0.2
`), 0o644))
	assert.Equal(t, "[fe80::1]:53", systemNameserver(path))

	require.NoError(t, os.WriteFile(path, []byte("options ndots:5\n"), 0o644))
	assert.Equal(t, fallbackNameserver, systemNameserver(path))
	assert.Equal(t, fallbackNameserver, systemNameserver(filepath.Join(dir, "missing")))
}

func TestNewRejectsInvalidDNSServer(t *testing.T) {
	_, err := New(WithDNSServer("not a server"))
	assert.ErrorIs(t, err, errorx.ErrInvalidNetworkAddress)
}
