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

package socket

import (
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	errorx "github.com/webreactor/reactor/pkg/errors"
)

// getTCPSockaddr resolves addr into a socket address, an empty host selects the IPv4 wildcard.
func getTCPSockaddr(proto, addr string) (sa unix.Sockaddr, family int, tcpAddr *net.TCPAddr, ipv6only bool, err error) {
	if tcpAddr, err = net.ResolveTCPAddr(proto, addr); err != nil {
		err = errorx.ErrInvalidNetworkAddress
		return
	}
	sa, family, err = ipToSockaddr(tcpAddr.IP, tcpAddr.Port, tcpAddr.Zone)
	ipv6only = family == unix.AF_INET6 && len(tcpAddr.IP) != 0 && !tcpAddr.IP.IsUnspecified()
	return
}

func getUDPSockaddr(addr string) (sa unix.Sockaddr, family int, err error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, 0, errorx.ErrInvalidNetworkAddress
	}
	return ipToSockaddr(udpAddr.IP, udpAddr.Port, udpAddr.Zone)
}

func ipToSockaddr(ip net.IP, port int, zone string) (unix.Sockaddr, int, error) {
	if len(ip) == 0 {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	ip6 := ip.To16()
	if ip6 == nil {
		return nil, 0, &net.AddrError{Err: "invalid IP address", Addr: ip.String()}
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip6)
	if zone != "" {
		if iface, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(iface.Index)
		}
	}
	return sa, unix.AF_INET6, nil
}

// SockaddrToAddr converts a Sockaddr to the net.Addr matching network.
// Returns nil if conversion fails.
func SockaddrToAddr(sa unix.Sockaddr, network string) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3])
		if network == "udp" {
			return &net.UDPAddr{IP: ip, Port: sa.Port}
		}
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		zone := ip6ZoneToString(int(sa.ZoneId))
		if network == "udp" {
			return &net.UDPAddr{IP: ip, Port: sa.Port, Zone: zone}
		}
		return &net.TCPAddr{IP: ip, Port: sa.Port, Zone: zone}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: "unix"}
	}
	return nil
}

// ip6ZoneToString converts an IP6 Zone unix int to a net string,
// returns "" if zone is 0.
func ip6ZoneToString(zone int) string {
	if zone == 0 {
		return ""
	}
	if ifi, err := net.InterfaceByIndex(zone); err == nil {
		return ifi.Name
	}
	return strconv.Itoa(zone)
}
