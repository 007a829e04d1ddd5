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
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	errorx "github.com/webreactor/reactor/pkg/errors"
)

// ParseInheritedFDs parses a "fd:port,fd:port" list into a port to descriptor mapping.
func ParseInheritedFDs(s string) (map[int]int, error) {
	fds := make(map[int]int)
	s = strings.TrimSpace(s)
	if s == "" {
		return fds, nil
	}
	for _, pair := range strings.Split(s, ",") {
		fdStr, portStr, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, errors.Wrapf(errorx.ErrInvalidInheritedFDs, "entry %q", pair)
		}
		fd, err := strconv.Atoi(fdStr)
		if err != nil || fd < 0 {
			return nil, errors.Wrapf(errorx.ErrInvalidInheritedFDs, "descriptor %q", fdStr)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, errors.Wrapf(errorx.ErrInvalidInheritedFDs, "port %q", portStr)
		}
		fds[port] = fd
	}
	return fds, nil
}

// FormatInheritedFDs is the inverse of ParseInheritedFDs, entries are ordered by port.
func FormatInheritedFDs(fds map[int]int) string {
	ports := make([]int, 0, len(fds))
	for port := range fds {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	var sb strings.Builder
	for i, port := range ports {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(fds[port]))
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(port))
	}
	return sb.String()
}

// Adopt prepares an inherited listening descriptor for the event-loop.
func Adopt(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	unix.CloseOnExec(fd)
	return nil
}

// ClearCloseOnExec lets fd survive an exec so a successor process can adopt it.
func ClearCloseOnExec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return os.NewSyscallError("fcntl", err)
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC)
	return os.NewSyscallError("fcntl", err)
}
