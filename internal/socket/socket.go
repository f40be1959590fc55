// Copyright (c) 2024 The Fast-Server Authors. All rights reserved.
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

//go:build linux

// Package socket wraps the raw TCP endpoint primitives the rest of the
// tree needs: create, bind, listen, accept, connect, nonblock, read,
// read-OOB, write, close. Every function here is stateless and carries no
// retry policy of its own; EAGAIN/EWOULDBLOCK is returned to the caller
// verbatim so the edge-triggered waiter above it can decide when to stop
// draining a descriptor.
package socket

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// ListenTCP creates a nonblocking, listening TCP socket bound to addr and
// returns its file descriptor along with the resolved local address.
// backlog <= 0 requests the platform maximum.
func ListenTCP(addr string, backlog int) (fd int, laddr *net.TCPAddr, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, nil, err
	}

	sa, family := sockaddrInet(tcpAddr)

	fd, err = unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, os.NewSyscallError("socket", err)
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
			fd = -1
		}
	}()

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, nil, os.NewSyscallError("setsockopt", err)
	}
	if err = Nonblock(fd); err != nil {
		return -1, nil, err
	}
	if err = unix.Bind(fd, sa); err != nil {
		return -1, nil, os.NewSyscallError("bind", err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err = unix.Listen(fd, backlog); err != nil {
		return -1, nil, os.NewSyscallError("listen", err)
	}

	boundAddr, aerr := unix.Getsockname(fd)
	if aerr == nil {
		if tcpAddr2 := sockaddrToTCPAddr(boundAddr); tcpAddr2 != nil {
			laddr = tcpAddr2
		}
	}
	if laddr == nil {
		laddr = tcpAddr
	}
	return fd, laddr, nil
}

// DialTCP opens a nonblocking TCP connection. It is not exercised by the
// core dispatch path (which only ever accepts); it is for callers that
// want to drive traffic at a pool from within the process.
func DialTCP(addr string) (fd int, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}
	sa, family := sockaddrInet(tcpAddr)

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err = unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("connect", err)
	}
	return fd, nil
}

// Accept accepts a single pending connection on a nonblocking listening
// socket. It returns (-1, nil, unix.EAGAIN) when nothing is pending, which
// the caller uses to know when to stop looping.
func Accept(listenFD int) (fd int, raddr net.Addr, err error) {
	nfd, sa, err := unix.Accept(listenFD)
	if err != nil {
		return -1, nil, err
	}
	return nfd, sockaddrToTCPAddr(sa), nil
}

// Nonblock puts fd into nonblocking mode.
func Nonblock(fd int) error {
	return os.NewSyscallError("setnonblock", unix.SetNonblock(fd, true))
}

// Read reads into buf. It returns the number of bytes received, 0 on an
// orderly peer close, or a non-nil error (possibly EAGAIN/EWOULDBLOCK,
// which signals transient emptiness under edge-triggered readiness, not a
// failure).
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// ReadOOB reads a single out-of-band byte from fd.
func ReadOOB(fd int) (b byte, n int, err error) {
	var buf [1]byte
	n, _, err = unix.Recvfrom(fd, buf[:], unix.MSG_OOB)
	if err != nil {
		return 0, -1, err
	}
	return buf[0], n, nil
}

// Write writes buf to fd. It returns the number of bytes actually sent,
// which may be less than len(buf) (a short write); the caller is
// responsible for looping if full delivery matters.
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// Close closes fd.
func Close(fd int) error {
	return os.NewSyscallError("close", unix.Close(fd))
}

func sockaddrInet(addr *net.TCPAddr) (unix.Sockaddr, int) {
	ip := addr.IP
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	if ip16 := ip.To16(); ip16 != nil {
		copy(sa.Addr[:], ip16)
	}
	return sa, unix.AF_INET6
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}
