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

// Package netpoll implements the readiness waiter: an edge-triggered,
// one-shot epoll wrapper that several worker goroutines can block in
// concurrently, plus a self-pipe shutdown protocol that wakes every
// blocked worker exactly once.
//
// A single epoll instance is shared by all of a Waiter's callers of Wait;
// the kernel serializes concurrent epoll_wait(2) calls on the same
// descriptor internally, so no additional locking is required to hand out
// readiness events to whichever worker happens to be scheduled.
package netpoll

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/sam-ysf/fast-server/pkg/errors"
)

// Flags is the readiness flag set requested on Add/Rearm, and the set
// actually observed on a delivered event.
type Flags uint32

const (
	// Readable corresponds to data available to read (EPOLLIN).
	Readable Flags = 1 << iota
	// EdgeTriggered arms the descriptor in edge-triggered mode (EPOLLET).
	EdgeTriggered
	// Hangup indicates the peer closed its write half and ours too (EPOLLHUP).
	Hangup
	// PeerHalfClose indicates the peer shut its write half down (EPOLLRDHUP).
	PeerHalfClose
	// Priority carries out-of-band/urgent data (EPOLLPRI).
	Priority
	// OneShot disarms the watch after a single delivery, until Rearm.
	OneShot
	// Exclusive limits wakeups to one waiter per event, avoiding the
	// thundering herd on shared listening sockets (EPOLLEXCLUSIVE).
	Exclusive
	// Error is never requested; it is set on delivered events that
	// carry EPOLLERR.
	Error
)

func (f Flags) encode() uint32 {
	var ev uint32
	if f&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if f&EdgeTriggered != 0 {
		ev |= unix.EPOLLET
	}
	if f&PeerHalfClose != 0 {
		ev |= unix.EPOLLRDHUP
	}
	if f&Priority != 0 {
		ev |= unix.EPOLLPRI
	}
	if f&OneShot != 0 {
		ev |= unix.EPOLLONESHOT
	}
	if f&Exclusive != 0 {
		ev |= unix.EPOLLEXCLUSIVE
	}
	return ev
}

func decode(raw uint32) Flags {
	var f Flags
	if raw&unix.EPOLLIN != 0 {
		f |= Readable
	}
	if raw&unix.EPOLLHUP != 0 {
		f |= Hangup
	}
	if raw&unix.EPOLLRDHUP != 0 {
		f |= PeerHalfClose
	}
	if raw&unix.EPOLLPRI != 0 {
		f |= Priority
	}
	if raw&unix.EPOLLERR != 0 {
		f |= Error
	}
	return f
}

// Sink receives readiness events dispatched by Wait. Trigger is called
// with the token supplied to Add/Rearm for the descriptor that fired and
// the flags the kernel actually reported.
type Sink interface {
	Trigger(token interface{}, flags Flags)
}

// Waiter wraps a single epoll instance that may be waited on by multiple
// goroutines at once, and a self-pipe used to drive a daisy-chained
// shutdown across all of them.
type Waiter struct {
	epfd int

	pipeR, pipeW int
	pipeBuf      [1]byte

	regs sync.Map // fd -> token (interface{})

	waiting int32 // number of goroutines currently blocked in Wait
	pending int32 // workers still owed a shutdown wakeup
	closing int32 // 0 = open, 1 = Close has been called
}

// New creates a Waiter backed by a fresh epoll instance and self-pipe.
func New() (*Waiter, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errorf(errors.ErrPollerSetup, "epoll_create1", err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, errorf(errors.ErrPollerSetup, "pipe2", err)
	}

	w := &Waiter{epfd: epfd, pipeR: fds[0], pipeW: fds[1]}
	ev := unix.EpollEvent{Fd: int32(w.pipeR), Events: unix.EPOLLIN | unix.EPOLLONESHOT}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, w.pipeR, &ev); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		_ = unix.Close(epfd)
		return nil, errorf(errors.ErrPollerSetup, "epoll_ctl(self-pipe)", err)
	}
	return w, nil
}

func errorf(sentinel error, op string, err error) error {
	return fmt.Errorf("%w: %s: %v", sentinel, op, err)
}

// Add registers fd with the given flags and associates token with it for
// future dispatch. Returns false on OS error, per the add/rearm/remove
// failure contract.
func (w *Waiter) Add(token interface{}, fd int, flags Flags) bool {
	w.regs.Store(fd, token)
	ev := unix.EpollEvent{Fd: int32(fd), Events: flags.encode()}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		w.regs.Delete(fd)
		return false
	}
	return true
}

// Rearm re-registers fd with the given flags after a one-shot firing.
func (w *Waiter) Rearm(token interface{}, fd int, flags Flags) bool {
	w.regs.Store(fd, token)
	ev := unix.EpollEvent{Fd: int32(fd), Events: flags.encode()}
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &ev) == nil
}

// Remove deregisters fd.
func (w *Waiter) Remove(fd int) bool {
	w.regs.Delete(fd)
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil) == nil
}

// Wait enters the dispatch loop, blocking the calling goroutine until a
// shutdown signal reaches it via Close's daisy chain, or a fatal error
// occurs. Multiple goroutines may call Wait concurrently on the same
// Waiter; each one that is blocked when Close is called is guaranteed to
// observe exactly one wakeup and return.
func (w *Waiter) Wait(sink Sink) error {
	atomic.AddInt32(&w.waiting, 1)
	defer atomic.AddInt32(&w.waiting, -1)

	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(w.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return &os.SyscallError{Syscall: "epoll_wait", Err: err}
		}
		if n < 0 {
			// A negative readiness count is impossible per the epoll_wait
			// contract short of kernel corruption; treat it as fatal to
			// this worker rather than spinning.
			return errors.ErrPollerSetup
		}

		for i := 0; i < n; i++ {
			ev := &events[i]
			fd := int(ev.Fd)
			if fd == w.pipeR {
				if w.relayShutdown() {
					return nil
				}
				continue
			}

			token, ok := w.regs.Load(fd)
			if !ok {
				// Raced with Remove: the descriptor was reclaimed between
				// the kernel reporting readiness and us dispatching it.
				continue
			}
			sink.Trigger(token, decode(ev.Events))
		}

		if n == len(events) {
			events = make([]unix.EpollEvent, len(events)*2)
		}
	}
}

// relayShutdown drains the wakeup byte, decrements the shutdown counter,
// and re-signals the next worker if any remain. It always returns true:
// a worker that observes the self-pipe event has been chosen by the
// daisy chain and must exit.
func (w *Waiter) relayShutdown() bool {
	_, _ = unix.Read(w.pipeR, w.pipeBuf[:])

	if atomic.AddInt32(&w.pending, -1) > 0 {
		_ = w.signal()
	}
	return true
}

// Close initiates the daisy-chained shutdown: exactly one byte is written
// to the self-pipe, guaranteeing exactly one additional wakeup; the worker
// that receives it re-signals iff other workers are still blocked. Close
// is idempotent and always succeeds.
func (w *Waiter) Close() error {
	if !atomic.CompareAndSwapInt32(&w.closing, 0, 1) {
		return nil
	}
	atomic.StoreInt32(&w.pending, atomic.LoadInt32(&w.waiting))
	if atomic.LoadInt32(&w.pending) == 0 {
		return nil
	}
	return w.signal()
}

// CloseFDs closes the underlying epoll instance and self-pipe descriptors.
// Call only after every Wait call has returned.
func (w *Waiter) CloseFDs() error {
	_ = unix.Close(w.pipeR)
	_ = unix.Close(w.pipeW)
	return unix.Close(w.epfd)
}

func (w *Waiter) signal() error {
	ev := unix.EpollEvent{Fd: int32(w.pipeR), Events: unix.EPOLLIN | unix.EPOLLONESHOT}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, w.pipeR, &ev); err != nil {
		return err
	}
	_, err := unix.Write(w.pipeW, []byte{1})
	return err
}
