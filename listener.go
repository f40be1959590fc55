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

package fastserver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sam-ysf/fast-server/internal/netpoll"
	"github.com/sam-ysf/fast-server/internal/socket"
	"github.com/sam-ysf/fast-server/pkg/errors"
)

// listenFlags is the flag set used for listening descriptors: readable,
// edge-triggered, and exclusive so an accept storm only wakes one waiter
// instead of every thread blocked in Wait.
const listenFlags = netpoll.Readable | netpoll.EdgeTriggered | netpoll.Exclusive

// listenerEntry is one bound or adopted listening socket, keyed by a
// monotonically assigned, never-reused id.
type listenerEntry struct {
	id   uint64
	fd   int
	addr net.Addr
}

// ListenerPool owns a set of listening sockets, a dedicated single-
// threaded readiness waiter, and the ConnectionPool that newly accepted
// connections are handed to.
type ListenerPool struct {
	cfg config

	mu      sync.Mutex
	entries map[uint64]*listenerEntry
	nextID  uint64

	waiter *netpoll.Waiter
	conns  *ConnectionPool

	running int32
	wg      sync.WaitGroup
}

// NewListenerPool constructs a listener pool around handler; the
// ConnectionPool it drives is created with the same options.
func NewListenerPool(handler interface{}, opts ...Option) *ListenerPool {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ListenerPool{
		cfg:     cfg,
		entries: make(map[uint64]*listenerEntry),
		conns:   NewConnectionPool(handler, opts...),
	}
}

// Bind creates a nonblocking listening TCP socket on addr and registers
// it under a freshly assigned id.
func (lp *ListenerPool) Bind(addr string) (uint64, error) {
	fd, laddr, err := socket.ListenTCP(addr, lp.cfg.backlog)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errors.ErrInvalidAddr, err)
	}
	return lp.adopt(fd, laddr), nil
}

// Add adopts an externally created, already-listening descriptor the
// same way Bind does.
func (lp *ListenerPool) Add(fd int) (uint64, error) {
	if err := socket.Nonblock(fd); err != nil {
		return 0, err
	}
	return lp.adopt(fd, nil), nil
}

func (lp *ListenerPool) adopt(fd int, addr net.Addr) uint64 {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.nextID++
	id := lp.nextID
	lp.entries[id] = &listenerEntry{id: id, fd: fd, addr: addr}
	return id
}

// Run starts the downstream connection pool (returning
// errors.ErrAlreadyRunning without effect if it is already running),
// registers every listener with a fresh listener waiter, and starts one
// goroutine that waits on it, accepting and dispatching until Stop is
// called. Run does not block the caller: it returns once that goroutine
// has been started.
func (lp *ListenerPool) Run(workers, capacity int, timeoutMS int64) error {
	if !atomic.CompareAndSwapInt32(&lp.running, 0, 1) {
		return errors.ErrAlreadyRunning
	}
	if err := lp.conns.Run(workers, capacity, timeoutMS); err != nil {
		atomic.StoreInt32(&lp.running, 0)
		return err
	}

	w, err := netpoll.New()
	if err != nil {
		lp.conns.Stop()
		atomic.StoreInt32(&lp.running, 0)
		return err
	}
	lp.waiter = w

	lp.mu.Lock()
	for id, ent := range lp.entries {
		if !lp.waiter.Add(id, ent.fd, listenFlags) {
			lp.cfg.logger.Errorf("listener pool: failed to register listener %d", id)
		}
	}
	lp.mu.Unlock()

	lp.wg.Add(1)
	go func() {
		defer lp.wg.Done()
		if err := lp.waiter.Wait(lp); err != nil {
			lp.cfg.logger.Errorf("listener pool worker exiting: %v", err)
		}
	}()
	return nil
}

// Trigger implements netpoll.Sink for listener readiness events: on
// error or hangup it closes the offending listening socket; otherwise it
// accepts in a loop until Accept returns any error (EAGAIN once the
// backlog is drained), handing each connection to the connection pool.
func (lp *ListenerPool) Trigger(token interface{}, flags netpoll.Flags) {
	id := token.(uint64)

	lp.mu.Lock()
	ent, ok := lp.entries[id]
	lp.mu.Unlock()
	if !ok {
		return
	}

	if flags&(netpoll.Error|netpoll.Hangup) != 0 {
		lp.closeEntry(id)
		return
	}

	for {
		fd, raddr, err := socket.Accept(ent.fd)
		if err != nil {
			break
		}
		if err := socket.Nonblock(fd); err != nil {
			_ = socket.Close(fd)
			continue
		}
		_ = lp.conns.AddClient(fd, raddr)
	}
}

func (lp *ListenerPool) closeEntry(id uint64) {
	lp.mu.Lock()
	ent, ok := lp.entries[id]
	if ok {
		delete(lp.entries, id)
	}
	lp.mu.Unlock()
	if !ok {
		return
	}
	lp.waiter.Remove(ent.fd)
	_ = socket.Close(ent.fd)
}

// Stop closes the listener waiter, joins its worker, stops the
// connection pool, and closes any listener descriptors still registered.
func (lp *ListenerPool) Stop() {
	if !atomic.CompareAndSwapInt32(&lp.running, 1, 0) {
		return
	}
	_ = lp.waiter.Close()
	lp.wg.Wait()
	_ = lp.waiter.CloseFDs()

	lp.conns.Stop()

	lp.mu.Lock()
	for id, ent := range lp.entries {
		_ = socket.Close(ent.fd)
		delete(lp.entries, id)
	}
	lp.mu.Unlock()
}
