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
	"net"
	"sync/atomic"

	goerrors "errors"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/sam-ysf/fast-server/internal/freelist"
	"github.com/sam-ysf/fast-server/internal/netpoll"
	"github.com/sam-ysf/fast-server/internal/reaper"
	"github.com/sam-ysf/fast-server/internal/slab"
	"github.com/sam-ysf/fast-server/internal/socket"
	"github.com/sam-ysf/fast-server/pkg/errors"
)

// errConnReadiness is reported to a handler's OnError hook when the
// waiter delivers EPOLLERR with no accompanying syscall error of its
// own; per pkg/errors' package doc, per-connection faults are plain
// errors, not sentinels in that package.
var errConnReadiness = goerrors.New("fast-server: connection reported a readiness error")

// connFlags is the one-shot, edge-triggered flag set used for every
// bound connection descriptor: readable data, hangup, the peer's
// half-close, and out-of-band priority data, all one-shot so a handler
// must explicitly rearm to keep receiving.
const connFlags = netpoll.Readable | netpoll.EdgeTriggered | netpoll.Hangup |
	netpoll.PeerHalfClose | netpoll.Priority | netpoll.OneShot

// connState is the user-visible connection state embedded in every slab
// cell: a receive buffer sized by WithBufferSize and the peer address
// recorded at accept time.
type connState struct {
	buf   []byte
	raddr net.Addr
}

// ConnectionPool owns the connection slab, its free stack, a readiness
// waiter, and an idle-timeout reaper. It performs allocation on accept,
// dispatch on readiness, and reclamation on termination, and is the
// session-manager a Session's Write/Rearm/Terminate calls back into.
type ConnectionPool struct {
	cfg        config
	trampoline *trampoline

	slab   *slab.Slab[connState]
	free   *freelist.Stack
	waiter *netpoll.Waiter
	reaper *reaper.Reaper[uint32]

	running int32
	workers errgroup.Group
}

// NewConnectionPool constructs a pool around handler, probing it once for
// each of the five optional callback hooks. The pool does not allocate
// its slab or start any goroutines until Run is called.
func NewConnectionPool(handler interface{}, opts ...Option) *ConnectionPool {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	s := slab.New[connState]()
	p := &ConnectionPool{
		cfg:        cfg,
		trampoline: newTrampoline(handler),
		slab:       s,
		free:       freelist.New(s),
		reaper:     reaper.New[uint32](),
	}
	return p
}

// Run initializes the slab to capacity, starts the reaper if timeoutMS is
// positive, and spawns workers goroutines each blocked in the readiness
// waiter's Wait loop. It returns errors.ErrAlreadyRunning without effect
// if the pool is already running, errors.ErrSlabAlloc if the slab could
// not be allocated, or the readiness waiter's own setup error if the
// kernel facility it needs could not be created.
func (p *ConnectionPool) Run(workers, capacity int, timeoutMS int64) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return errors.ErrAlreadyRunning
	}
	if workers <= 0 {
		workers = 1
	}

	if !p.slab.Init(capacity) {
		atomic.StoreInt32(&p.running, 0)
		return errors.ErrSlabAlloc
	}
	for i := 0; i < p.slab.Len(); i++ {
		p.slab.At(int32(i)).State.buf = make([]byte, p.cfg.bufferSize)
	}
	p.free.Init()

	w, err := netpoll.New()
	if err != nil {
		p.slab.Destroy()
		atomic.StoreInt32(&p.running, 0)
		return err
	}
	p.waiter = w

	if timeoutMS > 0 {
		p.reaper.Run(timeoutMS, p.expireAll)
	}

	p.workers = errgroup.Group{}
	for i := 0; i < workers; i++ {
		p.workers.Go(func() error {
			return p.waiter.Wait(p)
		})
	}
	return nil
}

// Stop signals the reaper, closes the waiter (triggering the daisy-chain
// worker shutdown), joins every worker, terminates every live connection,
// and destroys the slab. It is idempotent.
func (p *ConnectionPool) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	p.reaper.Stop()
	_ = p.waiter.Close()
	if err := p.workers.Wait(); err != nil {
		p.cfg.logger.Errorf("connection pool worker exited with error: %v", err)
	}

	for i := 0; i < p.slab.Len(); i++ {
		p.terminate(uint32(i))
	}
	_ = p.waiter.CloseFDs()
	p.slab.Destroy()
}

// AddClient admits an already-accepted, nonblocking socket descriptor
// into the pool. Admission fails (closing fd and returning
// errors.ErrCapacityExceeded) if no free slot is available; the caller
// has no further obligation to fd either way. Rejection never reaches
// the peer as a protocol-level signal — the connection is simply closed
// — so callers that accept on behalf of a listener (as ListenerPool
// does) are free to discard the returned error.
func (p *ConnectionPool) AddClient(fd int, raddr net.Addr) error {
	idx, ok := p.free.Pop()
	if !ok {
		_ = socket.Close(fd)
		return errors.ErrCapacityExceeded
	}

	cell := p.slab.At(idx)
	cell.State.raddr = raddr
	atomic.StoreInt32(&cell.FD, int32(fd))

	p.trampoline.accepted(session{p, cell.ID})

	if !p.waiter.Add(cell.ID, fd, connFlags) {
		p.terminate(cell.ID)
		return errors.ErrWatcherRegister
	}
	p.reaper.Set(cell.ID)
	return nil
}

// Trigger implements netpoll.Sink. token is the uint32 slot identifier
// handed to Add/Rearm; flags is the event set the kernel reported.
func (p *ConnectionPool) Trigger(token interface{}, flags netpoll.Flags) {
	id := token.(uint32)
	cell := p.slab.At(int32(id))

	fd := atomic.LoadInt32(&cell.FD)
	if fd == 0 {
		return // raced with a termination already in flight
	}

	switch {
	case flags&netpoll.Error != 0:
		p.terminateOnError(id, errConnReadiness)
		return
	case flags&(netpoll.Hangup|netpoll.PeerHalfClose) != 0:
		p.terminateOnClose(id)
		return
	}

	if flags&netpoll.Priority != 0 {
		p.reaper.Set(id)
		for {
			b, n, err := socket.ReadOOB(int(fd))
			if err != nil {
				// EINVAL means no unread urgent byte is left, which is
				// how Linux ends the drain once the byte has been read.
				if isTransient(err) || err == unix.EINVAL {
					break
				}
				p.terminateOnError(id, err)
				return
			}
			if n <= 0 {
				break
			}
			p.trampoline.oob(session{p, id}, b)
		}
	}

	if flags&netpoll.Readable != 0 {
		p.reaper.Set(id)
		for {
			n, err := socket.Read(int(fd), cell.State.buf)
			if err != nil {
				if isTransient(err) {
					break
				}
				p.terminateOnError(id, err)
				return
			}
			if n == 0 {
				p.terminateOnClose(id)
				return
			}
			p.trampoline.data(session{p, id}, cell.State.buf[:n])
		}
	}
}

func (p *ConnectionPool) write(id uint32, buf []byte) (int, error) {
	cell := p.slab.At(int32(id))
	if atomic.LoadInt32(&cell.FD) == 0 {
		return 0, errors.ErrClosed
	}
	return socket.Write(int(atomic.LoadInt32(&cell.FD)), buf)
}

// rearm re-registers the connection's one-shot watch with the original
// flag set. Mandatory after any readable or OOB dispatch that did not
// terminate the connection.
func (p *ConnectionPool) rearm(id uint32) error {
	cell := p.slab.At(int32(id))
	fd := atomic.LoadInt32(&cell.FD)
	if fd == 0 {
		return errors.ErrClosed
	}
	if !p.waiter.Rearm(id, int(fd), connFlags) {
		return errors.ErrWatcherRegister
	}
	return nil
}

// terminate performs the idempotent slot-reclamation sequence: if the
// slot's descriptor is already zero it is a no-op (second call on the
// same slot does nothing); otherwise it removes the watch, closes the
// descriptor, unsets the reaper entry, and pushes the slot back onto the
// free stack.
func (p *ConnectionPool) terminate(id uint32) bool {
	cell := p.slab.At(int32(id))
	fd := atomic.SwapInt32(&cell.FD, 0)
	if fd == 0 {
		return false
	}
	p.waiter.Remove(int(fd))
	_ = socket.Close(int(fd))
	p.reaper.Unset(id)
	p.free.Push(int32(id))
	return true
}

func (p *ConnectionPool) terminateOnClose(id uint32) {
	p.trampoline.closed(session{p, id})
	p.terminate(id)
}

func (p *ConnectionPool) terminateOnError(id uint32, err error) {
	p.trampoline.errored(session{p, id}, err)
	p.terminate(id)
}

func (p *ConnectionPool) expireAll(ids []uint32) {
	for _, id := range ids {
		p.terminateOnClose(id)
	}
}

func isTransient(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
