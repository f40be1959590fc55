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

package netpoll

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// recordingSink counts Trigger invocations and makes each one observable
// over a channel, for tests that need to wait on a specific delivery
// without polling.
type recordingSink struct {
	mu     sync.Mutex
	tokens []interface{}
	flags  []Flags
	notify chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 64)}
}

func (s *recordingSink) Trigger(token interface{}, flags Flags) {
	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	s.flags = append(s.flags, flags)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func mustPipe(t *testing.T) (r, w int) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func waitForNotify(t *testing.T, ch <-chan struct{}, timeout time.Duration) {
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for readiness delivery")
	}
}

func TestWaiterDeliversOneShotExactlyOnce(t *testing.T) {
	w, err := New()
	require.NoError(t, err)

	r, wfd := mustPipe(t)
	sink := newRecordingSink()

	require.True(t, w.Add("pipe", r, Readable|EdgeTriggered|OneShot))

	go func() { _ = w.Wait(sink) }()

	_, err = unix.Write(wfd, []byte{1})
	require.NoError(t, err)
	waitForNotify(t, sink.notify, time.Second)
	require.Equal(t, 1, sink.count())

	// Drain so a level-triggered re-check (there is none, but be safe)
	// can't produce a second spurious delivery, then write again: with
	// the watch disarmed by one-shot, nothing should be delivered.
	var buf [1]byte
	_, _ = unix.Read(r, buf[:])
	_, err = unix.Write(wfd, []byte{2})
	require.NoError(t, err)

	select {
	case <-sink.notify:
		t.Fatal("received a second delivery without rearming")
	case <-time.After(100 * time.Millisecond):
	}

	require.True(t, w.Rearm("pipe", r, Readable|EdgeTriggered|OneShot))
	waitForNotify(t, sink.notify, time.Second)
	require.Equal(t, 2, sink.count())

	require.NoError(t, w.Close())
	require.NoError(t, w.CloseFDs())
}

func TestWaiterRemoveStopsDelivery(t *testing.T) {
	w, err := New()
	require.NoError(t, err)

	r, wfd := mustPipe(t)
	sink := newRecordingSink()

	require.True(t, w.Add("pipe", r, Readable|EdgeTriggered|OneShot))
	require.True(t, w.Remove(r))

	go func() { _ = w.Wait(sink) }()

	_, err = unix.Write(wfd, []byte{1})
	require.NoError(t, err)

	select {
	case <-sink.notify:
		t.Fatal("received a delivery for a removed descriptor")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, w.Close())
	require.NoError(t, w.CloseFDs())
}

func TestWaiterShutdownWakesEveryWorker(t *testing.T) {
	const workers = 8

	w, err := New()
	require.NoError(t, err)

	sink := newRecordingSink()
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_ = w.Wait(sink)
		}()
	}

	// Give every worker a chance to block in epoll_wait before closing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, w.Close())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all workers exited after Close")
	}

	require.NoError(t, w.CloseFDs())
}

func TestWaiterCloseIsIdempotent(t *testing.T) {
	w, err := New()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = w.Wait(newRecordingSink())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	require.NoError(t, w.CloseFDs())
}
