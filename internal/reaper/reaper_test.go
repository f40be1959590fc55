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

package reaper

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReaperFiresAfterInterval(t *testing.T) {
	r := New[string]()

	var mu sync.Mutex
	var fired []string
	done := make(chan struct{})

	require.True(t, r.Run(20, func(expired []string) {
		mu.Lock()
		fired = append(fired, expired...)
		mu.Unlock()
		close(done)
	}))
	defer r.Stop()

	start := time.Now()
	r.Set("conn-1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not fire within 1s")
	}
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"conn-1"}, fired)
}

func TestReaperUnsetPreventsExpiry(t *testing.T) {
	r := New[string]()

	var mu sync.Mutex
	var fired []string

	require.True(t, r.Run(20, func(expired []string) {
		mu.Lock()
		fired = append(fired, expired...)
		mu.Unlock()
	}))
	defer r.Stop()

	r.Set("conn-1")
	r.Unset("conn-1")
	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, fired)
}

func TestReaperRunRejectsNonPositiveInterval(t *testing.T) {
	r := New[string]()
	require.False(t, r.Run(0, func([]string) {}))
	require.False(t, r.Run(-5, func([]string) {}))
}

func TestReaperRunIsIdempotent(t *testing.T) {
	r := New[string]()
	require.True(t, r.Run(1000, func([]string) {}))
	require.False(t, r.Run(1000, func([]string) {}))
	r.Stop()
}

func TestReaperStopIsIdempotent(t *testing.T) {
	r := New[string]()
	require.True(t, r.Run(1000, func([]string) {}))
	r.Stop()
	r.Stop() // must not block or panic
}

func TestReaperIsolatesPanickingCallback(t *testing.T) {
	r := New[string]()

	var mu sync.Mutex
	calls := 0
	invoked := make(chan struct{}, 8)

	require.True(t, r.Run(10, func(expired []string) {
		mu.Lock()
		calls++
		mu.Unlock()
		invoked <- struct{}{}
		panic("boom")
	}))
	defer r.Stop()

	r.Set("conn-1")
	select {
	case <-invoked:
	case <-time.After(time.Second):
		t.Fatal("callback never ran for conn-1")
	}

	// The sweep goroutine must have survived the panic: arming a second
	// key must still produce a second callback invocation.
	r.Set("conn-2")
	select {
	case <-invoked:
	case <-time.After(time.Second):
		t.Fatal("reaper stopped functioning after a panicking callback")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}
