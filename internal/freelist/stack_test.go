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

package freelist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCells is a minimal Cells implementation for tests: just the link
// field, no payload.
type fakeCells struct {
	next []int32
}

func newFakeCells(n int) *fakeCells {
	return &fakeCells{next: make([]int32, n)}
}

func (c *fakeCells) Len() int          { return len(c.next) }
func (c *fakeCells) Next(i int32) *int32 { return &c.next[i] }

func TestStackInitPopOrderIsDescending(t *testing.T) {
	cells := newFakeCells(5)
	s := New(cells)
	s.Init()

	for want := int32(4); want >= 0; want-- {
		idx, ok := s.Pop()
		require.True(t, ok)
		require.Equal(t, want, idx)
	}
	_, ok := s.Pop()
	require.False(t, ok, "stack must be empty after popping every cell")
}

func TestStackPushMakesCellAvailableAgain(t *testing.T) {
	cells := newFakeCells(3)
	s := New(cells)
	s.Init()

	idx, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, 2, s.Len())

	s.Push(idx)
	require.Equal(t, 3, s.Len())

	popped, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, idx, popped)
}

func TestStackEmptyInit(t *testing.T) {
	cells := newFakeCells(0)
	s := New(cells)
	s.Init()

	_, ok := s.Pop()
	require.False(t, ok)
}

// TestStackConcurrentPushPop exercises the CAS loops under contention: no
// two goroutines may observe the same popped index, and every pushed
// index eventually becomes poppable again.
func TestStackConcurrentPushPop(t *testing.T) {
	const n = 64
	cells := newFakeCells(n)
	s := New(cells)
	s.Init()

	seen := make([]int32, 0, n)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, ok := s.Pop()
			require.True(t, ok)
			mu.Lock()
			seen = append(seen, idx)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	unique := make(map[int32]bool, n)
	for _, idx := range seen {
		require.False(t, unique[idx], "index %d popped twice", idx)
		unique[idx] = true
	}

	for _, idx := range seen {
		wg.Add(1)
		go func(idx int32) {
			defer wg.Done()
			s.Push(idx)
		}(idx)
	}
	wg.Wait()
	require.Equal(t, n, s.Len(), "every pushed index must be back on the stack")
}
