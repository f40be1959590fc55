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

// Package slab implements the connection slab: a single, page-rounded
// contiguous array of connection-sized cells, allocated once at pool
// start and destroyed at pool stop. It never resizes.
package slab

import (
	"sync"
	"unsafe"
)

const pageSize = 4096

// Cell is one slot in the slab: a dense identifier stable for the
// process lifetime, the socket descriptor currently bound to it (0 when
// free), the free-list link consumed by package freelist, and the
// user-defined connection state.
type Cell[T any] struct {
	ID    uint32
	FD    int32
	Next  int32 // free-list link; index into Slab.cells, or -1
	State T
}

// Slab is a contiguous, page-rounded array of Cell[T]. It is created once
// by Init and torn down by Destroy; it is never resized in between.
type Slab[T any] struct {
	mu        sync.Mutex
	cells     []Cell[T]
	allocated bool
}

// New returns an unallocated slab; call Init before using it.
func New[T any]() *Slab[T] {
	return &Slab[T]{}
}

// Init allocates capacityHint usable cells backed by an array whose
// memory footprint is rounded up to the nearest page-sized multiple of
// the cell size (favoring dense paging); the extra, page-padding
// capacity is never exposed through Len, At, or Next, so it never
// becomes a usable slot and never affects admission control. It reports
// true on success or if the slab is already allocated; a zero-length
// allocation request is rejected.
func (s *Slab[T]) Init(capacityHint int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.allocated {
		return true
	}
	if capacityHint <= 0 {
		return false
	}

	backing := roundToPage(capacityHint, unsafe.Sizeof(Cell[T]{}))
	cells := make([]Cell[T], capacityHint, backing)
	for i := range cells {
		cells[i].ID = uint32(i)
	}

	s.cells = cells
	s.allocated = true
	return true
}

// Destroy releases the slab. It is idempotent.
func (s *Slab[T]) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cells = nil
	s.allocated = false
}

// IsAllocated reports whether Init has run without a matching Destroy.
func (s *Slab[T]) IsAllocated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated
}

// Len returns the usable slab capacity, exactly as requested of Init.
func (s *Slab[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cells)
}

// At returns a pointer to cell i. The caller must only call this while
// the slab is allocated and i is in range; the connection pool, which
// owns the slab's lifetime, guarantees both.
func (s *Slab[T]) At(i int32) *Cell[T] {
	return &s.cells[i]
}

// Next returns a pointer to cell i's free-list link field, satisfying
// freelist.Cells.
func (s *Slab[T]) Next(i int32) *int32 {
	return &s.cells[i].Next
}

func roundToPage(capacityHint int, cellSize uintptr) int {
	bytes := uintptr(capacityHint) * cellSize
	pages := (bytes + pageSize - 1) / pageSize
	rounded := pages * pageSize
	cap := int(rounded / cellSize)
	if cap < capacityHint {
		cap = capacityHint
	}
	return cap
}
