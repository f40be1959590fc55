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

package slab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testState struct {
	tag int
}

func TestSlabInitUsableLengthMatchesRequest(t *testing.T) {
	// Page-rounding only pads the backing allocation; the usable,
	// admission-relevant slot count must equal exactly what was asked
	// for, however small, or capacity-limit invariants break.
	s := New[testState]()
	require.True(t, s.Init(1))
	require.True(t, s.IsAllocated())
	require.Equal(t, 1, s.Len())
}

func TestSlabInitSmallCapacityStaysSmall(t *testing.T) {
	s := New[testState]()
	require.True(t, s.Init(2))
	require.Equal(t, 2, s.Len())
}

func TestSlabInitIsIdempotent(t *testing.T) {
	s := New[testState]()
	require.True(t, s.Init(10))
	firstLen := s.Len()
	require.True(t, s.Init(999), "a second Init call on an allocated slab must succeed without changing capacity")
	require.Equal(t, firstLen, s.Len())
}

func TestSlabInitRejectsZeroCapacity(t *testing.T) {
	s := New[testState]()
	require.False(t, s.Init(0))
	require.False(t, s.IsAllocated())
}

func TestSlabCellsHaveDenseStableIDs(t *testing.T) {
	s := New[testState]()
	require.True(t, s.Init(4))
	for i := int32(0); i < int32(s.Len()); i++ {
		require.Equal(t, uint32(i), s.At(i).ID)
	}
}

func TestSlabDestroyIsIdempotent(t *testing.T) {
	s := New[testState]()
	require.True(t, s.Init(4))
	s.Destroy()
	require.False(t, s.IsAllocated())
	s.Destroy()
	require.False(t, s.IsAllocated())
}

func TestSlabNextSatisfiesFreelistCells(t *testing.T) {
	s := New[testState]()
	require.True(t, s.Init(2))
	link := s.Next(0)
	*link = 7
	require.Equal(t, int32(7), s.At(0).Next)
}
