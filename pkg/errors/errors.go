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

// Package errors defines the setup-fatal error taxonomy for fast-server.
//
// Per-connection failures (peer resets and other fatal I/O errors) are not
// part of this package: they never propagate past the connection that
// caused them, so they are reported to the handler's OnError hook as plain
// errors rather than sentinel values. EAGAIN and short writes are not
// failures and never reach OnError.
package errors

import "errors"

var (
	// ErrPollerSetup occurs when the readiness waiter's kernel facility
	// (epoll instance, self-pipe) could not be created.
	ErrPollerSetup = errors.New("fast-server: failed to set up readiness waiter")
	// ErrSlabAlloc occurs when the connection slab could not be allocated.
	ErrSlabAlloc = errors.New("fast-server: failed to allocate connection slab")
	// ErrAlreadyRunning occurs when Run is called on a pool or listener
	// pool that is already serving.
	ErrAlreadyRunning = errors.New("fast-server: already running")
	// ErrCapacityExceeded occurs when add_client is called with no free
	// slot available; the descriptor has already been closed by then.
	ErrCapacityExceeded = errors.New("fast-server: connection capacity exceeded")
	// ErrInvalidAddr occurs when a listening socket cannot be created on
	// an address: it cannot be resolved, bound, or listened on.
	ErrInvalidAddr = errors.New("fast-server: invalid listen address")
	// ErrWatcherRegister occurs when a descriptor could not be registered
	// with the readiness waiter.
	ErrWatcherRegister = errors.New("fast-server: failed to register descriptor with waiter")
	// ErrClosed occurs when an operation is attempted on an endpoint that
	// has already been closed.
	ErrClosed = errors.New("fast-server: endpoint closed")
)
