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

// Package fastserver is a reusable, multi-reactor TCP server framework
// built on an edge-triggered, one-shot readiness loop.
//
// A ListenerPool accepts inbound connections on one or more bound or
// adopted listening sockets and hands each one to a ConnectionPool, which
// dispatches readability, out-of-band, hangup, and error events to a
// user-supplied handler and recycles connection state through a lock-free
// free list so the steady-state path allocates nothing on the heap.
//
// The package has no wire protocol of its own and no persistent state:
// application framing, TLS, UDP, and connection migration between worker
// goroutines are all out of scope. Pass a handler implementing any of
// AcceptHandler, DataHandler, OOBHandler, CloseHandler, and ErrorHandler
// to NewListenerPool, call Bind, call Run, and call
// Stop to tear down.
package fastserver
