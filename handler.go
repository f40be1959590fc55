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

// Session is the lightweight handle passed to handler callbacks. It never
// owns the connection: it is a small value wrapping a stable identifier
// and a reference to the owning ConnectionPool, valid only for the
// duration of the callback that received it.
type Session interface {
	// ID returns the connection's dense, process-stable identifier.
	ID() uint32

	// Write sends buf to the peer. The returned count may be less than
	// len(buf) (a short write); callers that need full delivery must
	// loop themselves.
	Write(buf []byte) (int, error)

	// Rearm re-registers the connection's one-shot readiness watch.
	// Mandatory after a readable or OOB dispatch if the connection is to
	// keep receiving; omitting it leaves the connection permanently
	// idle, which is a caller error, not a framework fault.
	Rearm() error

	// Terminate closes the connection and returns its slot to the free
	// list. Idempotent.
	Terminate()
}

// AcceptHandler is implemented by handlers that want to know when a new
// connection has been admitted.
type AcceptHandler interface {
	OnAccepted(s Session)
}

// DataHandler is implemented by handlers that want to receive inbound
// bytes. data aliases the connection's receive buffer and is only valid
// for the duration of the call.
type DataHandler interface {
	OnData(s Session, data []byte)
}

// OOBHandler is implemented by handlers that want out-of-band/urgent
// bytes delivered separately from the main stream.
type OOBHandler interface {
	OnOOB(s Session, b byte)
}

// CloseHandler is implemented by handlers that want to know when a
// connection closed in an orderly fashion (peer EOF, hangup, or idle
// timeout).
type CloseHandler interface {
	OnClosed(s Session)
}

// ErrorHandler is implemented by handlers that want to know when a
// connection was terminated by a non-recoverable I/O error.
type ErrorHandler interface {
	OnError(s Session, err error)
}

// trampoline is the event sink between the readiness waiter and the
// connection pool's dispatch logic. It probes a user handler once, at
// registration time, for each of the five optional hooks and caches the
// resolved method values; hooks the handler does not implement become nil
// function pointers, so the hot dispatch path pays for a nil check
// instead of a repeated interface type assertion or vtable indirection
// per event.
type trampoline struct {
	onAccepted func(Session)
	onData     func(Session, []byte)
	onOOB      func(Session, byte)
	onClosed   func(Session)
	onError    func(Session, error)
}

func newTrampoline(h interface{}) *trampoline {
	t := &trampoline{}
	if v, ok := h.(AcceptHandler); ok {
		t.onAccepted = v.OnAccepted
	}
	if v, ok := h.(DataHandler); ok {
		t.onData = v.OnData
	}
	if v, ok := h.(OOBHandler); ok {
		t.onOOB = v.OnOOB
	}
	if v, ok := h.(CloseHandler); ok {
		t.onClosed = v.OnClosed
	}
	if v, ok := h.(ErrorHandler); ok {
		t.onError = v.OnError
	}
	return t
}

func (t *trampoline) accepted(s Session) {
	if t.onAccepted != nil {
		t.onAccepted(s)
	}
}

func (t *trampoline) data(s Session, buf []byte) {
	if t.onData != nil {
		t.onData(s, buf)
	}
}

func (t *trampoline) oob(s Session, b byte) {
	if t.onOOB != nil {
		t.onOOB(s, b)
	}
}

func (t *trampoline) closed(s Session) {
	if t.onClosed != nil {
		t.onClosed(s)
	}
}

func (t *trampoline) errored(s Session, err error) {
	if t.onError != nil {
		t.onError(s, err)
	}
}
