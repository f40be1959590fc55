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

// session is the concrete, non-owning Session handle constructed fresh
// for every callback invocation. It carries nothing but a back-reference
// to the owning pool and the slot's stable identifier, so handing one to
// a user callback costs nothing beyond the two words of the struct
// itself.
type session struct {
	pool *ConnectionPool
	id   uint32
}

var _ Session = session{}

func (s session) ID() uint32 { return s.id }

func (s session) Write(buf []byte) (int, error) {
	return s.pool.write(s.id, buf)
}

func (s session) Rearm() error {
	return s.pool.rearm(s.id)
}

func (s session) Terminate() {
	s.pool.terminate(s.id)
}
