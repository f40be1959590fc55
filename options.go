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

import "github.com/sam-ysf/fast-server/pkg/logging"

const defaultBufferSize = 4096

// config holds the construction-time knobs that sit outside Run's
// (workers, capacity, timeout_ms) triple: the receive buffer size,
// listener backlog, and the logger used for framework-level diagnostics.
type config struct {
	bufferSize int
	backlog    int
	logger     logging.Logger
}

func defaultConfig() config {
	return config{
		bufferSize: defaultBufferSize,
		backlog:    0, // platform maximum
		logger:     logging.GetDefaultLogger(),
	}
}

// Option configures a ConnectionPool or ListenerPool at construction time.
type Option func(*config)

// WithBufferSize sets the per-connection receive buffer size in bytes.
func WithBufferSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithBacklog sets the listen backlog used by ListenerPool.Bind. A value
// <= 0 requests the platform maximum.
func WithBacklog(n int) Option {
	return func(c *config) {
		c.backlog = n
	}
}

// WithLogger overrides the framework's diagnostic logger. The default
// logs through pkg/logging's package-level logger.
func WithLogger(l logging.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
