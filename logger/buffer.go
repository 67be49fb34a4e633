// Copyright 2015-2019 Bleemeo
//
// bleemeo.com an infrastructure monitoring solution in the Cloud
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"sync"
	"time"
)

// defaultBufferCapacity bounds the in-memory log history kept for
// diagnostic dumps.
const defaultBufferCapacity = 200 * 1024

// buffer is a bounded, append-only ring of recent log bytes. Once full,
// the oldest bytes are dropped to make room for new ones.
type buffer struct {
	l        sync.Mutex
	capacity int
	data     []byte
	dropped  bool
}

func (b *buffer) write(_ time.Time, p []byte) (int, error) {
	b.l.Lock()
	defer b.l.Unlock()

	if b.capacity == 0 {
		b.capacity = defaultBufferCapacity
	}

	b.data = append(b.data, p...)

	if len(b.data) > b.capacity {
		overflow := len(b.data) - b.capacity
		b.data = b.data[overflow:]
		b.dropped = true
	}

	return len(p), nil
}

// Content returns a copy of the current buffer content, prefixed with an
// ellipsis marker if older lines were dropped to stay within capacity.
func (b *buffer) Content() []byte {
	b.l.Lock()
	defer b.l.Unlock()

	if !b.dropped {
		out := make([]byte, len(b.data))
		copy(out, b.data)

		return out
	}

	const marker = "[...]\n"

	out := make([]byte, 0, len(marker)+len(b.data))
	out = append(out, marker...)
	out = append(out, b.data...)

	return out
}
