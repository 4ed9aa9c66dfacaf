// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Pool runs background tasks on a fixed set of workers over a bounded
// queue. Submit never blocks: when the queue is full the task is dropped,
// which keeps memory processing from ever stalling the request path.
type Pool struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan func()
	wg     sync.WaitGroup

	submitted atomic.Int64
	dropped   atomic.Int64
}

// NewPool starts workers draining a queue of the given size. Both sizes are
// clamped to at least 1.
func NewPool(workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	p := &Pool{tasks: make(chan func(), queueSize)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Submit queues a task. It reports false when the pool is closed or the
// queue is full.
func (p *Pool) Submit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		slog.Warn("Background task dropped, queue full",
			"queue_size", cap(p.tasks), "dropped", p.dropped.Load())
		return false
	}
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}

// Submitted returns how many tasks were accepted.
func (p *Pool) Submitted() int64 { return p.submitted.Load() }

// Dropped returns how many tasks were rejected on a full queue.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }
