// Copyright 2024 The procjail Authors.
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

// Package wakeup provides the process-wide supervision ticker.
//
// Supervisors that enforce periodic limits register a Subscription; a
// single shared goroutine then taps every subscriber's notification pipe
// once per millisecond. A supervisor blocked in poll includes its
// subscription descriptor in the poll set and is woken on the cadence
// even when its child produces no events.
//
// The pipes are nonblocking on both ends: ticks coalesce when a
// subscriber is slow to drain (EAGAIN on write means a tick is already
// pending), and draining stops at EAGAIN. The ticker starts lazily with
// the first subscriber and is shared by every supervisor in the process.
package wakeup

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"
)

// Interval is the supervision cadence.
const Interval = time.Millisecond

// Subscription is one supervisor's membership in the ticker.
type Subscription struct {
	readFD  int
	writeFD int
}

// FD returns the descriptor to include in a poll set; it becomes
// readable on every tick.
func (s *Subscription) FD() int {
	return s.readFD
}

// Drain consumes pending ticks. EINTR retries; EAGAIN means the pipe is
// empty, which is the normal exit.
func (s *Subscription) Drain() {
	var buf [16]byte
	for {
		n, err := unix.Read(s.readFD, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return
		}
	}
}

// Close unregisters the subscription and releases its pipe.
func (s *Subscription) Close() error {
	mu.Lock()
	delete(subscribers, s)
	mu.Unlock()
	unix.Close(s.writeFD)
	unix.Close(s.readFD)
	return nil
}

var (
	mu          sync.Mutex
	subscribers = make(map[*Subscription]struct{})
	ticker      *tomb.Tomb
)

// Register joins the process-wide ticker, starting it on first use.
func Register() (*Subscription, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("creating wakeup pipe: %w", err)
	}
	s := &Subscription{readFD: fds[0], writeFD: fds[1]}

	mu.Lock()
	defer mu.Unlock()
	if ticker == nil {
		t := new(tomb.Tomb)
		t.Go(func() error { return tick(t) })
		ticker = t
	}
	subscribers[s] = struct{}{}
	return s, nil
}

// Stop halts the shared ticker and waits for it to exit. Intended for
// tests; live subscriptions simply stop receiving ticks.
func Stop() {
	mu.Lock()
	t := ticker
	ticker = nil
	mu.Unlock()
	if t != nil {
		t.Kill(nil)
		_ = t.Wait()
	}
}

// tick is the body of the shared ticker goroutine.
func tick(life *tomb.Tomb) error {
	t := time.NewTicker(Interval)
	defer t.Stop()

	for {
		select {
		case <-life.Dying():
			return nil
		case <-t.C:
			mu.Lock()
			for s := range subscribers {
				// Nonblocking: EAGAIN means an undrained tick is already
				// queued and this one coalesces into it.
				_, _ = unix.Write(s.writeFD, []byte{1})
			}
			mu.Unlock()
		}
	}
}
