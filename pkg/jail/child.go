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

package jail

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/mdlayher/pidfd"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/procjail/procjail/pkg/wakeup"
)

// Child is the handle to a spawned, supervised process.
//
// Supervision runs on a dedicated OS thread owned by the handle; it is
// the only mutator of the execution state. Run and Kill may be called
// from any goroutine, concurrently.
type Child struct {
	settings *Settings

	// pid of the supervised process. Immutable after Spawn returns.
	pid int

	// handle is the kernel process handle used for signal delivery. A
	// pidfd stays bound to this exact process, so Kill can never hit a
	// recycled PID.
	handle *pidfd.File

	// done is closed by the supervisor thread once the result (or the
	// failure) has been published.
	done chan struct{}

	// reaped is set by the supervisor after the destructive reap;
	// signalling is a no-op past this point.
	reaped atomic.Bool

	result *Result
	runErr error

	closeOnce sync.Once
}

// startChild spawns the child and its supervisor thread, and blocks until
// the spawn protocol has completed (or failed).
func startChild(s *Settings, listeners []listener) (*Child, error) {
	c := &Child{
		settings: s,
		done:     make(chan struct{}),
	}

	setup := make(chan error)
	go c.supervise(listeners, setup)
	if err := <-setup; err != nil {
		return nil, err
	}

	h, err := pidfd.Open(c.pid)
	if err != nil {
		// The supervisor owns the process now; tear it down through the
		// ordinary path.
		_ = c.Kill()
		<-c.done
		return nil, err
	}
	c.handle = h
	return c, nil
}

// supervise is the body of the supervisor thread: spawn with rendezvous,
// wakeup registration, the supervisor loop, and teardown. Everything runs
// on one locked OS thread because ptrace binds the tracer role to the
// thread that attached.
func (c *Child) supervise(listeners []listener, setup chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	st, err := spawn(c.settings, listeners)
	if err != nil {
		setup <- err
		return
	}
	c.pid = st.pid
	setup <- nil

	var sub *wakeup.Subscription
	for _, l := range listeners {
		if l.requiresWakeups(c.settings) {
			if sub, err = wakeup.Register(); err != nil {
				sub = nil
				log.Warnf("wakeup ticker unavailable, periodic limits degrade to event-driven checks: %v", err)
			}
			break
		}
	}

	loopErr := superviseLoop(c.settings, st, listeners, sub)
	c.result, c.runErr = finish(c.settings, st, listeners, loopErr)
	c.reaped.Store(true)
	if sub != nil {
		sub.Close()
	}
	close(c.done)
}

// Pid returns the process ID of the supervised child. The pid may be
// recycled once the child has been reaped; prefer the handle's own
// methods for signalling.
func (c *Child) Pid() int {
	return c.pid
}

// Run waits for the supervised execution to finish and returns its
// Result. It is idempotent: every call, from any number of goroutines,
// blocks until the single supervision pass completes and then returns the
// same cached value. The child is reaped exactly once.
//
// The returned Result is shared; treat it as read-only.
func (c *Child) Run() (*Result, error) {
	<-c.done
	return c.result, c.runErr
}

// Kill delivers SIGKILL to the child through its pidfd. It is a no-op
// once the child has been reaped, and safe to call concurrently with Run;
// if the kill races the natural exit, whichever reaches the kernel first
// decides the terminal ExitReason.
func (c *Child) Kill() error {
	if c.reaped.Load() {
		return nil
	}
	err := c.signal(unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (c *Child) signal(sig unix.Signal) error {
	if c.handle != nil {
		return c.handle.SendSignal(sig)
	}
	return unix.Kill(c.pid, sig)
}

// Close releases the handle. If the execution was never Run to
// completion, the child is killed and reaped first: dropping a handle
// without running it is wasteful, but it must not leak a process.
func (c *Child) Close() error {
	c.closeOnce.Do(func() {
		select {
		case <-c.done:
		default:
			log.WithField("pid", c.pid).Debug("handle closed before Run; killing child")
			_ = c.Kill()
		}
		<-c.done
		if c.handle != nil {
			c.handle.Close()
		}
	})
	return nil
}
