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
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/procjail/procjail/pkg/wakeup"
)

// superviseLoop drives the listener lifecycle until the terminal event.
//
// Each iteration runs the wakeup pass across every listener (a Kill vote
// is absorbing and triggers an immediate SIGKILL, but the loop keeps
// going: the terminal event still has to be observed), checks the
// deferred child-error slot, harvests at most one state change with a
// non-destructive waitid, dispatches it to the listeners, and either
// finishes on a terminal event or blocks in poll on the pidfd and the
// wakeup pipe until there is something new to look at.
//
// The caller owns teardown (post-execute pass, reap, descriptor release)
// on every return path.
func superviseLoop(s *Settings, st *parentState, listeners []listener, sub *wakeup.Subscription) error {
	for {
		dec, err := wakeupPass(listeners, s, st)
		if err != nil {
			return err
		}
		if dec == decisionKill {
			log.WithField("pid", st.pid).Debug("listener vote: killing child")
			_ = unix.Kill(st.pid, unix.SIGKILL)
		}

		if err := st.checkChildError(); err != nil {
			return err
		}

		ev, ok, err := waitChild(st.pid)
		if err != nil {
			return err
		}
		if !ok {
			if err := pollChild(st.pidFD, sub, -1); err != nil {
				return err
			}
			continue
		}

		evDec, err := eventPass(listeners, s, st, ev)
		if err != nil {
			return err
		}
		if evDec == decisionKill {
			_ = unix.Kill(st.pid, unix.SIGKILL)
		}

		switch ev.kind {
		case eventExited:
			st.result.setReason(ExitReason{Kind: ReasonExited, ExitCode: ev.status})
			return nil
		case eventKilled:
			sig := unix.Signal(ev.status)
			st.result.setReason(ExitReason{Kind: ReasonKilled, Signal: sig})
			// If no limit verdict was stamped first, a terminating
			// signal is a runtime error; first-writer-wins applies.
			st.result.setExitStatus(status(StatusRE,
				fmt.Sprintf("runtime error: killed by signal %d", int(sig))))
			return nil
		case eventTrapped:
			// Non-terminal; the ptrace probe has resumed the tracee.
		default:
			// A job-control stop stays observable until something else
			// happens, so WNOWAIT would hand it straight back. Pace the
			// loop instead of spinning on it.
			if err := pollChild(st.pidFD, sub, int(wakeup.Interval.Milliseconds())); err != nil {
				return err
			}
		}
	}
}

// pollChild blocks until the child changes state (pidfd readable), the
// wakeup ticker fires, the timeout (in milliseconds, -1 for none)
// expires, or the poll is interrupted. EINTR counts as a wakeup: the
// caller re-runs the listener pass either way.
func pollChild(pidFD int, sub *wakeup.Subscription, timeout int) error {
	fds := []unix.PollFd{{Fd: int32(pidFD), Events: unix.POLLIN}}
	if sub != nil {
		fds = append(fds, unix.PollFd{Fd: int32(sub.FD()), Events: unix.POLLIN})
	}
	_, err := unix.Poll(fds, timeout)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("polling child: %w", err)
	}
	if sub != nil {
		sub.Drain()
	}
	return nil
}

// finish runs the post-terminal half of supervision: the post-execute
// pass, a last look at the child-error slot, and the destructive reap
// that guarantees no zombie outlives the handle.
func finish(s *Settings, st *parentState, listeners []listener, loopErr error) (*Result, error) {
	var postErr error
	for _, l := range listeners {
		if err := l.postExecute(s, st); err != nil && postErr == nil {
			postErr = err
		}
	}

	// The child may have filed a report between the last checkpoint and
	// its death; it takes precedence over secondary failures.
	_ = st.checkChildError()

	// The terminal event was observed with WNOWAIT, so the zombie is
	// still there; the kill is for the case where supervision failed
	// mid-flight with the child alive.
	_ = unix.Kill(st.pid, unix.SIGKILL)
	reapChild(st.pid)

	st.closePipes()
	closeListeners(listeners)

	switch {
	case st.childErr != nil:
		return nil, st.childErr
	case loopErr != nil:
		return nil, loopErr
	case postErr != nil:
		return nil, postErr
	}
	res := st.result
	return &res, nil
}
