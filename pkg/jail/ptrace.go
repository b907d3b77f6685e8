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
)

// ptraceListener attaches to the child before it execs. Its load-bearing
// effect is PTRACE_O_EXITKILL: if the supervisor dies, the kernel kills
// the tracee, so an orphaned submission can never keep running.
//
// All ptrace requests bind to the attaching thread, which is why the
// whole supervision runs on one locked OS thread.
type ptraceListener struct {
	attached bool
}

func newPtraceListener() *ptraceListener {
	return &ptraceListener{}
}

// requiresWakeups: a pidfd only polls readable on exit, not on ptrace
// stops, so trap events are harvested on the wakeup cadence.
func (p *ptraceListener) requiresWakeups(*Settings) bool {
	return true
}

func (p *ptraceListener) postCloneChild(*childContext) error {
	return nil
}

// postCloneParent attaches while the child waits at the pre-exec barrier,
// consumes the attach stop, sets the options and lets it continue back
// into the barrier wait.
func (p *ptraceListener) postCloneParent(s *Settings, st *parentState) error {
	if err := unix.PtraceAttach(st.pid); err != nil {
		return fmt.Errorf("ptrace attach to %d: %w", st.pid, err)
	}
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(st.pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("waiting for attach stop of %d: %w", st.pid, err)
		}
		break
	}
	if err := unix.PtraceSetOptions(st.pid, unix.PTRACE_O_EXITKILL|unix.PTRACE_O_TRACEEXIT); err != nil {
		return fmt.Errorf("setting ptrace options on %d: %w", st.pid, err)
	}
	if err := unix.PtraceCont(st.pid, 0); err != nil {
		return fmt.Errorf("resuming tracee %d: %w", st.pid, err)
	}
	p.attached = true
	log.WithField("pid", st.pid).Debug("tracee attached with exit-kill")
	return nil
}

func (p *ptraceListener) onWakeup(*Settings, *parentState) (decision, error) {
	return decisionContinue, nil
}

// onExecuteEvent resumes the tracee after each trap stop. The exec
// SIGTRAP and PTRACE_EVENT stops are swallowed; a real pending signal is
// reinjected so tracing stays transparent.
func (p *ptraceListener) onExecuteEvent(s *Settings, st *parentState, ev event) (decision, error) {
	if !p.attached || ev.kind != eventTrapped {
		return decisionContinue, nil
	}
	sig := 0
	if delivered := unix.Signal(ev.status & 0x7f); delivered != unix.SIGTRAP {
		sig = ev.status & 0x7f
	}
	if err := unix.PtraceCont(st.pid, sig); err != nil && err != unix.ESRCH {
		return decisionContinue, fmt.Errorf("resuming tracee %d: %w", st.pid, err)
	}
	return decisionContinue, nil
}

func (p *ptraceListener) postExecute(*Settings, *parentState) error {
	// Exit detaches; EXITKILL has no further role once the child is gone.
	p.attached = false
	return nil
}
