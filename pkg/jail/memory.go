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
	"os"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// memoryListener tracks the child's peak address-space size (VmPeak) and
// enforces the memory limit by sampling, not by rlimit: the child's
// RLIMIT_AS and RLIMIT_STACK are raised to their hard ceilings so an
// over-limit allocation is observed and judged instead of dying on a
// spurious SIGSEGV.
//
// Until the target program has actually exec'd, /proc/<pid>/status shows
// the supervisor's own image, so sampling has to wait. The signal is a
// CLOEXEC pipe: the child holds the write end, the exec closes it, and
// the parent reads EOF.
type memoryListener struct {
	// parentFD is the nonblocking read end (parent side, -1 in the
	// child). childW is the write end while it awaits donation.
	parentFD int
	childW   *os.File

	// childFD is the donated write end's number in the child's table
	// (child side only).
	childFD int

	execSeen bool
	peakKiB  uint64
}

func newMemoryListener() (*memoryListener, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("creating exec-detection pipe: %w", err)
	}
	return &memoryListener{
		parentFD: fds[0],
		childW:   os.NewFile(uintptr(fds[1]), "procjail-exec-detect"),
		childFD:  -1,
	}, nil
}

// donateChild hands the write end to the spawn coordinator for
// inheritance by the child.
func (m *memoryListener) donateChild() *os.File {
	return m.childW
}

func (m *memoryListener) requiresWakeups(s *Settings) bool {
	return s.MemoryLimitKiB > 0
}

// postCloneChild runs in the child: re-arm CLOEXEC on the donated write
// end (fd donation cleared it) and lift the address-space and stack
// rlimits to their hard ceilings, leaving enforcement to the parent's
// sampling.
func (m *memoryListener) postCloneChild(*childContext) error {
	if _, err := unix.FcntlInt(uintptr(m.childFD), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return fmt.Errorf("arming exec-detection pipe: %w", err)
	}
	for _, resource := range []int{unix.RLIMIT_AS, unix.RLIMIT_STACK} {
		var lim unix.Rlimit
		if err := unix.Getrlimit(resource, &lim); err != nil {
			return fmt.Errorf("getrlimit(%d): %w", resource, err)
		}
		lim.Cur = lim.Max
		if err := unix.Setrlimit(resource, &lim); err != nil {
			return fmt.Errorf("setrlimit(%d): %w", resource, err)
		}
	}
	return nil
}

// postCloneParent drops the parent's copy of the write end so that the
// child's exec is the only thing keeping the pipe open.
func (m *memoryListener) postCloneParent(*Settings, *parentState) error {
	err := m.childW.Close()
	m.childW = nil
	return err
}

func (m *memoryListener) onWakeup(s *Settings, st *parentState) (decision, error) {
	if !m.execCalled() {
		return decisionContinue, nil
	}

	// The sample is best-effort: a child that just became a zombie has
	// dropped its Vm* lines, and the running maximum already covers it.
	if kib, err := peakMemoryKiB(st.pid); err == nil && kib > m.peakKiB {
		m.peakKiB = kib
	}

	if s.MemoryLimitKiB > 0 && m.peakKiB > s.MemoryLimitKiB {
		st.result.setExitStatus(status(StatusMLE, msgMemoryExceeded))
		return decisionKill, nil
	}
	return decisionContinue, nil
}

func (m *memoryListener) onExecuteEvent(*Settings, *parentState, event) (decision, error) {
	return decisionContinue, nil
}

func (m *memoryListener) postExecute(s *Settings, st *parentState) error {
	st.result.setMemoryPeakKiB(m.peakKiB)
	if s.MemoryLimitKiB > 0 && m.peakKiB > s.MemoryLimitKiB {
		st.result.setExitStatus(status(StatusMLE, msgMemoryExceeded))
	}
	return nil
}

// execCalled reports whether the target program has exec'd, observed as
// EOF on the exec-detection pipe. EAGAIN means not yet; EINTR retries.
func (m *memoryListener) execCalled() bool {
	if m.execSeen {
		return true
	}
	var b [1]byte
	for {
		n, err := unix.Read(m.parentFD, b[:])
		switch {
		case n == 0 && err == nil:
			m.execSeen = true
			return true
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false
		default:
			// Nothing is ever written on this pipe; any other outcome
			// means the descriptor is gone.
			return false
		}
	}
}

func peakMemoryKiB(pid int) (uint64, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, fmt.Errorf("opening /proc/%d: %w", pid, err)
	}
	procStatus, err := proc.NewStatus()
	if err != nil {
		return 0, fmt.Errorf("reading /proc/%d/status: %w", pid, err)
	}
	return procStatus.VmPeak / 1024, nil
}

// Close releases whichever pipe ends the parent still holds.
func (m *memoryListener) Close() error {
	if m.childW != nil {
		m.childW.Close()
		m.childW = nil
	}
	if m.parentFD >= 0 {
		unix.Close(m.parentFD)
		m.parentFD = -1
	}
	return nil
}
