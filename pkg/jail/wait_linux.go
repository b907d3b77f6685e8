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
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// siginfoChld is the SIGCHLD layout of siginfo_t on 64-bit Linux:
// the 16-byte header followed by the _sigchld union member. The x/sys
// Siginfo type leaves the union opaque, so the fields are declared here.
type siginfoChld struct {
	Signo  int32
	Errno  int32
	Code   int32
	_      int32
	Pid    int32
	UID    uint32
	Status int32
	_      [100]byte // rest of the 128-byte siginfo_t
}

// waitChild performs one non-destructive, non-blocking waitid on the
// child: WNOWAIT leaves the state change pending so that listeners can
// inspect the child (read the perf counter, sample /proc) before its
// kernel state is released. It returns the observation, whether there
// was one, and any syscall failure.
func waitChild(pid int) (event, bool, error) {
	var si siginfoChld
	for {
		_, _, errno := unix.Syscall6(unix.SYS_WAITID,
			uintptr(unix.P_PID), uintptr(pid),
			uintptr(unsafe.Pointer(&si)),
			uintptr(unix.WEXITED|unix.WSTOPPED|unix.WCONTINUED|unix.WNOWAIT|unix.WNOHANG),
			0, 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return event{}, false, fmt.Errorf("waitid(%d): %w", pid, errno)
		}
		break
	}
	if si.Pid == 0 {
		return event{}, false, nil
	}

	ev := event{pid: int(si.Pid), status: int(si.Status)}
	switch si.Code {
	case unix.CLD_EXITED:
		ev.kind = eventExited
	case unix.CLD_KILLED:
		ev.kind = eventKilled
	case unix.CLD_DUMPED:
		ev.kind = eventKilled
		ev.coreDumped = true
	case unix.CLD_STOPPED:
		ev.kind = eventStopped
	case unix.CLD_TRAPPED:
		ev.kind = eventTrapped
	case unix.CLD_CONTINUED:
		ev.kind = eventContinued
	default:
		return event{}, false, fmt.Errorf("waitid(%d): unexpected si_code %d", pid, si.Code)
	}
	return ev, true, nil
}

// reapChild destructively collects the child so no zombie remains. The
// child is expected to be dead or dying (a SIGKILL precedes every call),
// so a short constant backoff covers the window between signal delivery
// and the state change becoming collectable.
func reapChild(pid int) {
	op := func() error {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			return fmt.Errorf("interrupted")
		case err == unix.ECHILD:
			return nil // already collected
		case err != nil:
			return backoff.Permanent(err)
		case wpid == 0:
			return fmt.Errorf("child %d not yet collectable", pid)
		default:
			return nil
		}
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2000)
	_ = backoff.Retry(op, b)
}
