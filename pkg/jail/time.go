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
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"github.com/tklauser/go-sysconf"
)

var (
	clockTicksOnce sync.Once

	// clockTicksPerSecond is USER_HZ: the unit of the utime/stime fields
	// of /proc/<pid>/stat. Read once from sysconf(_SC_CLK_TCK); 100 is
	// the fallback every mainstream kernel config uses anyway.
	clockTicksPerSecond uint64 = 100
)

func clockTicks() uint64 {
	clockTicksOnce.Do(func() {
		if tck, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && tck > 0 {
			clockTicksPerSecond = uint64(tck)
		}
	})
	return clockTicksPerSecond
}

// timeUsage is one sample of the child's time consumption.
type timeUsage struct {
	real   time.Duration
	user   time.Duration
	system time.Duration
}

// timeListener accounts wall, user and system time and enforces the four
// time limits. Wall time runs from a monotonic anchor taken at
// parent-side setup; CPU times come from /proc/<pid>/stat.
type timeListener struct {
	anchor    time.Time
	limitsSet bool

	// armed is set by postCloneParent; a child that failed before exec
	// never runs the parent-side hooks, and an unanchored clock must not
	// be consulted.
	armed bool
}

func newTimeListener() *timeListener {
	clockTicks()
	return &timeListener{}
}

func anyTimeLimit(s *Settings) bool {
	return s.RealTimeLimit > 0 || s.UserTimeLimit > 0 ||
		s.SystemTimeLimit > 0 || s.UserSystemTimeLimit > 0
}

func (t *timeListener) requiresWakeups(s *Settings) bool {
	return anyTimeLimit(s)
}

func (t *timeListener) postCloneChild(*childContext) error {
	return nil
}

// postCloneParent anchors the wall clock. The child is still at the
// barrier, so the anchor slightly predates the first target instruction;
// the overshoot is the barrier release latency.
func (t *timeListener) postCloneParent(s *Settings, st *parentState) error {
	t.anchor = time.Now()
	t.limitsSet = anyTimeLimit(s)
	t.armed = true
	return nil
}

func (t *timeListener) onWakeup(s *Settings, st *parentState) (decision, error) {
	if !t.armed || !t.limitsSet {
		return decisionContinue, nil
	}
	usage, err := t.sample(st.pid)
	if err != nil {
		return decisionContinue, err
	}
	return t.verify(s, st, usage), nil
}

func (t *timeListener) onExecuteEvent(*Settings, *parentState, event) (decision, error) {
	return decisionContinue, nil
}

// postExecute records the final accounting (the WNOWAIT zombie still
// carries its counters) and applies the limits one last time, so that a
// child that died right at the boundary is still judged.
func (t *timeListener) postExecute(s *Settings, st *parentState) error {
	if !t.armed {
		return nil
	}
	usage, err := t.sample(st.pid)
	if err != nil {
		return err
	}
	st.result.RealTime = usage.real
	st.result.UserTime = usage.user
	st.result.SystemTime = usage.system
	if t.limitsSet {
		t.verify(s, st, usage)
	}
	return nil
}

// verify applies the limits in their priority order: real > user >
// system > user+system. Only the first tripped limit stamps the verdict.
func (t *timeListener) verify(s *Settings, st *parentState, usage timeUsage) decision {
	switch {
	case s.RealTimeLimit > 0 && usage.real > s.RealTimeLimit:
		st.result.setExitStatus(status(StatusTLE, msgRealTimeExceeded))
	case s.UserTimeLimit > 0 && usage.user > s.UserTimeLimit:
		st.result.setExitStatus(status(StatusTLE, msgUserTimeExceeded))
	case s.SystemTimeLimit > 0 && usage.system > s.SystemTimeLimit:
		st.result.setExitStatus(status(StatusTLE, msgSystemTimeExceeded))
	case s.UserSystemTimeLimit > 0 && usage.user+usage.system > s.UserSystemTimeLimit:
		st.result.setExitStatus(status(StatusTLE, msgUserSystemTimeExceeded))
	default:
		return decisionContinue
	}
	return decisionKill
}

func (t *timeListener) sample(pid int) (timeUsage, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return timeUsage{}, fmt.Errorf("opening /proc/%d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return timeUsage{}, fmt.Errorf("reading /proc/%d/stat: %w", pid, err)
	}
	return timeUsage{
		real:   time.Since(t.anchor),
		user:   ticksToDuration(uint64(stat.UTime)),
		system: ticksToDuration(uint64(stat.STime)),
	}, nil
}

func ticksToDuration(ticks uint64) time.Duration {
	return time.Duration(ticks*1_000_000/clockTicks()) * time.Microsecond
}
