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

	"acln.ro/perf"
	log "github.com/sirupsen/logrus"
)

// perfListener counts retired user-mode instructions with a hardware perf
// counter and converts them to measured time at the fixed 2e9/s rate.
//
// The counter is programmed against the child while it waits at the
// pre-exec barrier: created disabled with enable-on-exec, it starts
// ticking at the target program's first instruction and not a moment
// earlier. Kernel and hypervisor instructions are excluded; clones
// inherit the counter so threads are counted too.
type perfListener struct {
	ev *perf.Event
}

func newPerfListener() *perfListener {
	return &perfListener{}
}

// requiresWakeups: an instruction limit needs periodic interrogation; a
// bare measurement only needs the final read.
func (p *perfListener) requiresWakeups(s *Settings) bool {
	return s.InstructionLimit > 0
}

func (p *perfListener) postCloneChild(*childContext) error {
	return nil
}

func (p *perfListener) postCloneParent(s *Settings, st *parentState) error {
	attr := new(perf.Attr)
	if err := perf.Instructions.Configure(attr); err != nil {
		return fmt.Errorf("configuring instruction counter: %w", err)
	}
	attr.Options = perf.Options{
		Disabled:          true,
		EnableOnExec:      true,
		Inherit:           true,
		ExcludeKernel:     true,
		ExcludeHypervisor: true,
	}
	if s.InstructionLimit > 0 {
		// Let the kernel keep the count fresh across the sample period;
		// the 1 ms wakeup cadence does the actual limit checks.
		attr.SetSamplePeriod(uint64(s.InstructionLimit))
		attr.SetWakeupEvents(1)
	}

	ev, err := perf.Open(attr, st.pid, perf.AnyCPU, nil)
	if err != nil {
		return fmt.Errorf("opening instruction counter for %d (is kernel.perf_event_paranoid=-1?): %w", st.pid, err)
	}
	p.ev = ev
	log.WithField("pid", st.pid).Debug("instruction counter armed")
	return nil
}

func (p *perfListener) onWakeup(s *Settings, st *parentState) (decision, error) {
	// A child that failed before its exec never went through the
	// parent-side hooks, so the counter was never armed.
	if p.ev == nil || s.InstructionLimit <= 0 {
		return decisionContinue, nil
	}
	n, err := p.read()
	if err != nil {
		return decisionContinue, err
	}
	if n > s.InstructionLimit {
		st.result.setExitStatus(status(StatusTLE, msgMeasuredTimeExceeded))
		return decisionKill, nil
	}
	return decisionContinue, nil
}

func (p *perfListener) onExecuteEvent(*Settings, *parentState, event) (decision, error) {
	return decisionContinue, nil
}

// postExecute reads the counter one last time while the child's kernel
// state is still pinned by WNOWAIT, stamps the measurement, and applies
// the limit even if the child beat the supervisor to a natural exit.
func (p *perfListener) postExecute(s *Settings, st *parentState) error {
	if p.ev == nil {
		// Unarmed counter: the child died before exec and the deferred
		// child error is the outcome; there is nothing to measure.
		return nil
	}
	n, err := p.read()
	if err != nil {
		return err
	}
	st.result.setInstructions(n)
	if s.InstructionLimit > 0 && n > s.InstructionLimit {
		st.result.setExitStatus(status(StatusTLE, msgMeasuredTimeExceeded))
	}
	return nil
}

func (p *perfListener) read() (int64, error) {
	count, err := p.ev.ReadCount()
	if err != nil {
		return 0, fmt.Errorf("reading instruction counter: %w", err)
	}
	return int64(count.Value), nil
}

// Close releases the counter descriptor.
func (p *perfListener) Close() error {
	if p.ev == nil {
		return nil
	}
	err := p.ev.Close()
	p.ev = nil
	return err
}
