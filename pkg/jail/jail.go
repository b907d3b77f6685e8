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

// Package jail supervises the execution of untrusted programs.
//
// A Jail is configured with a builder-style API, spawned into a Child
// handle, and run to completion. While the child executes, a set of
// listeners attached before its first instruction measure and enforce
// resource consumption: retired user-mode CPU instructions via hardware
// perf counters, wall/user/system time, peak address-space size, and
// process tracing. The handle's Run method blocks until the child terminates and
// returns a Result describing how and why.
//
// The child process is this binary re-executed in an init mode, so
// programs using this package must call Init at the top of main (and of
// TestMain) before anything else:
//
//	func main() {
//		jail.Init()
//		...
//	}
//
// Linux only.
package jail

import (
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Feature selects a supervision capability of a Jail. Features combine as
// a bit set.
type Feature uint8

const (
	// FeaturePerf counts retired user-mode CPU instructions with a
	// hardware perf counter, providing the measured-time fields of the
	// Result. Requires kernel.perf_event_paranoid = -1 (see pkg/setup).
	FeaturePerf Feature = 1 << iota

	// FeatureTime measures wall, user and system time.
	FeatureTime

	// FeatureMemory tracks the child's peak address-space size.
	FeatureMemory

	// FeaturePtrace attaches to the child so that it is killed if the
	// supervisor dies.
	FeaturePtrace
)

// has reports whether all features in f are present in fs.
func (fs Feature) has(f Feature) bool { return fs&f == f }

// Settings is the immutable configuration of a spawned child.
type Settings struct {
	Path string
	Args []string
	Dir  string

	// Stdio descriptors are borrowed from the caller: they are duplicated
	// onto the child's standard slots and never closed on the caller's
	// behalf. A nil descriptor inherits the supervisor's own.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	RealTimeLimit       time.Duration
	UserTimeLimit       time.Duration
	SystemTimeLimit     time.Duration
	UserSystemTimeLimit time.Duration

	// InstructionLimit caps retired user-mode instructions. Zero means
	// unlimited.
	InstructionLimit int64

	// MemoryLimitKiB caps the peak address-space size. Zero means
	// unlimited.
	MemoryLimitKiB uint64

	Features Feature
}

// instructionsPerSecond converts between instruction counts and measured
// time: one second is defined as 2e9 retired user-mode instructions. The
// rate is a convention (the sio2 tradition), not a measurement of the
// host, and must not be calibrated.
const instructionsPerSecond = 2_000_000_000

// Jail configures a supervised child process.
//
// A default configuration is produced by New; builder methods refine it;
// Spawn consumes the configuration and returns the running Child. A Jail
// cannot be reused after Spawn.
type Jail struct {
	settings Settings
}

// New returns a Jail that launches program with no arguments, the
// supervisor's environment, working directory and stdio, no limits and no
// features. If program is not an absolute path, PATH is searched the way
// execvp does.
func New(program string) *Jail {
	return &Jail{settings: Settings{
		Path: program,
		Args: []string{program},
	}}
}

// Arg appends a single argument.
func (j *Jail) Arg(arg string) *Jail {
	j.settings.Args = append(j.settings.Args, arg)
	return j
}

// Args appends several arguments.
func (j *Jail) Args(args ...string) *Jail {
	j.settings.Args = append(j.settings.Args, args...)
	return j
}

// Dir sets the working directory of the child.
func (j *Jail) Dir(dir string) *Jail {
	j.settings.Dir = dir
	return j
}

// Stdin sets the descriptor for the child's standard input. The
// descriptor is borrowed and must stay open until Run returns.
func (j *Jail) Stdin(f *os.File) *Jail {
	j.settings.Stdin = f
	return j
}

// Stdout sets the descriptor for the child's standard output. The
// descriptor is borrowed and must stay open until Run returns.
func (j *Jail) Stdout(f *os.File) *Jail {
	j.settings.Stdout = f
	return j
}

// Stderr sets the descriptor for the child's standard error. The
// descriptor is borrowed and must stay open until Run returns.
func (j *Jail) Stderr(f *os.File) *Jail {
	j.settings.Stderr = f
	return j
}

// Features enables the given supervision features.
func (j *Jail) Features(fs Feature) *Jail {
	j.settings.Features |= fs
	return j
}

// RealTimeLimit kills the child and reports TLE once the given wall-clock
// time has passed. Implies FeatureTime.
func (j *Jail) RealTimeLimit(d time.Duration) *Jail {
	j.settings.RealTimeLimit = d
	return j.Features(FeatureTime)
}

// UserTimeLimit kills the child and reports TLE once it has consumed the
// given user CPU time. Implies FeatureTime.
func (j *Jail) UserTimeLimit(d time.Duration) *Jail {
	j.settings.UserTimeLimit = d
	return j.Features(FeatureTime)
}

// SystemTimeLimit kills the child and reports TLE once it has consumed
// the given system CPU time. Implies FeatureTime.
func (j *Jail) SystemTimeLimit(d time.Duration) *Jail {
	j.settings.SystemTimeLimit = d
	return j.Features(FeatureTime)
}

// UserSystemTimeLimit kills the child and reports TLE once its combined
// user and system CPU time exceeds d. Implies FeatureTime.
func (j *Jail) UserSystemTimeLimit(d time.Duration) *Jail {
	j.settings.UserSystemTimeLimit = d
	return j.Features(FeatureTime)
}

// MeasuredTimeLimit kills the child and reports TLE once its measured
// time (retired instructions at 2e9 per second) exceeds d. Implies
// FeaturePerf.
func (j *Jail) MeasuredTimeLimit(d time.Duration) *Jail {
	return j.InstructionLimit(d.Milliseconds() * (instructionsPerSecond / 1000))
}

// InstructionLimit kills the child and reports TLE once it has retired
// more than n user-mode instructions. Implies FeaturePerf.
func (j *Jail) InstructionLimit(n int64) *Jail {
	j.settings.InstructionLimit = n
	return j.Features(FeaturePerf)
}

// MemoryLimitKiB kills the child and reports MLE once its peak address
// space exceeds n KiB. Implies FeatureMemory.
func (j *Jail) MemoryLimitKiB(n uint64) *Jail {
	j.settings.MemoryLimitKiB = n
	return j.Features(FeatureMemory)
}

// Spawn creates the child process, attaches every listener implied by the
// feature set before the target program starts, and returns a handle to
// the running supervision. The program itself begins executing as soon as
// all parent-side setup has finished; call Run on the handle to wait for
// the result.
//
// A handle that is never Run must be Closed, or the child process leaks.
func (j *Jail) Spawn() (*Child, error) {
	if j.settings.Path == "" {
		return nil, fmt.Errorf("jail: no program configured")
	}

	listeners, err := buildListeners(&j.settings)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"path":     j.settings.Path,
		"features": fmt.Sprintf("%04b", j.settings.Features),
	}).Debug("spawning jailed child")

	return startChild(&j.settings, listeners)
}

// buildListeners instantiates the listener set for the enabled features,
// in registration order. The order is fixed: perf, time, memory, ptrace.
// It decides which listener stamps the verdict when several limits trip
// on the same pass.
func buildListeners(s *Settings) ([]listener, error) {
	var listeners []listener
	if s.Features.has(FeaturePerf) {
		listeners = append(listeners, newPerfListener())
	}
	if s.Features.has(FeatureTime) {
		listeners = append(listeners, newTimeListener())
	}
	if s.Features.has(FeatureMemory) {
		m, err := newMemoryListener()
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, m)
	}
	if s.Features.has(FeaturePtrace) {
		listeners = append(listeners, newPtraceListener())
	}
	return listeners, nil
}
