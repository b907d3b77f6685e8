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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/procjail/procjail/pkg/setup"
)

// TestMain routes re-executed jail children into their init path; the
// spawned child of every test below is this test binary.
func TestMain(m *testing.M) {
	Init()
	os.Exit(m.Run())
}

func mustRun(t *testing.T, j *Jail) *Result {
	t.Helper()
	child, err := j.Spawn()
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer child.Close()
	result, err := child.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return result
}

// A plain run: no limits, no features, stdout captured.
func TestRunEcho(t *testing.T) {
	out, err := os.CreateTemp(t.TempDir(), "stdout")
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	result := mustRun(t, New("echo").Arg("test").Stdout(out))

	if result.Status.Code != StatusOK {
		t.Errorf("Status = %v, want OK", result.Status)
	}
	if result.Reason.Kind != ReasonExited || result.Reason.ExitCode != 0 {
		t.Errorf("Reason = %v, want exited with status 0", result.Reason)
	}
	data, err := os.ReadFile(out.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "test\n" {
		t.Errorf("stdout = %q, want %q", data, "test\n")
	}
}

// A nonzero exit code is not a verdict; the status stays OK.
func TestRunNonzeroExit(t *testing.T) {
	result := mustRun(t, New("sh").Args("-c", "exit 3"))
	if result.Status.Code != StatusOK {
		t.Errorf("Status = %v, want OK", result.Status)
	}
	if result.Reason.Kind != ReasonExited || result.Reason.ExitCode != 3 {
		t.Errorf("Reason = %v, want exited with status 3", result.Reason)
	}
}

// Exceeding the wall-clock limit kills the child and reports TLE with
// the documented message.
func TestRealTimeLimit(t *testing.T) {
	result := mustRun(t, New("sleep").Arg("5").RealTimeLimit(50*time.Millisecond))

	if result.Status.Code != StatusTLE {
		t.Fatalf("Status = %v, want TLE", result.Status)
	}
	if result.Status.Comment() != msgRealTimeExceeded {
		t.Errorf("Comment = %q, want %q", result.Status.Comment(), msgRealTimeExceeded)
	}
	if result.Reason.Kind != ReasonKilled || result.Reason.Signal != unix.SIGKILL {
		t.Errorf("Reason = %v, want killed by signal 9", result.Reason)
	}
	if result.RealTime < 50*time.Millisecond {
		t.Errorf("RealTime = %v, want >= limit", result.RealTime)
	}
}

// Exceeding the memory limit reports MLE. dd holds its transfer buffer
// for the whole run, so VmPeak comfortably clears the 8 MiB limit; the
// real-time limit is a backstop so a failure cannot hang the test.
func TestMemoryLimit(t *testing.T) {
	result := mustRun(t, New("dd").
		Args("if=/dev/zero", "of=/dev/null", "bs=64M").
		MemoryLimitKiB(8192).
		RealTimeLimit(10*time.Second))

	if result.Status.Code != StatusMLE {
		t.Fatalf("Status = %v (%v), want MLE", result.Status, result.Reason)
	}
	if result.Status.Comment() != msgMemoryExceeded {
		t.Errorf("Comment = %q, want %q", result.Status.Comment(), msgMemoryExceeded)
	}
	if result.MemoryPeakKiB == nil || *result.MemoryPeakKiB <= 8192 {
		t.Errorf("MemoryPeakKiB = %v, want > 8192", result.MemoryPeakKiB)
	}
}

// Time measurement without limits still fills in the final accounting.
func TestTimeMeasurement(t *testing.T) {
	result := mustRun(t, New("sh").Args("-c", "sleep 0.05").Features(FeatureTime))

	if result.Status.Code != StatusOK {
		t.Fatalf("Status = %v, want OK", result.Status)
	}
	if result.RealTime < 40*time.Millisecond {
		t.Errorf("RealTime = %v, want >= ~50ms", result.RealTime)
	}
}

// A pre-exec failure in the child surfaces from Run, not Spawn, and
// names the failing step.
func TestChildErrorPropagation(t *testing.T) {
	tests := []struct {
		name string
		jail *Jail
		want string
	}{
		{
			name: "bad working directory",
			jail: New("true").Dir("/nonexistent-procjail-dir"),
			want: "chdir",
		},
		{
			name: "missing executable",
			jail: New("procjail-no-such-program"),
			want: "exec",
		},
		{
			// The probes' parent-side hooks never run when the child dies
			// before exec; every listener must ride out the whole
			// lifecycle unarmed. No counter is opened on this path, so
			// the perf feature needs no kernel setup here.
			name: "missing executable with probes armed",
			jail: New("procjail-no-such-program").
				Features(FeaturePerf | FeatureTime | FeatureMemory | FeaturePtrace).
				RealTimeLimit(10 * time.Second),
			want: "exec",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			child, err := tc.jail.Spawn()
			if err != nil {
				t.Fatalf("Spawn: %v", err)
			}
			defer child.Close()
			_, err = child.Run()
			if err == nil {
				t.Fatal("Run succeeded, want child setup error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Run error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

// Kill from another goroutine always yields killed-by-9 plus the RE
// status, and the child is reaped exactly once: a second wait sees
// ECHILD.
func TestKillConcurrent(t *testing.T) {
	child, err := New("sleep").Arg("10").Spawn()
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer child.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := child.Kill(); err != nil {
			t.Errorf("Kill: %v", err)
		}
	}()

	result, err := child.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Reason.Kind != ReasonKilled || result.Reason.Signal != unix.SIGKILL {
		t.Fatalf("Reason = %v, want killed by signal 9", result.Reason)
	}
	if result.Status.Code != StatusRE {
		t.Errorf("Status = %v, want RE", result.Status)
	}
	if got, want := result.Status.Comment(), "runtime error: killed by signal 9"; got != want {
		t.Errorf("Comment = %q, want %q", got, want)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(child.Pid(), &ws, unix.WNOHANG, nil); err != unix.ECHILD {
		t.Errorf("Wait4 after Run = %v, want ECHILD (no zombie)", err)
	}

	// Kill after reaping is a no-op.
	if err := child.Kill(); err != nil {
		t.Errorf("Kill after reap: %v", err)
	}
}

// Concurrent Run calls all return the identical cached result.
func TestRunIdempotent(t *testing.T) {
	child, err := New("true").Spawn()
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer child.Close()

	const callers = 4
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := child.Run()
			if err != nil {
				t.Errorf("Run: %v", err)
				return
			}
			results[i] = r
		}()
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Errorf("Run call %d returned a different result value", i)
		}
	}
}

// Close without Run must kill and reap; no zombie survives the handle.
func TestCloseWithoutRun(t *testing.T) {
	child, err := New("sleep").Arg("10").Spawn()
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	pid := child.Pid()
	if err := child.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil); err != unix.ECHILD {
		t.Errorf("Wait4 after Close = %v, want ECHILD", err)
	}
}

// The exit-kill tracer is transparent: a traced child runs to its normal
// end.
func TestPtraceTransparent(t *testing.T) {
	result := mustRun(t, New("sh").Args("-c", "exit 0").Features(FeaturePtrace))
	if result.Status.Code != StatusOK {
		t.Errorf("Status = %v, want OK", result.Status)
	}
	if result.Reason.Kind != ReasonExited || result.Reason.ExitCode != 0 {
		t.Errorf("Reason = %v, want exited with status 0", result.Reason)
	}
}

// Process-wide state (ticker registration, init plumbing) is re-entrant:
// back-to-back and overlapping supervised runs all behave.
func TestReentrant(t *testing.T) {
	for i := 0; i < 2; i++ {
		result := mustRun(t, New("sleep").Arg("5").RealTimeLimit(30*time.Millisecond))
		if result.Status.Code != StatusTLE {
			t.Fatalf("run %d: Status = %v, want TLE", i, result.Status)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			child, err := New("sleep").Arg("5").RealTimeLimit(30 * time.Millisecond).Spawn()
			if err != nil {
				t.Errorf("Spawn: %v", err)
				return
			}
			defer child.Close()
			result, err := child.Run()
			if err != nil {
				t.Errorf("Run: %v", err)
				return
			}
			if result.Status.Code != StatusTLE {
				t.Errorf("Status = %v, want TLE", result.Status)
			}
		}()
	}
	wg.Wait()
}

// requirePerf skips tests that need kernel.perf_event_paranoid = -1.
func requirePerf(t *testing.T) {
	t.Helper()
	ok, err := setup.Check()
	if err != nil || !ok {
		t.Skip("instruction counting unavailable (kernel.perf_event_paranoid != -1)")
	}
}

// With perf enabled, the final count and the derived measured time obey
// the 2e9/s identity.
func TestPerfMeasurement(t *testing.T) {
	requirePerf(t)

	result := mustRun(t, New("sh").
		Args("-c", `i=0; while [ "$i" -lt 100000 ]; do i=$((i+1)); done`).
		Features(FeaturePerf))

	if result.Status.Code != StatusOK {
		t.Fatalf("Status = %v, want OK", result.Status)
	}
	if result.Instructions == nil || *result.Instructions <= 0 {
		t.Fatalf("Instructions = %v, want > 0", result.Instructions)
	}
	wantMeasured := time.Duration(*result.Instructions*1000/instructionsPerSecond) * time.Millisecond
	if result.MeasuredTime == nil || *result.MeasuredTime != wantMeasured {
		t.Errorf("MeasuredTime = %v, want %v", result.MeasuredTime, wantMeasured)
	}
}

// A tight instruction limit trips TLE with the measured-time message.
func TestInstructionLimit(t *testing.T) {
	requirePerf(t)

	result := mustRun(t, New("sh").
		Args("-c", `i=0; while :; do i=$((i+1)); done`).
		InstructionLimit(50_000_000).
		RealTimeLimit(10*time.Second))

	if result.Status.Code != StatusTLE {
		t.Fatalf("Status = %v, want TLE", result.Status)
	}
	if result.Status.Comment() != msgMeasuredTimeExceeded {
		t.Errorf("Comment = %q, want %q", result.Status.Comment(), msgMeasuredTimeExceeded)
	}
	if result.Instructions == nil || *result.Instructions <= 50_000_000 {
		t.Errorf("Instructions = %v, want above the limit", result.Instructions)
	}
}

// Borrowed stdio: the same descriptor serves several runs and is still
// usable afterwards.
func TestStdioBorrowed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combined")
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	for _, arg := range []string{"one", "two"} {
		result := mustRun(t, New("echo").Arg(arg).Stdout(out))
		if result.Status.Code != StatusOK {
			t.Fatalf("Status = %v, want OK", result.Status)
		}
	}
	if _, err := out.WriteString("parent\n"); err != nil {
		t.Fatalf("descriptor unusable after runs: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "one\ntwo\nparent\n"; got != want {
		t.Errorf("combined output = %q, want %q", got, want)
	}
}
