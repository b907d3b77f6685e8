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
	"testing"
	"time"
)

func TestDecisionUnion(t *testing.T) {
	tests := []struct {
		a, b, want decision
	}{
		{decisionContinue, decisionContinue, decisionContinue},
		{decisionContinue, decisionKill, decisionKill},
		{decisionKill, decisionContinue, decisionKill},
		{decisionKill, decisionKill, decisionKill},
	}
	for _, tc := range tests {
		if got := tc.a.union(tc.b); got != tc.want {
			t.Errorf("%v.union(%v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

// fakeListener records how often its hooks run and votes a canned
// decision.
type fakeListener struct {
	vote        decision
	wakeups     int
	events      int
	stampOnWake ExitStatus
}

func (f *fakeListener) requiresWakeups(*Settings) bool                { return false }
func (f *fakeListener) postCloneChild(*childContext) error            { return nil }
func (f *fakeListener) postCloneParent(*Settings, *parentState) error { return nil }

func (f *fakeListener) onWakeup(s *Settings, st *parentState) (decision, error) {
	f.wakeups++
	if f.stampOnWake.Code != StatusOK {
		st.result.setExitStatus(f.stampOnWake)
	}
	return f.vote, nil
}

func (f *fakeListener) onExecuteEvent(*Settings, *parentState, event) (decision, error) {
	f.events++
	return f.vote, nil
}

func (f *fakeListener) postExecute(*Settings, *parentState) error { return nil }

// A Kill vote must not short-circuit the pass: every listener sees every
// pass, and Kill absorbs.
func TestWakeupPassSeesAllListeners(t *testing.T) {
	first := &fakeListener{vote: decisionKill}
	second := &fakeListener{vote: decisionContinue}
	third := &fakeListener{vote: decisionContinue}
	listeners := []listener{first, second, third}

	var st parentState
	dec, err := wakeupPass(listeners, &Settings{}, &st)
	if err != nil {
		t.Fatalf("wakeupPass: %v", err)
	}
	if dec != decisionKill {
		t.Errorf("decision = %v, want kill", dec)
	}
	for i, l := range listeners {
		if l.(*fakeListener).wakeups != 1 {
			t.Errorf("listener %d saw %d wakeups, want 1", i, l.(*fakeListener).wakeups)
		}
	}
}

// When two listeners trip on the same pass, the one registered first
// stamps the verdict.
func TestVerdictRegistrationOrder(t *testing.T) {
	first := &fakeListener{vote: decisionKill, stampOnWake: status(StatusTLE, msgRealTimeExceeded)}
	second := &fakeListener{vote: decisionKill, stampOnWake: status(StatusMLE, msgMemoryExceeded)}

	var st parentState
	dec, err := wakeupPass([]listener{first, second}, &Settings{}, &st)
	if err != nil {
		t.Fatalf("wakeupPass: %v", err)
	}
	if dec != decisionKill {
		t.Errorf("decision = %v, want kill", dec)
	}
	if st.result.Status.Code != StatusTLE {
		t.Errorf("Status = %v, want first-registered TLE", st.result.Status)
	}
}

func TestEventPass(t *testing.T) {
	l := &fakeListener{vote: decisionContinue}
	var st parentState
	dec, err := eventPass([]listener{l}, &Settings{}, &st, event{kind: eventStopped})
	if err != nil {
		t.Fatalf("eventPass: %v", err)
	}
	if dec != decisionContinue || l.events != 1 {
		t.Errorf("dec = %v, events = %d", dec, l.events)
	}
}

// Limit setters imply their features and the listener set follows the
// feature mask in registration order.
func TestBuildListeners(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*Jail) *Jail
		wantKinds []string
	}{
		{
			name:      "no features",
			configure: func(j *Jail) *Jail { return j },
			wantKinds: nil,
		},
		{
			name:      "measured time limit implies perf",
			configure: func(j *Jail) *Jail { return j.MeasuredTimeLimit(time.Second) },
			wantKinds: []string{"*jail.perfListener"},
		},
		{
			name:      "real time limit implies time",
			configure: func(j *Jail) *Jail { return j.RealTimeLimit(time.Second) },
			wantKinds: []string{"*jail.timeListener"},
		},
		{
			name:      "memory limit implies memory",
			configure: func(j *Jail) *Jail { return j.MemoryLimitKiB(1024) },
			wantKinds: []string{"*jail.memoryListener"},
		},
		{
			name: "full set in registration order",
			configure: func(j *Jail) *Jail {
				return j.Features(FeaturePtrace).MemoryLimitKiB(1024).
					UserTimeLimit(time.Second).InstructionLimit(1000)
			},
			wantKinds: []string{"*jail.perfListener", "*jail.timeListener", "*jail.memoryListener", "*jail.ptraceListener"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			j := tc.configure(New("true"))
			listeners, err := buildListeners(&j.settings)
			if err != nil {
				t.Fatalf("buildListeners: %v", err)
			}
			defer closeListeners(listeners)
			if len(listeners) != len(tc.wantKinds) {
				t.Fatalf("got %d listeners, want %d", len(listeners), len(tc.wantKinds))
			}
			for i, want := range tc.wantKinds {
				if got := typeName(listeners[i]); got != want {
					t.Errorf("listener %d = %s, want %s", i, got, want)
				}
			}
		})
	}
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
