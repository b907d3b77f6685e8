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
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// initEnvKey carries the base64-encoded init payload to the re-executed
// child. Its presence is what switches Init into the child path.
const initEnvKey = "_PROCJAIL_INIT"

// readyByte is written on the status pipe by the child once its pre-exec
// setup is done ("child ready"), and on the sync pipe by the parent once
// every parent-side listener hook has completed ("parent ready"). The
// child does not exec until it has read the latter.
const readyByte = 0x1

// initPayload is the configuration shipped to the child init process.
// Descriptor numbers refer to the child's descriptor table.
type initPayload struct {
	Path     string   `json:"path"`
	Args     []string `json:"args"`
	Dir      string   `json:"dir,omitempty"`
	Features Feature  `json:"features"`

	SyncFD   int `json:"syncFd"`
	StatusFD int `json:"statusFd"`
	MemFD    int `json:"memFd"`
}

// childContext is what postCloneChild hooks get to work with inside the
// child init process.
type childContext struct {
	payload *initPayload
}

// childError is a pre-exec failure in the child, shipped to the parent
// over the status pipe. It surfaces from Run, never from Spawn: the spawn
// itself succeeded, the execution did not.
type childError struct {
	Op  string `json:"op"`
	Msg string `json:"msg"`
}

// Error implements error.
func (e *childError) Error() string {
	return fmt.Sprintf("child setup failed: %s: %s", e.Op, e.Msg)
}

// parentState is the supervisor-side view of a spawned child. It is
// mutated only by the supervisor goroutine. The pipe descriptors are kept
// raw: the runtime poller would hide EAGAIN, and the checkpoint reads
// depend on it.
type parentState struct {
	pid   int
	pidFD int

	result Result

	// statusFD is the parent end of the status pipe, nonblocking after
	// the rendezvous. The child holds the write end with CLOEXEC armed,
	// so EOF means the target program exec'd; a JSON record means
	// pre-exec setup failed.
	statusFD int

	// statusBuf accumulates whatever the child wrote before exiting.
	statusBuf bytes.Buffer

	// execObserved is set once EOF is seen on the status pipe.
	execObserved bool

	// childErr is the deferred child-side error, decoded at the first
	// checkpoint that observes it.
	childErr error
}

// decodeChildReport turns the accumulated status-pipe bytes into the
// deferred child error.
func (st *parentState) decodeChildReport() {
	if st.statusBuf.Len() == 0 {
		return
	}
	ce := new(childError)
	if err := json.Unmarshal(st.statusBuf.Bytes(), ce); err != nil {
		st.childErr = fmt.Errorf("child setup failed: undecodable report %q", st.statusBuf.String())
		return
	}
	st.childErr = ce
}

// checkChildError is the supervisor checkpoint: it drains the status pipe
// without blocking and returns the deferred child-side error once the
// child's side of the story is complete.
func (st *parentState) checkChildError() error {
	if st.childErr != nil {
		return st.childErr
	}
	if st.statusFD < 0 || st.execObserved {
		return nil
	}

	var buf [256]byte
	for {
		n, err := unix.Read(st.statusFD, buf[:])
		switch {
		case n > 0:
			st.statusBuf.Write(buf[:n])
		case n == 0 && err == nil:
			// EOF: either the exec happened (CLOEXEC closed the write
			// end) or the child died after filing its report.
			st.execObserved = true
			st.decodeChildReport()
			return st.childErr
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			// No new data; the child is still before its exec.
			return nil
		default:
			return fmt.Errorf("reading child status pipe: %w", err)
		}
	}
}

// closePipes releases the parent-held pipe ends.
func (st *parentState) closePipes() {
	if st.statusFD >= 0 {
		unix.Close(st.statusFD)
		st.statusFD = -1
	}
	if st.pidFD >= 0 {
		unix.Close(st.pidFD)
		st.pidFD = -1
	}
}

// spawn creates the child process and performs the two-barrier rendezvous
// of the spawn protocol:
//
//  1. the child is started as this binary in init mode, holding the sync
//     and status pipes (plus any listener-donated descriptors);
//  2. the child runs its listener hooks, chdir and stdio setup, writes
//     the ready byte on the status pipe and blocks on the sync pipe;
//  3. the parent runs every listener's parent-side hook in registration
//     order against the quiescent child;
//  4. the parent writes the ready byte on the sync pipe, releasing the
//     child into execvp.
//
// Any parent-side hook failure kills the partially-initialized child and
// fails the spawn. Any child-side failure before exec is reported through
// the status pipe and surfaces from Run.
//
// Must be called on the locked supervisor thread: ptrace attachment done
// by listener hooks binds to the calling thread.
func spawn(s *Settings, listeners []listener) (*parentState, error) {
	var syncFDs, statusFDs [2]int
	if err := unix.Pipe2(syncFDs[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating sync pipe: %w", err)
	}
	if err := unix.Pipe2(statusFDs[:], unix.O_CLOEXEC); err != nil {
		unix.Close(syncFDs[0])
		unix.Close(syncFDs[1])
		return nil, fmt.Errorf("creating status pipe: %w", err)
	}

	// The child ends travel through ExtraFiles, which dups them (and in
	// passing clears CLOEXEC; the init process re-arms it on the status
	// pipe so that the target exec produces the EOF the parent wants).
	syncR := os.NewFile(uintptr(syncFDs[0]), "procjail-sync")
	statusW := os.NewFile(uintptr(statusFDs[1]), "procjail-status")

	exe, err := os.Executable()
	if err != nil {
		exe = "/proc/self/exe"
	}

	// Descriptors donated after stdio start at 3, in ExtraFiles order.
	payload := &initPayload{
		Path:     s.Path,
		Args:     s.Args,
		Dir:      s.Dir,
		Features: s.Features,
		SyncFD:   3,
		StatusFD: 4,
		MemFD:    -1,
	}
	extra := []*os.File{syncR, statusW}
	for _, l := range listeners {
		if d, ok := l.(fdDonor); ok {
			payload.MemFD = 3 + len(extra)
			extra = append(extra, d.donateChild())
		}
	}

	enc, err := json.Marshal(payload)
	if err != nil {
		syncR.Close()
		statusW.Close()
		unix.Close(syncFDs[1])
		unix.Close(statusFDs[0])
		return nil, fmt.Errorf("encoding init payload: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Args[0] = "procjail-init"
	cmd.Env = append(os.Environ(), initEnvKey+"="+base64.StdEncoding.EncodeToString(enc))
	cmd.Stdin = orInherit(s.Stdin, os.Stdin)
	cmd.Stdout = orInherit(s.Stdout, os.Stdout)
	cmd.Stderr = orInherit(s.Stderr, os.Stderr)
	cmd.ExtraFiles = extra

	if err := cmd.Start(); err != nil {
		syncR.Close()
		statusW.Close()
		unix.Close(syncFDs[1])
		unix.Close(statusFDs[0])
		return nil, fmt.Errorf("starting child: %w", err)
	}

	st := &parentState{pid: cmd.Process.Pid, pidFD: -1, statusFD: statusFDs[0]}

	// The child's copies of these ends live on in its descriptor table;
	// the parent must not hold them or EOF detection breaks.
	syncR.Close()
	statusW.Close()
	syncW := syncFDs[1]

	log.WithField("pid", st.pid).Debug("child started, waiting for rendezvous")

	fail := func(err error) (*parentState, error) {
		_ = unix.Kill(st.pid, unix.SIGKILL)
		reapChild(st.pid)
		unix.Close(syncW)
		st.closePipes()
		closeListeners(listeners)
		return nil, err
	}

	pidFD, err := unix.PidfdOpen(st.pid, 0)
	if err != nil {
		return fail(fmt.Errorf("opening pidfd for %d: %w", st.pid, err))
	}
	st.pidFD = pidFD

	// Child-ready barrier. A JSON record instead of the ready byte means
	// the child failed before reaching the barrier; that is a deferred
	// execution error, not a spawn error, so supervision proceeds and Run
	// reports it.
	ready, err := awaitChildReady(st)
	if err != nil {
		return fail(err)
	}

	if ready {
		for _, l := range listeners {
			if err := l.postCloneParent(s, st); err != nil {
				return fail(fmt.Errorf("listener setup: %w", err))
			}
		}
	}

	// Parent-ready barrier: release the child into exec. From here on the
	// status pipe is polled nonblockingly at supervisor checkpoints.
	if err := unix.SetNonblock(st.statusFD, true); err != nil {
		return fail(fmt.Errorf("status pipe: %w", err))
	}
	for {
		_, err := unix.Write(syncW, []byte{readyByte})
		if err == unix.EINTR {
			continue
		}
		if err != nil && ready {
			return fail(fmt.Errorf("releasing child: %w", err))
		}
		break
	}
	unix.Close(syncW)

	return st, nil
}

// awaitChildReady blocks until the child signals the ready byte, reports
// a pre-exec failure, or dies. It returns whether the child is alive and
// waiting at the barrier.
func awaitChildReady(st *parentState) (bool, error) {
	var b [1]byte
	for {
		n, err := unix.Read(st.statusFD, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("waiting for child rendezvous: %w", err)
		}
		if n == 0 {
			st.execObserved = true
			st.childErr = fmt.Errorf("child setup failed: exited before rendezvous")
			return false, nil
		}
		if b[0] == readyByte {
			return true, nil
		}
		// The first byte of a failure report: slurp the rest (the child
		// writes it in one go and exits, so read to EOF) and decode.
		st.statusBuf.WriteByte(b[0])
		var buf [256]byte
		for {
			n, err := unix.Read(st.statusFD, buf[:])
			if n > 0 {
				st.statusBuf.Write(buf[:n])
			}
			if err == unix.EINTR {
				continue
			}
			if err != nil {
				return false, fmt.Errorf("reading child failure report: %w", err)
			}
			if n == 0 {
				break
			}
		}
		st.execObserved = true
		st.decodeChildReport()
		return false, nil
	}
}

// fdDonor is implemented by listeners that need a descriptor inherited by
// the child (the memory probe's exec-detection pipe).
type fdDonor interface {
	donateChild() *os.File
}

func closeListeners(listeners []listener) {
	for _, l := range listeners {
		if c, ok := l.(interface{ Close() error }); ok {
			c.Close()
		}
	}
}

func orInherit(f *os.File, inherited *os.File) *os.File {
	if f != nil {
		return f
	}
	return inherited
}
