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
	"encoding/base64"
	"encoding/json"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Init diverts execution into the child init path when this process is a
// re-executed jail child, and is a no-op otherwise. It must be the first
// call in main (and in TestMain of any test package that spawns jails):
// everything before it runs twice, once in the supervisor and once in
// every child.
//
// On the child path Init never returns; it either execs the target
// program or reports a failure to the supervisor and exits.
func Init() {
	enc := os.Getenv(initEnvKey)
	if enc == "" {
		return
	}
	os.Unsetenv(initEnvKey)
	childInit(enc)
}

// childInit is the child side of the spawn protocol. It runs between the
// process creation and execvp, standing in for code that would run on the
// shared address space in a raw-clone implementation: only pre-arranged
// descriptors and simple syscalls, no supervision state.
func childInit(enc string) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		childFail(-1, "payload", err)
	}
	payload := new(initPayload)
	if err := json.Unmarshal(raw, payload); err != nil {
		childFail(-1, "payload", err)
	}

	// The status pipe end arrived through fd donation, which cleared
	// CLOEXEC; re-arm it so a successful exec closes the pipe and the
	// supervisor reads EOF.
	if _, err := unix.FcntlInt(uintptr(payload.StatusFD), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		childFail(payload.StatusFD, "status pipe", err)
	}

	ctx := &childContext{payload: payload}
	for _, l := range childListeners(payload) {
		if err := l.postCloneChild(ctx); err != nil {
			childFail(payload.StatusFD, "listener", err)
		}
	}

	if payload.Dir != "" {
		if err := unix.Chdir(payload.Dir); err != nil {
			childFail(payload.StatusFD, "chdir", err)
		}
	}

	// execvp semantics: resolve through PATH.
	target, err := exec.LookPath(payload.Path)
	if err != nil {
		childFail(payload.StatusFD, "exec", err)
	}

	// Child-ready barrier.
	if _, err := unix.Write(payload.StatusFD, []byte{readyByte}); err != nil {
		childFail(payload.StatusFD, "rendezvous", err)
	}

	// Parent-ready barrier: hold until every parent-side listener hook
	// has run. EOF means the supervisor died; dying with it is the only
	// sensible response.
	var b [1]byte
	for {
		n, err := unix.Read(payload.SyncFD, b[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			childFail(payload.StatusFD, "rendezvous", err)
		}
		if n == 0 {
			os.Exit(127)
		}
		break
	}
	unix.Close(payload.SyncFD)

	if err := unix.Exec(target, payload.Args, os.Environ()); err != nil {
		childFail(payload.StatusFD, "exec", err)
	}
}

// childListeners builds the child-side listener set for the feature mask,
// in the same registration order the parent uses. Only the child hooks of
// these values are ever invoked.
func childListeners(payload *initPayload) []listener {
	var listeners []listener
	if payload.Features.has(FeaturePerf) {
		listeners = append(listeners, &perfListener{})
	}
	if payload.Features.has(FeatureTime) {
		listeners = append(listeners, &timeListener{})
	}
	if payload.Features.has(FeatureMemory) {
		listeners = append(listeners, &memoryListener{childFD: payload.MemFD, parentFD: -1})
	}
	if payload.Features.has(FeaturePtrace) {
		listeners = append(listeners, &ptraceListener{})
	}
	return listeners
}

// childFail files a failure report with the supervisor and exits. With no
// usable status pipe it can only die loudly.
func childFail(statusFD int, op string, err error) {
	if statusFD >= 0 {
		report, _ := json.Marshal(&childError{Op: op, Msg: err.Error()})
		for {
			if _, werr := unix.Write(statusFD, report); werr != unix.EINTR {
				break
			}
		}
	}
	os.Exit(127)
}
