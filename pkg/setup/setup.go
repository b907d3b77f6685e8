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

// Package setup prepares the kernel for instruction counting.
//
// Opening a per-task hardware counter for another process requires
// kernel.perf_event_paranoid = -1. Check inspects the current value;
// Temporarily and Permanently set it through pkexec, the latter also
// persisting it to /etc/sysctl.conf so it survives reboots.
package setup

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
)

// paranoidPath is where the kernel exposes the perf_event_paranoid
// sysctl.
const paranoidPath = "/proc/sys/kernel/perf_event_paranoid"

var (
	// ErrPkexecNotFound means privilege elevation is unavailable because
	// pkexec is not installed.
	ErrPkexecNotFound = errors.New("pkexec not found")

	// ErrAuthenticationFailed means the user dismissed or failed the
	// pkexec authentication dialog.
	ErrAuthenticationFailed = errors.New("failed to elevate permissions using pkexec")
)

// CommandError reports a failed setup command.
type CommandError struct {
	Output string
}

// Error implements error.
func (e *CommandError) Error() string {
	return fmt.Sprintf("setup command failed: %s", e.Output)
}

// Check reports whether the kernel currently allows procjail's
// instruction counting.
func Check() (bool, error) {
	value, err := os.ReadFile(paranoidPath)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", paranoidPath, err)
	}
	return strings.TrimSpace(string(value)) == "-1", nil
}

// Temporarily sets kernel.perf_event_paranoid = -1 until the next reboot.
func Temporarily() error {
	return pkexec("sysctl", "-w", "kernel.perf_event_paranoid=-1")
}

// Permanently sets kernel.perf_event_paranoid = -1 and appends the
// setting to /etc/sysctl.conf so it persists across reboots.
func Permanently() error {
	return pkexec("sh", "-c",
		"set -e; "+
			"sysctl -w kernel.perf_event_paranoid=-1; "+
			"printf '\\n# Required by procjail:\\nkernel.perf_event_paranoid = -1\\n' >> /etc/sysctl.conf")
}

// pkexec runs a command with elevated privileges. pkexec reserves exit
// codes 126 and 127 for the authentication dialog being dismissed or
// failing.
func pkexec(program string, args ...string) error {
	cmd := exec.Command("pkexec", append([]string{program}, args...)...)
	log.WithField("cmd", strings.Join(cmd.Args, " ")).Debug("elevating")

	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return ErrPkexecNotFound
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 126, 127:
			return ErrAuthenticationFailed
		case -1:
			return &CommandError{Output: "the process was terminated by a signal"}
		default:
			return &CommandError{Output: strings.TrimSpace(string(output))}
		}
	}
	return err
}
