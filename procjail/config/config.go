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

// Package config holds the tool-wide configuration: global flags plus an
// optional TOML file carrying default limits, so a judge deployment does
// not have to repeat them on every invocation.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the tool-wide configuration, assembled from global flags and
// the optional defaults file and handed to every subcommand.
type Config struct {
	// Debug enables debug logging.
	Debug bool

	// LogFormat selects the log output format: text or json.
	LogFormat string

	// Defaults are limits applied to every run unless overridden by a
	// flag.
	Defaults Defaults
}

// Defaults mirrors the TOML defaults file:
//
//	real-time-limit = "10s"
//	measured-time-limit = "1s"
//	memory-limit-kib = 262144
//	features = ["perf", "memory"]
type Defaults struct {
	RealTimeLimit       duration `toml:"real-time-limit"`
	UserTimeLimit       duration `toml:"user-time-limit"`
	SystemTimeLimit     duration `toml:"system-time-limit"`
	UserSystemTimeLimit duration `toml:"user-system-time-limit"`
	MeasuredTimeLimit   duration `toml:"measured-time-limit"`
	InstructionLimit    int64    `toml:"instruction-limit"`
	MemoryLimitKiB      uint64   `toml:"memory-limit-kib"`
	Features            []string `toml:"features"`
}

// duration makes time.Duration TOML-decodable from "1.5s" strings.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Load reads the defaults file. A missing file is not an error when path
// is empty (no file requested); an explicitly named file must exist.
func Load(path string) (Defaults, error) {
	var d Defaults
	if path == "" {
		return d, nil
	}
	if _, err := os.Stat(path); err != nil {
		return d, fmt.Errorf("defaults file: %w", err)
	}
	if _, err := toml.DecodeFile(path, &d); err != nil {
		return d, fmt.Errorf("parsing defaults file %q: %w", path, err)
	}
	return d, nil
}
