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

// Package cmd implements the procjail subcommands.
package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/procjail/procjail/pkg/jail"
	"github.com/procjail/procjail/procjail/cmd/util"
	"github.com/procjail/procjail/procjail/config"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	realTimeLimit       time.Duration
	userTimeLimit       time.Duration
	systemTimeLimit     time.Duration
	userSystemTimeLimit time.Duration
	measuredTimeLimit   time.Duration
	instructionLimit    int64
	memoryLimitKiB      uint64

	perf   bool
	timing bool
	memory bool
	ptrace bool

	dir    string
	stdin  string
	stdout string
	stderr string

	jsonOut bool

	inputDir  string
	outputDir string
	jobs      int
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a program under supervision and report the verdict"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <program> [args...] - run a program under supervision

With --input-dir, the program is run once per *.in file in the directory,
with its stdin connected to the input and stdout to a matching .out file
in --output-dir (bounded parallelism via --jobs).

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&r.realTimeLimit, "real-time-limit", 0, "wall-clock limit; exceeding it reports TLE.")
	f.DurationVar(&r.userTimeLimit, "user-time-limit", 0, "user CPU time limit.")
	f.DurationVar(&r.systemTimeLimit, "system-time-limit", 0, "system CPU time limit.")
	f.DurationVar(&r.userSystemTimeLimit, "user-system-time-limit", 0, "combined user+system CPU time limit.")
	f.DurationVar(&r.measuredTimeLimit, "measured-time-limit", 0, "measured-time limit (2e9 instructions per second); implies --perf.")
	f.Int64Var(&r.instructionLimit, "instruction-limit", 0, "retired-instruction limit; implies --perf.")
	f.Uint64Var(&r.memoryLimitKiB, "memory-limit-kib", 0, "peak address-space limit in KiB; exceeding it reports MLE.")

	f.BoolVar(&r.perf, "perf", false, "count retired instructions (requires kernel.perf_event_paranoid=-1).")
	f.BoolVar(&r.timing, "time", false, "measure wall/user/system time.")
	f.BoolVar(&r.memory, "memory", false, "track peak memory use.")
	f.BoolVar(&r.ptrace, "ptrace", false, "attach with exit-kill so the child dies with the supervisor.")

	f.StringVar(&r.dir, "dir", "", "working directory for the program.")
	f.StringVar(&r.stdin, "stdin", "", "file to connect to the program's stdin.")
	f.StringVar(&r.stdout, "stdout", "", "file to create for the program's stdout.")
	f.StringVar(&r.stderr, "stderr", "", "file to create for the program's stderr.")

	f.BoolVar(&r.jsonOut, "json", false, "print the result as JSON.")

	f.StringVar(&r.inputDir, "input-dir", "", "directory of *.in files to run the program against.")
	f.StringVar(&r.outputDir, "output-dir", "", "directory for .out files (defaults to --input-dir).")
	f.IntVar(&r.jobs, "jobs", runtime.NumCPU(), "parallel runs in --input-dir mode.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	r.applyDefaults(f, conf.Defaults)

	if r.inputDir != "" {
		return r.executeBatch(f)
	}
	return r.executeOne(f)
}

// applyDefaults fills in limits and features from the defaults file for
// every flag the user did not set explicitly.
func (r *Run) applyDefaults(f *flag.FlagSet, d config.Defaults) {
	set := map[string]bool{}
	f.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	if !set["real-time-limit"] && d.RealTimeLimit.Duration > 0 {
		r.realTimeLimit = d.RealTimeLimit.Duration
	}
	if !set["user-time-limit"] && d.UserTimeLimit.Duration > 0 {
		r.userTimeLimit = d.UserTimeLimit.Duration
	}
	if !set["system-time-limit"] && d.SystemTimeLimit.Duration > 0 {
		r.systemTimeLimit = d.SystemTimeLimit.Duration
	}
	if !set["user-system-time-limit"] && d.UserSystemTimeLimit.Duration > 0 {
		r.userSystemTimeLimit = d.UserSystemTimeLimit.Duration
	}
	if !set["measured-time-limit"] && d.MeasuredTimeLimit.Duration > 0 {
		r.measuredTimeLimit = d.MeasuredTimeLimit.Duration
	}
	if !set["instruction-limit"] && d.InstructionLimit > 0 {
		r.instructionLimit = d.InstructionLimit
	}
	if !set["memory-limit-kib"] && d.MemoryLimitKiB > 0 {
		r.memoryLimitKiB = d.MemoryLimitKiB
	}
	for _, feature := range d.Features {
		switch strings.ToLower(feature) {
		case "perf":
			if !set["perf"] {
				r.perf = true
			}
		case "time":
			if !set["time"] {
				r.timing = true
			}
		case "memory":
			if !set["memory"] {
				r.memory = true
			}
		case "ptrace":
			if !set["ptrace"] {
				r.ptrace = true
			}
		}
	}
}

// buildJail translates the flags into a jail configuration for one run.
func (r *Run) buildJail(program string, args []string, stdin, stdout, stderr *os.File) *jail.Jail {
	j := jail.New(program).Args(args...)
	if r.dir != "" {
		j.Dir(r.dir)
	}
	if stdin != nil {
		j.Stdin(stdin)
	}
	if stdout != nil {
		j.Stdout(stdout)
	}
	if stderr != nil {
		j.Stderr(stderr)
	}

	var features jail.Feature
	if r.perf {
		features |= jail.FeaturePerf
	}
	if r.timing {
		features |= jail.FeatureTime
	}
	if r.memory {
		features |= jail.FeatureMemory
	}
	if r.ptrace {
		features |= jail.FeaturePtrace
	}
	j.Features(features)

	if r.realTimeLimit > 0 {
		j.RealTimeLimit(r.realTimeLimit)
	}
	if r.userTimeLimit > 0 {
		j.UserTimeLimit(r.userTimeLimit)
	}
	if r.systemTimeLimit > 0 {
		j.SystemTimeLimit(r.systemTimeLimit)
	}
	if r.userSystemTimeLimit > 0 {
		j.UserSystemTimeLimit(r.userSystemTimeLimit)
	}
	if r.measuredTimeLimit > 0 {
		j.MeasuredTimeLimit(r.measuredTimeLimit)
	}
	if r.instructionLimit > 0 {
		j.InstructionLimit(r.instructionLimit)
	}
	if r.memoryLimitKiB > 0 {
		j.MemoryLimitKiB(r.memoryLimitKiB)
	}
	return j
}

func (r *Run) executeOne(f *flag.FlagSet) subcommands.ExitStatus {
	stdin, err := openOptional(r.stdin, os.O_RDONLY)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer closeOptional(stdin)
	stdout, err := openOptional(r.stdout, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer closeOptional(stdout)
	stderr, err := openOptional(r.stderr, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		util.Fatalf("%v", err)
	}
	defer closeOptional(stderr)

	j := r.buildJail(f.Arg(0), f.Args()[1:], stdin, stdout, stderr)
	child, err := j.Spawn()
	if err != nil {
		util.Fatalf("spawning %q: %v", f.Arg(0), err)
	}
	result, err := child.Run()
	child.Close()
	if err != nil {
		util.Fatalf("running %q: %v", f.Arg(0), err)
	}

	r.printResult(os.Stdout, "", result)
	if result.Status.Code != jail.StatusOK {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// batchResult is one test's outcome in --input-dir mode.
type batchResult struct {
	name   string
	result *jail.Result
	err    error
}

func (r *Run) executeBatch(f *flag.FlagSet) subcommands.ExitStatus {
	inputs, err := filepath.Glob(filepath.Join(r.inputDir, "*.in"))
	if err != nil || len(inputs) == 0 {
		util.Fatalf("no *.in files in %q", r.inputDir)
	}
	sort.Strings(inputs)

	outputDir := r.outputDir
	if outputDir == "" {
		outputDir = r.inputDir
	}

	var (
		mu      sync.Mutex
		results []batchResult
	)
	g := new(errgroup.Group)
	g.SetLimit(r.jobs)
	for _, input := range inputs {
		input := input
		g.Go(func() error {
			name := strings.TrimSuffix(filepath.Base(input), ".in")
			res, err := r.runTest(f, input, filepath.Join(outputDir, name+".out"))
			mu.Lock()
			results = append(results, batchResult{name: name, result: res, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].name < results[j].name })

	exit := subcommands.ExitSuccess
	for _, br := range results {
		if br.err != nil {
			util.Errorf("%s: %v", br.name, br.err)
			exit = subcommands.ExitFailure
			continue
		}
		r.printResult(os.Stdout, br.name+": ", br.result)
		if br.result.Status.Code != jail.StatusOK {
			exit = subcommands.ExitFailure
		}
	}
	return exit
}

// runTest runs the program once against a single input file.
func (r *Run) runTest(f *flag.FlagSet, inputPath, outputPath string) (*jail.Result, error) {
	stdin, err := os.Open(inputPath)
	if err != nil {
		return nil, err
	}
	defer stdin.Close()
	stdout, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	defer stdout.Close()

	j := r.buildJail(f.Arg(0), f.Args()[1:], stdin, stdout, nil)
	child, err := j.Spawn()
	if err != nil {
		return nil, err
	}
	defer child.Close()
	return child.Run()
}

func (r *Run) printResult(w *os.File, prefix string, result *jail.Result) {
	if r.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	fmt.Fprintf(w, "%s%v (%v)", prefix, result.Status, result.Reason)
	if result.MeasuredTime != nil {
		fmt.Fprintf(w, " measured=%v instructions=%d", *result.MeasuredTime, *result.Instructions)
	}
	fmt.Fprintf(w, " real=%v user=%v sys=%v", result.RealTime, result.UserTime, result.SystemTime)
	if result.MemoryPeakKiB != nil {
		fmt.Fprintf(w, " peak=%dKiB", *result.MemoryPeakKiB)
	}
	fmt.Fprintln(w)
}

func openOptional(path string, mode int) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	return os.OpenFile(path, mode, 0o644)
}

func closeOptional(f *os.File) {
	if f != nil {
		f.Close()
	}
}
