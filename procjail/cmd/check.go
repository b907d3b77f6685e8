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

package cmd

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/procjail/procjail/pkg/setup"
	"github.com/procjail/procjail/procjail/cmd/util"
)

// Check implements subcommands.Command for the "check" command.
type Check struct{}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "check whether the kernel allows instruction counting"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check - check whether kernel.perf_event_paranoid permits instruction counting

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Check) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Check) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	ok, err := setup.Check()
	if err != nil {
		util.Fatalf("%v", err)
	}
	if !ok {
		fmt.Println("instruction counting unavailable; run `procjail setup` to enable it")
		return subcommands.ExitFailure
	}
	fmt.Println("instruction counting available")
	return subcommands.ExitSuccess
}
