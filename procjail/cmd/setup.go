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

// Setup implements subcommands.Command for the "setup" command.
type Setup struct {
	permanent bool
}

// Name implements subcommands.Command.Name.
func (*Setup) Name() string {
	return "setup"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Setup) Synopsis() string {
	return "enable instruction counting (sets kernel.perf_event_paranoid)"
}

// Usage implements subcommands.Command.Usage.
func (*Setup) Usage() string {
	return `setup [--permanent] - set kernel.perf_event_paranoid=-1 via pkexec

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Setup) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.permanent, "permanent", false, "persist the setting to /etc/sysctl.conf.")
}

// Execute implements subcommands.Command.Execute.
func (s *Setup) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	var err error
	if s.permanent {
		err = setup.Permanently()
	} else {
		err = setup.Temporarily()
	}
	if err != nil {
		util.Fatalf("%v", err)
	}
	fmt.Println("instruction counting enabled")
	return subcommands.ExitSuccess
}
