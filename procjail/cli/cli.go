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

// Package cli is the main entrypoint for procjail.
package cli

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"github.com/procjail/procjail/pkg/jail"
	"github.com/procjail/procjail/procjail/cmd"
	"github.com/procjail/procjail/procjail/config"
)

var (
	debug     = flag.Bool("debug", false, "enable debug logging.")
	logFormat = flag.String("log-format", "text", "log format: text (default) or json.")
	defaults  = flag.String("defaults", "", "path to a TOML file with default limits.")
)

// Main is the main entrypoint.
func Main() {
	// A re-executed jail child never comes back from this call.
	jail.Init()

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(cmd.Run), "")

	const setupGroup = "setup"
	subcommands.Register(new(cmd.Check), setupGroup)
	subcommands.Register(new(cmd.Setup), setupGroup)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	if *logFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	conf := &config.Config{
		Debug:     *debug,
		LogFormat: *logFormat,
	}
	var err error
	if conf.Defaults, err = config.Load(*defaults); err != nil {
		log.Fatalf("%v", err)
	}

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}
