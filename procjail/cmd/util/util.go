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

// Package util groups a few routines used by the procjail commands.
package util

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

// Fatalf logs a message to stderr and exits unsuccessfully.
func Fatalf(format string, args ...any) {
	log.Debugf(format, args...)
	fmt.Fprintf(os.Stderr, "procjail: "+format+"\n", args...)
	os.Exit(128)
}

// Errorf logs a message to stderr.
func Errorf(format string, args ...any) {
	log.Debugf(format, args...)
	fmt.Fprintf(os.Stderr, "procjail: "+format+"\n", args...)
}
