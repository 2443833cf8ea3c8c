// Copyright 2015 Google Inc. All Rights Reserved.
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

package sandbox

import (
	"flag"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var fEnableDebug = flag.Bool(
	"sandbox.debug",
	false,
	"Write sandbox request/reply traffic to stderr.")

var gLogger *logrus.Logger
var gLoggerOnce sync.Once

func initLogger() {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// A binary that never parses flags gets the silent logger.
	if flag.Parsed() && *fEnableDebug {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.DebugLevel)
	}

	gLogger = logger
}

func getLogger() *logrus.Logger {
	gLoggerOnce.Do(initLogger)
	return gLogger
}
