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
	"os/exec"

	"github.com/pkg/errors"
)

// DumpEnvVar is the marker environment variable that makes the child emit
// its self-description on stdout and exit instead of running.
const DumpEnvVar = "RPY_SANDBOX_DUMP"

// Start launches the given executable as a sandboxed child and returns a
// session bound to it. The child gets an empty real environment and
// stdin/stdout pipes owned by the host; argv[0] is what the child sees as
// its own name, which need not equal the executable path.
//
// The caller should eventually call Session.Run (which reaps the child) and
// Session.Close.
func Start(cfg Config, executable string, argv ...string) (*Session, error) {
	if len(argv) == 0 {
		argv = []string{executable}
	}

	cmd := exec.Command(executable)
	cmd.Args = argv
	cmd.Env = []string{}

	return StartCommand(cfg, cmd)
}

// StartCommand is like Start for a caller-prepared command. The command's
// environment is forced empty unless the caller set one explicitly; its
// stdin and stdout are claimed by the session.
func StartCommand(cfg Config, cmd *exec.Cmd) (*Session, error) {
	if cmd.Env == nil {
		cmd.Env = []string{}
	}

	childStdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "StdinPipe")
	}

	childStdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "StdoutPipe")
	}

	s, err := NewSession(cfg, childStdin, childStdout)
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", cmd.Path)
	}

	s.cmd = cmd
	return s, nil
}

// FetchDump runs the executable one-shot with RPY_SANDBOX_DUMP=1 as its
// entire environment and returns the self-description it prints.
func FetchDump(executable string) (string, error) {
	cmd := exec.Command(executable)
	cmd.Env = []string{DumpEnvVar + "=1"}

	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "dumping %s", executable)
	}

	return string(out), nil
}
