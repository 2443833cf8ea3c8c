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
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/sandboxlib/sandbox/internal/wire"
	"github.com/sandboxlib/sandbox/sandboxsig"
)

// ProtocolVersion is the wire protocol version this host speaks.
const ProtocolVersion = wire.Version

// CheckDump validates a child's self-description against the session's
// resolved dispatch table. The dump is a sequence of "Key: Value" lines;
// Version must equal the protocol version, Platform must name the host
// platform (linux2 and linux3 normalize to linux), and every signature in
// Funcs must either be implemented or appear in Config.PermittedMissing.
// Unrecognized keys are ignored.
//
// The result is a list of human-readable problems, empty when the child and
// host agree. The check reads no state besides the dump, the table and
// Config.PermittedMissing, so it is safe to run any number of times.
func (s *Session) CheckDump(dump string) []string {
	var problems []string

	permitted := make(map[string]struct{}, len(s.cfg.PermittedMissing))
	for _, name := range s.cfg.PermittedMissing {
		permitted[name] = struct{}{}
	}

	for _, line := range strings.Split(dump, "\n") {
		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, ": ")
		if !found {
			problems = append(problems,
				fmt.Sprintf("Malformed dump line: %q", line))
			continue
		}

		switch key {
		case "Version":
			if value != strconv.Itoa(wire.Version) {
				problems = append(problems, fmt.Sprintf(
					"Bad version number: expected %d, got %s",
					wire.Version, value))
			}

		case "Platform":
			if normalizePlatform(value) != normalizePlatform(runtime.GOOS) {
				problems = append(problems, fmt.Sprintf(
					"Bad platform: expected %q, got %q", runtime.GOOS, value))
			}

		case "Funcs":
			for _, name := range strings.Split(value, " ") {
				if name == "" {
					continue
				}
				if _, ok := s.table[sandboxsig.Signature(name)]; ok {
					continue
				}
				if _, ok := permitted[name]; ok {
					continue
				}
				problems = append(problems, fmt.Sprintf(
					"Sandboxed function signature not implemented: %s", name))
			}
		}
	}

	return problems
}

// Old toolchains report the kernel major version as part of the platform
// name.
func normalizePlatform(p string) string {
	if p == "linux2" || p == "linux3" {
		return "linux"
	}
	return p
}
