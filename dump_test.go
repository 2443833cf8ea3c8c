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

package sandbox_test

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/kylelemons/godebug/pretty"

	"github.com/sandboxlib/sandbox"
)

func TestDumpCheck(t *testing.T) { RunTests(t) }

type DumpCheckTest struct {
	session *sandbox.Session
}

func init() { RegisterTestSuite(&DumpCheckTest{}) }

func (t *DumpCheckTest) SetUp(ti *TestInfo) {
	t.session = t.makeSession(sandbox.Config{
		Layers: []sandbox.Layer{
			&sandbox.GrabOutputLayer{},
			sandbox.NewDefaultsLayer(),
		},
	})
}

// The dump check only needs the resolved table; the session never reads a
// frame.
func (t *DumpCheckTest) makeSession(cfg sandbox.Config) *sandbox.Session {
	s, err := sandbox.NewSession(cfg, io.Discard, bytes.NewReader(nil))
	AssertEq(nil, err)
	return s
}

func goodDump(funcs string) string {
	return fmt.Sprintf(
		"Version: %d\nPlatform: %s\nFuncs: %s\n",
		sandbox.ProtocolVersion, runtime.GOOS, funcs)
}

func (t *DumpCheckTest) WellFormedDumpPasses() {
	problems := t.session.CheckDump(
		goodDump("write(ipi)i stat64(pp)i time(p)i"))
	ExpectEq(0, len(problems), "problems: %v", problems)
}

func (t *DumpCheckTest) BadVersion() {
	dump := fmt.Sprintf(
		"Version: 42\nPlatform: %s\nFuncs: write(ipi)i\n", runtime.GOOS)

	problems := t.session.CheckDump(dump)
	AssertEq(1, len(problems))
	ExpectThat(problems[0], HasSubstr("version"))
	ExpectThat(problems[0], HasSubstr("42"))
}

func (t *DumpCheckTest) BadPlatform() {
	dump := fmt.Sprintf(
		"Version: %d\nPlatform: plan9\nFuncs: write(ipi)i\n",
		sandbox.ProtocolVersion)

	problems := t.session.CheckDump(dump)
	AssertEq(1, len(problems))
	ExpectThat(problems[0], HasSubstr("platform"))
}

func (t *DumpCheckTest) OldLinuxPlatformNamesNormalize() {
	if runtime.GOOS != "linux" {
		return
	}

	for _, platform := range []string{"linux2", "linux3"} {
		dump := fmt.Sprintf(
			"Version: %d\nPlatform: %s\nFuncs: write(ipi)i\n",
			sandbox.ProtocolVersion, platform)
		ExpectEq(0, len(t.session.CheckDump(dump)), "platform %s", platform)
	}
}

func (t *DumpCheckTest) UnimplementedFuncIsReported() {
	problems := t.session.CheckDump(
		goodDump("write(ipi)i stat64(pp)i nonexistent_call(i)i"))

	AssertEq(1, len(problems))
	ExpectThat(problems[0], HasSubstr("nonexistent_call(i)i"))
}

func (t *DumpCheckTest) PermittedMissingFuncsAreAccepted() {
	s := t.makeSession(sandbox.Config{
		Layers:           []sandbox.Layer{sandbox.NewDefaultsLayer()},
		PermittedMissing: []string{"nonexistent_call(i)i"},
	})

	problems := s.CheckDump(goodDump("write(ipi)i nonexistent_call(i)i"))
	ExpectEq(0, len(problems), "problems: %v", problems)
}

func (t *DumpCheckTest) UnknownKeysAreIgnored() {
	dump := goodDump("write(ipi)i") +
		"Color: blue\nBuiltWith: gcc\n"

	problems := t.session.CheckDump(dump)
	ExpectEq(0, len(problems), "problems: %v", problems)
}

// Checking is pure: the same dump yields the same report every time.
func (t *DumpCheckTest) CheckingIsIdempotent() {
	dump := "Version: 9\nPlatform: plan9\nFuncs: a(i)i b(p)p\n"

	first := t.session.CheckDump(dump)
	second := t.session.CheckDump(dump)

	AssertNe(0, len(first))
	ExpectEq("", pretty.Compare(first, second))
}
