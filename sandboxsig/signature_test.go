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

package sandboxsig

import (
	"testing"
)

func TestSignatureParts(t *testing.T) {
	testCases := []struct {
		sig  Signature
		name string
		args string
		ret  Tag
	}{
		{"write(ipi)i", "write", "ipi", Int},
		{"get_environ()p", "get_environ", "", Ptr},
		{"_pypy_init_free(p)v", "_pypy_init_free", "p", Void},
		{"pow(dd)d", "pow", "dd", Double},
	}

	for _, tc := range testCases {
		if err := tc.sig.Check(); err != nil {
			t.Errorf("%q: Check: %v", tc.sig, err)
			continue
		}
		if got := tc.sig.Name(); got != tc.name {
			t.Errorf("%q: Name = %q, want %q", tc.sig, got, tc.name)
		}
		if got := string(tagString(tc.sig.Args())); got != tc.args {
			t.Errorf("%q: Args = %q, want %q", tc.sig, got, tc.args)
		}
		if got := tc.sig.Ret(); got != tc.ret {
			t.Errorf("%q: Ret = %q, want %q", tc.sig, got, tc.ret)
		}
	}
}

func tagString(tags []Tag) []byte {
	out := make([]byte, len(tags))
	for i, tag := range tags {
		out[i] = byte(tag)
	}
	return out
}

func TestSignatureCheckRejects(t *testing.T) {
	bad := []Signature{
		"",
		"write",
		"write(ipi)",
		"write(ipi)x",
		"write(v)i",
		"write(iq)i",
		"(i)i",
		"writeipi)i",
	}

	for _, sig := range bad {
		if err := sig.Check(); err == nil {
			t.Errorf("%q: expected an error", sig)
		}
	}
}

func TestFailureSentinel(t *testing.T) {
	if v := FailureSentinel(Int); v.Int != -1 {
		t.Errorf("Int sentinel = %v", v)
	}
	if v := FailureSentinel(Ptr); v.Ptr != NULL {
		t.Errorf("Ptr sentinel = %v", v)
	}
	if v := FailureSentinel(Void); v.Tag != Void {
		t.Errorf("Void sentinel = %v", v)
	}
}
