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
	"strings"

	"github.com/pkg/errors"
)

// A Tag identifies the wire type of a single argument or result.
type Tag byte

const (
	// A signed machine integer, 64 bits wide on the wire.
	Int Tag = 'i'

	// A pointer, i.e. a virtual address into the heap the host maintains on
	// the child's behalf. An opaque integer handle; address zero is NULL.
	Ptr Tag = 'p'

	// An IEEE 754 double.
	Double Tag = 'd'

	// No value at all. Legal only as a return tag.
	Void Tag = 'v'
)

// A Signature names one method of the host <-> child RPC alphabet, in the
// form "name(argTags)retTag". For example "write(ipi)i" is a function named
// write taking (int, pointer, int) and returning int.
//
// The signature string is the single source of truth for the wire: the codec
// derives the argument and result encoding from its tags alone, so an
// otherwise unknown signature still decodes correctly.
type Signature string

// Name returns the function name part of the signature (everything before
// the first '('), or "" if the signature has no '(' at all. Other malformed
// signatures still yield their leading part.
func (s Signature) Name() string {
	i := strings.IndexByte(string(s), '(')
	if i < 0 {
		return ""
	}
	return string(s)[:i]
}

// Args returns the argument tags of the signature.
//
// REQUIRES: s.Check() == nil
func (s Signature) Args() []Tag {
	str := string(s)
	open := strings.IndexByte(str, '(')
	end := strings.IndexByte(str, ')')

	tags := make([]Tag, 0, end-open-1)
	for i := open + 1; i < end; i++ {
		tags = append(tags, Tag(str[i]))
	}

	return tags
}

// Ret returns the result tag of the signature.
//
// REQUIRES: s.Check() == nil
func (s Signature) Ret() Tag {
	return Tag(s[len(s)-1])
}

// Check verifies that the signature is well formed: a non-empty name, a
// parenthesized list of argument tags drawn from i|p|d, and exactly one
// result tag drawn from i|p|d|v.
func (s Signature) Check() error {
	str := string(s)
	open := strings.IndexByte(str, '(')
	end := strings.IndexByte(str, ')')

	if open <= 0 || end != len(str)-2 {
		return errors.Errorf("malformed signature: %q", str)
	}

	for i := open + 1; i < end; i++ {
		switch Tag(str[i]) {
		case Int, Ptr, Double:
		default:
			return errors.Errorf(
				"signature %q: invalid argument type code %q", str, str[i])
		}
	}

	switch s.Ret() {
	case Int, Ptr, Double, Void:
		return nil
	default:
		return errors.Errorf(
			"signature %q: invalid return type code %q", str, str[len(str)-1])
	}
}
