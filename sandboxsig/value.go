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
	"fmt"
)

// An Addr is a virtual address: an opaque handle naming a region of bytes
// that the host owns on the child's behalf. Addresses are minted by the
// host-side allocator and remain valid for the life of the session.
type Addr uint64

// NULL is the reserved null address.
const NULL Addr = 0

// A Value is one typed argument or result on the wire. Exactly the variant
// selected by Tag is meaningful.
type Value struct {
	Tag Tag

	Int    int64
	Ptr    Addr
	Double float64
}

// IntValue returns an 'i' value.
func IntValue(n int64) Value {
	return Value{Tag: Int, Int: n}
}

// PtrValue returns a 'p' value.
func PtrValue(a Addr) Value {
	return Value{Tag: Ptr, Ptr: a}
}

// DoubleValue returns a 'd' value.
func DoubleValue(d float64) Value {
	return Value{Tag: Double, Double: d}
}

// VoidValue returns the (empty) 'v' value.
func VoidValue() Value {
	return Value{Tag: Void}
}

// FailureSentinel returns the designated failure result for the given return
// tag: -1 for 'i', NULL for 'p', -1.0 for 'd', and nothing for 'v'. Failing
// handlers pair it with a virtual errno.
func FailureSentinel(ret Tag) Value {
	switch ret {
	case Int:
		return IntValue(-1)
	case Ptr:
		return PtrValue(NULL)
	case Double:
		return DoubleValue(-1)
	case Void:
		return VoidValue()
	default:
		panic(fmt.Sprintf("FailureSentinel: invalid return type code %q", ret))
	}
}

func (v Value) String() string {
	switch v.Tag {
	case Int:
		return fmt.Sprintf("%d", v.Int)
	case Ptr:
		return fmt.Sprintf("0x%x", uint64(v.Ptr))
	case Double:
		return fmt.Sprintf("%g", v.Double)
	case Void:
		return "void"
	default:
		return fmt.Sprintf("<bad tag %q>", v.Tag)
	}
}
