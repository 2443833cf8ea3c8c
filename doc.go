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

// Package sandbox supervises a sandboxed subprocess whose every external OS
// call has been compiled into a serialized request over its standard pipes.
// The host side implemented here reads those requests, emulates each call
// against a virtual world (virtual filesystem, environment, time, identity)
// and writes back an emulated result. The child never performs a real system
// call; the host decides what it is allowed to see.
//
// The primary elements of interest are:
//
//   - The Layer interface, which bundles handlers for a subset of call
//     signatures. Layers stack; a higher layer's handler may delegate to the
//     one it shadows via Call.Delegate.
//
//   - The built-in layers: DefaultsLayer (virtual time, identity,
//     environment, plus failing stubs for everything else), GrabOutputLayer,
//     DumpOutputLayer, AcceptInputLayer, PyPyLayer, and vfs.Layer in the vfs
//     subpackage.
//
//   - Session, which owns the wire codec, the virtual heap and the errno
//     slot, and runs the read/dispatch/reply loop until the child exits.
//
//   - CheckDump, which validates the self-description a child emits when
//     started with RPY_SANDBOX_DUMP=1 against the resolved handler table.
package sandbox
