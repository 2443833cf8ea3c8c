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
	"github.com/sandboxlib/sandbox/sandboxsig"
)

// PyPyLayer supplies the bootstrap symbols a sandboxed PyPy interpreter
// calls to locate its standard library inside the virtual filesystem.
type PyPyLayer struct {
	// The virtual path the interpreter treats as its home. "" means
	// "/pypy".
	Home string

	homeAddr sandboxsig.Addr
}

var _ Layer = &PyPyLayer{}

func (l *PyPyLayer) Name() string {
	return "pypy"
}

func (l *PyPyLayer) Handlers() map[sandboxsig.Signature]Handler {
	return map[sandboxsig.Signature]Handler{
		"_pypy_init_home()p":  l.doInitHome,
		"_pypy_init_free(p)v": func(c *Call) (sandboxsig.Value, error) {
			// The home string stays allocated; freeing is advisory anyway.
			return sandboxsig.VoidValue(), nil
		},
	}
}

func (l *PyPyLayer) doInitHome(c *Call) (sandboxsig.Value, error) {
	if l.homeAddr == sandboxsig.NULL {
		home := l.Home
		if home == "" {
			home = "/pypy"
		}
		l.homeAddr = c.Proc.Malloc(append([]byte(home), 0))
	}
	return sandboxsig.PtrValue(l.homeAddr), nil
}
