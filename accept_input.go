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
	"io"
	"os"

	"github.com/sandboxlib/sandbox/sandboxsig"
)

// AcceptInputLayer forwards the child's reads on fd 0 to a real input
// stream, one read at a time. Reads on other descriptors delegate down the
// stack. This is the one handler that may block indefinitely: it waits for
// the user to type.
type AcceptInputLayer struct {
	// The stream backing the child's stdin. Nil means the host's os.Stdin.
	Stdin io.Reader
}

var _ Layer = &AcceptInputLayer{}

func (l *AcceptInputLayer) Name() string {
	return "accept-input"
}

func (l *AcceptInputLayer) Handlers() map[sandboxsig.Signature]Handler {
	return map[sandboxsig.Signature]Handler{
		"read(ipi)i": l.doRead,
	}
}

func (l *AcceptInputLayer) doRead(c *Call) (sandboxsig.Value, error) {
	fd, buf, count := c.Args[0].Int, c.Args[1].Ptr, c.Args[2].Int

	if fd != 0 {
		return c.Delegate()
	}
	if count < 0 {
		return sandboxsig.Value{}, EINVAL
	}

	in := l.Stdin
	if in == nil {
		in = os.Stdin
	}

	data := make([]byte, count)
	n, err := in.Read(data)
	if n == 0 && err != nil {
		if err == io.EOF {
			return sandboxsig.IntValue(0), nil
		}
		return sandboxsig.Value{}, err
	}

	if err := c.Proc.WriteBuffer(buf, data[:n]); err != nil {
		return sandboxsig.Value{}, err
	}
	return sandboxsig.IntValue(int64(n)), nil
}
