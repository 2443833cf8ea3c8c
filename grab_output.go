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
	"bytes"

	"github.com/pkg/errors"

	"github.com/sandboxlib/sandbox/sandboxsig"
)

// DefaultOutputLimit caps a GrabOutputLayer's buffer unless the embedder
// chooses otherwise.
const DefaultOutputLimit = 1 << 20

// GrabOutputLayer copies everything the child writes to stdout or stderr
// into an internal buffer, up to a limit. Exceeding the limit terminates
// the session: an unattended child has no business producing unbounded
// output. Writes to other descriptors delegate down the stack.
type GrabOutputLayer struct {
	// Limit on the total number of buffered bytes. Zero means
	// DefaultOutputLimit.
	Limit int

	buf bytes.Buffer
}

var _ Layer = &GrabOutputLayer{}

func (l *GrabOutputLayer) Name() string {
	return "grab-output"
}

func (l *GrabOutputLayer) Handlers() map[sandboxsig.Signature]Handler {
	return map[sandboxsig.Signature]Handler{
		"write(ipi)i": l.doWrite,
	}
}

// Output returns everything captured so far.
func (l *GrabOutputLayer) Output() []byte {
	return l.buf.Bytes()
}

func (l *GrabOutputLayer) doWrite(c *Call) (sandboxsig.Value, error) {
	fd, buf, count := c.Args[0].Int, c.Args[1].Ptr, c.Args[2].Int

	if fd != 1 && fd != 2 {
		return c.Delegate()
	}
	if count < 0 {
		return sandboxsig.Value{}, EINVAL
	}

	data, err := c.Proc.ReadBuffer(buf, int(count))
	if err != nil {
		return sandboxsig.Value{}, err
	}

	limit := l.Limit
	if limit == 0 {
		limit = DefaultOutputLimit
	}
	if l.buf.Len()+len(data) > limit {
		return sandboxsig.Value{}, errors.New(
			"subprocess is writing too much data on stdout/stderr")
	}

	l.buf.Write(data)
	return sandboxsig.IntValue(count), nil
}
