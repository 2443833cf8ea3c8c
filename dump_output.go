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
	"io"
	"os"

	"github.com/sandboxlib/sandbox/sandboxsig"
)

// DumpOutputLayer relays the child's stdout and stderr to the host's,
// sanitized so a hostile child cannot scribble escape sequences on the
// user's terminal. Each stream may carry a format string, typically an ANSI
// color wrapper from ColorFormat. Raw mode passes bytes through untouched,
// for children that produce binary output. Writes to other descriptors
// delegate down the stack.
type DumpOutputLayer struct {
	// Destinations. Nil means the host's os.Stdout / os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// Format strings applied around sanitized output; "" means bare. The
	// single %s verb receives the sanitized text.
	StdoutFormat string
	StderrFormat string

	// Disable sanitization (and formatting) per stream.
	RawStdout bool
	RawStderr bool
}

var _ Layer = &DumpOutputLayer{}

// ColorFormat returns a format string wrapping output in the ANSI color
// escape for the given SGR color number (e.g. 32 for green, 31 for red).
func ColorFormat(colorNumber int) string {
	return fmt.Sprintf("\x1b[%dm%%s\x1b[0m", colorNumber)
}

func (l *DumpOutputLayer) Name() string {
	return "dump-output"
}

func (l *DumpOutputLayer) Handlers() map[sandboxsig.Signature]Handler {
	return map[sandboxsig.Signature]Handler{
		"write(ipi)i": l.doWrite,
	}
}

// sanitize replaces every byte outside of printable ASCII and newline with
// '?'. The transform is total: input bytes map one to one, so no input can
// make it fail or change length.
func sanitize(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		if (b >= 0x20 && b < 0x7f) || b == '\n' {
			out[i] = b
		} else {
			out[i] = '?'
		}
	}
	return out
}

func (l *DumpOutputLayer) doWrite(c *Call) (sandboxsig.Value, error) {
	fd, buf, count := c.Args[0].Int, c.Args[1].Ptr, c.Args[2].Int

	var w io.Writer
	var format string
	var raw bool
	switch fd {
	case 1:
		w, format, raw = l.Stdout, l.StdoutFormat, l.RawStdout
		if w == nil {
			w = os.Stdout
		}
	case 2:
		w, format, raw = l.Stderr, l.StderrFormat, l.RawStderr
		if w == nil {
			w = os.Stderr
		}
	default:
		return c.Delegate()
	}

	if count < 0 {
		return sandboxsig.Value{}, EINVAL
	}

	data, err := c.Proc.ReadBuffer(buf, int(count))
	if err != nil {
		return sandboxsig.Value{}, err
	}

	if raw {
		_, err = w.Write(data)
	} else if format != "" {
		_, err = fmt.Fprintf(w, format, sanitize(data))
	} else {
		_, err = w.Write(sanitize(data))
	}
	if err != nil {
		return sandboxsig.Value{}, err
	}

	return sandboxsig.IntValue(count), nil
}
