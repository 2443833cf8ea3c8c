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

// Package sandboxtesting drives a sandbox.Session in-process: a FakeChild
// speaks the child side of the wire protocol over a pair of pipes, so tests
// exercise the real codec, heap and dispatch path without building a
// sandboxed executable.
package sandboxtesting

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/sandboxlib/sandbox"
	"github.com/sandboxlib/sandbox/sandboxsig"
)

// A FakeChild issues frames the way a sandboxed executable would. Its
// methods block until the session has replied, mirroring the strict
// request/reply alternation of the protocol.
type FakeChild struct {
	out *bufio.Writer
	in  *bufio.Reader

	closeOut io.Closer
}

// A Result is what Session.Run returned once the child hung up.
type Result struct {
	Code int
	Err  error
}

// A Harness couples a running session with the fake child driving it.
type Harness struct {
	Child *FakeChild

	// The session under test, e.g. for CheckDump.
	Session *sandbox.Session

	result chan Result
}

// Start builds a session from cfg, serves it on a background goroutine and
// returns the harness. Call Finish to close the child's pipe and collect
// the session's verdict.
func Start(cfg sandbox.Config) (*Harness, error) {
	reqR, reqW := io.Pipe()
	repR, repW := io.Pipe()

	s, err := sandbox.NewSession(cfg, repW, reqR)
	if err != nil {
		return nil, err
	}

	h := &Harness{
		Session: s,
		Child: &FakeChild{
			out:      bufio.NewWriter(reqW),
			in:       bufio.NewReader(repR),
			closeOut: reqW,
		},
		result: make(chan Result, 1),
	}

	go func() {
		code, err := s.Run()

		// Unblock a child still using the pipes: it reads EOF instead of
		// hanging on a session that will never reply.
		repW.Close()
		reqR.Close()

		h.result <- Result{Code: code, Err: err}
	}()

	return h, nil
}

// Finish closes the child side and returns the session's result.
func (h *Harness) Finish() Result {
	h.Child.Close()
	return <-h.result
}

// Close ends the child's output stream; the session sees EOF.
func (c *FakeChild) Close() error {
	c.out.Flush()
	return c.closeOut.Close()
}

// Malloc stores data in the session's heap and returns its address.
func (c *FakeChild) Malloc(data []byte) (sandboxsig.Addr, error) {
	c.out.WriteByte('M')
	c.writeUint64(uint64(len(data)))
	c.out.Write(data)
	if err := c.out.Flush(); err != nil {
		return 0, err
	}

	addr, err := c.readUint64()
	return sandboxsig.Addr(addr), err
}

// MallocString is Malloc for a NUL-terminated string.
func (c *FakeChild) MallocString(s string) (sandboxsig.Addr, error) {
	return c.Malloc(append([]byte(s), 0))
}

// ReadMem fetches n bytes of heap memory at addr.
func (c *FakeChild) ReadMem(addr sandboxsig.Addr, n int) ([]byte, error) {
	c.out.WriteByte('R')
	c.writeUint64(uint64(addr))
	c.writeUint64(uint64(n))
	if err := c.out.Flush(); err != nil {
		return nil, err
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(c.in, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteMem overwrites heap memory at addr. No reply travels; a bad address
// surfaces as a session error at Finish time.
func (c *FakeChild) WriteMem(addr sandboxsig.Addr, data []byte) error {
	c.out.WriteByte('W')
	c.writeUint64(uint64(addr))
	c.writeUint64(uint64(len(data)))
	c.out.Write(data)
	return c.out.Flush()
}

// Free hints that addr is done with.
func (c *FakeChild) Free(addr sandboxsig.Addr) error {
	c.out.WriteByte('F')
	c.writeUint64(uint64(addr))
	return c.out.Flush()
}

// Call invokes one signature and returns the result value and the virtual
// errno that rode along with the reply.
func (c *FakeChild) Call(
	sig sandboxsig.Signature,
	args ...sandboxsig.Value) (sandboxsig.Value, uint32, error) {
	if err := sig.Check(); err != nil {
		return sandboxsig.Value{}, 0, err
	}
	tags := sig.Args()
	if len(args) != len(tags) {
		return sandboxsig.Value{}, 0, errors.Errorf(
			"%s: got %d args, want %d", sig, len(args), len(tags))
	}

	c.out.WriteByte('C')
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(sig)))
	c.out.Write(lenBuf[:])
	c.out.WriteString(string(sig))

	for i, arg := range args {
		if arg.Tag != tags[i] {
			return sandboxsig.Value{}, 0, errors.Errorf(
				"%s: arg %d is %q, want %q", sig, i, arg.Tag, tags[i])
		}
		switch arg.Tag {
		case sandboxsig.Int:
			c.writeUint64(uint64(arg.Int))
		case sandboxsig.Ptr:
			c.writeUint64(uint64(arg.Ptr))
		case sandboxsig.Double:
			c.writeUint64(math.Float64bits(arg.Double))
		}
	}
	if err := c.out.Flush(); err != nil {
		return sandboxsig.Value{}, 0, err
	}

	var result sandboxsig.Value
	switch ret := sig.Ret(); ret {
	case sandboxsig.Void:
		result = sandboxsig.VoidValue()
	default:
		word, err := c.readUint64()
		if err != nil {
			return sandboxsig.Value{}, 0, err
		}
		switch ret {
		case sandboxsig.Int:
			result = sandboxsig.IntValue(int64(word))
		case sandboxsig.Ptr:
			result = sandboxsig.PtrValue(sandboxsig.Addr(word))
		case sandboxsig.Double:
			result = sandboxsig.DoubleValue(math.Float64frombits(word))
		}
	}

	errno, err := c.readUint32()
	if err != nil {
		return sandboxsig.Value{}, 0, err
	}
	return result, errno, nil
}

// CallInt is Call for the common case of an 'i' result: it returns the
// integer directly.
func (c *FakeChild) CallInt(
	sig sandboxsig.Signature,
	args ...sandboxsig.Value) (int64, uint32, error) {
	v, errno, err := c.Call(sig, args...)
	return v.Int, errno, err
}

func (c *FakeChild) writeUint64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	c.out.Write(buf[:])
}

func (c *FakeChild) readUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(c.in, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *FakeChild) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.in, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
