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
	"encoding/binary"
	"io"
	"syscall"
	"testing"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"

	"github.com/sandboxlib/sandbox"
	"github.com/sandboxlib/sandbox/sandboxsig"
	"github.com/sandboxlib/sandbox/sandboxtesting"
)

func TestKernel(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type KernelTest struct {
}

func init() { RegisterTestSuite(&KernelTest{}) }

func start(layers ...sandbox.Layer) *sandboxtesting.Harness {
	h, err := sandboxtesting.Start(sandbox.Config{Layers: layers})
	AssertEq(nil, err)
	return h
}

func intArg(n int64) sandboxsig.Value { return sandboxsig.IntValue(n) }
func ptrArg(a sandboxsig.Addr) sandboxsig.Value {
	return sandboxsig.PtrValue(a)
}

////////////////////////////////////////////////////////////////////////
// Output capture
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) WritesToStdoutAreCaptured() {
	capture := &sandbox.GrabOutputLayer{}
	h := start(capture, sandbox.NewDefaultsLayer())

	buf, err := h.Child.Malloc([]byte("hi\n"))
	AssertEq(nil, err)

	n, errno, err := h.Child.CallInt(
		"write(ipi)i", intArg(1), ptrArg(buf), intArg(3))
	AssertEq(nil, err)
	ExpectEq(3, n)
	ExpectEq(0, errno)

	result := h.Finish()
	AssertEq(nil, result.Err)
	ExpectEq(0, result.Code)
	ExpectEq("hi\n", string(capture.Output()))
}

func (t *KernelTest) StderrSharesTheCaptureBuffer() {
	capture := &sandbox.GrabOutputLayer{}
	h := start(capture, sandbox.NewDefaultsLayer())

	buf, err := h.Child.Malloc([]byte("oops"))
	AssertEq(nil, err)

	n, _, err := h.Child.CallInt(
		"write(ipi)i", intArg(2), ptrArg(buf), intArg(4))
	AssertEq(nil, err)
	ExpectEq(4, n)

	h.Finish()
	ExpectEq("oops", string(capture.Output()))
}

func (t *KernelTest) WriteToOtherFdDelegatesDownTheStack() {
	capture := &sandbox.GrabOutputLayer{}
	h := start(capture, sandbox.NewDefaultsLayer())

	buf, err := h.Child.Malloc([]byte("nope"))
	AssertEq(nil, err)

	// Nothing below the capture layer implements write except the failing
	// stub.
	n, errno, err := h.Child.CallInt(
		"write(ipi)i", intArg(7), ptrArg(buf), intArg(4))
	AssertEq(nil, err)
	ExpectEq(-1, n)
	ExpectEq(uint32(syscall.ENOSYS), errno)

	h.Finish()
	ExpectEq(0, len(capture.Output()))
}

func (t *KernelTest) OverflowingTheOutputCapIsFatal() {
	capture := &sandbox.GrabOutputLayer{Limit: 16}
	h := start(capture, sandbox.NewDefaultsLayer())

	buf, err := h.Child.Malloc(make([]byte, 32))
	AssertEq(nil, err)

	_, _, err = h.Child.CallInt(
		"write(ipi)i", intArg(1), ptrArg(buf), intArg(32))
	ExpectNe(nil, err)

	result := h.Finish()
	AssertNe(nil, result.Err)
	ExpectThat(result.Err.Error(), HasSubstr("too much data"))
}

////////////////////////////////////////////////////////////////////////
// Environment and identity
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) EnvironmentIsEmpty() {
	h := start(sandbox.NewDefaultsLayer())

	// getenv is NULL for everything, and errno stays untouched.
	name, err := h.Child.MallocString("PATH")
	AssertEq(nil, err)

	v, errno, err := h.Child.Call("getenv(p)p", ptrArg(name))
	AssertEq(nil, err)
	ExpectEq(sandboxsig.NULL, v.Ptr)
	ExpectEq(0, errno)

	// get_environ points at one NULL machine word.
	v, _, err = h.Child.Call("get_environ()p")
	AssertEq(nil, err)
	AssertNe(sandboxsig.NULL, v.Ptr)

	word, err := h.Child.ReadMem(v.Ptr, 8)
	AssertEq(nil, err)
	ExpectEq(uint64(0), binary.LittleEndian.Uint64(word))

	// Asking again returns the very same region.
	v2, _, err := h.Child.Call("get_environ()p")
	AssertEq(nil, err)
	ExpectEq(v.Ptr, v2.Ptr)

	h.Finish()
}

func (t *KernelTest) VirtualIdentity() {
	defaults := sandbox.NewDefaultsLayer()
	defaults.UID = 1234
	defaults.GID = 5678
	h := start(defaults)

	for sig, want := range map[sandboxsig.Signature]int64{
		"getuid()i":  1234,
		"geteuid()i": 1234,
		"getgid()i":  5678,
		"getegid()i": 5678,
		"getpid()i":  4200,
		"getppid()i": 1,
	} {
		n, errno, err := h.Child.CallInt(sig)
		AssertEq(nil, err)
		ExpectEq(want, n, "%s", sig)
		ExpectEq(0, errno)
	}

	h.Finish()
}

func (t *KernelTest) GetresuidStoresThroughAllThreePointers() {
	h := start(sandbox.NewDefaultsLayer())

	var ptrs [3]sandboxsig.Addr
	for i := range ptrs {
		var err error
		ptrs[i], err = h.Child.Malloc(make([]byte, 4))
		AssertEq(nil, err)
	}

	n, _, err := h.Child.CallInt(
		"getresuid(ppp)i", ptrArg(ptrs[0]), ptrArg(ptrs[1]), ptrArg(ptrs[2]))
	AssertEq(nil, err)
	ExpectEq(0, n)

	for _, p := range ptrs {
		word, err := h.Child.ReadMem(p, 4)
		AssertEq(nil, err)
		ExpectEq(uint32(1000), binary.LittleEndian.Uint32(word))
	}

	h.Finish()
}

func (t *KernelTest) IdentityChangesArePermissionErrors() {
	h := start(sandbox.NewDefaultsLayer())

	n, errno, err := h.Child.CallInt("setuid(i)i", intArg(0))
	AssertEq(nil, err)
	ExpectEq(-1, n)
	ExpectEq(uint32(syscall.EPERM), errno)

	h.Finish()
}

func (t *KernelTest) TerminalControlIsNotATty() {
	h := start(sandbox.NewDefaultsLayer())

	n, errno, err := h.Child.CallInt(
		"ioctl(iip)i", intArg(1), intArg(0x5401), ptrArg(sandboxsig.NULL))
	AssertEq(nil, err)
	ExpectEq(-1, n)
	ExpectEq(uint32(syscall.ENOTTY), errno)

	h.Finish()
}

////////////////////////////////////////////////////////////////////////
// Time
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) FrozenVirtualTime() {
	h := start(sandbox.NewDefaultsLayer())

	// Aug 1st, 2019 UTC.
	n, _, err := h.Child.CallInt("time(p)i", ptrArg(sandboxsig.NULL))
	AssertEq(nil, err)
	ExpectEq(1564617600, n)

	// Frozen: a later call reports the same instant.
	n2, _, err := h.Child.CallInt("time(p)i", ptrArg(sandboxsig.NULL))
	AssertEq(nil, err)
	ExpectEq(n, n2)

	h.Finish()
}

func (t *KernelTest) MonotonicVirtualTime() {
	var clock timeutil.SimulatedClock
	clock.SetTime(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))

	defaults := sandbox.NewDefaultsLayer()
	defaults.Clock = &clock
	defaults.UseVirtualTime = true
	h := start(defaults)

	n, _, err := h.Child.CallInt("time(p)i", ptrArg(sandboxsig.NULL))
	AssertEq(nil, err)
	ExpectEq(1564617600, n)

	clock.AdvanceTime(37 * time.Second)

	n, _, err = h.Child.CallInt("time(p)i", ptrArg(sandboxsig.NULL))
	AssertEq(nil, err)
	ExpectEq(1564617600+37, n)

	h.Finish()
}

func (t *KernelTest) TimeStoresThroughTloc() {
	h := start(sandbox.NewDefaultsLayer())

	tloc, err := h.Child.Malloc(make([]byte, 8))
	AssertEq(nil, err)

	n, _, err := h.Child.CallInt("time(p)i", ptrArg(tloc))
	AssertEq(nil, err)

	word, err := h.Child.ReadMem(tloc, 8)
	AssertEq(nil, err)
	ExpectEq(uint64(n), binary.LittleEndian.Uint64(word))

	h.Finish()
}

////////////////////////////////////////////////////////////////////////
// Cwd and strerror
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) GetcwdFillsTheBuffer() {
	defaults := sandbox.NewDefaultsLayer()
	defaults.CWD = "/tmp"
	h := start(defaults)

	buf, err := h.Child.Malloc(make([]byte, 64))
	AssertEq(nil, err)

	v, errno, err := h.Child.Call("getcwd(pi)p", ptrArg(buf), intArg(64))
	AssertEq(nil, err)
	ExpectEq(buf, v.Ptr)
	ExpectEq(0, errno)

	data, err := h.Child.ReadMem(buf, 5)
	AssertEq(nil, err)
	ExpectEq("/tmp\x00", string(data))

	h.Finish()
}

func (t *KernelTest) GetcwdBufferTooSmall() {
	defaults := sandbox.NewDefaultsLayer()
	defaults.CWD = "/tmp"
	h := start(defaults)

	buf, err := h.Child.Malloc(make([]byte, 4))
	AssertEq(nil, err)

	v, errno, err := h.Child.Call("getcwd(pi)p", ptrArg(buf), intArg(4))
	AssertEq(nil, err)
	ExpectEq(sandboxsig.NULL, v.Ptr)
	ExpectEq(uint32(syscall.ERANGE), errno)

	h.Finish()
}

func (t *KernelTest) StrerrorIsCached() {
	h := start(sandbox.NewDefaultsLayer())

	v1, _, err := h.Child.Call("strerror(i)p", intArg(int64(syscall.ENOENT)))
	AssertEq(nil, err)
	AssertNe(sandboxsig.NULL, v1.Ptr)

	msg, err := h.Child.ReadMem(v1.Ptr, len("No such file or directory")+1)
	AssertEq(nil, err)
	ExpectEq("No such file or directory\x00", string(msg))

	// The same n returns the same region.
	v2, _, err := h.Child.Call("strerror(i)p", intArg(int64(syscall.ENOENT)))
	AssertEq(nil, err)
	ExpectEq(v1.Ptr, v2.Ptr)

	h.Finish()
}

func (t *KernelTest) StrerrorFloodIsFatal() {
	h := start(sandbox.NewDefaultsLayer())

	for n := int64(0); n < 1100; n++ {
		_, _, err := h.Child.Call("strerror(i)p", intArg(100000+n))
		if err != nil {
			break
		}
	}

	result := h.Finish()
	AssertNe(nil, result.Err)
	ExpectThat(result.Err.Error(), HasSubstr("strerror"))
}

////////////////////////////////////////////////////////////////////////
// Dispatch
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) UnknownSignatureTerminatesTheSession() {
	h := start(sandbox.NewDefaultsLayer())

	_, _, err := h.Child.CallInt("bogus(i)i", intArg(0))
	ExpectNe(nil, err)

	result := h.Finish()
	AssertNe(nil, result.Err)
	ExpectThat(result.Err.Error(), HasSubstr("bogus(i)i"))
}

func (t *KernelTest) MissingSignatureHook() {
	cfg := sandbox.Config{
		Layers: []sandbox.Layer{sandbox.NewDefaultsLayer()},
		MissingSignature: func(
			sig sandboxsig.Signature,
			args []sandboxsig.Value) (sandboxsig.Value, error) {
			return sandboxsig.Value{}, syscall.ENOSYS
		},
	}
	h, err := sandboxtesting.Start(cfg)
	AssertEq(nil, err)

	n, errno, err := h.Child.CallInt("bogus(i)i", intArg(0))
	AssertEq(nil, err)
	ExpectEq(-1, n)
	ExpectEq(uint32(syscall.ENOSYS), errno)

	result := h.Finish()
	ExpectEq(nil, result.Err)
}

func (t *KernelTest) PyPyBootstrap() {
	h := start(&sandbox.PyPyLayer{}, sandbox.NewDefaultsLayer())

	v, _, err := h.Child.Call("_pypy_init_home()p")
	AssertEq(nil, err)
	AssertNe(sandboxsig.NULL, v.Ptr)

	home, err := h.Child.ReadMem(v.Ptr, 6)
	AssertEq(nil, err)
	ExpectEq("/pypy\x00", string(home))

	// Freeing the home pointer is a no-op.
	_, _, err = h.Child.Call("_pypy_init_free(p)v", ptrArg(v.Ptr))
	AssertEq(nil, err)

	h.Finish()
}

func (t *KernelTest) FailingHandlerValidatesItsReturnValue() {
	defer func() {
		ExpectNe(nil, recover())
	}()

	// An 'i' signature with a pointer failure value is an embedder bug.
	sandbox.FailingHandler(
		"open(pii)i", syscall.ENOSYS, sandboxsig.PtrValue(sandboxsig.NULL))
}

func (t *KernelTest) ConfigErrorsSurfaceAtSessionConstruction() {
	bad := layerFunc{
		name: "bad",
		handlers: map[sandboxsig.Signature]sandbox.Handler{
			"nosig": func(c *sandbox.Call) (sandboxsig.Value, error) {
				return sandboxsig.IntValue(0), nil
			},
		},
	}

	_, err := sandboxtesting.Start(sandbox.Config{
		Layers: []sandbox.Layer{bad},
	})
	ExpectNe(nil, err)
}

type layerFunc struct {
	name     string
	handlers map[sandboxsig.Signature]sandbox.Handler
}

func (l layerFunc) Name() string { return l.name }

func (l layerFunc) Handlers() map[sandboxsig.Signature]sandbox.Handler {
	return l.handlers
}

////////////////////////////////////////////////////////////////////////
// Sanitized output
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) DumpOutputIsSanitized() {
	var stdout, stderr captureWriter
	dump := &sandbox.DumpOutputLayer{
		Stdout:       &stdout,
		Stderr:       &stderr,
		StderrFormat: sandbox.ColorFormat(31),
	}
	h := start(dump, sandbox.NewDefaultsLayer())

	buf, err := h.Child.Malloc([]byte("ok\n\x1b[2Jevil\xff"))
	AssertEq(nil, err)

	n, _, err := h.Child.CallInt(
		"write(ipi)i", intArg(1), ptrArg(buf), intArg(12))
	AssertEq(nil, err)
	ExpectEq(12, n)

	_, _, err = h.Child.CallInt(
		"write(ipi)i", intArg(2), ptrArg(buf), intArg(3))
	AssertEq(nil, err)

	h.Finish()
	ExpectEq("ok\n?[2Jevil?", string(stdout.data))
	ExpectEq("\x1b[31mok\n\x1b[0m", string(stderr.data))
}

func (t *KernelTest) RawModeBypassesSanitization() {
	var stdout captureWriter
	dump := &sandbox.DumpOutputLayer{
		Stdout:    &stdout,
		RawStdout: true,
	}
	h := start(dump, sandbox.NewDefaultsLayer())

	raw := []byte{0x00, 0xff, 0x1b}
	buf, err := h.Child.Malloc(raw)
	AssertEq(nil, err)

	_, _, err = h.Child.CallInt(
		"write(ipi)i", intArg(1), ptrArg(buf), intArg(3))
	AssertEq(nil, err)

	h.Finish()
	ExpectThat(stdout.data, DeepEquals(raw))
}

type captureWriter struct {
	data []byte
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

////////////////////////////////////////////////////////////////////////
// Stdin forwarding
////////////////////////////////////////////////////////////////////////

func (t *KernelTest) ReadsOnStdinComeFromTheHost() {
	input := &sandbox.AcceptInputLayer{
		Stdin: &staticReader{data: []byte("typed by a user\n")},
	}
	h := start(input, sandbox.NewDefaultsLayer())

	buf, err := h.Child.Malloc(make([]byte, 64))
	AssertEq(nil, err)

	n, _, err := h.Child.CallInt(
		"read(ipi)i", intArg(0), ptrArg(buf), intArg(64))
	AssertEq(nil, err)
	ExpectEq(16, n)

	data, err := h.Child.ReadMem(buf, 16)
	AssertEq(nil, err)
	ExpectEq("typed by a user\n", string(data))

	// Exhausted input reads as end of file, not an error.
	n, errno, err := h.Child.CallInt(
		"read(ipi)i", intArg(0), ptrArg(buf), intArg(64))
	AssertEq(nil, err)
	ExpectEq(0, n)
	ExpectEq(0, errno)

	// Reads on other descriptors are not this layer's business.
	n, errno, err = h.Child.CallInt(
		"read(ipi)i", intArg(5), ptrArg(buf), intArg(64))
	AssertEq(nil, err)
	ExpectEq(-1, n)
	ExpectEq(uint32(syscall.ENOSYS), errno)

	h.Finish()
}

type staticReader struct {
	data []byte
}

func (r *staticReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}
