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
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/sandboxlib/sandbox/internal/wire"
	"github.com/sandboxlib/sandbox/sandboxsig"
)

// Config controls a Session.
type Config struct {
	// The handler stack, listed from top to bottom. For each signature the
	// topmost definition wins; shadowed definitions stay reachable through
	// Call.Delegate. The bottom of the stack is usually a DefaultsLayer.
	Layers []Layer

	// Invoked when the child requests a signature no layer implements. The
	// returned value is replied to the child. A returned syscall.Errno is
	// handled as for any handler (virtual errno plus failure sentinel); any
	// other returned error terminates the session.
	//
	// May be nil, in which case an unknown signature terminates the session
	// with an error naming it.
	MissingSignature func(sig sandboxsig.Signature, args []sandboxsig.Value) (sandboxsig.Value, error)

	// Signature names the dump's Funcs line may list without the registry
	// implementing them. See CheckDump.
	PermittedMissing []string

	// How long Close waits for the child to exit after its stdin is closed,
	// before killing it. Zero means a default of three seconds.
	GracePeriod time.Duration

	// Logger for diagnostics. Requests, replies and every emulated-errno
	// return are logged at debug level; session-fatal conditions at error
	// level. May be nil, in which case the package logger is used: it
	// discards everything unless the --sandbox.debug flag is set.
	Logger *logrus.Logger
}

// A Proc exposes the per-session facilities handlers need: the virtual heap
// backing every pointer handed to the child, and the virtual errno slot that
// rides along with each reply.
type Proc struct {
	heap   *wire.Heap
	errno  syscall.Errno
	logger *logrus.Logger
}

// SetErrno stores the guest-visible error code carried by subsequent
// replies.
func (p *Proc) SetErrno(e syscall.Errno) {
	p.errno = e
}

// Errno returns the current virtual errno.
func (p *Proc) Errno() syscall.Errno {
	return p.errno
}

// Malloc records data under a fresh virtual address that stays readable by
// the child for the rest of the session.
func (p *Proc) Malloc(data []byte) sandboxsig.Addr {
	return p.heap.Malloc(data)
}

// Free marks addr as no longer needed. Advisory.
func (p *Proc) Free(addr sandboxsig.Addr) {
	p.heap.Free(addr)
}

// ReadBuffer returns n bytes of child-visible memory at addr. Errors are
// fatal to the session when propagated out of a handler.
func (p *Proc) ReadBuffer(addr sandboxsig.Addr, n int) ([]byte, error) {
	return p.heap.ReadAt(addr, n)
}

// WriteBuffer stores data into child-visible memory at addr.
func (p *Proc) WriteBuffer(addr sandboxsig.Addr, data []byte) error {
	return p.heap.WriteAt(addr, data)
}

// ReadCString reads the NUL-terminated string at addr, scanning at most max
// bytes.
func (p *Proc) ReadCString(addr sandboxsig.Addr, max int) ([]byte, error) {
	return p.heap.ReadCString(addr, max)
}

// Debugf logs at debug level, if a logger is configured.
func (p *Proc) Debugf(format string, args ...interface{}) {
	if p.logger != nil {
		p.logger.Debugf(format, args...)
	}
}

// A Session drives one sandboxed subprocess: it owns the codec, the heap,
// the errno slot and the resolved dispatch table, and serves requests until
// the child closes its pipe.
//
// Everything happens on the goroutine that calls Run; host and child
// strictly alternate one request and one reply.
type Session struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cfg   Config
	codec *wire.Codec
	proc  *Proc

	// The child process, if the session spawned it. Nil when the embedder
	// supplied raw streams.
	cmd        *exec.Cmd
	childStdin io.Closer

	/////////////////////////
	// Constant data
	/////////////////////////

	// The effective dispatch table: for each signature, every definition in
	// stack order, topmost first.
	table map[sandboxsig.Signature][]Handler

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Set once the child has been reaped.
	waited   bool
	exitCode int
}

// NewSession resolves the layer stack and wires a session onto the supplied
// streams: childStdout is the pipe the child writes requests to, childStdin
// the pipe the host writes replies to. Configuration errors (malformed
// signatures, nil handlers) surface here, before any frame is read.
func NewSession(
	cfg Config,
	childStdin io.Writer,
	childStdout io.Reader) (*Session, error) {
	table, err := resolveLayers(cfg.Layers)
	if err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = getLogger()
	}

	s := &Session{
		cfg:   cfg,
		codec: wire.NewCodec(childStdout, childStdin),
		proc: &Proc{
			heap:   wire.NewHeap(),
			logger: cfg.Logger,
		},
		table: table,
	}

	if closer, ok := childStdin.(io.Closer); ok {
		s.childStdin = closer
	}

	return s, nil
}

// Run serves frames until the child closes its pipe, then reaps the child
// and returns its exit code. A non-nil error means the session was
// terminated by a protocol violation or another fatal condition; the child
// is killed in that case.
func (s *Session) Run() (int, error) {
	err := s.serve()
	if err != nil {
		s.logError(err)
		s.terminate()
	}

	code, waitErr := s.reap()
	if err == nil {
		err = waitErr
	}

	return code, err
}

func (s *Session) serve() error {
	for {
		kind, err := s.codec.ReadFrameKind()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch kind {
		case wire.FrameCall:
			err = s.serveCall()

		case wire.FrameMalloc:
			var data []byte
			if data, err = s.codec.ReadMalloc(); err == nil {
				err = s.codec.WriteAddr(s.proc.heap.Malloc(data))
			}

		case wire.FrameRead:
			var addr sandboxsig.Addr
			var n int
			if addr, n, err = s.codec.ReadMemRequest(); err == nil {
				var data []byte
				if data, err = s.proc.heap.ReadAt(addr, n); err == nil {
					err = s.codec.WriteBytes(data)
				}
			}

		case wire.FrameWrite:
			var addr sandboxsig.Addr
			var data []byte
			if addr, data, err = s.codec.ReadMemWrite(); err == nil {
				err = s.proc.heap.WriteAt(addr, data)
			}

		case wire.FrameFree:
			var addr sandboxsig.Addr
			if addr, err = s.codec.ReadFree(); err == nil {
				s.proc.heap.Free(addr)
			}
		}

		if err != nil {
			return err
		}
	}
}

// serveCall reads, dispatches and replies to a single call frame.
func (s *Session) serveCall() error {
	sig, args, err := s.codec.ReadCall()
	if err != nil {
		return err
	}

	chain, ok := s.table[sig]

	var result sandboxsig.Value
	var handlerErr error
	switch {
	case ok:
		call := &Call{
			Sig:   sig,
			Args:  args,
			Proc:  s.proc,
			chain: chain,
		}
		result, handlerErr = chain[0](call)

	case s.cfg.MissingSignature != nil:
		result, handlerErr = s.cfg.MissingSignature(sig, args)

	default:
		return errors.Errorf(
			"subprocess tries to call %s, terminating it", sig)
	}

	if handlerErr != nil {
		errno, isErrno := guestErrno(handlerErr)
		if !isErrno {
			return errors.Wrapf(handlerErr, "handler for %s", sig)
		}

		s.proc.SetErrno(errno)
		result = sandboxsig.FailureSentinel(sig.Ret())

		if s.cfg.Logger != nil {
			s.cfg.Logger.WithFields(logrus.Fields{
				"sig":   string(sig),
				"errno": errno.Error(),
			}).Debug("emulated error")
		}
	} else if result.Tag != sig.Ret() {
		return errors.Errorf(
			"handler for %s returned a %q value, want %q",
			sig, result.Tag, sig.Ret())
	}

	if s.cfg.Logger != nil {
		s.cfg.Logger.WithFields(logrus.Fields{
			"sig":    string(sig),
			"result": result.String(),
		}).Debug("reply")
	}

	return s.codec.WriteResult(result, uint32(s.proc.errno))
}

// guestErrno reports whether err is (or wraps) a guest-visible errno.
func guestErrno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// reap waits for the child to exit and records its status. A nil cmd (raw
// streams supplied by the embedder) reaps to exit code zero.
func (s *Session) reap() (int, error) {
	if s.cmd == nil {
		return 0, nil
	}
	if s.waited {
		return s.exitCode, nil
	}

	err := s.cmd.Wait()
	s.waited = true
	s.exitCode = s.cmd.ProcessState.ExitCode()

	if _, isExit := err.(*exec.ExitError); err != nil && !isExit {
		return s.exitCode, errors.Wrap(err, "reaping subprocess")
	}
	return s.exitCode, nil
}

// terminate forcibly stops the child, if there is one.
func (s *Session) terminate() {
	if s.childStdin != nil {
		s.childStdin.Close()
	}
	if s.cmd != nil && !s.waited && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

// Close shuts the session down: it closes the child's stdin (the child sees
// EOF on its host channel), waits for the configured grace period, and
// kills the child if it is still running. Safe to call after Run.
func (s *Session) Close() error {
	if s.childStdin != nil {
		s.childStdin.Close()
	}

	if s.cmd == nil || s.waited {
		return nil
	}

	grace := s.cfg.GracePeriod
	if grace == 0 {
		grace = 3 * time.Second
	}

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case err := <-done:
		s.waited = true
		s.exitCode = s.cmd.ProcessState.ExitCode()
		if _, isExit := err.(*exec.ExitError); err != nil && !isExit {
			return errors.Wrap(err, "reaping subprocess")
		}
		return nil

	case <-time.After(grace):
		s.cmd.Process.Kill()
		err := <-done
		s.waited = true
		s.exitCode = s.cmd.ProcessState.ExitCode()
		if _, isExit := err.(*exec.ExitError); err != nil && !isExit {
			return errors.Wrap(err, "reaping subprocess")
		}
		return nil
	}
}

func (s *Session) logError(err error) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.WithError(err).Error("session terminated")
	}
}
