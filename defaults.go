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
	"encoding/binary"
	"syscall"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/pkg/errors"

	"github.com/sandboxlib/sandbox/internal/wire"
	"github.com/sandboxlib/sandbox/sandboxsig"
)

// strerrorCacheLimit caps the number of distinct strerror() arguments the
// child may probe. A child iterating errno space is up to no good.
const strerrorCacheLimit = 1000

// DefaultsLayer is the bottom of every useful stack. It provides the
// virtual identity, time, environment and working directory, and a failing
// stub for every other signature in the known catalogue, so that a child
// probing an unconfigured facility gets a clean errno instead of killing
// the session.
type DefaultsLayer struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	// Clock measures elapsed wall-clock time for monotonic virtual time.
	Clock timeutil.Clock

	/////////////////////////
	// Configuration
	/////////////////////////

	// The instant time() reports. When UseVirtualTime is set, successive
	// calls advance with the host clock, starting from TimeBase at session
	// start; otherwise time() is frozen at TimeBase.
	TimeBase       time.Time
	UseVirtualTime bool

	// The virtual current working directory reported by getcwd.
	CWD string

	// The virtual identity.
	UID, GID  uint32
	PID, PPID int64

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The clock reading when the session collected this layer's handlers
	// (or, if UseVirtualTime was set only afterwards, at the first time()
	// call), the origin that monotonic virtual time advances from.
	start time.Time

	// Lazily allocated heap regions handed out again on repeat calls.
	environAddr   sandboxsig.Addr
	strerrorCache map[int64]sandboxsig.Addr
}

var _ Layer = &DefaultsLayer{}

// NewDefaultsLayer returns a defaults layer with the stock configuration:
// frozen virtual time of Aug 1st, 2019 (UTC), cwd "/", uid and gid 1000,
// pid 4200.
func NewDefaultsLayer() *DefaultsLayer {
	l := &DefaultsLayer{
		Clock:         timeutil.RealClock(),
		TimeBase:      time.Date(2019, 8, 1, 0, 0, 0, 0, time.UTC),
		CWD:           "/",
		UID:           1000,
		GID:           1000,
		PID:           4200,
		PPID:          1,
		strerrorCache: make(map[int64]sandboxsig.Addr),
	}
	return l
}

func (l *DefaultsLayer) Name() string {
	return "defaults"
}

func (l *DefaultsLayer) Handlers() map[sandboxsig.Signature]Handler {
	table := map[sandboxsig.Signature]Handler{
		"time(p)i":        l.doTime,
		"get_environ()p":  l.doGetEnviron,
		"getenv(p)p":      l.doGetenv,
		"getcwd(pi)p":     l.doGetcwd,
		"strerror(i)p":    l.doStrerror,
		"getuid()i":       l.identity(func() int64 { return int64(l.UID) }),
		"geteuid()i":      l.identity(func() int64 { return int64(l.UID) }),
		"getgid()i":       l.identity(func() int64 { return int64(l.GID) }),
		"getegid()i":      l.identity(func() int64 { return int64(l.GID) }),
		"getpid()i":       l.identity(func() int64 { return l.PID }),
		"getppid()i":      l.identity(func() int64 { return l.PPID }),
		"getresuid(ppp)i": l.resIdentity(func() uint32 { return l.UID }),
		"getresgid(ppp)i": l.resIdentity(func() uint32 { return l.GID }),
	}

	// The kernel collects this table when the session is built, which is
	// where monotonic virtual time starts counting.
	if l.UseVirtualTime && l.start.IsZero() && l.Clock != nil {
		l.start = l.Clock.Now()
	}

	for _, stub := range errorStubs {
		if _, ok := table[stub.sig]; ok {
			continue
		}
		table[stub.sig] = FailingHandler(
			stub.sig, stub.errno, sandboxsig.FailureSentinel(stub.sig.Ret()))
	}

	return table
}

// The catalogue of known signatures that get a failing stub unless a higher
// layer (or this one) implements them. ENOSYS in general; EPERM for calls
// that would change the virtual identity; ENOTTY for terminal control.
var errorStubs = []struct {
	sig   sandboxsig.Signature
	errno syscall.Errno
}{
	{"gettimeofday(pp)i", syscall.ENOSYS},
	{"clock_gettime(ip)i", syscall.ENOSYS},
	{"uname(p)i", syscall.ENOSYS},
	{"stat64(pp)i", syscall.ENOSYS},
	{"lstat64(pp)i", syscall.ENOSYS},
	{"fstat64(ip)i", syscall.ENOSYS},
	{"access(pi)i", syscall.ENOSYS},
	{"open(pii)i", syscall.ENOSYS},
	{"close(i)i", syscall.ENOSYS},
	{"read(ipi)i", syscall.ENOSYS},
	{"write(ipi)i", syscall.ENOSYS},
	{"lseek(iii)i", syscall.ENOSYS},
	{"dup(i)i", syscall.ENOSYS},
	{"pipe(p)i", syscall.ENOSYS},
	{"unlink(p)i", syscall.ENOSYS},
	{"mkdir(pi)i", syscall.ENOSYS},
	{"rmdir(p)i", syscall.ENOSYS},
	{"opendir(p)p", syscall.ENOSYS},
	{"readdir(p)p", syscall.ENOSYS},
	{"closedir(p)i", syscall.ENOSYS},
	{"readlink(ppi)i", syscall.ENOSYS},
	{"fork()i", syscall.ENOSYS},
	{"execv(pp)i", syscall.ENOSYS},
	{"waitpid(ipi)i", syscall.ENOSYS},
	{"kill(ii)i", syscall.ENOSYS},
	{"setuid(i)i", syscall.EPERM},
	{"setgid(i)i", syscall.EPERM},
	{"seteuid(i)i", syscall.EPERM},
	{"setegid(i)i", syscall.EPERM},
	{"setresuid(iii)i", syscall.EPERM},
	{"setresgid(iii)i", syscall.EPERM},
	{"ioctl(iip)i", syscall.ENOTTY},
	{"tcgetattr(ip)i", syscall.ENOTTY},
	{"tcsetattr(iip)i", syscall.ENOTTY},
	{"isatty(i)i", syscall.ENOTTY},
}

// doTime implements time(p)i. A non-NULL tloc also receives the 8-byte
// time_t.
func (l *DefaultsLayer) doTime(c *Call) (sandboxsig.Value, error) {
	t := l.TimeBase
	if l.UseVirtualTime {
		now := l.Clock.Now()
		if l.start.IsZero() {
			l.start = now
		}
		t = t.Add(now.Sub(l.start))
	}
	seconds := t.Unix()

	if tloc := c.Args[0].Ptr; tloc != sandboxsig.NULL {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(seconds))
		if err := c.Proc.WriteBuffer(tloc, buf[:]); err != nil {
			return sandboxsig.Value{}, err
		}
	}

	return sandboxsig.IntValue(seconds), nil
}

// doGetEnviron implements get_environ()p: the environ variable points at a
// single NULL pointer, i.e. the environment is empty.
func (l *DefaultsLayer) doGetEnviron(c *Call) (sandboxsig.Value, error) {
	if l.environAddr == sandboxsig.NULL {
		l.environAddr = c.Proc.Malloc(make([]byte, wire.PtrSize))
	}
	return sandboxsig.PtrValue(l.environAddr), nil
}

// doGetenv implements getenv(p)p: every variable is unset.
func (l *DefaultsLayer) doGetenv(c *Call) (sandboxsig.Value, error) {
	return sandboxsig.PtrValue(sandboxsig.NULL), nil
}

// doGetcwd implements getcwd(pi)p.
func (l *DefaultsLayer) doGetcwd(c *Call) (sandboxsig.Value, error) {
	buf, size := c.Args[0].Ptr, c.Args[1].Int

	cwd := []byte(l.CWD)
	if int64(len(cwd)) >= size {
		return sandboxsig.Value{}, syscall.ERANGE
	}

	if err := c.Proc.WriteBuffer(buf, append(cwd, 0)); err != nil {
		return sandboxsig.Value{}, err
	}
	return sandboxsig.PtrValue(buf), nil
}

// doStrerror implements strerror(i)p with the host's message text for the
// errno value, capitalized the way the C library spells it, cached per
// errno value.
func (l *DefaultsLayer) doStrerror(c *Call) (sandboxsig.Value, error) {
	n := c.Args[0].Int

	if l.strerrorCache == nil {
		l.strerrorCache = make(map[int64]sandboxsig.Addr)
	}

	addr, ok := l.strerrorCache[n]
	if !ok {
		if len(l.strerrorCache) >= strerrorCacheLimit {
			return sandboxsig.Value{}, errors.New(
				"subprocess calls strerror(n) with too many values of n, " +
					"terminating it")
		}

		// Go's errno table is lower case; strerror(3) text starts with a
		// capital.
		msg := []byte(syscall.Errno(n).Error())
		if len(msg) > 0 && msg[0] >= 'a' && msg[0] <= 'z' {
			msg[0] -= 'a' - 'A'
		}
		addr = c.Proc.Malloc(append(msg, 0))
		l.strerrorCache[n] = addr
	}

	return sandboxsig.PtrValue(addr), nil
}

// identity builds a handler for the ()i getters.
func (l *DefaultsLayer) identity(get func() int64) Handler {
	return func(c *Call) (sandboxsig.Value, error) {
		return sandboxsig.IntValue(get()), nil
	}
}

// resIdentity builds a handler for getresuid/getresgid, which store the
// same id through three uint32 pointers.
func (l *DefaultsLayer) resIdentity(get func() uint32) Handler {
	return func(c *Call) (sandboxsig.Value, error) {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], get())

		for _, arg := range c.Args {
			if arg.Ptr == sandboxsig.NULL {
				continue
			}
			if err := c.Proc.WriteBuffer(arg.Ptr, buf[:]); err != nil {
				return sandboxsig.Value{}, err
			}
		}
		return sandboxsig.IntValue(0), nil
	}
}
