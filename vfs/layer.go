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

// Package vfs gives the sandboxed child a virtual, read-only view of a
// filesystem: a tree of in-memory and real-directory-bridged nodes, plus
// the handler layer that emulates the path and descriptor system calls
// against it.
package vfs

import (
	"fmt"
	"io"

	"github.com/jacobsa/syncutil"
	"golang.org/x/sys/unix"

	"github.com/sandboxlib/sandbox"
	"github.com/sandboxlib/sandbox/internal/abi"
	"github.com/sandboxlib/sandbox/sandboxsig"
)

// MaxPath bounds the length of any path the child may name.
const MaxPath = 256

// maxReadChunk bounds how much a single read() moves; the child loops for
// more.
const maxReadChunk = 256 * 1024

// Layer emulates the filesystem system calls against a node tree. It owns
// the virtual file-descriptor table and the open-directory table.
type Layer struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// The root of the virtual tree.
	root *Node

	// The virtual identity access checks run under.
	uid, gid uint32

	// Virtual file descriptors are drawn from [fdLow, fdHigh). 0-2 belong
	// to the stdio layers.
	fdLow, fdHigh int64

	// Cap on concurrently open directories.
	maxOpenDirs int

	// The child ABI's stat/dirent layouts.
	layout abi.Layout

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The open files, keyed by virtual fd.
	//
	// INVARIANT: For all keys fd, fdLow <= fd < fdHigh
	openFiles map[int64]*openFile // GUARDED_BY(mu)

	// The open directory iterators, keyed by the heap address of the
	// child-visible dirent region that doubles as the DIR* handle.
	//
	// INVARIANT: len(openDirs) <= maxOpenDirs
	openDirs map[sandboxsig.Addr]*openDir // GUARDED_BY(mu)
}

type openFile struct {
	stream io.ReadCloser
	node   *Node
}

type openDir struct {
	node  *Node
	names []string
	pos   int
}

// Config tunes a Layer. The zero value of each field selects the default.
type Config struct {
	// The virtual identity for access checks. Zero means uid/gid 1000.
	UID, GID uint32

	// The virtual fd range, half-open. Zero means [3, 50).
	FDLow, FDHigh int64

	// Cap on concurrently open directories. Zero means 32.
	MaxOpenDirs int

	// The child ABI's byte layouts. Nil means linux/amd64.
	Layout abi.Layout
}

// NewLayer creates a VFS layer serving the given tree.
func NewLayer(root *Node, cfg Config) *Layer {
	if cfg.UID == 0 {
		cfg.UID = OwnerUID
	}
	if cfg.GID == 0 {
		cfg.GID = OwnerGID
	}
	if cfg.FDLow == 0 && cfg.FDHigh == 0 {
		cfg.FDLow, cfg.FDHigh = 3, 50
	}
	if cfg.MaxOpenDirs == 0 {
		cfg.MaxOpenDirs = 32
	}
	if cfg.Layout == nil {
		cfg.Layout = abi.LinuxAmd64
	}

	l := &Layer{
		root:        root,
		uid:         cfg.UID,
		gid:         cfg.GID,
		fdLow:       cfg.FDLow,
		fdHigh:      cfg.FDHigh,
		maxOpenDirs: cfg.MaxOpenDirs,
		layout:      cfg.Layout,
		openFiles:   make(map[int64]*openFile),
		openDirs:    make(map[sandboxsig.Addr]*openDir),
	}
	l.mu = syncutil.NewInvariantMutex(l.checkInvariants)

	return l
}

var _ sandbox.Layer = &Layer{}

func (l *Layer) Name() string {
	return "vfs"
}

func (l *Layer) Handlers() map[sandboxsig.Signature]sandbox.Handler {
	return map[sandboxsig.Signature]sandbox.Handler{
		"stat64(pp)i":  l.doStat,
		"lstat64(pp)i": l.doStat,
		"fstat64(ip)i": l.doFstat,
		"access(pi)i":  l.doAccess,
		"open(pii)i":   l.doOpen,
		"close(i)i":    l.doClose,
		"read(ipi)i":   l.doRead,
		"opendir(p)p":  l.doOpendir,
		"readdir(p)p":  l.doReaddir,
		"closedir(p)i": l.doClosedir,
	}
}

func (l *Layer) checkInvariants() {
	for fd := range l.openFiles {
		if fd < l.fdLow || fd >= l.fdHigh {
			panic(fmt.Sprintf("fd %d outside range [%d, %d)", fd, l.fdLow, l.fdHigh))
		}
	}

	if len(l.openDirs) > l.maxOpenDirs {
		panic(fmt.Sprintf("%d open dirs, cap %d", len(l.openDirs), l.maxOpenDirs))
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// fetchPath reads the NUL-terminated path the child placed at addr.
func fetchPath(c *sandbox.Call, addr sandboxsig.Addr) (string, error) {
	raw, err := c.Proc.ReadCString(addr, MaxPath)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Resolve walks the tree from root along the given path: empty and "."
// components are skipped, ".." pops one level except at the root, anything
// else descends via Join.
func Resolve(root *Node, path string) (*Node, error) {
	stack := []*Node{root}

	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '/' {
			continue
		}
		name := path[start:i]
		start = i + 1

		switch name {
		case "", ".":
		case "..":
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		default:
			child, err := stack[len(stack)-1].Join(name)
			if err != nil {
				return nil, err
			}
			stack = append(stack, child)
		}
	}

	return stack[len(stack)-1], nil
}

// getNode fetches the path argument and resolves it.
func (l *Layer) getNode(c *sandbox.Call, addr sandboxsig.Addr) (*Node, error) {
	path, err := fetchPath(c, addr)
	if err != nil {
		return nil, err
	}
	return Resolve(l.root, path)
}

// writeStat marshals the node's attributes into the child's stat buffer.
func (l *Layer) writeStat(c *sandbox.Call, buf sandboxsig.Addr, node *Node) error {
	st, err := node.Stat()
	if err != nil {
		return err
	}
	return c.Proc.WriteBuffer(buf, l.layout.EncodeStat(st))
}

////////////////////////////////////////////////////////////////////////
// Path handlers
////////////////////////////////////////////////////////////////////////

// doStat implements stat64(pp)i and lstat64(pp)i. The virtual tree has no
// symlinks, so the two agree.
func (l *Layer) doStat(c *sandbox.Call) (sandboxsig.Value, error) {
	node, err := l.getNode(c, c.Args[0].Ptr)
	if err != nil {
		return sandboxsig.Value{}, err
	}

	if err := l.writeStat(c, c.Args[1].Ptr, node); err != nil {
		return sandboxsig.Value{}, err
	}
	return sandboxsig.IntValue(0), nil
}

// doAccess implements access(pi)i.
func (l *Layer) doAccess(c *sandbox.Call) (sandboxsig.Value, error) {
	node, err := l.getNode(c, c.Args[0].Ptr)
	if err != nil {
		return sandboxsig.Value{}, err
	}

	ok, err := node.Access(l.uid, l.gid, c.Args[1].Int)
	if err != nil {
		return sandboxsig.Value{}, err
	}
	if !ok {
		return sandboxsig.Value{}, unix.EACCES
	}
	return sandboxsig.IntValue(0), nil
}

// doOpen implements open(pii)i. Any write intent, including O_CREAT, is
// rejected: the virtual world is read-only.
func (l *Layer) doOpen(c *sandbox.Call) (sandboxsig.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	node, err := l.getNode(c, c.Args[0].Ptr)
	if err != nil {
		return sandboxsig.Value{}, err
	}

	flags := c.Args[1].Int
	writeMode := flags&unix.O_ACCMODE != unix.O_RDONLY ||
		flags&unix.O_CREAT != 0

	checkMode := int64(unix.R_OK)
	if writeMode {
		checkMode = unix.W_OK
	}
	ok, err := node.Access(l.uid, l.gid, checkMode)
	if err != nil {
		return sandboxsig.Value{}, err
	}
	if !ok || writeMode {
		return sandboxsig.Value{}, unix.EACCES
	}

	stream, err := node.Open()
	if err != nil {
		return sandboxsig.Value{}, err
	}

	for fd := l.fdLow; fd < l.fdHigh; fd++ {
		if _, used := l.openFiles[fd]; !used {
			l.openFiles[fd] = &openFile{stream: stream, node: node}
			return sandboxsig.IntValue(fd), nil
		}
	}

	stream.Close()
	return sandboxsig.Value{}, unix.EMFILE
}

////////////////////////////////////////////////////////////////////////
// Descriptor handlers
////////////////////////////////////////////////////////////////////////

// doFstat implements fstat64(ip)i from the node cached at open time.
func (l *Layer) doFstat(c *sandbox.Call) (sandboxsig.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	of, ok := l.openFiles[c.Args[0].Int]
	if !ok {
		return sandboxsig.Value{}, unix.EBADF
	}

	if err := l.writeStat(c, c.Args[1].Ptr, of.node); err != nil {
		return sandboxsig.Value{}, err
	}
	return sandboxsig.IntValue(0), nil
}

// doClose implements close(i)i. A closed fd transitions out of the table;
// every later operation on it reports EBADF.
func (l *Layer) doClose(c *sandbox.Call) (sandboxsig.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd := c.Args[0].Int
	of, ok := l.openFiles[fd]
	if !ok {
		return sandboxsig.Value{}, unix.EBADF
	}

	delete(l.openFiles, fd)
	of.stream.Close()
	return sandboxsig.IntValue(0), nil
}

// doRead implements read(ipi)i for virtual fds. Reads on fds this layer
// never issued (the stdio range included) report EBADF.
func (l *Layer) doRead(c *sandbox.Call) (sandboxsig.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fd, buf, count := c.Args[0].Int, c.Args[1].Ptr, c.Args[2].Int

	of, ok := l.openFiles[fd]
	if !ok {
		return sandboxsig.Value{}, unix.EBADF
	}

	if count < 0 {
		count = 0
	}
	if count > maxReadChunk {
		count = maxReadChunk
	}

	data := make([]byte, count)
	n, err := of.stream.Read(data)
	if n == 0 && err != nil && err != io.EOF {
		return sandboxsig.Value{}, unix.EIO
	}

	if n > 0 {
		if err := c.Proc.WriteBuffer(buf, data[:n]); err != nil {
			return sandboxsig.Value{}, err
		}
	}
	return sandboxsig.IntValue(int64(n)), nil
}

////////////////////////////////////////////////////////////////////////
// Directory handlers
////////////////////////////////////////////////////////////////////////

// doOpendir implements opendir(p)p. The DIR* handle handed to the child is
// the address of a dirent-sized heap region that readdir refills.
func (l *Layer) doOpendir(c *sandbox.Call) (sandboxsig.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.openDirs) >= l.maxOpenDirs {
		return sandboxsig.Value{}, unix.EMFILE
	}

	node, err := l.getNode(c, c.Args[0].Ptr)
	if err != nil {
		return sandboxsig.Value{}, err
	}

	names, err := node.Names()
	if err != nil {
		return sandboxsig.Value{}, err
	}

	handle := c.Proc.Malloc(make([]byte, l.layout.DirentSize()))
	l.openDirs[handle] = &openDir{node: node, names: names}
	return sandboxsig.PtrValue(handle), nil
}

// doReaddir implements readdir(p)p: refill the region behind the handle
// with the next entry and return the handle again, or NULL at the end of
// the stream.
func (l *Layer) doReaddir(c *sandbox.Call) (sandboxsig.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	handle := c.Args[0].Ptr
	dir, ok := l.openDirs[handle]
	if !ok {
		return sandboxsig.Value{}, unix.EBADF
	}

	if dir.pos >= len(dir.names) {
		return sandboxsig.PtrValue(sandboxsig.NULL), nil
	}
	name := dir.names[dir.pos]
	dir.pos++

	child, err := dir.node.Join(name)
	if err != nil {
		return sandboxsig.Value{}, err
	}

	st, err := child.Stat()
	if err != nil {
		return sandboxsig.Value{}, err
	}

	if len(name)+1 > l.layout.DirentNameCap() {
		return sandboxsig.Value{}, unix.EOVERFLOW
	}

	dtype := uint8(unix.DT_REG)
	if child.IsDir() {
		dtype = unix.DT_DIR
	}

	dirent := abi.Dirent{
		Ino:    st.Ino,
		Reclen: uint16(l.layout.DirentSize()),
		Type:   dtype,
		Name:   name,
	}
	if err := c.Proc.WriteBuffer(handle, l.layout.EncodeDirent(dirent)); err != nil {
		return sandboxsig.Value{}, err
	}

	return sandboxsig.PtrValue(handle), nil
}

// doClosedir implements closedir(p)i.
func (l *Layer) doClosedir(c *sandbox.Call) (sandboxsig.Value, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	handle := c.Args[0].Ptr
	if _, ok := l.openDirs[handle]; !ok {
		return sandboxsig.Value{}, unix.EBADF
	}

	delete(l.openDirs, handle)
	c.Proc.Free(handle)
	return sandboxsig.IntValue(0), nil
}
