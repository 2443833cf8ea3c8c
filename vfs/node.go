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

package vfs

import (
	"bytes"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sandboxlib/sandbox/internal/abi"
)

// A Node is one element of the virtual filesystem tree: a directory or a
// regular file, held in memory or bridged to a real path. The four variants
// share one struct discriminated by kind; operations dispatch on the tag.
//
// Nodes are assembled by the embedder before the session starts and are
// read-only from the child's perspective. The virtual inode number is
// assigned the first time the node is stat-ed and is stable afterwards.
type Node struct {
	kind nodeKind

	// Extra permission bits OR'd into the file type, e.g. 0o111 to mark an
	// in-memory executable. Regular files only.
	mode uint32

	// kindDir
	entries map[string]*Node

	// kindRealDir and kindRealFile
	path string

	// kindRealDir
	showDotfiles bool
	followLinks  bool
	exclude      []string

	// kindFile
	data []byte

	// Assigned on first stat; zero means not yet assigned.
	ino uint64
}

type nodeKind int

const (
	kindDir nodeKind = iota
	kindRealDir
	kindFile
	kindRealFile
)

// The virtual identity that owns read-write nodes. Read-only nodes (all of
// them, today) are owned by root so that the virtual user cannot write
// them.
const (
	OwnerUID = 1000
	OwnerGID = 1000
)

// Inode numbers are handed out lazily. The session is single-threaded, so a
// plain counter serves.
var inoCounter uint64

// NewDir creates an in-memory directory with the given children. The map is
// used as is; the caller must not mutate it afterwards.
func NewDir(entries map[string]*Node) *Node {
	if entries == nil {
		entries = make(map[string]*Node)
	}
	return &Node{kind: kindDir, entries: entries}
}

// RealDirOptions filter what a real directory exposes to the child.
type RealDirOptions struct {
	// Pretend files whose name starts with '.' don't exist, unless set.
	ShowDotfiles bool

	// When set, symlinks are transparently followed and look like regular
	// files or directories. When unset, the child may not access them at
	// all.
	FollowLinks bool

	// Name endings to filter out, compared case-insensitively so that
	// "foo.SECRET" is caught by ".secret" too.
	Exclude []string
}

// NewRealDir creates a directory bridged to the given real path. A nil opts
// hides dotfiles, refuses symlinks and excludes nothing.
func NewRealDir(path string, opts *RealDirOptions) *Node {
	if opts == nil {
		opts = &RealDirOptions{}
	}

	exclude := make([]string, len(opts.Exclude))
	for i, e := range opts.Exclude {
		exclude[i] = strings.ToLower(e)
	}

	return &Node{
		kind:         kindRealDir,
		path:         path,
		showDotfiles: opts.ShowDotfiles,
		followLinks:  opts.FollowLinks,
		exclude:      exclude,
	}
}

// NewFile creates an in-memory regular file with immutable contents. mode
// adds permission bits on top of the standard read-only mask, e.g. 0o111
// for an executable.
func NewFile(data []byte, mode uint32) *Node {
	return &Node{kind: kindFile, data: data, mode: mode}
}

// NewRealFile creates a regular file bridged to the given real path, opened
// on demand.
func NewRealFile(path string, mode uint32) *Node {
	return &Node{kind: kindRealFile, path: path, mode: mode}
}

// IsDir reports whether the node is a directory of either flavor.
func (n *Node) IsDir() bool {
	return n.kind == kindDir || n.kind == kindRealDir
}

// Kind returns the file type bits plus the node's extra mode bits.
func (n *Node) Kind() uint32 {
	if n.IsDir() {
		return unix.S_IFDIR
	}
	return unix.S_IFREG | n.mode
}

// Size returns the node's size in bytes: the contents length for in-memory
// files, the real size for bridged files, zero for directories.
func (n *Node) Size() (int64, error) {
	switch n.kind {
	case kindFile:
		return int64(len(n.data)), nil
	case kindRealFile:
		fi, err := os.Stat(n.path)
		if err != nil {
			return 0, realError(err)
		}
		return fi.Size(), nil
	default:
		return 0, nil
	}
}

// Stat computes the node's virtual attributes. The inode number is assigned
// on the first call and never changes; device and link count are fixed.
func (n *Node) Stat() (abi.Stat, error) {
	if n.ino == 0 {
		inoCounter++
		n.ino = inoCounter
	}

	size, err := n.Size()
	if err != nil {
		return abi.Stat{}, err
	}

	mode := n.Kind() | unix.S_IWUSR | unix.S_IRUSR | unix.S_IRGRP | unix.S_IROTH
	if n.IsDir() {
		mode |= unix.S_IXUSR | unix.S_IXGRP | unix.S_IXOTH
	}

	// Read-only nodes are virtually owned by root; a read-write node would
	// be owned by the virtual user, but there are none today.
	return abi.Stat{
		Dev:   1,
		Ino:   n.ino,
		Nlink: 1,
		Mode:  mode,
		UID:   0,
		GID:   0,
		Size:  size,
	}, nil
}

// Access checks the requested R_OK/W_OK/X_OK bits against the rwx triad the
// virtual identity gets for this node.
func (n *Node) Access(uid, gid uint32, mode int64) (bool, error) {
	st, err := n.Stat()
	if err != nil {
		return false, err
	}

	effective := st.Mode & unix.S_IRWXO
	if uid == st.UID {
		effective |= (st.Mode & unix.S_IRWXU) >> 6
	}
	if gid == st.GID {
		effective |= (st.Mode & unix.S_IRWXG) >> 3
	}

	return effective&uint32(mode) == uint32(mode), nil
}

// Names lists a directory's children, filtered and sorted. Non-directories
// report ENOTDIR.
func (n *Node) Names() ([]string, error) {
	switch n.kind {
	case kindDir:
		names := make([]string, 0, len(n.entries))
		for name := range n.entries {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil

	case kindRealDir:
		dirents, err := os.ReadDir(n.path)
		if err != nil {
			return nil, realError(err)
		}

		var names []string
		for _, de := range dirents {
			if n.hides(de.Name()) {
				continue
			}
			names = append(names, de.Name())
		}
		return names, nil

	default:
		return nil, unix.ENOTDIR
	}
}

// Join resolves one child name. Non-directories report ENOTDIR; unknown or
// filtered names report ENOENT.
func (n *Node) Join(name string) (*Node, error) {
	switch n.kind {
	case kindDir:
		child, ok := n.entries[name]
		if !ok {
			return nil, unix.ENOENT
		}
		return child, nil

	case kindRealDir:
		return n.joinReal(name)

	default:
		return nil, unix.ENOTDIR
	}
}

func (n *Node) joinReal(name string) (*Node, error) {
	if n.hides(name) {
		return nil, unix.ENOENT
	}

	path := n.path + "/" + name

	var fi os.FileInfo
	var err error
	if n.followLinks {
		fi, err = os.Stat(path)
	} else {
		fi, err = os.Lstat(path)
	}
	if err != nil {
		return nil, realError(err)
	}

	switch {
	case fi.IsDir():
		return NewRealDir(path, &RealDirOptions{
			ShowDotfiles: n.showDotfiles,
			FollowLinks:  n.followLinks,
			Exclude:      n.exclude,
		}), nil

	case fi.Mode().IsRegular():
		return NewRealFile(path, 0), nil

	default:
		// Symlinks and special files stay out of reach.
		return nil, unix.EACCES
	}
}

// hides applies the RealDir filters to one name.
func (n *Node) hides(name string) bool {
	if !n.showDotfiles && strings.HasPrefix(name, ".") {
		return true
	}

	lower := strings.ToLower(name)
	for _, excl := range n.exclude {
		if strings.HasSuffix(lower, excl) {
			return true
		}
	}
	return false
}

// Open yields a read stream over a file's contents. Directories report
// EACCES.
func (n *Node) Open() (io.ReadCloser, error) {
	switch n.kind {
	case kindFile:
		return io.NopCloser(bytes.NewReader(n.data)), nil

	case kindRealFile:
		f, err := os.Open(n.path)
		if err != nil {
			return nil, realError(err)
		}
		return f, nil

	default:
		return nil, unix.EACCES
	}
}

// realError maps an error from the real filesystem to the errno the child
// sees.
func realError(err error) error {
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno
		}
	}
	if os.IsNotExist(err) {
		return unix.ENOENT
	}
	return unix.EACCES
}
