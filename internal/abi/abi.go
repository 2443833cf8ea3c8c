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

// Package abi declares the byte layouts of the child's struct stat and
// struct dirent.
//
// The host fills these structures into child memory, so it must reproduce
// the child ABI's layout exactly. The layout is data, not a reuse of the
// host platform's headers: a host may supervise a child built for a
// different ABI.
package abi

import (
	"encoding/binary"
)

// Stat carries the fields the host virtualizes. Everything else in the
// child's struct stat is left zero.
type Stat struct {
	Dev   uint64
	Ino   uint64
	Nlink uint64
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64
}

// Dirent carries one directory entry. Type is a DT_* value.
type Dirent struct {
	Ino    uint64
	Reclen uint16
	Type   uint8
	Name   string
}

// A Layout renders Stat and Dirent values into the child ABI's byte layout.
type Layout interface {
	// StatSize returns sizeof(struct stat).
	StatSize() int

	// EncodeStat renders s into a buffer of StatSize bytes.
	EncodeStat(s Stat) []byte

	// DirentSize returns sizeof(struct dirent).
	DirentSize() int

	// DirentNameCap returns the capacity of d_name, including the
	// terminating NUL.
	DirentNameCap() int

	// EncodeDirent renders d into a buffer of DirentSize bytes.
	//
	// REQUIRES: len(d.Name)+1 <= DirentNameCap()
	EncodeDirent(d Dirent) []byte
}

// LinuxAmd64 is the layout of glibc's struct stat and struct dirent on
// linux/amd64.
//
//	struct stat:    st_dev@0, st_ino@8, st_nlink@16, st_mode@24(u32),
//	                st_uid@28, st_gid@32, st_rdev@40, st_size@48,
//	                st_blksize@56, st_blocks@64, st_atim@72, st_mtim@88,
//	                st_ctim@104; sizeof = 144.
//	struct dirent:  d_ino@0, d_off@8, d_reclen@16(u16), d_type@18(u8),
//	                d_name@19 (256 bytes); sizeof = 280.
var LinuxAmd64 Layout = linuxAmd64{}

type linuxAmd64 struct{}

const (
	linuxAmd64StatSize      = 144
	linuxAmd64DirentSize    = 280
	linuxAmd64DirentNameCap = 256
)

func (linuxAmd64) StatSize() int {
	return linuxAmd64StatSize
}

func (linuxAmd64) EncodeStat(s Stat) []byte {
	buf := make([]byte, linuxAmd64StatSize)
	le := binary.LittleEndian

	le.PutUint64(buf[0:], s.Dev)
	le.PutUint64(buf[8:], s.Ino)
	le.PutUint64(buf[16:], s.Nlink)
	le.PutUint32(buf[24:], s.Mode)
	le.PutUint32(buf[28:], s.UID)
	le.PutUint32(buf[32:], s.GID)
	le.PutUint64(buf[48:], uint64(s.Size))

	return buf
}

func (linuxAmd64) DirentSize() int {
	return linuxAmd64DirentSize
}

func (linuxAmd64) DirentNameCap() int {
	return linuxAmd64DirentNameCap
}

func (linuxAmd64) EncodeDirent(d Dirent) []byte {
	buf := make([]byte, linuxAmd64DirentSize)
	le := binary.LittleEndian

	le.PutUint64(buf[0:], d.Ino)
	le.PutUint16(buf[16:], d.Reclen)
	buf[18] = d.Type
	copy(buf[19:19+linuxAmd64DirentNameCap-1], d.Name)

	return buf
}
