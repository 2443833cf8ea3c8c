// Copyright 2015 Google Inc. All Rights Reserved.
// Author: jacobsa@google.com (Aaron Jacobs)

package sandbox

import (
	"syscall"
)

const (
	// Errors corresponding to guest-visible error numbers. A handler that
	// returns one of these (or any other syscall.Errno) causes the kernel to
	// set the virtual errno and reply with the failure sentinel for the
	// signature's return tag.
	ENOENT    = syscall.ENOENT
	EACCES    = syscall.EACCES
	ENOSYS    = syscall.ENOSYS
	ENOTDIR   = syscall.ENOTDIR
	EBADF     = syscall.EBADF
	EMFILE    = syscall.EMFILE
	ERANGE    = syscall.ERANGE
	EOVERFLOW = syscall.EOVERFLOW
	EPERM     = syscall.EPERM
	ENOTTY    = syscall.ENOTTY
	EINVAL    = syscall.EINVAL
)
