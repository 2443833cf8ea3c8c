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

package wire

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/sandboxlib/sandbox/sandboxsig"
)

// Version is the protocol version the host speaks. The child declares its
// own version in the self-description dump; they must match.
const Version = 20001

// PtrSize is the width of the child's pointers, in bytes. Values of every
// tag occupy one machine word on the wire.
const PtrSize = 8

// MaxSignatureLen bounds the signature string in a call frame. Anything
// larger is a protocol violation.
const MaxSignatureLen = 256

// maxFrameData bounds the payload of a single malloc/read/write frame.
const maxFrameData = 16 << 20

// A FrameKind is the leading byte of each child-initiated frame.
type FrameKind byte

const (
	// FrameCall asks the host to emulate one system call: a length-prefixed
	// signature string followed by one machine word per argument tag. The
	// host replies with the result value and the virtual errno.
	FrameCall FrameKind = 'C'

	// FrameMalloc carries a length and that many bytes; the host records
	// them in the heap and replies with the fresh virtual address.
	FrameMalloc FrameKind = 'M'

	// FrameRead names an address and a length; the host replies with the
	// bytes stored there.
	FrameRead FrameKind = 'R'

	// FrameWrite carries an address, a length and the bytes to store there.
	// No reply.
	FrameWrite FrameKind = 'W'

	// FrameFree names an address the child no longer needs. Advisory; no
	// reply.
	FrameFree FrameKind = 'F'
)

// A Codec frames typed values onto the pair of pipes connecting the host to
// the child. All integers travel little-endian; 'i', 'p' and 'd' values each
// occupy eight bytes. The codec knows nothing about which signatures exist:
// it decodes purely from the type tags it is told to expect.
//
// Reads return io.EOF once the child has closed its end.
type Codec struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewCodec creates a codec reading frames from r (the child's stdout) and
// writing replies to w (the child's stdin).
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{
		r: bufio.NewReader(r),
		w: bufio.NewWriter(w),
	}
}

// ReadFrameKind consumes the leading byte of the next frame. io.EOF here
// means the child has finished cleanly.
func (c *Codec) ReadFrameKind() (FrameKind, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}

	switch k := FrameKind(b); k {
	case FrameCall, FrameMalloc, FrameRead, FrameWrite, FrameFree:
		return k, nil
	default:
		return 0, errors.Errorf("protocol violation: unknown frame kind %q", b)
	}
}

// ReadCall decodes the body of a call frame: the signature string and one
// value per argument tag. A malformed signature is a protocol violation.
func (c *Codec) ReadCall() (sandboxsig.Signature, []sandboxsig.Value, error) {
	n, err := c.readUint32()
	if err != nil {
		return "", nil, eofIsTruncation(err)
	}
	if n == 0 || n > MaxSignatureLen {
		return "", nil, errors.Errorf(
			"protocol violation: signature length %d out of range", n)
	}

	raw := make([]byte, n)
	if _, err := io.ReadFull(c.r, raw); err != nil {
		return "", nil, eofIsTruncation(err)
	}

	sig := sandboxsig.Signature(raw)
	if err := sig.Check(); err != nil {
		return "", nil, errors.Wrap(err, "protocol violation")
	}

	tags := sig.Args()
	args := make([]sandboxsig.Value, len(tags))
	for i, tag := range tags {
		word, err := c.readUint64()
		if err != nil {
			return "", nil, eofIsTruncation(err)
		}

		switch tag {
		case sandboxsig.Int:
			args[i] = sandboxsig.IntValue(int64(word))
		case sandboxsig.Ptr:
			args[i] = sandboxsig.PtrValue(sandboxsig.Addr(word))
		case sandboxsig.Double:
			args[i] = sandboxsig.DoubleValue(math.Float64frombits(word))
		}
	}

	return sig, args, nil
}

// WriteResult encodes the reply to a call frame: the result value per its
// tag ('v' contributes nothing), then the current virtual errno.
func (c *Codec) WriteResult(result sandboxsig.Value, errno uint32) error {
	switch result.Tag {
	case sandboxsig.Int:
		c.writeUint64(uint64(result.Int))
	case sandboxsig.Ptr:
		c.writeUint64(uint64(result.Ptr))
	case sandboxsig.Double:
		c.writeUint64(math.Float64bits(result.Double))
	case sandboxsig.Void:
	default:
		return errors.Errorf("WriteResult: invalid type code %q", result.Tag)
	}

	c.writeUint32(errno)
	return c.w.Flush()
}

// ReadMalloc decodes the body of a malloc frame.
func (c *Codec) ReadMalloc() ([]byte, error) {
	n, err := c.readUint64()
	if err != nil {
		return nil, eofIsTruncation(err)
	}
	if n > maxFrameData {
		return nil, errors.Errorf("protocol violation: malloc of %d bytes", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, eofIsTruncation(err)
	}
	return data, nil
}

// WriteAddr replies to a malloc frame with the freshly minted address.
func (c *Codec) WriteAddr(addr sandboxsig.Addr) error {
	c.writeUint64(uint64(addr))
	return c.w.Flush()
}

// ReadMemRequest decodes the body of a read frame.
func (c *Codec) ReadMemRequest() (sandboxsig.Addr, int, error) {
	addr, err := c.readUint64()
	if err != nil {
		return 0, 0, eofIsTruncation(err)
	}
	n, err := c.readUint64()
	if err != nil {
		return 0, 0, eofIsTruncation(err)
	}
	if n > maxFrameData {
		return 0, 0, errors.Errorf("protocol violation: read of %d bytes", n)
	}
	return sandboxsig.Addr(addr), int(n), nil
}

// WriteBytes replies to a read frame with the raw bytes.
func (c *Codec) WriteBytes(data []byte) error {
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadMemWrite decodes the body of a write frame.
func (c *Codec) ReadMemWrite() (sandboxsig.Addr, []byte, error) {
	addr, err := c.readUint64()
	if err != nil {
		return 0, nil, eofIsTruncation(err)
	}

	data, err := c.ReadMalloc()
	if err != nil {
		return 0, nil, err
	}
	return sandboxsig.Addr(addr), data, nil
}

// ReadFree decodes the body of a free frame.
func (c *Codec) ReadFree() (sandboxsig.Addr, error) {
	addr, err := c.readUint64()
	if err != nil {
		return 0, eofIsTruncation(err)
	}
	return sandboxsig.Addr(addr), nil
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// EOF in the middle of a frame is not a clean shutdown; report it as a
// truncated frame so the session surfaces a diagnostic.
func eofIsTruncation(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.New("protocol violation: truncated frame")
	}
	return err
}

func (c *Codec) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *Codec) readUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *Codec) writeUint32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	c.w.Write(buf[:])
}

func (c *Codec) writeUint64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	c.w.Write(buf[:])
}
