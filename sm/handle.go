/*
 *
 * Copyright 2025 Mercury authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package sm

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// AccessFlag describes the access a memory handle grants to remote peers.
type AccessFlag uint8

const (
	AccessRead      AccessFlag = 1 << 0
	AccessWrite     AccessFlag = 1 << 1
	AccessReadWrite AccessFlag = AccessRead | AccessWrite
)

// maxIovStatic is the segment count served by the inline array; larger
// handles and translations fall back to heap allocation.
const maxIovStatic = 8

// Segment is one contiguous registered memory range. Base is an address in
// the registering process's address space.
type Segment struct {
	Base uintptr
	Len  uint64
}

// MemHandle is a scatter/gather descriptor over registered memory. The
// registered ranges must stay valid (and, for local handles, reachable)
// until the handle is no longer used for transfers.
type MemHandle struct {
	inline [maxIovStatic]Segment
	segs   []Segment
	length uint64
	flags  AccessFlag
}

// NewMemHandle registers a single contiguous buffer.
func NewMemHandle(buf []byte, flags AccessFlag) (*MemHandle, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty buffer: %w", ErrInvalidArg)
	}
	return NewMemHandleSegments([]Segment{{
		Base: uintptr(unsafe.Pointer(&buf[0])),
		Len:  uint64(len(buf)),
	}}, flags)
}

// NewMemHandleSegments registers a scatter/gather list.
func NewMemHandleSegments(segs []Segment, flags AccessFlag) (*MemHandle, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("empty segment list: %w", ErrInvalidArg)
	}
	if flags&AccessReadWrite == 0 {
		return nil, fmt.Errorf("access flags: %w", ErrInvalidArg)
	}
	h := &MemHandle{flags: flags}
	if len(segs) <= maxIovStatic {
		h.segs = h.inline[:len(segs)]
	} else {
		h.segs = make([]Segment, len(segs))
	}
	for i, s := range segs {
		h.segs[i] = s
		h.length += s.Len
	}
	return h, nil
}

// Length returns the total registered length.
func (h *MemHandle) Length() uint64 { return h.length }

// Count returns the number of registered segments.
func (h *MemHandle) Count() int { return len(h.segs) }

// Flags returns the registered access flags.
func (h *MemHandle) Flags() AccessFlag { return h.flags }

// Segments returns the registered segment list.
func (h *MemHandle) Segments() []Segment { return h.segs }

// Serialized form: desc info (iovcnt, total length, flags) followed by
// (base, length) pairs. Base addresses are meaningful in the registering
// process's address space only; both sides must agree on that.
const memHandleDescSize = 4 + 8 + 1

// SerializedSize returns the number of bytes Serialize will write.
func (h *MemHandle) SerializedSize() int {
	return memHandleDescSize + len(h.segs)*16
}

// Serialize writes the wire form of the handle into buf.
func (h *MemHandle) Serialize(buf []byte) error {
	if len(buf) < h.SerializedSize() {
		return fmt.Errorf("serialize mem handle: %w", ErrOverflow)
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(h.segs)))
	binary.LittleEndian.PutUint64(buf[4:12], h.length)
	buf[12] = uint8(h.flags)
	off := memHandleDescSize
	for _, s := range h.segs {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(s.Base))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], s.Len)
		off += 16
	}
	return nil
}

// DeserializeMemHandle reads the wire form of a handle produced by a peer.
func DeserializeMemHandle(buf []byte) (*MemHandle, error) {
	if len(buf) < memHandleDescSize {
		return nil, fmt.Errorf("deserialize mem handle: %w", ErrInvalidArg)
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	length := binary.LittleEndian.Uint64(buf[4:12])
	flags := AccessFlag(buf[12])
	if count == 0 || len(buf) < memHandleDescSize+count*16 {
		return nil, fmt.Errorf("deserialize mem handle: %w", ErrInvalidArg)
	}
	h := &MemHandle{length: length, flags: flags}
	if count <= maxIovStatic {
		h.segs = h.inline[:count]
	} else {
		h.segs = make([]Segment, count)
	}
	off := memHandleDescSize
	for i := 0; i < count; i++ {
		h.segs[i] = Segment{
			Base: uintptr(binary.LittleEndian.Uint64(buf[off : off+8])),
			Len:  binary.LittleEndian.Uint64(buf[off+8 : off+16]),
		}
		off += 16
	}
	return h, nil
}

// iovIndexOffset walks the segment list until offset is covered and
// returns the starting segment index and the offset within it.
func iovIndexOffset(segs []Segment, offset uint64) (int, uint64) {
	idx := 0
	for idx < len(segs)-1 && offset >= segs[idx].Len {
		offset -= segs[idx].Len
		idx++
	}
	return idx, offset
}

// iovCount returns how many segments a transfer of length bytes spans,
// starting at (startIdx, startOff).
func iovCount(segs []Segment, startIdx int, startOff, length uint64) int {
	first := segs[startIdx].Len - startOff
	if length <= first {
		return 1
	}
	remaining := length - first
	count := 1
	for i := startIdx + 1; remaining > 0 && i < len(segs); i++ {
		n := segs[i].Len
		if n > remaining {
			n = remaining
		}
		remaining -= n
		count++
	}
	return count
}

// iovTranslate materializes the clipped segment window for a transfer of
// length bytes starting at (startIdx, startOff). out must have iovCount
// entries.
func iovTranslate(segs []Segment, startIdx int, startOff, length uint64, out []Segment) {
	first := segs[startIdx].Len - startOff
	if first > length {
		first = length
	}
	out[0] = Segment{Base: segs[startIdx].Base + uintptr(startOff), Len: first}
	remaining := length - first
	for i, iov := 1, startIdx+1; remaining > 0 && i < len(out) && iov < len(segs); i, iov = i+1, iov+1 {
		n := segs[iov].Len
		if n > remaining {
			n = remaining
		}
		out[i] = Segment{Base: segs[iov].Base, Len: n}
		remaining -= n
	}
}

// translateWindow clips a handle's segment list to the (offset, length)
// transfer window, using scratch when the result fits the inline bound.
func translateWindow(h *MemHandle, offset, length uint64, scratch *[maxIovStatic]Segment) ([]Segment, error) {
	if offset+length > h.length {
		return nil, fmt.Errorf("window %d+%d exceeds handle length %d: %w",
			offset, length, h.length, ErrOverflow)
	}
	if offset == 0 && length == h.length {
		return h.segs, nil
	}
	startIdx, startOff := iovIndexOffset(h.segs, offset)
	count := iovCount(h.segs, startIdx, startOff, length)
	var out []Segment
	if count <= maxIovStatic {
		out = scratch[:count]
	} else {
		out = make([]Segment, count)
	}
	iovTranslate(h.segs, startIdx, startOff, length, out)
	return out, nil
}
