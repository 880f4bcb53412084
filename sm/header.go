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

import "encoding/binary"

// Message and command headers are packed into a single 64-bit word so that
// they fit one ring slot. A zero value is reserved and means "empty slot";
// both header kinds start at 1 so a packed header is never zero.

// Message kinds carried in the message header.
const (
	msgUnexpected = uint8(1)
	msgExpected   = uint8(2)
)

// Command kinds carried in the command header.
const (
	cmdReserved = uint8(1)
	cmdReleased = uint8(2)
)

// msgHdr describes one message deposited in a copy buffer.
//
// Packed layout (low to high bits):
//
//	tag     : 32
//	size    : 16  payload length, at most one page
//	bufIdx  :  8  copy-buffer slot index
//	kind    :  8  msgUnexpected or msgExpected
type msgHdr struct {
	tag    uint32
	size   uint16
	bufIdx uint8
	kind   uint8
}

func (h msgHdr) pack() uint64 {
	return uint64(h.tag) |
		uint64(h.size)<<32 |
		uint64(h.bufIdx)<<48 |
		uint64(h.kind)<<56
}

func unpackMsgHdr(v uint64) msgHdr {
	return msgHdr{
		tag:    uint32(v),
		size:   uint16(v >> 32),
		bufIdx: uint8(v >> 48),
		kind:   uint8(v >> 56),
	}
}

// cmdHdr announces queue-pair reservation or release to a region owner.
//
// Packed layout (low to high bits):
//
//	pid     : 32  origin process ID
//	id      :  8  origin instance ordinal
//	pairIdx :  8  queue-pair index in the owner's region
//	kind    :  8  cmdReserved or cmdReleased
//	pad     :  8
type cmdHdr struct {
	pid     uint32
	id      uint8
	pairIdx uint8
	kind    uint8
}

func (h cmdHdr) pack() uint64 {
	return uint64(h.pid) |
		uint64(h.id)<<32 |
		uint64(h.pairIdx)<<40 |
		uint64(h.kind)<<48
}

func unpackCmdHdr(v uint64) cmdHdr {
	return cmdHdr{
		pid:     uint32(v),
		id:      uint8(v >> 32),
		pairIdx: uint8(v >> 40),
		kind:    uint8(v >> 48),
	}
}

// cmdHdrSize is the on-wire size of a command header on the control socket.
const cmdHdrSize = 8

func encodeCmdHdr(dst *[cmdHdrSize]byte, h cmdHdr) {
	binary.LittleEndian.PutUint64(dst[:], h.pack())
}

func decodeCmdHdr(b []byte) (cmdHdr, bool) {
	if len(b) < cmdHdrSize {
		return cmdHdr{}, false
	}
	return unpackCmdHdr(binary.LittleEndian.Uint64(b)), true
}
