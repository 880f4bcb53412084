/*
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
 */

package sm

import "testing"

func TestMsgHdrRoundTrip(t *testing.T) {
	in := msgHdr{tag: 0xdeadbeef, size: 4096, bufIdx: 63, kind: msgExpected}
	out := unpackMsgHdr(in.pack())
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestMsgHdrNeverZero(t *testing.T) {
	// Zero is the empty-slot marker, so any valid header must differ.
	h := msgHdr{tag: 0, size: 0, bufIdx: 0, kind: msgUnexpected}
	if h.pack() == 0 {
		t.Fatal("valid header packed to the empty-slot value")
	}
}

func TestCmdHdrRoundTrip(t *testing.T) {
	in := cmdHdr{pid: 123456, id: 7, pairIdx: 255, kind: cmdReleased}
	out := unpackCmdHdr(in.pack())
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestCmdHdrEncodeDecode(t *testing.T) {
	in := cmdHdr{pid: 99, id: 1, pairIdx: 3, kind: cmdReserved}
	var buf [cmdHdrSize]byte
	encodeCmdHdr(&buf, in)

	out, ok := decodeCmdHdr(buf[:])
	if !ok {
		t.Fatal("decode failed")
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}

	if _, ok := decodeCmdHdr(buf[:4]); ok {
		t.Fatal("short buffer should not decode")
	}
}
