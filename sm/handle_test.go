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

import (
	"errors"
	"testing"
)

func segmentedHandle(t *testing.T, lens ...uint64) *MemHandle {
	t.Helper()
	segs := make([]Segment, len(lens))
	base := uintptr(0x1000)
	for i, l := range lens {
		segs[i] = Segment{Base: base, Len: l}
		base += uintptr(l)
	}
	h, err := NewMemHandleSegments(segs, AccessReadWrite)
	if err != nil {
		t.Fatalf("NewMemHandleSegments failed: %v", err)
	}
	return h
}

func TestMemHandleSingle(t *testing.T) {
	buf := make([]byte, 128)
	h, err := NewMemHandle(buf, AccessRead)
	if err != nil {
		t.Fatalf("NewMemHandle failed: %v", err)
	}
	if h.Count() != 1 || h.Length() != 128 || h.Flags() != AccessRead {
		t.Fatalf("unexpected handle: count=%d len=%d flags=%d",
			h.Count(), h.Length(), h.Flags())
	}
}

func TestMemHandleSerializeRoundTrip(t *testing.T) {
	h := segmentedHandle(t, 1000, 2000, 3000)

	buf := make([]byte, h.SerializedSize())
	if err := h.Serialize(buf); err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	out, err := DeserializeMemHandle(buf)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if out.Length() != h.Length() || out.Count() != h.Count() || out.Flags() != h.Flags() {
		t.Fatal("descriptor info mismatch after round trip")
	}
	for i, s := range out.Segments() {
		if s != h.Segments()[i] {
			t.Fatalf("segment %d mismatch: %+v != %+v", i, s, h.Segments()[i])
		}
	}
}

func TestMemHandleDeserializeErrors(t *testing.T) {
	if _, err := DeserializeMemHandle(make([]byte, 4)); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("short descriptor: expected ErrInvalidArg, got %v", err)
	}

	h := segmentedHandle(t, 100, 100)
	buf := make([]byte, h.SerializedSize())
	if err := h.Serialize(buf); err != nil {
		t.Fatal(err)
	}
	if _, err := DeserializeMemHandle(buf[:len(buf)-1]); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("truncated iov list: expected ErrInvalidArg, got %v", err)
	}
}

func TestIovIndexOffset(t *testing.T) {
	h := segmentedHandle(t, 1000, 1000, 1000)

	idx, off := iovIndexOffset(h.Segments(), 0)
	if idx != 0 || off != 0 {
		t.Fatalf("offset 0: got (%d, %d)", idx, off)
	}
	idx, off = iovIndexOffset(h.Segments(), 500)
	if idx != 0 || off != 500 {
		t.Fatalf("offset 500: got (%d, %d)", idx, off)
	}
	idx, off = iovIndexOffset(h.Segments(), 1000)
	if idx != 1 || off != 0 {
		t.Fatalf("offset 1000: got (%d, %d)", idx, off)
	}
	idx, off = iovIndexOffset(h.Segments(), 2500)
	if idx != 2 || off != 500 {
		t.Fatalf("offset 2500: got (%d, %d)", idx, off)
	}
}

// TestTranslateWindowScatterGather covers the reference transfer: three
// 1000-byte local segments against one 3000-byte remote segment, window
// offset 500, length 2000.
func TestTranslateWindowScatterGather(t *testing.T) {
	local := segmentedHandle(t, 1000, 1000, 1000)
	remote := segmentedHandle(t, 3000)

	var scratch [maxIovStatic]Segment
	lsegs, err := translateWindow(local, 500, 2000, &scratch)
	if err != nil {
		t.Fatalf("local translate failed: %v", err)
	}
	if len(lsegs) != 3 {
		t.Fatalf("expected 3 local segments, got %d", len(lsegs))
	}
	if lsegs[0].Len != 500 || lsegs[1].Len != 1000 || lsegs[2].Len != 500 {
		t.Fatalf("unexpected local clip: %+v", lsegs)
	}
	if lsegs[0].Base != local.Segments()[0].Base+500 {
		t.Fatal("first segment base not advanced by intra-segment offset")
	}

	var rscratch [maxIovStatic]Segment
	rsegs, err := translateWindow(remote, 500, 2000, &rscratch)
	if err != nil {
		t.Fatalf("remote translate failed: %v", err)
	}
	if len(rsegs) != 1 {
		t.Fatalf("expected 1 remote segment, got %d", len(rsegs))
	}
	if rsegs[0].Base != remote.Segments()[0].Base+500 || rsegs[0].Len != 2000 {
		t.Fatalf("unexpected remote clip: %+v", rsegs)
	}

	total := uint64(0)
	for _, s := range lsegs {
		total += s.Len
	}
	if total != 2000 {
		t.Fatalf("clipped window covers %d bytes", total)
	}
}

func TestTranslateWindowBounds(t *testing.T) {
	h := segmentedHandle(t, 100)

	var scratch [maxIovStatic]Segment
	if _, err := translateWindow(h, 50, 100, &scratch); !errors.Is(err, ErrOverflow) {
		t.Fatalf("window past end: expected ErrOverflow, got %v", err)
	}

	segs, err := translateWindow(h, 0, 100, &scratch)
	if err != nil {
		t.Fatalf("full window failed: %v", err)
	}
	if len(segs) != 1 || segs[0] != h.Segments()[0] {
		t.Fatal("full window should return the registered segments")
	}
}
