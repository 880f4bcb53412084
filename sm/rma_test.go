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
	"bytes"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"unsafe"
)

func handleFromSlices(t *testing.T, flags AccessFlag, bufs ...[]byte) *MemHandle {
	t.Helper()
	segs := make([]Segment, len(bufs))
	for i, b := range bufs {
		segs[i] = Segment{Base: uintptr(unsafe.Pointer(&b[0])), Len: uint64(len(b))}
	}
	h, err := NewMemHandleSegments(segs, flags)
	if err != nil {
		t.Fatalf("NewMemHandleSegments failed: %v", err)
	}
	return h
}

// TestPutScatterGather transfers a 2000-byte window from three local
// 1000-byte segments into one 3000-byte remote segment at offset 500.
func TestPutScatterGather(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("cross-memory attach requires Linux")
	}

	e := openTestEndpoint(t, &Options{NoWait: true})
	self := lookupSelf(t, e)
	defer e.AddrFree(self)

	local1 := make([]byte, 1000)
	local2 := make([]byte, 1000)
	local3 := make([]byte, 1000)
	for i := range local1 {
		local1[i] = byte(i)
		local2[i] = byte(i + 1)
		local3[i] = byte(i + 2)
	}
	remote := make([]byte, 3000)

	localH := handleFromSlices(t, AccessReadWrite, local1, local2, local3)
	remoteH := handleFromSlices(t, AccessReadWrite, remote)

	op := NewOperation()
	var done atomic.Bool
	err := e.Put(op, localH, 500, remoteH, 500, 2000, self, func(*Operation) {
		done.Store(true)
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !done.Load() {
		t.Fatal("RMA completes synchronously on the initiator")
	}
	if op.Err() != nil {
		t.Fatalf("Put completed with error: %v", op.Err())
	}

	want := make([]byte, 0, 2000)
	want = append(want, local1[500:]...)
	want = append(want, local2...)
	want = append(want, local3[:500]...)
	if !bytes.Equal(remote[500:2500], want) {
		t.Fatal("remote window does not match the local scatter/gather data")
	}
	for _, b := range remote[:500] {
		if b != 0 {
			t.Fatal("bytes before the remote offset were written")
		}
	}
	for _, b := range remote[2500:] {
		if b != 0 {
			t.Fatal("bytes after the window were written")
		}
	}

	runtime.KeepAlive(local1)
	runtime.KeepAlive(local2)
	runtime.KeepAlive(local3)
	runtime.KeepAlive(remote)
}

func TestGetRoundTrip(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("cross-memory attach requires Linux")
	}

	e := openTestEndpoint(t, &Options{NoWait: true})
	self := lookupSelf(t, e)
	defer e.AddrFree(self)

	remote := bytes.Repeat([]byte{0x5a}, 512)
	local := make([]byte, 512)

	remoteH := handleFromSlices(t, AccessRead, remote)
	localH := handleFromSlices(t, AccessReadWrite, local)

	op := NewOperation()
	if err := e.Get(op, localH, 0, remoteH, 0, 512, self, nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(local, remote) {
		t.Fatal("Get did not copy the remote window")
	}

	runtime.KeepAlive(remote)
	runtime.KeepAlive(local)
}

func TestRMAPermission(t *testing.T) {
	e := openTestEndpoint(t, &Options{NoWait: true})
	self := lookupSelf(t, e)
	defer e.AddrFree(self)

	local := make([]byte, 64)
	remote := make([]byte, 64)
	localH := handleFromSlices(t, AccessReadWrite, local)

	// A read-only remote window refuses puts.
	readOnly := handleFromSlices(t, AccessRead, remote)
	op := NewOperation()
	if err := e.Put(op, localH, 0, readOnly, 0, 64, self, nil); !errors.Is(err, ErrPermission) {
		t.Fatalf("put to read-only window: expected ErrPermission, got %v", err)
	}
	if op.status.Load()&opCompleted == 0 {
		t.Fatal("failed RMA should restore the completed state")
	}

	// A write-only remote window refuses gets.
	writeOnly := handleFromSlices(t, AccessWrite, remote)
	if err := e.Get(op, localH, 0, writeOnly, 0, 64, self, nil); !errors.Is(err, ErrPermission) {
		t.Fatalf("get from write-only window: expected ErrPermission, got %v", err)
	}
}
