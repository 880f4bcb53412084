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
	"os"
	"testing"
	"unsafe"
)

func TestSharedRegionLayout(t *testing.T) {
	if got := unsafe.Sizeof(sharedRegion{}); got != regionSize {
		t.Fatalf("sharedRegion is %d bytes, expected %d", got, regionSize)
	}
	var r sharedRegion
	if off := unsafe.Offsetof(r.bufs); off%pageSize != 0 {
		t.Fatalf("copy buffers at offset %d are not page aligned", off)
	}
	if off := unsafe.Offsetof(r.pairs); off%pageSize != 0 {
		t.Fatalf("queue pairs at offset %d are not page aligned", off)
	}
	if regionSize%pageSize != 0 {
		t.Fatalf("region size %d is not page aligned", regionSize)
	}
}

func createTestRegion(t *testing.T, id uint8) *region {
	t.Helper()

	username, err := currentUsername()
	if err != nil {
		t.Fatalf("username: %v", err)
	}
	// High ids keep test regions clear of endpoint-owned ones.
	reg, err := createRegion(username, os.Getpid(), id)
	if err != nil {
		t.Fatalf("createRegion failed: %v", err)
	}
	t.Cleanup(func() {
		reg.close()
	})
	return reg
}

func TestRegionCreateOpenClose(t *testing.T) {
	reg := createTestRegion(t, 240)

	username, _ := currentUsername()
	peer, err := openRegion(username, os.Getpid(), 240)
	if err != nil {
		t.Fatalf("openRegion failed: %v", err)
	}
	defer peer.close()

	// Both mappings must observe the same shared words.
	idx, err := reg.bufReserve()
	if err != nil {
		t.Fatalf("bufReserve failed: %v", err)
	}
	if bitmapIsSet(peer.shared.pairAvail[:], 0) == false {
		t.Fatal("fresh region should have pair 0 available")
	}
	if bitmapIsSet(unsafe.Slice(&peer.shared.bufAvail, 1), idx) {
		t.Fatal("peer mapping should see the buffer as reserved")
	}
	reg.bufRelease(idx)
}

func TestRegionCreateExisting(t *testing.T) {
	createTestRegion(t, 241)

	username, _ := currentUsername()
	if _, err := createRegion(username, os.Getpid(), 241); !errors.Is(err, ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
}

func TestRegionOpenMissing(t *testing.T) {
	username, _ := currentUsername()
	if _, err := openRegion(username, os.Getpid(), 242); !errors.Is(err, ErrNoEntry) {
		t.Fatalf("expected ErrNoEntry, got %v", err)
	}
}

func TestRegionBufCopy(t *testing.T) {
	reg := createTestRegion(t, 243)

	idx, err := reg.bufReserve()
	if err != nil {
		t.Fatalf("bufReserve failed: %v", err)
	}

	src := bytes.Repeat([]byte{0xa5}, 100)
	reg.bufCopyTo(idx, src)

	dst := make([]byte, 100)
	n := reg.bufCopyFrom(idx, dst, len(src))
	if n != 100 || !bytes.Equal(dst, src) {
		t.Fatalf("copy out mismatch (n=%d)", n)
	}
	reg.bufRelease(idx)
}

func TestRegionPairSaturation(t *testing.T) {
	reg := createTestRegion(t, 244)

	for i := 0; i < numQueuePairs; i++ {
		if _, err := reg.pairReserve(); err != nil {
			t.Fatalf("pairReserve %d failed: %v", i, err)
		}
	}
	if _, err := reg.pairReserve(); !errors.Is(err, ErrAgain) {
		t.Fatalf("expected ErrAgain at saturation, got %v", err)
	}

	reg.pairRelease(100)
	idx, err := reg.pairReserve()
	if err != nil || idx != 100 {
		t.Fatalf("expected pair 100 after release, got %d (%v)", idx, err)
	}
}

func TestRegionUnlinkedOnClose(t *testing.T) {
	username, err := currentUsername()
	if err != nil {
		t.Fatal(err)
	}
	reg, err := createRegion(username, os.Getpid(), 245)
	if err != nil {
		t.Fatalf("createRegion failed: %v", err)
	}
	path := reg.path
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("region file missing while open: %v", err)
	}
	if err := reg.close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("region file still present after close: %v", err)
	}
}
