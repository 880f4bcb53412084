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
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Memory layout constants.
const (
	// Magic bytes for region identification.
	regionMagic = "MERCSHM\x00"

	// Current layout version.
	regionVersion = uint32(1)

	pageSize = 4096

	// Copy-buffer pool: fixed number of one-page staging slots.
	numBufs     = 64
	copyBufSize = pageSize

	// Queue pairs available per region, one per peer relationship.
	numQueuePairs = 256
	numPairWords  = numQueuePairs / 64

	// Command ring is twice the number of queue pairs to be safe.
	cmdQueueSize = numQueuePairs * 2

	// shmPrefix prefixes every file-system object owned by an endpoint.
	shmPrefix = "sm"

	// MaxMsgSize is the largest payload accepted by the send paths.
	MaxMsgSize = copyBufSize

	// MaxTag is the largest usable message tag.
	MaxTag = ^uint32(0)
)

// regionSize is the total mapped size, rounded up to a whole page count.
// sharedRegion below is padded to match exactly.
const regionSize = 147 * pageSize

// queuePair groups the two message rings assigned to one peer-to-owner
// relationship. Ring roles are fixed by convention: the reserving peer
// pushes to tx and pops rx; the region owner inverts the two.
type queuePair struct {
	tx msgRing
	rx msgRing
}

// sharedRegion is the exact layout of the mapped file. Offsets are fixed:
//
//	0x000000  header (magic, version)
//	0x000040  copy-buffer spin words and availability bitmap
//	0x001000  copy buffers (page aligned)
//	0x041000  queue pairs (page aligned)
//	0x091000  command ring
//	0x092080  queue-pair availability bitmap
type sharedRegion struct {
	magic     [8]byte
	version   uint32
	_         uint32
	_         [48]byte
	bufLocks  [numBufs]uint32
	bufAvail  uint64
	_         [pageSize - 328]byte
	bufs      [numBufs][copyBufSize]byte
	pairs     [numQueuePairs]queuePair
	cmdQueue  cmdRing
	pairAvail [numPairWords]uint64
	_         [regionSize - 598176]byte
}

// region is the local handle on a mapped sharedRegion.
type region struct {
	shared *sharedRegion
	mem    []byte
	path   string
	owner  bool
}

// currentUsername returns the name used in file-system object names.
func currentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("current user: %w", err)
	}
	return u.Username, nil
}

// shmDir returns the directory holding shared-memory objects.
func shmDir() string {
	if runtime.GOOS == "linux" {
		if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
			return "/dev/shm"
		}
	}
	return os.TempDir()
}

// regionPath generates the file path for the region owned by (pid, id).
func regionPath(username string, pid int, id uint8) string {
	return filepath.Join(shmDir(), fmt.Sprintf("%s_%s-%d-%d", shmPrefix, username, pid, id))
}

// createRegion creates, maps, and initializes a new shared region. The
// caller becomes the owner and is responsible for unlinking it on close.
func createRegion(username string, pid int, id uint8) (*region, error) {
	if unsafe.Sizeof(sharedRegion{}) != regionSize {
		return nil, fmt.Errorf("region layout mismatch: %w", ErrProtocol)
	}

	path := regionPath(username, pid, id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("create region %s: %w", path, ErrExist)
		}
		return nil, fmt.Errorf("create region %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(regionSize); err != nil {
		cleanup()
		return nil, fmt.Errorf("resize region: %w", err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, regionSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap region: %w", err)
	}
	// The mapping keeps the object alive; the descriptor is not needed.
	file.Close()

	r := &region{
		shared: (*sharedRegion)(unsafe.Pointer(&mem[0])),
		mem:    mem,
		path:   path,
		owner:  true,
	}

	copy(r.shared.magic[:], regionMagic)
	r.shared.version = regionVersion

	atomic.StoreUint64(&r.shared.bufAvail, ^uint64(0))
	for i := range r.shared.bufLocks {
		atomic.StoreUint32(&r.shared.bufLocks[i], 0)
	}
	for i := range r.shared.pairs {
		r.shared.pairs[i].tx.init()
		r.shared.pairs[i].rx.init()
	}
	r.shared.cmdQueue.init()
	for i := range r.shared.pairAvail {
		atomic.StoreUint64(&r.shared.pairAvail[i], ^uint64(0))
	}

	return r, nil
}

// openRegion maps the existing region owned by (pid, id) read/write.
func openRegion(username string, pid int, id uint8) (*region, error) {
	path := regionPath(username, pid, id)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("open region %s: %w", path, ErrNoEntry)
		}
		return nil, fmt.Errorf("open region %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat region: %w", err)
	}
	if info.Size() != regionSize {
		return nil, fmt.Errorf("region %s has size %d: %w", path, info.Size(), ErrProtocol)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, regionSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap region: %w", err)
	}

	r := &region{
		shared: (*sharedRegion)(unsafe.Pointer(&mem[0])),
		mem:    mem,
		path:   path,
	}

	if string(r.shared.magic[:]) != regionMagic || r.shared.version != regionVersion {
		unix.Munmap(mem)
		return nil, fmt.Errorf("region %s: bad magic or version: %w", path, ErrProtoNoSupport)
	}

	return r, nil
}

// close unmaps the region and, when owning, unlinks the backing file.
func (r *region) close() error {
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			return fmt.Errorf("munmap region: %w", err)
		}
		r.mem = nil
		r.shared = nil
	}
	if r.owner {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unlink region: %w", err)
		}
	}
	return nil
}

// Copy-buffer pool.

// bufReserve claims a free copy buffer slot.
func (r *region) bufReserve() (int, error) {
	avail := unsafe.Slice(&r.shared.bufAvail, 1)
	return bitmapReserve(avail)
}

// bufRelease returns a copy buffer slot to the pool.
func (r *region) bufRelease(index int) {
	avail := unsafe.Slice(&r.shared.bufAvail, 1)
	bitmapRelease(avail, index)
}

// bufCopyTo copies src into buffer slot index under the slot's spin word.
func (r *region) bufCopyTo(index int, src []byte) {
	spinLock(&r.shared.bufLocks[index])
	copy(r.shared.bufs[index][:len(src)], src)
	spinUnlock(&r.shared.bufLocks[index])
}

// bufCopyFrom copies size bytes out of buffer slot index into dst.
func (r *region) bufCopyFrom(index int, dst []byte, size int) int {
	spinLock(&r.shared.bufLocks[index])
	n := copy(dst, r.shared.bufs[index][:size])
	spinUnlock(&r.shared.bufLocks[index])
	return n
}

// Queue pairs.

// pairReserve claims a free queue pair and returns its index.
func (r *region) pairReserve() (uint8, error) {
	idx, err := bitmapReserve(r.shared.pairAvail[:])
	if err != nil {
		return 0, err
	}
	return uint8(idx), nil
}

// pairRelease returns a queue pair to the region.
func (r *region) pairRelease(index uint8) {
	bitmapRelease(r.shared.pairAvail[:], int(index))
}

// spinLock guards one copy buffer for the duration of a memcpy. The words
// are shared across processes, so only raw CAS can serve here.
func spinLock(w *uint32) {
	for !atomic.CompareAndSwapUint32(w, 0, 1) {
		runtime.Gosched()
	}
}

func spinUnlock(w *uint32) {
	atomic.StoreUint32(w, 0)
}
