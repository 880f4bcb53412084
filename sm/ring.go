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
	"runtime"
	"sync/atomic"
)

// Lock-free multi-producer/multi-consumer ring of 64-bit words, laid out in
// shared memory. Producers claim a slot by advancing prodHead with CAS,
// write the value, then publish by advancing prodTail in claim order.
// Consumers mirror the scheme with consHead/consTail. Indices are monotonic
// and wrapped with a power-of-two mask; a zero slot is empty.
//
// Two geometries share the algorithm: message rings (numBufs slots) inside
// each queue pair and the command ring (cmdQueueSize slots) per region.

const cacheLineSize = 64

// msgRing is the per-queue-pair message ring.
type msgRing struct {
	prodHead uint32
	prodTail uint32
	size     uint32
	mask     uint32
	_        [cacheLineSize - 16]byte
	consHead uint32
	consTail uint32
	_        [cacheLineSize - 8]byte
	slots    [numBufs]uint64
}

func (q *msgRing) init() {
	q.prodHead = 0
	q.prodTail = 0
	q.consHead = 0
	q.consTail = 0
	q.size = numBufs
	q.mask = numBufs - 1
	for i := range q.slots {
		q.slots[i] = 0
	}
}

func (q *msgRing) push(v uint64) bool {
	return ringPush(&q.prodHead, &q.prodTail, &q.consTail, q.slots[:], q.mask, v)
}

func (q *msgRing) pop() (uint64, bool) {
	return ringPop(&q.consHead, &q.consTail, &q.prodTail, q.slots[:], q.mask)
}

// cmdRing is the per-region command ring.
type cmdRing struct {
	prodHead uint32
	prodTail uint32
	size     uint32
	mask     uint32
	_        [cacheLineSize - 16]byte
	consHead uint32
	consTail uint32
	_        [cacheLineSize - 8]byte
	slots    [cmdQueueSize]uint64
}

func (q *cmdRing) init() {
	q.prodHead = 0
	q.prodTail = 0
	q.consHead = 0
	q.consTail = 0
	q.size = cmdQueueSize
	q.mask = cmdQueueSize - 1
	for i := range q.slots {
		q.slots[i] = 0
	}
}

func (q *cmdRing) push(v uint64) bool {
	return ringPush(&q.prodHead, &q.prodTail, &q.consTail, q.slots[:], q.mask, v)
}

func (q *cmdRing) pop() (uint64, bool) {
	return ringPop(&q.consHead, &q.consTail, &q.prodTail, q.slots[:], q.mask)
}

// ringPush claims one slot, writes v, and publishes it. It returns false
// when the ring is full. v must be non-zero.
func ringPush(prodHead, prodTail, consTail *uint32, slots []uint64, mask uint32, v uint64) bool {
	var head uint32
	for {
		head = atomic.LoadUint32(prodHead)
		tail := atomic.LoadUint32(consTail)
		if head-tail >= uint32(len(slots)) {
			return false
		}
		if atomic.CompareAndSwapUint32(prodHead, head, head+1) {
			break
		}
	}

	atomic.StoreUint64(&slots[head&mask], v)

	// Publish in claim order so consumers never observe a gap.
	for atomic.LoadUint32(prodTail) != head {
		runtime.Gosched()
	}
	atomic.StoreUint32(prodTail, head+1)
	return true
}

// ringPop claims one published slot and returns its value, zeroing the slot
// for reuse. It returns false when the ring is empty.
func ringPop(consHead, consTail, prodTail *uint32, slots []uint64, mask uint32) (uint64, bool) {
	var head uint32
	for {
		head = atomic.LoadUint32(consHead)
		if head == atomic.LoadUint32(prodTail) {
			return 0, false
		}
		if atomic.CompareAndSwapUint32(consHead, head, head+1) {
			break
		}
	}

	slot := &slots[head&mask]
	var v uint64
	for {
		// The producer published the tail before the slot store is
		// guaranteed visible only through the atomic load; spin until the
		// non-zero header appears.
		v = atomic.LoadUint64(slot)
		if v != 0 {
			break
		}
		runtime.Gosched()
	}
	atomic.StoreUint64(slot, 0)

	for atomic.LoadUint32(consTail) != head {
		runtime.Gosched()
	}
	atomic.StoreUint32(consTail, head+1)
	return v, true
}
