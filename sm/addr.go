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
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Address status bits.
const (
	addrReserved  = uint32(1 << 0) // queue pair reserved in the peer region
	addrCmdPushed = uint32(1 << 1) // RESERVED command pushed to the peer
	addrResolved  = uint32(1 << 2) // wired up and pollable
)

// Addr is a routing record referencing a peer endpoint, plus the resources
// needed to communicate with it. Expected addresses are created by local
// lookups and own their region mapping and notifiers; unexpected addresses
// are created when a RESERVED command arrives and borrow the listener's own
// region with queue-pair roles inverted.
type Addr struct {
	pid int
	id  uint8

	region  *region
	txQueue *msgRing // ring this side pushes to
	rxQueue *msgRing // ring this side pops from

	txNotify *notifier
	rxNotify *notifier

	pairIdx    uint8
	unexpected bool

	// mu serializes resolution; the status bits make it idempotent but
	// rollback must not interleave with a concurrent attempt.
	mu sync.Mutex

	refCount atomic.Int32
	status   atomic.Uint32
}

// newAddr allocates an address record with one reference held.
func newAddr(pid int, id uint8, unexpected bool) *Addr {
	a := &Addr{pid: pid, id: id, unexpected: unexpected}
	a.refCount.Store(1)
	return a
}

// PID returns the peer's process ID.
func (a *Addr) PID() int { return a.pid }

// ID returns the peer's instance ordinal.
func (a *Addr) ID() uint8 { return a.id }

// String returns the canonical address string form.
func (a *Addr) String() string {
	return fmt.Sprintf("sm://%d/%d", a.pid, a.id)
}

func (a *Addr) ref() { a.refCount.Add(1) }

// unref drops one reference and reports whether the record is now dead.
func (a *Addr) unref() bool { return a.refCount.Add(-1) == 0 }

// ParseAddr extracts the PID and instance ordinal from an address string of
// the form "sm://<pid>/<id>"; the scheme prefix is optional.
func ParseAddr(s string) (int, uint8, error) {
	if s == "" {
		return 0, 0, fmt.Errorf("empty address: %w", ErrInvalidArg)
	}
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	pidStr, idStr, found := strings.Cut(s, "/")
	if !found {
		return 0, 0, fmt.Errorf("address %q: %w", s, ErrInvalidArg)
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, 0, fmt.Errorf("address pid %q: %w", pidStr, ErrInvalidArg)
	}
	id, err := strconv.ParseUint(idStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("address id %q: %w", idStr, ErrInvalidArg)
	}
	if id > 255 {
		return 0, 0, fmt.Errorf("address id %d: %w", id, ErrOverflow)
	}
	return pid, uint8(id), nil
}

// SerializedAddrSize is the size of a serialized address.
const SerializedAddrSize = 5

// SerializeAddr writes the compact wire form of an address into buf.
func SerializeAddr(buf []byte, a *Addr) error {
	if len(buf) < SerializedAddrSize {
		return fmt.Errorf("serialize addr: %w", ErrOverflow)
	}
	binary.LittleEndian.PutUint32(buf, uint32(a.pid))
	buf[4] = a.id
	return nil
}

// deserializeAddrKey decodes the compact wire form into a map key.
func deserializeAddrKey(buf []byte) (int, uint8, error) {
	if len(buf) < SerializedAddrSize {
		return 0, 0, fmt.Errorf("deserialize addr: %w", ErrInvalidArg)
	}
	return int(binary.LittleEndian.Uint32(buf)), buf[4], nil
}

// addrKey builds the map key for (pid, id).
func addrKey(pid int, id uint8) uint64 {
	return uint64(uint32(pid))<<32 | uint64(id)
}

// addrMap indexes expected addresses by (pid, id) under a reader/writer
// lock. The allocation callback runs under the write lock so duplicate
// inserts linearize on one record.
type addrMap struct {
	mu sync.RWMutex
	m  map[uint64]*Addr
}

func newAddrMap() *addrMap {
	return &addrMap{m: make(map[uint64]*Addr)}
}

func (am *addrMap) lookup(key uint64) *Addr {
	am.mu.RLock()
	a := am.m[key]
	am.mu.RUnlock()
	return a
}

// insert returns the existing record for key or creates one via alloc,
// reporting whether alloc ran. The callback executes under the write lock
// so duplicate inserts linearize on one record.
func (am *addrMap) insert(key uint64, alloc func() *Addr) (*Addr, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()
	if a, ok := am.m[key]; ok {
		return a, false
	}
	a := alloc()
	am.m[key] = a
	return a, true
}

func (am *addrMap) remove(key uint64) {
	am.mu.Lock()
	delete(am.m, key)
	am.mu.Unlock()
}

// addrList is the list of addresses the progress engine scans.
type addrList struct {
	mu    sync.Mutex
	addrs []*Addr
}

func (al *addrList) insert(a *Addr) {
	al.mu.Lock()
	al.addrs = append(al.addrs, a)
	al.mu.Unlock()
}

func (al *addrList) remove(a *Addr) bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	for i, cur := range al.addrs {
		if cur == a {
			al.addrs = append(al.addrs[:i], al.addrs[i+1:]...)
			return true
		}
	}
	return false
}

// find locates an address by identity and pair index, for RELEASED
// commands.
func (al *addrList) find(pid int, id, pairIdx uint8) *Addr {
	al.mu.Lock()
	defer al.mu.Unlock()
	for _, a := range al.addrs {
		if a.pid == pid && a.id == id && a.pairIdx == pairIdx {
			return a
		}
	}
	return nil
}

// snapshot copies the current membership so callers can walk it without
// holding the lock.
func (al *addrList) snapshot() []*Addr {
	al.mu.Lock()
	out := make([]*Addr, len(al.addrs))
	copy(out, al.addrs)
	al.mu.Unlock()
	return out
}

func (al *addrList) empty() bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.addrs) == 0
}
