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
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// instanceCounter supplies process-wide unique instance ordinals. Endpoint
// identity is (pid, ordinal), so the counter must be shared by every
// endpoint the process opens.
var instanceCounter atomic.Uint32

// Endpoint is one shared-memory communication endpoint. All methods are
// safe for concurrent use; progress must be driven explicitly through
// Progress.
type Endpoint struct {
	opts     Options
	username string
	listen   bool

	addrs    *addrMap
	pollList addrList

	unexpectedMsgs unexpectedMsgQueue
	unexpectedOps  opQueue
	expectedOps    opQueue
	retryOps       opQueue

	source *Addr
	poll   *pollSet
	sock   int

	nofile    atomic.Int32
	nofileMax int32

	log *logrus.Entry
}

// Open creates an endpoint. Listening endpoints create and own a shared
// region plus a bound control socket; non-listening endpoints can only
// initiate communication.
func Open(opts *Options) (*Endpoint, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	maxContexts := opts.MaxContexts
	if maxContexts == 0 || maxContexts > 256 {
		maxContexts = 256
	}

	ord := instanceCounter.Add(1) - 1
	if ord >= maxContexts {
		return nil, fmt.Errorf("instance ordinal %d: %w", ord, ErrOverflow)
	}
	id := uint8(ord)
	pid := os.Getpid()

	username, err := currentUsername()
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		opts:     *opts,
		username: username,
		listen:   opts.Listen,
		addrs:    newAddrMap(),
		sock:     -1,
		log: logrus.WithFields(logrus.Fields{
			"pid": pid,
			"id":  id,
		}),
	}

	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err == nil && rl.Cur < math.MaxInt32 {
		e.nofileMax = int32(rl.Cur)
	} else {
		e.nofileMax = math.MaxInt32
	}

	var (
		reg          *region
		pairIdx      uint8
		pairReserved bool
		txNotify     *notifier
		ok           bool
	)
	defer func() {
		if ok {
			return
		}
		if txNotify != nil {
			txNotify.close()
		}
		if e.sock >= 0 {
			closeSock(e.sock, username, pid, id, e.listen)
		}
		if e.poll != nil {
			e.poll.close()
		}
		if pairReserved {
			reg.pairRelease(pairIdx)
		}
		if reg != nil {
			reg.close()
		}
	}()

	if e.listen {
		reg, err = createRegion(username, pid, id)
		if err != nil {
			return nil, err
		}
		pairIdx, err = reg.pairReserve()
		if err != nil {
			return nil, err
		}
		pairReserved = true
	}

	if e.listen || !opts.NoWait {
		e.sock, err = openSock(username, pid, id, e.listen)
		if err != nil {
			return nil, err
		}
		e.nofile.Add(1)
	}

	if !opts.NoWait {
		e.poll, err = newPollSet()
		if err != nil {
			return nil, err
		}
		e.nofile.Add(1)

		if e.listen {
			if err = e.poll.register(e.sock, pollSock, nil); err != nil {
				return nil, err
			}
		}

		txNotify, err = newNotifier(username, pid, id, 0, 't')
		if err != nil {
			return nil, err
		}
		e.nofile.Add(1)
	}

	e.source = newAddr(pid, id, false)
	if e.listen {
		e.source.region = reg
		e.source.pairIdx = pairIdx
		e.source.txQueue = &reg.shared.pairs[pairIdx].tx
		e.source.rxQueue = &reg.shared.pairs[pairIdx].rx
	}

	if e.poll != nil {
		e.source.txNotify = txNotify
		if err = e.poll.register(txNotify.fd, pollTxNotify, e.source); err != nil {
			return nil, err
		}
	}

	ok = true
	e.log.WithField("listen", e.listen).Debug("endpoint open")
	return e, nil
}

// Addr returns the endpoint's own address. The reference is owned by the
// endpoint.
func (e *Endpoint) Addr() *Addr { return e.source }

// Listening reports whether the endpoint owns a shared region.
func (e *Endpoint) Listening() bool { return e.listen }

// OpenDescriptors returns the current count of descriptors held by the
// endpoint (poll set, control socket, notifiers).
func (e *Endpoint) OpenDescriptors() int { return int(e.nofile.Load()) }

// Lookup resolves an address string to an address record, creating one on
// first use. The caller owns the returned reference and releases it with
// AddrFree.
func (e *Endpoint) Lookup(name string) (*Addr, error) {
	pid, id, err := ParseAddr(name)
	if err != nil {
		return nil, err
	}
	key := addrKey(pid, id)
	if a := e.addrs.lookup(key); a != nil {
		a.ref()
		return a, nil
	}
	a, inserted := e.addrs.insert(key, func() *Addr {
		// The initial reference becomes the caller's hold.
		return newAddr(pid, id, false)
	})
	if !inserted {
		// Another thread inserted first; take our own hold.
		a.ref()
	}
	return a, nil
}

// AddrRef takes an additional reference on an address record.
func (e *Endpoint) AddrRef(a *Addr) { a.ref() }

// AddrFree releases one reference. When the last reference drops, the
// record is torn down: a RELEASED command is exchanged with the peer and
// the notifiers and region mapping are destroyed.
func (e *Endpoint) AddrFree(a *Addr) error {
	if a == nil || a == e.source {
		return nil
	}
	if !a.unref() {
		return nil
	}
	return e.destroyAddr(a)
}

// DeserializeAddr rebuilds an address record from its compact wire form.
// Like Lookup, the caller owns the returned reference.
func (e *Endpoint) DeserializeAddr(buf []byte) (*Addr, error) {
	pid, id, err := deserializeAddrKey(buf)
	if err != nil {
		return nil, err
	}
	return e.Lookup(fmt.Sprintf("%d/%d", pid, id))
}

// addrUnref drops a reference held by the endpoint itself.
func (e *Endpoint) addrUnref(a *Addr) {
	if a == nil || a == e.source {
		return
	}
	if a.unref() {
		if err := e.destroyAddr(a); err != nil {
			e.log.WithError(err).Warn("destroy address")
		}
	}
}

// destroyAddr tears a dead record down. For expected addresses this
// notifies the region owner with RELEASED and unmaps the peer region; for
// unexpected addresses it returns the queue pair to the endpoint's own
// region.
func (e *Endpoint) destroyAddr(a *Addr) error {
	if !a.unexpected {
		e.addrs.remove(addrKey(a.pid, a.id))
	}
	e.pollList.remove(a)

	if a.region != nil {
		if a.unexpected {
			a.region.pairRelease(a.pairIdx)
		} else {
			hdr := cmdHdr{
				pid:     uint32(e.source.pid),
				id:      e.source.id,
				pairIdx: a.pairIdx,
				kind:    cmdReleased,
			}
			if e.poll != nil {
				// Best-effort: the peer may already be gone.
				if err := sockSend(e.sock, e.username, a.pid, a.id, hdr, -1, -1, true); err != nil {
					e.log.WithError(err).Debug("release send")
				}
			} else if !a.region.shared.cmdQueue.push(hdr.pack()) {
				e.log.Debug("release dropped, command queue full")
			}
			if err := a.region.close(); err != nil {
				return err
			}
		}
		a.region = nil
	}

	if a.txNotify != nil {
		if err := a.txNotify.close(); err != nil {
			e.log.WithError(err).Warn("close tx notify")
		}
		e.nofile.Add(-1)
		a.txNotify = nil
	}
	if a.rxNotify != nil {
		if e.poll != nil {
			if err := e.poll.deregister(a.rxNotify.fd); err != nil {
				e.log.WithError(err).Warn("deregister rx notify")
			}
		}
		if err := a.rxNotify.close(); err != nil {
			e.log.WithError(err).Warn("close rx notify")
		}
		e.nofile.Add(-1)
		a.rxNotify = nil
	}
	return nil
}

// resolve wires an expected address up: map the peer region, reserve a
// queue pair in it, announce the reservation, and exchange wake handles.
// ErrAgain means a transient shortage; the caller parks the operation on
// the retry queue and resolve runs again from progress.
func (e *Endpoint) resolve(a *Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status.Load()&addrResolved != 0 {
		return nil
	}

	rollback := func() {
		if a.status.Load()&addrReserved != 0 {
			a.region.pairRelease(a.pairIdx)
			a.status.And(^addrReserved)
		}
		if a.txNotify != nil {
			a.txNotify.close()
			e.nofile.Add(-1)
			a.txNotify = nil
		}
		if a.rxNotify != nil {
			if e.poll != nil {
				e.poll.deregister(a.rxNotify.fd)
			}
			a.rxNotify.close()
			e.nofile.Add(-1)
			a.rxNotify = nil
		}
		if a.region != nil {
			a.region.close()
			a.region = nil
		}
	}

	if a.region == nil {
		reg, err := openRegion(e.username, a.pid, a.id)
		if err != nil {
			return err
		}
		a.region = reg
	}

	if a.status.Load()&addrReserved == 0 {
		idx, err := a.region.pairReserve()
		if err != nil {
			// All pairs taken; leave the mapping for the retry.
			return err
		}
		a.pairIdx = idx
		a.status.Or(addrReserved)
		a.txQueue = &a.region.shared.pairs[idx].tx
		a.rxQueue = &a.region.shared.pairs[idx].rx
	}

	hdr := cmdHdr{
		pid:     uint32(e.source.pid),
		id:      e.source.id,
		pairIdx: a.pairIdx,
		kind:    cmdReserved,
	}

	if a.status.Load()&addrCmdPushed == 0 {
		if !a.region.shared.cmdQueue.push(hdr.pack()) {
			rollback()
			return ErrAgain
		}
		a.status.Or(addrCmdPushed)
	}

	if e.poll != nil {
		if a.txNotify == nil {
			n, err := newNotifier(e.username, a.pid, a.id, a.pairIdx, 't')
			if err != nil {
				rollback()
				return err
			}
			a.txNotify = n
			e.nofile.Add(1)
		}
		if a.rxNotify == nil {
			n, err := newNotifier(e.username, a.pid, a.id, a.pairIdx, 'r')
			if err != nil {
				rollback()
				return err
			}
			a.rxNotify = n
			e.nofile.Add(1)
			if err := e.poll.register(n.fd, pollRxNotify, a); err != nil {
				rollback()
				return err
			}
		}
		err := sockSend(e.sock, e.username, a.pid, a.id, hdr,
			a.txNotify.fd, a.rxNotify.fd, false)
		if errors.Is(err, ErrAgain) {
			// Kernel is flooded with pending descriptor passes; retry
			// without tearing anything down.
			return ErrAgain
		}
		if err != nil {
			rollback()
			return err
		}
	}

	a.status.Or(addrResolved)
	e.pollList.insert(a)
	e.log.WithFields(logrus.Fields{
		"peer": a.String(),
		"pair": a.pairIdx,
	}).Debug("address resolved")
	return nil
}

// SendUnexpected posts an unexpected-mode tagged send of buf to dst. The
// payload is at most one page. Back-pressure parks the operation on the
// retry queue; the call still succeeds and the completion arrives through
// progress.
func (e *Endpoint) SendUnexpected(op *Operation, buf []byte, tag uint32, dst *Addr, cb Callback) error {
	return e.sendMsg(OpSendUnexpected, msgUnexpected, op, buf, tag, dst, cb)
}

// SendExpected posts an expected-mode tagged send of buf to dst. The
// receiver must have pre-posted a matching receive.
func (e *Endpoint) SendExpected(op *Operation, buf []byte, tag uint32, dst *Addr, cb Callback) error {
	return e.sendMsg(OpSendExpected, msgExpected, op, buf, tag, dst, cb)
}

func (e *Endpoint) sendMsg(kind OpKind, msgKind uint8, op *Operation, buf []byte, tag uint32, dst *Addr, cb Callback) error {
	if len(buf) > MaxMsgSize {
		return fmt.Errorf("payload of %d bytes: %w", len(buf), ErrOverflow)
	}
	if op == nil || dst == nil {
		return ErrInvalidArg
	}
	if err := op.claim(kind, cb); err != nil {
		return err
	}
	dst.ref()
	op.addr = dst
	op.buf = buf
	op.tag = tag
	op.actual = len(buf)

	if dst.status.Load()&addrResolved == 0 {
		err := e.resolve(dst)
		if errors.Is(err, ErrAgain) {
			e.retryOps.push(op)
			return nil
		}
		if err != nil {
			e.abortOp(op)
			return err
		}
	}

	bufIdx, err := dst.region.bufReserve()
	if errors.Is(err, ErrAgain) {
		e.retryOps.push(op)
		return nil
	}

	dst.region.bufCopyTo(bufIdx, buf)
	hdr := msgHdr{
		tag:    tag,
		size:   uint16(len(buf)),
		bufIdx: uint8(bufIdx),
		kind:   msgKind,
	}
	if !dst.txQueue.push(hdr.pack()) {
		// The resolve succeeded, so a full ring means the peer stalled.
		dst.region.bufRelease(bufIdx)
		e.abortOp(op)
		return ErrAgain
	}

	if dst.txNotify != nil {
		if err := dst.txNotify.signal(); err != nil {
			e.abortOp(op)
			return err
		}
	}

	// Send semantics: deposited in the ring and notified.
	e.complete(op, nil, true)
	return nil
}

// abortOp undoes a failed synchronous submission: the destination
// reference is dropped and the identifier returns to the completed state
// without invoking the callback.
func (e *Endpoint) abortOp(op *Operation) {
	if op.addr != nil {
		e.addrUnref(op.addr)
		op.addr = nil
	}
	op.status.Store(opCompleted)
}

// RecvUnexpected posts a receive for the next unexpected message from any
// sender. If one is already held, the operation completes immediately.
// On completion, Source carries a reference to the sender that the caller
// releases with AddrFree.
func (e *Endpoint) RecvUnexpected(op *Operation, buf []byte, cb Callback) error {
	if len(buf) > MaxMsgSize {
		return fmt.Errorf("buffer of %d bytes: %w", len(buf), ErrOverflow)
	}
	if op == nil {
		return ErrInvalidArg
	}
	if err := op.claim(OpRecvUnexpected, cb); err != nil {
		return err
	}
	op.buf = buf

	if info := e.unexpectedMsgs.popFront(); info != nil {
		op.addr = info.addr
		info.addr.ref()
		op.tag = info.tag
		op.actual = copy(buf, info.buf)
		e.complete(op, nil, true)
		return nil
	}

	e.unexpectedOps.push(op)
	return nil
}

// RecvExpected posts a receive matched by (source, tag). Expected messages
// must be pre-posted; an expected-mode message without a matching posted
// receive is a protocol error.
func (e *Endpoint) RecvExpected(op *Operation, buf []byte, tag uint32, source *Addr, cb Callback) error {
	if len(buf) > MaxMsgSize {
		return fmt.Errorf("buffer of %d bytes: %w", len(buf), ErrOverflow)
	}
	if op == nil || source == nil {
		return ErrInvalidArg
	}
	if err := op.claim(OpRecvExpected, cb); err != nil {
		return err
	}
	source.ref()
	op.addr = source
	op.buf = buf
	op.tag = tag

	e.expectedOps.push(op)
	return nil
}

// Put writes length bytes from the local window to the remote window in
// the peer's address space. The transfer is synchronous; the callback runs
// before Put returns.
func (e *Endpoint) Put(op *Operation, local *MemHandle, localOffset uint64,
	remote *MemHandle, remoteOffset uint64, length uint64, dst *Addr, cb Callback) error {
	return e.rmaOp(OpPut, op, local, localOffset, remote, remoteOffset, length, dst, cb)
}

// Get reads length bytes from the remote window in the peer's address
// space into the local window. The transfer is synchronous.
func (e *Endpoint) Get(op *Operation, local *MemHandle, localOffset uint64,
	remote *MemHandle, remoteOffset uint64, length uint64, dst *Addr, cb Callback) error {
	return e.rmaOp(OpGet, op, local, localOffset, remote, remoteOffset, length, dst, cb)
}

func (e *Endpoint) rmaOp(kind OpKind, op *Operation, local *MemHandle, localOffset uint64,
	remote *MemHandle, remoteOffset uint64, length uint64, dst *Addr, cb Callback) error {
	if op == nil || local == nil || remote == nil || dst == nil {
		return ErrInvalidArg
	}
	if err := op.claim(kind, cb); err != nil {
		return err
	}
	dst.ref()
	op.addr = dst

	if err := rmaTransfer(kind, dst.pid, local, localOffset, remote, remoteOffset, length); err != nil {
		e.abortOp(op)
		return err
	}

	op.actual = int(length)
	e.complete(op, nil, true)
	return nil
}

// Cancel requests cancellation of a posted operation. Cancellation is
// cooperative: an operation that already completed keeps its original
// result, a parked one completes with ErrCanceled, and RMA transfers are
// not cancelable.
func (e *Endpoint) Cancel(op *Operation) error {
	if op == nil {
		return ErrInvalidArg
	}
	if op.orStatus(opCanceled)&opCompleted != 0 {
		return nil
	}

	var q *opQueue
	switch op.kind {
	case OpRecvUnexpected:
		q = &e.unexpectedOps
	case OpRecvExpected:
		q = &e.expectedOps
	case OpSendUnexpected, OpSendExpected:
		q = &e.retryOps
	case OpPut, OpGet:
		return nil
	default:
		return ErrInvalidArg
	}

	if q.remove(op) {
		e.complete(op, ErrCanceled, true)
	}
	return nil
}

// complete finishes an operation and invokes its callback. signalSelf
// wakes a progress thread blocked on the endpoint's own tx notify so it
// observes the completion.
func (e *Endpoint) complete(op *Operation, err error, signalSelf bool) {
	old := op.orStatus(opCompleted)
	if err == nil && old&opCanceled != 0 {
		err = ErrCanceled
	}
	op.err = err

	// The callback may resubmit the identifier; capture what this
	// completion owns before handing control out.
	kind := op.kind
	addr := op.addr
	cb := op.cb

	if cb != nil {
		cb(op)
	}

	// Sends and expected receives hold a reference for the duration of
	// the operation; unexpected receives hand theirs to the caller.
	switch kind {
	case OpSendUnexpected, OpSendExpected, OpRecvExpected, OpPut, OpGet:
		if addr != nil {
			e.addrUnref(addr)
		}
	}

	if signalSelf && e.source != nil && e.source.txNotify != nil {
		if serr := e.source.txNotify.signal(); serr != nil {
			e.log.WithError(serr).Warn("self notify")
		}
	}
}

// Close shuts the endpoint down. It refuses with ErrBusy while any
// operation or unexpected message is still queued.
func (e *Endpoint) Close() error {
	if !e.unexpectedMsgs.empty() || !e.unexpectedOps.empty() ||
		!e.expectedOps.empty() || !e.retryOps.empty() {
		return ErrBusy
	}

	for _, a := range e.pollList.snapshot() {
		if err := e.destroyAddr(a); err != nil {
			return err
		}
	}
	if !e.pollList.empty() {
		return ErrBusy
	}

	if e.source != nil {
		if e.source.region != nil {
			e.source.region.pairRelease(e.source.pairIdx)
		}
		if e.source.txNotify != nil {
			if e.poll != nil {
				if err := e.poll.deregister(e.source.txNotify.fd); err != nil {
					e.log.WithError(err).Warn("deregister tx notify")
				}
			}
			if err := e.source.txNotify.close(); err != nil {
				return err
			}
			e.nofile.Add(-1)
			e.source.txNotify = nil
		}
	}

	if e.sock >= 0 {
		if e.poll != nil && e.listen {
			if err := e.poll.deregister(e.sock); err != nil {
				e.log.WithError(err).Warn("deregister sock")
			}
		}
		if err := closeSock(e.sock, e.username, e.source.pid, e.source.id, e.listen); err != nil {
			return err
		}
		e.nofile.Add(-1)
		e.sock = -1
	}

	if e.poll != nil {
		if err := e.poll.close(); err != nil {
			return err
		}
		e.nofile.Add(-1)
		e.poll = nil
	}

	if e.source != nil && e.source.region != nil {
		if err := e.source.region.close(); err != nil {
			return err
		}
		e.source.region = nil
	}

	if n := e.nofile.Load(); n != 0 {
		e.log.WithField("count", n).Warn("descriptors leaked at close")
	}
	e.log.Debug("endpoint closed")
	return nil
}
