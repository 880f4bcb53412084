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
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// Progress advances outstanding work until something progressed or
// timeoutMs elapsed, in which case it returns ErrTimeout. With a poll set
// the call sleeps on descriptors; in no-wait mode it scans the poll list
// and the command queue.
func (e *Endpoint) Progress(timeoutMs int) error {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	for {
		var progressed bool
		var err error
		if e.poll != nil && timeoutMs > 0 {
			remaining := int(time.Until(deadline) / time.Millisecond)
			if remaining < 0 {
				remaining = 0
			}
			progressed, err = e.progressWait(remaining)
		} else {
			progressed, err = e.progressScan()
		}
		if err != nil {
			return err
		}

		if err := e.processRetries(); err != nil {
			return err
		}

		if progressed {
			return nil
		}
		if timeoutMs <= 0 || !time.Now().Before(deadline) {
			return ErrTimeout
		}
		if e.poll == nil {
			runtime.Gosched()
		}
	}
}

// progressWait sleeps on the poll set and dispatches fired events by tag.
func (e *Endpoint) progressWait(timeoutMs int) (bool, error) {
	entries := make([]pollEntry, maxPollEvents)
	n, err := e.poll.wait(timeoutMs, entries)
	if err != nil {
		return false, err
	}

	progressed := false
	for _, entry := range entries[:n] {
		switch entry.kind {
		case pollSock:
			p, err := e.progressSock()
			if err != nil {
				return progressed, err
			}
			progressed = progressed || p
		case pollTxNotify:
			if entry.addr.txNotify == nil {
				// Torn down earlier in this batch.
				continue
			}
			// Completion wake from our own send path.
			p, err := entry.addr.txNotify.drain()
			if err != nil {
				return progressed, err
			}
			progressed = progressed || p
		case pollRxNotify:
			if entry.addr.rxNotify == nil {
				continue
			}
			p, err := entry.addr.rxNotify.drain()
			if err != nil {
				return progressed, err
			}
			rx, err := e.progressRxQueue(entry.addr)
			if err != nil {
				return progressed, err
			}
			progressed = progressed || p || rx
		default:
			return progressed, fmt.Errorf("poll kind %d: %w", entry.kind, ErrInvalidArg)
		}
	}
	return progressed, nil
}

// progressScan makes non-blocking progress: pop every rx ring on the poll
// list and, when listening, the region's command queue.
func (e *Endpoint) progressScan() (bool, error) {
	progressed := false
	for _, a := range e.pollList.snapshot() {
		p, err := e.progressRxQueue(a)
		if err != nil {
			return progressed, err
		}
		progressed = progressed || p
	}

	if e.source != nil && e.source.region != nil {
		if v, ok := e.source.region.shared.cmdQueue.pop(); ok {
			if err := e.processCmd(unpackCmdHdr(v), -1, -1); err != nil {
				return progressed, err
			}
			progressed = true
		}
	}
	return progressed, nil
}

// progressSock receives one command datagram, adopting any descriptors
// passed with it.
func (e *Endpoint) progressSock() (bool, error) {
	hdr, txNotify, rxNotify, received, err := sockRecv(e.sock)
	if err != nil {
		return false, err
	}
	if !received {
		return false, nil
	}

	if txNotify > 0 {
		e.nofile.Add(1)
	}
	if rxNotify > 0 {
		e.nofile.Add(1)
	}
	if n := e.nofile.Load(); n > e.nofileMax {
		e.log.WithField("count", n).Warn("descriptor count exceeds rlimit ceiling")
	}

	if err := e.processCmd(hdr, txNotify, rxNotify); err != nil {
		return true, err
	}
	return true, nil
}

// processCmd handles one RESERVED or RELEASED command from a peer.
func (e *Endpoint) processCmd(hdr cmdHdr, txNotify, rxNotify int) error {
	if hdr.pid == 0 {
		// Nothing legitimate sends an all-zero origin; drop it.
		e.log.Debug("dropping command without origin")
		return nil
	}

	e.log.WithFields(logrus.Fields{
		"kind": hdr.kind,
		"peer": fmt.Sprintf("%d/%d", hdr.pid, hdr.id),
		"pair": hdr.pairIdx,
	}).Debug("processing command")

	switch hdr.kind {
	case cmdReserved:
		if e.source == nil || e.source.region == nil {
			return fmt.Errorf("reserved command on non-listening endpoint: %w", ErrProtocol)
		}
		a := newAddr(int(hdr.pid), hdr.id, true)
		a.region = e.source.region
		a.pairIdx = hdr.pairIdx

		// Invert the pair so that our rx is the peer's tx.
		a.txQueue = &a.region.shared.pairs[a.pairIdx].rx
		a.rxQueue = &a.region.shared.pairs[a.pairIdx].tx

		// Same inversion for the passed descriptors.
		if rxNotify > 0 {
			a.txNotify = adoptNotifier(rxNotify)
		}
		if txNotify > 0 {
			a.rxNotify = adoptNotifier(txNotify)
		}

		if e.poll != nil && a.rxNotify != nil {
			if err := e.poll.register(a.rxNotify.fd, pollRxNotify, a); err != nil {
				return err
			}
		}

		a.status.Or(addrResolved)
		e.pollList.insert(a)

	case cmdReleased:
		a := e.pollList.find(int(hdr.pid), hdr.id, hdr.pairIdx)
		if a == nil {
			// The address may already be gone; nothing to do.
			e.log.Debug("released command for unknown address")
			return nil
		}
		e.addrUnref(a)

	default:
		return fmt.Errorf("command kind %d: %w", hdr.kind, ErrInvalidArg)
	}
	return nil
}

// progressRxQueue drains the receive ring of one poll-list address.
func (e *Endpoint) progressRxQueue(a *Addr) (bool, error) {
	if a.rxQueue == nil {
		return false, nil
	}
	progressed := false
	for {
		v, ok := a.rxQueue.pop()
		if !ok {
			return progressed, nil
		}
		progressed = true

		hdr := unpackMsgHdr(v)
		switch hdr.kind {
		case msgUnexpected:
			if err := e.processUnexpected(a, hdr); err != nil {
				return progressed, err
			}
		case msgExpected:
			if err := e.processExpected(a, hdr); err != nil {
				return progressed, err
			}
		default:
			return progressed, fmt.Errorf("message kind %d: %w", hdr.kind, ErrProtocol)
		}
	}
}

// processUnexpected delivers an unexpected message to a posted receive or
// stores it on the holding queue. The copy buffer is released either way
// so the sender's pool drains regardless of the receiver's posting.
func (e *Endpoint) processUnexpected(a *Addr, hdr msgHdr) error {
	if op := e.unexpectedOps.popFront(); op != nil {
		op.addr = a
		a.ref()
		op.tag = hdr.tag
		op.actual = a.region.bufCopyFrom(int(hdr.bufIdx), op.buf, int(hdr.size))
		a.region.bufRelease(int(hdr.bufIdx))
		e.complete(op, nil, false)
		return nil
	}

	info := &unexpectedInfo{
		addr: a,
		tag:  hdr.tag,
		buf:  make([]byte, hdr.size),
	}
	a.region.bufCopyFrom(int(hdr.bufIdx), info.buf, int(hdr.size))
	a.region.bufRelease(int(hdr.bufIdx))
	e.unexpectedMsgs.push(info)
	return nil
}

// processExpected matches an expected message against the posted receive
// for (source, tag). Expected messages must be pre-posted.
func (e *Endpoint) processExpected(a *Addr, hdr msgHdr) error {
	op := e.expectedOps.matchExpected(a, hdr.tag)
	if op == nil {
		a.region.bufRelease(int(hdr.bufIdx))
		return fmt.Errorf("expected message with tag %d has no posted receive: %w",
			hdr.tag, ErrProtocol)
	}
	op.actual = a.region.bufCopyFrom(int(hdr.bufIdx), op.buf, int(hdr.size))
	a.region.bufRelease(int(hdr.bufIdx))
	e.complete(op, nil, false)
	return nil
}

// processRetries drains the retry queue in order. The head blocks the rest
// on ErrAgain, which preserves per-destination submission ordering.
func (e *Endpoint) processRetries() error {
	for {
		op := e.retryOps.first()
		if op == nil {
			return nil
		}
		a := op.addr

		if a.status.Load()&addrResolved == 0 {
			err := e.resolve(a)
			if errors.Is(err, ErrAgain) {
				return nil
			}
			if err != nil {
				if e.retryOps.remove(op) {
					e.complete(op, err, true)
				}
				continue
			}
		}

		bufIdx, err := a.region.bufReserve()
		if errors.Is(err, ErrAgain) {
			return nil
		}

		// The reservation succeeded; re-check cancellation under the
		// queue lock so the cancel path and this drain agree on who
		// dequeues the operation.
		e.retryOps.mu.Lock()
		if op.status.Load()&opCanceled != 0 {
			e.retryOps.mu.Unlock()
			a.region.bufRelease(bufIdx)
			continue
		}
		for i, cur := range e.retryOps.ops {
			if cur == op {
				e.retryOps.ops = append(e.retryOps.ops[:i], e.retryOps.ops[i+1:]...)
				break
			}
		}
		op.andStatus(^opQueued)
		e.retryOps.mu.Unlock()

		a.region.bufCopyTo(bufIdx, op.buf)
		kind := msgUnexpected
		if op.kind == OpSendExpected {
			kind = msgExpected
		}
		hdr := msgHdr{
			tag:    op.tag,
			size:   uint16(len(op.buf)),
			bufIdx: uint8(bufIdx),
			kind:   kind,
		}
		if !a.txQueue.push(hdr.pack()) {
			a.region.bufRelease(bufIdx)
			e.complete(op, ErrAgain, true)
			continue
		}

		if a.txNotify != nil {
			if err := a.txNotify.signal(); err != nil {
				e.complete(op, err, true)
				continue
			}
		}

		e.complete(op, nil, true)
	}
}
