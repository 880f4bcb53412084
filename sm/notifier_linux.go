//go:build linux

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

	"golang.org/x/sys/unix"
)

// notifier is the per-queue wake handle exchanged between peers. On Linux
// it is an eventfd, which can travel over the control socket as ancillary
// data and be registered in an epoll set on either side.
type notifier struct {
	fd    int
	owned bool // created locally; adopted descriptors only get closed
}

// newNotifier creates a wake handle owned by the caller. The naming
// parameters are unused on Linux; the FIFO fallback needs them.
func newNotifier(username string, pid int, id, pairIdx uint8, role byte) (*notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", mapErr(err))
	}
	return &notifier{fd: fd, owned: true}, nil
}

// adoptNotifier wraps a descriptor received over the control socket.
func adoptNotifier(fd int) *notifier {
	return &notifier{fd: fd}
}

// signal wakes any peer blocked on the handle. A full counter means the
// peer has not drained yet and the wake is already pending.
func (n *notifier) signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(n.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", mapErr(err))
	}
	return nil
}

// drain consumes a pending wake. It reports whether the handle was
// signaled.
func (n *notifier) drain() (bool, error) {
	var buf [8]byte
	_, err := unix.Read(n.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("eventfd read: %w", mapErr(err))
	}
	return true, nil
}

// close releases the descriptor. Eventfds have no backing file to unlink.
func (n *notifier) close() error {
	if n.fd < 0 {
		return nil
	}
	err := unix.Close(n.fd)
	n.fd = -1
	if err != nil {
		return fmt.Errorf("close notifier: %w", err)
	}
	return nil
}
