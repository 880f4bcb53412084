//go:build !linux

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

	"golang.org/x/sys/unix"
)

// Without eventfd the wake handle is a named pipe. Kqueue descriptors
// cannot be exchanged through ancillary data, so the FIFO lives on the
// file system where both sides can open it; the descriptor passed over the
// control socket still works for the common case.
type notifier struct {
	fd    int
	owned bool
	path  string
}

// fifoPath generates the backing path for the wake handle of one ring.
func fifoPath(username string, pid int, id, pairIdx uint8, role byte) string {
	return fmt.Sprintf("%s/fifo-%d-%c", sockDir(username, pid, id), pairIdx, role)
}

// newNotifier creates a FIFO-backed wake handle owned by the caller.
func newNotifier(username string, pid int, id, pairIdx uint8, role byte) (*notifier, error) {
	path := fifoPath(username, pid, id, pairIdx, role)
	if err := os.MkdirAll(sockDir(username, pid, id), 0700); err != nil {
		return nil, fmt.Errorf("mkdir fifo dir: %w", err)
	}
	if err := unix.Mkfifo(path, 0600); err != nil && err != unix.EEXIST {
		return nil, fmt.Errorf("mkfifo %s: %w", path, mapErr(err))
	}
	// RDWR so that open does not block waiting for the other end.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("open fifo %s: %w", path, mapErr(err))
	}
	return &notifier{fd: fd, owned: true, path: path}, nil
}

// adoptNotifier wraps a descriptor received over the control socket.
func adoptNotifier(fd int) *notifier {
	return &notifier{fd: fd}
}

// signal wakes any peer blocked on the handle.
func (n *notifier) signal() error {
	buf := [1]byte{1}
	_, err := unix.Write(n.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("fifo write: %w", mapErr(err))
	}
	return nil
}

// drain consumes pending wakes. It reports whether the handle was
// signaled.
func (n *notifier) drain() (bool, error) {
	var buf [16]byte
	nr, err := unix.Read(n.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("fifo read: %w", mapErr(err))
	}
	return nr > 0, nil
}

// close releases the descriptor and unlinks the FIFO when owning it.
func (n *notifier) close() error {
	if n.fd < 0 {
		return nil
	}
	err := unix.Close(n.fd)
	n.fd = -1
	if n.owned && n.path != "" {
		os.Remove(n.path)
	}
	if err != nil {
		return fmt.Errorf("close notifier: %w", err)
	}
	return nil
}
