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
	"path/filepath"

	"golang.org/x/sys/unix"
)

// The control channel is one unbound (or bound, when listening) datagram
// domain socket per endpoint. Each datagram carries exactly one command
// header and, when wiring up a peer, the two wake descriptors as ancillary
// data.

const sockName = "sock"

// sockDir returns the per-endpoint directory under the per-user tree.
func sockDir(username string, pid int, id uint8) string {
	return filepath.Join(os.TempDir(),
		fmt.Sprintf("%s_%s", shmPrefix, username),
		fmt.Sprintf("%d", pid),
		fmt.Sprintf("%d", id))
}

// sockPath returns the bound socket path for the endpoint (pid, id).
func sockPath(username string, pid int, id uint8) string {
	return filepath.Join(sockDir(username, pid, id), sockName)
}

// openSock creates the non-blocking control socket. Listening endpoints
// bind it under the per-user tree, creating the directories on demand.
func openSock(username string, pid int, id uint8, listen bool) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX,
		unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", mapErr(err))
	}

	if listen {
		dir := sockDir(username, pid, id)
		if err := os.MkdirAll(dir, 0700); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("mkdir %s: %w", dir, err)
		}
		path := filepath.Join(dir, sockName)
		// A stale socket from a crashed owner would fail the bind.
		os.Remove(path)
		if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("bind %s: %w", path, mapErr(err))
		}
	}

	return fd, nil
}

// closeSock closes the control socket and prunes the per-endpoint
// directory tree when it was bound.
func closeSock(fd int, username string, pid int, id uint8, listen bool) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close sock: %w", mapErr(err))
	}
	if listen {
		dir := sockDir(username, pid, id)
		os.Remove(filepath.Join(dir, sockName))
		// Remove as much of the tree as is now empty.
		os.Remove(dir)
		os.Remove(filepath.Dir(dir))
		os.Remove(filepath.Dir(filepath.Dir(dir)))
	}
	return nil
}

// sockSend delivers one command header to the peer's bound socket,
// passing txNotify and rxNotify along when both are valid. ETOOMANYREFS
// means the kernel is flooded with in-flight descriptor passes and maps to
// ErrAgain so the caller retries later.
func sockSend(fd int, username string, pid int, id uint8, hdr cmdHdr, txNotify, rxNotify int, silent bool) error {
	var buf [cmdHdrSize]byte
	encodeCmdHdr(&buf, hdr)

	var oob []byte
	if txNotify > 0 && rxNotify > 0 {
		oob = unix.UnixRights(txNotify, rxNotify)
	}

	to := &unix.SockaddrUnix{Name: sockPath(username, pid, id)}
	err := unix.Sendmsg(fd, buf[:], oob, to, 0)
	if err != nil {
		if silent {
			return nil
		}
		if err == unix.EAGAIN || err == unix.ETOOMANYREFS {
			return ErrAgain
		}
		return fmt.Errorf("sendmsg: %w", mapErr(err))
	}
	return nil
}

// sockRecv receives one command header plus any passed descriptors. It
// reports received=false when nothing is pending. Returned descriptors are
// new entries in this process's descriptor table.
func sockRecv(fd int) (hdr cmdHdr, txNotify, rxNotify int, received bool, err error) {
	txNotify, rxNotify = -1, -1

	var buf [cmdHdrSize]byte
	oob := make([]byte, unix.CmsgSpace(8))
	n, oobn, _, _, rerr := unix.Recvmsg(fd, buf[:], oob, 0)
	if rerr != nil {
		if rerr == unix.EAGAIN {
			return hdr, txNotify, rxNotify, false, nil
		}
		return hdr, txNotify, rxNotify, false, fmt.Errorf("recvmsg: %w", mapErr(rerr))
	}

	decoded, ok := decodeCmdHdr(buf[:n])
	if !ok {
		return hdr, txNotify, rxNotify, false, fmt.Errorf("short command: %w", ErrProtocol)
	}
	hdr = decoded

	if oobn > 0 {
		cmsgs, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr != nil {
			return hdr, txNotify, rxNotify, false, fmt.Errorf("parse control message: %w", perr)
		}
		for _, cmsg := range cmsgs {
			fds, perr := unix.ParseUnixRights(&cmsg)
			if perr != nil {
				return hdr, txNotify, rxNotify, false, fmt.Errorf("parse unix rights: %w", perr)
			}
			if len(fds) == 2 {
				txNotify, rxNotify = fds[0], fds[1]
			}
		}
	}

	return hdr, txNotify, rxNotify, true, nil
}
