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
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// RMA on Linux is a single cross-memory-attach syscall: the translated
// local and remote windows go to process_vm_writev (put) or
// process_vm_readv (get). The transfer is synchronous in the initiator.

const ptraceHint = "cross-memory attach denied; relax the Yama policy with " +
	"'sysctl kernel.yama.ptrace_scope=0' or call " +
	"prctl(PR_SET_PTRACER, PR_SET_PTRACER_ANY) in the target"

// ptraceScopeRestricted reports whether the Yama ptrace policy is likely
// the cause of an EPERM from cross-memory attach.
func ptraceScopeRestricted() bool {
	data, err := os.ReadFile("/proc/sys/kernel/yama/ptrace_scope")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) != "0"
}

func localIovecs(segs []Segment) []unix.Iovec {
	iovs := make([]unix.Iovec, len(segs))
	for i, s := range segs {
		iovs[i].Base = (*byte)(unsafe.Pointer(s.Base))
		iovs[i].SetLen(int(s.Len))
	}
	return iovs
}

// Remote addresses live in the peer's address space and stay integers.
func remoteIovecs(segs []Segment) []unix.RemoteIovec {
	iovs := make([]unix.RemoteIovec, len(segs))
	for i, s := range segs {
		iovs[i] = unix.RemoteIovec{Base: s.Base, Len: int(s.Len)}
	}
	return iovs
}

// rmaTransfer performs one put or get of length bytes between the local
// and remote windows against the peer process pid.
func rmaTransfer(kind OpKind, pid int, local *MemHandle, localOffset uint64,
	remote *MemHandle, remoteOffset uint64, length uint64) error {

	switch kind {
	case OpPut:
		if remote.flags&AccessWrite == 0 {
			return fmt.Errorf("remote handle is not writable: %w", ErrPermission)
		}
	case OpGet:
		if remote.flags&AccessRead == 0 {
			return fmt.Errorf("remote handle is not readable: %w", ErrPermission)
		}
	default:
		return fmt.Errorf("rma kind %d: %w", kind, ErrInvalidArg)
	}

	var localScratch, remoteScratch [maxIovStatic]Segment
	localSegs, err := translateWindow(local, localOffset, length, &localScratch)
	if err != nil {
		return err
	}
	remoteSegs, err := translateWindow(remote, remoteOffset, length, &remoteScratch)
	if err != nil {
		return err
	}

	localIov := localIovecs(localSegs)
	remoteIov := remoteIovecs(remoteSegs)

	var n int
	var terr error
	if kind == OpPut {
		n, terr = unix.ProcessVMWritev(pid, localIov, remoteIov, 0)
	} else {
		n, terr = unix.ProcessVMReadv(pid, localIov, remoteIov, 0)
	}
	if terr != nil {
		if terr == unix.EPERM && ptraceScopeRestricted() {
			return fmt.Errorf("%s: %w", ptraceHint, ErrPermission)
		}
		return fmt.Errorf("cross-memory transfer: %w", mapErr(terr))
	}
	if uint64(n) != length {
		return fmt.Errorf("short transfer, %d of %d bytes: %w", n, length, ErrMsgSize)
	}
	return nil
}
