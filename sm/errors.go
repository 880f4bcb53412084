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

	"golang.org/x/sys/unix"
)

// Errors returned by endpoint operations. Transient back-pressure on
// address resolution or copy-buffer reservation stays internal; posted
// operations park on the retry queue instead of failing. A full message
// ring after a successful resolve is reported to the caller as ErrAgain.
var (
	ErrPermission     = errors.New("sm: permission denied")
	ErrNoEntry        = errors.New("sm: no such entry")
	ErrInterrupt      = errors.New("sm: interrupted")
	ErrAgain          = errors.New("sm: resource temporarily unavailable")
	ErrNoMem          = errors.New("sm: cannot allocate memory")
	ErrAccess         = errors.New("sm: access denied")
	ErrInvalidArg     = errors.New("sm: invalid argument")
	ErrFault          = errors.New("sm: bad address")
	ErrBusy           = errors.New("sm: resource busy")
	ErrExist          = errors.New("sm: entry already exists")
	ErrNoDevice       = errors.New("sm: no such device")
	ErrOverflow       = errors.New("sm: value too large")
	ErrMsgSize        = errors.New("sm: message too long")
	ErrProtoNoSupport = errors.New("sm: protocol not supported")
	ErrOpNotSupported = errors.New("sm: operation not supported")
	ErrAddrInUse      = errors.New("sm: address already in use")
	ErrAddrNotAvail   = errors.New("sm: address not available")
	ErrTimeout        = errors.New("sm: timeout")
	ErrCanceled       = errors.New("sm: operation canceled")
	ErrProtocol       = errors.New("sm: protocol error")
)

// mapErr converts a syscall error into the package taxonomy, passing
// through anything that is not an errno.
func mapErr(err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return mapErrno(errno)
	}
	return err
}

// mapErrno converts a kernel errno into the matching package error.
func mapErrno(errno unix.Errno) error {
	switch errno {
	case unix.EPERM:
		return ErrPermission
	case unix.ENOENT:
		return ErrNoEntry
	case unix.EINTR:
		return ErrInterrupt
	case unix.EAGAIN:
		return ErrAgain
	case unix.ENOMEM:
		return ErrNoMem
	case unix.EACCES:
		return ErrAccess
	case unix.EINVAL:
		return ErrInvalidArg
	case unix.EFAULT:
		return ErrFault
	case unix.EBUSY:
		return ErrBusy
	case unix.EEXIST:
		return ErrExist
	case unix.ENODEV:
		return ErrNoDevice
	case unix.EOVERFLOW:
		return ErrOverflow
	case unix.EMSGSIZE:
		return ErrMsgSize
	case unix.EPROTONOSUPPORT:
		return ErrProtoNoSupport
	case unix.EOPNOTSUPP:
		return ErrOpNotSupported
	case unix.EADDRINUSE:
		return ErrAddrInUse
	case unix.EADDRNOTAVAIL:
		return ErrAddrNotAvail
	case unix.ETIMEDOUT:
		return ErrTimeout
	case unix.ECANCELED:
		return ErrCanceled
	default:
		return ErrProtocol
	}
}
