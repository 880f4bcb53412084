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
	"sync"

	"golang.org/x/sys/unix"
)

// pollKind tags a registered descriptor so a fired event can be routed
// without pointer tricks; epoll data carries the descriptor itself.
type pollKind int

const (
	pollSock pollKind = iota + 1
	pollTxNotify
	pollRxNotify
)

// pollEntry records what a registered descriptor belongs to.
type pollEntry struct {
	kind pollKind
	addr *Addr
}

// maxPollEvents bounds how many events one wait call processes; anything
// larger increases latency before retries run.
const maxPollEvents = 16

// pollSet wraps an epoll instance shared by one endpoint.
type pollSet struct {
	epfd int

	mu      sync.Mutex
	entries map[int32]pollEntry
}

func newPollSet() (*pollSet, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", mapErr(err))
	}
	return &pollSet{
		epfd:    epfd,
		entries: make(map[int32]pollEntry),
	}, nil
}

// register adds a descriptor with its routing tag.
func (p *pollSet) register(fd int, kind pollKind, addr *Addr) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add: %w", mapErr(err))
	}
	p.mu.Lock()
	p.entries[int32(fd)] = pollEntry{kind: kind, addr: addr}
	p.mu.Unlock()
	return nil
}

// deregister removes a descriptor.
func (p *pollSet) deregister(fd int) error {
	p.mu.Lock()
	delete(p.entries, int32(fd))
	p.mu.Unlock()
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del: %w", mapErr(err))
	}
	return nil
}

// wait blocks up to timeoutMs and returns the entries for fired events.
// An interrupted wait returns an empty batch.
func (p *pollSet) wait(timeoutMs int, out []pollEntry) (int, error) {
	events := make([]unix.EpollEvent, maxPollEvents)
	n, err := unix.EpollWait(p.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", mapErr(err))
	}
	p.mu.Lock()
	count := 0
	for i := 0; i < n && count < len(out); i++ {
		if entry, ok := p.entries[events[i].Fd]; ok {
			out[count] = entry
			count++
		}
	}
	p.mu.Unlock()
	return count, nil
}

// close releases the epoll descriptor.
func (p *pollSet) close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	if err != nil {
		return fmt.Errorf("close poll set: %w", err)
	}
	return nil
}
