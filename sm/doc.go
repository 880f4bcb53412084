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

// Package sm provides a low-latency shared-memory endpoint for processes
// running on the same host. Peers are identified by process ID and a small
// instance ordinal, exchange tagged messages through lock-free queue pairs
// carved out of a memory-mapped region, and transfer bulk data with the
// kernel's cross-process memory primitives.
//
// A listening endpoint owns one shared region containing a pool of copy
// buffers, an array of queue pairs, and a command queue. Remote peers map
// the region, reserve a queue pair, and announce themselves over a datagram
// domain socket that also carries event file descriptors used to wake a
// blocked peer. Small payloads are copied through the shared buffers; large
// transfers go through a single cross-process read or write.
package sm
