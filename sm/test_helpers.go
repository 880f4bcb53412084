/*
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
 */

package sm

import (
	"errors"
	"testing"
	"time"
)

// openTestEndpoint opens an endpoint and registers best-effort teardown.
// Tests that exercise Close themselves can ignore the cleanup error.
func openTestEndpoint(t *testing.T, opts *Options) *Endpoint {
	t.Helper()

	e, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		e.Close()
	})
	return e
}

// progressUntil drives progress until cond holds or the deadline passes.
func progressUntil(t *testing.T, e *Endpoint, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		if err := e.Progress(10); err != nil && !errors.Is(err, ErrTimeout) {
			t.Fatalf("Progress failed: %v", err)
		}
	}
}

// lookupSelf resolves the endpoint's own address through the regular
// lookup path, the way a loopback peer would.
func lookupSelf(t *testing.T, e *Endpoint) *Addr {
	t.Helper()

	a, err := e.Lookup(e.Addr().String())
	if err != nil {
		t.Fatalf("Lookup(%s) failed: %v", e.Addr(), err)
	}
	return a
}
