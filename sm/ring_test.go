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
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestRingPushPop(t *testing.T) {
	var q msgRing
	q.init()

	if v, ok := q.pop(); ok {
		t.Fatalf("pop from empty ring returned %d", v)
	}

	if !q.push(42) {
		t.Fatal("push to empty ring failed")
	}
	v, ok := q.pop()
	if !ok || v != 42 {
		t.Fatalf("expected 42, got %d (ok=%v)", v, ok)
	}
	if v, ok := q.pop(); ok {
		t.Fatalf("ring should be empty again, got %d", v)
	}
}

func TestRingFull(t *testing.T) {
	var q msgRing
	q.init()

	for i := uint64(1); i <= numBufs; i++ {
		if !q.push(i) {
			t.Fatalf("push %d failed before capacity", i)
		}
	}
	if q.push(999) {
		t.Fatal("push into full ring should fail")
	}

	if v, ok := q.pop(); !ok || v != 1 {
		t.Fatalf("expected 1 from full ring, got %d", v)
	}
	if !q.push(999) {
		t.Fatal("push after pop should succeed")
	}
}

func TestRingOrdering(t *testing.T) {
	var q msgRing
	q.init()

	for round := 0; round < 10; round++ {
		for i := uint64(1); i <= numBufs/2; i++ {
			if !q.push(i) {
				t.Fatalf("push %d failed", i)
			}
		}
		for i := uint64(1); i <= numBufs/2; i++ {
			v, ok := q.pop()
			if !ok || v != i {
				t.Fatalf("round %d: expected %d, got %d (ok=%v)", round, i, v, ok)
			}
		}
	}
}

// TestRingConcurrentPushPop checks linearizability: after N successful
// concurrent pushes and a full drain, the consumer saw exactly N non-zero
// values.
func TestRingConcurrentPushPop(t *testing.T) {
	var q cmdRing
	q.init()

	const producers = 8
	const perProducer = cmdQueueSize / producers

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				v := uint64(p*perProducer+i) + 1
				for !q.push(v) {
				}
			}
			return nil
		})
	}

	popped := make(chan uint64, cmdQueueSize)
	var cg errgroup.Group
	for c := 0; c < 4; c++ {
		cg.Go(func() error {
			for {
				v, ok := q.pop()
				if !ok {
					return nil
				}
				popped <- v
			}
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	// Producers are done; drain whatever the concurrent consumers left.
	for {
		v, ok := q.pop()
		if !ok {
			break
		}
		popped <- v
	}
	if err := cg.Wait(); err != nil {
		t.Fatal(err)
	}
	close(popped)

	seen := make(map[uint64]bool)
	for v := range popped {
		if v == 0 {
			t.Fatal("popped zero value")
		}
		if seen[v] {
			t.Fatalf("value %d popped twice", v)
		}
		seen[v] = true
	}
	if len(seen) != cmdQueueSize {
		t.Fatalf("expected %d values, got %d", cmdQueueSize, len(seen))
	}
}
