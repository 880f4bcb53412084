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

// smtool inspects and maintains the shared-memory endpoint fabric:
//
//	smtool info               list live regions for the current user
//	smtool cleanup            sweep stragglers left by crashed endpoints
//	smtool [-n N -c C] bench  loopback echo benchmark
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/KoyamaSohei/mercury/sm"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] info|cleanup|bench\n", os.Args[0])
		flag.PrintDefaults()
	}
	optionsPath := flag.String("options", "", "YAML options file for bench endpoints")
	verbose := flag.Bool("v", false, "enable debug logging")
	benchMsgs := flag.Int("n", 10000, "bench: messages per sender")
	benchSenders := flag.Int("c", 4, "bench: concurrent senders")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var err error
	switch flag.Arg(0) {
	case "info":
		err = runInfo()
	case "cleanup":
		err = runCleanup()
	case "bench":
		err = runBench(*optionsPath, *benchMsgs, *benchSenders)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logrus.WithError(err).Fatal(flag.Arg(0))
	}
}

func runInfo() error {
	paths, err := sm.ListRegions("")
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Println("no regions")
		return nil
	}
	var total uint64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		total += uint64(info.Size())
		fmt.Printf("%s\t%s\n", path, humanize.IBytes(uint64(info.Size())))
	}
	fmt.Printf("%d regions, %s total\n", len(paths), humanize.IBytes(total))
	return nil
}

func runCleanup() error {
	before, err := sm.ListRegions("")
	if err != nil {
		return err
	}
	var total uint64
	for _, path := range before {
		if info, err := os.Stat(path); err == nil {
			total += uint64(info.Size())
		}
	}
	if err := sm.Cleanup(); err != nil {
		return err
	}
	after, _ := sm.ListRegions("")
	fmt.Printf("removed %d regions, reclaimed %s\n",
		len(before)-len(after), humanize.IBytes(total))
	return nil
}

func runBench(optionsPath string, msgs, senders int) error {
	opts := sm.DefaultOptions()
	if optionsPath != "" {
		loaded, err := sm.LoadOptions(optionsPath)
		if err != nil {
			return err
		}
		opts = loaded
	}
	opts.Listen = true

	e, err := sm.Open(opts)
	if err != nil {
		return err
	}
	defer e.Close()

	self, err := e.Lookup(e.Addr().String())
	if err != nil {
		return err
	}
	defer e.AddrFree(self)

	total := msgs * senders
	var received atomic.Int64
	payload := make([]byte, 64)

	start := time.Now()

	var g errgroup.Group
	for s := 0; s < senders; s++ {
		s := s
		g.Go(func() error {
			op := sm.NewOperation()
			for i := 0; i < msgs; i++ {
				done := make(chan error, 1)
				err := e.SendUnexpected(op, payload, uint32(s), self, func(op *sm.Operation) {
					done <- op.Err()
				})
				if err != nil {
					return err
				}
				if err := <-done; err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		buf := make([]byte, len(payload))
		for received.Load() < int64(total) {
			op := sm.NewOperation()
			done := make(chan error, 1)
			if err := e.RecvUnexpected(op, buf, func(op *sm.Operation) {
				done <- op.Err()
			}); err != nil {
				return err
			}
			for {
				select {
				case err := <-done:
					if err != nil {
						return err
					}
					e.AddrFree(op.Source())
					received.Add(1)
				default:
					if err := e.Progress(100); err != nil && !errors.Is(err, sm.ErrTimeout) {
						return err
					}
					continue
				}
				break
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	rate := float64(total) / elapsed.Seconds()
	fmt.Printf("%s messages in %v (%s msg/s)\n",
		humanize.Comma(int64(total)), elapsed.Round(time.Millisecond),
		humanize.CommafWithDigits(rate, 0))
	return nil
}
