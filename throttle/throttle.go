// Copyright (C) The kwip Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package throttle runs goroutines with bounded concurrency and
// remembers the first error.
package throttle

import (
	"sync"
	"sync/atomic"
)

type Throttle struct {
	Max       int
	wg        sync.WaitGroup
	ch        chan bool
	err       atomic.Value
	setupOnce sync.Once
	errorOnce sync.Once
}

func (t *Throttle) Acquire() {
	t.setupOnce.Do(func() {
		if t.Max < 1 {
			t.Max = 1
		}
		t.ch = make(chan bool, t.Max)
	})
	t.wg.Add(1)
	t.ch <- true
}

func (t *Throttle) Release() {
	t.wg.Done()
	<-t.ch
}

func (t *Throttle) Report(err error) {
	if err != nil {
		t.errorOnce.Do(func() { t.err.Store(err) })
	}
}

func (t *Throttle) Err() error {
	err, _ := t.err.Load().(error)
	return err
}

func (t *Throttle) Wait() error {
	t.wg.Wait()
	return t.Err()
}

// Go waits for a free slot, then calls f in a new goroutine. If an
// earlier call has already failed, f is skipped.
func (t *Throttle) Go(f func() error) {
	t.Acquire()
	if t.Err() != nil {
		t.Release()
		return
	}
	go func() {
		defer t.Release()
		t.Report(f())
	}()
}
