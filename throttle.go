// Copyright (C) The OSCA Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package osca

import "sync"

// throttle bounds the number of concurrent workers and remembers the
// first reported error.
type throttle struct {
	ch  chan bool
	wg  sync.WaitGroup
	mtx sync.Mutex
	err error
}

func newThrottle(max int) *throttle {
	if max < 1 {
		max = 1
	}
	return &throttle{ch: make(chan bool, max)}
}

func (t *throttle) Go(f func() error) {
	t.wg.Add(1)
	t.ch <- true
	go func() {
		defer func() {
			<-t.ch
			t.wg.Done()
		}()
		if err := f(); err != nil {
			t.mtx.Lock()
			if t.err == nil {
				t.err = err
			}
			t.mtx.Unlock()
		}
	}()
}

// Wait blocks until all started workers have finished and returns the
// first error any of them reported.
func (t *throttle) Wait() error {
	t.wg.Wait()
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.err
}
