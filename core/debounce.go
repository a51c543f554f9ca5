package core

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of triggers into one trailing call. Every Trigger
// cancels the pending call and schedules a new one after its own delay.
type debouncer struct {
	mu      sync.Mutex
	fn      func()
	timer   *time.Timer
	seq     uint64
	stopped bool
	running sync.WaitGroup
}

func newDebouncer(fn func()) *debouncer {
	return &debouncer{fn: fn}
}

func (d *debouncer) Trigger(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(delay, func() { d.fire(seq) })
}

func (d *debouncer) fire(seq uint64) {
	d.mu.Lock()
	// A later Trigger superseded this timer after it had already fired.
	if d.stopped || seq != d.seq {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.running.Add(1)
	d.mu.Unlock()
	defer d.running.Done()
	d.fn()
}

func (d *debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop cancels the pending call and waits for a call already running. It
// must not be called from fn.
func (d *debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.running.Wait()
}
