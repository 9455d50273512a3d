// Package debounce provides a trailing-edge debouncer whose scheduled run
// can be cancelled.
package debounce

import (
	"sync"
	"time"
)

// Debouncer runs fn once the delay has elapsed without a new Trigger call.
// At most one run is in flight; a timer that fires during a run queues
// exactly one follow-up run instead of overlapping it.
type Debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	idle    *sync.Cond
	timer   *time.Timer
	gen     uint64
	running bool
	rerun   bool
	stopped bool
}

func New(delay time.Duration, fn func()) *Debouncer {
	d := &Debouncer{delay: delay, fn: fn}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Trigger (re)arms the timer. Each call pushes the run back by the full delay.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen {
		// superseded or cancelled after the timer already fired
		d.mu.Unlock()
		return
	}
	d.timer = nil
	if d.running {
		d.rerun = true
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	d.run()
}

func (d *Debouncer) run() {
	for {
		d.fn()

		d.mu.Lock()
		if d.rerun && !d.stopped {
			d.rerun = false
			d.mu.Unlock()
			continue
		}
		d.rerun = false
		d.running = false
		d.idle.Broadcast()
		d.mu.Unlock()
		return
	}
}

// Cancel drops the scheduled run, if any. A run already in progress is
// allowed to finish but will not be followed by a queued one.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.rerun = false
}

// Pending reports whether a run is scheduled but has not started.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil || d.rerun
}

// Stop cancels any scheduled run and ignores further triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.cancelLocked()
}

// Wait blocks until no run is in progress.
func (d *Debouncer) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.running {
		d.idle.Wait()
	}
}
