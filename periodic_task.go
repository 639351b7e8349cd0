package lockin

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// PeriodicTask calls a function over and over, waiting interval between the
// end of one call and the start of the next. Calls never overlap: a slow call
// delays the next one rather than running concurrently with it, so the
// real-world period drifts whenever the callback overruns.
type PeriodicTask struct {
	name     string
	callback func() error

	interval time.Duration
	running  bool
	abort    chan struct{} // closed to ask the loop to quit
	done     chan struct{} // closed when the loop has quit
	fires    int
	failures int
	sync.Mutex
}

// NewPeriodicTask creates a stopped task. The name appears in log messages.
func NewPeriodicTask(name string, interval time.Duration, callback func() error) *PeriodicTask {
	return &PeriodicTask{name: name, interval: interval, callback: callback}
}

// Start launches the task; the first call happens one interval from now.
func (pt *PeriodicTask) Start() error {
	pt.Lock()
	defer pt.Unlock()
	if pt.running {
		return fmt.Errorf("periodic task %s: %w", pt.name, ErrAlreadyRunning)
	}
	if pt.interval <= 0 {
		return fmt.Errorf("periodic task %s: interval %v must be positive", pt.name, pt.interval)
	}
	// A loop stopped with a call still in flight may not have exited yet.
	// The new loop waits for it, so calls never overlap across a restart.
	prev := pt.done
	pt.running = true
	pt.abort = make(chan struct{})
	pt.done = make(chan struct{})
	go pt.run(prev, pt.abort, pt.done)
	return nil
}

// Finished reports whether no loop is running or waiting to run, including
// one that was stopped with a call still in flight.
func (pt *PeriodicTask) Finished() bool {
	pt.Lock()
	done := pt.done
	pt.Unlock()
	if done == nil {
		return true
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Stop prevents any future calls. A call already in flight runs to
// completion; Stop does not wait for it (use Wait for that).
func (pt *PeriodicTask) Stop() error {
	pt.Lock()
	defer pt.Unlock()
	if !pt.running {
		return fmt.Errorf("periodic task %s: %w", pt.name, ErrNotRunning)
	}
	pt.running = false
	closeIfOpen(pt.abort)
	return nil
}

// Wait blocks until the most recently started loop has exited. Loops exit in
// the order they were started, so this also waits for any earlier one.
func (pt *PeriodicTask) Wait() {
	pt.Lock()
	done := pt.done
	pt.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the task is scheduled to fire.
func (pt *PeriodicTask) Running() bool {
	pt.Lock()
	defer pt.Unlock()
	return pt.running
}

// Interval returns the wait between calls.
func (pt *PeriodicTask) Interval() time.Duration {
	pt.Lock()
	defer pt.Unlock()
	return pt.interval
}

// SetInterval changes the wait between calls, effective after the next call.
func (pt *PeriodicTask) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("periodic task %s: interval %v must be positive", pt.name, d)
	}
	pt.Lock()
	defer pt.Unlock()
	pt.interval = d
	return nil
}

// Counts returns how many calls were made and how many of them failed.
func (pt *PeriodicTask) Counts() (fires, failures int) {
	pt.Lock()
	defer pt.Unlock()
	return pt.fires, pt.failures
}

func (pt *PeriodicTask) run(prev <-chan struct{}, abort <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if prev != nil {
		<-prev
	}
	timer := time.NewTimer(pt.Interval())
	defer timer.Stop()
	for {
		select {
		case <-abort:
			return
		case <-timer.C:
		}
		// Stop may have raced with the timer.
		select {
		case <-abort:
			return
		default:
		}
		pt.fire()
		timer.Reset(pt.Interval())
	}
}

// fire makes one call. Errors and panics are logged and counted, and the task
// keeps running: one bad acquisition must not end the loop.
func (pt *PeriodicTask) fire() {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return pt.callback()
	}()

	pt.Lock()
	pt.fires++
	if err != nil {
		pt.failures++
	}
	pt.Unlock()
	if err != nil {
		ProblemLogger.Printf("periodic task %s: call skipped: %v", pt.name, err)
	}
}

// closeIfOpen closes c unless it is already closed.
func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		log.Println("warning: tried to close a channel twice")
	default:
		close(c)
	}
}
