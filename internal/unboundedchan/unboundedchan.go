// Package unboundedchan provides a FIFO whose sender never blocks for long:
// values sent on In are queued without limit and delivered in order on Out.
// The lock-in amplifier uses it so that publishing a cycle result never waits
// on a slow recorder or network publisher.
package unboundedchan

// UnboundedChannel is an unbounded queue entered and drained via channels.
// Keep T small (a value type of a few words, or a pointer).
type UnboundedChannel[T any] struct {
	in    chan T
	out   chan T
	queue []T
}

// NewUnboundedChannel creates an UnboundedChannel and starts its mover goroutine.
func NewUnboundedChannel[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.run()
	return uc
}

func (uc *UnboundedChannel[T]) run() {
	defer close(uc.out)
	in := uc.in
	for in != nil || len(uc.queue) > 0 {
		if len(uc.queue) == 0 {
			val, ok := <-in
			if !ok {
				return
			}
			uc.queue = append(uc.queue, val)
			continue
		}
		select {
		case uc.out <- uc.queue[0]:
			var zero T
			uc.queue[0] = zero
			uc.queue = uc.queue[1:]
		case val, ok := <-in:
			if !ok {
				// Deliver what is queued, then close Out.
				in = nil
				continue
			}
			uc.queue = append(uc.queue, val)
		}
	}
}

// In returns the channel for sending values. Close it (or call Close) when
// done; everything already sent is still delivered.
func (uc *UnboundedChannel[T]) In() chan<- T {
	return uc.in
}

// Out returns the channel for receiving values. It is closed after In is
// closed and the queue has drained.
func (uc *UnboundedChannel[T]) Out() <-chan T {
	return uc.out
}

// Close closes the input side. It must be called at most once, and not
// concurrently with a send.
func (uc *UnboundedChannel[T]) Close() {
	close(uc.in)
}
