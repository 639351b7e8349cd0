package lockin

import (
	"sync"
	"time"
)

// DataSource is the interface for hardware or simulated sources of the
// modulated analog signal. GetDataArray blocks for as long as the acquisition
// takes and returns exactly PointsPerCycle samples taken at CycleRate.
type DataSource interface {
	CycleInterval() time.Duration // time between acquisition cycles
	PointsPerCycle() int
	CycleRate() int // samples per second
	GetDataArray() ([]float64, error)
}

// ModulationSource is the interface for whatever knows the modulation
// (chopping) frequency. InputFrequency returns 0 while the frequency is
// unknown. Handlers registered with OnModulationHigh are called at each
// rising edge of the modulation, from the source's own goroutine; calling
// the returned function unregisters the handler.
type ModulationSource interface {
	InputFrequency() float64
	OnModulationHigh(handler func()) (unsubscribe func())
}

// edgeNotifier keeps the handlers registered for modulation-high edges.
type edgeNotifier struct {
	handlers map[int]func()
	nextID   int
	sync.Mutex
}

// subscribe registers h and returns a function that unregisters it.
func (en *edgeNotifier) subscribe(h func()) func() {
	en.Lock()
	defer en.Unlock()
	if en.handlers == nil {
		en.handlers = make(map[int]func())
	}
	id := en.nextID
	en.nextID++
	en.handlers[id] = h
	return func() {
		en.Lock()
		defer en.Unlock()
		delete(en.handlers, id)
	}
}

// notify calls every registered handler. Handlers run without the lock held,
// so they may unsubscribe themselves.
func (en *edgeNotifier) notify() {
	en.Lock()
	handlers := make([]func(), 0, len(en.handlers))
	for _, h := range en.handlers {
		handlers = append(handlers, h)
	}
	en.Unlock()
	for _, h := range handlers {
		h()
	}
}

// count returns the number of registered handlers.
func (en *edgeNotifier) count() int {
	en.Lock()
	defer en.Unlock()
	return len(en.handlers)
}
