package lockin

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// PulseCounter is a hardware counter that counts modulation pulses, such as
// the edges from an optical chopper's reference output.
type PulseCounter interface {
	ReadCounter() (int64, error)
	ClearCounter() error
}

// DefaultReadPeriod is how often a FrequencyDetector samples its counter.
const DefaultReadPeriod = 1000 * time.Millisecond

// SettleTolerance (Hz) is how closely two successive frequency estimates must
// agree for the frequency to count as settled. A jump larger than this between
// the stored frequency and one period's count forces a resynchronization.
const SettleTolerance = 1.0

// FrequencyDetector periodically reads a PulseCounter and maintains an
// estimate of the modulation frequency. While the estimate is converging
// after a discontinuity, Frequency reports 0.
type FrequencyDetector struct {
	counter PulseCounter
	clock   Clock
	task    *PeriodicTask

	stateLock   sync.Mutex // guards the counting state below
	start       time.Time
	lastCount   int64
	seeded      bool // has any period been measured?
	initialized bool
	closed      bool

	freqLock      sync.Mutex // guards frequency and lastFrequency
	frequency     float64
	lastFrequency float64
}

// NewFrequencyDetector creates a detector on the given counter. A readPeriod
// of zero means DefaultReadPeriod; a nil clock means the system clock.
func NewFrequencyDetector(counter PulseCounter, clock Clock, readPeriod time.Duration) *FrequencyDetector {
	if readPeriod <= 0 {
		readPeriod = DefaultReadPeriod
	}
	fd := &FrequencyDetector{
		counter:       counter,
		clock:         clockOrSystem(clock),
		lastFrequency: -math.MaxFloat64,
	}
	fd.task = NewPeriodicTask("frequency detector", readPeriod, fd.readFrequency)
	return fd
}

// Initialize clears the counter, restarts the averaging epoch, and starts the
// periodic counter reads if they are not already running.
func (fd *FrequencyDetector) Initialize() error {
	if fd.counter == nil {
		return errors.New("frequency detector: no pulse counter")
	}
	fd.stateLock.Lock()
	closed := fd.closed
	fd.stateLock.Unlock()
	if closed {
		return errors.New("frequency detector: already closed")
	}

	if err := fd.reset(); err != nil {
		return err
	}
	fd.stateLock.Lock()
	fd.initialized = true
	fd.stateLock.Unlock()
	if !fd.task.Running() {
		return fd.task.Start()
	}
	return nil
}

// reset clears the hardware counter and restarts the epoch.
func (fd *FrequencyDetector) reset() error {
	if err := fd.counter.ClearCounter(); err != nil {
		return fmt.Errorf("frequency detector: clearing counter: %w", err)
	}
	fd.stateLock.Lock()
	defer fd.stateLock.Unlock()
	fd.start = fd.clock.Now()
	fd.lastCount = 0
	return nil
}

// readFrequency is the periodic callback. One period's count is compared
// with the stored frequency: a difference above SettleTolerance (or the very
// first reading) resynchronizes, otherwise the frequency becomes the
// cumulative count divided by the time since the epoch.
func (fd *FrequencyDetector) readFrequency() error {
	currentCount, err := fd.counter.ReadCounter()
	if err != nil {
		// A failed read counts as zero pulses, which will resynchronize.
		ProblemLogger.Printf("frequency detector: reading counter: %v", err)
		currentCount = 0
	}
	period := fd.task.Interval().Seconds()

	fd.stateLock.Lock()
	periodCount := currentCount - fd.lastCount
	start := fd.start
	seeded := fd.seeded
	fd.stateLock.Unlock()
	periodFrequency := float64(periodCount) / period

	fd.freqLock.Lock()
	stored := fd.frequency
	fd.freqLock.Unlock()

	if !seeded || math.Abs(stored-periodFrequency) > SettleTolerance {
		if err := fd.reset(); err != nil {
			return err
		}
		fd.freqLock.Lock()
		fd.frequency = periodFrequency
		fd.freqLock.Unlock()
		fd.stateLock.Lock()
		fd.seeded = true
		fd.stateLock.Unlock()
		return nil
	}

	elapsed := fd.clock.Now().Sub(start).Seconds()
	fd.freqLock.Lock()
	fd.lastFrequency = fd.frequency
	if elapsed > 0 {
		fd.frequency = float64(currentCount) / elapsed
	}
	fd.freqLock.Unlock()

	fd.stateLock.Lock()
	fd.lastCount = currentCount
	fd.stateLock.Unlock()
	return nil
}

func (fd *FrequencyDetector) checkInitialized() error {
	fd.stateLock.Lock()
	defer fd.stateLock.Unlock()
	if !fd.initialized {
		return fmt.Errorf("frequency detector: %w", ErrNotInitialized)
	}
	return nil
}

// Frequency returns the detected modulation frequency in Hz, or 0 while the
// last two estimates still differ by SettleTolerance or more.
func (fd *FrequencyDetector) Frequency() (float64, error) {
	if err := fd.checkInitialized(); err != nil {
		return 0, err
	}
	fd.freqLock.Lock()
	defer fd.freqLock.Unlock()
	if math.Abs(fd.frequency-fd.lastFrequency) < SettleTolerance {
		return fd.frequency, nil
	}
	return 0, nil
}

// ReadPeriod returns the time between counter reads.
func (fd *FrequencyDetector) ReadPeriod() (time.Duration, error) {
	if err := fd.checkInitialized(); err != nil {
		return 0, err
	}
	return fd.task.Interval(), nil
}

// SetReadPeriod changes the time between counter reads.
func (fd *FrequencyDetector) SetReadPeriod(d time.Duration) error {
	if err := fd.checkInitialized(); err != nil {
		return err
	}
	return fd.task.SetInterval(d)
}

// Close halts the counter reads. A read in progress is not waited for.
// A closed detector cannot be initialized again.
func (fd *FrequencyDetector) Close() error {
	fd.stateLock.Lock()
	fd.closed = true
	fd.stateLock.Unlock()
	if fd.task.Running() {
		return fd.task.Stop()
	}
	return nil
}
