package lockin

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// SimChopperConfig holds the arguments needed to call SimChopperSource.Configure by RPC
type SimChopperConfig struct {
	Amplitude      float64       // volts, peak
	Offset         float64       // volts, added to every sample
	Frequency      float64       // chopper (modulation) frequency, Hz
	PhaseDegrees   float64       // signal phase relative to the modulation-high edge
	NoiseSigma     float64       // standard deviation of additive Gaussian noise, volts
	CycleInterval  time.Duration // time between acquisitions
	PointsPerCycle int
	CycleRate      int  // samples per second
	Realtime       bool // GetDataArray blocks for PointsPerCycle/CycleRate like real hardware
	Seed           uint64
}

// DefaultSimChopperConfig returns a 13 Hz, 1 V chopper sampled the way the
// board is usually set up.
func DefaultSimChopperConfig() SimChopperConfig {
	return SimChopperConfig{
		Amplitude:      1.0,
		Frequency:      13.0,
		CycleInterval:  250 * time.Millisecond,
		PointsPerCycle: 250,
		CycleRate:      1000,
	}
}

// Validate checks that the configuration can drive a SimChopperSource.
func (c SimChopperConfig) Validate() error {
	if !(c.Frequency > 0) {
		return fmt.Errorf("simulated chopper frequency %v: %w", c.Frequency, ErrBadFrequency)
	}
	if c.CycleRate <= 0 {
		return fmt.Errorf("simulated chopper cycle rate %d must be positive", c.CycleRate)
	}
	if c.PointsPerCycle <= 0 {
		return fmt.Errorf("simulated chopper points per cycle %d must be positive", c.PointsPerCycle)
	}
	if c.CycleInterval <= 0 {
		return fmt.Errorf("simulated chopper cycle interval %v must be positive", c.CycleInterval)
	}
	if c.NoiseSigma < 0 {
		return fmt.Errorf("simulated chopper noise sigma %v must not be negative", c.NoiseSigma)
	}
	return nil
}

// SimChopperSource simulates a detector signal modulated by an optical
// chopper, together with the board that digitizes it and counts the
// chopper's pulses. It is a DataSource, a ModulationSource and a
// PulseCounter all at once.
//
// The signal at time t (measured by the clock from the source's epoch) is
// Offset + Amplitude*cos(2*pi*Frequency*t + phase) plus noise. Modulation-high
// edges happen where the chopper phase 2*pi*Frequency*t wraps to zero.
type SimChopperSource struct {
	config SimChopperConfig
	clock  Clock
	epoch  time.Time
	noise  distuv.Normal

	counterCleared time.Time
	edges          edgeNotifier

	running bool
	abort   chan struct{}
	sync.Mutex
}

// NewSimChopperSource creates a configured, stopped SimChopperSource. A nil
// clock means the system clock.
func NewSimChopperSource(config SimChopperConfig, clock Clock) (*SimChopperSource, error) {
	scs := &SimChopperSource{clock: clockOrSystem(clock)}
	scs.epoch = scs.clock.Now()
	scs.counterCleared = scs.epoch
	if err := scs.Configure(config); err != nil {
		return nil, err
	}
	return scs, nil
}

// Configure replaces the simulation parameters. The time epoch is kept, so a
// change of frequency does not restart the signal's phase count.
func (scs *SimChopperSource) Configure(config SimChopperConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	scs.Lock()
	defer scs.Unlock()
	scs.config = config
	seed := config.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	scs.noise = distuv.Normal{Mu: 0, Sigma: config.NoiseSigma, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	return nil
}

// Config returns the current simulation parameters.
func (scs *SimChopperSource) Config() SimChopperConfig {
	scs.Lock()
	defer scs.Unlock()
	return scs.config
}

// Epoch is the instant the simulated signal's time axis starts from.
func (scs *SimChopperSource) Epoch() time.Time {
	return scs.epoch
}

// CycleInterval is the time between acquisitions.
func (scs *SimChopperSource) CycleInterval() time.Duration {
	scs.Lock()
	defer scs.Unlock()
	return scs.config.CycleInterval
}

// PointsPerCycle is the length of each acquisition.
func (scs *SimChopperSource) PointsPerCycle() int {
	scs.Lock()
	defer scs.Unlock()
	return scs.config.PointsPerCycle
}

// CycleRate is the sampling rate in samples per second.
func (scs *SimChopperSource) CycleRate() int {
	scs.Lock()
	defer scs.Unlock()
	return scs.config.CycleRate
}

// GetDataArray synthesizes one acquisition starting at the current clock
// reading. With Realtime set it then blocks for the acquisition's duration,
// returning early with an error if the source is stopped.
func (scs *SimChopperSource) GetDataArray() ([]float64, error) {
	scs.Lock()
	cfg := scs.config
	t0 := scs.clock.Now().Sub(scs.epoch).Seconds()
	data := make([]float64, cfg.PointsPerCycle)
	omega := 2 * math.Pi * cfg.Frequency
	phase := cfg.PhaseDegrees * math.Pi / 180
	for i := range data {
		t := t0 + float64(i)/float64(cfg.CycleRate)
		data[i] = cfg.Offset + cfg.Amplitude*math.Cos(omega*t+phase)
		if cfg.NoiseSigma > 0 {
			data[i] += scs.noise.Rand()
		}
	}
	abort := scs.abort
	scs.Unlock()

	if cfg.Realtime {
		wait := time.Duration(float64(cfg.PointsPerCycle) / float64(cfg.CycleRate) * float64(time.Second))
		if err := sleepUnlessAborted(wait, abort); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// InputFrequency returns the chopper frequency.
func (scs *SimChopperSource) InputFrequency() float64 {
	scs.Lock()
	defer scs.Unlock()
	return scs.config.Frequency
}

// OnModulationHigh registers handler to be called at each modulation-high
// edge while the source is running.
func (scs *SimChopperSource) OnModulationHigh(handler func()) (unsubscribe func()) {
	return scs.edges.subscribe(handler)
}

// NotifyModulationHigh fires one modulation-high edge immediately.
func (scs *SimChopperSource) NotifyModulationHigh() {
	scs.edges.notify()
}

// ReadCounter returns the number of chopper pulses since the last clear.
func (scs *SimChopperSource) ReadCounter() (int64, error) {
	scs.Lock()
	defer scs.Unlock()
	elapsed := scs.clock.Now().Sub(scs.counterCleared).Seconds()
	if elapsed < 0 {
		return 0, nil
	}
	return int64(math.Floor(elapsed * scs.config.Frequency)), nil
}

// ClearCounter zeroes the pulse counter.
func (scs *SimChopperSource) ClearCounter() error {
	scs.Lock()
	defer scs.Unlock()
	scs.counterCleared = scs.clock.Now()
	return nil
}

// Start begins firing modulation-high edges, paced in wall-clock time at
// the instants the chopper phase wraps.
func (scs *SimChopperSource) Start() error {
	scs.Lock()
	defer scs.Unlock()
	if scs.running {
		return fmt.Errorf("simulated chopper: %w", ErrAlreadyRunning)
	}
	scs.running = true
	scs.abort = make(chan struct{})
	go scs.fireEdges(scs.abort)
	return nil
}

// Stop ends the edge events and aborts any real-time acquisition in progress.
func (scs *SimChopperSource) Stop() error {
	scs.Lock()
	defer scs.Unlock()
	if !scs.running {
		return fmt.Errorf("simulated chopper: %w", ErrNotRunning)
	}
	scs.running = false
	closeIfOpen(scs.abort)
	return nil
}

// Running reports whether edges are being fired.
func (scs *SimChopperSource) Running() bool {
	scs.Lock()
	defer scs.Unlock()
	return scs.running
}

// untilNextEdge is the clock time remaining before the next modulation-high
// edge.
func (scs *SimChopperSource) untilNextEdge() time.Duration {
	scs.Lock()
	defer scs.Unlock()
	f := scs.config.Frequency
	phaseCycles := scs.config.PhaseDegrees / 360
	t := scs.clock.Now().Sub(scs.epoch).Seconds()
	// The signal peaks where f*t + phaseCycles is an integer.
	cycles := f*t + phaseCycles
	next := math.Floor(cycles) + 1
	wait := (next - cycles) / f
	return time.Duration(wait * float64(time.Second))
}

func (scs *SimChopperSource) fireEdges(abort <-chan struct{}) {
	for {
		wait := scs.untilNextEdge()
		if wait <= 0 {
			wait = time.Millisecond
		}
		if err := sleepUnlessAborted(wait, abort); err != nil {
			return
		}
		scs.edges.notify()
	}
}

// errAborted is returned by a real-time wait cut short by Stop.
var errAborted = fmt.Errorf("simulated chopper stopped")

func sleepUnlessAborted(d time.Duration, abort <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-abort:
		return errAborted
	case <-timer.C:
		return nil
	}
}
