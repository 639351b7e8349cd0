package lockin

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rdh2/lockin/internal/unboundedchan"
	"gonum.org/v1/gonum/floats"
)

// Mode selects how the Amplifier demodulates.
type Mode int

// Names for the possible values of Mode
const (
	Quadrature      Mode = iota // cos and sin references, magnitude of the (I,Q) vector
	SingleReference             // one cosine reference at a configured phase
)

func (m Mode) String() string {
	switch m {
	case Quadrature:
		return "quadrature"
	case SingleReference:
		return "single"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts "quadrature" or "single" to a Mode. The empty string
// means Quadrature.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "quadrature", "iq":
		return Quadrature, nil
	case "single", "single-reference", "singlereference":
		return SingleReference, nil
	}
	return Quadrature, fmt.Errorf("lock-in mode %q is not recognized", name)
}

// AmplifierConfig holds the demodulation settings of an Amplifier.
type AmplifierConfig struct {
	Mode   Mode
	Filter FilterPolicy

	Phase             float64 // single-reference phase, radians
	InPhaseDegrees    float64 // quadrature in-phase reference phase
	QuadratureDegrees float64 // quadrature reference phase; 0 together with InPhaseDegrees==0 means 90
	Headroom          float64 // corner multiplier for the legacy RC filter; 0 means LegacyHeadroom

	Clock Clock // nil means the system clock
}

// resolvedFilter returns the filter policy, replacing FilterAuto with the
// mode's customary filter.
func (c AmplifierConfig) resolvedFilter() FilterPolicy {
	if c.Filter != FilterAuto {
		return c.Filter
	}
	if c.Mode == SingleReference {
		return FilterRCLegacy
	}
	return FilterRC
}

// CycleResult is what one acquisition/demodulation cycle produced.
type CycleResult struct {
	Cycle      int
	Time       time.Time
	Frequency  float64 // modulation frequency used, Hz
	InPhase    float64 // averaged in-phase (or single-reference) component
	Quadrature float64 // averaged quadrature component; 0 in single-reference mode
	Magnitude  float64 // the published signal value
}

// AmplifierStatus is a snapshot of an Amplifier for reporting to clients.
type AmplifierStatus struct {
	Running        bool
	Mode           string
	Filter         string
	CycleInterval  time.Duration
	PointsPerCycle int
	CycleRate      int
	Cycles         int
	FailedCycles   int
	PhaseSynced    bool
	SignalVoltage  float64
	InputFrequency float64
}

// Amplifier is a software lock-in amplifier. Once started, it runs one
// cycle per DataSource.CycleInterval: generate references, acquire one array
// of samples, mix them with twice the references, smooth, reduce to a scalar,
// and publish that scalar as the SignalVoltage.
type Amplifier struct {
	data   DataSource
	mod    ModulationSource
	config AmplifierConfig
	clock  Clock

	refGen *ReferenceGenerator
	task   *PeriodicTask

	// Used only from the cycle callback, which never overlaps itself.
	filters       [2]Filter
	filterRate    float64
	filterCorner  float64
	filterCreated bool

	stateLock   sync.Mutex // guards everything from here to valueLock
	started     bool       // has Start ever succeeded?
	running     bool
	closed      bool
	cycles      int
	subscribers map[<-chan CycleResult]*unboundedchan.UnboundedChannel[CycleResult]
	unsubscribe func() // drops the modulation-high handler
	synced      bool

	valueLock    sync.RWMutex // guards currentValue and lastResult
	currentValue float64
	lastResult   CycleResult
}

// NewAmplifier creates an Amplifier reading samples from data and the
// modulation frequency from mod. Both are required; a nil pointer wrapped in
// either interface counts as missing.
func NewAmplifier(data DataSource, mod ModulationSource, config AmplifierConfig) (*Amplifier, error) {
	if isNilInterface(data) {
		return nil, ErrNoDataSource
	}
	if isNilInterface(mod) {
		return nil, ErrNoModulationSource
	}
	if config.Mode == Quadrature && config.InPhaseDegrees == 0 && config.QuadratureDegrees == 0 {
		config.QuadratureDegrees = 90
	}
	a := &Amplifier{
		data:        data,
		mod:         mod,
		config:      config,
		clock:       clockOrSystem(config.Clock),
		subscribers: make(map[<-chan CycleResult]*unboundedchan.UnboundedChannel[CycleResult]),
	}
	return a, nil
}

// Start initializes the reference generator, registers for the one-shot
// phase synchronization on the next modulation-high edge, and starts the
// periodic acquisition cycle.
//
// If the amplifier was stopped with a cycle still in flight, Start waits for
// that cycle to finish before resetting the reference and filters.
func (a *Amplifier) Start() error {
	a.stateLock.Lock()
	for {
		if a.closed {
			a.stateLock.Unlock()
			return fmt.Errorf("lock-in amplifier is closed")
		}
		if a.running {
			a.stateLock.Unlock()
			return fmt.Errorf("lock-in amplifier: %w", ErrAlreadyRunning)
		}
		prev := a.task
		if prev == nil || prev.Finished() {
			break
		}
		// The cycle in flight needs stateLock to publish.
		a.stateLock.Unlock()
		prev.Wait()
		a.stateLock.Lock()
	}
	defer a.stateLock.Unlock()
	rate := a.data.CycleRate()
	if rate <= 0 {
		return fmt.Errorf("lock-in amplifier: data source cycle rate %d: %w", rate, ErrBadFrequency)
	}
	if n := a.data.PointsPerCycle(); n <= 0 {
		return fmt.Errorf("lock-in amplifier: data source points per cycle is %d, want > 0", n)
	}
	interval := a.data.CycleInterval()
	if interval <= 0 {
		return fmt.Errorf("lock-in amplifier: data source cycle interval %v, want > 0", interval)
	}

	a.refGen = NewReferenceGenerator(float64(rate), a.clock)
	a.refGen.Initialize()
	a.filterCreated = false

	// Subscribe exactly once per amplifier lifetime.
	if !a.started {
		unsub := a.mod.OnModulationHigh(a.handleModulationHigh)
		if a.synced {
			// The edge fired before we could record unsub.
			unsub()
		} else {
			a.unsubscribe = unsub
		}
	}

	a.task = NewPeriodicTask("lock-in amplifier", interval, a.processValue)
	if err := a.task.Start(); err != nil {
		return err
	}
	a.started = true
	a.running = true
	UpdateLogger.Printf("lock-in amplifier started: mode=%v filter=%v interval=%v points=%d rate=%d Hz",
		a.config.Mode, a.config.resolvedFilter(), interval, a.data.PointsPerCycle(), rate)
	return nil
}

// handleModulationHigh aligns the reference phase with the first
// modulation-high edge, then drops the subscription.
func (a *Amplifier) handleModulationHigh() {
	a.stateLock.Lock()
	if a.synced {
		a.stateLock.Unlock()
		return
	}
	a.synced = true
	refGen := a.refGen
	unsub := a.unsubscribe
	a.unsubscribe = nil
	a.stateLock.Unlock()

	if refGen != nil {
		refGen.Initialize()
	}
	if unsub != nil {
		unsub()
	}
}

// Stop halts the periodic cycle. A cycle in flight is not interrupted and
// Stop does not wait for it; its result may still be published.
func (a *Amplifier) Stop() error {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	if !a.running {
		return fmt.Errorf("lock-in amplifier: %w", ErrNotRunning)
	}
	a.running = false
	UpdateLogger.Printf("lock-in amplifier stopped after %d cycles", a.cycles)
	return a.task.Stop()
}

// Wait blocks until the periodic cycle loop has exited (after Stop), including
// any cycle that was in flight.
func (a *Amplifier) Wait() {
	a.stateLock.Lock()
	task := a.task
	a.stateLock.Unlock()
	if task != nil {
		task.Wait()
	}
}

// Close stops the amplifier if needed, drops the modulation subscription and
// closes all subscriber channels. A closed Amplifier cannot be restarted.
func (a *Amplifier) Close() error {
	a.stateLock.Lock()
	if a.closed {
		a.stateLock.Unlock()
		return nil
	}
	running := a.running
	a.stateLock.Unlock()
	if running {
		if err := a.Stop(); err != nil {
			return err
		}
	}

	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	a.closed = true
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	for out, uc := range a.subscribers {
		uc.Close()
		delete(a.subscribers, out)
	}
	return nil
}

// Running reports whether the periodic cycle is active.
func (a *Amplifier) Running() bool {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	return a.running
}

// SignalVoltage returns the most recently published signal value, or 0 if no
// cycle has completed yet. It is safe to call at any time from any goroutine.
func (a *Amplifier) SignalVoltage() float64 {
	a.valueLock.RLock()
	defer a.valueLock.RUnlock()
	return a.currentValue
}

// LastResult returns the most recently published cycle result.
func (a *Amplifier) LastResult() CycleResult {
	a.valueLock.RLock()
	defer a.valueLock.RUnlock()
	return a.lastResult
}

// InputFrequency returns the modulation frequency from the ModulationSource.
// It is an error to call it before the amplifier has been started.
func (a *Amplifier) InputFrequency() (float64, error) {
	a.stateLock.Lock()
	started := a.started
	a.stateLock.Unlock()
	if !started {
		return 0, fmt.Errorf("lock-in amplifier: %w", ErrNotInitialized)
	}
	return a.mod.InputFrequency(), nil
}

// Status returns a snapshot of the amplifier's state.
func (a *Amplifier) Status() AmplifierStatus {
	a.stateLock.Lock()
	status := AmplifierStatus{
		Running:        a.running,
		Mode:           a.config.Mode.String(),
		Filter:         a.config.resolvedFilter().String(),
		CycleInterval:  a.data.CycleInterval(),
		PointsPerCycle: a.data.PointsPerCycle(),
		CycleRate:      a.data.CycleRate(),
		Cycles:         a.cycles,
		PhaseSynced:    a.synced,
	}
	if a.task != nil {
		_, status.FailedCycles = a.task.Counts()
	}
	started := a.started
	a.stateLock.Unlock()

	status.SignalVoltage = a.SignalVoltage()
	if started {
		status.InputFrequency = a.mod.InputFrequency()
	}
	return status
}

// Subscribe returns a channel that receives every CycleResult published from
// now on. Results queue without limit until read; the channel is closed by
// Unsubscribe or Close.
func (a *Amplifier) Subscribe() <-chan CycleResult {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	uc := unboundedchan.NewUnboundedChannel[CycleResult]()
	if a.closed {
		uc.Close()
		return uc.Out()
	}
	a.subscribers[uc.Out()] = uc
	return uc.Out()
}

// Unsubscribe stops delivery to a channel returned by Subscribe and closes it
// once the queued results have been read.
func (a *Amplifier) Unsubscribe(ch <-chan CycleResult) {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	if uc, ok := a.subscribers[ch]; ok {
		uc.Close()
		delete(a.subscribers, ch)
	}
}

// processValue is one acquisition/demodulation cycle. Reference generation
// comes first, then acquisition, mixing, smoothing and publication, in that
// order, so the references are computed as close as possible to the moment
// the samples are taken. Only the publication is done under the value lock.
func (a *Amplifier) processValue() error {
	frequency := a.mod.InputFrequency()
	if !(frequency > 0) {
		return ErrFrequencyUnavailable
	}
	n := a.data.PointsPerCycle()
	rate := float64(a.data.CycleRate())

	var result CycleResult
	var err error
	if a.config.Mode == SingleReference {
		result, err = a.processSingle(n, rate, frequency)
	} else {
		result, err = a.processQuadrature(n, rate, frequency)
	}
	if err != nil {
		return err
	}
	result.Frequency = frequency
	result.Time = a.clock.Now()
	a.publish(result)
	return nil
}

func (a *Amplifier) processQuadrature(n int, rate, frequency float64) (CycleResult, error) {
	var result CycleResult
	cosRef, sinRef, err := a.refGen.GenerateQuadrature(n, frequency, a.config.InPhaseDegrees, a.config.QuadratureDegrees)
	if err != nil {
		return result, err
	}
	input, err := a.acquire(n)
	if err != nil {
		return result, err
	}
	cosProduct := demodulate(input, cosRef)
	sinProduct := demodulate(input, sinRef)

	cosBoxcar, err := Boxcar(cosProduct, rate, frequency)
	if err != nil {
		return result, err
	}
	sinBoxcar, err := Boxcar(sinProduct, rate, frequency)
	if err != nil {
		return result, err
	}

	// The boxcar output is sampled at 10x the modulation frequency.
	boxcarRate := frequency * BoxcarOversample
	corner := frequency / 4
	if policy := a.config.resolvedFilter(); policy == FilterButterworth || policy == FilterButterworthContinuous {
		corner = frequency / 2
	}
	filters, err := a.channelFilters(boxcarRate, corner)
	if err != nil {
		return result, err
	}
	result.InPhase = Average(filters[0].LowPass(cosBoxcar))
	result.Quadrature = Average(filters[1].LowPass(sinBoxcar))
	result.Magnitude = math.Sqrt(result.InPhase*result.InPhase + result.Quadrature*result.Quadrature)
	return result, nil
}

func (a *Amplifier) processSingle(n int, rate, frequency float64) (CycleResult, error) {
	var result CycleResult
	reference, err := a.refGen.GenerateWave(n, frequency, a.config.Phase)
	if err != nil {
		return result, err
	}
	input, err := a.acquire(n)
	if err != nil {
		return result, err
	}
	product := demodulate(input, reference)

	filters, err := a.channelFilters(rate, frequency)
	if err != nil {
		return result, err
	}
	result.InPhase = Average(filters[0].LowPass(product))
	result.Magnitude = result.InPhase
	return result, nil
}

// acquire reads one cycle of samples and checks its length.
func (a *Amplifier) acquire(n int) ([]float64, error) {
	input, err := a.data.GetDataArray()
	if err != nil {
		return nil, fmt.Errorf("acquiring data: %w", err)
	}
	if len(input) != n {
		return nil, fmt.Errorf("acquiring data: got %d samples, want %d", len(input), n)
	}
	return input, nil
}

// channelFilters returns one filter per demodulated channel, rebuilding them
// only when the rate or corner changes so that stateful filters keep their
// history across cycles at a steady frequency.
func (a *Amplifier) channelFilters(rate, corner float64) ([2]Filter, error) {
	if a.filterCreated && a.filterRate == rate && a.filterCorner == corner {
		return a.filters, nil
	}
	policy := a.config.resolvedFilter()
	for i := range a.filters {
		f, err := NewFilter(policy, rate, corner)
		if err != nil {
			return a.filters, err
		}
		if rc, ok := f.(RCFilter); ok && rc.Legacy {
			rc.Headroom = a.config.Headroom
			f = rc
		}
		a.filters[i] = f
	}
	a.filterRate = rate
	a.filterCorner = corner
	a.filterCreated = true
	return a.filters, nil
}

// publish stores result as the current value and forwards it to subscribers.
func (a *Amplifier) publish(result CycleResult) {
	a.stateLock.Lock()
	defer a.stateLock.Unlock()
	a.cycles++
	result.Cycle = a.cycles

	a.valueLock.Lock()
	a.currentValue = result.Magnitude
	a.lastResult = result
	a.valueLock.Unlock()

	for _, uc := range a.subscribers {
		uc.In() <- result
	}
}

// isNilInterface reports whether v is nil or holds a nil pointer, map, slice,
// channel or function.
func isNilInterface(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// demodulate mixes input with twice the reference. The factor of two
// restores the amplitude halved by multiplying with a unit sinusoid.
func demodulate(input, reference []float64) []float64 {
	product := make([]float64, len(input))
	floats.MulTo(product, input, reference)
	floats.Scale(2, product)
	return product
}
