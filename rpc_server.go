package lockin

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rdh2/lockin/internal/lockindb"
)

// LockInControl is the sub-server that handles configuration and operation of
// the lock-in amplifier and its data source.
type LockInControl struct {
	clock Clock
	sim   *SimChopperSource

	lockinConfig   LockInConfig
	detectorConfig DetectorConfig

	amplifier  *Amplifier
	detector   *FrequencyDetector
	modulation ModulationSource
	reader     VoltageReader
	unrelay    func() // stops relaying chopper edges to the modulation source

	recordDir string
	recorder  *Recorder

	db  *lockindb.Connection
	run *lockindb.RunMessage

	status        LockInStatus
	clientUpdates chan<- ClientUpdate
	sync.Mutex
}

// LockInStatus is the status that LockInControl reports to clients.
type LockInStatus struct {
	Running          bool
	Type             string
	Mode             string
	Filter           string
	ModulationSource string
	Recording        bool
	RecordingID      string
	Amplifier        *AmplifierStatus `json:",omitempty"`
}

// NewLockInControl creates a LockInControl with default settings and a
// simulated chopper as its data source. A nil clock means the system clock.
func NewLockInControl(clientUpdates chan<- ClientUpdate, recordDir string, clock Clock) (*LockInControl, error) {
	sim, err := NewSimChopperSource(DefaultSimChopperConfig(), clock)
	if err != nil {
		return nil, err
	}
	lc := &LockInControl{
		clock:          clockOrSystem(clock),
		sim:            sim,
		lockinConfig:   DefaultLockInConfig(),
		detectorConfig: DefaultDetectorConfig(),
		recordDir:      recordDir,
		clientUpdates:  clientUpdates,
	}
	lc.status.Type = lc.lockinConfig.Type
	lc.status.Mode = lc.lockinConfig.Mode
	lc.status.Filter = lc.lockinConfig.Filter
	lc.status.ModulationSource = lc.detectorConfig.Source
	return lc, nil
}

// ConfigureAmplifier validates and stores the lock-in settings. They take
// effect at the next Start.
func (lc *LockInControl) ConfigureAmplifier(args *LockInConfig, reply *bool) error {
	*reply = false
	if err := args.Validate(); err != nil {
		return err
	}
	lc.Lock()
	defer lc.Unlock()
	if lc.status.Running {
		return fmt.Errorf("cannot configure the lock-in while it is running (you should call Stop)")
	}
	UpdateLogger.Printf("ConfigureAmplifier:\n%s", spew.Sdump(*args))
	lc.lockinConfig = *args
	lc.status.Type = args.Type
	lc.status.Mode = args.Mode
	lc.status.Filter = args.Filter
	saveConfig(lockinConfigKey, *args)
	lc.send("LOCKIN", *args)
	*reply = true
	return nil
}

// ConfigureSimChopper changes the simulated signal. This is allowed while
// running; the acquisition settings (interval, points, rate) are always
// replaced by the lock-in's own at Start.
func (lc *LockInControl) ConfigureSimChopper(args *SimChopperConfig, reply *bool) error {
	*reply = false
	lc.Lock()
	defer lc.Unlock()
	cfg := *args
	if lc.status.Running {
		lc.applyAcquisition(&cfg)
	}
	if err := lc.sim.Configure(cfg); err != nil {
		return err
	}
	UpdateLogger.Printf("ConfigureSimChopper:\n%s", spew.Sdump(cfg))
	saveConfig(simChopperConfigKey, cfg)
	lc.send("SIMCHOPPER", cfg)
	*reply = true
	return nil
}

// ConfigureDetector selects where the modulation frequency comes from. It
// takes effect at the next Start.
func (lc *LockInControl) ConfigureDetector(args *DetectorConfig, reply *bool) error {
	*reply = false
	if err := args.Validate(); err != nil {
		return err
	}
	lc.Lock()
	defer lc.Unlock()
	if lc.status.Running {
		return fmt.Errorf("cannot configure the modulation source while running (you should call Stop)")
	}
	lc.detectorConfig = *args
	lc.status.ModulationSource = args.Source
	saveConfig(detectorConfigKey, *args)
	lc.send("DETECTOR", *args)
	*reply = true
	return nil
}

// applyAcquisition copies the lock-in's acquisition settings into cfg.
func (lc *LockInControl) applyAcquisition(cfg *SimChopperConfig) {
	cfg.CycleInterval = lc.lockinConfig.CycleInterval
	cfg.PointsPerCycle = lc.lockinConfig.PointsPerCycle
	cfg.CycleRate = lc.lockinConfig.CycleRate
}

// buildModulation creates the configured ModulationSource and relays the
// chopper's edges to it.
func (lc *LockInControl) buildModulation() (ModulationSource, error) {
	switch lc.detectorConfig.Source {
	case "counter":
		det := NewFrequencyDetector(lc.sim, lc.clock, lc.detectorConfig.ReadPeriod)
		if err := det.Initialize(); err != nil {
			return nil, err
		}
		dm := NewDetectorModulation(det)
		lc.detector = det
		lc.unrelay = lc.sim.OnModulationHigh(dm.NotifyModulationHigh)
		return dm, nil
	default:
		fm := NewFixedModulation(lc.lockinConfig.InputFrequency)
		lc.unrelay = lc.sim.OnModulationHigh(fm.NotifyModulationHigh)
		return fm, nil
	}
}

// Start begins the lock-in measurement with the stored configuration.
func (lc *LockInControl) Start(dummy *string, reply *bool) error {
	*reply = false
	lc.Lock()
	defer lc.Unlock()
	if lc.status.Running {
		return fmt.Errorf("lock-in is already running (you should call Stop)")
	}
	ltype, err := lc.lockinConfig.LockInType()
	if err != nil {
		return err
	}
	simcfg := lc.sim.Config()
	lc.applyAcquisition(&simcfg)
	if err := lc.sim.Configure(simcfg); err != nil {
		return err
	}

	mod, err := lc.buildModulation()
	if err != nil {
		lc.teardown()
		return err
	}
	lc.modulation = mod

	switch ltype {
	case SoftwareLockInType:
		ampcfg, err := lc.lockinConfig.AmplifierConfig(lc.clock)
		if err != nil {
			lc.teardown()
			return err
		}
		amp, err := NewAmplifier(lc.sim, mod, ampcfg)
		if err != nil {
			lc.teardown()
			return err
		}
		lc.amplifier = amp
		if err := amp.Start(); err != nil {
			lc.teardown()
			return err
		}
		go lc.forwardSignal(amp.Subscribe())
		lc.reader = SoftwareLockIn{Amplifier: amp}

	case HardwareLockInType:
		scale, err := lc.lockinConfig.OutputScale()
		if err != nil {
			lc.teardown()
			return err
		}
		hw, err := NewHardwareLockIn(lc.sim, scale)
		if err != nil {
			lc.teardown()
			return err
		}
		lc.reader = hw
	}

	if err := lc.sim.Start(); err != nil {
		lc.teardown()
		return err
	}
	log.Printf("Starting %s lock-in (modulation source: %s)\n", ltype, lc.detectorConfig.Source)
	lc.run = &lockindb.RunMessage{
		ID:               lockindb.NewID(),
		LockInType:       ltype.String(),
		Mode:             lc.lockinConfig.Mode,
		Filter:           lc.lockinConfig.Filter,
		ModulationSource: lc.detectorConfig.Source,
		InputFrequency:   lc.lockinConfig.InputFrequency,
		CycleInterval:    lc.lockinConfig.CycleInterval,
		PointsPerCycle:   lc.lockinConfig.PointsPerCycle,
		CycleRate:        lc.lockinConfig.CycleRate,
		Start:            time.Now(),
	}
	lc.db.RecordRun(lc.run)
	lc.status.Running = true
	lc.broadcastStatus()
	*reply = true
	return nil
}

// forwardSignal publishes every cycle result until the amplifier closes the
// subscription.
func (lc *LockInControl) forwardSignal(results <-chan CycleResult) {
	for result := range results {
		lc.send("SIGNAL", result)
	}
}

// teardown releases everything Start created. The caller holds the lock.
func (lc *LockInControl) teardown() {
	if lc.recorder != nil && lc.recorder.Recording() {
		if summary, err := lc.recorder.Stop(); err != nil {
			ProblemLogger.Printf("recording %s: %v", summary.ID, err)
		} else {
			lc.send("RECORDING", summary)
		}
	}
	if lc.amplifier != nil {
		if err := lc.amplifier.Close(); err != nil {
			ProblemLogger.Printf("closing lock-in amplifier: %v", err)
		}
		lc.amplifier.Wait()
		if lc.run != nil {
			as := lc.amplifier.Status()
			lc.run.Cycles = as.Cycles
			lc.run.FailedCycles = as.FailedCycles
		}
		lc.amplifier = nil
	}
	if lc.run != nil {
		lc.db.FinishRun(lc.run)
		lc.run = nil
	}
	if lc.detector != nil {
		lc.detector.Close()
		lc.detector = nil
	}
	if lc.unrelay != nil {
		lc.unrelay()
		lc.unrelay = nil
	}
	if lc.sim.Running() {
		lc.sim.Stop()
	}
	lc.modulation = nil
	lc.reader = nil
	lc.status.Recording = false
	lc.status.RecordingID = ""
}

// Stop ends the lock-in measurement, finishing any recording first.
func (lc *LockInControl) Stop(dummy *string, reply *bool) error {
	*reply = false
	lc.Lock()
	defer lc.Unlock()
	if !lc.status.Running {
		return fmt.Errorf("lock-in: %w", ErrNotRunning)
	}
	log.Printf("Stopping lock-in\n")
	lc.teardown()
	lc.status.Running = false
	lc.broadcastStatus()
	*reply = true
	return nil
}

// SignalVoltage returns the latest signal value: the software amplifier's
// published value, or one averaged read of the hardware lock-in's output.
func (lc *LockInControl) SignalVoltage(dummy *string, reply *float64) error {
	lc.Lock()
	reader := lc.reader
	lc.Unlock()
	if reader == nil {
		return fmt.Errorf("lock-in: %w", ErrNotRunning)
	}
	v, err := reader.ReadVoltage()
	if err != nil {
		return err
	}
	*reply = v
	return nil
}

// InputFrequency returns the modulation frequency in use.
func (lc *LockInControl) InputFrequency(dummy *string, reply *float64) error {
	lc.Lock()
	defer lc.Unlock()
	if lc.amplifier != nil {
		f, err := lc.amplifier.InputFrequency()
		if err != nil {
			return err
		}
		*reply = f
		return nil
	}
	if lc.modulation == nil {
		return fmt.Errorf("lock-in: %w", ErrNotRunning)
	}
	*reply = lc.modulation.InputFrequency()
	return nil
}

// SpectrumReply is the result of the Spectrum RPC.
type SpectrumReply struct {
	DeclaredFrequency float64 // modulation frequency the lock-in is using
	PeakFrequency     float64 // strongest component of the raw data
	PeakMagnitude     float64
	BinWidth          float64
	Magnitudes        []float64
}

// Spectrum acquires one array of raw data and reports its spectrum, to check
// the modulation frequency against what the detector actually sees.
func (lc *LockInControl) Spectrum(dummy *string, reply *SpectrumReply) error {
	lc.Lock()
	declared := lc.lockinConfig.InputFrequency
	if lc.modulation != nil {
		declared = lc.modulation.InputFrequency()
	}
	lc.Unlock()

	data, err := lc.sim.GetDataArray()
	if err != nil {
		return err
	}
	spectrum, err := ComputeSpectrum(data, float64(lc.sim.CycleRate()))
	if err != nil {
		return err
	}
	*reply = SpectrumReply{
		DeclaredFrequency: declared,
		PeakFrequency:     spectrum.PeakFrequency,
		PeakMagnitude:     spectrum.PeakMagnitude,
		BinWidth:          spectrum.BinWidth,
		Magnitudes:        spectrum.Magnitudes,
	}
	return nil
}

// StartRecording begins saving the software amplifier's cycle results. The
// reply is the recording's ID.
func (lc *LockInControl) StartRecording(dummy *string, reply *string) error {
	lc.Lock()
	defer lc.Unlock()
	if lc.amplifier == nil {
		return fmt.Errorf("recording needs a running software lock-in")
	}
	if lc.recorder == nil {
		lc.recorder = NewRecorder(lc.recordDir, lc.lockinConfig)
	}
	id, err := lc.recorder.Start(lc.amplifier)
	if err != nil {
		return err
	}
	lc.status.Recording = true
	lc.status.RecordingID = id
	lc.broadcastStatus()
	*reply = id
	return nil
}

// StopRecording finishes the current recording and writes its files.
func (lc *LockInControl) StopRecording(dummy *string, reply *RecordingSummary) error {
	lc.Lock()
	defer lc.Unlock()
	if lc.recorder == nil || !lc.recorder.Recording() {
		return fmt.Errorf("recording: %w", ErrNotRunning)
	}
	summary, err := lc.recorder.Stop()
	lc.status.Recording = false
	lc.status.RecordingID = ""
	lc.broadcastStatus()
	if err != nil {
		return err
	}
	lc.send("RECORDING", summary)
	*reply = summary
	return nil
}

// currentStatus fills in the live parts of the status. The caller holds the lock.
func (lc *LockInControl) currentStatus() LockInStatus {
	status := lc.status
	status.Amplifier = nil
	if lc.amplifier != nil {
		as := lc.amplifier.Status()
		status.Amplifier = &as
	}
	return status
}

// Status returns the current status without broadcasting it.
func (lc *LockInControl) Status(dummy *string, reply *LockInStatus) error {
	lc.Lock()
	defer lc.Unlock()
	*reply = lc.currentStatus()
	return nil
}

func (lc *LockInControl) broadcastStatus() {
	lc.send("STATUS", lc.currentStatus())
}

func (lc *LockInControl) send(tag string, state interface{}) {
	if lc.clientUpdates != nil {
		lc.clientUpdates <- ClientUpdate{Tag: tag, State: state}
	}
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (lc *LockInControl) SendAllStatus(dummy *string, reply *bool) error {
	lc.Lock()
	defer lc.Unlock()
	lc.broadcastStatus()
	lc.send("LOCKIN", lc.lockinConfig)
	lc.send("SIMCHOPPER", lc.sim.Config())
	lc.send("DETECTOR", lc.detectorConfig)
	lc.send("SENDALL", 0)
	*reply = true
	return nil
}

// shutdown stops everything; used when the server exits.
func (lc *LockInControl) shutdown() {
	lc.Lock()
	defer lc.Unlock()
	if lc.status.Running {
		lc.teardown()
		lc.status.Running = false
	}
}

// loadStoredSettings applies the settings saved in the config file.
func (lc *LockInControl) loadStoredSettings() {
	var okay bool
	if cfg, err := LoadLockInConfig(); err != nil {
		ProblemLogger.Printf("stored lockin settings are unreadable: %v", err)
	} else if err := lc.ConfigureAmplifier(&cfg, &okay); err != nil {
		ProblemLogger.Printf("stored lockin settings are invalid: %v", err)
	}
	if cfg, err := LoadSimChopperConfig(); err != nil {
		ProblemLogger.Printf("stored simchopper settings are unreadable: %v", err)
	} else if err := lc.ConfigureSimChopper(&cfg, &okay); err != nil {
		ProblemLogger.Printf("stored simchopper settings are invalid: %v", err)
	}
	if cfg, err := LoadDetectorConfig(); err != nil {
		ProblemLogger.Printf("stored detector settings are unreadable: %v", err)
	} else if err := lc.ConfigureDetector(&cfg, &okay); err != nil {
		ProblemLogger.Printf("stored detector settings are invalid: %v", err)
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server. If block, it
// blocks until the listener fails; otherwise the accept loop runs in a
// goroutine and RunRPCServer returns once the port is open. Measurement runs
// are logged to db, which may be nil.
func RunRPCServer(portrpc int, clientUpdates chan<- ClientUpdate, recordDir string, db *lockindb.Connection, block bool) error {
	lc, err := NewLockInControl(clientUpdates, recordDir, nil)
	if err != nil {
		return err
	}
	lc.db = db
	lc.loadStoredSettings()

	server := rpc.NewServer()
	if err := server.Register(lc); err != nil {
		return err
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			lc.Lock()
			lc.broadcastStatus()
			lc.Unlock()
		}
	}()

	serve := func() error {
		defer lc.shutdown()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return fmt.Errorf("accept error: %w", err)
			}
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
	if block {
		return serve()
	}
	go func() {
		if err := serve(); err != nil {
			ProblemLogger.Print(err)
		}
	}()
	return nil
}
