package lockin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sbinet/npyio"
	"github.com/segmentio/parquet-go"
)

// ResultPublisher is anything that hands out CycleResult subscriptions.
// *Amplifier is one.
type ResultPublisher interface {
	Subscribe() <-chan CycleResult
	Unsubscribe(<-chan CycleResult)
}

// CycleRecord is one row of a recording's parquet file.
type CycleRecord struct {
	Cycle      int64   `parquet:"cycle"`
	TimeNanos  int64   `parquet:"time_ns"`
	Frequency  float64 `parquet:"frequency"`
	InPhase    float64 `parquet:"in_phase"`
	Quadrature float64 `parquet:"quadrature"`
	Magnitude  float64 `parquet:"magnitude"`
}

// RecordingSummary describes a finished recording.
type RecordingSummary struct {
	ID          string
	NPYFile     string // magnitudes, one float64 per cycle
	ParquetFile string // full CycleRecords
	Cycles      int
	Start       time.Time
	End         time.Time
}

// Recorder collects the results an Amplifier publishes and writes them to
// disk when stopped.
type Recorder struct {
	directory string
	metadata  any

	source    ResultPublisher
	ch        <-chan CycleResult
	done      chan struct{}
	id        ulid.ULID
	start     time.Time
	results   []CycleResult
	recording bool
	sync.Mutex
}

// NewRecorder creates a Recorder that writes into directory. metadata, if not
// nil, is stored as JSON in the parquet file's key/value metadata.
func NewRecorder(directory string, metadata any) *Recorder {
	return &Recorder{directory: directory, metadata: metadata}
}

// Start subscribes to source and begins collecting results.
func (r *Recorder) Start(source ResultPublisher) (string, error) {
	r.Lock()
	defer r.Unlock()
	if r.recording {
		return "", fmt.Errorf("recorder: %w", ErrAlreadyRunning)
	}
	if source == nil {
		return "", fmt.Errorf("recorder needs a result source")
	}
	if err := os.MkdirAll(r.directory, 0775); err != nil {
		return "", err
	}
	r.source = source
	r.id = ulid.Make()
	r.start = time.Now()
	r.results = nil
	r.ch = source.Subscribe()
	r.done = make(chan struct{})
	r.recording = true
	go r.collect(r.ch, r.done)
	return r.id.String(), nil
}

func (r *Recorder) collect(ch <-chan CycleResult, done chan<- struct{}) {
	defer close(done)
	for result := range ch {
		r.Lock()
		r.results = append(r.results, result)
		r.Unlock()
	}
}

// Recording reports whether a recording is in progress.
func (r *Recorder) Recording() bool {
	r.Lock()
	defer r.Unlock()
	return r.recording
}

// Stop unsubscribes, waits for the queued results and writes the files.
func (r *Recorder) Stop() (RecordingSummary, error) {
	r.Lock()
	if !r.recording {
		r.Unlock()
		return RecordingSummary{}, fmt.Errorf("recorder: %w", ErrNotRunning)
	}
	r.recording = false
	source, ch, done := r.source, r.ch, r.done
	r.Unlock()

	source.Unsubscribe(ch)
	<-done

	r.Lock()
	results := r.results
	r.results = nil
	summary := RecordingSummary{
		ID:     r.id.String(),
		Cycles: len(results),
		Start:  r.start,
		End:    time.Now(),
	}
	r.Unlock()

	base := filepath.Join(r.directory, "lockin_"+summary.ID)
	summary.NPYFile = base + ".npy"
	summary.ParquetFile = base + ".parquet"
	if err := writeMagnitudes(summary.NPYFile, results); err != nil {
		return summary, err
	}
	if err := r.writeRecords(summary.ParquetFile, results); err != nil {
		return summary, err
	}
	UpdateLogger.Printf("recording %s: wrote %d cycles to %s.{npy,parquet}", summary.ID, summary.Cycles, base)
	return summary, nil
}

func writeMagnitudes(filename string, results []CycleResult) error {
	magnitudes := make([]float64, len(results))
	for i, res := range results {
		magnitudes[i] = res.Magnitude
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, magnitudes); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	return f.Close()
}

func (r *Recorder) writeRecords(filename string, results []CycleResult) error {
	metaStr := "{}"
	if r.metadata != nil {
		if b, err := json.Marshal(r.metadata); err == nil {
			metaStr = string(b)
		}
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	writer := parquet.NewGenericWriter[CycleRecord](f,
		parquet.KeyValueMetadata("lockin", metaStr),
	)
	rows := make([]CycleRecord, len(results))
	for i, res := range results {
		rows[i] = CycleRecord{
			Cycle:      int64(res.Cycle),
			TimeNanos:  res.Time.UnixNano(),
			Frequency:  res.Frequency,
			InPhase:    res.InPhase,
			Quadrature: res.Quadrature,
			Magnitude:  res.Magnitude,
		}
	}
	if _, err := writer.Write(rows); err != nil {
		writer.Close()
		f.Close()
		return fmt.Errorf("writing %s: %w", filename, err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
