package lockindb

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the lockinactivity table: one row
// per run of the server program.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information required to make an entry in the lockinruns
// table: one row per Start/Stop of the lock-in measurement.
type RunMessage struct {
	ID               string
	ActivityID       string
	LockInType       string
	Mode             string
	Filter           string
	ModulationSource string
	InputFrequency   float64
	CycleInterval    time.Duration
	PointsPerCycle   int
	CycleRate        int
	Cycles           int
	FailedCycles     int
	Start            time.Time
	End              time.Time
}

// NewID returns a new time-ordered unique ID for a table row.
func NewID() string {
	return ulid.Make().String()
}
