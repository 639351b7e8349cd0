package lockin

import (
	"fmt"
	"io"
	"log"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"testing"
	"time"

	"github.com/rdh2/lockin/internal/unboundedchan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testRecordDir string

func simpleClient() (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", Ports.RPC)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

func rpcStatus(t *testing.T, client *rpc.Client) LockInStatus {
	t.Helper()
	var status LockInStatus
	require.NoError(t, client.Call("LockInControl.Status", "", &status))
	return status
}

func TestServer(t *testing.T) {
	client, err := simpleClient()
	require.NoError(t, err, "could not connect simpleClient() to RPC server")
	defer client.Close()

	var okay bool
	var dummy string
	var voltage float64

	status := rpcStatus(t, client)
	assert.False(t, status.Running)
	assert.Equal(t, "software", status.Type)
	assert.Equal(t, "fixed", status.ModulationSource)
	assert.Nil(t, status.Amplifier)
	assert.Error(t, client.Call("LockInControl.SignalVoltage", dummy, &voltage), "not running")
	assert.Error(t, client.Call("LockInControl.Stop", dummy, &okay), "not running")
	assert.Error(t, client.Call("LockInControl.StartRecording", dummy, &dummy), "not running")

	// Bad configurations are refused.
	cfg := DefaultLockInConfig()
	cfg.PointsPerCycle = 0
	assert.Error(t, client.Call("LockInControl.ConfigureAmplifier", &cfg, &okay))
	assert.False(t, okay)
	cfg = DefaultLockInConfig()
	cfg.Mode = "triple"
	assert.Error(t, client.Call("LockInControl.ConfigureAmplifier", &cfg, &okay))
	assert.Error(t, client.Call("LockInControl.ConfigureDetector", &DetectorConfig{Source: "ouija"}, &okay))

	cfg = DefaultLockInConfig()
	cfg.PointsPerCycle = 1000
	cfg.CycleInterval = 20 * time.Millisecond
	require.NoError(t, client.Call("LockInControl.ConfigureAmplifier", &cfg, &okay))
	assert.True(t, okay)

	simcfg := DefaultSimChopperConfig()
	simcfg.Amplitude = 0.5
	require.NoError(t, client.Call("LockInControl.ConfigureSimChopper", &simcfg, &okay))
	assert.True(t, okay)

	require.NoError(t, client.Call("LockInControl.Start", dummy, &okay))
	assert.True(t, okay)
	assert.Error(t, client.Call("LockInControl.Start", dummy, &okay), "already running")
	assert.Error(t, client.Call("LockInControl.ConfigureAmplifier", &cfg, &okay), "running")

	require.Eventually(t, func() bool {
		s := rpcStatus(t, client)
		return s.Amplifier != nil && s.Amplifier.Cycles >= 3
	}, 5*time.Second, 10*time.Millisecond)
	status = rpcStatus(t, client)
	assert.True(t, status.Running)
	assert.Equal(t, 1000, status.Amplifier.PointsPerCycle)
	assert.Equal(t, 20*time.Millisecond, status.Amplifier.CycleInterval)

	require.NoError(t, client.Call("LockInControl.SignalVoltage", dummy, &voltage))
	assert.InDelta(t, 0.5, voltage, 0.05)
	var frequency float64
	require.NoError(t, client.Call("LockInControl.InputFrequency", dummy, &frequency))
	assert.Equal(t, 13.0, frequency)

	var spectrum SpectrumReply
	require.NoError(t, client.Call("LockInControl.Spectrum", dummy, &spectrum))
	assert.Equal(t, 13.0, spectrum.DeclaredFrequency)
	assert.InDelta(t, 13.0, spectrum.PeakFrequency, 0.5)
	assert.InDelta(t, 1.0, spectrum.BinWidth, 1e-9)
	assert.NotEmpty(t, spectrum.Magnitudes)

	// The simulated signal can change while running.
	simcfg.Amplitude = 0.2
	require.NoError(t, client.Call("LockInControl.ConfigureSimChopper", &simcfg, &okay))
	assert.Eventually(t, func() bool {
		var v float64
		return client.Call("LockInControl.SignalVoltage", dummy, &v) == nil && v < 0.3
	}, 5*time.Second, 10*time.Millisecond)

	var recordingID string
	require.NoError(t, client.Call("LockInControl.StartRecording", dummy, &recordingID))
	assert.NotEmpty(t, recordingID)
	assert.True(t, rpcStatus(t, client).Recording)
	startCycles := rpcStatus(t, client).Amplifier.Cycles
	require.Eventually(t, func() bool {
		return rpcStatus(t, client).Amplifier.Cycles >= startCycles+3
	}, 5*time.Second, 10*time.Millisecond)
	var summary RecordingSummary
	require.NoError(t, client.Call("LockInControl.StopRecording", dummy, &summary))
	assert.Equal(t, recordingID, summary.ID)
	assert.Greater(t, summary.Cycles, 0)
	for _, name := range []string{summary.NPYFile, summary.ParquetFile} {
		_, err := os.Stat(name)
		assert.NoError(t, err, name)
	}
	assert.Error(t, client.Call("LockInControl.StopRecording", dummy, &summary))
	assert.NoError(t, client.Call("LockInControl.SendAllStatus", dummy, &okay))

	require.NoError(t, client.Call("LockInControl.Stop", dummy, &okay))
	assert.True(t, okay)
	status = rpcStatus(t, client)
	assert.False(t, status.Running)
	assert.Nil(t, status.Amplifier)
	assert.Error(t, client.Call("LockInControl.SignalVoltage", dummy, &voltage))

	// A hardware lock-in reports the scaled average of the raw output.
	cfg.Type = "hardware"
	cfg.Sensitivity = 2
	cfg.SensitivityUnit = "mV"
	require.NoError(t, client.Call("LockInControl.ConfigureAmplifier", &cfg, &okay))
	simcfg.Offset = 5.0
	require.NoError(t, client.Call("LockInControl.ConfigureSimChopper", &simcfg, &okay))
	require.NoError(t, client.Call("LockInControl.Start", dummy, &okay))
	require.NoError(t, client.Call("LockInControl.SignalVoltage", dummy, &voltage))
	assert.InDelta(t, 5.0/10.0*2e-3, voltage, 1e-9)
	require.NoError(t, client.Call("LockInControl.InputFrequency", dummy, &frequency))
	assert.Equal(t, 13.0, frequency)
	assert.Error(t, client.Call("LockInControl.StartRecording", dummy, &recordingID), "hardware mode has no cycle results")
	require.NoError(t, client.Call("LockInControl.Stop", dummy, &okay))

	// The counter-based modulation source.
	cfg.Type = "software"
	require.NoError(t, client.Call("LockInControl.ConfigureAmplifier", &cfg, &okay))
	require.NoError(t, client.Call("LockInControl.ConfigureDetector",
		&DetectorConfig{Source: "counter", ReadPeriod: 50 * time.Millisecond}, &okay))
	assert.Equal(t, "counter", rpcStatus(t, client).ModulationSource)
	require.NoError(t, client.Call("LockInControl.Start", dummy, &okay))
	assert.True(t, rpcStatus(t, client).Running)
	require.NoError(t, client.Call("LockInControl.Stop", dummy, &okay))
	require.NoError(t, client.Call("LockInControl.ConfigureDetector", ptr(DefaultDetectorConfig()), &okay))
}

func ptr[T any](v T) *T { return &v }

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	UpdateLogger.SetOutput(io.Discard)
	ProblemLogger.SetOutput(io.Discard)
	SetPortnumbers(35600)

	dir, err := os.MkdirTemp("", "lockin_test")
	if err != nil {
		panic(err)
	}
	testRecordDir = dir

	updates := unboundedchan.NewUnboundedChannel[ClientUpdate]()
	go func() {
		for range updates.Out() {
		}
	}()
	if err := RunRPCServer(Ports.RPC, updates.In(), testRecordDir, nil, false); err != nil {
		panic(err)
	}

	code := m.Run()
	os.RemoveAll(dir)
	os.Exit(code)
}
