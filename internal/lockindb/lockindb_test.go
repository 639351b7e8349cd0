package lockindb

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
)

func TestDummyConnection(t *testing.T) {
	db := DummyDBConnection()
	assert.False(t, db.IsConnected())
	assert.Error(t, db.Err())
	assert.Equal(t, "", db.ActivityID())

	// None of these may block or panic on an unconnected database.
	run := &RunMessage{ID: NewID(), Start: time.Now()}
	db.RecordRun(run)
	db.FinishRun(run)
	db.Wait()
	assert.True(t, run.End.IsZero(), "FinishRun on a dummy connection should not touch the message")

	var nilDB *Connection
	assert.False(t, nilDB.IsConnected())
	nilDB.RecordRun(run)
	nilDB.FinishRun(run)
}

func TestUnreachableServer(t *testing.T) {
	// Port 1 is never a ClickHouse server.
	db := createDBConnection("127.0.0.1:1")
	assert.False(t, db.IsConnected())
	assert.Error(t, db.Err())
}

func TestNewID(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
	parsed, err := ulid.Parse(a)
	assert.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ulid.Time(parsed.Time()), time.Minute)
}
