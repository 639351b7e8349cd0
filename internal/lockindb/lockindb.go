// Package lockindb records lock-in server activity and measurement runs in a
// ClickHouse database.
package lockindb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Connection is a (possibly failed) connection to the database. All methods
// are safe to call on a nil or unconnected Connection; they do nothing.
type Connection struct {
	conn     clickhouse.Conn
	err      error
	activity *ActivityMessage
	runmsg   chan *RunMessage
	sync.WaitGroup
}

const databaseName = "lockin" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected reports whether the database can be written.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the error that broke the connection, if any.
func (db *Connection) Err() error {
	if db == nil {
		return fmt.Errorf("no database connection")
	}
	return db.err
}

// serverAddress is the ClickHouse native-protocol address, from
// LOCKIN_DB_ADDR or the local default.
func serverAddress() string {
	if addr := os.Getenv("LOCKIN_DB_ADDR"); addr != "" {
		return addr
	}
	return "localhost:9000"
}

// PingServer checks that the database server answers.
func PingServer() error {
	db := createDBConnection(serverAddress())
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %w", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartDBConnection connects, logs the activity's start, and handles run
// messages until abort is closed, when it logs the activity's end.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createDBConnection(serverAddress())
	db.activity = activity
	db.logActivity()
	if db.IsConnected() {
		go db.handleConnection(abort)
	}
	return db
}

// DummyDBConnection returns a Connection that records nothing.
func DummyDBConnection() *Connection {
	return &Connection{err: fmt.Errorf("dummy database connection")}
}

func createDBConnection(addr string) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("LOCKIN_DB_USER"),
		Password: os.Getenv("LOCKIN_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "lockin", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 5 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}

	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.runmsg = make(chan *RunMessage)
	db.Add(1)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activity == nil {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activity
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO lockinactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into lockinactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case msg := <-db.runmsg:
			db.handleRunMessage(msg)
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() {
		if db.activity != nil {
			db.activity.End = time.Now()
			db.logActivity()
		}
		db.conn.Close()
	}
}

// ActivityID returns the ID of the activity this connection logs under.
func (db *Connection) ActivityID() string {
	if db == nil || db.activity == nil {
		return ""
	}
	return db.activity.ID
}

// RecordRun stores the start of a measurement run. It blocks until the
// connection's handler accepts the message, so a run's start is always
// stored before its end.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.ActivityID = db.ActivityID()
	db.runmsg <- msg
}

// FinishRun stores the end of a measurement run without blocking.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	m := *msg
	go func() { db.runmsg <- &m }()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO lockinruns VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.ActivityID, m.LockInType, m.Mode, m.Filter, m.ModulationSource,
		m.InputFrequency, m.CycleInterval.Seconds(), m.PointsPerCycle, m.CycleRate,
		m.Cycles, m.FailedCycles, m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into lockinruns ", err)
		db.err = err
	}
}
