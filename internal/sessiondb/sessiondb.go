// Package sessiondb records recording-session metadata in a ClickHouse
// database: one serveractivity row per daemon run, one sessions row per
// data source lifetime, and one streams row per start/stop interval.
package sessiondb

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "blds" // official SQL name of the database

// SessionDBConnection owns the ClickHouse connection and the goroutine
// that serializes inserts. A connection that failed to open still accepts
// every Record call and drops it, so callers never branch on availability.
type SessionDBConnection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ServerActivityMessage
	sessionmsg    chan *SessionMessage
	streammsg     chan *StreamMessage
	sync.WaitGroup
}

// NewID returns a fresh ULID for a database row.
func NewID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func (db *SessionDBConnection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer opens a throwaway connection and reports the server version.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartDBConnection opens the connection, logs the daemon's activity row,
// and launches the insert handler. It always returns a usable connection
// object, possibly a disconnected one.
func StartDBConnection(activity *ServerActivityMessage, abort <-chan struct{}) *SessionDBConnection {
	conn := createDBConnection()
	conn.activityEntry = activity
	conn.logActivity()
	go conn.handleConnection(abort)
	return conn
}

// DummyDBConnection returns a connection object that records nothing, for
// running without a database.
func DummyDBConnection() *SessionDBConnection {
	db := &SessionDBConnection{}
	db.Add(1)
	return db
}

func createDBConnection() *SessionDBConnection {
	db := &SessionDBConnection{}
	dbUser := os.Getenv("BLDS_DB_USER")
	dbPass := os.Getenv("BLDS_DB_PASSWORD")
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "blds", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{"localhost:9000"},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.sessionmsg = make(chan *SessionMessage)
	db.streammsg = make(chan *StreamMessage)
	return db
}

func (db *SessionDBConnection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := ae.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO serveractivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into serveractivity ", err)
		db.err = err
	}
}

func (db *SessionDBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		case stmsg := <-db.streammsg:
			db.handleStreamMessage(stmsg)
		}
	}
}

// Disconnect finalizes the activity row with the shutdown time.
func (db *SessionDBConnection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordSession takes a SessionMessage and stores it in the DB (if it's
// open). This call blocks until the select statement in `handleConnection`
// accepts the message.
// WARNING: Don't change this blocking behavior! It is how we ensure that a
// session is entered in the DB before any corresponding calls to
// `RecordStream` begin. Without the blocking, there would be a race between
// the 2 kinds of DB entries, and some streams would be entered without
// valid session IDs.
func (db *SessionDBConnection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// FinishSession stamps the end time and re-records the session row.
func (db *SessionDBConnection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.sessionmsg <- msg }()
}

func (db *SessionDBConnection) RecordStream(msg *StreamMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.streammsg <- msg }()
}

func (db *SessionDBConnection) FinishStream(msg *StreamMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.streammsg <- msg }()
}

func (db *SessionDBConnection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.SourceType, m.DeviceType, m.Location,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *SessionDBConnection) handleStreamMessage(m *StreamMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO streams VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.SessionID, m.Nchannels, m.SampleRate, m.Plug, m.ChipID,
		m.ConfigFile, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into streams ", err)
		db.err = err
	}
}
