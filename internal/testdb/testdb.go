// Package testdb provides a database/sql driver that records statements
// instead of talking to a server.
package testdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// Exec is one statement seen by the driver.
type Exec struct {
	Query string
	Args  []any
}

// Recorder collects statements. Setting Fail makes every Exec return an error.
type Recorder struct {
	mu    sync.Mutex
	execs []Exec
	Fail  bool
}

// Execs returns a copy of the recorded statements.
func (r *Recorder) Execs() []Exec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Exec(nil), r.execs...)
}

// SetFail toggles failing execs.
func (r *Recorder) SetFail(fail bool) {
	r.mu.Lock()
	r.Fail = fail
	r.mu.Unlock()
}

var driverCounter atomic.Int64

type recordingDriver struct{ rec *Recorder }

type recordingConn struct{ rec *Recorder }

func (d recordingDriver) Open(name string) (driver.Conn, error) { return recordingConn{rec: d.rec}, nil }

func (c recordingConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("not implemented")
}
func (c recordingConn) Close() error              { return nil }
func (c recordingConn) Begin() (driver.Tx, error) { return nil, errors.New("not implemented") }

func (c recordingConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.rec.mu.Lock()
	defer c.rec.mu.Unlock()
	if c.rec.Fail {
		return nil, errors.New("exec failed")
	}
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	c.rec.execs = append(c.rec.execs, Exec{Query: query, Args: vals})
	return driver.RowsAffected(1), nil
}

// Open registers a fresh recording driver and opens a *sql.DB on it. The DB
// is closed when the test ends.
func Open(t *testing.T) (*sql.DB, *Recorder) {
	t.Helper()
	rec := &Recorder{}
	name := fmt.Sprintf("recorddrv_%d", driverCounter.Add(1))
	sql.Register(name, recordingDriver{rec: rec})
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("sql open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, rec
}
