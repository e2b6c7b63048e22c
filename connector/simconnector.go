package connector

import (
	"context"
	"fmt"
	"sync/atomic"
)

// SimConn is the in-memory stand-in connection value dialed by
// SimConnector, carrying just enough identity to assert against in
// tests (which block it belongs to and a unique id).
type SimConn struct {
	ID int64
	DB string
}

// SimConnector is a Connector[*SimConn] with no real I/O, configurable
// latency-free failure injection. It exists for tests and local demos
// that want to drive the pool's scheduling and scoring logic without a
// live SQL Server, mirroring the reference algorithm's own test harness
// connector.
type SimConnector struct {
	nextID     int64
	failNext   atomic.Bool
	failAlways atomic.Bool
}

// NewSimConnector returns a ready-to-use simulator.
func NewSimConnector() *SimConnector { return &SimConnector{} }

// FailNextConnect makes the next single Connect or Reconnect call
// return an error, then resumes succeeding.
func (c *SimConnector) FailNextConnect() { c.failNext.Store(true) }

// SetFailAlways toggles persistent connect failures, useful for
// simulating a backend that is entirely down.
func (c *SimConnector) SetFailAlways(v bool) { c.failAlways.Store(v) }

func (c *SimConnector) shouldFail() bool {
	if c.failAlways.Load() {
		return true
	}
	return c.failNext.CompareAndSwap(true, false)
}

// Connect returns a new SimConn scoped to db, or an error if failure
// injection is armed.
func (c *SimConnector) Connect(_ context.Context, db string) (*SimConn, error) {
	if c.shouldFail() {
		return nil, fmt.Errorf("simulated connect failure for %s", db)
	}
	id := atomic.AddInt64(&c.nextID, 1)
	return &SimConn{ID: id, DB: db}, nil
}

// Reconnect returns a new SimConn bound to newDB that keeps conn's ID,
// so tests can track a single simulated connection across a transfer.
// conn itself is not modified.
func (c *SimConnector) Reconnect(_ context.Context, conn *SimConn, newDB string) (*SimConn, error) {
	if c.shouldFail() {
		return nil, fmt.Errorf("simulated reconnect failure for %s", newDB)
	}
	if conn == nil {
		id := atomic.AddInt64(&c.nextID, 1)
		return &SimConn{ID: id, DB: newDB}, nil
	}
	return &SimConn{ID: conn.ID, DB: newDB}, nil
}

// Disconnect is a no-op: there is nothing to close for a simulated
// connection.
func (c *SimConnector) Disconnect(_ context.Context, _ *SimConn) error {
	return nil
}
