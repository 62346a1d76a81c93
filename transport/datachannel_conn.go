// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

// dataChannelConn wraps a detached pion data channel ReadWriteCloser
// as a net.Conn so it can carry the shared peer protocol. SCTP
// handles fragmentation and reassembly, so this behaves like a stream
// from the protocol's perspective.
//
// Deadline support uses timer-based cancellation: when a deadline
// fires, the underlying stream is closed, unblocking any pending
// Read/Write. Once closed this way, the conn is permanently broken —
// which is fine, because the peer protocol only sets deadlines to
// abort a stuck handshake.
type dataChannelConn struct {
	rwc        io.ReadWriteCloser
	localLabel string
	peerLabel  string

	mu             sync.Mutex
	readTimer      *time.Timer
	writeTimer     *time.Timer
	deadlineClosed bool
}

// Compile-time interface check.
var _ net.Conn = (*dataChannelConn)(nil)

func newDataChannelConn(rwc io.ReadWriteCloser, localLabel, peerLabel string) *dataChannelConn {
	return &dataChannelConn{rwc: rwc, localLabel: localLabel, peerLabel: peerLabel}
}

func (c *dataChannelConn) Read(buffer []byte) (int, error) {
	return c.rwc.Read(buffer)
}

func (c *dataChannelConn) Write(buffer []byte) (int, error) {
	return c.rwc.Write(buffer)
}

func (c *dataChannelConn) Close() error {
	c.mu.Lock()
	c.stopTimersLocked()
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *dataChannelConn) LocalAddr() net.Addr {
	return &dataChannelAddr{label: c.localLabel}
}

func (c *dataChannelConn) RemoteAddr() net.Addr {
	return &dataChannelAddr{label: c.peerLabel}
}

func (c *dataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTimerLocked(&c.readTimer, deadline)
	c.setTimerLocked(&c.writeTimer, deadline)
	return nil
}

func (c *dataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTimerLocked(&c.readTimer, deadline)
	return nil
}

func (c *dataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTimerLocked(&c.writeTimer, deadline)
	return nil
}

func (c *dataChannelConn) setTimerLocked(timer **time.Timer, deadline time.Time) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
	if deadline.IsZero() || c.deadlineClosed {
		return
	}
	duration := time.Until(deadline)
	if duration <= 0 {
		c.closeFromDeadlineLocked()
		return
	}
	*timer = time.AfterFunc(duration, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.closeFromDeadlineLocked()
	})
}

func (c *dataChannelConn) closeFromDeadlineLocked() {
	if c.deadlineClosed {
		return
	}
	c.deadlineClosed = true
	c.rwc.Close()
}

func (c *dataChannelConn) stopTimersLocked() {
	if c.readTimer != nil {
		c.readTimer.Stop()
		c.readTimer = nil
	}
	if c.writeTimer != nil {
		c.writeTimer.Stop()
		c.writeTimer = nil
	}
}

// dataChannelAddr is a synthetic net.Addr for data channel
// connections.
type dataChannelAddr struct {
	label string
}

func (a *dataChannelAddr) Network() string { return "webrtc" }
func (a *dataChannelAddr) String() string  { return a.label }
