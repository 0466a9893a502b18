// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package conntable holds per-client connection state: the mapping from a
// stream id to its socket, outbound byte queue, chunk position, and
// broadcast-receiving flag (§3 ConnectionState, §4.6 stream lifecycle).
package conntable

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"tickproxy/pkg/chunkpos"
)

// State is the stream lifecycle fixed by §4.6: Pending is never observed
// outside Accept (PlayerConnect is emitted synchronously on acceptance), so
// only the post-accept states are represented here.
type State int

const (
	// StateActive covers both receives_broadcasts=false and =true; the
	// bool is tracked separately since the transition is one-way latch.
	StateActive State = iota
	StateClosing
	StateGone
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// QueueThresholds bounds a stream's outbound byte queue. Optional packets
// are dropped once the queue is at or above HighWaterMark; any packet exceeding
// DisconnectMark escalates the stream to ClientFatal (§4.2, §7).
type QueueThresholds struct {
	HighWaterMark  int
	DisconnectMark int
	IdleTimeout    time.Duration
}

// DefaultQueueThresholds matches the production defaults loaded by
// internal/config when the environment supplies none.
var DefaultQueueThresholds = QueueThresholds{
	HighWaterMark:  1 << 20,  // 1 MiB
	DisconnectMark: 8 << 20,  // 8 MiB
	IdleTimeout:    90 * time.Second,
}

// ConnectionState is the per-stream record described in §3. Conn is the TCP
// socket; it may be nil in tests that exercise only the outbound queue.
type ConnectionState struct {
	Stream    uint64
	SessionID string
	Conn      net.Conn

	mu                 sync.Mutex
	state              State
	outbound           []byte
	chunkPos           chunkpos.ChunkPosition
	receivesBroadcasts bool
	nextUnicastOrder   uint32
	lastActivity       time.Time

	thresholds QueueThresholds
}

// New creates a ConnectionState in the Active(receives_broadcasts=false)
// state, the state every stream enters immediately after PlayerConnect is
// emitted (§4.6).
func New(stream uint64, conn net.Conn, thresholds QueueThresholds) *ConnectionState {
	return &ConnectionState{
		Stream:       stream,
		SessionID:    uuid.New().String(),
		Conn:         conn,
		state:        StateActive,
		lastActivity: time.Now(),
		thresholds:   thresholds,
	}
}

// SetReceiveBroadcasts latches the flag to true; it never transitions back
// to false (§4.6).
func (c *ConnectionState) SetReceiveBroadcasts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receivesBroadcasts = true
}

// ReceivesBroadcasts reports the current latch value.
func (c *ConnectionState) ReceivesBroadcasts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivesBroadcasts
}

// SetChunkPos records the most recent reported chunk position (§3 invariant
// 6: applied during Collecting, before the tick's Spatial Index rebuild).
func (c *ConnectionState) SetChunkPos(p chunkpos.ChunkPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunkPos = p
}

// ChunkPos returns the last recorded chunk position.
func (c *ConnectionState) ChunkPos() chunkpos.ChunkPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunkPos
}

// NextUnicastOrder returns and increments the per-stream unicast cursor.
// Unused by the egress dispatch path (Unicast order comes from the
// PacketRecord); nothing else in this tree calls it either.
func (c *ConnectionState) NextUnicastOrder() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.nextUnicastOrder
	c.nextUnicastOrder++
	return v
}

// QueueDepth returns the current outbound byte queue length.
func (c *ConnectionState) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// State returns the stream's current lifecycle state.
func (c *ConnectionState) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch refreshes the idle-timeout clock; called on any ingress or egress
// activity for the stream.
func (c *ConnectionState) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// Idle reports whether the stream has been silent past its idle timeout.
func (c *ConnectionState) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.thresholds.IdleTimeout <= 0 {
		return false
	}
	return time.Since(c.lastActivity) > c.thresholds.IdleTimeout
}

// EnqueueResult describes the outcome of Enqueue, letting the egress engine
// distinguish a normal append from a threshold crossing without a second
// lock round-trip.
type EnqueueResult int

const (
	// EnqueueOK means the bytes were appended normally.
	EnqueueOK EnqueueResult = iota
	// EnqueueDroppedOptional means the packet was optional and the queue
	// was already at or above HighWaterMark, so nothing was appended.
	EnqueueDroppedOptional
	// EnqueueDisconnect means the bytes were appended but the queue is now
	// above DisconnectMark; the caller must move the stream to Closing.
	EnqueueDisconnect
)

// Enqueue appends payload to the outbound queue, honoring the optional
// drop-at-high-water-mark and disconnect-at-hard-limit rules from §4.2.
func (c *ConnectionState) Enqueue(payload []byte, optional bool) EnqueueResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if optional && len(c.outbound) >= c.thresholds.HighWaterMark {
		return EnqueueDroppedOptional
	}

	c.outbound = append(c.outbound, payload...)

	if c.thresholds.DisconnectMark > 0 && len(c.outbound) > c.thresholds.DisconnectMark {
		return EnqueueDisconnect
	}
	return EnqueueOK
}

// DrainForWrite removes and returns everything queued so far, for a single
// batched write (§4.2 step 4: "a single writev-equivalent per stream per
// tick"). Returns nil if nothing is queued.
func (c *ConnectionState) DrainForWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.outbound) == 0 {
		return nil
	}
	out := c.outbound
	c.outbound = nil
	return out
}

// MarkClosing transitions the stream out of Active; idempotent.
func (c *ConnectionState) MarkClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateActive {
		c.state = StateClosing
	}
}

// MarkGone transitions the stream to Gone, its terminal state.
func (c *ConnectionState) MarkGone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateGone
}

// Table is the concurrent map from stream id to ConnectionState (§5: "an
// appropriate concurrent-map or partitioned-lock scheme is required").
// sync.Map is used directly: Dispatch is read-dominated (many lookups, rare
// inserts/deletes), exactly the access pattern sync.Map is built for.
type Table struct {
	streams sync.Map // uint64 -> *ConnectionState
	count   int64
	countMu sync.Mutex
}

// NewTable creates an empty connection table.
func NewTable() *Table {
	return &Table{}
}

// Insert adds a newly accepted stream. Invariant 1 (§3): exactly one
// ConnectionState per connected client.
func (t *Table) Insert(cs *ConnectionState) {
	t.streams.Store(cs.Stream, cs)
	t.countMu.Lock()
	t.count++
	t.countMu.Unlock()
}

// Get looks up a stream, returning ok=false if it does not exist (or has
// already been removed).
func (t *Table) Get(stream uint64) (*ConnectionState, bool) {
	v, ok := t.streams.Load(stream)
	if !ok {
		return nil, false
	}
	return v.(*ConnectionState), true
}

// Remove deletes a stream's ConnectionState. Called once the socket is
// closed and any in-flight outbound bytes have drained (§4.3).
func (t *Table) Remove(stream uint64) {
	if _, ok := t.streams.LoadAndDelete(stream); ok {
		t.countMu.Lock()
		t.count--
		t.countMu.Unlock()
	}
}

// Len returns the number of connected streams.
func (t *Table) Len() int {
	t.countMu.Lock()
	defer t.countMu.Unlock()
	return int(t.count)
}

// BroadcastSnapshot is one entry of Snapshot's broadcast-eligible output.
type BroadcastSnapshot struct {
	Stream uint64
	Pos    chunkpos.ChunkPosition
}

// SnapshotBroadcastPositions returns (stream, chunk position) for every
// stream with receives_broadcasts=true, the exact input the Spatial Index
// bulk rebuild needs each tick (§4.1 step 1).
func (t *Table) SnapshotBroadcastPositions() []BroadcastSnapshot {
	var out []BroadcastSnapshot
	t.streams.Range(func(_, v any) bool {
		cs := v.(*ConnectionState)
		if cs.ReceivesBroadcasts() && cs.State() == StateActive {
			out = append(out, BroadcastSnapshot{Stream: cs.Stream, Pos: cs.ChunkPos()})
		}
		return true
	})
	return out
}

// Range iterates over every connected stream. f returning false stops
// iteration early, matching sync.Map.Range's contract.
func (t *Table) Range(f func(cs *ConnectionState) bool) {
	t.streams.Range(func(_, v any) bool {
		return f(v.(*ConnectionState))
	})
}
