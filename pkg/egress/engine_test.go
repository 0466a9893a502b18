// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package egress

import (
	"net"
	"testing"
	"time"

	"tickproxy/pkg/chunkpos"
	"tickproxy/pkg/conntable"
	"tickproxy/pkg/pool"
)

// pipeStream creates a ConnectionState backed by a net.Pipe, returning the
// state plus the other end of the pipe for the test to read from.
func pipeStream(stream uint64) (*conntable.ConnectionState, net.Conn) {
	a, b := net.Pipe()
	cs := conntable.New(stream, a, conntable.QueueThresholds{HighWaterMark: 64, DisconnectMark: 1 << 20})
	return cs, b
}

func readAll(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	read := 0
	for read < n {
		k, err := conn.Read(buf[read:])
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		read += k
	}
	return buf
}

func assertNothingArrives(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		t.Fatal("expected no data, but read succeeded")
	}
}

func newEngine() (*Engine, *conntable.Table) {
	tbl := conntable.NewTable()
	p := pool.New(pool.Config{MaxIdle: 2, InitialSize: 1024})
	return NewEngine(tbl, p, nil), tbl
}

// S1 — Unicast round-trip.
func TestS1UnicastRoundTrip(t *testing.T) {
	e, tbl := newEngine()
	cs, other := pipeStream(1)
	tbl.Insert(cs)
	defer other.Close()

	e.BeginTick()
	e.Stage([]byte{0xAA, 0xBB}, UnicastAddr(1), 0x00010000, false, 0, false)
	go func() { e.FinishTick() }()

	got := readAll(t, other, 2)
	if got[0] != 0xAA || got[1] != 0xBB {
		t.Fatalf("got %x", got)
	}
}

// S2 — Ordering across workers: two out-of-order unicasts to the same
// stream must be delivered in ascending order.
func TestS2OrderingAcrossWorkers(t *testing.T) {
	e, tbl := newEngine()
	cs, other := pipeStream(1)
	tbl.Insert(cs)
	defer other.Close()

	e.BeginTick()
	e.Stage([]byte("A"), UnicastAddr(1), 0x00020000, false, 0, false)
	e.Stage([]byte("B"), UnicastAddr(1), 0x00010000, false, 0, false)
	go func() { e.FinishTick() }()

	got := readAll(t, other, 2)
	if string(got) != "BA" {
		t.Fatalf("expected B then A, got %q", got)
	}
}

// S3 — Broadcast gating.
func TestS3BroadcastGating(t *testing.T) {
	e, tbl := newEngine()
	cs1, other1 := pipeStream(1)
	cs2, other2 := pipeStream(2)
	tbl.Insert(cs1)
	tbl.Insert(cs2)
	cs2.SetReceiveBroadcasts()
	defer other1.Close()
	defer other2.Close()

	e.BeginTick()
	e.Stage([]byte("X"), GlobalAddr(), 1, false, 0, false)
	go func() { e.FinishTick() }()

	got := readAll(t, other2, 1)
	if string(got) != "X" {
		t.Fatalf("stream 2 expected X, got %q", got)
	}
	assertNothingArrives(t, other1)
}

// S4 — Local fanout.
func TestS4LocalFanout(t *testing.T) {
	e, tbl := newEngine()
	cs1, other1 := pipeStream(1)
	cs2, other2 := pipeStream(2)
	cs3, other3 := pipeStream(3)
	for _, cs := range []*conntable.ConnectionState{cs1, cs2, cs3} {
		tbl.Insert(cs)
		cs.SetReceiveBroadcasts()
	}
	cs1.SetChunkPos(chunkpos.ChunkPosition{CX: 0, CZ: 0})
	cs2.SetChunkPos(chunkpos.ChunkPosition{CX: 2, CZ: 0})
	cs3.SetChunkPos(chunkpos.ChunkPosition{CX: 5, CZ: 0})
	defer other1.Close()
	defer other2.Close()
	defer other3.Close()

	e.BeginTick()
	e.Stage([]byte("Y"), LocalAddr(chunkpos.ChunkPosition{CX: 0, CZ: 0}, 3), 1, false, 0, false)
	go func() { e.FinishTick() }()

	if got := readAll(t, other1, 1); string(got) != "Y" {
		t.Fatalf("stream 1 expected Y, got %q", got)
	}
	if got := readAll(t, other2, 1); string(got) != "Y" {
		t.Fatalf("stream 2 expected Y, got %q", got)
	}
	assertNothingArrives(t, other3)
}

// S5 — Exclude.
func TestS5Exclude(t *testing.T) {
	e, tbl := newEngine()
	cs1, other1 := pipeStream(1)
	cs2, other2 := pipeStream(2)
	tbl.Insert(cs1)
	tbl.Insert(cs2)
	cs1.SetReceiveBroadcasts()
	cs2.SetReceiveBroadcasts()
	defer other1.Close()
	defer other2.Close()

	e.BeginTick()
	e.Stage([]byte("Z"), GlobalAddr(), 1, false, 1, true)
	go func() { e.FinishTick() }()

	if got := readAll(t, other2, 1); string(got) != "Z" {
		t.Fatalf("stream 2 expected Z, got %q", got)
	}
	assertNothingArrives(t, other1)
}

// S6 — Optional drop under load.
func TestS6OptionalDropUnderLoad(t *testing.T) {
	e, tbl := newEngine()
	cs := conntable.New(1, nil, conntable.QueueThresholds{HighWaterMark: 2, DisconnectMark: 1 << 20})
	tbl.Insert(cs)
	cs.SetReceiveBroadcasts()
	// Artificially hold the queue at the high-water mark.
	cs.Enqueue([]byte("xx"), false)

	e.BeginTick()
	e.Stage([]byte("optional"), GlobalAddr(), 1, true, 0, false)
	e.Stage([]byte("!"), GlobalAddr(), 2, false, 0, false)
	records, dropped := e.FinishTick()

	if records != 2 {
		t.Fatalf("expected 2 records, got %d", records)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped optional delivery, got %d", dropped)
	}
	if cs.QueueDepth() != 0 {
		t.Fatalf("expected queue drained by write, got depth %d", cs.QueueDepth())
	}
}

// Invariant 2: Unicast is delivered regardless of receives_broadcasts.
func TestUnicastDeliveredRegardlessOfBroadcastFlag(t *testing.T) {
	e, tbl := newEngine()
	cs, other := pipeStream(7)
	tbl.Insert(cs) // never calls SetReceiveBroadcasts
	defer other.Close()

	e.BeginTick()
	e.Stage([]byte("hi"), UnicastAddr(7), 0, false, 0, false)
	go func() { e.FinishTick() }()

	if got := readAll(t, other, 2); string(got) != "hi" {
		t.Fatalf("got %q", got)
	}
}

// Invariant: unknown Unicast target is a silent no-op, not an error.
func TestUnicastToUnknownStreamIsNoop(t *testing.T) {
	e, tbl := newEngine()
	_ = tbl

	e.BeginTick()
	e.Stage([]byte("hi"), UnicastAddr(999), 0, false, 0, false)
	records, dropped := e.FinishTick()
	if records != 1 || dropped != 0 {
		t.Fatalf("unexpected records=%d dropped=%d", records, dropped)
	}
}

// Multicast bypasses the broadcast-receiving filter.
func TestMulticastBypassesBroadcastFilter(t *testing.T) {
	e, tbl := newEngine()
	cs, other := pipeStream(3)
	tbl.Insert(cs) // receives_broadcasts stays false
	defer other.Close()

	e.BeginTick()
	e.Stage([]byte("m"), MulticastAddr([]uint64{3}), 0, false, 0, false)
	go func() { e.FinishTick() }()

	if got := readAll(t, other, 1); string(got) != "m" {
		t.Fatalf("got %q", got)
	}
}
