// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package simwrite implements the simulation-side write multiplexer (§4.4):
// each worker owns a byte buffer for the duration of one tick, appends
// encoded PacketRecord frames to it tagged with a monotonic
// (system_id, local_counter) order, and at tick end every worker's buffer
// is concatenated onto the single control channel followed by a Flush
// marker.
//
// This package is a library consumed by the simulation process, which is
// an external collaborator per §1; cmd/simharness demonstrates wiring it to
// pkg/wire and a real TCP connection the way a simulation server would.
//
// Go has no thread-local storage, so "thread-local buffer" becomes
// "goroutine-owned Worker value, never shared": the caller hands each
// concurrent system its own *Worker (or *Worker per goroutine from a pool)
// instead of the runtime assigning one implicitly.
package simwrite

import (
	"fmt"
	"sync"

	"tickproxy/pkg/chunkpos"
	proxyerrors "tickproxy/pkg/errors"
	"tickproxy/pkg/wire"
)

// MaxLocalCounter is the largest local_counter value a system may use
// before it must roll over to a new system_id (§4.4 constraint: 16 bits).
const MaxLocalCounter = 1<<16 - 1

// OrderTag packs (system_id, local_counter) into the 32-bit order used for
// flush-group sorting (§3, §4.4, §9).
func OrderTag(systemID uint16, localCounter uint16) uint32 {
	return uint32(systemID)<<16 | uint32(localCounter)
}

// Worker is one per-tick, per-goroutine output buffer. It is not safe for
// concurrent use by multiple goroutines; each system-executing goroutine
// owns exactly one Worker for the duration of a tick.
type Worker struct {
	buf          []byte
	systemID     uint16
	localCounter uint32 // widened past 16 bits so Next can detect overflow before truncating
	onOverflow   OverflowPolicy
}

// OverflowPolicy controls what happens when a system's local_counter would
// exceed MaxLocalCounter within one tick (§4.4 constraint).
type OverflowPolicy int

const (
	// OverflowPanic panics immediately — the default; use in
	// development/tests to catch a system that is not partitioning itself
	// across multiple system_ids.
	OverflowPanic OverflowPolicy = iota
	// OverflowSaturate stops advancing local_counter, reusing
	// MaxLocalCounter for every subsequent packet in the tick. Tests
	// exercise this to verify saturation behavior without crashing.
	OverflowSaturate
)

// NewWorker creates a Worker for a single system's packets within one tick.
// systemID identifies the system in the packed order tag.
func NewWorker(systemID uint16, onOverflow OverflowPolicy) *Worker {
	return &Worker{buf: make([]byte, 0, 8<<10), systemID: systemID, onOverflow: onOverflow}
}

// Reset clears the buffer and counter for the next tick, keeping the
// allocated capacity.
func (w *Worker) Reset(systemID uint16) {
	w.buf = w.buf[:0]
	w.systemID = systemID
	w.localCounter = 0
}

func (w *Worker) nextOrder() uint32 {
	if w.localCounter > MaxLocalCounter {
		switch w.onOverflow {
		case OverflowSaturate:
			w.localCounter = MaxLocalCounter
		default:
			panic(fmt.Sprintf("simwrite: system %d produced more than %d packets in one tick", w.systemID, MaxLocalCounter+1))
		}
	}
	order := OrderTag(w.systemID, uint16(w.localCounter))
	if w.localCounter <= MaxLocalCounter {
		w.localCounter++
	}
	return order
}

func (w *Worker) appendFrame(tag byte, msg any) error {
	body, err := wire.EncodeServerToProxy(tag, msg)
	if err != nil {
		return proxyerrors.New("simwrite", "append", 0, err)
	}
	prefixed := wire.AppendLengthPrefixed(w.buf, body)
	w.buf = prefixed
	return nil
}

// Unicast appends a Unicast record addressed to stream, auto-assigning the
// next order tag for this worker's system.
func (w *Worker) Unicast(stream uint64, data []byte) error {
	return w.appendFrame(wire.TagUnicast, wire.Unicast{Data: data, Stream: stream, Order: w.nextOrder()})
}

// Multicast appends a Multicast record to an explicit stream list.
func (w *Worker) Multicast(streams []uint64, data []byte) error {
	return w.appendFrame(wire.TagMulticast, wire.Multicast{Data: data, Streams: streams, Order: w.nextOrder()})
}

// BroadcastGlobal appends a Global-addressed record.
func (w *Worker) BroadcastGlobal(data []byte, optional bool, exclude uint64) error {
	return w.appendFrame(wire.TagBroadcastGlobal, wire.BroadcastGlobal{Data: data, Optional: optional, Exclude: exclude, Order: w.nextOrder()})
}

// BroadcastLocal appends a Local-addressed record.
func (w *Worker) BroadcastLocal(data []byte, center chunkpos.ChunkPosition, radius int64, optional bool, exclude uint64) error {
	return w.appendFrame(wire.TagBroadcastLocal, wire.BroadcastLocal{
		Data: data, Center: center, TaxicabRadius: radius, Optional: optional, Exclude: exclude, Order: w.nextOrder(),
	})
}

// UpdatePlayerChunkPositions appends a position update. It does not consume
// an order tag: position updates are applied during Collecting, before
// Sorting, and are never reordered against other packets (§4.6).
func (w *Worker) UpdatePlayerChunkPositions(streams []uint64, positions []chunkpos.ChunkPosition) error {
	return w.appendFrame(wire.TagUpdatePlayerChunkPositions, wire.UpdatePlayerChunkPositions{Streams: streams, Positions: positions})
}

// SetReceiveBroadcasts appends a latch-to-true record for stream. Like
// UpdatePlayerChunkPositions, it carries no order tag.
func (w *Worker) SetReceiveBroadcasts(stream uint64) error {
	return w.appendFrame(wire.TagSetReceiveBroadcasts, wire.SetReceiveBroadcasts{Stream: stream})
}

// Bytes returns the worker's accumulated frames for this tick.
func (w *Worker) Bytes() []byte { return w.buf }

// Multiplexer owns the set of per-system Workers for one simulation process
// and serializes them onto the control channel at tick end (§4.4).
type Multiplexer struct {
	mu      sync.Mutex
	workers []*Worker
}

// NewMultiplexer creates an empty multiplexer; Workers are registered via
// NewTickWorker as the tick's ordered system list advances.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{}
}

// NewTickWorker allocates (or would allocate, in a pooled implementation) a
// Worker for the system about to run, appends it to this tick's roster, and
// returns it. Concurrent callers (one per worker goroutine) may call this
// safely; each gets back its own Worker to fill in isolation.
func (m *Multiplexer) NewTickWorker(systemID uint16, onOverflow OverflowPolicy) *Worker {
	w := NewWorker(systemID, onOverflow)
	m.mu.Lock()
	m.workers = append(m.workers, w)
	m.mu.Unlock()
	return w
}

// Flush concatenates every registered worker's buffer (order across workers
// is irrelevant — the proxy re-sorts by order tag) onto w, appends a Flush
// marker, and clears the roster for the next tick.
func (m *Multiplexer) Flush(w *wire.FrameWriter) error {
	m.mu.Lock()
	workers := m.workers
	m.workers = nil
	m.mu.Unlock()

	for _, worker := range workers {
		if _, err := writeRaw(w, worker.Bytes()); err != nil {
			return proxyerrors.New("simwrite", "flush", 0, err)
		}
	}

	body, err := wire.EncodeServerToProxy(wire.TagFlush, wire.Flush{})
	if err != nil {
		return proxyerrors.New("simwrite", "flush", 0, err)
	}
	return w.WriteFrame(body)
}

// writeRaw writes pre-framed bytes (a worker's buffer is already a sequence
// of length-prefixed frames) directly to the underlying writer, bypassing
// FrameWriter.WriteFrame's own length-prefixing.
func writeRaw(w *wire.FrameWriter, raw []byte) (int, error) {
	return w.WriteRaw(raw)
}
