// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package egress implements the proxy-side egress engine (§4.2): per-tick
// staging of server commands between two Flush boundaries, stable sort by
// order, addressing-based dispatch against the connection table and
// spatial index, and batched per-stream writes.
package egress

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tickproxy/pkg/bvh"
	"tickproxy/pkg/conntable"
	proxyerrors "tickproxy/pkg/errors"
	"tickproxy/pkg/hooks"
	"tickproxy/pkg/pool"
	"tickproxy/pkg/wire"
)

// Clock abstracts time.Now so tests can avoid wall-clock flakiness in
// duration-based assertions; production code uses realClock.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// TickObserver receives phase-duration measurements; Metrics.Observe* are
// the production implementation, wired in cmd/tickproxy.
type TickObserver interface {
	ObserveFlushDuration(d time.Duration)
	ObserveBVHRebuildDuration(d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveFlushDuration(time.Duration)      {}
func (noopObserver) ObserveBVHRebuildDuration(time.Duration) {}

// Engine owns one flush group's worth of state: the staged records, the
// per-tick arena, and the freshly rebuilt spatial index. It implements the
// §4.6 tick epoch state machine Collecting -> Sorting -> Dispatching ->
// Writing -> Collecting.
type Engine struct {
	Table *conntable.Table

	arenaPool *pool.Pool
	hooks     hooks.EngineHooks
	observer  TickObserver
	clock     Clock

	arena   *pool.Arena
	records []PacketRecord
	touched map[uint64]struct{}
	index   *bvh.Tree[uint64]

	// writeFunc performs the batched per-stream write; overridable in
	// tests to avoid needing a real socket.
	writeFunc func(cs *conntable.ConnectionState, payload []byte) error
}

// NewEngine builds an Engine. h may be nil, in which case a no-op
// implementation is used.
func NewEngine(table *conntable.Table, arenaPool *pool.Pool, h hooks.EngineHooks) *Engine {
	if h == nil {
		h = hooks.NoopHooks{}
	}
	e := &Engine{
		Table:     table,
		arenaPool: arenaPool,
		hooks:     h,
		observer:  noopObserver{},
		clock:     realClock{},
	}
	e.writeFunc = defaultWrite
	return e
}

// SetObserver wires a TickObserver (typically metrics.Metrics) for phase
// duration histograms.
func (e *Engine) SetObserver(o TickObserver) {
	if o != nil {
		e.observer = o
	}
}

func defaultWrite(cs *conntable.ConnectionState, payload []byte) error {
	if cs.Conn == nil {
		return nil // no socket attached (unit tests exercising queue semantics only)
	}
	for written := 0; written < len(payload); {
		n, err := cs.Conn.Write(payload[written:])
		written += n
		if err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				continue // TransientClientIO: retry within the tick's Writing phase
			}
			return fmt.Errorf("%w: %v", proxyerrors.ErrClientFatal, err)
		}
	}
	return nil
}

// BeginTick starts a new flush group: Collecting begins. It acquires an
// arena from the pool and resets the staged-record buffer.
func (e *Engine) BeginTick() {
	e.arena = e.arenaPool.Get()
	e.records = e.records[:0]
	e.touched = make(map[uint64]struct{})
}

// ApplyUpdatePositions applies a position report immediately, during
// Collecting, as required by §4.6 ("position updates are not ordered
// packets"). Streams the simulation no longer knows about (already
// disconnected from the proxy's view) are skipped silently.
func (e *Engine) ApplyUpdatePositions(m wire.UpdatePlayerChunkPositions) {
	for i, s := range m.Streams {
		if cs, ok := e.Table.Get(s); ok {
			cs.SetChunkPos(m.Positions[i])
		}
	}
}

// ApplySetReceiveBroadcasts latches a stream's flag to true, immediately.
func (e *Engine) ApplySetReceiveBroadcasts(m wire.SetReceiveBroadcasts) {
	if cs, ok := e.Table.Get(m.Stream); ok {
		cs.SetReceiveBroadcasts()
	}
}

// Stage appends one PacketRecord to the current flush group's arena (§4.2
// step 1: Collect). payload is copied into the tick's arena so the caller's
// slice (e.g. a control-channel read buffer about to be reused) can be
// freed without affecting the staged record.
func (e *Engine) Stage(payload []byte, addr Addressing, order uint32, optional bool, exclude uint64, hasExclude bool) {
	copied := e.arena.Append(payload)
	e.records = append(e.records, PacketRecord{
		Payload: copied, Addressing: addr, Order: order,
		Optional: optional, Exclude: exclude, HasExclude: hasExclude,
		arrival: len(e.records),
	})
}

// HandleServerMessage decodes and applies one control-channel message body
// (tag included). It returns flush=true when the message was a Flush
// marker (the caller should then invoke FinishTick). A non-nil err is
// always a §7 ControlChannelProtocol condition: the record has already
// been dropped, decoding/staging has no side effect to undo, and the
// control channel itself must not be torn down because of it.
func (e *Engine) HandleServerMessage(body []byte) (flush bool, err error) {
	if len(body) == 0 {
		return false, fmt.Errorf("%w: empty message body", proxyerrors.ErrControlChannelProtocol)
	}
	tag := body[0]
	msg, decodeErr := wire.DecodeServerToProxy(tag, body[1:])
	if decodeErr != nil {
		return false, decodeErr
	}

	switch m := msg.(type) {
	case wire.UpdatePlayerChunkPositions:
		e.ApplyUpdatePositions(m)
	case wire.SetReceiveBroadcasts:
		e.ApplySetReceiveBroadcasts(m)
	case wire.BroadcastGlobal:
		e.Stage(m.Data, GlobalAddr(), m.Order, m.Optional, m.Exclude, m.Exclude != 0)
	case wire.BroadcastLocal:
		e.Stage(m.Data, LocalAddr(m.Center, m.TaxicabRadius), m.Order, m.Optional, m.Exclude, m.Exclude != 0)
	case wire.Multicast:
		e.Stage(m.Data, MulticastAddr(m.Streams), m.Order, false, 0, false)
	case wire.Unicast:
		e.Stage(m.Data, UnicastAddr(m.Stream), m.Order, false, 0, false)
	case wire.Flush:
		return true, nil
	default:
		return false, fmt.Errorf("%w: unhandled message type %T", proxyerrors.ErrControlChannelProtocol, msg)
	}
	return false, nil
}

// rebuildIndex bulk-rebuilds the spatial index from the connection table's
// current broadcast-enabled positions (§4.1, §3 invariant 6). Must run
// after Collecting has applied every UpdatePlayerChunkPositions in the
// group and before Dispatch reads it.
func (e *Engine) rebuildIndex() {
	start := e.clock.Now()
	snap := e.Table.SnapshotBroadcastPositions()
	entries := make([]bvh.Entry[uint64], len(snap))
	for i, s := range snap {
		entries[i] = bvh.Entry[uint64]{Pos: s.Pos, Value: s.Stream}
	}
	e.index = bvh.Build(entries, 0)
	e.observer.ObserveBVHRebuildDuration(e.clock.Now().Sub(start))
}

// sort stably orders the staged records by ascending Order, tie-broken by
// arrival index (§4.2 step 2).
func (e *Engine) sort() {
	sort.SliceStable(e.records, func(i, j int) bool {
		if e.records[i].Order != e.records[j].Order {
			return e.records[i].Order < e.records[j].Order
		}
		return e.records[i].arrival < e.records[j].arrival
	})
}

// targets returns the stream ids a record's addressing resolves to (§4.2
// step 3). The returned slice may alias internal storage and must not be
// retained past the current dispatch step.
func (e *Engine) targets(r PacketRecord) []uint64 {
	switch r.Addressing.Kind {
	case Global:
		var out []uint64
		e.Table.Range(func(cs *conntable.ConnectionState) bool {
			if cs.State() != conntable.StateActive || !cs.ReceivesBroadcasts() {
				return true
			}
			if r.HasExclude && cs.Stream == r.Exclude {
				return true
			}
			out = append(out, cs.Stream)
			return true
		})
		return out

	case Local:
		streams := bvh.QueryStreams(e.index, r.Addressing.Center, r.Addressing.Radius)
		if !r.HasExclude {
			return streams
		}
		out := streams[:0:0]
		for _, s := range streams {
			if s != r.Exclude {
				out = append(out, s)
			}
		}
		return out

	case Multicast:
		return r.Addressing.Streams

	case Unicast:
		return []uint64{r.Addressing.Stream}
	}
	return nil
}

// dispatch applies every staged record to its target streams' outbound
// queues (§4.2 step 3) and returns the number of optional deliveries
// dropped for back-pressure.
func (e *Engine) dispatch() int {
	dropped := 0
	for _, r := range e.records {
		for _, stream := range e.targets(r) {
			cs, ok := e.Table.Get(stream)
			if !ok {
				continue // unknown target: stale view, a no-op per §7
			}
			res := cs.Enqueue(r.Payload, r.Optional)
			switch res {
			case conntable.EnqueueDroppedOptional:
				dropped++
				e.hooks.OnPacketDropped(context.Background(), stream, r.Addressing.Kind.String(), len(r.Payload))
			case conntable.EnqueueDisconnect:
				e.touched[stream] = struct{}{}
				cs.MarkClosing()
				e.hooks.OnStreamFatal(context.Background(), stream, proxyerrors.ErrResourceExhaustion)
			default:
				e.touched[stream] = struct{}{}
			}
		}
	}
	return dropped
}

// write performs one batched write per touched stream (§4.2 step 4).
func (e *Engine) write() {
	for stream := range e.touched {
		cs, ok := e.Table.Get(stream)
		if !ok {
			continue
		}
		buf := cs.DrainForWrite()
		if buf == nil {
			continue
		}
		if err := e.writeFunc(cs, buf); err != nil {
			cs.MarkClosing()
			e.hooks.OnStreamFatal(context.Background(), stream, proxyerrors.ErrClientFatal)
		}
	}
}

// FinishTick runs Sorting, Dispatching, and Writing for the current flush
// group, then releases the arena back to the pool. It returns the number
// of records processed and how many optional deliveries were dropped.
func (e *Engine) FinishTick() (records int, dropped int) {
	start := e.clock.Now()

	e.rebuildIndex()
	e.sort()
	dropped = e.dispatch()
	e.write()

	records = len(e.records)
	e.hooks.OnTickComplete(context.Background(), records, dropped)
	e.observer.ObserveFlushDuration(e.clock.Now().Sub(start))

	e.arenaPool.Put(e.arena)
	e.arena = nil
	return records, dropped
}

// Index returns the spatial index built by the most recent FinishTick, for
// callers (tests, diagnostics) that want to query it directly.
func (e *Engine) Index() *bvh.Tree[uint64] { return e.index }

// RunFlushGroup drives one full tick epoch off fr: Collecting (reading and
// applying/staging messages until a Flush marker), then Sorting,
// Dispatching, and Writing. A ControlChannelProtocol error on any one
// message is reported via hooks and the message is dropped; reading stops
// only on a framing-level error (io.EOF or ControlChannelFatal), which is
// returned to the caller to drive reconnect/shutdown decisions (§4.6, §7).
func (e *Engine) RunFlushGroup(ctx context.Context, fr *wire.FrameReader) (records, dropped int, err error) {
	e.BeginTick()
	for {
		body, rerr := fr.ReadFrame()
		if rerr != nil {
			return 0, 0, rerr
		}
		flush, herr := e.HandleServerMessage(body)
		if herr != nil {
			e.hooks.OnControlChannelProtocolError(ctx, herr)
			continue
		}
		if flush {
			break
		}
	}
	records, dropped = e.FinishTick()
	return records, dropped, nil
}
