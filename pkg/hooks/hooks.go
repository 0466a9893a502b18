// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hooks defines the observability callbacks the ingress and egress
// engines invoke around stream lifecycle and packet delivery events. This
// proxy's core has nothing to authorize at this layer (that is delegated to
// the upstream proxy per §1/§6), so EngineHooks is purely a post-action
// notification surface: stream connect/disconnect, frame forwarding, rate
// limiting, packet drops, stream-fatal conditions, protocol errors, and
// tick completion.
package hooks

import "context"

// EngineHooks receives notifications from pkg/ingress and pkg/egress.
// Every method is called synchronously from the engine's own goroutine;
// implementations that do non-trivial work (metrics aside) should hand off
// to their own goroutine rather than block the tick or the ingress reader.
type EngineHooks interface {
	// OnStreamConnect fires once a stream has been accepted and its
	// ConnectionState inserted into the table, after PlayerConnect has
	// been emitted to the simulation (§3 lifecycle).
	OnStreamConnect(ctx context.Context, stream uint64, sessionID string)

	// OnStreamDisconnect fires once a stream's ConnectionState has been
	// removed from the table, after PlayerDisconnect has been emitted.
	OnStreamDisconnect(ctx context.Context, stream uint64, sessionID string)

	// OnFrameForwarded fires for every client frame forwarded to the
	// simulation as ClientData (§4.3).
	OnFrameForwarded(ctx context.Context, stream uint64, n int)

	// OnFrameRateLimited fires when a client frame is dropped instead of
	// forwarded because the stream exceeded its per-stream ingress rate
	// limit (§7 ResourceExhaustion guarded ahead of the hard queue
	// thresholds, not itself one of the five named error kinds).
	OnFrameRateLimited(ctx context.Context, stream uint64)

	// OnPacketDropped fires when an optional PacketRecord is dropped for
	// one target because its queue is at or above the high-water mark
	// (§4.2 step 3).
	OnPacketDropped(ctx context.Context, stream uint64, addressing string, n int)

	// OnStreamFatal fires when a stream is moved to Closing because its
	// outbound queue exceeded the hard disconnect threshold, or because
	// of a client I/O error that exceeded the retry budget (§7). pkg/ingress
	// also calls it with stream 0 and ErrResourceExhaustion each time the
	// accept limiter denies an accept; no stream is involved in that case.
	OnStreamFatal(ctx context.Context, stream uint64, reason error)

	// OnControlChannelProtocolError fires when a malformed or
	// inconsistent control-channel record is logged and dropped (§7
	// ControlChannelProtocol); the control channel itself is not torn
	// down.
	OnControlChannelProtocolError(ctx context.Context, err error)

	// OnTickComplete fires once a flush group's Writing phase has
	// finished, reporting how many records were processed and how many
	// optional deliveries were dropped.
	OnTickComplete(ctx context.Context, records int, dropped int)
}

// NoopHooks implements EngineHooks with empty bodies. Embed it to satisfy
// the interface while overriding only the events a caller cares about.
type NoopHooks struct{}

var _ EngineHooks = NoopHooks{}

func (NoopHooks) OnStreamConnect(context.Context, uint64, string)      {}
func (NoopHooks) OnStreamDisconnect(context.Context, uint64, string)   {}
func (NoopHooks) OnFrameForwarded(context.Context, uint64, int)        {}
func (NoopHooks) OnFrameRateLimited(context.Context, uint64)           {}
func (NoopHooks) OnPacketDropped(context.Context, uint64, string, int) {}
func (NoopHooks) OnStreamFatal(context.Context, uint64, error)         {}
func (NoopHooks) OnControlChannelProtocolError(context.Context, error) {}
func (NoopHooks) OnTickComplete(context.Context, int, int)             {}
