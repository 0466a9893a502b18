// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"

	"tickproxy/pkg/hooks"
)

// engineHooks adapts Metrics to hooks.EngineHooks so pkg/ingress and
// pkg/egress can report events without depending on this package directly.
type engineHooks struct {
	m *Metrics
}

// NewHooks wraps m as an EngineHooks implementation, wiring every observed
// event to its corresponding collector.
func NewHooks(m *Metrics) hooks.EngineHooks {
	return engineHooks{m: m}
}

func (h engineHooks) OnStreamConnect(_ context.Context, _ uint64, _ string) {
	h.m.StreamsTotal.Inc()
	h.m.ActiveStreams.Inc()
}

func (h engineHooks) OnStreamDisconnect(_ context.Context, _ uint64, _ string) {
	h.m.ActiveStreams.Dec()
}

func (h engineHooks) OnFrameForwarded(_ context.Context, _ uint64, _ int) {
	h.m.FramesForwarded.Inc()
}

func (h engineHooks) OnFrameRateLimited(_ context.Context, _ uint64) {
	h.m.StreamRateLimited.Inc()
}

func (h engineHooks) OnPacketDropped(_ context.Context, _ uint64, addressing string, _ int) {
	h.m.PacketsDropped.WithLabelValues(addressing).Inc()
}

func (h engineHooks) OnStreamFatal(_ context.Context, _ uint64, reason error) {
	label := "unknown"
	if reason != nil {
		label = reason.Error()
	}
	h.m.StreamsFatal.WithLabelValues(label).Inc()
}

func (h engineHooks) OnControlChannelProtocolError(_ context.Context, _ error) {
	h.m.ControlChannelProtocolErrors.Inc()
}

func (h engineHooks) OnTickComplete(_ context.Context, records, _ int) {
	h.m.RecordsPerTick.Observe(float64(records))
}
