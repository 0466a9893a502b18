// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command simharness is a minimal stand-in for the simulation server
// (§1: "treated as an external collaborator"), used for local manual
// testing of cmd/tickproxy; no automated test in this tree runs it. It dials the proxy's control
// channel, decodes PlayerConnect/PlayerDisconnect/ClientData from it, and
// drives pkg/simwrite to emit a fixed tick loop: every connected stream
// that has reported a chunk position receives a Unicast heartbeat, and
// every tick ends with a BroadcastGlobal "tick" marker, demonstrating the
// ordering and addressing rules pkg/egress implements.
//
// This is not a game simulation (combat, inventory, world state are out of
// scope per §1); it exists solely to exercise §4.4's write multiplexer and
// §4.5's codec end to end against a real TCP connection.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tickproxy/pkg/chunkpos"
	"tickproxy/pkg/simwrite"
	"tickproxy/pkg/wire"
)

func main() {
	addr := flag.String("proxy", "127.0.0.1:25566", "proxy control-channel address to dial")
	tickPeriod := flag.Duration("tick", 50*time.Millisecond, "fixed tick period")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := run(ctx, *addr, *tickPeriod, logger); err != nil {
		logger.Error("simharness exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, addr string, tickPeriod time.Duration, logger *slog.Logger) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial proxy control channel %s: %w", addr, err)
	}
	defer conn.Close()
	logger.Info("connected to proxy control channel", slog.String("address", addr))

	sim := newSimState()

	fw := wire.NewFrameWriter(conn)
	var writeMu sync.Mutex

	readDone := make(chan error, 1)
	go func() {
		readDone <- sim.readLoop(wire.NewFrameReader(bufio.NewReader(conn)), logger)
	}()

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	mux := simwrite.NewMultiplexer()
	var systemID uint16

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readDone:
			return err
		case <-ticker.C:
			w := mux.NewTickWorker(systemID, simwrite.OverflowPanic)
			systemID++

			sim.emitTick(w)

			writeMu.Lock()
			err := mux.Flush(fw)
			writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("flush tick: %w", err)
			}
		}
	}
}

// simState tracks the minimal view of connected streams a simulation needs
// to build this harness's heartbeat/broadcast traffic: nothing about game
// rules, just what §4.4's Worker methods need as arguments.
type simState struct {
	mu        sync.Mutex
	positions map[uint64]chunkpos.ChunkPosition
	nextPos   int32
}

func newSimState() *simState {
	return &simState{positions: make(map[uint64]chunkpos.ChunkPosition)}
}

func (s *simState) readLoop(fr *wire.FrameReader, logger *slog.Logger) error {
	for {
		body, err := fr.ReadFrame()
		if err != nil {
			return err
		}
		if len(body) == 0 {
			continue
		}
		msg, err := wire.DecodeProxyToServer(body[0], body[1:])
		if err != nil {
			logger.Warn("malformed proxy->server record", slog.String("error", err.Error()))
			continue
		}
		switch m := msg.(type) {
		case wire.PlayerConnect:
			s.onConnect(m.Stream)
			logger.Info("player connected", slog.Uint64("stream", m.Stream))
		case wire.PlayerDisconnect:
			s.onDisconnect(m.Stream)
			logger.Info("player disconnected", slog.Uint64("stream", m.Stream))
		case wire.ClientData:
			logger.Debug("client data", slog.Uint64("stream", m.Stream), slog.Int("bytes", len(m.Data)))
		}
	}
}

func (s *simState) onConnect(stream uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextPos++
	s.positions[stream] = chunkpos.ChunkPosition{CX: s.nextPos, CZ: 0}
}

func (s *simState) onDisconnect(stream uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, stream)
}

// emitTick writes this tick's traffic to w: a position report for every
// connected stream, a per-stream Unicast heartbeat, and a trailing
// BroadcastGlobal marker — exercising position updates plus the two §4.2
// addressing paths this harness drives, Unicast and Global (Multicast is
// not emitted; Local fan-out needs more
// than one moving point to be interesting and is covered by pkg/egress's
// own tests instead).
func (s *simState) emitTick(w *simwrite.Worker) {
	s.mu.Lock()
	streams := make([]uint64, 0, len(s.positions))
	positions := make([]chunkpos.ChunkPosition, 0, len(s.positions))
	for stream, pos := range s.positions {
		streams = append(streams, stream)
		positions = append(positions, pos)
	}
	s.mu.Unlock()

	if len(streams) > 0 {
		_ = w.UpdatePlayerChunkPositions(streams, positions)
	}
	for _, stream := range streams {
		_ = w.SetReceiveBroadcasts(stream)
		_ = w.Unicast(stream, []byte("heartbeat"))
	}
	_ = w.BroadcastGlobal([]byte("tick"), true, 0)
}
