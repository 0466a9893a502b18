// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the Control Protocol Codec: the length-prefixed,
// tagged record stream shared between the simulation's write multiplexer
// and the proxy's server command decoder / egress engine.
//
// Messages are encoded with the low-level field primitives from
// google.golang.org/protobuf/encoding/protowire (tag/varint/length-delimited
// building blocks) rather than a generated protobuf schema: no .proto
// compiler is available in this build, so the wire-format primitives that
// protoc-generated code would itself call are used directly. The resulting
// byte layout is fixed for this deployment and independent of host
// endianness, which is all §4.5 requires.
package wire

import "tickproxy/pkg/chunkpos"

// Server -> Proxy message tags.
const (
	TagUpdatePlayerChunkPositions byte = 1
	TagSetReceiveBroadcasts       byte = 2
	TagBroadcastGlobal            byte = 3
	TagBroadcastLocal             byte = 4
	TagMulticast                  byte = 5
	TagUnicast                    byte = 6
	TagFlush                      byte = 7
)

// Proxy -> Server message tags.
const (
	TagPlayerConnect    byte = 1
	TagPlayerDisconnect byte = 2
	TagClientData       byte = 3
)

// UpdatePlayerChunkPositions reports the current chunk position of a batch
// of streams. Streams and Positions are parallel arrays and must have equal
// length; a mismatch is a ControlChannelProtocol error (§7, §9 open
// question).
type UpdatePlayerChunkPositions struct {
	Streams   []uint64
	Positions []chunkpos.ChunkPosition
}

// SetReceiveBroadcasts latches a stream's receives_broadcasts flag to true.
type SetReceiveBroadcasts struct {
	Stream uint64
}

// BroadcastGlobal fans a payload out to every broadcast-enabled stream
// except Exclude (0 means no exclusion).
type BroadcastGlobal struct {
	Data     []byte
	Optional bool
	Exclude  uint64
	Order    uint32
}

// BroadcastLocal fans a payload out to broadcast-enabled streams within
// TaxicabRadius chunks of Center.
type BroadcastLocal struct {
	Data          []byte
	Center        chunkpos.ChunkPosition
	TaxicabRadius int64
	Optional      bool
	Exclude       uint64
	Order         uint32
}

// Multicast fans a payload out to an explicit stream list, bypassing the
// receives_broadcasts filter.
type Multicast struct {
	Data    []byte
	Streams []uint64
	Order   uint32
}

// Unicast delivers a payload to exactly one stream, regardless of its
// receives_broadcasts flag.
type Unicast struct {
	Data   []byte
	Stream uint64
	Order  uint32
}

// Flush marks a tick boundary: every PacketRecord before it belongs to the
// current flush group.
type Flush struct{}

// PlayerConnect notifies the simulation of a newly accepted stream.
type PlayerConnect struct {
	Stream uint64
}

// PlayerDisconnect notifies the simulation that a stream's ConnectionState
// has been removed.
type PlayerDisconnect struct {
	Stream uint64
}

// ClientData forwards raw client bytes to the simulation, unordered and
// unbuffered across ticks.
type ClientData struct {
	Stream uint64
	Data   []byte
}
