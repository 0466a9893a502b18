// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package egress

import "tickproxy/pkg/chunkpos"

// AddressKind selects which of the four addressing modes (§3) a
// PacketRecord uses.
type AddressKind int

const (
	Global AddressKind = iota
	Local
	Multicast
	Unicast
)

func (k AddressKind) String() string {
	switch k {
	case Global:
		return "global"
	case Local:
		return "local"
	case Multicast:
		return "multicast"
	case Unicast:
		return "unicast"
	default:
		return "unknown"
	}
}

// Addressing is the internal, decoded form of the wire Addressing enum
// (§3): exactly one addressing mode is active per record, selected by Kind.
type Addressing struct {
	Kind AddressKind

	// Local
	Center chunkpos.ChunkPosition
	Radius int64

	// Multicast
	Streams []uint64

	// Unicast
	Stream uint64
}

// GlobalAddr builds a Global addressing value.
func GlobalAddr() Addressing { return Addressing{Kind: Global} }

// LocalAddr builds a Local{center, radius} addressing value.
func LocalAddr(center chunkpos.ChunkPosition, radius int64) Addressing {
	return Addressing{Kind: Local, Center: center, Radius: radius}
}

// MulticastAddr builds a Multicast{streams} addressing value.
func MulticastAddr(streams []uint64) Addressing {
	return Addressing{Kind: Multicast, Streams: streams}
}

// UnicastAddr builds a Unicast{stream} addressing value.
func UnicastAddr(stream uint64) Addressing {
	return Addressing{Kind: Unicast, Stream: stream}
}

// PacketRecord is the ephemeral, per-tick record described in §3. Payload
// must be a slice owned by the tick's arena (see pkg/pool); it is not valid
// past the end of the flush group's Writing phase.
type PacketRecord struct {
	Payload    []byte
	Addressing Addressing
	Order      uint32
	Optional   bool
	Exclude    uint64
	HasExclude bool

	// arrival is the tie-break index for stable sorting (§4.2 step 2).
	arrival int
}
