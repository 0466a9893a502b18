// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"tickproxy/pkg/chunkpos"
	proxyerrors "tickproxy/pkg/errors"
)

// field numbers within each message body (after the one-byte tag).
const (
	fUPCPStreams   = 1
	fUPCPPositions = 2

	fSRBStream = 1

	fBGData     = 1
	fBGOptional = 2
	fBGExclude  = 3
	fBGOrder    = 4

	fBLData     = 1
	fBLCenter   = 2
	fBLRadius   = 3
	fBLOptional = 4
	fBLExclude  = 5
	fBLOrder    = 6

	fMCData    = 1
	fMCStreams = 2
	fMCOrder   = 3

	fUCData   = 1
	fUCStream = 2
	fUCOrder  = 3

	fPCStream = 1
	fPDStream = 1
	fCDStream = 1
	fCDData   = 2

	// chunkpos.ChunkPosition sub-message fields
	fPosCX = 1
	fPosCZ = 2
)

func appendChunkPosition(b []byte, field protowire.Number, p chunkpos.ChunkPosition) []byte {
	var inner []byte
	inner = protowire.AppendTag(inner, fPosCX, protowire.VarintType)
	inner = protowire.AppendVarint(inner, protowire.EncodeZigZag(int64(p.CX)))
	inner = protowire.AppendTag(inner, fPosCZ, protowire.VarintType)
	inner = protowire.AppendVarint(inner, protowire.EncodeZigZag(int64(p.CZ)))

	b = protowire.AppendTag(b, field, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

func consumeChunkPosition(data []byte) (chunkpos.ChunkPosition, error) {
	var p chunkpos.ChunkPosition
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, fmt.Errorf("%w: malformed chunk position tag", proxyerrors.ErrControlChannelProtocol)
		}
		data = data[n:]
		switch num {
		case fPosCX:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("%w: malformed chunk position cx", proxyerrors.ErrControlChannelProtocol)
			}
			p.CX = int32(protowire.DecodeZigZag(v))
			data = data[n:]
		case fPosCZ:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("%w: malformed chunk position cz", proxyerrors.ErrControlChannelProtocol)
			}
			p.CZ = int32(protowire.DecodeZigZag(v))
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return p, fmt.Errorf("%w: malformed chunk position field", proxyerrors.ErrControlChannelProtocol)
			}
			data = data[n:]
		}
	}
	return p, nil
}

func appendBool(b []byte, field protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, field, protowire.VarintType)
	n := uint64(0)
	if v {
		n = 1
	}
	return protowire.AppendVarint(b, n)
}

// EncodeServerToProxy serializes one server->proxy message body (without
// the outer length prefix) given its tag.
func EncodeServerToProxy(tag byte, msg any) ([]byte, error) {
	body := []byte{tag}

	switch m := msg.(type) {
	case UpdatePlayerChunkPositions:
		if len(m.Streams) != len(m.Positions) {
			return nil, fmt.Errorf("%w: UpdatePlayerChunkPositions parallel array length mismatch (%d streams, %d positions)",
				proxyerrors.ErrControlChannelProtocol, len(m.Streams), len(m.Positions))
		}
		for _, s := range m.Streams {
			body = protowire.AppendTag(body, fUPCPStreams, protowire.VarintType)
			body = protowire.AppendVarint(body, s)
		}
		for _, p := range m.Positions {
			body = appendChunkPosition(body, fUPCPPositions, p)
		}

	case SetReceiveBroadcasts:
		body = protowire.AppendTag(body, fSRBStream, protowire.VarintType)
		body = protowire.AppendVarint(body, m.Stream)

	case BroadcastGlobal:
		body = protowire.AppendTag(body, fBGData, protowire.BytesType)
		body = protowire.AppendBytes(body, m.Data)
		body = appendBool(body, fBGOptional, m.Optional)
		body = protowire.AppendTag(body, fBGExclude, protowire.VarintType)
		body = protowire.AppendVarint(body, m.Exclude)
		body = protowire.AppendTag(body, fBGOrder, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(m.Order))

	case BroadcastLocal:
		body = protowire.AppendTag(body, fBLData, protowire.BytesType)
		body = protowire.AppendBytes(body, m.Data)
		body = appendChunkPosition(body, fBLCenter, m.Center)
		body = protowire.AppendTag(body, fBLRadius, protowire.VarintType)
		body = protowire.AppendVarint(body, protowire.EncodeZigZag(m.TaxicabRadius))
		body = appendBool(body, fBLOptional, m.Optional)
		body = protowire.AppendTag(body, fBLExclude, protowire.VarintType)
		body = protowire.AppendVarint(body, m.Exclude)
		body = protowire.AppendTag(body, fBLOrder, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(m.Order))

	case Multicast:
		body = protowire.AppendTag(body, fMCData, protowire.BytesType)
		body = protowire.AppendBytes(body, m.Data)
		for _, s := range m.Streams {
			body = protowire.AppendTag(body, fMCStreams, protowire.VarintType)
			body = protowire.AppendVarint(body, s)
		}
		body = protowire.AppendTag(body, fMCOrder, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(m.Order))

	case Unicast:
		body = protowire.AppendTag(body, fUCData, protowire.BytesType)
		body = protowire.AppendBytes(body, m.Data)
		body = protowire.AppendTag(body, fUCStream, protowire.VarintType)
		body = protowire.AppendVarint(body, m.Stream)
		body = protowire.AppendTag(body, fUCOrder, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(m.Order))

	case Flush:
		// no fields

	default:
		return nil, fmt.Errorf("wire: unknown server->proxy message type %T", msg)
	}

	return body, nil
}

// DecodeServerToProxy parses a server->proxy message body (tag already
// consumed by the caller) into the typed record.
func DecodeServerToProxy(tag byte, data []byte) (any, error) {
	switch tag {
	case TagUpdatePlayerChunkPositions:
		var m UpdatePlayerChunkPositions
		for len(data) > 0 {
			num, typ, n := protowire.ConsumeTag(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: malformed tag", proxyerrors.ErrControlChannelProtocol)
			}
			data = data[n:]
			switch num {
			case fUPCPStreams:
				v, n := protowire.ConsumeVarint(data)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed stream id", proxyerrors.ErrControlChannelProtocol)
				}
				m.Streams = append(m.Streams, v)
				data = data[n:]
			case fUPCPPositions:
				raw, n := protowire.ConsumeBytes(data)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed position", proxyerrors.ErrControlChannelProtocol)
				}
				pos, err := consumeChunkPosition(raw)
				if err != nil {
					return nil, err
				}
				m.Positions = append(m.Positions, pos)
				data = data[n:]
			default:
				n := protowire.ConsumeFieldValue(num, typ, data)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed field", proxyerrors.ErrControlChannelProtocol)
				}
				data = data[n:]
			}
		}
		if len(m.Streams) != len(m.Positions) {
			return nil, fmt.Errorf("%w: UpdatePlayerChunkPositions parallel array length mismatch (%d streams, %d positions)",
				proxyerrors.ErrControlChannelProtocol, len(m.Streams), len(m.Positions))
		}
		return m, nil

	case TagSetReceiveBroadcasts:
		var m SetReceiveBroadcasts
		if err := consumeSimple(data, map[protowire.Number]func([]byte) (int, error){
			fSRBStream: varintInto(&m.Stream),
		}); err != nil {
			return nil, err
		}
		return m, nil

	case TagBroadcastGlobal:
		var m BroadcastGlobal
		var order uint64
		if err := consumeSimple(data, map[protowire.Number]func([]byte) (int, error){
			fBGData:     bytesInto(&m.Data),
			fBGOptional: boolInto(&m.Optional),
			fBGExclude:  varintInto(&m.Exclude),
			fBGOrder:    varintInto(&order),
		}); err != nil {
			return nil, err
		}
		m.Order = uint32(order)
		return m, nil

	case TagBroadcastLocal:
		var m BroadcastLocal
		var order uint64
		var radius uint64
		var haveRadius bool
		raw := data
		for len(raw) > 0 {
			num, typ, n := protowire.ConsumeTag(raw)
			if n < 0 {
				return nil, fmt.Errorf("%w: malformed tag", proxyerrors.ErrControlChannelProtocol)
			}
			raw = raw[n:]
			switch num {
			case fBLData:
				v, n := protowire.ConsumeBytes(raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed data", proxyerrors.ErrControlChannelProtocol)
				}
				m.Data = append([]byte(nil), v...)
				raw = raw[n:]
			case fBLCenter:
				v, n := protowire.ConsumeBytes(raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed center", proxyerrors.ErrControlChannelProtocol)
				}
				pos, err := consumeChunkPosition(v)
				if err != nil {
					return nil, err
				}
				m.Center = pos
				raw = raw[n:]
			case fBLRadius:
				v, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed radius", proxyerrors.ErrControlChannelProtocol)
				}
				radius = v
				haveRadius = true
				raw = raw[n:]
			case fBLOptional:
				v, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed optional", proxyerrors.ErrControlChannelProtocol)
				}
				m.Optional = v != 0
				raw = raw[n:]
			case fBLExclude:
				v, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed exclude", proxyerrors.ErrControlChannelProtocol)
				}
				m.Exclude = v
				raw = raw[n:]
			case fBLOrder:
				v, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed order", proxyerrors.ErrControlChannelProtocol)
				}
				order = v
				raw = raw[n:]
			default:
				n := protowire.ConsumeFieldValue(num, typ, raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed field", proxyerrors.ErrControlChannelProtocol)
				}
				raw = raw[n:]
			}
		}
		if haveRadius {
			m.TaxicabRadius = protowire.DecodeZigZag(radius)
		}
		m.Order = uint32(order)
		return m, nil

	case TagMulticast:
		var m Multicast
		var order uint64
		raw := data
		for len(raw) > 0 {
			num, typ, n := protowire.ConsumeTag(raw)
			if n < 0 {
				return nil, fmt.Errorf("%w: malformed tag", proxyerrors.ErrControlChannelProtocol)
			}
			raw = raw[n:]
			switch num {
			case fMCData:
				v, n := protowire.ConsumeBytes(raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed data", proxyerrors.ErrControlChannelProtocol)
				}
				m.Data = append([]byte(nil), v...)
				raw = raw[n:]
			case fMCStreams:
				v, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed stream id", proxyerrors.ErrControlChannelProtocol)
				}
				m.Streams = append(m.Streams, v)
				raw = raw[n:]
			case fMCOrder:
				v, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed order", proxyerrors.ErrControlChannelProtocol)
				}
				order = v
				raw = raw[n:]
			default:
				n := protowire.ConsumeFieldValue(num, typ, raw)
				if n < 0 {
					return nil, fmt.Errorf("%w: malformed field", proxyerrors.ErrControlChannelProtocol)
				}
				raw = raw[n:]
			}
		}
		m.Order = uint32(order)
		return m, nil

	case TagUnicast:
		var m Unicast
		var order uint64
		if err := consumeSimple(data, map[protowire.Number]func([]byte) (int, error){
			fUCData:   bytesInto(&m.Data),
			fUCStream: varintInto(&m.Stream),
			fUCOrder:  varintInto(&order),
		}); err != nil {
			return nil, err
		}
		m.Order = uint32(order)
		return m, nil

	case TagFlush:
		return Flush{}, nil

	default:
		return nil, fmt.Errorf("%w: unknown server->proxy tag %d", proxyerrors.ErrControlChannelProtocol, tag)
	}
}

// EncodeProxyToServer serializes one proxy->server message body.
func EncodeProxyToServer(tag byte, msg any) ([]byte, error) {
	body := []byte{tag}

	switch m := msg.(type) {
	case PlayerConnect:
		body = protowire.AppendTag(body, fPCStream, protowire.VarintType)
		body = protowire.AppendVarint(body, m.Stream)
	case PlayerDisconnect:
		body = protowire.AppendTag(body, fPDStream, protowire.VarintType)
		body = protowire.AppendVarint(body, m.Stream)
	case ClientData:
		body = protowire.AppendTag(body, fCDStream, protowire.VarintType)
		body = protowire.AppendVarint(body, m.Stream)
		body = protowire.AppendTag(body, fCDData, protowire.BytesType)
		body = protowire.AppendBytes(body, m.Data)
	default:
		return nil, fmt.Errorf("wire: unknown proxy->server message type %T", msg)
	}

	return body, nil
}

// DecodeProxyToServer parses a proxy->server message body.
func DecodeProxyToServer(tag byte, data []byte) (any, error) {
	switch tag {
	case TagPlayerConnect:
		var m PlayerConnect
		if err := consumeSimple(data, map[protowire.Number]func([]byte) (int, error){
			fPCStream: varintInto(&m.Stream),
		}); err != nil {
			return nil, err
		}
		return m, nil
	case TagPlayerDisconnect:
		var m PlayerDisconnect
		if err := consumeSimple(data, map[protowire.Number]func([]byte) (int, error){
			fPDStream: varintInto(&m.Stream),
		}); err != nil {
			return nil, err
		}
		return m, nil
	case TagClientData:
		var m ClientData
		if err := consumeSimple(data, map[protowire.Number]func([]byte) (int, error){
			fCDStream: varintInto(&m.Stream),
			fCDData:   bytesInto(&m.Data),
		}); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown proxy->server tag %d", proxyerrors.ErrControlChannelProtocol, tag)
	}
}

// consumeSimple walks a flat sequence of (field number, wire-type-implied)
// values, dispatching each to the handler registered for its field number
// and skipping unknown fields. Used for the messages whose fields are all
// scalar and need no special ordering logic.
func consumeSimple(data []byte, handlers map[protowire.Number]func([]byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: malformed tag", proxyerrors.ErrControlChannelProtocol)
		}
		data = data[n:]

		if h, ok := handlers[num]; ok {
			consumed, err := h(data)
			if err != nil {
				return err
			}
			data = data[consumed:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return fmt.Errorf("%w: malformed field", proxyerrors.ErrControlChannelProtocol)
		}
		data = data[n:]
	}
	return nil
}

func varintInto(dst *uint64) func([]byte) (int, error) {
	return func(data []byte) (int, error) {
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return 0, fmt.Errorf("%w: malformed varint", proxyerrors.ErrControlChannelProtocol)
		}
		*dst = v
		return n, nil
	}
}

func boolInto(dst *bool) func([]byte) (int, error) {
	return func(data []byte) (int, error) {
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return 0, fmt.Errorf("%w: malformed bool", proxyerrors.ErrControlChannelProtocol)
		}
		*dst = v != 0
		return n, nil
	}
}

func bytesInto(dst *[]byte) func([]byte) (int, error) {
	return func(data []byte) (int, error) {
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return 0, fmt.Errorf("%w: malformed bytes", proxyerrors.ErrControlChannelProtocol)
		}
		*dst = append([]byte(nil), v...)
		return n, nil
	}
}
