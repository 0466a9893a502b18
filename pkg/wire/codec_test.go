// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"tickproxy/pkg/chunkpos"
	proxyerrors "tickproxy/pkg/errors"
)

func roundTripServerToProxy(t *testing.T, tag byte, msg any) any {
	t.Helper()
	body, err := EncodeServerToProxy(tag, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeServerToProxy(tag, body[1:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestRoundTripUpdatePlayerChunkPositions(t *testing.T) {
	msg := UpdatePlayerChunkPositions{
		Streams: []uint64{1, 2, 3},
		Positions: []chunkpos.ChunkPosition{
			{CX: -5, CZ: 10},
			{CX: 0, CZ: 0},
			{CX: 1000, CZ: -1000},
		},
	}
	got := roundTripServerToProxy(t, TagUpdatePlayerChunkPositions, msg)
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestUpdatePlayerChunkPositionsLengthMismatch(t *testing.T) {
	msg := UpdatePlayerChunkPositions{
		Streams:   []uint64{1, 2},
		Positions: []chunkpos.ChunkPosition{{CX: 0, CZ: 0}},
	}
	if _, err := EncodeServerToProxy(TagUpdatePlayerChunkPositions, msg); !errors.Is(err, proxyerrors.ErrControlChannelProtocol) {
		t.Fatalf("expected ErrControlChannelProtocol on encode, got %v", err)
	}

	// A decode-side mismatch (malformed peer) must also surface as
	// ControlChannelProtocol rather than panicking or succeeding silently:
	// two stream ids but only one position.
	var body []byte
	body = protowire.AppendTag(body, fUPCPStreams, protowire.VarintType)
	body = protowire.AppendVarint(body, 1)
	body = protowire.AppendTag(body, fUPCPStreams, protowire.VarintType)
	body = protowire.AppendVarint(body, 2)
	body = appendChunkPosition(body, fUPCPPositions, chunkpos.ChunkPosition{})
	if _, err := DecodeServerToProxy(TagUpdatePlayerChunkPositions, body); !errors.Is(err, proxyerrors.ErrControlChannelProtocol) {
		t.Fatalf("expected ErrControlChannelProtocol on decode, got %v", err)
	}
}

func TestRoundTripSetReceiveBroadcasts(t *testing.T) {
	msg := SetReceiveBroadcasts{Stream: 42}
	got := roundTripServerToProxy(t, TagSetReceiveBroadcasts, msg)
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestRoundTripBroadcastGlobal(t *testing.T) {
	msg := BroadcastGlobal{
		Data:     []byte("hello world"),
		Optional: true,
		Exclude:  7,
		Order:    (3 << 16) | 99,
	}
	got := roundTripServerToProxy(t, TagBroadcastGlobal, msg)
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestRoundTripBroadcastGlobalEmptyData(t *testing.T) {
	msg := BroadcastGlobal{Data: nil, Optional: false, Exclude: 0, Order: 0}
	got := roundTripServerToProxy(t, TagBroadcastGlobal, msg).(BroadcastGlobal)
	if len(got.Data) != 0 || got.Optional || got.Exclude != 0 || got.Order != 0 {
		t.Fatalf("got %+v, want zero value", got)
	}
}

func TestRoundTripBroadcastLocal(t *testing.T) {
	msg := BroadcastLocal{
		Data:          []byte("chunk payload"),
		Center:        chunkpos.ChunkPosition{CX: -12, CZ: 34},
		TaxicabRadius: 8,
		Optional:      true,
		Exclude:       5,
		Order:         (1 << 16) | 1,
	}
	got := roundTripServerToProxy(t, TagBroadcastLocal, msg)
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestRoundTripMulticast(t *testing.T) {
	msg := Multicast{
		Data:    []byte("multi"),
		Streams: []uint64{9, 8, 7},
		Order:   123,
	}
	got := roundTripServerToProxy(t, TagMulticast, msg)
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestRoundTripUnicast(t *testing.T) {
	msg := Unicast{
		Data:   []byte("uni"),
		Stream: 555,
		Order:  1,
	}
	got := roundTripServerToProxy(t, TagUnicast, msg)
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestRoundTripFlush(t *testing.T) {
	got := roundTripServerToProxy(t, TagFlush, Flush{})
	if _, ok := got.(Flush); !ok {
		t.Fatalf("got %T, want Flush", got)
	}
}

func TestRoundTripPlayerConnect(t *testing.T) {
	msg := PlayerConnect{Stream: 11}
	body, err := EncodeProxyToServer(TagPlayerConnect, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeProxyToServer(TagPlayerConnect, body[1:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestRoundTripPlayerDisconnect(t *testing.T) {
	msg := PlayerDisconnect{Stream: 12}
	body, err := EncodeProxyToServer(TagPlayerDisconnect, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeProxyToServer(TagPlayerDisconnect, body[1:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestRoundTripClientData(t *testing.T) {
	msg := ClientData{Stream: 13, Data: []byte("raw client bytes")}
	body, err := EncodeProxyToServer(TagClientData, msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeProxyToServer(TagClientData, body[1:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	if _, err := DecodeServerToProxy(99, nil); !errors.Is(err, proxyerrors.ErrControlChannelProtocol) {
		t.Fatalf("expected ErrControlChannelProtocol, got %v", err)
	}
	if _, err := DecodeProxyToServer(99, nil); !errors.Is(err, proxyerrors.ErrControlChannelProtocol) {
		t.Fatalf("expected ErrControlChannelProtocol, got %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	frames := [][]byte{
		[]byte("first frame"),
		{},
		bytes.Repeat([]byte{0xAB}, 5000),
		[]byte("last"),
	}
	for _, f := range frames {
		if err := fw.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	fr := NewFrameReader(&buf)
	for i, want := range frames {
		got, err := fr.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: ReadFrame: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %q, want %q", i, got, want)
		}
	}

	if _, err := fr.ReadFrame(); err == nil {
		t.Fatalf("expected error/EOF after last frame")
	}
}

func TestFrameReaderTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)
	if err := fw.WriteFrame([]byte("this needs ten bytes")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := buf.Bytes()[:len(buf.Bytes())-5]

	fr := NewFrameReader(bytes.NewReader(truncated))
	if _, err := fr.ReadFrame(); !errors.Is(err, proxyerrors.ErrControlChannelFatal) {
		t.Fatalf("expected ErrControlChannelFatal, got %v", err)
	}
}
