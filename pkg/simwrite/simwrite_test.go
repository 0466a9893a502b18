// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package simwrite

import (
	"bytes"
	"testing"

	"tickproxy/pkg/wire"
)

func TestOrderTagPacksSystemAndCounter(t *testing.T) {
	got := OrderTag(2, 1)
	if got != 0x00020001 {
		t.Fatalf("got %#x", got)
	}
}

func TestWorkerAssignsAscendingOrder(t *testing.T) {
	w := NewWorker(5, OverflowPanic)
	if err := w.Unicast(1, []byte("A")); err != nil {
		t.Fatal(err)
	}
	if err := w.Unicast(1, []byte("B")); err != nil {
		t.Fatal(err)
	}

	fr := wire.NewFrameReader(bytes.NewReader(w.Bytes()))
	first, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	msg, err := wire.DecodeServerToProxy(first[0], first[1:])
	if err != nil {
		t.Fatal(err)
	}
	u := msg.(wire.Unicast)
	if u.Order != OrderTag(5, 0) {
		t.Fatalf("expected order %#x, got %#x", OrderTag(5, 0), u.Order)
	}

	second, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	msg2, err := wire.DecodeServerToProxy(second[0], second[1:])
	if err != nil {
		t.Fatal(err)
	}
	u2 := msg2.(wire.Unicast)
	if u2.Order != OrderTag(5, 1) {
		t.Fatalf("expected order %#x, got %#x", OrderTag(5, 1), u2.Order)
	}
}

func TestWorkerOverflowPanicsByDefault(t *testing.T) {
	w := NewWorker(0, OverflowPanic)
	w.localCounter = MaxLocalCounter + 1

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on local_counter overflow")
		}
	}()
	_ = w.Unicast(1, []byte("x"))
}

func TestWorkerOverflowSaturates(t *testing.T) {
	w := NewWorker(0, OverflowSaturate)
	w.localCounter = MaxLocalCounter + 1

	if err := w.Unicast(1, []byte("x")); err != nil {
		t.Fatal(err)
	}
	fr := wire.NewFrameReader(bytes.NewReader(w.Bytes()))
	frame, err := fr.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	msg, err := wire.DecodeServerToProxy(frame[0], frame[1:])
	if err != nil {
		t.Fatal(err)
	}
	u := msg.(wire.Unicast)
	if u.Order != OrderTag(0, MaxLocalCounter) {
		t.Fatalf("expected saturated order, got %#x", u.Order)
	}
}

func TestMultiplexerFlushConcatenatesWorkersThenMarker(t *testing.T) {
	m := NewMultiplexer()
	w1 := m.NewTickWorker(1, OverflowPanic)
	w2 := m.NewTickWorker(2, OverflowPanic)
	_ = w1.Unicast(10, []byte("one"))
	_ = w2.Unicast(20, []byte("two"))

	var buf bytes.Buffer
	fw := wire.NewFrameWriter(&buf)
	if err := m.Flush(fw); err != nil {
		t.Fatal(err)
	}

	fr := wire.NewFrameReader(bytes.NewReader(buf.Bytes()))
	var sawFlush bool
	count := 0
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			break
		}
		count++
		if frame[0] == wire.TagFlush {
			sawFlush = true
		}
	}
	if count != 3 {
		t.Fatalf("expected 2 unicasts + 1 flush = 3 frames, got %d", count)
	}
	if !sawFlush {
		t.Fatal("expected a trailing Flush marker")
	}
}
