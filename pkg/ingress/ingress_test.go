// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ingress

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"tickproxy/pkg/conntable"
	"tickproxy/pkg/hooks"
	"tickproxy/pkg/ratelimit"
)

func dialFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

// freeAddr reserves an ephemeral loopback port and releases it, so the
// engine listens on a concrete address the test can dial (a ":0" address
// would stay unresolved in e.cfg.Address).
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestEngineForwardsClientFrames(t *testing.T) {
	tbl := conntable.NewTable()
	received := make(chan []byte, 1)
	e := NewEngine(Config{Address: freeAddr(t), Thresholds: conntable.DefaultQueueThresholds}, tbl,
		func(stream uint64, data []byte) error {
			received <- data
			return nil
		}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	listenErr := make(chan error, 1)
	go func() { listenErr <- e.Listen(ctx) }()

	// Listen binds asynchronously; retry the dial briefly.
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", e.cfg.Address)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Skipf("could not dial ephemeral listener in this sandbox: %v", err)
	}
	defer conn.Close()

	dialFrame(t, conn, []byte("hello"))

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded frame")
	}

	cancel()
	select {
	case <-listenErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
}

// rateLimitHooks records OnFrameRateLimited calls so the test can assert
// the engine actually dropped frames instead of forwarding them.
type rateLimitHooks struct {
	hooks.NoopHooks
	limited chan uint64
}

func (h rateLimitHooks) OnFrameRateLimited(_ context.Context, stream uint64) {
	h.limited <- stream
}

func TestEngineDropsFramesOverPerStreamLimit(t *testing.T) {
	tbl := conntable.NewTable()
	forwarded := make(chan []byte, 16)
	limiter := ratelimit.NewLimiter(1, 0, 10) // capacity 1, no refill: second frame always denied
	defer limiter.Close()

	h := rateLimitHooks{limited: make(chan uint64, 16)}
	e := NewEngine(Config{Address: freeAddr(t), Thresholds: conntable.DefaultQueueThresholds, StreamLimiter: limiter}, tbl,
		func(stream uint64, data []byte) error {
			forwarded <- data
			return nil
		}, h)

	ctx, cancel := context.WithCancel(context.Background())
	listenErr := make(chan error, 1)
	go func() { listenErr <- e.Listen(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", e.cfg.Address)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Skipf("could not dial ephemeral listener in this sandbox: %v", err)
	}
	defer conn.Close()

	dialFrame(t, conn, []byte("first"))
	select {
	case got := <-forwarded:
		if string(got) != "first" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first frame")
	}

	dialFrame(t, conn, []byte("second"))
	select {
	case stream := <-h.limited:
		if stream == 0 {
			t.Fatal("expected a nonzero stream id")
		}
	case got := <-forwarded:
		t.Fatalf("second frame should have been rate limited, got forwarded %q", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rate-limit notification")
	}

	cancel()
	select {
	case <-listenErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after cancellation")
	}
}

func TestReadLengthPrefixedFrameRejectsOversize(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], 100)
		a.Write(lenBuf[:])
	}()

	_, err := readLengthPrefixedFrame(bufio.NewReader(b), 10)
	if err == nil {
		t.Fatal("expected an error for oversize frame")
	}
}

func TestEnqueueAndDrainRoundTrip(t *testing.T) {
	cs := conntable.New(1, nil, conntable.QueueThresholds{HighWaterMark: 1024, DisconnectMark: 4096})
	if res := cs.Enqueue([]byte("abc"), false); res != conntable.EnqueueOK {
		t.Fatalf("unexpected enqueue result %v", res)
	}
	got := cs.DrainForWrite()
	if string(got) != "abc" {
		t.Fatalf("got %q", got)
	}
	if cs.DrainForWrite() != nil {
		t.Fatal("expected nil after drain")
	}
}
