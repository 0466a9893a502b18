// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ingress implements the proxy-side ingress engine (§4.3): an
// accept loop that registers one ConnectionState per client, a
// per-connection reader goroutine that forwards decoded frames to the
// simulation as ClientData, and graceful shutdown with connection
// draining.
//
// Each accepted socket is registered in pkg/conntable and its bytes are
// forwarded as (stream, bytes) onto a single shared control channel;
// outbound bytes for the same stream arrive separately from pkg/egress, so
// this engine never writes back to a client itself except to drain
// already-queued bytes on disconnect.
package ingress

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tickproxy/pkg/conntable"
	proxyerrors "tickproxy/pkg/errors"
	"tickproxy/pkg/hooks"
	"tickproxy/pkg/ratelimit"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// ClientDataFunc is called once per decoded client frame; the production
// implementation serializes it as a wire.ClientData record onto the
// control channel.
type ClientDataFunc func(stream uint64, data []byte) error

// Config holds the ingress listener's configuration.
type Config struct {
	// Address is the listen address (host:port) for client connections.
	Address string
	// TLSConfig is optional TLS configuration for the listener; framing
	// and authentication above TLS are delegated to an upstream proxy
	// per §1/§6, so this layer only terminates TLS if configured.
	TLSConfig *tls.Config
	// ShutdownTimeout bounds how long Listen waits for outbound queues to
	// drain before forcing connections closed.
	ShutdownTimeout time.Duration
	// MaxFrameSize bounds one client frame's length prefix.
	MaxFrameSize uint32
	// AcceptLimiter optionally throttles the accept rate, guarding stream
	// creation against a connection flood (§7 ResourceExhaustion).
	AcceptLimiter *ratelimit.TokenBucket
	// StreamLimiter optionally throttles per-stream frame forwarding,
	// keyed by each connection's SessionID, so one already-connected
	// client cannot monopolize ClientData delivery to the simulation
	// (§7 ResourceExhaustion) independently of the global AcceptLimiter.
	StreamLimiter *ratelimit.Limiter
	// Thresholds is applied to every accepted stream's outbound queue.
	Thresholds conntable.QueueThresholds
	Logger     *slog.Logger
}

// Engine accepts client connections, registers them in a Table, and
// forwards decoded frames via ClientData.
type Engine struct {
	cfg    Config
	table  *conntable.Table
	onData ClientDataFunc
	hooks  hooks.EngineHooks

	nextStream atomic.Uint64
	wg         sync.WaitGroup
}

// NewEngine builds an ingress Engine. onData is called for every decoded
// client frame; h may be nil.
func NewEngine(cfg Config, table *conntable.Table, onData ClientDataFunc, h hooks.EngineHooks) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = 1 << 20
	}
	if h == nil {
		h = hooks.NoopHooks{}
	}
	return &Engine{cfg: cfg, table: table, onData: onData, hooks: h}
}

// allocStream returns a fresh, never-reused 64-bit stream id (§3: "no reuse
// within a running proxy; monotonic allocation is not required").
func (e *Engine) allocStream() uint64 {
	return e.nextStream.Add(1)
}

// Listen starts the TCP listener and blocks until ctx is cancelled,
// closing the listener, waiting for in-flight handleConn goroutines to
// drain their connections, and forcing them closed if ShutdownTimeout
// elapses first.
func (e *Engine) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", e.cfg.Address)
	if err != nil {
		return fmt.Errorf("ingress: listen on %s: %w", e.cfg.Address, err)
	}
	if e.cfg.TLSConfig != nil {
		listener = tls.NewListener(listener, e.cfg.TLSConfig)
	}
	e.cfg.Logger.Info("ingress listener started", slog.String("address", e.cfg.Address))

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if e.cfg.AcceptLimiter != nil && !e.cfg.AcceptLimiter.Allow() {
				e.hooks.OnStreamFatal(ctx, 0, proxyerrors.ErrResourceExhaustion)
				time.Sleep(5 * time.Millisecond)
				continue
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					e.cfg.Logger.Error("accept failed", slog.String("error", err.Error()))
					continue
				}
			}

			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.handleConn(connCtx, conn)
			}()
		}
	}()

	<-ctx.Done()
	e.cfg.Logger.Info("shutdown signal received, closing listener")
	listener.Close()
	<-acceptDone

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(e.cfg.ShutdownTimeout):
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(time.Second):
			return ErrShutdownTimeout
		}
	}
}

// handleConn registers one accepted socket as a stream, emits the connect
// notification, reads frames until the socket closes or ctx is cancelled,
// then emits the disconnect notification (§3 lifecycle, §4.3).
func (e *Engine) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Close the socket when ctx is cancelled so a reader blocked in Read
	// wakes up instead of outliving a forced shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	stream := e.allocStream()
	cs := conntable.New(stream, conn, e.cfg.Thresholds)
	e.table.Insert(cs)
	e.hooks.OnStreamConnect(ctx, stream, cs.SessionID)

	e.cfg.Logger.Debug("stream connected",
		slog.Uint64("stream", stream), slog.String("session", cs.SessionID), slog.String("remote", conn.RemoteAddr().String()))

	r := bufio.NewReader(conn)
	for {
		select {
		case <-ctx.Done():
			goto disconnect
		default:
		}

		frame, err := readLengthPrefixedFrame(r, e.cfg.MaxFrameSize)
		if err != nil {
			break
		}
		cs.Touch()

		if e.cfg.StreamLimiter != nil && !e.cfg.StreamLimiter.Allow(cs.SessionID) {
			e.hooks.OnFrameRateLimited(ctx, stream)
			continue
		}

		if e.onData != nil {
			if err := e.onData(stream, frame); err != nil {
				e.cfg.Logger.Warn("client data forward failed", slog.Uint64("stream", stream), slog.String("error", err.Error()))
			} else {
				e.hooks.OnFrameForwarded(ctx, stream, len(frame))
			}
		}
	}

disconnect:
	cs.MarkClosing()
	drainOutbound(conn, cs)
	if e.cfg.StreamLimiter != nil {
		e.cfg.StreamLimiter.Remove(cs.SessionID)
	}
	e.table.Remove(stream)
	cs.MarkGone()
	e.hooks.OnStreamDisconnect(ctx, stream, cs.SessionID)
	e.cfg.Logger.Debug("stream disconnected", slog.Uint64("stream", stream))
}

// drainOutbound gives any bytes already queued for this stream by the
// egress engine a chance to reach the socket before it closes (§4.3: "remove
// ConnectionState after draining any in-flight outbound bytes").
func drainOutbound(conn net.Conn, cs *conntable.ConnectionState) {
	if buf := cs.DrainForWrite(); buf != nil {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		conn.Write(buf)
	}
}

// readLengthPrefixedFrame reads one big-endian uint32-length-prefixed frame.
// The core treats client frames as opaque (§4.3: "format delegated to the
// client protocol"); this fixed, endianness-independent length prefix is
// this deployment's choice of that delegated format.
func readLengthPrefixedFrame(r *bufio.Reader, maxSize uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxSize {
		return nil, fmt.Errorf("%w: client frame length %d exceeds max %d", proxyerrors.ErrClientFatal, n, maxSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
