// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command tickproxy is the proxy binary described in §6: it terminates
// thousands of client TCP connections (pkg/ingress), maintains one
// persistent control-channel connection to the simulation server
// (pkg/wire, pkg/egress), and fans out server-produced packets using the
// addressing rules in §4.2.
//
// CLI surface (§6): positional <listen-addr>, flag --server
// <simulation-addr>, environment variable LOG_LEVEL. Exit codes: 0 clean
// shutdown, 1 configuration error, 2 simulation channel fatal error.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"tickproxy/internal/config"
	"tickproxy/pkg/breaker"
	"tickproxy/pkg/conntable"
	"tickproxy/pkg/egress"
	proxyerrors "tickproxy/pkg/errors"
	"tickproxy/pkg/health"
	"tickproxy/pkg/hooks"
	"tickproxy/pkg/ingress"
	"tickproxy/pkg/metrics"
	"tickproxy/pkg/pool"
	"tickproxy/pkg/ratelimit"
	"tickproxy/pkg/wire"
)

const (
	exitOK           = 0
	exitConfigError  = 1
	exitControlFatal = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [--server <simulation-addr>] <listen-addr>\n", os.Args[0])
		flag.PrintDefaults()
	}
	serverAddr := flag.String("server", "", "simulation server control-channel address (host:port)")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return exitConfigError
	}
	listenAddr := flag.Arg(0)
	if *serverAddr == "" {
		fmt.Fprintln(os.Stderr, "--server <simulation-addr> is required")
		return exitConfigError
	}

	logger := newLogger(os.Getenv("LOG_LEVEL"))

	tuning, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.String("error", err.Error()))
		return exitConfigError
	}

	return newApp(listenAddr, *serverAddr, tuning, logger).run()
}

// newLogger builds the process-wide structured logger: JSON to stdout,
// level controlled by LOG_LEVEL (§6, §AMBIENT STACK).
func newLogger(levelEnv string) *slog.Logger {
	var level slog.Level
	switch levelEnv {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// app wires every component named in SPEC_FULL.md §2/§5 together: the
// connection table, the arena pool, the ingress/egress engines, the
// control-channel dial/reconnect loop, and the ambient metrics/health
// servers.
type app struct {
	listenAddr string
	serverAddr string
	tuning     config.Tuning
	logger     *slog.Logger

	table    *conntable.Table
	arenas   *pool.Pool
	m        *metrics.Metrics
	checker  *health.Checker
	h        hooks.EngineHooks
	cb       *breaker.CircuitBreaker

	// controlConn and its write-side mutex are shared between every
	// ingress reader goroutine (ClientData) and the egress RunFlushGroup
	// loop's ReadFrame, so writes must be serialized; reads happen only
	// on the single egress goroutine.
	mu          sync.Mutex
	controlConn net.Conn

	// burstMu guards the §7 ControlChannelProtocol burst-escalation
	// counter: a repeated/burst rate of protocol violations above
	// ProtocolErrorBurstLimit within ProtocolErrorBurstWindow escalates to
	// ControlChannelFatal.
	burstMu    sync.Mutex
	burstCount int
	burstStart time.Time
}

// onProtocolError records one OnControlChannelProtocolError event toward
// the burst-escalation window.
func (a *app) onProtocolError() {
	a.burstMu.Lock()
	defer a.burstMu.Unlock()
	if time.Since(a.burstStart) > a.tuning.ProtocolErrorBurstWindow {
		a.burstStart = time.Now()
		a.burstCount = 0
	}
	a.burstCount++
}

// burstExceeded reports whether the current window has seen more than
// ProtocolErrorBurstLimit protocol violations (§7 escalation to
// ControlChannelFatal).
func (a *app) burstExceeded() bool {
	a.burstMu.Lock()
	defer a.burstMu.Unlock()
	return a.burstCount > a.tuning.ProtocolErrorBurstLimit
}

func newApp(listenAddr, serverAddr string, tuning config.Tuning, logger *slog.Logger) *app {
	m := metrics.New("tickproxy")
	return &app{
		listenAddr: listenAddr,
		serverAddr: serverAddr,
		tuning:     tuning,
		logger:     logger,
		table:      conntable.NewTable(),
		arenas: pool.New(pool.Config{
			MaxIdle:     tuning.ArenaPoolMaxIdle,
			IdleTimeout: tuning.ArenaPoolIdleTimeout,
			InitialSize: tuning.ArenaInitialSize,
		}),
		m:       m,
		checker: health.NewChecker(10 * time.Second),
		h:       metrics.NewHooks(m),
		cb: breaker.New(breaker.Config{
			MaxFailures:          tuning.BreakerMaxFailures,
			ResetTimeout:         tuning.BreakerResetTimeout,
			Timeout:              tuning.BreakerTimeout,
			ConsecutiveOpenLimit: tuning.BreakerConsecutiveOpens,
		}),
	}
}

func (a *app) run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.burstStart = time.Now()
	a.cb.OnStateChange(func(from, to breaker.State) {
		a.logger.Warn("control channel circuit breaker state changed",
			slog.String("from", from.String()), slog.String("to", to.String()))
	})

	a.registerHealthChecks()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.runMetricsServer(ctx) })
	g.Go(func() error { return a.runHealthServer(ctx) })
	g.Go(func() error { return a.runIngress(ctx) })

	controlErr := make(chan error, 1)
	g.Go(func() error {
		err := a.runControlChannel(ctx)
		controlErr <- err
		return err
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-sig:
		a.logger.Info("received shutdown signal", slog.String("signal", s.String()))
		cancel()
	case <-ctx.Done():
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("tickproxy terminated with error", slog.String("error", err.Error()))
		select {
		case cerr := <-controlErr:
			if cerr != nil && errors.Is(cerr, proxyerrors.ErrControlChannelFatal) {
				return exitControlFatal
			}
		default:
		}
		return exitControlFatal
	}
	a.logger.Info("tickproxy stopped cleanly")
	return exitOK
}

func (a *app) registerHealthChecks() {
	a.checker.RegisterCritical("control_channel", health.ControlChannelCheck(
		func() bool {
			a.mu.Lock()
			defer a.mu.Unlock()
			return a.controlConn != nil
		},
		func() bool { return a.cb.State() == breaker.StateOpen },
	))
	idleStats := func() int {
		n := a.arenas.Stats()
		a.m.ArenaIdleCount.Set(float64(n))
		return n
	}
	a.checker.Register("arena_pool", health.ArenaPoolCheck(idleStats, a.tuning.ArenaPoolMinIdleWarn))
	a.checker.Register("conntable_size", health.ConnTableCheck(a.table.Len, a.tuning.ConnTableWarnSize))
}

func (a *app) runMetricsServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return serveHTTP(ctx, fmt.Sprintf(":%d", a.tuning.MetricsPort), mux, a.logger, "metrics")
}

func (a *app) runHealthServer(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.checker.HTTPHandler())
	mux.HandleFunc("/ready", a.checker.ReadinessHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	return serveHTTP(ctx, fmt.Sprintf(":%d", a.tuning.HealthPort), mux, a.logger, "health")
}

func serveHTTP(ctx context.Context, addr string, mux *http.ServeMux, logger *slog.Logger, name string) error {
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info(name+" server started", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// runIngress starts the client-facing listener (§4.3), forwarding every
// decoded frame onto the control channel as ClientData.
func (a *app) runIngress(ctx context.Context) error {
	limiter := ratelimit.NewTokenBucket(a.tuning.AcceptRateCapacity, a.tuning.AcceptRateRefill)
	streamLimiter := ratelimit.NewLimiter(a.tuning.StreamRateCapacity, a.tuning.StreamRateRefill, a.tuning.StreamRateMaxClients)
	defer streamLimiter.Close()

	thresholds := conntable.QueueThresholds{
		HighWaterMark:  a.tuning.QueueHighWaterMark,
		DisconnectMark: a.tuning.QueueDisconnectMark,
		IdleTimeout:    a.tuning.IdleTimeout,
	}

	cfg := ingress.Config{
		Address:         a.listenAddr,
		ShutdownTimeout: a.tuning.ShutdownTimeout,
		MaxFrameSize:    a.tuning.MaxFrameSize,
		AcceptLimiter:   limiter,
		StreamLimiter:   streamLimiter,
		Thresholds:      thresholds,
		Logger:          a.logger.With(slog.String("component", "ingress")),
	}

	engine := ingress.NewEngine(cfg, a.table, a.sendClientData, connectNotifyHooks{EngineHooks: a.h, app: a})
	return engine.Listen(ctx)
}

// sendClientData serializes one ClientData record onto the shared control
// channel. Concurrent ingress readers may call this at the same time, so
// writes are guarded by a.mu; if the channel is not currently connected
// (mid-reconnect) the frame is dropped, matching §4.3's "client packets are
// time-sensitive" stance: there is no per-tick buffering to fall back on.
func (a *app) sendClientData(stream uint64, data []byte) error {
	return a.sendControlMessage(wire.TagClientData, wire.ClientData{Stream: stream, Data: data})
}

// sendControlMessage encodes and writes one Proxy->Server record (§4.5) to
// the shared control channel, serialized against concurrent ingress readers
// and the connect/disconnect notifications below.
func (a *app) sendControlMessage(tag byte, msg any) error {
	body, err := wire.EncodeProxyToServer(tag, msg)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.controlConn == nil {
		return fmt.Errorf("control channel not connected")
	}
	return wire.NewFrameWriter(a.controlConn).WriteFrame(body)
}

// connectNotifyHooks decorates EngineHooks so pkg/ingress's stream
// connect/disconnect events (§3 lifecycle: "Stream created on accept (emit
// PlayerConnect(stream) to simulation); destroyed on socket close (emit
// PlayerDisconnect(stream))") reach the simulation over the control
// channel, in addition to the metrics they already update via a.h.
type connectNotifyHooks struct {
	hooks.EngineHooks
	app *app
}

func (c connectNotifyHooks) OnStreamConnect(ctx context.Context, stream uint64, sessionID string) {
	if err := c.app.sendControlMessage(wire.TagPlayerConnect, wire.PlayerConnect{Stream: stream}); err != nil {
		c.app.logger.Warn("failed to emit PlayerConnect", slog.Uint64("stream", stream), slog.String("error", err.Error()))
	}
	c.EngineHooks.OnStreamConnect(ctx, stream, sessionID)
}

func (c connectNotifyHooks) OnStreamDisconnect(ctx context.Context, stream uint64, sessionID string) {
	if err := c.app.sendControlMessage(wire.TagPlayerDisconnect, wire.PlayerDisconnect{Stream: stream}); err != nil {
		c.app.logger.Warn("failed to emit PlayerDisconnect", slog.Uint64("stream", stream), slog.String("error", err.Error()))
	}
	c.EngineHooks.OnStreamDisconnect(ctx, stream, sessionID)
}

// runControlChannel owns the single persistent connection to the
// simulation server: it dials (guarded by the circuit breaker), retrying
// failed dials with exponential backoff until ctx is cancelled or the
// breaker gives up permanently, then loops RunFlushGroup on the connected
// channel. Once connected, any read error is reported by
// driveControlChannel as ControlChannelFatal, so a dropped channel ends the
// loop with that error instead of being redialed.
func (a *app) runControlChannel(ctx context.Context) error {
	eng := egress.NewEngine(a.table, a.arenas, protocolBurstHooks{EngineHooks: a.h, onProtocolError: a.onProtocolError})
	eng.SetObserver(a.m)

	backoff := a.tuning.ReconnectBackoffMin
	for {
		if ctx.Err() != nil {
			return nil
		}

		var conn net.Conn
		dialErr := a.cb.Call(func() error {
			c, err := net.DialTimeout("tcp", a.serverAddr, 10*time.Second)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if dialErr != nil {
			if errors.Is(dialErr, breaker.ErrCircuitExhausted) {
				err := fmt.Errorf("%w: control channel breaker tripped open more than %d consecutive times without recovering",
					proxyerrors.ErrControlChannelFatal, a.tuning.BreakerConsecutiveOpens)
				a.logger.Error("control channel unreachable, giving up", slog.String("error", err.Error()))
				return err
			}
			if errors.Is(dialErr, breaker.ErrCircuitOpen) {
				a.logger.Warn("control channel breaker open, waiting", slog.Duration("backoff", backoff))
			} else {
				a.logger.Warn("control channel dial failed", slog.String("error", dialErr.Error()))
			}
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, a.tuning.ReconnectBackoffMax)
			continue
		}

		a.logger.Info("control channel connected", slog.String("address", a.serverAddr))
		a.m.ControlChannelReconnects.Inc()
		backoff = a.tuning.ReconnectBackoffMin

		a.mu.Lock()
		a.controlConn = conn
		a.mu.Unlock()

		err := a.driveControlChannel(ctx, eng, conn)

		a.mu.Lock()
		a.controlConn = nil
		a.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, proxyerrors.ErrControlChannelFatal) {
			a.logger.Error("control channel fatal, proxy shutting down", slog.String("error", err.Error()))
			return err
		}
		a.logger.Warn("control channel dropped, reconnecting", slog.String("error", errString(err)))
		if !sleepCtx(ctx, backoff) {
			return nil
		}
		backoff = nextBackoff(backoff, a.tuning.ReconnectBackoffMax)
	}
}

// driveControlChannel runs RunFlushGroup in a loop for the life of one
// connection, counting ControlChannelProtocol errors within a rolling
// window and escalating to ControlChannelFatal on a burst (§7).
func (a *app) driveControlChannel(ctx context.Context, eng *egress.Engine, conn net.Conn) error {
	fr := wire.NewFrameReader(bufio.NewReader(conn))

	for {
		if ctx.Err() != nil {
			return nil
		}
		records, dropped, err := eng.RunFlushGroup(ctx, fr)
		if err != nil {
			if errors.Is(err, proxyerrors.ErrControlChannelFatal) {
				return err
			}
			return fmt.Errorf("%w: %v", proxyerrors.ErrControlChannelFatal, err)
		}
		if a.burstExceeded() {
			return fmt.Errorf("%w: control-channel protocol error burst exceeded %d within %s",
				proxyerrors.ErrControlChannelFatal, a.tuning.ProtocolErrorBurstLimit, a.tuning.ProtocolErrorBurstWindow)
		}
		a.logger.Debug("flush group complete", slog.Int("records", records), slog.Int("dropped", dropped))
	}
}

// protocolBurstHooks decorates EngineHooks so every
// OnControlChannelProtocolError call also counts toward the §7
// burst-escalation window; driveControlChannel checks burstExceeded after
// each flush group and tears the connection down once the threshold is
// crossed, since a single bad record is never itself fatal (§7:
// "log and drop the offending record; do not disconnect clients solely
// because of this").
type protocolBurstHooks struct {
	hooks.EngineHooks
	onProtocolError func()
}

func (p protocolBurstHooks) OnControlChannelProtocolError(ctx context.Context, err error) {
	p.onProtocolError()
	p.EngineHooks.OnControlChannelProtocolError(ctx, err)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
