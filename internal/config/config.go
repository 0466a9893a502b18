// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the ambient production tuning the CLI surface (§6:
// positional <listen-addr>, --server <addr>, LOG_LEVEL) leaves unspecified:
// queue thresholds, health/metrics ports, circuit breaker and rate-limit
// parameters, and control-channel reconnect backoff. Values are loaded with
// github.com/caarlos0/env/v11 from the environment, with an optional .env
// file via github.com/joho/godotenv.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Tuning holds every environment-configurable knob outside the §6 CLI
// surface. Unset variables fall back to the defaults below via envDefault.
type Tuning struct {
	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`

	// Connection table / outbound queues (§3 ConnectionState, §4.2)
	QueueHighWaterMark  int           `env:"QUEUE_HIGH_WATER_MARK"  envDefault:"1048576"`
	QueueDisconnectMark int           `env:"QUEUE_DISCONNECT_MARK"  envDefault:"8388608"`
	IdleTimeout         time.Duration `env:"IDLE_TIMEOUT"           envDefault:"90s"`

	// Ingress (§4.3, §7 ResourceExhaustion)
	MaxFrameSize       uint32        `env:"MAX_FRAME_SIZE"        envDefault:"1048576"`
	AcceptRateCapacity int64         `env:"ACCEPT_RATE_CAPACITY"  envDefault:"2000"`
	AcceptRateRefill   int64         `env:"ACCEPT_RATE_REFILL"    envDefault:"500"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT"      envDefault:"30s"`

	// Per-stream ingress rate limit, distinct from the global accept-rate
	// limiter above: bounds how many frames a single already-connected
	// stream may forward to the simulation per second, so one misbehaving
	// client cannot monopolize ClientData delivery (§7 ResourceExhaustion).
	StreamRateCapacity   int64 `env:"STREAM_RATE_CAPACITY"    envDefault:"200"`
	StreamRateRefill     int64 `env:"STREAM_RATE_REFILL"      envDefault:"200"`
	StreamRateMaxClients int   `env:"STREAM_RATE_MAX_CLIENTS" envDefault:"20000"`

	// Per-tick arena pool (§9)
	ArenaPoolMaxIdle     int           `env:"ARENA_POOL_MAX_IDLE"      envDefault:"8"`
	ArenaPoolIdleTimeout time.Duration `env:"ARENA_POOL_IDLE_TIMEOUT"  envDefault:"5m"`
	ArenaInitialSize     int           `env:"ARENA_INITIAL_SIZE"       envDefault:"65536"`
	ArenaPoolMinIdleWarn int           `env:"ARENA_POOL_MIN_IDLE_WARN" envDefault:"1"`

	// Connection table size warning threshold, checked by pkg/health
	// (§7 ResourceExhaustion capacity planning, distinct from any hard
	// accept-time limit).
	ConnTableWarnSize int `env:"CONNTABLE_WARN_SIZE" envDefault:"50000"`

	// Control-channel dial/reconnect (§4.6 connect retry, §7
	// ControlChannelFatal escalation)
	BreakerMaxFailures       int           `env:"BREAKER_MAX_FAILURES"        envDefault:"5"`
	BreakerResetTimeout      time.Duration `env:"BREAKER_RESET_TIMEOUT"       envDefault:"60s"`
	BreakerTimeout           time.Duration `env:"BREAKER_TIMEOUT"             envDefault:"10s"`
	BreakerConsecutiveOpens  int           `env:"BREAKER_CONSECUTIVE_OPENS"   envDefault:"12"`
	ReconnectBackoffMin      time.Duration `env:"RECONNECT_BACKOFF_MIN"       envDefault:"500ms"`
	ReconnectBackoffMax      time.Duration `env:"RECONNECT_BACKOFF_MAX"       envDefault:"30s"`

	// ControlChannelProtocol burst escalation (§7: "a repeated/burst rate
	// above a threshold escalates to ControlChannelFatal")
	ProtocolErrorBurstLimit  int           `env:"PROTOCOL_ERROR_BURST_LIMIT"  envDefault:"50"`
	ProtocolErrorBurstWindow time.Duration `env:"PROTOCOL_ERROR_BURST_WINDOW" envDefault:"1s"`
}

// Load reads a .env file if present (a missing file is not an error) and
// parses Tuning from the environment.
func Load() (Tuning, error) {
	_ = godotenv.Load()

	var t Tuning
	if err := env.Parse(&t); err != nil {
		return Tuning{}, err
	}
	return t, nil
}
