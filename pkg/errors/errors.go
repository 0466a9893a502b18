// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the proxy, carrying
// the error kinds fixed by the error-handling design: TransientClientIO,
// ClientFatal, ControlChannelProtocol, ControlChannelFatal, and
// ResourceExhaustion.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Use errors.Is against these to classify a failure.
var (
	// ErrTransientClientIO indicates a recoverable client socket error
	// (partial write, EAGAIN-like condition) that should be retried within
	// the tick's Writing phase before escalating.
	ErrTransientClientIO = errors.New("transient client i/o error")

	// ErrClientFatal indicates the client connection cannot continue:
	// socket closed/reset, queue overflow, or idle timeout.
	ErrClientFatal = errors.New("client connection fatal")

	// ErrControlChannelProtocol indicates a malformed frame, unknown tag,
	// parallel-array length mismatch, or reference to an unknown stream on
	// the control channel. The offending record is dropped; the channel
	// itself is not torn down.
	ErrControlChannelProtocol = errors.New("control channel protocol violation")

	// ErrControlChannelFatal indicates the control channel transport
	// closed or accumulated protocol violations past the escalation
	// threshold; the proxy must shut down all streams and exit non-zero.
	ErrControlChannelFatal = errors.New("control channel fatal")

	// ErrResourceExhaustion indicates back-pressure beyond hard limits on
	// non-optional packets; affected streams are marked ClientFatal but
	// the proxy itself does not terminate.
	ErrResourceExhaustion = errors.New("resource exhaustion")
)

// ProxyError wraps an error with the operational context needed to log and
// triage it: which component raised it, which stream (if any) it concerns,
// and the underlying cause.
type ProxyError struct {
	Op        string // operation that failed, e.g. "egress.dispatch"
	Component string // "ingress", "egress", "control", "bvh", ...
	Stream    uint64 // 0 if not stream-specific
	Err       error
}

func (e *ProxyError) Error() string {
	if e.Stream != 0 {
		return fmt.Sprintf("%s %s [stream %d]: %v", e.Component, e.Op, e.Stream, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Component, e.Op, e.Err)
}

// Unwrap allows errors.Is/errors.As to see through ProxyError to the
// sentinel kind and to Err.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New builds a ProxyError. Returns nil if err is nil, so it is safe to wrap
// the result of a fallible call inline.
func New(component, op string, stream uint64, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{Op: op, Component: component, Stream: stream, Err: err}
}

// Wrap adds a message to err while preserving errors.Is/As against it.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
