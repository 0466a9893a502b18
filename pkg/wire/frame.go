// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"

	proxyerrors "tickproxy/pkg/errors"
)

// MaxFrameSize bounds a single frame body, guarding against a corrupt or
// malicious length prefix forcing an unbounded allocation.
const MaxFrameSize = 16 << 20 // 16 MiB

// FrameReader reads the length-prefixed record stream shared by both
// directions of the control channel: a varint byte length followed by
// exactly that many body bytes (tag byte + protowire-encoded fields).
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for incremental varint-then-body framing.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame blocks until one full frame has been read and returns its body
// (tag byte included). io.EOF is returned verbatim when the stream ends on
// a frame boundary; any other error is wrapped as ErrControlChannelFatal
// since a torn length prefix or body leaves the stream unrecoverable.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	length, err := f.readVarint()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading frame length: %v", proxyerrors.ErrControlChannelFatal, err)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds max %d", proxyerrors.ErrControlChannelFatal, length, MaxFrameSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return nil, fmt.Errorf("%w: reading frame body: %v", proxyerrors.ErrControlChannelFatal, err)
	}
	return body, nil
}

// readVarint reads a protobuf-style varint one byte at a time, mirroring
// the incremental read-then-try-parse loop a non-blocking reader needs:
// protowire has no streaming varint decoder, so each candidate prefix is
// handed to ConsumeVarint until it stops reporting an error.
func (f *FrameReader) readVarint() (uint64, error) {
	var buf []byte
	for i := 0; i < binary64MaxVarintLen; i++ {
		b, err := f.r.ReadByte()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return 0, io.ErrUnexpectedEOF // stream ended inside a length prefix
			}
			return 0, err
		}
		buf = append(buf, b)
		if v, n := protowire.ConsumeVarint(buf); n > 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: varint length prefix too long", proxyerrors.ErrControlChannelFatal)
}

const binary64MaxVarintLen = 10

// AppendLengthPrefixed appends body's varint-encoded length followed by
// body itself onto dst, returning the grown slice. Used by pkg/simwrite to
// build one worker's buffer out of many frames before handing the whole
// thing to a FrameWriter in one shot.
func AppendLengthPrefixed(dst, body []byte) []byte {
	dst = protowire.AppendVarint(dst, uint64(len(body)))
	return append(dst, body...)
}

// FrameWriter writes the same length-prefixed framing as FrameReader reads.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w for varint-prefixed frame output.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame prepends body's varint-encoded length and writes both in one
// call so a partial write never leaves a torn frame visible to the reader
// (best effort: a short write is returned as the writer's error and is not
// retried here or by any caller in this tree).
func (f *FrameWriter) WriteFrame(body []byte) error {
	buf := AppendLengthPrefixed(nil, body)
	_, err := f.w.Write(buf)
	return err
}

// WriteRaw writes already-framed bytes (e.g. a simwrite Worker's buffer,
// which is a concatenation of complete length-prefixed frames) directly to
// the underlying writer without adding another length prefix.
func (f *FrameWriter) WriteRaw(raw []byte) (int, error) {
	return f.w.Write(raw)
}
