// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package wire

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Delimiter terminates every frame on the stream.
const Delimiter byte = 0x00

// Sentinel errors for programmatic error checking.
var (
	// ErrFraming is returned when a frame cannot be decoded. The channel is
	// unrecoverable after this: a byte-level desync corrupts all subsequent
	// frames, so no resynchronization is attempted.
	ErrFraming = errors.New("malformed frame")

	// ErrChannelBroken is returned by every Decode call after a framing
	// error has been observed.
	ErrChannelBroken = errors.New("channel broken")
)

// flusher is implemented by buffered writers that must be flushed after
// each frame.
type flusher interface {
	Flush() error
}

// Encoder writes NUL-delimited JSON frames to a byte stream.
// It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode serializes v and writes it as one self-delimited frame. Short
// writes are retried until the full frame is on the wire, and buffered
// writers are flushed immediately after the delimiter.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, Delimiter)

	e.mu.Lock()
	defer e.mu.Unlock()

	for len(data) > 0 {
		n, werr := e.w.Write(data)
		if werr != nil {
			return fmt.Errorf("write frame: %w", werr)
		}
		data = data[n:]
	}

	if f, ok := e.w.(flusher); ok {
		if ferr := f.Flush(); ferr != nil {
			return fmt.Errorf("flush frame: %w", ferr)
		}
	}
	return nil
}

// Decoder reads NUL-delimited JSON frames from a byte stream. A read may
// return fewer bytes than one full message; the decoder buffers across
// reads and only yields once a complete frame boundary is observed.
// It is not safe for concurrent use.
type Decoder struct {
	r      *bufio.Reader
	broken bool
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next complete frame into v. It returns io.EOF once the
// stream closes cleanly at a frame boundary, ErrFraming on a malformed or
// truncated frame, and ErrChannelBroken on every call after that.
func (d *Decoder) Decode(v any) error {
	if d.broken {
		return ErrChannelBroken
	}

	frame, err := d.r.ReadBytes(Delimiter)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if len(frame) > 0 {
				d.broken = true
				return fmt.Errorf("%w: stream closed mid-frame", ErrFraming)
			}
			return io.EOF
		}
		d.broken = true
		return fmt.Errorf("read frame: %w", err)
	}

	frame = frame[:len(frame)-1] // strip delimiter
	if len(frame) == 0 {
		d.broken = true
		return fmt.Errorf("%w: empty frame", ErrFraming)
	}

	if uerr := json.Unmarshal(frame, v); uerr != nil {
		d.broken = true
		return fmt.Errorf("%w: %v", ErrFraming, uerr)
	}
	return nil
}

// Buffered reports how many decoded-but-unconsumed bytes sit in the
// decoder's buffer. A non-zero value between responses means the peer
// emitted data after a terminal chunk, which is a protocol violation.
func (d *Decoder) Buffered() int {
	return d.r.Buffered()
}

// Broken reports whether the channel has been marked unrecoverable.
func (d *Decoder) Broken() bool {
	return d.broken
}
