// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package plugin

import (
	"context"
	"io"
	"strings"

	"github.com/sidekick-host/sidekick/pkg/wire"
)

// streamItem carries one chunk or the error that ended the stream.
type streamItem struct {
	chunk wire.Chunk
	err   error
}

// Stream is the finite, one-shot sequence of response chunks produced by a
// single dispatch. It terminates with exactly one chunk whose Final flag is
// set; after that Next reports io.EOF. A stream is not restartable.
type Stream struct {
	items <-chan streamItem
	done  bool
}

// Next returns the next chunk. It returns io.EOF after the terminal chunk
// has been delivered, ctx.Err() if the caller gives up waiting, or the
// channel error that killed the stream.
func (s *Stream) Next(ctx context.Context) (wire.Chunk, error) {
	if s.done {
		return wire.Chunk{}, io.EOF
	}
	select {
	case <-ctx.Done():
		return wire.Chunk{}, ctx.Err()
	case item, ok := <-s.items:
		if !ok {
			s.done = true
			return wire.Chunk{}, io.EOF
		}
		if item.err != nil {
			s.done = true
			return wire.Chunk{}, item.err
		}
		if item.chunk.Final() {
			s.done = true
		}
		return item.chunk, nil
	}
}

// Collect consumes the whole stream, concatenating chunk messages in
// arrival order. It returns the terminal chunk's success flag and the
// combined message.
func (s *Stream) Collect(ctx context.Context) (ok bool, message string, err error) {
	var sb strings.Builder
	for {
		chunk, nerr := s.Next(ctx)
		if nerr != nil {
			return false, sb.String(), nerr
		}
		sb.WriteString(chunk.Message)
		if chunk.Final() {
			return chunk.OK(), sb.String(), nil
		}
	}
}
