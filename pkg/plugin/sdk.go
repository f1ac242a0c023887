// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

// Package pluginsdk provides the plugin-side runtime for sidekick plugins.
// A plugin is an ordinary executable that reads framed commands from stdin
// and writes framed response chunks to stdout; Serve implements that loop
// so plugin authors only supply function handlers.
package pluginsdk

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sidekick-host/sidekick/pkg/wire"
)

// Call describes one function invocation received from the host.
type Call struct {
	// Function is the manifest-declared function name.
	Function string
	// Params holds the function arguments.
	Params map[string]any
	// Messages is the conversation context, oldest turn first.
	Messages []wire.Message
	// SystemInfo is an opaque telemetry snapshot supplied by the host.
	SystemInfo map[string]any
}

// Emitter streams partial output back to the host while a call is running.
// Each Emit produces one non-terminal response chunk.
type Emitter interface {
	Emit(message string) error
}

// HandlerFunc processes one call. The returned message travels in the
// terminal chunk; a non-nil error turns the terminal chunk into a failure
// carrying the error text.
type HandlerFunc func(ctx context.Context, call Call, out Emitter) (string, error)

// ServeConfig configures the plugin serve loop.
type ServeConfig struct {
	// Handlers maps function names to their implementations.
	// Required; Serve panics if nil or empty.
	Handlers map[string]HandlerFunc

	// OnInitialize runs when the host performs its handshake. Returning an
	// error fails the handshake and the host will terminate the plugin.
	OnInitialize func(ctx context.Context) error

	// OnShutdown runs once when the host requests a graceful stop.
	OnShutdown func(ctx context.Context)

	// Input and Output override the command and response streams.
	// They default to stdin and stdout.
	Input  io.Reader
	Output io.Writer
}

// chunkEmitter writes partial chunks through a wire encoder.
type chunkEmitter struct {
	enc *wire.Encoder
}

func (e *chunkEmitter) Emit(message string) error {
	return e.enc.Encode(wire.PartialChunk(message))
}

// Serve runs the plugin command loop. It should be called from main and
// blocks until the host sends a shutdown command or closes the channel.
//
// Example usage:
//
//	func main() {
//		err := pluginsdk.Serve(&pluginsdk.ServeConfig{
//			Handlers: map[string]pluginsdk.HandlerFunc{
//				"echo": func(_ context.Context, call pluginsdk.Call, _ pluginsdk.Emitter) (string, error) {
//					text, _ := call.Params["text"].(string)
//					return text, nil
//				},
//			},
//		})
//		if err != nil {
//			os.Exit(1)
//		}
//	}
func Serve(config *ServeConfig) error {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if len(config.Handlers) == 0 {
		panic("pluginsdk: config.Handlers cannot be empty")
	}

	in := config.Input
	if in == nil {
		in = os.Stdin
	}
	var out io.Writer = config.Output
	if out == nil {
		// Stdout is buffered; the encoder flushes after every frame so the
		// host is never left waiting on a partial frame.
		out = bufio.NewWriter(os.Stdout)
	}

	dec := wire.NewDecoder(in)
	enc := wire.NewEncoder(out)
	ctx := context.Background()

	for {
		var cmd wire.Command
		if err := dec.Decode(&cmd); err != nil {
			if errors.Is(err, io.EOF) {
				// Host closed the channel; treat as an implicit shutdown.
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}

		call, ok := cmd.First()
		if !ok {
			if werr := enc.Encode(wire.FinalChunk(false, "malformed command: no tool calls")); werr != nil {
				return werr
			}
			continue
		}

		switch call.Func {
		case wire.CommandInitialize:
			if err := runInitialize(ctx, config); err != nil {
				if werr := enc.Encode(wire.FinalChunk(false, err.Error())); werr != nil {
					return werr
				}
				continue
			}
			if werr := enc.Encode(wire.FinalChunk(true, "")); werr != nil {
				return werr
			}

		case wire.CommandShutdown:
			if config.OnShutdown != nil {
				config.OnShutdown(ctx)
			}
			// Best effort: the host may already have closed the channel.
			_ = enc.Encode(wire.FinalChunk(true, "")) //nolint:errcheck
			return nil

		default:
			handleCall(ctx, config, enc, call)
		}
	}
}

// runInitialize invokes the optional initialize hook.
func runInitialize(ctx context.Context, config *ServeConfig) error {
	if config.OnInitialize == nil {
		return nil
	}
	return config.OnInitialize(ctx)
}

// handleCall dispatches one function call and writes its terminal chunk.
func handleCall(ctx context.Context, config *ServeConfig, enc *wire.Encoder, tc wire.ToolCall) {
	handler, ok := config.Handlers[tc.Func]
	if !ok {
		_ = enc.Encode(wire.FinalChunk(false, fmt.Sprintf("unknown function: %s", tc.Func))) //nolint:errcheck
		return
	}

	msg, err := handler(ctx, Call{
		Function:   tc.Func,
		Params:     tc.Properties,
		Messages:   tc.Messages,
		SystemInfo: tc.SystemInfo,
	}, &chunkEmitter{enc: enc})
	if err != nil {
		_ = enc.Encode(wire.FinalChunk(false, err.Error())) //nolint:errcheck
		return
	}
	_ = enc.Encode(wire.FinalChunk(true, msg)) //nolint:errcheck
}
