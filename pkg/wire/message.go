// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

// Package wire implements the framed JSON message protocol spoken between
// the sidekick host and plugin processes. Every message is a single JSON
// object terminated by an ASCII NUL byte on the stream; producers flush
// after each frame so consumers are never left waiting on a buffered
// partial frame.
package wire

// Reserved command names understood by every plugin regardless of what its
// manifest declares. Plugins must not claim these as functions.
const (
	CommandInitialize = "initialize"
	CommandShutdown   = "shutdown"
)

// Command is the host-to-plugin message envelope.
type Command struct {
	ToolCalls []ToolCall `json:"tool_calls"`
}

// ToolCall describes one function invocation inside a Command.
type ToolCall struct {
	Func       string         `json:"func"`
	Properties map[string]any `json:"properties,omitempty"`
	Messages   []Message      `json:"messages,omitempty"`
	SystemInfo map[string]any `json:"system_info,omitempty"`
}

// Message is one prior conversation turn carried as context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewCommand builds a Command carrying a single tool call.
func NewCommand(fn string, props map[string]any) Command {
	return Command{ToolCalls: []ToolCall{{Func: fn, Properties: props}}}
}

// First returns the first tool call of the command, if any.
func (c Command) First() (ToolCall, bool) {
	if len(c.ToolCalls) == 0 {
		return ToolCall{}, false
	}
	return c.ToolCalls[0], true
}

// Chunk is one unit of plugin output for a single command. A response is an
// ordered sequence of chunks; the chunk that carries a success flag is the
// terminal one, and nothing may follow it.
type Chunk struct {
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// Final reports whether this chunk terminates the response.
func (c Chunk) Final() bool { return c.Success != nil }

// OK reports whether this is a successful terminal chunk.
func (c Chunk) OK() bool { return c.Success != nil && *c.Success }

// PartialChunk builds a non-terminal chunk carrying streamed output.
func PartialChunk(message string) Chunk {
	return Chunk{Message: message}
}

// FinalChunk builds the terminal chunk of a response.
func FinalChunk(ok bool, message string) Chunk {
	return Chunk{Success: &ok, Message: message}
}
