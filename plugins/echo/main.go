// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

// Package main implements the echo example plugin. It answers echo_message
// with the given text and stream_words by emitting each word as a separate
// chunk before the final reply.
//
// Build:
//
//	go build -o plugins/echo/echo ./plugins/echo
package main

import (
	"context"
	"os"
	"strings"

	pluginsdk "github.com/sidekick-host/sidekick/pkg/plugin"
)

func main() {
	err := pluginsdk.Serve(&pluginsdk.ServeConfig{
		Handlers: map[string]pluginsdk.HandlerFunc{
			"echo_message": echoMessage,
			"stream_words": streamWords,
		},
	})
	if err != nil {
		os.Exit(1)
	}
}

func echoMessage(_ context.Context, call pluginsdk.Call, _ pluginsdk.Emitter) (string, error) {
	text, _ := call.Params["text"].(string)
	return text, nil
}

func streamWords(_ context.Context, call pluginsdk.Call, out pluginsdk.Emitter) (string, error) {
	text, _ := call.Params["text"].(string)
	words := strings.Fields(text)
	for _, w := range words {
		if err := out.Emit(w + " "); err != nil {
			return "", err
		}
	}
	return "done", nil
}
