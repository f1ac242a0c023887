// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidekick-host/sidekick/internal/core"
	"github.com/sidekick-host/sidekick/internal/router"
)

func TestParseKeyedArgs(t *testing.T) {
	line, err := Parse(`get_weather city="Oslo" days=3 verbose=true`)
	require.NoError(t, err)

	assert.Equal(t, "get_weather", line.Command)
	require.Len(t, line.Args, 3)

	req, err := BuildRequest(line)
	require.NoError(t, err)
	assert.Equal(t, "get_weather", req.Command)
	assert.Equal(t, "Oslo", req.Params["city"])
	assert.Equal(t, float64(3), req.Params["days"])
	assert.Equal(t, true, req.Params["verbose"])
}

func TestParseBareCommand(t *testing.T) {
	line, err := Parse("list_plugins")
	require.NoError(t, err)

	req, err := BuildRequest(line)
	require.NoError(t, err)
	assert.Equal(t, router.CmdListPlugins, req.Command)
	assert.Empty(t, req.Params)
}

func TestParseStartStopPositional(t *testing.T) {
	line, err := Parse("start_plugin weather")
	require.NoError(t, err)

	req, err := BuildRequest(line)
	require.NoError(t, err)
	assert.Equal(t, router.CmdStartPlugin, req.Command)
	assert.Equal(t, "weather", req.Params["name"])

	line, err = Parse("stop_plugin")
	require.NoError(t, err)
	_, err = BuildRequest(line)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage")
}

func TestParseInvokePlugin(t *testing.T) {
	line, err := Parse(`invoke_plugin weather get_forecast city="Oslo" days=2`)
	require.NoError(t, err)

	req, err := BuildRequest(line)
	require.NoError(t, err)
	assert.Equal(t, router.CmdInvokePlugin, req.Command)
	assert.Equal(t, "weather", req.Params["name"])
	assert.Equal(t, "get_forecast", req.Params["function"])

	nested, ok := req.Params["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Oslo", nested["city"])
	assert.Equal(t, float64(2), nested["days"])
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(`= what`)
	require.Error(t, err)

	line, err := Parse(`get_weather Oslo`)
	require.NoError(t, err)
	_, err = BuildRequest(line)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key=value")
}

func TestParseNegativeAndQuoted(t *testing.T) {
	line, err := Parse(`set_offset value=-7.5 label="two words"`)
	require.NoError(t, err)

	req, err := BuildRequest(line)
	require.NoError(t, err)
	assert.Equal(t, -7.5, req.Params["value"])
	assert.Equal(t, "two words", req.Params["label"])
}

// scriptedProcessor records requests and plays back canned results.
type scriptedProcessor struct {
	requests []router.Request
	result   core.Result
	partials []string
}

func (p *scriptedProcessor) ProcessCommandStream(_ context.Context, req router.Request, onChunk router.ChunkFunc) core.Result {
	p.requests = append(p.requests, req)
	if onChunk != nil {
		for _, msg := range p.partials {
			onChunk(msg)
		}
	}
	res := p.result
	if req.Command == router.CmdShutdown {
		res = core.Result{Success: true, Message: "shutting down"}
	}
	return res
}

func TestRunExecutesCommands(t *testing.T) {
	proc := &scriptedProcessor{
		result:   core.Result{Success: true, Message: "sunny"},
		partials: []string{"sun", "ny"},
	}
	in := strings.NewReader("get_weather city=\"Oslo\"\nquit\n")
	var out bytes.Buffer

	err := Run(context.Background(), proc, in, &out)
	require.NoError(t, err)

	require.Len(t, proc.requests, 1)
	assert.Equal(t, "get_weather", proc.requests[0].Command)
	assert.Contains(t, out.String(), "sunny")
	assert.Contains(t, out.String(), "ok:")
}

func TestRunReportsFailures(t *testing.T) {
	proc := &scriptedProcessor{result: core.Result{Success: false, Message: "unknown command: nope"}}
	in := strings.NewReader("nope\nquit\n")
	var out bytes.Buffer

	require.NoError(t, Run(context.Background(), proc, in, &out))
	assert.Contains(t, out.String(), "error: unknown command: nope")
}

func TestRunSkipsBlanksAndHelp(t *testing.T) {
	proc := &scriptedProcessor{result: core.Result{Success: true}}
	in := strings.NewReader("\nhelp\nquit\n")
	var out bytes.Buffer

	require.NoError(t, Run(context.Background(), proc, in, &out))
	assert.Empty(t, proc.requests)
	assert.Contains(t, out.String(), "commands:")
}

func TestRunParseErrorKeepsGoing(t *testing.T) {
	proc := &scriptedProcessor{result: core.Result{Success: true, Message: "fine"}}
	in := strings.NewReader("= broken =\nlist_plugins\nquit\n")
	var out bytes.Buffer

	require.NoError(t, Run(context.Background(), proc, in, &out))
	assert.Contains(t, out.String(), "parse error")
	require.Len(t, proc.requests, 1)
}

func TestRunStopsOnShutdown(t *testing.T) {
	proc := &scriptedProcessor{}
	in := strings.NewReader("shutdown\nlist_plugins\nquit\n")
	var out bytes.Buffer

	require.NoError(t, Run(context.Background(), proc, in, &out))
	// The loop ends at shutdown; list_plugins never runs.
	require.Len(t, proc.requests, 1)
	assert.Equal(t, router.CmdShutdown, proc.requests[0].Command)
}

func TestRunEndsAtEOF(t *testing.T) {
	proc := &scriptedProcessor{result: core.Result{Success: true}}
	in := strings.NewReader("list_plugins\n")
	var out bytes.Buffer

	require.NoError(t, Run(context.Background(), proc, in, &out))
	require.Len(t, proc.requests, 1)
}
