// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

// Package console implements the interactive command shell. Lines are
// parsed with a small participle grammar into command invocations:
//
//	get_weather city="Oslo" days=3
//	invoke_plugin weather get_forecast city="Oslo"
//	start_plugin weather
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
	"github.com/samber/oops"

	"github.com/sidekick-host/sidekick/internal/core"
	"github.com/sidekick-host/sidekick/internal/router"
)

// consoleLexer tokenizes console lines. Bare words double as values, so
// the grammar needs lookahead to tell `key=value` from a positional word.
var consoleLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"[^"]*"`},
	{Name: "Number", Pattern: `-?\d+(\.\d+)?`},
	{Name: "Ident", Pattern: `[a-zA-Z_][\w.-]*`},
	{Name: "Eq", Pattern: `=`},
	{Name: "whitespace", Pattern: `\s+`},
})

// Line is one parsed console input line.
//
// Grammar: command ( key "=" value | value )*
type Line struct {
	Command string `parser:"@Ident"`
	Args    []*Arg `parser:"@@*"`
}

// Arg is one argument, keyed or positional.
type Arg struct {
	Key   string `parser:"(@Ident Eq)?"`
	Value *Value `parser:"@@"`
}

// Value is a literal argument value.
type Value struct {
	Str    *string  `parser:"  @String"`
	Number *float64 `parser:"| @Number"`
	Word   *string  `parser:"| @Ident"`
}

// Any converts the literal to its Go value. Quoted strings lose their
// quotes; bare true/false become booleans.
func (v *Value) Any() any {
	switch {
	case v.Str != nil:
		return strings.Trim(*v.Str, `"`)
	case v.Number != nil:
		return *v.Number
	case v.Word != nil:
		switch *v.Word {
		case "true":
			return true
		case "false":
			return false
		}
		return *v.Word
	}
	return nil
}

var parser = participle.MustBuild[Line](
	participle.Lexer(consoleLexer),
	participle.UseLookahead(2),
)

// Parse parses one console line.
func Parse(input string) (*Line, error) {
	line, err := parser.ParseString("", input)
	if err != nil {
		return nil, oops.Wrapf(err, "parsing console input")
	}
	return line, nil
}

// BuildRequest maps a parsed line onto a routable request. The plugin
// management built-ins accept positional arguments; everything else takes
// key=value pairs only.
func BuildRequest(l *Line) (router.Request, error) {
	var positional []any
	keyed := make(map[string]any)
	for _, arg := range l.Args {
		if arg.Key == "" {
			positional = append(positional, arg.Value.Any())
		} else {
			keyed[arg.Key] = arg.Value.Any()
		}
	}

	req := router.Request{Command: l.Command, Params: keyed}

	switch l.Command {
	case router.CmdStartPlugin, router.CmdStopPlugin:
		if len(positional) != 1 {
			return router.Request{}, oops.Errorf("usage: %s <plugin>", l.Command)
		}
		req.Params = map[string]any{"name": positional[0]}

	case router.CmdInvokePlugin:
		if len(positional) != 2 {
			return router.Request{}, oops.Errorf("usage: %s <plugin> <function> [key=value ...]", l.Command)
		}
		req.Params = map[string]any{
			"name":     positional[0],
			"function": positional[1],
			"params":   keyed,
		}

	default:
		if len(positional) > 0 {
			return router.Request{}, oops.Errorf("command %s takes key=value arguments only", l.Command)
		}
	}
	return req, nil
}

// Processor runs one command; satisfied by the core orchestrator.
type Processor interface {
	ProcessCommandStream(ctx context.Context, req router.Request, onChunk router.ChunkFunc) core.Result
}

const prompt = "sidekick> "

const helpText = `commands:
  <command> [key=value ...]                 run a command by name
  invoke_plugin <plugin> <function> [...]   call a plugin function directly
  start_plugin <plugin> | stop_plugin <plugin>
  list_plugins | get_gpu_info | shutdown
  help | quit`

// Run drives the read-eval-print loop until the input ends, the user
// quits, or the context is canceled. Partial chunks print as they arrive.
func Run(ctx context.Context, proc Processor, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		input := strings.TrimSpace(scanner.Text())
		switch input {
		case "":
			continue
		case "help":
			fmt.Fprintln(out, helpText)
			continue
		case "quit", "exit":
			return nil
		}

		line, err := Parse(input)
		if err != nil {
			fmt.Fprintf(out, "parse error: %v\n", err)
			continue
		}
		req, err := BuildRequest(line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}

		res := proc.ProcessCommandStream(ctx, req, func(msg string) {
			fmt.Fprint(out, msg)
		})
		// Partial chunks already printed; the final message repeats them,
		// so only print what the stream did not show.
		if res.Success {
			fmt.Fprintf(out, "\nok: %s\n", res.Message)
		} else {
			fmt.Fprintf(out, "\nerror: %s\n", res.Message)
		}

		if req.Command == router.CmdShutdown && res.Success {
			return nil
		}
	}
}
