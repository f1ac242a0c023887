// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/sidekick-host/sidekick/internal/config"
	"github.com/sidekick-host/sidekick/internal/core"
	"github.com/sidekick-host/sidekick/internal/router"
)

// installTestPlugin writes a plugin dir whose executable re-enters this
// test binary in plugin mode.
func installTestPlugin(root, name string, persistent bool, commands ...string) {
	exe, err := os.Executable()
	Expect(err).NotTo(HaveOccurred())

	dir := filepath.Join(root, name)
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())

	script := fmt.Sprintf("#!/bin/sh\n%s=echo exec %q\n", pluginModeEnv, exe)
	Expect(os.WriteFile(filepath.Join(dir, "run.sh"), []byte(script), 0o755)).To(Succeed())

	fns := ""
	for i, c := range commands {
		if i > 0 {
			fns += ","
		}
		fns += fmt.Sprintf(`{"name": %q}`, c)
	}
	manifest := fmt.Sprintf(`{
		"name": %q,
		"version": "1.0.0",
		"executable": "run.sh",
		"persistent": %t,
		"functions": [%s]
	}`, name, persistent, fns)
	Expect(os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644)).To(Succeed())
}

var _ = Describe("Plugin host", func() {
	var (
		ctx  context.Context
		root string
		host *core.Core
	)

	newHost := func(mutate func(*config.Config)) {
		cfg := config.Default()
		cfg.PluginsDir = root
		cfg.Timeouts.PluginStop = time.Second
		cfg.Timeouts.Shutdown = 5 * time.Second
		if mutate != nil {
			mutate(&cfg)
		}

		var err error
		host, err = core.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(host.Start(ctx)).To(Succeed())
		DeferCleanup(func() {
			_ = host.Stop(context.Background()) //nolint:errcheck
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
	})

	Describe("command round trips", func() {
		BeforeEach(func() {
			installTestPlugin(root, "echo", false, "echo_message", "stream_words")
			newHost(nil)
		})

		It("routes a command to a lazily started plugin", func() {
			res := host.ProcessCommand(ctx, router.Request{
				Command: "echo_message",
				Params:  map[string]any{"text": "through the whole stack"},
			})

			Expect(res.Success).To(BeTrue())
			Expect(res.Message).To(Equal("through the whole stack"))
			Expect(res.RequestID).NotTo(BeEmpty())
		})

		It("streams partial chunks before the final reply", func() {
			var partials []string
			res := host.ProcessCommandStream(ctx, router.Request{Command: "stream_words"},
				func(msg string) { partials = append(partials, msg) })

			Expect(res.Success).To(BeTrue())
			Expect(partials).To(Equal([]string{"alpha ", "beta "}))
			Expect(res.Message).To(Equal("alpha beta gamma"))
		})

		It("rejects unknown commands", func() {
			res := host.ProcessCommand(ctx, router.Request{Command: "get_sunrise"})
			Expect(res.Success).To(BeFalse())
			Expect(res.Message).To(ContainSubstring("unknown command"))
		})
	})

	Describe("plugin lifecycle built-ins", func() {
		BeforeEach(func() {
			installTestPlugin(root, "echo", false, "echo_message")
			newHost(nil)
		})

		It("starts, lists, and stops a plugin", func() {
			res := host.ProcessCommand(ctx, router.Request{
				Command: router.CmdStartPlugin,
				Params:  map[string]any{"name": "echo"},
			})
			Expect(res.Success).To(BeTrue())

			list := host.ProcessCommand(ctx, router.Request{Command: router.CmdListPlugins})
			Expect(list.Success).To(BeTrue())
			statuses := list.Data.([]router.PluginStatus)
			Expect(statuses).To(HaveLen(1))
			Expect(statuses[0].Name).To(Equal("echo"))
			Expect(statuses[0].State).To(Equal("ready"))

			res = host.ProcessCommand(ctx, router.Request{
				Command: router.CmdStopPlugin,
				Params:  map[string]any{"name": "echo"},
			})
			Expect(res.Success).To(BeTrue())

			list = host.ProcessCommand(ctx, router.Request{Command: router.CmdListPlugins})
			statuses = list.Data.([]router.PluginStatus)
			Expect(statuses[0].State).To(Equal("stopped"))
		})

		It("invokes a function through invoke_plugin", func() {
			res := host.ProcessCommand(ctx, router.Request{
				Command: router.CmdInvokePlugin,
				Params: map[string]any{
					"name":     "echo",
					"function": "echo_message",
					"params":   map[string]any{"text": "direct"},
				},
			})
			Expect(res.Success).To(BeTrue())
			Expect(res.Message).To(Equal("direct"))
		})
	})

	Describe("persistent plugins", func() {
		It("launches persistent plugins at startup", func() {
			installTestPlugin(root, "keeper", true, "echo_message")
			newHost(nil)

			list := host.ProcessCommand(ctx, router.Request{Command: router.CmdListPlugins})
			statuses := list.Data.([]router.PluginStatus)
			Expect(statuses[0].State).To(Equal("ready"))
		})
	})

	Describe("deadlines", func() {
		It("times out an overrunning command and stops the plugin", func() {
			installTestPlugin(root, "echo", false, "slow_reply")
			newHost(func(cfg *config.Config) {
				cfg.Timeouts.Dispatch = 200 * time.Millisecond
			})

			res := host.ProcessCommand(ctx, router.Request{Command: "slow_reply"})
			Expect(res.Success).To(BeFalse())
			Expect(res.Message).To(ContainSubstring("timed out"))
		})
	})

	Describe("host shutdown", func() {
		It("signals shutdown from the built-in command", func() {
			installTestPlugin(root, "echo", false, "echo_message")
			newHost(nil)

			res := host.ProcessCommand(ctx, router.Request{Command: router.CmdShutdown})
			Expect(res.Success).To(BeTrue())
			Eventually(host.ShutdownRequested()).Should(BeClosed())
		})

		It("stops all plugins on Stop", func() {
			installTestPlugin(root, "keeper", true, "echo_message")
			newHost(nil)

			Expect(host.Stop(ctx)).To(Succeed())
			Expect(host.Ready()).To(BeFalse())
		})
	})
})
