// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

// Package gpu reads GPU telemetry through an external provider and builds
// the system snapshot that rides along with every delegated command.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrUnavailable is returned when no GPU telemetry source exists on this
// machine. Not a failure; hosts without a GPU are fully supported.
var ErrUnavailable = errors.New("gpu telemetry unavailable")

// Info is one GPU's telemetry reading.
type Info struct {
	Name           string  `json:"name"`
	DriverVersion  string  `json:"driver_version"`
	MemoryTotalMB  int     `json:"memory_total_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	UtilizationPct int     `json:"utilization_pct"`
	TemperatureC   float64 `json:"temperature_c"`
}

// Provider reads current GPU telemetry.
type Provider interface {
	Info(ctx context.Context) ([]Info, error)
}

// smiQuery is the field list requested from nvidia-smi, in Info order.
const smiQuery = "name,driver_version,memory.total,memory.used,utilization.gpu,temperature.gpu"

// SMIProvider reads telemetry by shelling out to nvidia-smi.
type SMIProvider struct {
	// Path overrides the nvidia-smi binary location. Empty means $PATH.
	Path string
}

// Info runs nvidia-smi and parses its CSV output. Returns ErrUnavailable
// when the binary is missing or fails to run.
func (p *SMIProvider) Info(ctx context.Context) ([]Info, error) {
	path := p.Path
	if path == "" {
		var err error
		path, err = exec.LookPath("nvidia-smi")
		if err != nil {
			return nil, ErrUnavailable
		}
	}

	out, err := exec.CommandContext(ctx, path,
		"--query-gpu="+smiQuery,
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("%w: nvidia-smi: %v", ErrUnavailable, err)
	}
	return parseSMI(out)
}

// parseSMI parses nvidia-smi CSV rows, one GPU per line.
func parseSMI(out []byte) ([]Info, error) {
	var gpus []Info
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 6 {
			return nil, fmt.Errorf("unexpected nvidia-smi output: %q", line)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		info := Info{Name: fields[0], DriverVersion: fields[1]}
		var err error
		if info.MemoryTotalMB, err = strconv.Atoi(fields[2]); err != nil {
			return nil, fmt.Errorf("bad memory.total %q: %w", fields[2], err)
		}
		if info.MemoryUsedMB, err = strconv.Atoi(fields[3]); err != nil {
			return nil, fmt.Errorf("bad memory.used %q: %w", fields[3], err)
		}
		if info.UtilizationPct, err = strconv.Atoi(fields[4]); err != nil {
			return nil, fmt.Errorf("bad utilization.gpu %q: %w", fields[4], err)
		}
		if info.TemperatureC, err = strconv.ParseFloat(fields[5], 64); err != nil {
			return nil, fmt.Errorf("bad temperature.gpu %q: %w", fields[5], err)
		}
		gpus = append(gpus, info)
	}
	if len(gpus) == 0 {
		return nil, ErrUnavailable
	}
	return gpus, nil
}

// Snapshot builds the system_info payload attached to delegated commands:
// host, CPU, and memory readings, plus GPU telemetry when a provider can
// supply it. A missing GPU never fails the snapshot.
func Snapshot(ctx context.Context, p Provider) map[string]any {
	info := make(map[string]any)

	if hi, err := host.InfoWithContext(ctx); err == nil {
		info["os"] = hi.OS
		info["platform"] = hi.Platform
		info["platform_version"] = hi.PlatformVersion
		info["hostname"] = hi.Hostname
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info["cpu_count"] = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory_total_mb"] = vm.Total / (1 << 20)
		info["memory_used_pct"] = int(vm.UsedPercent)
	}

	if p != nil {
		if gpus, err := p.Info(ctx); err == nil {
			info["gpus"] = gpus
		}
	}
	return info
}
