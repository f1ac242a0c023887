// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs an error with structured context if it's an oops error.
// For oops errors, it extracts and logs the message, code, and context.
// For standard errors, it logs the error string.
func LogError(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, errAttrs(err)...)
}

// LogWarn is LogError at warning level, for degraded-but-running conditions
// such as rejected manifests or an incomplete shutdown.
func LogWarn(logger *slog.Logger, msg string, err error) {
	logger.Warn(msg, errAttrs(err)...)
}

// errAttrs flattens an error into slog attributes, surfacing the oops code
// and context when present.
func errAttrs(err error) []any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return []any{"error", err}
	}

	attrs := []any{
		"error", oopsErr.Error(),
	}
	if code := oopsErr.Code(); code != nil {
		attrs = append(attrs, "code", code)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		attrs = append(attrs, "context", ctx)
	}
	return attrs
}
