// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package errutil

import (
	"log/slog"
	"slices"

	"github.com/samber/oops"
)

// LogError logs err at error level. An oops error contributes its code as
// error_code and its context as an "error_context" group, one attribute per
// key in sorted order, so handler-level redaction sees each key.
func LogError(logger *slog.Logger, msg string, err error) {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		logger.Error(msg, "error", err)
		return
	}

	attrs := []any{"error", oopsErr.Error()}
	if code := oopsErr.Code(); code != nil {
		attrs = append(attrs, "error_code", code)
	}
	if group := contextGroup(oopsErr.Context()); len(group) > 0 {
		attrs = append(attrs, slog.Group("error_context", group...))
	}
	logger.Error(msg, attrs...)
}

func contextGroup(ctx map[string]any) []any {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	group := make([]any, 0, len(keys))
	for _, k := range keys {
		group = append(group, slog.Any(k, ctx[k]))
	}
	return group
}
