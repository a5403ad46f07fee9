// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package auth

import (
	"context"
	"log/slog"

	"github.com/samber/oops"
)

// EmailDispatcher delivers verification codes.
type EmailDispatcher interface {
	Send(ctx context.Context, address, code string) error
}

// UnconfiguredDispatcher fails every send. It is the production default until
// a real transport is wired.
type UnconfiguredDispatcher struct{}

// Send always returns EMAIL_TRANSPORT_UNCONFIGURED.
func (UnconfiguredDispatcher) Send(_ context.Context, address, _ string) error {
	return oops.Code("EMAIL_TRANSPORT_UNCONFIGURED").
		With("address", address).
		Errorf("no email transport configured")
}

// LogDispatcher writes codes to a logger. Development only.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a LogDispatcher. A nil logger uses slog.Default().
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

// Send logs the code at warn level so it is visible in development output.
func (d *LogDispatcher) Send(ctx context.Context, address, code string) error {
	// "otp" is not a redacted key; the point of this dispatcher is to show it.
	d.logger.WarnContext(ctx, "verification code (development dispatcher)",
		"address", address,
		"otp", code,
	)
	return nil
}
