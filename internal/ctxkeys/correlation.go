// Shoal is a Redfish aggregator service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package ctxkeys threads one events.CorrelationID through a call chain via
// context.Context, so a subcommand that spans several subsystems (resolve,
// then pipeline, then verify) can tag every emitted event with the same ID
// without each subsystem minting its own.
package ctxkeys

import (
	"context"

	"opm/internal/events"
)

type key int

const correlationKey key = iota

// GetCorrelationID returns the correlation ID stored on ctx, or "" if none.
func GetCorrelationID(ctx context.Context) events.CorrelationID {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationKey).(events.CorrelationID); ok {
		return v
	}
	return ""
}

// WithCorrelationID returns a child context carrying id.
func WithCorrelationID(ctx context.Context, id events.CorrelationID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationKey, id)
}

// EnsureCorrelationID returns ctx unchanged plus its existing correlation ID,
// or a child context carrying a freshly minted one if ctx had none.
func EnsureCorrelationID(ctx context.Context) (context.Context, events.CorrelationID) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := events.NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}
