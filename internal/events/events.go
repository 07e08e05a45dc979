// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
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

// Package events is the single-producer... actually multi-producer,
// single-logical-consumer event bus (C8): typed progress events tagged
// with correlation IDs so a batch install -> per-package download ->
// per-byte progress hierarchy can be grouped by an external renderer. The
// bus never blocks a producer; a slow or absent consumer simply misses
// events (acceptable per spec.md's "backpressure is absent" contract),
// mirroring the non-blocking appendEvent/recordOpEvent helpers in the
// teacher's job worker.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Family names the event taxonomy's top-level groupings.
type Family string

const (
	FamilyDownload   Family = "download"
	FamilyBuild      Family = "build"
	FamilyState      Family = "state"
	FamilyResolver   Family = "resolver"
	FamilyVerify     Family = "verify"
	FamilyQA         Family = "qa"
	FamilyGC         Family = "gc"
)

// Stage names a lifecycle point within a family (download: start/progress/
// resume/complete/fail; others analogous).
type Stage string

const (
	StageStart    Stage = "start"
	StageProgress Stage = "progress"
	StageResume   Stage = "resume"
	StageComplete Stage = "complete"
	StageFail     Stage = "fail"
)

// CorrelationID threads a batch install -> package -> byte-range hierarchy.
type CorrelationID string

// NewCorrelationID mints a fresh correlation ID, typically one per
// top-level operation (an install, a verify run, a GC sweep).
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

// Event is one emitted progress record.
type Event struct {
	Family        Family
	Stage         Stage
	CorrelationID CorrelationID
	Package       string // optional: which package this event concerns
	Message       string
	Detail        map[string]any
	Timestamp     time.Time
}

// Bus is a multi-producer, single-logical-consumer event channel. At most
// one subscriber may be active; Publish never blocks the caller — if the
// subscriber's buffer is full, the event is dropped.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	buffer int
}

// New creates a Bus whose subscriber channels buffer up to bufferSize
// events before dropping.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{buffer: bufferSize}
}

// Subscribe registers a new consumer channel. Per spec.md's external
// interface contract only one active subscriber is expected, but the bus
// does not enforce that; callers coordinate it.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish fans an event out to every subscriber without blocking; a full
// subscriber buffer causes that subscriber (only) to miss the event.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Correlate returns a helper bound to one correlation ID, for call sites
// that emit several related events (e.g. one package's Acquire stage).
func (b *Bus) Correlate(id CorrelationID) Emitter {
	return Emitter{bus: b, id: id}
}

// Emitter is a correlation-scoped convenience wrapper around Bus.Publish.
type Emitter struct {
	bus *Bus
	id  CorrelationID
}

func (e Emitter) Emit(family Family, stage Stage, pkg, message string, detail map[string]any) {
	e.bus.Publish(Event{
		Family:        family,
		Stage:         stage,
		CorrelationID: e.id,
		Package:       pkg,
		Message:       message,
		Detail:        detail,
	})
}
