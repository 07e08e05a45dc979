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

package pm

import (
	"time"

	"github.com/google/uuid"
)

// StateID is a state's UUID primary key.
type StateID uuid.UUID

func NewStateID() StateID { return StateID(uuid.New()) }

func (s StateID) String() string { return uuid.UUID(s).String() }

func (s StateID) IsZero() bool { return s == StateID{} }

// ParseStateID decodes a state UUID string.
func ParseStateID(s string) (StateID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return StateID{}, err
	}
	return StateID(u), nil
}

// State is a committed (or provisional) system state: a forest node whose
// package set is the packages associated with it.
type State struct {
	ID          StateID
	ParentID    *StateID
	CreatedAt   time.Time
	Operation   string
	Success     bool
	RollbackOf  *StateID
}

// Package is one package row bound to a state.
type Package struct {
	Identity    Identity
	ArchiveHash Hash
	InstalledAt time.Time
	Files       []FileEntry
}

// Slot identifies one of the two live-slot backing directories.
type Slot int

const (
	SlotA Slot = iota
	SlotB
)

func (s Slot) String() string {
	if s == SlotA {
		return "slot-a"
	}
	return "slot-b"
}

func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// ActiveSlotPointer is the persisted record of which slot is live and what
// state UUID each slot currently materializes, per spec.md §3.
type ActiveSlotPointer struct {
	Active Slot
	SlotA  *StateID
	SlotB  *StateID
}
