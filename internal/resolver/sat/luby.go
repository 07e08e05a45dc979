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

package sat

// lubySequence generates the Luby restart sequence
// (1,1,2,1,1,2,4,1,1,2,1,1,2,4,8,...) used to scale the conflict budget
// between restarts: short restarts dominate, with exponentially rarer long
// runs, which empirically outperforms a fixed or purely geometric schedule.
type lubySequence struct {
	i int
}

func newLubySequence() *lubySequence {
	return &lubySequence{i: 0}
}

// next returns the next term and advances the sequence.
func (l *lubySequence) next() int {
	l.i++
	return luby(l.i)
}

// luby computes the i-th term (1-indexed) of the Luby sequence.
func luby(i int) int {
	for k := 1; k < 32; k++ {
		if i == (1<<k)-1 {
			return 1 << (k - 1)
		}
	}
	for k := 1; ; k++ {
		if (1<<k)-1 > i {
			return luby(i - (1 << (k - 1)) + 1)
		}
	}
}
