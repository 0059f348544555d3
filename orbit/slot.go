package orbit

import "github.com/pixperk/deisync/types"

// The arrangement is N fixed slots on a circular path.
//
// - N is fixed for the lifetime of an Orbit and never changes.
// - Each slot has exactly one Position, taken from the geometry table.
// - A cycle fills every slot exactly once; the order is random.
// - Which slots are taken is owned by the registry, not by the Orbit.

// Slot is a picked position plus the rotation a ring placed there gets.
type Slot struct {
	Index    types.SlotIndex
	Position types.Position
	Angle    Angle
}

// Angle is the per-axis rotation step of a ring.
type Angle struct {
	X int
	Y int
}

// angle ranges, inclusive upper bounds
const (
	evenMaxX = 1
	evenMaxY = 1
	oddMaxX  = 1
	oddMaxY  = 4
)
